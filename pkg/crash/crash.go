// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package crash defines the immutable crash-record snapshot taken when
// a fuzz thread's child terminates by a fatal signal, and the
// serializer/deserializer contract a persistence collaborator must
// satisfy. The core never writes crash records to disk itself.
package crash

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
	"unsafe"

	"github.com/google/uuid"

	"github.com/brightprogrammer/vector/pkg/graph"
	"github.com/brightprogrammer/vector/pkg/types"
)

// Record is an immutable value capturing everything needed to
// understand and reproduce a crash.
type Record struct {
	ID           string
	LittleEndian bool
	Signal       int
	ThreadID     int
	// ArgvTail is the target-program invocation tail of the tracer's
	// argument vector: everything after "--", i.e. the target program
	// invocation alone.
	ArgvTail []string
	Input    types.Input
	Trace    types.Trace
	Graph    *graph.Graph
}

// nativeLittleEndian reports this host's byte order, stored in every
// record so a deserializer can fail deterministically on a mismatch.
func nativeLittleEndian() bool {
	var x uint16 = 1
	return *(*byte)(unsafe.Pointer(&x)) == 1
}

// New snapshots a crash at the given thread, signal, input, trace and
// graph state. The graph is deep-copied so later mutation by the fuzz
// loop cannot affect the record.
func New(threadID, signal int, argvTail []string, input types.Input, trace types.Trace, g *graph.Graph) Record {
	return Record{
		ID:           uuid.NewString(),
		LittleEndian: nativeLittleEndian(),
		Signal:       signal,
		ThreadID:     threadID,
		ArgvTail:     append([]string(nil), argvTail...),
		Input:        types.CloneInput(input),
		Trace:        types.CloneTrace(trace),
		Graph:        g.Clone(),
	}
}

// FileName returns the conventional crash file name for r, using ts as
// the capture time. It deliberately omits r.ID: the name is meant to
// be human-scannable in a directory listing, while r.ID is what a
// collaborator (e.g. a dashboard) uses to refer to the record
// unambiguously even if two crashes land in the same second.
func (r Record) FileName(ts time.Time) string {
	return fmt.Sprintf("crash_thread%d_sig%d_%d.crash", r.ThreadID, r.Signal, ts.Unix())
}

// Serializer is the persistence collaborator contract: the core only
// needs "a record can be written and read back," not any particular
// on-disk format.
type Serializer interface {
	Serialize(w io.Writer, r Record) error
	Deserialize(r io.Reader) (Record, error)
}

// BinarySerializer is a simple, self-describing binary implementation
// in the same spirit as the knowledge checkpoint format: an endianness
// byte followed by length-prefixed fields. It is provided so the engine
// has a working default collaborator, not because the format is load-bearing
// for the core's correctness.
type BinarySerializer struct{}

func (BinarySerializer) Serialize(w io.Writer, r Record) error {
	if err := writeBool(w, r.LittleEndian); err != nil {
		return err
	}
	if err := writeString(w, r.ID); err != nil {
		return err
	}
	if err := writeI64(w, int64(r.Signal)); err != nil {
		return err
	}
	if err := writeI64(w, int64(r.ThreadID)); err != nil {
		return err
	}
	if err := writeI64(w, int64(len(r.ArgvTail))); err != nil {
		return err
	}
	for _, a := range r.ArgvTail {
		if err := writeString(w, a); err != nil {
			return err
		}
	}
	if err := writeBytes(w, r.Input); err != nil {
		return err
	}
	if err := writeU32Slice(w, r.Trace); err != nil {
		return err
	}
	return writeGraph(w, r.Graph)
}

func (BinarySerializer) Deserialize(rd io.Reader) (Record, error) {
	var rec Record
	var err error
	if rec.LittleEndian, err = readBool(rd); err != nil {
		return Record{}, err
	}
	if rec.LittleEndian != nativeLittleEndian() {
		return Record{}, fmt.Errorf("crash: endianness mismatch reading record")
	}
	if rec.ID, err = readString(rd); err != nil {
		return Record{}, err
	}
	var signal, threadID, argc int64
	if signal, err = readI64(rd); err != nil {
		return Record{}, err
	}
	rec.Signal = int(signal)
	if threadID, err = readI64(rd); err != nil {
		return Record{}, err
	}
	rec.ThreadID = int(threadID)
	if argc, err = readI64(rd); err != nil {
		return Record{}, err
	}
	if argc < 0 || argc > 1<<20 {
		return Record{}, fmt.Errorf("crash: corrupt argv length %d", argc)
	}
	rec.ArgvTail = make([]string, argc)
	for i := range rec.ArgvTail {
		if rec.ArgvTail[i], err = readString(rd); err != nil {
			return Record{}, err
		}
	}
	if rec.Input, err = readBytes(rd); err != nil {
		return Record{}, err
	}
	if rec.Trace, err = readU32Slice(rd); err != nil {
		return Record{}, err
	}
	if rec.Graph, err = readGraph(rd); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func writeBool(w io.Writer, v bool) error {
	var b [1]byte
	if v {
		b[0] = 1
	}
	_, err := w.Write(b[:])
	return err
}

func readBool(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func writeI64(w io.Writer, v int64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	_, err := w.Write(b[:])
	return err
}

func readI64(r io.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeI64(w, int64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	n, err := readI64(r)
	if err != nil {
		return nil, err
	}
	if n < 0 || n > 1<<32 {
		return nil, fmt.Errorf("crash: corrupt byte-slice length %d", n)
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

func writeString(w io.Writer, s string) error {
	return writeBytes(w, []byte(s))
}

func readString(r io.Reader) (string, error) {
	b, err := readBytes(r)
	return string(b), err
}

func writeU32Slice(w io.Writer, s []uint32) error {
	if err := writeI64(w, int64(len(s))); err != nil {
		return err
	}
	for _, v := range s {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		if _, err := w.Write(b[:]); err != nil {
			return err
		}
	}
	return nil
}

func readU32Slice(r io.Reader) ([]uint32, error) {
	n, err := readI64(r)
	if err != nil {
		return nil, err
	}
	if n < 0 || n > 1<<28 {
		return nil, fmt.Errorf("crash: corrupt u32-slice length %d", n)
	}
	out := make([]uint32, n)
	var b [4]byte
	for i := range out {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		out[i] = binary.LittleEndian.Uint32(b[:])
	}
	return out, nil
}

func writeGraph(w io.Writer, g *graph.Graph) error {
	adjacency, embeddings := g.Snapshot()
	if err := writeI64(w, int64(len(adjacency))); err != nil {
		return err
	}
	for node, nbrs := range adjacency {
		if err := writeU32(w, node); err != nil {
			return err
		}
		if err := writeU32Slice(w, nbrs); err != nil {
			return err
		}
	}
	if err := writeI64(w, int64(len(embeddings))); err != nil {
		return err
	}
	for node, e := range embeddings {
		if err := writeU32(w, node); err != nil {
			return err
		}
		if err := writeFloat64Slice(w, e); err != nil {
			return err
		}
	}
	return nil
}

func readGraph(r io.Reader) (*graph.Graph, error) {
	g := graph.New(graph.DefaultParams())
	adjCount, err := readI64(r)
	if err != nil {
		return nil, err
	}
	adjacency := make(map[uint32][]uint32, adjCount)
	for i := int64(0); i < adjCount; i++ {
		node, err := readU32(r)
		if err != nil {
			return nil, err
		}
		nbrs, err := readU32Slice(r)
		if err != nil {
			return nil, err
		}
		adjacency[node] = nbrs
	}
	embCount, err := readI64(r)
	if err != nil {
		return nil, err
	}
	embeddings := make(map[uint32][]float64, embCount)
	for i := int64(0); i < embCount; i++ {
		node, err := readU32(r)
		if err != nil {
			return nil, err
		}
		e, err := readFloat64Slice(r)
		if err != nil {
			return nil, err
		}
		if len(e) != g.Dim() {
			return nil, fmt.Errorf("crash: embedding dimension mismatch: got %d want %d", len(e), g.Dim())
		}
		embeddings[node] = e
	}
	g.Restore(adjacency, embeddings)
	return g, nil
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeFloat64Slice(w io.Writer, s []float64) error {
	if err := writeI64(w, int64(len(s))); err != nil {
		return err
	}
	for _, v := range s {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
		if _, err := w.Write(b[:]); err != nil {
			return err
		}
	}
	return nil
}

func readFloat64Slice(r io.Reader) ([]float64, error) {
	n, err := readI64(r)
	if err != nil {
		return nil, err
	}
	if n < 0 || n > 1<<16 {
		return nil, fmt.Errorf("crash: corrupt embedding length %d", n)
	}
	out := make([]float64, n)
	var b [8]byte
	for i := range out {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return nil, err
		}
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[:]))
	}
	return out, nil
}
