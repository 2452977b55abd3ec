// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package checkpoint implements the on-disk knowledge-base persistence
// collaborator: a self-describing binary file containing an endianness
// byte, settings, the history ring, and the explored graph. The core
// only requires "restore to a state equivalent to one produced by some
// sequence of AddExecutionIfDifferent calls" — this package is one
// concrete implementation of that contract, versioned so a future
// format change can fail cleanly on an unknown version rather than
// silently misreading bytes.
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"unsafe"

	"github.com/brightprogrammer/vector/pkg/graph"
	"github.com/brightprogrammer/vector/pkg/knowledge"
	"github.com/brightprogrammer/vector/pkg/types"
)

// formatVersion is written right after the endianness byte. A reader
// that encounters an unknown version fails deterministically instead of
// guessing at a layout.
const formatVersion = 1

// FileCheckpointer persists a Knowledge to a single file at the
// conventional checkpoint path.
type FileCheckpointer struct{}

func nativeLittleEndian() bool {
	var x uint16 = 1
	return *(*byte)(unsafe.Pointer(&x)) == 1
}

// Save writes k's full state to its settings' checkpoint path.
// Best-effort by contract — AddExecutionIfDifferent swallows the error
// this returns and only logs it.
func (FileCheckpointer) Save(k *knowledge.Knowledge) error {
	path := k.Settings().CheckpointPath()
	if path == "" {
		return nil
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("checkpoint: creating %s: %w", tmp, err)
	}
	w := bufio.NewWriter(f)
	if err := writeKnowledge(w, k); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Load reads a checkpoint from path. The bool return is false (with a
// nil error) when the stored settings' target program does not match
// the configured one — the coordinator is expected to start fresh in
// that case rather than treat it as corruption.
func (FileCheckpointer) Load(path string, settings knowledge.Settings, logf knowledge.Logf) (*knowledge.Knowledge, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("checkpoint: opening %s: %w", path, err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	storedSettings, history, index, g, err := readKnowledge(r)
	if err != nil {
		return nil, false, err
	}
	if storedSettings.TargetProgram != settings.TargetProgram {
		return nil, false, nil
	}

	k, err := knowledge.New(settings, logf, FileCheckpointer{})
	if err != nil {
		return nil, false, err
	}
	k.Restore(history, index, g)
	return k, true, nil
}

func writeKnowledge(w io.Writer, k *knowledge.Knowledge) error {
	if err := writeBool(w, nativeLittleEndian()); err != nil {
		return err
	}
	if err := writeU32(w, formatVersion); err != nil {
		return err
	}
	if err := writeSettings(w, k.Settings()); err != nil {
		return err
	}
	history, index := k.HistorySnapshot()
	if err := writeI64(w, int64(index)); err != nil {
		return err
	}
	if err := writeI64(w, int64(len(history))); err != nil {
		return err
	}
	for _, e := range history {
		if err := writeExecution(w, e); err != nil {
			return err
		}
	}
	return writeGraph(w, k.Graph())
}

func readKnowledge(r io.Reader) (knowledge.Settings, []types.FuzzExecution, int, *graph.Graph, error) {
	var zero knowledge.Settings
	le, err := readBool(r)
	if err != nil {
		return zero, nil, 0, nil, err
	}
	if le != nativeLittleEndian() {
		return zero, nil, 0, nil, fmt.Errorf("checkpoint: endianness mismatch")
	}
	version, err := readU32(r)
	if err != nil {
		return zero, nil, 0, nil, err
	}
	if version != formatVersion {
		return zero, nil, 0, nil, fmt.Errorf("checkpoint: unknown format version %d", version)
	}
	settings, err := readSettings(r)
	if err != nil {
		return zero, nil, 0, nil, err
	}
	index64, err := readI64(r)
	if err != nil {
		return zero, nil, 0, nil, err
	}
	count, err := readI64(r)
	if err != nil {
		return zero, nil, 0, nil, err
	}
	if count < 0 || count > 1<<20 {
		return zero, nil, 0, nil, fmt.Errorf("checkpoint: corrupt history length %d", count)
	}
	history := make([]types.FuzzExecution, count)
	for i := range history {
		e, err := readExecution(r)
		if err != nil {
			return zero, nil, 0, nil, err
		}
		history[i] = e
	}
	if index64 < 0 || index64 > count {
		return zero, nil, 0, nil, fmt.Errorf("checkpoint: corrupt history_index %d for length %d", index64, count)
	}
	g, err := readGraph(r)
	if err != nil {
		return zero, nil, 0, nil, err
	}
	return settings, history, int(index64), g, nil
}

func writeSettings(w io.Writer, s knowledge.Settings) error {
	for _, v := range []int64{
		int64(s.MinLength), int64(s.MaxLength), int64(s.StepLength),
		int64(s.ThreadCount), int64(s.MaxHistoryCount),
	} {
		if err := writeI64(w, v); err != nil {
			return err
		}
	}
	for _, str := range []string{s.TargetProgram, s.TracerLibrary, s.DriverPath, s.WorkDir} {
		if err := writeString(w, str); err != nil {
			return err
		}
	}
	return nil
}

func readSettings(r io.Reader) (knowledge.Settings, error) {
	var s knowledge.Settings
	ints := make([]int64, 5)
	for i := range ints {
		v, err := readI64(r)
		if err != nil {
			return s, err
		}
		ints[i] = v
	}
	s.MinLength, s.MaxLength, s.StepLength = int(ints[0]), int(ints[1]), int(ints[2])
	s.ThreadCount, s.MaxHistoryCount = int(ints[3]), int(ints[4])

	strs := make([]string, 4)
	for i := range strs {
		v, err := readString(r)
		if err != nil {
			return s, err
		}
		strs[i] = v
	}
	s.TargetProgram, s.TracerLibrary, s.DriverPath, s.WorkDir = strs[0], strs[1], strs[2], strs[3]
	return s, nil
}

func writeExecution(w io.Writer, e types.FuzzExecution) error {
	if err := writeU32Slice(w, e.Trace); err != nil {
		return err
	}
	return writeBytes(w, e.Input)
}

func readExecution(r io.Reader) (types.FuzzExecution, error) {
	trace, err := readU32Slice(r)
	if err != nil {
		return types.FuzzExecution{}, err
	}
	input, err := readBytes(r)
	if err != nil {
		return types.FuzzExecution{}, err
	}
	return types.FuzzExecution{Trace: trace, Input: input}, nil
}

func writeGraph(w io.Writer, g *graph.Graph) error {
	p := g.Params()
	if err := writeU32(w, uint32(p.Dim)); err != nil {
		return err
	}
	if err := writeFloat64(w, p.ReturnBias); err != nil {
		return err
	}
	if err := writeFloat64(w, p.InOutBias); err != nil {
		return err
	}
	for _, v := range []int64{int64(p.WalkLength), int64(p.WalksPerNode), int64(p.Window), int64(p.NegativeSamples), p.Seed} {
		if err := writeI64(w, v); err != nil {
			return err
		}
	}
	if err := writeFloat64(w, p.LearningRate); err != nil {
		return err
	}

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
	dim, err := readU32(r)
	if err != nil {
		return nil, err
	}
	p := graph.DefaultParams()
	p.Dim = int(dim)
	if p.ReturnBias, err = readFloat64(r); err != nil {
		return nil, err
	}
	if p.InOutBias, err = readFloat64(r); err != nil {
		return nil, err
	}
	ints := make([]int64, 5)
	for i := range ints {
		if ints[i], err = readI64(r); err != nil {
			return nil, err
		}
	}
	p.WalkLength, p.WalksPerNode, p.Window, p.NegativeSamples = int(ints[0]), int(ints[1]), int(ints[2]), int(ints[3])
	p.Seed = ints[4]
	if p.LearningRate, err = readFloat64(r); err != nil {
		return nil, err
	}

	g := graph.New(p)

	adjCount, err := readI64(r)
	if err != nil {
		return nil, err
	}
	if adjCount < 0 || adjCount > 1<<24 {
		return nil, fmt.Errorf("checkpoint: corrupt adjacency length %d", adjCount)
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
	if embCount < 0 || embCount > 1<<24 {
		return nil, fmt.Errorf("checkpoint: corrupt embeddings length %d", embCount)
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
		if len(e) != p.Dim {
			return nil, fmt.Errorf("checkpoint: embedding dimension mismatch: got %d want %d", len(e), p.Dim)
		}
		embeddings[node] = e
	}

	g.Restore(adjacency, embeddings)
	return g, nil
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

func writeFloat64(w io.Writer, v float64) error {
	return writeI64(w, int64(math.Float64bits(v)))
}

func readFloat64(r io.Reader) (float64, error) {
	v, err := readI64(r)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(uint64(v)), nil
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
		return nil, fmt.Errorf("checkpoint: corrupt byte-slice length %d", n)
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
		if err := writeU32(w, v); err != nil {
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
		return nil, fmt.Errorf("checkpoint: corrupt u32-slice length %d", n)
	}
	out := make([]uint32, n)
	for i := range out {
		if out[i], err = readU32(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func writeFloat64Slice(w io.Writer, s []float64) error {
	if err := writeI64(w, int64(len(s))); err != nil {
		return err
	}
	for _, v := range s {
		if err := writeFloat64(w, v); err != nil {
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
		return nil, fmt.Errorf("checkpoint: corrupt embedding length %d", n)
	}
	out := make([]float64, n)
	for i := range out {
		if out[i], err = readFloat64(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}
