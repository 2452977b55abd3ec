// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package sharedtrace implements the fixed-layout shared-memory channel
// an instrumented child uses to hand its execution trace back to the
// parent fuzzer process.
//
// The region is named, process-shared, and laid out exactly as:
//
//	offset 0       : trace_count          u32
//	offset 4       : addresses[0..CAP)    u32 x CAP   (CAP = MaxAddresses)
//	offset 4+4*CAP : input_hash           u32
//
// Writer (the tracer) zeros trace_count, fills addresses, writes
// input_hash, then writes trace_count last. Reader (the parent) reads
// trace_count first, then that many addresses. There is exactly one
// writer and one reader per region, and the reader only reads after the
// child has been waited on, which is the only synchronization this
// protocol relies on.
package sharedtrace

import (
	"fmt"
	"os"
	"syscall"

	"github.com/brightprogrammer/vector/pkg/types"
)

// MaxAddresses is the channel capacity in u32 trace entries: 16 MiB worth
// of u32 slots.
const MaxAddresses = (16 * 1024 * 1024) / 4

const (
	countOffset     = 0
	addressesOffset = 4
	addressesBytes  = MaxAddresses * 4
	hashOffset      = addressesOffset + addressesBytes
	regionSize      = hashOffset + 4
)

// shmDir is where named POSIX shared-memory objects live on Linux; this
// is how glibc's shm_open is implemented and what the tracer expects.
const shmDir = "/dev/shm"

// Channel is an attached view onto a shared-trace region.
type Channel struct {
	name string
	file *os.File
	mem  []byte
}

// Name returns "/topfuzz_trace_<id>", the convention every region name
// in this system follows.
func Name(id string) string {
	return "/topfuzz_trace_" + id
}

func path(name string) string {
	return shmDir + "/" + trimLeadingSlash(name)
}

func trimLeadingSlash(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}

// Create makes a fresh region of the given name, unlinking any prior
// region of that name first, and returns it attached read-write. The
// parent calls this before spawning any child that will write to it.
func Create(name string) (*Channel, error) {
	p := path(name)
	_ = os.Remove(p) // unlink any stale region; absence is not an error
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("sharedtrace: create %s: %w", name, err)
	}
	if err := f.Truncate(int64(regionSize)); err != nil {
		f.Close()
		os.Remove(p)
		return nil, fmt.Errorf("sharedtrace: truncate %s: %w", name, err)
	}
	return attachFile(name, f)
}

// Attach maps an existing region of the given name read-write.
func Attach(name string) (*Channel, error) {
	p := path(name)
	f, err := os.OpenFile(p, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("sharedtrace: attach %s: %w", name, err)
	}
	return attachFile(name, f)
}

func attachFile(name string, f *os.File) (*Channel, error) {
	mem, err := syscall.Mmap(int(f.Fd()), 0, regionSize, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sharedtrace: mmap %s: %w", name, err)
	}
	return &Channel{name: name, file: f, mem: mem}, nil
}

// Detach unmaps the region and closes the backing descriptor. It does
// not unlink the name; the owner that created it is responsible for
// that via Unlink.
func (c *Channel) Detach() error {
	var err error
	if c.mem != nil {
		err = syscall.Munmap(c.mem)
		c.mem = nil
	}
	if c.file != nil {
		if cerr := c.file.Close(); err == nil {
			err = cerr
		}
		c.file = nil
	}
	return err
}

// Unlink removes the named region from the filesystem. Safe to call
// after Detach, or instead of it if the caller never attached.
func Unlink(name string) error {
	if err := os.Remove(path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sharedtrace: unlink %s: %w", name, err)
	}
	return nil
}

// Clear stores 0 into trace_count, the state a writer expects before a
// fresh execution.
func (c *Channel) Clear() {
	littleEndianPutU32(c.mem[countOffset:countOffset+4], 0)
}

// TraceCount reads the count field. Only meaningful after the writer's
// child has terminated.
func (c *Channel) TraceCount() uint32 {
	return littleEndianU32(c.mem[countOffset : countOffset+4])
}

// InputHash reads the djb2 hash the tracer computed over the bytes it
// observed on the target's stdin.
func (c *Channel) InputHash() uint32 {
	return littleEndianU32(c.mem[hashOffset : hashOffset+4])
}

// ReadTrace copies out min(TraceCount(), MaxAddresses) addresses.
func (c *Channel) ReadTrace() types.Trace {
	count := c.TraceCount()
	if count > MaxAddresses {
		count = MaxAddresses
	}
	if count == 0 {
		return nil
	}
	trace := make(types.Trace, count)
	for i := uint32(0); i < count; i++ {
		off := addressesOffset + i*4
		trace[i] = littleEndianU32(c.mem[off : off+4])
	}
	return trace
}

// Djb2 computes the classic djb2 hash used for the input_hash field:
// h = 5381; for each byte b: h = h*33 + b.
func Djb2(data []byte) uint32 {
	var h uint32 = 5381
	for _, b := range data {
		h = h*33 + uint32(b)
	}
	return h
}

// VerifyInputHash reports whether the hash the tracer recorded matches
// the djb2 hash of the bytes the parent actually wrote to the child's
// stdin. A mismatch does not invalidate the trace — the core invariant
// is defined purely in terms of trace bytes — but is worth a log line,
// since it usually means the target read fewer bytes than were sent.
func (c *Channel) VerifyInputHash(written []byte) bool {
	return c.InputHash() == Djb2(written)
}

func littleEndianPutU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func littleEndianU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
