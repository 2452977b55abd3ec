// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package types holds the core value types shared across the fuzzing
// engine: basic-block identifiers, execution traces, raw byte inputs and
// the pairing of the two that the knowledge base accumulates.
package types

// NodeId identifies a basic block by its offset from the target module's
// base address.
type NodeId = uint32

// Trace is the ordered sequence of basic blocks a single execution
// reached, in the order the tracer observed them. Repetitions are
// expected and meaningful.
type Trace = []uint32

// Input is the raw byte sequence handed to the target program on stdin.
type Input = []byte

// Embedding is a dense real-valued vector learned for a single NodeId.
type Embedding = []float64

// FuzzExecution pairs one input with the trace it produced. Both fields
// must be non-empty for an execution to be considered valid; callers
// enforce this at the boundary rather than here.
type FuzzExecution struct {
	Trace Trace
	Input Input
}

// Empty reports whether e holds neither a trace nor an input, i.e. it is
// the sentinel value used for unused history slots.
func (e FuzzExecution) Empty() bool {
	return len(e.Trace) == 0 && len(e.Input) == 0
}

// Valid reports whether e satisfies the non-empty invariant required of
// every accepted execution.
func (e FuzzExecution) Valid() bool {
	return len(e.Trace) != 0 && len(e.Input) != 0
}

// CloneInput returns a fresh copy of in, safe to mutate independently of
// the original slice.
func CloneInput(in Input) Input {
	out := make(Input, len(in))
	copy(out, in)
	return out
}

// CloneTrace returns a fresh copy of tr.
func CloneTrace(tr Trace) Trace {
	out := make(Trace, len(tr))
	copy(out, tr)
	return out
}

// CloneExecution returns a deep copy of e.
func CloneExecution(e FuzzExecution) FuzzExecution {
	return FuzzExecution{
		Trace: CloneTrace(e.Trace),
		Input: CloneInput(e.Input),
	}
}

// SameTrace reports whether two traces are byte-identical: same length
// and same contents, in order.
func SameTrace(a, b Trace) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
