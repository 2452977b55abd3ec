// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package fuzzthread implements the per-thread fuzz loop: attach a
// shared-trace channel, bootstrap the knowledge base, then repeatedly
// pick a forbidden execution, mutate toward it via gradient descent,
// execute, and feed the result back into the knowledge base.
package fuzzthread

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"syscall"

	"github.com/brightprogrammer/vector/pkg/crash"
	"github.com/brightprogrammer/vector/pkg/execchild"
	"github.com/brightprogrammer/vector/pkg/knowledge"
	"github.com/brightprogrammer/vector/pkg/loss"
	"github.com/brightprogrammer/vector/pkg/sharedtrace"
	"github.com/brightprogrammer/vector/pkg/types"
)

// OnCrash is invoked with a freshly snapshotted crash record whenever a
// thread's child terminates by a fatal signal. Persisting it is a
// collaborator's concern; the thread only guarantees the snapshot is
// taken before fuzzing continues.
type OnCrash func(crash.Record)

const (
	defaultExplorationSpeed = 0.01
	accelerateAlpha         = 0.001
	freezeValue             = -1.0
)

// Thread is one fuzz thread's constant configuration and mutable state.
type Thread struct {
	ID         int
	knowledge  *knowledge.Knowledge
	logf       knowledge.Logf
	targetSize int
	invocation execchild.Invocation
	channel    *sharedtrace.Channel
	regionName string

	rnd              *rand.Rand
	explorationSpeed []float64
	current          types.FuzzExecution

	currentPID atomic.Int32
	execCount  *atomic.Int64
	crashCount *atomic.Int64
	onCrash    OnCrash
}

// NewThread creates thread t's shared-memory region and tracer
// invocation and computes its target input size
// T = clamp(min + t*step, min, max). These are constant for the
// thread's lifetime.
func NewThread(id int, k *knowledge.Knowledge, logf knowledge.Logf, execCount, crashCount *atomic.Int64, onCrash OnCrash) (*Thread, error) {
	s := k.Settings()
	target := clamp(s.MinLength+id*s.StepLength, s.MinLength, s.MaxLength)

	regionName := sharedtrace.Name(fmt.Sprintf("%d", id))
	channel, err := sharedtrace.Create(regionName)
	if err != nil {
		return nil, fmt.Errorf("fuzzthread[%d]: creating shared-trace channel: %w", id, err)
	}

	return &Thread{
		ID:        id,
		knowledge: k,
		logf:      logf,
		targetSize: target,
		invocation: execchild.Invocation{
			DriverPath:    s.DriverPath,
			TracerLibrary: s.TracerLibrary,
			RegionName:    regionName,
			TargetProgram: s.TargetProgram,
		},
		channel:    channel,
		regionName: regionName,
		rnd:        rand.New(rand.NewSource(int64(id)*7919 + 1)),
		execCount:  execCount,
		crashCount: crashCount,
		onCrash:    onCrash,
	}, nil
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Close detaches and unlinks the thread's shared-memory region. Each
// thread owns its region for its entire lifetime.
func (t *Thread) Close() error {
	if t.channel == nil {
		return nil
	}
	err := t.channel.Detach()
	sharedtrace.Unlink(t.regionName)
	t.channel = nil
	return err
}

// CurrentPID returns the pid of the child currently running under this
// thread, 0 if none (it is reset to 0 once a child has been waited on).
// Observable atomically so the
// coordinator can signal it on shutdown without any other
// synchronization.
func (t *Thread) CurrentPID() int32 {
	return t.currentPID.Load()
}

// KillCurrent sends SIGKILL to the thread's current child, if any, to
// unblock a pending waitpid during shutdown. This is the only forced
// termination the coordinator performs; it never attempts to force
// this goroutine to stop outside of its own loop boundary checks.
func (t *Thread) KillCurrent() {
	pid := t.currentPID.Load()
	if pid > 0 {
		syscall.Kill(int(pid), syscall.SIGKILL)
	}
}

// ExecOnce runs input through the tracer once: clears the channel,
// forks/execs via the pipe protocol, waits, and reads back the trace.
func (t *Thread) ExecOnce(input types.Input) (execchild.Result, error) {
	if len(input) == 0 {
		return execchild.Result{}, fmt.Errorf("fuzzthread[%d]: ExecOnce requires non-empty input", t.ID)
	}
	res, err := execchild.RunObserved(t.channel, t.invocation, input, t.knowledge.Settings().StdoutRedirect, &t.currentPID)
	if err != nil {
		return execchild.Result{}, err
	}
	knowledge.VerifyChannelHash(t.channel, input, t.logf)
	return res, nil
}

func (t *Thread) randomInput(n int) types.Input {
	in := make(types.Input, n)
	for i := range in {
		in[i] = byte(t.rnd.Intn(256))
	}
	return in
}

// resize pads in with random bytes up to n, or truncates to n.
func (t *Thread) resize(in types.Input, n int) types.Input {
	if len(in) == n {
		return types.CloneInput(in)
	}
	out := make(types.Input, n)
	copy(out, in)
	for i := len(in); i < n; i++ {
		out[i] = byte(t.rnd.Intn(256))
	}
	return out
}

func (t *Thread) flipPercent(in types.Input, pct float64) types.Input {
	out := types.CloneInput(in)
	count := int(pct * float64(len(out)))
	if count < 1 {
		count = 1
	}
	for i := 0; i < count; i++ {
		idx := t.rnd.Intn(len(out))
		out[idx] ^= byte(1 + t.rnd.Intn(255))
	}
	return out
}

func (t *Thread) resetExplorationSpeed() {
	t.explorationSpeed = make([]float64, t.targetSize)
	for i := range t.explorationSpeed {
		t.explorationSpeed[i] = defaultExplorationSpeed
	}
}

// freeze marks every position where oldInput and newInput differ as
// frozen (exploration_speed <= 0). Out-of-range positions in either
// slice are treated as 0.
func (t *Thread) freeze(oldInput, newInput types.Input) {
	n := max(len(oldInput), len(newInput), len(t.explorationSpeed))
	for i := 0; i < n && i < len(t.explorationSpeed); i++ {
		var a, b byte
		if i < len(oldInput) {
			a = oldInput[i]
		}
		if i < len(newInput) {
			b = newInput[i]
		}
		if a != b {
			t.explorationSpeed[i] = freezeValue
		}
	}
}

// accelerate thaws frozen bytes gradually and lets mutable bytes speed
// up slightly, clamped to 1.0.
func (t *Thread) accelerate() {
	for i, s := range t.explorationSpeed {
		if s < 0 {
			t.explorationSpeed[i] = s + accelerateAlpha
		} else if s > 0 {
			next := s + 0.1*accelerateAlpha
			if next > 1.0 {
				next = 1.0
			}
			t.explorationSpeed[i] = next
		}
	}
}

func max(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

// InitializationRun bootstraps the shared history until it holds at
// least two valid executions, as required before the main loop can pick
// a forbidden execution.
func (t *Thread) InitializationRun() error {
	t.resetExplorationSpeed()
	for {
		history, _ := t.knowledge.HistorySnapshot()
		validCount := 0
		for _, e := range history {
			if e.Valid() {
				validCount++
			}
		}
		if validCount >= 2 {
			return nil
		}

		var candidate types.Input
		if validCount == 0 {
			candidate = t.randomInput(t.targetSize)
		} else {
			var seed types.Input
			for _, e := range history {
				if e.Valid() {
					seed = e.Input
					break
				}
			}
			resized := t.resize(seed, t.targetSize)
			pct := 0.10 + t.rnd.Float64()*0.50
			candidate = t.flipPercent(resized, pct)
		}

		res, err := t.ExecOnce(candidate)
		if err != nil {
			return err
		}
		t.execCount.Add(1)
		if res.Crashed {
			t.crashCount.Add(1)
			t.reportCrash(res)
		}
		t.current = res.Execution
		if len(res.Execution.Trace) > 0 {
			if _, err := t.knowledge.AddExecutionIfDifferent(res.Execution); err != nil {
				return err
			}
		}
	}
}

// reportCrash snapshots a crash record and hands it to onCrash, if set.
// Persisting the record is entirely the callback's concern.
func (t *Thread) reportCrash(res execchild.Result) {
	if t.onCrash == nil {
		return
	}
	rec := crash.New(t.ID, res.Signal, t.invocation.Argv()[6:], res.Execution.Input, res.Execution.Trace, t.knowledge.Graph())
	t.onCrash(rec)
}

// Run executes the main loop until stop reports true. Each iteration:
// pick a forbidden execution, mutate toward it via the embedding-space
// gradient, execute, and feed the result back into the knowledge base.
func (t *Thread) Run(stop func() bool) error {
	for !stop() {
		if err := t.step(); err != nil {
			return err
		}
	}
	return nil
}

func (t *Thread) step() error {
	history, _ := t.knowledge.HistorySnapshot()
	forbidden, err := t.knowledge.PickForbidden(t.rnd.Intn(max(len(history), 1)))
	if err != nil {
		return err
	}

	forbidden.Input = t.resize(forbidden.Input, t.targetSize)
	current := t.current
	current.Input = t.resize(current.Input, t.targetSize)

	// forbidden always comes from a valid history slot (non-empty trace
	// by construction); current came from the previous execution and
	// can legitimately have an empty trace (a crash before any app
	// block). GenerateNewInput's non-empty-trace requirement then
	// surfaces as an error here, which per the thread's error-handling
	// policy tears down this thread only — it does not corrupt shared
	// state, since nothing has been written to knowledge yet this step.
	newInput, err := loss.GenerateNewInput(t.knowledge.Graph(), forbidden, current, t.explorationSpeed)
	if err != nil {
		return err
	}

	res, err := t.ExecOnce(newInput)
	if err != nil {
		return err
	}
	t.execCount.Add(1)

	if res.Crashed {
		t.crashCount.Add(1)
		t.reportCrash(res)
	}

	if len(res.Execution.Trace) > 0 {
		accepted, err := t.knowledge.AddExecutionIfDifferent(res.Execution)
		if err != nil {
			return err
		}
		if accepted {
			t.freeze(current.Input, newInput)
		}
	}
	t.accelerate()

	t.current = res.Execution
	return nil
}

// LastResult exposes the thread's most recent execution to callers, for
// example after Run returns an error; the loop itself never stops on a
// crash.
func (t *Thread) LastResult() types.FuzzExecution {
	return t.current
}

// Invocation returns the thread's tracer invocation. The thread's own
// crash reporting takes a crash record's argument-vector tail from it.
func (t *Thread) Invocation() execchild.Invocation {
	return t.invocation
}
