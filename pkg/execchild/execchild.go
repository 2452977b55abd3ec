// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package execchild runs the instrumented target once under the
// tracer, feeding it an input on stdin over a pipe and reading its
// resulting execution trace out of a shared-trace channel. This is the
// one subprocess protocol both the fuzz thread's main loop and the seed
// loader use.
package execchild

import (
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"

	"github.com/brightprogrammer/vector/pkg/sharedtrace"
	"github.com/brightprogrammer/vector/pkg/types"
)

// Invocation is the fixed argument vector used to spawn the
// instrumentation driver: [driver, "-c", tracerLibrary, "-shm",
// regionName, "--", targetProgram].
type Invocation struct {
	DriverPath    string
	TracerLibrary string
	RegionName    string
	TargetProgram string
}

// Argv returns the exact argument vector the tracer expects, with
// -shm <name> present for it to parse.
func (inv Invocation) Argv() []string {
	return []string{inv.DriverPath, "-c", inv.TracerLibrary, "-shm", inv.RegionName, "--", inv.TargetProgram}
}

// Result is what a single execution produced.
type Result struct {
	Execution types.FuzzExecution
	Crashed   bool
	Signal    int
}

// Run executes one invocation of inv with input on stdin, using ch as
// the shared-trace channel the tracer will write into. stdoutRedirect
// is a file path to send the child's stdout/stderr to, or "" for
// /dev/null. input must be non-empty.
//
// fork, pipe, partial-write and waitpid failures are returned as hard
// errors; a crashing target is not an error and is reported via
// Result.Crashed/Result.Signal.
func Run(ch *sharedtrace.Channel, inv Invocation, input types.Input, stdoutRedirect string) (Result, error) {
	return RunObserved(ch, inv, input, stdoutRedirect, nil)
}

// RunObserved is Run, additionally publishing the child's pid into
// currentPID (if non-nil) for the duration of the call, so a shutdown
// path elsewhere can signal it. The pid is cleared back to 0 once the
// child has been waited on.
func RunObserved(ch *sharedtrace.Channel, inv Invocation, input types.Input, stdoutRedirect string, currentPID *atomic.Int32) (Result, error) {
	if len(input) == 0 {
		return Result{}, fmt.Errorf("execchild: input cannot be empty")
	}

	ch.Clear()

	argv := inv.Argv()
	cmd := exec.Command(argv[0], argv[1:]...)

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return Result{}, fmt.Errorf("execchild: creating stdin pipe: %w", err)
	}
	cmd.Stdin = stdinR

	sink, err := openRedirect(stdoutRedirect)
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return Result{}, err
	}
	defer sink.Close()
	cmd.Stdout = sink
	cmd.Stderr = sink

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		return Result{}, fmt.Errorf("execchild: fork/exec failed: %w", err)
	}
	stdinR.Close()
	if currentPID != nil {
		currentPID.Store(int32(cmd.Process.Pid))
		defer currentPID.Store(0)
	}

	n, werr := stdinW.Write(input)
	stdinW.Close()
	if werr != nil || n != len(input) {
		cmd.Process.Kill()
		cmd.Wait()
		if werr != nil {
			return Result{}, fmt.Errorf("execchild: writing input to child: %w", werr)
		}
		return Result{}, fmt.Errorf("execchild: short write to child: wrote %d of %d bytes", n, len(input))
	}

	waitErr := cmd.Wait()
	if _, isExit := waitErr.(*exec.ExitError); waitErr != nil && !isExit {
		return Result{}, fmt.Errorf("execchild: waiting for child: %w", waitErr)
	}
	crashed, signal := classifyExit(waitErr)

	trace := ch.ReadTrace()

	return Result{
		Execution: types.FuzzExecution{Trace: trace, Input: types.CloneInput(input)},
		Crashed:   crashed,
		Signal:    signal,
	}, nil
}

func openRedirect(path string) (*os.File, error) {
	if path == "" || path == "/dev/null" {
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("execchild: opening %s: %w", os.DevNull, err)
		}
		return f, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		f, err = os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("execchild: opening %s and fallback %s: %w", path, os.DevNull, err)
		}
	}
	return f, nil
}

// classifyExit inspects a process-wait error and decides whether the
// child terminated by a fatal signal.
func classifyExit(waitErr error) (crashed bool, signal int) {
	if waitErr == nil {
		return false, 0
	}
	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		return false, 0
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return false, 0
	}
	if status.Signaled() {
		return true, int(status.Signal())
	}
	return false, 0
}
