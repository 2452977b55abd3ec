// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package config parses the command-line surface into a
// knowledge.Settings value. Flag parsing itself is deliberately outside
// the fuzzing core; nothing downstream of Settings depends on the flag
// package.
package config

import (
	"flag"
	"fmt"

	"github.com/brightprogrammer/vector/pkg/knowledge"
)

// Flags holds the raw registered flags before parsing, so tests can
// construct a FlagSet without touching the global one.
type Flags struct {
	minLength       *int
	maxLength       *int
	stepLength      *int
	threadCount     *int
	maxHistoryCount *int
	targetProgram   *string
	tracerLibrary   *string
	driverPath      *string
	workDir         *string
	seedPath        *string
	stdoutRedirect  *string
	httpAddr        *string
	verbosity       *int
}

// Register adds vector's flags to fs and returns the handles Settings
// needs to build a knowledge.Settings after fs has been parsed.
func Register(fs *flag.FlagSet) *Flags {
	return &Flags{
		minLength:       fs.Int("min_length", 64, "minimum mutated input length in bytes"),
		maxLength:       fs.Int("max_length", 4096, "maximum mutated input length in bytes"),
		stepLength:      fs.Int("step_length", 64, "input-length step between consecutive thread targets"),
		threadCount:     fs.Int("thread_count", 4, "number of concurrent fuzz threads"),
		maxHistoryCount: fs.Int("max_history_count", 256, "size of the circular execution history"),
		targetProgram:   fs.String("target_program", "", "path to the target program to fuzz"),
		tracerLibrary:   fs.String("tracer_library", "", "path to the dynamic-instrumentation tracer library"),
		driverPath:      fs.String("driver_path", "", "path to the DBI driver binary that loads the tracer"),
		workDir:         fs.String("work_dir", ".", "directory for checkpoints and crash records"),
		seedPath:        fs.String("seed_path", "", "optional directory of seed inputs to load before fuzzing"),
		stdoutRedirect:  fs.String("stdout_redirect", "/dev/null", "file to redirect target stdout/stderr to"),
		httpAddr:        fs.String("http", "127.0.0.1:0", "address for the status/metrics HTTP server, empty to disable"),
		verbosity:       fs.Int("v", 0, "log verbosity"),
	}
}

// Settings builds a knowledge.Settings from parsed flags, validating
// the invariants knowledge.New otherwise has to assert on its own.
func (f *Flags) Settings() (knowledge.Settings, error) {
	s := knowledge.Settings{
		MinLength:       *f.minLength,
		MaxLength:       *f.maxLength,
		StepLength:      *f.stepLength,
		ThreadCount:     *f.threadCount,
		MaxHistoryCount: *f.maxHistoryCount,
		TargetProgram:   *f.targetProgram,
		TracerLibrary:   *f.tracerLibrary,
		DriverPath:      *f.driverPath,
		WorkDir:         *f.workDir,
		SeedPath:        *f.seedPath,
		StdoutRedirect:  *f.stdoutRedirect,
	}
	if s.TargetProgram == "" {
		return s, fmt.Errorf("config: -target_program is required")
	}
	if s.TracerLibrary == "" {
		return s, fmt.Errorf("config: -tracer_library is required")
	}
	if s.DriverPath == "" {
		return s, fmt.Errorf("config: -driver_path is required")
	}
	if s.MinLength <= 0 || s.MaxLength < s.MinLength {
		return s, fmt.Errorf("config: invalid length bounds [%d,%d]", s.MinLength, s.MaxLength)
	}
	if s.ThreadCount <= 0 {
		return s, fmt.Errorf("config: thread_count must be positive, got %d", s.ThreadCount)
	}
	if s.MaxHistoryCount < 2 {
		return s, fmt.Errorf("config: max_history_count must be at least 2, got %d", s.MaxHistoryCount)
	}
	return s, nil
}

// HTTPAddr returns the configured status-server address, empty if the
// server should be disabled.
func (f *Flags) HTTPAddr() string {
	return *f.httpAddr
}

// Verbosity returns the configured log verbosity threshold.
func (f *Flags) Verbosity() int {
	return *f.verbosity
}
