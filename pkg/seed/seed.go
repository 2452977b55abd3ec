// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package seed executes every regular file in a directory once through
// the same child-pipe protocol the fuzz threads use, and submits
// non-empty traces to the knowledge base.
package seed

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/olekukonko/tablewriter"

	"github.com/brightprogrammer/vector/pkg/execchild"
	"github.com/brightprogrammer/vector/pkg/knowledge"
	"github.com/brightprogrammer/vector/pkg/sharedtrace"
)

// LoadSeedsFromDirectory reads every regular file under dir, executes
// it once via the target's tracer invocation, and submits non-empty
// traces to k. Crashes are logged but do not abort loading. Returns the
// count of accepted (non-duplicate, non-empty-trace) seeds.
func LoadSeedsFromDirectory(dir string, k *knowledge.Knowledge, logf knowledge.Logf) (int, error) {
	if logf == nil {
		logf = func(int, string, ...any) {}
	}
	info, err := os.Stat(dir)
	if err != nil {
		return 0, fmt.Errorf("seed: seed directory does not exist: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("seed: seed path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("seed: reading directory %s: %w", dir, err)
	}

	regionName := sharedtrace.Name("seed_loader")
	channel, err := sharedtrace.Create(regionName)
	if err != nil {
		return 0, fmt.Errorf("seed: creating shared-trace channel: %w", err)
	}
	defer func() {
		channel.Detach()
		sharedtrace.Unlink(regionName)
	}()

	s := k.Settings()
	invocation := execchild.Invocation{
		DriverPath:    s.DriverPath,
		TracerLibrary: s.TracerLibrary,
		RegionName:    regionName,
		TargetProgram: s.TargetProgram,
	}

	loaded, skipped := 0, 0
	rows := [][]string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		status := loadOne(channel, invocation, path, k, s.StdoutRedirect, logf)
		if status == "loaded" {
			loaded++
		} else {
			skipped++
		}
		rows = append(rows, []string{entry.Name(), status})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"seed file", "status"})
	for _, row := range rows {
		table.Append(row)
	}
	table.Render()
	logf(0, "seed: loading complete: %d loaded, %d skipped", loaded, skipped)

	return loaded, nil
}

func loadOne(channel *sharedtrace.Channel, invocation execchild.Invocation, path string, k *knowledge.Knowledge, stdoutRedirect string, logf knowledge.Logf) string {
	data, err := os.ReadFile(path)
	if err != nil {
		logf(1, "seed: failed to read %s: %v", path, err)
		return "read-error"
	}
	if len(data) == 0 {
		return "empty-file"
	}

	result, err := execchild.Run(channel, invocation, data, stdoutRedirect)
	if err != nil {
		logf(1, "seed: error executing %s: %v", path, err)
		return "exec-error"
	}
	if result.Crashed {
		logf(1, "seed: %s caused a crash (signal %d)", path, result.Signal)
	}
	if len(result.Execution.Trace) == 0 {
		return "empty-trace"
	}

	accepted, err := k.AddExecutionIfDifferent(result.Execution)
	if err != nil {
		logf(1, "seed: rejecting %s: %v", path, err)
		return "reject-error"
	}
	if !accepted {
		return "duplicate"
	}
	return "loaded"
}
