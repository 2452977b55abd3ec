// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package coordinator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/brightprogrammer/vector/pkg/crash"
	"github.com/brightprogrammer/vector/pkg/graph"
	"github.com/brightprogrammer/vector/pkg/knowledge"
	"github.com/brightprogrammer/vector/pkg/types"
	"github.com/stretchr/testify/require"
)

func testSettings(t *testing.T) knowledge.Settings {
	dir := t.TempDir()
	return knowledge.Settings{
		MinLength: 8, MaxLength: 64, StepLength: 4,
		ThreadCount: 2, MaxHistoryCount: 4,
		TargetProgram: "/bin/target", WorkDir: dir,
	}
}

func TestNewCreatesCrashDirectory(t *testing.T) {
	settings := testSettings(t)
	co, err := New(settings, nil, nil)
	require.NoError(t, err)
	require.DirExists(t, filepath.Join(settings.WorkDir, "crashes"))
	require.NotNil(t, co.Knowledge())
}

func TestAccessorsReflectKnowledgeState(t *testing.T) {
	settings := testSettings(t)
	co, err := New(settings, nil, nil)
	require.NoError(t, err)

	_, err = co.Knowledge().AddExecutionIfDifferent(types.FuzzExecution{Trace: types.Trace{1, 2}, Input: types.Input{1}})
	require.NoError(t, err)

	require.Equal(t, 2, co.GraphNodeCount())
	require.Equal(t, 2, co.ThreadCount())
	hits, misses := co.CacheStats()
	require.Equal(t, int64(0), hits)
	require.Equal(t, int64(1), misses)
}

func TestLoadSeedsNoopWithoutSeedPath(t *testing.T) {
	settings := testSettings(t)
	co, err := New(settings, nil, nil)
	require.NoError(t, err)

	n, err := co.LoadSeeds()
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestOnCrashWritesSerializedRecord(t *testing.T) {
	settings := testSettings(t)
	co, err := New(settings, nil, nil)
	require.NoError(t, err)

	g := graph.New(graph.DefaultParams())
	rec := crash.New(0, 11, []string{"--", "/bin/target"}, types.Input{1}, types.Trace{1}, g)
	co.onCrash(rec)

	entries, err := os.ReadDir(co.crashDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestTryRestoreStartsFreshWithoutCheckpointer(t *testing.T) {
	settings := testSettings(t)
	k, restored, err := tryRestore(settings, func(int, string, ...any) {}, nil)
	require.NoError(t, err)
	require.False(t, restored)
	require.Nil(t, k)
}
