// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package knowledge

import (
	"testing"

	"github.com/brightprogrammer/vector/pkg/types"
	"github.com/stretchr/testify/require"
)

func testSettings() Settings {
	return Settings{MaxHistoryCount: 4, ThreadCount: 1, MinLength: 8, MaxLength: 64}
}

func TestAddExecutionRejectsEmpty(t *testing.T) {
	k, err := New(testSettings(), nil, nil)
	require.NoError(t, err)

	_, err = k.AddExecutionIfDifferent(types.FuzzExecution{})
	require.Error(t, err)
}

func TestDeduplicationScenario(t *testing.T) {
	k, err := New(testSettings(), nil, nil)
	require.NoError(t, err)

	execs := []types.FuzzExecution{
		{Trace: types.Trace{1, 2, 3}, Input: types.Input{0}},
		{Trace: types.Trace{1, 2, 3}, Input: types.Input{1}},
		{Trace: types.Trace{1, 2}, Input: types.Input{2}},
		{Trace: types.Trace{1, 2, 3, 4}, Input: types.Input{3}},
	}
	results := make([]bool, len(execs))
	for i, e := range execs {
		accepted, err := k.AddExecutionIfDifferent(e)
		require.NoError(t, err)
		results[i] = accepted
	}
	require.Equal(t, []bool{true, false, true, true}, results)

	_, index := k.HistorySnapshot()
	require.Equal(t, 3, index)
}

func TestAddTwiceIsIdempotent(t *testing.T) {
	k, err := New(testSettings(), nil, nil)
	require.NoError(t, err)
	e := types.FuzzExecution{Trace: types.Trace{5, 6}, Input: types.Input{7}}

	first, err := k.AddExecutionIfDifferent(e)
	require.NoError(t, err)
	require.True(t, first)

	historyBefore, indexBefore := k.HistorySnapshot()

	second, err := k.AddExecutionIfDifferent(e)
	require.NoError(t, err)
	require.False(t, second)

	historyAfter, indexAfter := k.HistorySnapshot()
	require.Equal(t, historyBefore, historyAfter)
	require.Equal(t, indexBefore, indexAfter)
}

func TestPickForbiddenRequiresValidSlot(t *testing.T) {
	k, err := New(testSettings(), nil, nil)
	require.NoError(t, err)
	require.Panics(t, func() {
		k.PickForbidden(0)
	})
}

func TestPickForbiddenFindsValidSlot(t *testing.T) {
	k, err := New(testSettings(), nil, nil)
	require.NoError(t, err)
	e := types.FuzzExecution{Trace: types.Trace{1}, Input: types.Input{2}}
	_, err = k.AddExecutionIfDifferent(e)
	require.NoError(t, err)

	got, err := k.PickForbidden(3)
	require.NoError(t, err)
	require.Equal(t, e, got)
}

func TestConcurrentAddsExactlyOneWins(t *testing.T) {
	k, err := New(testSettings(), nil, nil)
	require.NoError(t, err)
	e := types.FuzzExecution{Trace: types.Trace{9, 9, 9}, Input: types.Input{1}}

	results := make(chan bool, 2)
	for i := 0; i < 2; i++ {
		go func() {
			accepted, _ := k.AddExecutionIfDifferent(e)
			results <- accepted
		}()
	}
	trueCount := 0
	for i := 0; i < 2; i++ {
		if <-results {
			trueCount++
		}
	}
	require.Equal(t, 1, trueCount)

	history, _ := k.HistorySnapshot()
	count := 0
	for _, slot := range history {
		if slot.Valid() && types.SameTrace(slot.Trace, e.Trace) {
			count++
		}
	}
	require.Equal(t, 1, count)
}
