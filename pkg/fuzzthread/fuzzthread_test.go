// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package fuzzthread

import (
	"math/rand"
	"testing"

	"github.com/brightprogrammer/vector/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestClamp(t *testing.T) {
	require.Equal(t, 10, clamp(5, 10, 100))
	require.Equal(t, 100, clamp(500, 10, 100))
	require.Equal(t, 50, clamp(50, 10, 100))
}

func newTestThread() *Thread {
	return &Thread{rnd: rand.New(rand.NewSource(1))}
}

func TestResizeGrowsAndShrinks(t *testing.T) {
	th := newTestThread()
	grown := th.resize(types.Input{1, 2}, 5)
	require.Len(t, grown, 5)
	require.Equal(t, byte(1), grown[0])
	require.Equal(t, byte(2), grown[1])

	shrunk := th.resize(types.Input{1, 2, 3, 4}, 2)
	require.Equal(t, types.Input{1, 2}, shrunk)

	same := th.resize(types.Input{1, 2}, 2)
	require.Equal(t, types.Input{1, 2}, same)
}

func TestFlipPercentAlwaysFlipsAtLeastOneByte(t *testing.T) {
	th := newTestThread()
	in := types.Input{1, 2, 3, 4, 5}
	out := th.flipPercent(in, 0.0)
	require.NotEqual(t, in, out)
	require.Len(t, out, len(in))
}

func TestFreezeMarksDifferingBytes(t *testing.T) {
	th := newTestThread()
	th.targetSize = 4
	th.resetExplorationSpeed()

	th.freeze(types.Input{1, 2, 3, 4}, types.Input{1, 9, 3, 8})
	require.Equal(t, defaultExplorationSpeed, th.explorationSpeed[0])
	require.Equal(t, freezeValue, th.explorationSpeed[1])
	require.Equal(t, defaultExplorationSpeed, th.explorationSpeed[2])
	require.Equal(t, freezeValue, th.explorationSpeed[3])
}

func TestFreezeTreatsOutOfRangeAsZero(t *testing.T) {
	th := newTestThread()
	th.targetSize = 3
	th.resetExplorationSpeed()

	th.freeze(types.Input{5}, types.Input{5, 0, 0})
	require.Equal(t, defaultExplorationSpeed, th.explorationSpeed[0])
	require.Equal(t, defaultExplorationSpeed, th.explorationSpeed[1])
	require.Equal(t, defaultExplorationSpeed, th.explorationSpeed[2])
}

func TestAccelerateThawsAndSpeedsUp(t *testing.T) {
	th := newTestThread()
	th.explorationSpeed = []float64{freezeValue, defaultExplorationSpeed, 0}

	th.accelerate()
	require.InDelta(t, freezeValue+accelerateAlpha, th.explorationSpeed[0], 1e-9)
	require.InDelta(t, defaultExplorationSpeed+0.1*accelerateAlpha, th.explorationSpeed[1], 1e-9)
	require.Equal(t, 0.0, th.explorationSpeed[2])
}

func TestAccelerateClampsPositiveAtOne(t *testing.T) {
	th := newTestThread()
	th.explorationSpeed = []float64{0.9999999}

	for i := 0; i < 10; i++ {
		th.accelerate()
	}
	require.LessOrEqual(t, th.explorationSpeed[0], 1.0)
}

func TestMaxHelper(t *testing.T) {
	require.Equal(t, 5, max(1, 5, 3))
	require.Equal(t, 1, max(1))
}
