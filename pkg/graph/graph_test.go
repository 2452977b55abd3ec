// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package graph

import (
	"testing"

	"github.com/brightprogrammer/vector/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestUpdateGraphFromTraceAddsNodesAndEdges(t *testing.T) {
	g := New(DefaultParams())
	g.UpdateGraphFromTrace(types.Trace{10, 20, 10, 30})

	require.True(t, g.HasNode(10))
	require.True(t, g.HasNode(20))
	require.True(t, g.HasNode(30))
	require.Equal(t, []types.NodeId{20, 30}, g.Neighbors(10))
	require.Equal(t, []types.NodeId{10}, g.Neighbors(20))
	require.Empty(t, g.Neighbors(30))

	_, embeddings := g.Snapshot()
	require.Len(t, embeddings, 3)
	for _, e := range embeddings {
		require.Len(t, e, g.Dim())
	}
}

func TestNeighborListsHaveNoDuplicates(t *testing.T) {
	g := New(DefaultParams())
	g.UpdateGraphFromTrace(types.Trace{1, 2, 1, 2, 1, 2})
	require.Equal(t, []types.NodeId{2}, g.Neighbors(1))
}

func TestWalkFromIsolatedNode(t *testing.T) {
	g := New(DefaultParams())
	g.UpdateGraphFromTrace(types.Trace{5})
	walk := g.generateBiasedRandomWalk(5)
	require.Equal(t, []types.NodeId{5}, walk)
}

func TestWalkLengthOneReturnsSingleNode(t *testing.T) {
	p := DefaultParams()
	p.WalkLength = 1
	g := New(p)
	g.UpdateGraphFromTrace(types.Trace{1, 2, 3})
	walk := g.generateBiasedRandomWalk(1)
	require.Equal(t, []types.NodeId{1}, walk)
}

func TestMeanEmbeddingUnknownNodesReturnsZero(t *testing.T) {
	g := New(DefaultParams())
	mean, err := g.MeanEmbedding(types.Trace{999, 1000})
	require.NoError(t, err)
	require.Equal(t, g.ZeroEmbedding(), mean)
}

func TestMeanEmbeddingEmptyTraceErrors(t *testing.T) {
	g := New(DefaultParams())
	_, err := g.MeanEmbedding(nil)
	require.Error(t, err)
}

func TestEmbeddingDistanceSelfIsZero(t *testing.T) {
	g := New(DefaultParams())
	g.UpdateGraphFromTrace(types.Trace{1, 2})
	_, embeddings := g.Snapshot()
	e := embeddings[1]
	require.Equal(t, 0.0, EmbeddingDistance(e, e))
}

func TestGetNodeDistanceMissingNodeUsesZeroEmbedding(t *testing.T) {
	g := New(DefaultParams())
	d := g.GetNodeDistance(1, 2)
	require.Equal(t, 0.0, d)
}

func TestUpdateEmbeddingsKeepsNodeSetAndDimension(t *testing.T) {
	g := New(DefaultParams())
	g.UpdateGraphFromTrace(types.Trace{1, 2, 3, 1, 2, 3, 1, 2, 3})
	g.UpdateEmbeddings()
	_, embeddings := g.Snapshot()
	require.Len(t, embeddings, 3)
	for _, e := range embeddings {
		require.Len(t, e, 4)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	g := New(DefaultParams())
	g.UpdateGraphFromTrace(types.Trace{1, 2})
	clone := g.Clone()
	clone.UpdateGraphFromTrace(types.Trace{1, 3})
	require.False(t, g.HasNode(3))
	require.True(t, clone.HasNode(3))
}
