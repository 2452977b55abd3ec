// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package graph maintains the explored basic-block graph and its
// per-node embeddings, learned online via Node2Vec-style biased random
// walks and Skip-gram with negative sampling.
package graph

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/brightprogrammer/vector/pkg/types"
)

// Params are the Node2Vec/Skip-gram hyperparameters, immutable once a
// Graph is constructed.
type Params struct {
	Dim            int     // D, embedding dimension
	ReturnBias     float64 // p
	InOutBias      float64 // q
	WalkLength     int     // L
	WalksPerNode   int     // W
	Window         int     // Skip-gram window, w
	LearningRate   float64 // eta0
	NegativeSamples int    // K
	Seed           int64
}

// DefaultParams mirrors the defaults of the reference graph
// implementation this engine's Node2Vec step is modeled on.
func DefaultParams() Params {
	return Params{
		Dim:             4,
		ReturnBias:      1.0,
		InOutBias:       1.0,
		WalkLength:      10,
		WalksPerNode:    5,
		Window:          3,
		LearningRate:    0.025,
		NegativeSamples: 5,
		Seed:            42,
	}
}

// Graph is the directed adjacency list of basic-block offsets plus the
// embedding learned for each. A single mutex covers both maps — they
// must always agree on their key set — and every embedding read that
// must not race with Skip-gram training.
type Graph struct {
	mu         sync.Mutex
	params     Params
	adjacency  map[types.NodeId][]types.NodeId
	embeddings map[types.NodeId]types.Embedding
	rnd        *rand.Rand
}

// New constructs an empty graph with the given hyperparameters.
func New(params Params) *Graph {
	return &Graph{
		params:     params,
		adjacency:  make(map[types.NodeId][]types.NodeId),
		embeddings: make(map[types.NodeId]types.Embedding),
		rnd:        rand.New(rand.NewSource(params.Seed)),
	}
}

// ZeroEmbedding returns a fresh all-zero embedding of this graph's
// dimension.
func (g *Graph) ZeroEmbedding() types.Embedding {
	return make(types.Embedding, g.params.Dim)
}

// Dim returns the embedding dimension D.
func (g *Graph) Dim() int {
	return g.params.Dim
}

// NodeCount returns the number of distinct nodes currently known.
func (g *Graph) NodeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.adjacency)
}

func (g *Graph) randomEmbedding() types.Embedding {
	e := make(types.Embedding, g.params.Dim)
	for i := range e {
		e[i] = -0.1 + 0.2*g.rnd.Float64()
	}
	return e
}

func (g *Graph) ensureNode(n types.NodeId) {
	if _, ok := g.adjacency[n]; !ok {
		g.adjacency[n] = nil
	}
	if _, ok := g.embeddings[n]; !ok {
		g.embeddings[n] = g.randomEmbedding()
	}
}

// UpdateGraphFromTrace ensures every node in the trace exists (with a
// fresh random embedding if new) and appends a directed edge for every
// adjacent pair not already present in the source node's neighbor list.
func (g *Graph) UpdateGraphFromTrace(trace types.Trace) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range trace {
		g.ensureNode(n)
	}
	for i := 0; i+1 < len(trace); i++ {
		a, b := trace[i], trace[i+1]
		if !contains(g.adjacency[a], b) {
			g.adjacency[a] = append(g.adjacency[a], b)
		}
	}
}

func contains(list []types.NodeId, v types.NodeId) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// generateBiasedRandomWalk performs one Node2Vec-style walk starting
// from s. Callers must hold g.mu.
func (g *Graph) generateBiasedRandomWalk(s types.NodeId) []types.NodeId {
	walk := []types.NodeId{s}
	if g.params.WalkLength <= 1 {
		return walk
	}
	neighbors := g.adjacency[s]
	if len(neighbors) == 0 {
		return walk
	}
	curr := neighbors[g.rnd.Intn(len(neighbors))]
	walk = append(walk, curr)

	for len(walk) < g.params.WalkLength {
		prev := walk[len(walk)-2]
		curr := walk[len(walk)-1]
		currNeighbors := g.adjacency[curr]
		if len(currNeighbors) == 0 {
			break
		}
		weights := make([]float64, len(currNeighbors))
		var total float64
		for i, x := range currNeighbors {
			var w float64
			switch {
			case x == prev:
				w = 1.0 / g.params.ReturnBias
			case contains(g.adjacency[prev], x):
				w = 1.0
			default:
				w = 1.0 / g.params.InOutBias
			}
			weights[i] = w
			total += w
		}
		var next types.NodeId
		if total == 0 {
			next = currNeighbors[g.rnd.Intn(len(currNeighbors))]
		} else {
			target := g.rnd.Float64() * total
			var cum float64
			next = currNeighbors[len(currNeighbors)-1]
			for i, w := range weights {
				cum += w
				if target <= cum {
					next = currNeighbors[i]
					break
				}
			}
		}
		walk = append(walk, next)
	}
	return walk
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func dot(a, b types.Embedding) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// trainSkipGram runs one pass of Skip-gram with negative sampling over
// walk. Callers must hold g.mu. walk must have length >= 2.
func (g *Graph) trainSkipGram(walk []types.NodeId) {
	distinct := map[types.NodeId]struct{}{}
	for _, n := range walk {
		distinct[n] = struct{}{}
	}
	var candidates []types.NodeId
	for n := range g.embeddings {
		if _, in := distinct[n]; !in {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		for n := range g.embeddings {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return
	}

	w := g.params.Window
	for i, c := range walk {
		lo := i - w
		if lo < 0 {
			lo = 0
		}
		hi := i + w + 1
		if hi > len(walk) {
			hi = len(walk)
		}
		for j := lo; j < hi; j++ {
			if j == i {
				continue
			}
			o := walk[j]
			g.skipGramPair(c, o)
			for k := 0; k < g.params.NegativeSamples; k++ {
				n := candidates[g.rnd.Intn(len(candidates))]
				if n == c || n == o {
					continue
				}
				if _, ok := g.embeddings[n]; !ok {
					continue
				}
				g.negativeUpdate(c, n)
			}
		}
	}
}

func (g *Graph) skipGramPair(c, o types.NodeId) {
	cv, ov := g.embeddings[c], g.embeddings[o]
	sigma := sigmoid(dot(cv, ov))
	grad := g.params.LearningRate * (1 - sigma)
	cOld := make(types.Embedding, len(cv))
	copy(cOld, cv)
	for i := range cv {
		cv[i] += grad * ov[i]
	}
	for i := range ov {
		ov[i] += grad * cOld[i]
	}
}

func (g *Graph) negativeUpdate(c, n types.NodeId) {
	cv, nv := g.embeddings[c], g.embeddings[n]
	sigma := sigmoid(dot(cv, nv))
	grad := -g.params.LearningRate * sigma
	cOld := make(types.Embedding, len(cv))
	copy(cOld, cv)
	for i := range cv {
		cv[i] += grad * nv[i]
	}
	for i := range nv {
		nv[i] += grad * cOld[i]
	}
}

// UpdateEmbeddings runs WalksPerNode full passes: for each node with at
// least one out-neighbor, generate one biased walk from it and train
// Skip-gram on that walk if it has length >= 2. Isolated nodes are
// skipped.
func (g *Graph) UpdateEmbeddings() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for iter := 0; iter < g.params.WalksPerNode; iter++ {
		nodes := make([]types.NodeId, 0, len(g.adjacency))
		for n, nbrs := range g.adjacency {
			if len(nbrs) > 0 {
				nodes = append(nodes, n)
			}
		}
		for _, s := range nodes {
			walk := g.generateBiasedRandomWalk(s)
			if len(walk) >= 2 {
				g.trainSkipGram(walk)
			}
		}
	}
}

// MeanEmbedding sums the embeddings of the nodes in trace that are
// present in the graph and divides by the number of contributing nodes.
// Returns ZeroEmbedding if none contribute. trace must be non-empty.
func (g *Graph) MeanEmbedding(trace types.Trace) (types.Embedding, error) {
	if len(trace) == 0 {
		return nil, fmt.Errorf("graph: MeanEmbedding on empty trace")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	sum := make(types.Embedding, g.params.Dim)
	count := 0
	for _, n := range trace {
		e, ok := g.embeddings[n]
		if !ok {
			continue
		}
		for i := range sum {
			sum[i] += e[i]
		}
		count++
	}
	if count == 0 {
		return g.ZeroEmbedding(), nil
	}
	for i := range sum {
		sum[i] /= float64(count)
	}
	return sum, nil
}

// EmbeddingDistance is the Euclidean distance between two embeddings of
// equal dimension.
func EmbeddingDistance(a, b types.Embedding) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// GetNodeDistance returns the Euclidean distance between a's and b's
// embeddings, treating a missing node as the zero embedding.
func (g *Graph) GetNodeDistance(a, b types.NodeId) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return EmbeddingDistance(g.lookupLocked(a), g.lookupLocked(b))
}

// GetNodeDistanceWithOrigin returns the distance from a's embedding to
// the zero embedding.
func (g *Graph) GetNodeDistanceWithOrigin(a types.NodeId) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return EmbeddingDistance(g.lookupLocked(a), g.ZeroEmbedding())
}

func (g *Graph) lookupLocked(n types.NodeId) types.Embedding {
	if e, ok := g.embeddings[n]; ok {
		return e
	}
	return g.ZeroEmbedding()
}

// Neighbors returns a copy of n's neighbor list, or nil if n is unknown.
func (g *Graph) Neighbors(n types.NodeId) []types.NodeId {
	g.mu.Lock()
	defer g.mu.Unlock()
	nbrs := g.adjacency[n]
	out := make([]types.NodeId, len(nbrs))
	copy(out, nbrs)
	return out
}

// HasNode reports whether n is a known node.
func (g *Graph) HasNode(n types.NodeId) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.adjacency[n]
	return ok
}

// Clone returns a deep copy of the graph, used by the crash-record
// snapshot (C8).
func (g *Graph) Clone() *Graph {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := New(g.params)
	out.rnd = rand.New(rand.NewSource(g.params.Seed))
	for n, nbrs := range g.adjacency {
		cp := make([]types.NodeId, len(nbrs))
		copy(cp, nbrs)
		out.adjacency[n] = cp
	}
	for n, e := range g.embeddings {
		cp := make(types.Embedding, len(e))
		copy(cp, e)
		out.embeddings[n] = cp
	}
	return out
}

// Params returns the graph's hyperparameters, for checkpointing.
func (g *Graph) Params() Params {
	return g.params
}

// Snapshot returns deep copies of the adjacency and embedding maps for
// serialization; mutating them does not affect the graph.
func (g *Graph) Snapshot() (adjacency map[types.NodeId][]types.NodeId, embeddings map[types.NodeId]types.Embedding) {
	g.mu.Lock()
	defer g.mu.Unlock()
	adjacency = make(map[types.NodeId][]types.NodeId, len(g.adjacency))
	for n, nbrs := range g.adjacency {
		cp := make([]types.NodeId, len(nbrs))
		copy(cp, nbrs)
		adjacency[n] = cp
	}
	embeddings = make(map[types.NodeId]types.Embedding, len(g.embeddings))
	for n, e := range g.embeddings {
		cp := make(types.Embedding, len(e))
		copy(cp, e)
		embeddings[n] = cp
	}
	return adjacency, embeddings
}

// Restore replaces the graph's adjacency and embeddings with the given
// maps, used when loading a checkpoint. The caller is responsible for
// ensuring every node key appears in both maps.
func (g *Graph) Restore(adjacency map[types.NodeId][]types.NodeId, embeddings map[types.NodeId]types.Embedding) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.adjacency = adjacency
	g.embeddings = embeddings
}
