// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package loss computes the embedding-space distance between a
// forbidden historical execution and the current one, and turns that
// distance into a per-byte input mutation via chain-rule gradient
// descent.
package loss

import (
	"fmt"
	"math"

	"github.com/brightprogrammer/vector/pkg/graph"
	"github.com/brightprogrammer/vector/pkg/types"
)

// CosineSimilarity compares two equal-length vectors; both must already
// be the same dimension (both are graph embeddings in practice).
// Returns 0 if either has zero magnitude.
func CosineSimilarity(a, b types.Embedding) float64 {
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// EmbeddingLoss augments g with both traces, retrains embeddings, then
// computes the cosine similarity between their mean embeddings and
// remaps it from [-1,1] to [0,1]. Higher loss means the current trace
// is more similar to the forbidden one. Both traces must be non-empty.
func EmbeddingLoss(g *graph.Graph, forbidden, current types.Trace) (float64, error) {
	if len(forbidden) == 0 || len(current) == 0 {
		return 0, fmt.Errorf("loss: EmbeddingLoss requires non-empty traces")
	}
	g.UpdateGraphFromTrace(forbidden)
	g.UpdateGraphFromTrace(current)
	g.UpdateEmbeddings()

	meanForbidden, err := g.MeanEmbedding(forbidden)
	if err != nil {
		return 0, err
	}
	meanCurrent, err := g.MeanEmbedding(current)
	if err != nil {
		return 0, err
	}
	sim := CosineSimilarity(meanForbidden, meanCurrent)
	return (sim + 1) / 2, nil
}

// TraceSensitivity computes dL/dy, one entry per position over
// n = max(len(forbidden), len(current)). Position i uses the node
// distance between forbidden[i] and current[i] when both exist, the
// distance-from-origin of whichever exists when only one does, and 0
// when neither does.
func TraceSensitivity(g *graph.Graph, forbidden, current types.Trace, lossValue float64) []float64 {
	n := maxInt(len(forbidden), len(current))
	dLdy := make([]float64, n)
	for i := 0; i < n; i++ {
		dy := traceDistanceAt(g, forbidden, current, i)
		if dy != 0 {
			dLdy[i] = lossValue / dy
		} else {
			dLdy[i] = lossValue
		}
	}
	return dLdy
}

func traceDistanceAt(g *graph.Graph, forbidden, current types.Trace, i int) float64 {
	hasF := i < len(forbidden)
	hasC := i < len(current)
	switch {
	case hasF && hasC:
		return g.GetNodeDistance(forbidden[i], current[i])
	case hasF:
		return g.GetNodeDistanceWithOrigin(forbidden[i])
	case hasC:
		return g.GetNodeDistanceWithOrigin(current[i])
	default:
		return 0
	}
}

// Jacobian is the n x m matrix dy/dx: J[i][j] = dy[i]/dx[j].
type Jacobian [][]float64

// BehavioralGradient computes dL/dy and the Jacobian dy/dx between a
// forbidden execution (x*, y*) and the current one (x, y), after
// ensuring the graph has seen both traces and retraining embeddings.
// Byte differences treat out-of-range positions as 0.
func BehavioralGradient(g *graph.Graph, forbidden, current types.FuzzExecution, lossValue float64) (dLdy []float64, jac Jacobian) {
	g.UpdateGraphFromTrace(forbidden.Trace)
	g.UpdateGraphFromTrace(current.Trace)
	g.UpdateEmbeddings()

	n := maxInt(len(forbidden.Trace), len(current.Trace))
	m := maxInt(len(forbidden.Input), len(current.Input))

	dLdy = make([]float64, n)
	dy := make([]float64, n)
	for i := 0; i < n; i++ {
		dy[i] = traceDistanceAt(g, forbidden.Trace, current.Trace, i)
		if dy[i] != 0 {
			dLdy[i] = lossValue / dy[i]
		} else {
			dLdy[i] = lossValue
		}
	}

	dx := make([]float64, m)
	for j := 0; j < m; j++ {
		dx[j] = float64(byteAt(current.Input, j)) - float64(byteAt(forbidden.Input, j))
	}

	jac = make(Jacobian, n)
	for i := 0; i < n; i++ {
		row := make([]float64, m)
		for j := 0; j < m; j++ {
			if dx[j] != 0 {
				row[j] = dy[i] / dx[j]
			}
		}
		jac[i] = row
	}
	return dLdy, jac
}

func byteAt(in types.Input, j int) byte {
	if j < len(in) {
		return in[j]
	}
	return 0
}

// GenerateNewInput runs the chain rule dL/dx = J^T . dL/dy and produces
// the next input: for each byte position j, a non-positive
// explorationSpeed[j] freezes the byte unchanged; otherwise the byte is
// updated by x[j] - eta*dL/dx[j], clamped below zero, wrapped modulo 256
// above 255, and rounded to the nearest integer.
//
// explorationSpeed must have exactly len(current.Input) entries.
func GenerateNewInput(g *graph.Graph, forbidden, current types.FuzzExecution, explorationSpeed []float64) (types.Input, error) {
	if len(explorationSpeed) != len(current.Input) {
		return nil, fmt.Errorf("loss: exploration speed length %d does not match input length %d",
			len(explorationSpeed), len(current.Input))
	}
	lossValue, err := EmbeddingLoss(g, forbidden.Trace, current.Trace)
	if err != nil {
		return nil, err
	}
	dLdy, jac := BehavioralGradient(g, forbidden, current, lossValue)

	m := len(current.Input)
	dLdx := make([]float64, m)
	for j := 0; j < m; j++ {
		var sum float64
		for i := range jac {
			sum += jac[i][j] * dLdy[i]
		}
		dLdx[j] = sum
	}

	out := make(types.Input, m)
	for j := 0; j < m; j++ {
		out[j] = applyByteGradient(current.Input[j], explorationSpeed[j], dLdx[j])
	}
	return out, nil
}

// applyByteGradient implements the per-byte update rule: a non-positive
// eta freezes the byte unchanged; otherwise the byte becomes
// x - eta*dLdx, clamped below zero, wrapped modulo 256 above 255, and
// rounded to the nearest integer.
func applyByteGradient(x byte, eta, dLdx float64) byte {
	if eta <= 0 {
		return x
	}
	u := float64(x) - eta*dLdx
	if u < 0 {
		u = 0
	} else if u > 255 {
		u = math.Mod(u, 256)
	}
	return byte(math.Round(u))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
