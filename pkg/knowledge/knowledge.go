// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package knowledge implements the shared knowledge base: a
// trace-deduplicating circular history of executions plus the explored
// graph, protected by a single mutex, with best-effort checkpointing.
package knowledge

import (
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/brightprogrammer/vector/pkg/graph"
	"github.com/brightprogrammer/vector/pkg/sharedtrace"
	"github.com/brightprogrammer/vector/pkg/types"
)

// Settings is the configuration surface the knowledge base and the rest
// of the engine are built from.
type Settings struct {
	MinLength       int
	MaxLength       int
	StepLength      int
	ThreadCount     int
	MaxHistoryCount int
	TargetProgram   string
	TracerLibrary   string
	DriverPath      string
	WorkDir         string
	SeedPath        string
	StdoutRedirect  string
}

// CheckpointPath returns <WorkDir>/knowledge_checkpoint.knowledge, the
// conventional checkpoint location.
func (s Settings) CheckpointPath() string {
	if s.WorkDir == "" {
		return ""
	}
	return s.WorkDir + "/knowledge_checkpoint.knowledge"
}

// Logf matches the teacher's callback-style logging: level plus a
// printf-style message, with no assumptions about the sink.
type Logf func(level int, msg string, args ...any)

// Checkpointer is the collaborator contract for persistence: the core
// only needs "serialize the current state" and "restore to an
// equivalent state." Its on-disk format is out of the core's scope.
type Checkpointer interface {
	Save(k *Knowledge) error
	Load(path string, settings Settings, logf Logf) (*Knowledge, bool, error)
}

// Knowledge is the shared, multi-thread-safe state every fuzz thread
// consults and updates: the deduplicating execution history and the
// explored graph. One mutex protects history and history_index and
// delegates into the graph's own lock while held.
type Knowledge struct {
	mu       sync.Mutex
	history  []types.FuzzExecution
	index    int
	settings Settings
	graph    *graph.Graph
	logf     Logf

	checkpointer Checkpointer
	traceHashes  *lru.Cache[uint64, struct{}]

	cacheMisses atomic.Int64 // hash not seen before: scan is guaranteed to find no match
	cacheHits   atomic.Int64 // hash seen before: scan is needed to rule out a collision
}

// New constructs an empty knowledge base with a fixed-capacity history
// ring of settings.MaxHistoryCount slots (capacity must be >= 2).
func New(settings Settings, logf Logf, checkpointer Checkpointer) (*Knowledge, error) {
	if settings.MaxHistoryCount < 2 {
		return nil, fmt.Errorf("knowledge: max_history_count must be >= 2, got %d", settings.MaxHistoryCount)
	}
	if logf == nil {
		logf = func(int, string, ...any) {}
	}
	cache, err := lru.New[uint64, struct{}](settings.MaxHistoryCount * 4)
	if err != nil {
		return nil, fmt.Errorf("knowledge: creating fast-reject cache: %w", err)
	}
	return &Knowledge{
		history:      make([]types.FuzzExecution, settings.MaxHistoryCount),
		settings:     settings,
		graph:        graph.New(graph.DefaultParams()),
		logf:         logf,
		checkpointer: checkpointer,
		traceHashes:  cache,
	}, nil
}

// Settings returns the settings this knowledge base was built from.
func (k *Knowledge) Settings() Settings {
	return k.settings
}

// Graph returns the explored graph. Mutation still goes through the
// graph's own locking; the knowledge lock is not required to read it,
// but AddExecutionIfDifferent always holds the knowledge lock across
// graph updates, per the required lock order.
func (k *Knowledge) Graph() *graph.Graph {
	return k.graph
}

func traceHash(trace types.Trace) uint64 {
	// djb2 extended to 64 bits is enough entropy for a fast-reject
	// pre-check; collisions only cost an extra linear scan, never a
	// correctness problem, since the scan is always authoritative.
	var h uint64 = 5381
	for _, n := range trace {
		h = h*33 + uint64(n)
	}
	return h
}

// AddExecutionIfDifferent is the sole mutator of history and graph. It
// rejects empty traces/inputs, linearly scans history for a
// byte-identical trace (the scan always runs; the LRU cache of trace
// hashes is only consulted to count hits and misses for CacheStats and
// never skips the scan), and otherwise records e,
// advances the ring, retrains the graph, and attempts a best-effort
// checkpoint. The whole operation — including the graph update — runs
// under the single knowledge lock; it is never released mid-update.
func (k *Knowledge) AddExecutionIfDifferent(e types.FuzzExecution) (bool, error) {
	if len(e.Trace) == 0 || len(e.Input) == 0 {
		return false, fmt.Errorf("knowledge: AddExecutionIfDifferent requires non-empty trace and input")
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	hash := traceHash(e.Trace)
	if _, hit := k.traceHashes.Get(hash); hit {
		k.cacheHits.Add(1)
	} else {
		k.cacheMisses.Add(1)
	}
	for _, slot := range k.history {
		if slot.Empty() {
			continue
		}
		if types.SameTrace(slot.Trace, e.Trace) {
			return false, nil
		}
	}

	k.history[k.index] = types.CloneExecution(e)
	k.index = (k.index + 1) % len(k.history)
	k.traceHashes.Add(hash, struct{}{})

	k.graph.UpdateGraphFromTrace(e.Trace)
	k.graph.UpdateEmbeddings()

	if k.checkpointer != nil {
		if err := k.checkpointer.Save(k); err != nil {
			k.logf(1, "knowledge: checkpoint save failed: %v", err)
		}
	}
	return true, nil
}

// HistorySnapshot returns a copy of the history ring and the current
// write index, taken under the lock.
func (k *Knowledge) HistorySnapshot() ([]types.FuzzExecution, int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]types.FuzzExecution, len(k.history))
	for i, e := range k.history {
		out[i] = types.CloneExecution(e)
	}
	return out, k.index
}

// PickForbidden scans forward from a random index for a valid slot and
// returns it. At least one valid slot must exist; callers are expected
// to have run initialization first, so an empty history here is a logic
// error, not a recoverable condition.
func (k *Knowledge) PickForbidden(startIndex int) (types.FuzzExecution, error) {
	history, _ := k.HistorySnapshot()
	if len(history) == 0 {
		return types.FuzzExecution{}, fmt.Errorf("knowledge: PickForbidden called on empty history")
	}
	start := startIndex % len(history)
	for i := 0; i < len(history); i++ {
		idx := (start + i) % len(history)
		if history[idx].Valid() {
			return history[idx], nil
		}
	}
	panic("knowledge: PickForbidden found no valid slot; initialization invariant violated")
}

// Restore replaces the history ring and graph with previously
// checkpointed state. Used only by a Checkpointer implementation.
func (k *Knowledge) Restore(history []types.FuzzExecution, index int, g *graph.Graph) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.history = history
	k.index = index
	k.graph = g
	k.traceHashes.Purge()
	for _, e := range history {
		if e.Valid() {
			k.traceHashes.Add(traceHash(e.Trace), struct{}{})
		}
	}
}

// CacheStats returns the fast-reject cache's hit and miss counts, purely
// for the status server's observability surface.
func (k *Knowledge) CacheStats() (hits, misses int64) {
	return k.cacheHits.Load(), k.cacheMisses.Load()
}

// VerifyChannelHash is a convenience wrapper used by fuzz threads to log
// a warning when the tracer's recorded input hash does not match what
// was written to the child's stdin — supplementary diagnostics, not a
// correctness requirement.
func VerifyChannelHash(ch *sharedtrace.Channel, written []byte, logf Logf) {
	if !ch.VerifyInputHash(written) {
		logf(1, "knowledge: tracer input hash mismatch, target may have read fewer bytes than written")
	}
}
