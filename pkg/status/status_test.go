// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	execs, crashes int64
	graphNodes     int
	hits, misses   int64
	threads        int
}

func (f fakeSource) Stats() (int64, int64)      { return f.execs, f.crashes }
func (f fakeSource) GraphNodeCount() int        { return f.graphNodes }
func (f fakeSource) CacheStats() (int64, int64) { return f.hits, f.misses }
func (f fakeSource) ThreadCount() int           { return f.threads }

func TestSnapshotJSON(t *testing.T) {
	src := fakeSource{execs: 100, crashes: 3, graphNodes: 42, hits: 10, misses: 5, threads: 4}
	s, err := New("127.0.0.1:0", src, prometheus.NewRegistry())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	s.httpSnapshot(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	var out snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Equal(t, int64(100), out.Executions)
	require.Equal(t, int64(3), out.Crashes)
	require.Equal(t, 42, out.GraphNodes)
	require.Equal(t, int64(10), out.CacheHits)
	require.Equal(t, int64(5), out.CacheMisses)
	require.Equal(t, 4, out.ThreadCount)
}

func TestTableRenders(t *testing.T) {
	src := fakeSource{execs: 7, crashes: 1, graphNodes: 2, hits: 1, misses: 1, threads: 1}
	s, err := New("127.0.0.1:0", src, prometheus.NewRegistry())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	s.httpTable(w, httptest.NewRequest(http.MethodGet, "/table", nil))
	require.Contains(t, w.Body.String(), "executions")
	require.Contains(t, w.Body.String(), "7")
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	src := fakeSource{}
	_, err := New("127.0.0.1:0", src, reg)
	require.NoError(t, err)
	_, err = New("127.0.0.1:0", src, reg)
	require.Error(t, err)
}
