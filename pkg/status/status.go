// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package status serves the ambient observability surface: a JSON
// snapshot, a Prometheus /metrics endpoint, and a plaintext /table view
// of the same counters, for operators without a Prometheus scraper. The
// live terminal status display is an out-of-scope external collaborator;
// this package only exposes the counters the core already maintains.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/gorilla/handlers"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Source is whatever the coordinator exposes for the server to read.
// Implemented by *coordinator.Coordinator; defined here as an interface
// to avoid a dependency cycle between status and coordinator.
type Source interface {
	Stats() (executions, crashes int64)
	GraphNodeCount() int
	CacheStats() (hits, misses int64)
	ThreadCount() int
}

// Server exposes Source's counters over HTTP.
type Server struct {
	Addr   string
	source Source

	executions prometheus.Gauge
	crashes    prometheus.Gauge
	graphNodes prometheus.Gauge
	cacheHits  prometheus.Gauge
	cacheMiss  prometheus.Gauge
}

// New registers the Prometheus gauges this server publishes. Registry
// is whichever registerer the caller wants them visible on; pass
// prometheus.DefaultRegisterer to serve them from promhttp's default
// handler.
func New(addr string, source Source, registry prometheus.Registerer) (*Server, error) {
	s := &Server{
		Addr:   addr,
		source: source,
		executions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vector_executions_total", Help: "Total target executions across all fuzz threads.",
		}),
		crashes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vector_crashes_total", Help: "Total crashes observed across all fuzz threads.",
		}),
		graphNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vector_graph_nodes", Help: "Number of distinct basic blocks in the explored graph.",
		}),
		cacheHits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vector_trace_cache_hits", Help: "Fast-reject trace-hash cache hits.",
		}),
		cacheMiss: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vector_trace_cache_misses", Help: "Fast-reject trace-hash cache misses.",
		}),
	}
	for _, c := range []prometheus.Collector{s.executions, s.crashes, s.graphNodes, s.cacheHits, s.cacheMiss} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("status: registering metric: %w", err)
		}
	}
	return s, nil
}

type snapshot struct {
	Executions  int64 `json:"executions"`
	Crashes     int64 `json:"crashes"`
	GraphNodes  int   `json:"graph_nodes"`
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
	ThreadCount int   `json:"thread_count"`
}

func (s *Server) snapshot() snapshot {
	execs, crashes := s.source.Stats()
	hits, misses := s.source.CacheStats()
	out := snapshot{
		Executions:  execs,
		Crashes:     crashes,
		GraphNodes:  s.source.GraphNodeCount(),
		CacheHits:   hits,
		CacheMisses: misses,
		ThreadCount: s.source.ThreadCount(),
	}
	s.executions.Set(float64(out.Executions))
	s.crashes.Set(float64(out.Crashes))
	s.graphNodes.Set(float64(out.GraphNodes))
	s.cacheHits.Set(float64(out.CacheHits))
	s.cacheMiss.Set(float64(out.CacheMisses))
	return out
}

func (s *Server) httpSnapshot(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(s.snapshot())
}

func (s *Server) httpTable(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot()
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"metric", "value"})
	table.Append([]string{"executions", fmt.Sprintf("%d", snap.Executions)})
	table.Append([]string{"crashes", fmt.Sprintf("%d", snap.Crashes)})
	table.Append([]string{"graph nodes", fmt.Sprintf("%d", snap.GraphNodes)})
	table.Append([]string{"trace cache hits", fmt.Sprintf("%d", snap.CacheHits)})
	table.Append([]string{"trace cache misses", fmt.Sprintf("%d", snap.CacheMisses)})
	table.Append([]string{"fuzz threads", fmt.Sprintf("%d", snap.ThreadCount)})
	table.Render()
}

// Serve starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.httpSnapshot)
	mux.HandleFunc("/table", s.httpTable)
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: s.Addr, Handler: handlers.LoggingHandler(os.Stdout, mux)}
	go func() {
		<-ctx.Done()
		server.Close()
	}()
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
