// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Command vector drives a directional, gradient-guided coverage fuzzer:
// it wires together the configuration surface, the persistent knowledge
// base, the seed loader, the status server, and the fuzz-thread
// coordinator, then runs until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/brightprogrammer/vector/pkg/checkpoint"
	"github.com/brightprogrammer/vector/pkg/config"
	"github.com/brightprogrammer/vector/pkg/coordinator"
	"github.com/brightprogrammer/vector/pkg/status"
)

func main() {
	flags := config.Register(flag.CommandLine)
	flag.Parse()

	settings, err := flags.Settings()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logf := makeLogf(flags.Verbosity())

	co, err := coordinator.New(settings, logf, checkpoint.FileCheckpointer{})
	if err != nil {
		log.Fatalf("vector: %v", err)
	}

	loaded, err := co.LoadSeeds()
	if err != nil {
		log.Fatalf("vector: loading seeds: %v", err)
	}
	logf(0, "vector: loaded %d seeds", loaded)

	if addr := flags.HTTPAddr(); addr != "" {
		srv, err := status.New(addr, co, prometheus.DefaultRegisterer)
		if err != nil {
			log.Fatalf("vector: status server: %v", err)
		}
		srv.Addr = addr
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			if err := srv.Serve(ctx); err != nil {
				logf(1, "vector: status server exited: %v", err)
			}
		}()
	}

	if err := co.Run(); err != nil {
		log.Fatalf("vector: %v", err)
	}
}

func makeLogf(verbosity int) func(level int, msg string, args ...any) {
	return func(level int, msg string, args ...any) {
		if level > verbosity {
			return
		}
		log.Printf(msg, args...)
	}
}
