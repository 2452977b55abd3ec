// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package coordinator wires together the knowledge base, the seed
// loader, and the fuzz threads: it owns startup, shutdown, and the one
// piece of cross-thread communication the engine needs — an atomic stop
// flag.
package coordinator

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/brightprogrammer/vector/pkg/crash"
	"github.com/brightprogrammer/vector/pkg/fuzzthread"
	"github.com/brightprogrammer/vector/pkg/knowledge"
	"github.com/brightprogrammer/vector/pkg/seed"
)

// shutdownGrace bounds how long the coordinator waits for fuzz threads
// to notice the stop flag and return from their current iteration
// before it logs a warning and proceeds to tear down the knowledge
// base anyway. Pthread-style forced cancellation has no Go equivalent
// and is deliberately not attempted; only the stop flag plus SIGKILL to
// each thread's current child are used to unblock things.
const shutdownGrace = 10 * time.Second

// Coordinator spawns fuzz threads, owns the shared knowledge base, and
// handles shutdown signals.
type Coordinator struct {
	knowledge *knowledge.Knowledge
	logf      knowledge.Logf
	settings  knowledge.Settings

	stop atomic.Bool

	execCount  atomic.Int64
	crashCount atomic.Int64

	crashDir    string
	crashSerial crash.Serializer

	threads []*fuzzthread.Thread
	wg      sync.WaitGroup
	errs    []error
	errsMu  sync.Mutex
}

// New constructs a coordinator, optionally restoring a checkpoint if
// one exists at the conventional path and its settings' target program
// matches the configured one — otherwise it starts with a fresh
// knowledge base and logs why.
func New(settings knowledge.Settings, logf knowledge.Logf, checkpointer knowledge.Checkpointer) (*Coordinator, error) {
	if logf == nil {
		logf = func(int, string, ...any) {}
	}

	k, restored, err := tryRestore(settings, logf, checkpointer)
	if err != nil {
		return nil, err
	}
	if !restored {
		k, err = knowledge.New(settings, logf, checkpointer)
		if err != nil {
			return nil, err
		}
	}

	crashDir := settings.WorkDir + "/crashes"
	if settings.WorkDir != "" {
		if err := os.MkdirAll(crashDir, 0o755); err != nil {
			logf(1, "coordinator: could not create crash directory %s: %v", crashDir, err)
		}
	}

	return &Coordinator{
		knowledge:   k,
		logf:        logf,
		settings:    settings,
		crashDir:    crashDir,
		crashSerial: crash.BinarySerializer{},
	}, nil
}

func tryRestore(settings knowledge.Settings, logf knowledge.Logf, checkpointer knowledge.Checkpointer) (*knowledge.Knowledge, bool, error) {
	if checkpointer == nil {
		return nil, false, nil
	}
	path := settings.CheckpointPath()
	if path == "" {
		return nil, false, nil
	}
	if _, err := os.Stat(path); err != nil {
		logf(0, "coordinator: no checkpoint at %s, starting fresh", path)
		return nil, false, nil
	}
	k, ok, err := checkpointer.Load(path, settings, logf)
	if err != nil {
		logf(1, "coordinator: checkpoint load failed, starting fresh knowledge base: %v", err)
		return nil, false, nil
	}
	if !ok {
		logf(0, "coordinator: checkpoint settings do not match configured target program, starting fresh")
		return nil, false, nil
	}
	logf(0, "coordinator: restored checkpoint from %s", path)
	return k, true, nil
}

// Knowledge returns the coordinator's knowledge base, mainly for tests
// and for the status server to read counters from.
func (c *Coordinator) Knowledge() *knowledge.Knowledge {
	return c.knowledge
}

// Stats returns the monotone execution and crash counters, safe to read
// from any goroutine at any time (eventually consistent, as the display
// collaborator is documented to expect).
func (c *Coordinator) Stats() (executions, crashes int64) {
	return c.execCount.Load(), c.crashCount.Load()
}

// GraphNodeCount reports the number of distinct basic blocks explored
// so far, for the status server.
func (c *Coordinator) GraphNodeCount() int {
	return c.knowledge.Graph().NodeCount()
}

// CacheStats reports the fast-reject cache's hit/miss counters, for the
// status server.
func (c *Coordinator) CacheStats() (hits, misses int64) {
	return c.knowledge.CacheStats()
}

// ThreadCount reports the configured number of fuzz threads.
func (c *Coordinator) ThreadCount() int {
	return c.settings.ThreadCount
}

// LoadSeeds loads every regular file under settings.SeedPath, if
// configured, into the knowledge base.
func (c *Coordinator) LoadSeeds() (int, error) {
	if c.settings.SeedPath == "" {
		return 0, nil
	}
	return seed.LoadSeedsFromDirectory(c.settings.SeedPath, c.knowledge, c.logf)
}

// Run spawns thread_count fuzz threads, installs SIGINT/SIGTERM
// handlers that flip the stop flag, waits for shutdown, signals every
// thread's current child, joins, and returns any thread errors.
func (c *Coordinator) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if err := c.spawnThreads(); err != nil {
		return err
	}

	<-sigCh
	c.logf(0, "coordinator: shutdown signal received")
	c.Shutdown()
	return c.joinAndCollect()
}

func (c *Coordinator) spawnThreads() error {
	c.threads = make([]*fuzzthread.Thread, c.settings.ThreadCount)
	for i := 0; i < c.settings.ThreadCount; i++ {
		th, err := fuzzthread.NewThread(i, c.knowledge, c.logf, &c.execCount, &c.crashCount, c.onCrash)
		if err != nil {
			return fmt.Errorf("coordinator: spawning thread %d: %w", i, err)
		}
		c.threads[i] = th
	}

	for _, th := range c.threads {
		th := th
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer th.Close()
			if err := th.InitializationRun(); err != nil {
				c.recordErr(fmt.Errorf("thread %d: initialization: %w", th.ID, err))
				return
			}
			if err := th.Run(c.stop.Load); err != nil {
				c.recordErr(fmt.Errorf("thread %d: %w", th.ID, err))
			}
		}()
	}
	return nil
}

func (c *Coordinator) recordErr(err error) {
	c.logf(1, "coordinator: %v", err)
	c.errsMu.Lock()
	c.errs = append(c.errs, err)
	c.errsMu.Unlock()
}

func (c *Coordinator) onCrash(rec crash.Record) {
	if c.crashDir == "" {
		return
	}
	path := c.crashDir + "/" + rec.FileName(time.Now())
	f, err := os.Create(path)
	if err != nil {
		c.logf(1, "coordinator: could not create crash file %s: %v", path, err)
		return
	}
	defer f.Close()
	if err := c.crashSerial.Serialize(f, rec); err != nil {
		c.logf(1, "coordinator: crash-record persistence failed: %v", err)
		return
	}
	c.logf(0, "coordinator: crash %s recorded at %s", rec.ID, path)
}

// Shutdown flips the stop flag and kills every thread's current child
// to unblock any pending waitpid. It does not wait for threads to
// notice; Run joins them afterward via joinAndCollect.
func (c *Coordinator) Shutdown() {
	c.stop.Store(true)
	for _, th := range c.threads {
		th.KillCurrent()
	}
}

func (c *Coordinator) joinAndCollect() error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		c.logf(1, "coordinator: threads did not join within %s, proceeding to tear down anyway", shutdownGrace)
	}

	c.printSummary()

	c.errsMu.Lock()
	defer c.errsMu.Unlock()
	if len(c.errs) > 0 {
		return fmt.Errorf("coordinator: %d thread(s) exited with errors, first: %w", len(c.errs), c.errs[0])
	}
	return nil
}

func (c *Coordinator) printSummary() {
	execs, crashes := c.Stats()
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"metric", "value"})
	table.Append([]string{"total executions", fmt.Sprintf("%d", execs)})
	table.Append([]string{"crashes found", fmt.Sprintf("%d", crashes)})
	table.Append([]string{"graph nodes", fmt.Sprintf("%d", c.knowledge.Graph().NodeCount())})
	hits, misses := c.knowledge.CacheStats()
	table.Append([]string{"fast-reject cache hits/misses", fmt.Sprintf("%d/%d", hits, misses)})
	table.Render()
}
