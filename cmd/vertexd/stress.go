// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianVertex/pkg/ux"
	"github.com/AleutianAI/AleutianVertex/services/vertex/access"
	"github.com/AleutianAI/AleutianVertex/services/vertex/config"
	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
	"github.com/AleutianAI/AleutianVertex/services/vertex/graph"
)

const (
	stressGraph = "stress"
	lockLinger  = time.Minute
)

var errBadStressOptions = errors.New("invalid stress options")

// stressOptions configures a stress run.
type stressOptions struct {
	Sessions  int
	Ops       int
	Vertices  int
	BatchSize int
	Locks     int
	Timeout   time.Duration
	Hold      time.Duration
	Seed      uint64
	Plain     bool
}

func defaultStressOptions() stressOptions {
	return stressOptions{
		Sessions:  16,
		Ops:       200,
		Vertices:  64,
		BatchSize: 4,
		Locks:     4,
		Timeout:   50 * time.Millisecond,
	}
}

func (o stressOptions) validate() error {
	switch {
	case o.Sessions <= 0:
		return fmt.Errorf("%w: sessions must be positive", errBadStressOptions)
	case o.Ops <= 0:
		return fmt.Errorf("%w: ops must be positive", errBadStressOptions)
	case o.Vertices <= 0:
		return fmt.Errorf("%w: vertices must be positive", errBadStressOptions)
	case o.Locks <= 0:
		return fmt.Errorf("%w: locks must be positive", errBadStressOptions)
	case o.BatchSize <= 0 || o.BatchSize > o.Vertices:
		return fmt.Errorf("%w: batch must be between 1 and %d", errBadStressOptions, o.Vertices)
	case o.Timeout < 0:
		return fmt.Errorf("%w: timeout must not be negative", errBadStressOptions)
	case o.Hold < 0:
		return fmt.Errorf("%w: hold must not be negative", errBadStressOptions)
	}
	return nil
}

// opStats counts the outcomes of one kind of operation.
type opStats struct {
	OK      int
	Busy    int
	Timeout int
	Failed  int
	Elapsed time.Duration
}

func (s *opStats) record(elapsed time.Duration, err error) {
	s.Elapsed += elapsed
	switch engine.KindOf(err) {
	case engine.KindNone:
		s.OK++
	case engine.KindBusy:
		s.Busy++
	case engine.KindTimeout:
		s.Timeout++
	default:
		s.Failed++
	}
}

func (s *opStats) add(o *opStats) {
	s.OK += o.OK
	s.Busy += o.Busy
	s.Timeout += o.Timeout
	s.Failed += o.Failed
	s.Elapsed += o.Elapsed
}

func (s *opStats) total() int {
	return s.OK + s.Busy + s.Timeout + s.Failed
}

// stressResult is the merged outcome of a stress run, keyed by operation.
type stressResult struct {
	Ops     map[string]*opStats
	Elapsed time.Duration
}

func (r *stressResult) totals() opStats {
	var t opStats
	for _, s := range r.Ops {
		t.add(s)
	}
	return t
}

// openStressGraph creates the stress graph on demand, owned by a session
// of its own.
func openStressGraph(ctx context.Context, registry *graph.Registry) (*graph.Handle, error) {
	gh, err := registry.Open(ctx, access.NewSession(), stressGraph)
	if err != nil {
		return nil, fmt.Errorf("open %s graph: %w", stressGraph, err)
	}
	return gh, nil
}

func vertexName(i int) string {
	return "v" + strconv.Itoa(i)
}

// runStress seeds a vertex pool in g and runs opts.Sessions sessions
// against it concurrently. Each session mixes single opens, atomic batch
// acquisitions and named locks. Contention outcomes are counted, not
// returned; only cancellation or a seeding failure is an error.
func runStress(ctx context.Context, g *graph.Graph, opts stressOptions) (*stressResult, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	seeder := access.NewSession()
	for i := 0; i < opts.Vertices; i++ {
		h, err := g.OpenVertex(ctx, seeder, vertexName(i), "w", 0)
		if err != nil {
			return nil, fmt.Errorf("seed %s: %w", vertexName(i), err)
		}
		if _, err := g.CloseVertex(seeder, h); err != nil {
			return nil, fmt.Errorf("seed %s: %w", vertexName(i), err)
		}
	}

	perWorker := make([]map[string]*opStats, opts.Sessions)
	start := time.Now()
	eg, ectx := errgroup.WithContext(ctx)
	for w := 0; w < opts.Sessions; w++ {
		stats := map[string]*opStats{"open": {}, "batch": {}, "lock": {}}
		perWorker[w] = stats
		eg.Go(func() error {
			return stressWorker(ectx, g, opts, w, stats)
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	res := &stressResult{Ops: make(map[string]*opStats), Elapsed: time.Since(start)}
	for _, stats := range perWorker {
		for op, s := range stats {
			if res.Ops[op] == nil {
				res.Ops[op] = &opStats{}
			}
			res.Ops[op].add(s)
		}
	}
	return res, nil
}

func stressWorker(ctx context.Context, g *graph.Graph, opts stressOptions, worker int, stats map[string]*opStats) error {
	s := access.NewSession()
	defer g.CloseAll(s)
	rng := rand.New(rand.NewPCG(opts.Seed, uint64(worker)))

	for i := 0; i < opts.Ops; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		var op string
		var err error
		start := time.Now()

		switch rng.IntN(3) {
		case 0:
			op = "open"
			mode := "r"
			if rng.IntN(2) == 0 {
				mode = "w"
			}
			var h *access.Handle
			if h, err = g.OpenVertex(ctx, s, vertexName(rng.IntN(opts.Vertices)), mode, opts.Timeout); err == nil {
				hold(ctx, opts.Hold)
				_, err = g.CloseVertex(s, h)
			}
		case 1:
			op = "batch"
			perm := rng.Perm(opts.Vertices)[:opts.BatchSize]
			ids := make([]string, len(perm))
			for j, n := range perm {
				ids[j] = vertexName(n)
			}
			var hs []*access.Handle
			if hs, err = g.OpenVertices(ctx, s, ids, "w", opts.Timeout); err == nil {
				hold(ctx, opts.Hold)
				_, err = g.CloseVertices(s, hs)
			}
		default:
			op = "lock"
			var h *access.Handle
			name := "stress-lock-" + strconv.Itoa(rng.IntN(opts.Locks))
			if h, err = g.Lock(ctx, s, name, lockLinger, opts.Timeout); err == nil {
				hold(ctx, opts.Hold)
				_, err = g.Unlock(s, h)
			}
		}
		stats[op].record(time.Since(start), err)
	}
	return nil
}

func hold(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// progressWidth is the width of the uncontended share bar.
const progressWidth = 30

// renderStress prints the workload, res as a table, the share of
// operations that succeeded and a one-line verdict.
func renderStress(p *ux.Printer, res *stressResult, opts stressOptions) {
	p.Title("Stress results")
	p.Box("Workload", fmt.Sprintf("%d sessions x %d ops on %d vertices, batch %d, %d locks, timeout %s",
		opts.Sessions, opts.Ops, opts.Vertices, opts.BatchSize, opts.Locks, opts.Timeout))

	names := make([]string, 0, len(res.Ops))
	for op := range res.Ops {
		names = append(names, op)
	}
	sort.Strings(names)

	rows := make([][]string, 0, len(names)+1)
	row := func(name string, s opStats) []string {
		avg := "-"
		if n := s.total(); n > 0 {
			avg = (s.Elapsed / time.Duration(n)).Round(time.Microsecond).String()
		}
		return []string{name, strconv.Itoa(s.OK), strconv.Itoa(s.Busy),
			strconv.Itoa(s.Timeout), strconv.Itoa(s.Failed), avg}
	}
	for _, op := range names {
		rows = append(rows, row(op, *res.Ops[op]))
	}
	totals := res.totals()
	rows = append(rows, row("total", totals))
	p.Table([]string{"op", "ok", "busy", "timeout", "failed", "avg"}, rows)

	rate := float64(totals.total()) / res.Elapsed.Seconds()
	p.Info(fmt.Sprintf("%d operations in %s (%.0f ops/s)", totals.total(), res.Elapsed.Round(time.Millisecond), rate))
	p.Info("Succeeded " + p.ProgressBar(totals.OK, totals.total(), progressWidth))
	if totals.Failed > 0 {
		p.Warning(fmt.Sprintf("%d operations failed outside contention", totals.Failed))
	} else {
		p.Success("No failures outside contention")
	}
}

func runStressCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	cfg.Storage = config.StorageConfig{InMemory: true}
	cfg.Graphs = nil
	registry := graph.NewRegistry(*cfg, graph.WithLogger(logger.Slog()))
	if err := registry.Init(cmd.Context()); err != nil {
		return err
	}
	defer registry.Shutdown(context.Background())

	gh, err := openStressGraph(cmd.Context(), registry)
	if err != nil {
		return err
	}
	defer gh.Close(context.Background())
	res, err := runStress(cmd.Context(), gh.Graph(), stressOpts)
	if err != nil {
		return err
	}

	printer := ux.NewPrinter(os.Stdout)
	if stressOpts.Plain {
		printer = ux.NewPlainPrinter(os.Stdout)
	}
	renderStress(printer, res, stressOpts)
	return nil
}
