// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianVertex/services/vertex/access"
	"github.com/AleutianAI/AleutianVertex/services/vertex/config"
	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
	"github.com/AleutianAI/AleutianVertex/services/vertex/engine/memory"
	badgerstore "github.com/AleutianAI/AleutianVertex/services/vertex/storage/badger"
)

var (
	// ErrRegistryNotRunning is returned before Init and after Shutdown.
	ErrRegistryNotRunning = errors.New("graph registry not running")

	// ErrGraphNotFound is returned by Get for a graph that is not open.
	ErrGraphNotFound = errors.New("graph not found")
)

type registryState int

const (
	stateNew registryState = iota
	stateRunning
	stateStopped
)

// entry is one open graph and the resources it owns.
type entry struct {
	graph *Graph
	eng   *memory.Engine
	store *badgerstore.VertexStore
}

// Registry owns every open graph of the process.
//
// # Description
//
// Init opens the vertex database and the graphs named in the
// configuration, and starts their event processors. Further graphs are
// opened on demand by Open. Shutdown stops the processors and closes the
// stores. A Registry is injected into its callers; there is no package
// level instance.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	cfg     config.Config
	opts    []Option
	logger  *slog.Logger
	flight  singleflight.Group
	mu      sync.RWMutex
	state   registryState
	db      *badgerstore.DB
	graphs  map[string]*entry
	runCtx  context.Context
	stopRun context.CancelFunc
}

// NewRegistry creates a Registry for cfg. Nothing is opened until Init.
func NewRegistry(cfg config.Config, opts ...Option) *Registry {
	s := newSettings(opts)
	return &Registry{
		cfg:    cfg,
		opts:   opts,
		logger: s.logger.With("component", "graph_registry"),
		graphs: make(map[string]*entry),
	}
}

// Init opens storage and the configured graphs.
//
// # Description
//
// With Storage.InMemory set, a RAM-only BadgerDB backs every graph. With a
// Storage.Path, graphs persist under that directory. With neither, graphs
// are not persisted. Event processors run until Shutdown; ctx only bounds
// Init itself.
//
// # Outputs
//
//   - error: Non-nil if storage or any configured graph fails to open.
//     Everything opened so far is closed again.
func (r *Registry) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateNew {
		return fmt.Errorf("init: registry already initialized")
	}

	st := r.cfg.Storage
	switch {
	case st.InMemory:
		db, err := badgerstore.OpenDB(badgerstore.Config{InMemory: true})
		if err != nil {
			return fmt.Errorf("open vertex database: %w", err)
		}
		r.db = db
	case st.Path != "":
		db, err := badgerstore.OpenDB(badgerstore.Config{
			Path:           st.Path,
			SyncWrites:     st.SyncWrites,
			GCInterval:     st.GCInterval,
			GCDiscardRatio: st.GCDiscardRatio,
			Logger:         r.logger,
		})
		if err != nil {
			return fmt.Errorf("open vertex database: %w", err)
		}
		r.db = db
	default:
		r.logger.Warn("Vertex persistence disabled")
	}

	r.runCtx, r.stopRun = context.WithCancel(context.Background())
	r.state = stateRunning

	for _, name := range r.cfg.Graphs {
		if err := ctx.Err(); err != nil {
			r.shutdownLocked()
			return err
		}
		if _, err := r.openLocked(name); err != nil {
			r.shutdownLocked()
			return err
		}
	}
	r.logger.Info("Graph registry started", "graphs", len(r.graphs), "persistent", r.db != nil && !st.InMemory)
	return nil
}

// Open returns a Handle on graph name for s, opening the graph first if
// needed.
func (r *Registry) Open(ctx context.Context, s *access.Session, name string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	g, err := r.Get(name)
	if errors.Is(err, ErrGraphNotFound) {
		v, ferr, _ := r.flight.Do(name, func() (interface{}, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.state != stateRunning {
				return nil, ErrRegistryNotRunning
			}
			return r.openLocked(name)
		})
		if ferr != nil {
			return nil, ferr
		}
		g, err = v.(*Graph), nil
	}
	if err != nil {
		return nil, err
	}
	return g.Open(s)
}

// Get returns an open graph.
func (r *Registry) Get(name string) (*Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state != stateRunning {
		return nil, ErrRegistryNotRunning
	}
	e, ok := r.graphs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGraphNotFound, name)
	}
	return e.graph, nil
}

// Names returns the open graph names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.graphs))
	for name := range r.graphs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown stops every event processor and closes storage. Calling it
// more than once is safe.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateRunning {
		r.state = stateStopped
		return nil
	}
	err := r.shutdownLocked()
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = errors.Join(err, ctxErr)
	}
	r.logger.Info("Graph registry stopped")
	return err
}

func (r *Registry) shutdownLocked() error {
	var errs []error
	if r.stopRun != nil {
		r.stopRun()
	}
	for name, e := range r.graphs {
		if err := e.eng.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close graph %s: %w", name, err))
		}
		if e.store != nil {
			if err := e.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store %s: %w", name, err))
			}
		}
	}
	r.graphs = make(map[string]*entry)
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close vertex database: %w", err))
		}
		r.db = nil
	}
	r.state = stateStopped
	return errors.Join(errs...)
}

func (r *Registry) openLocked(name string) (*Graph, error) {
	if e, ok := r.graphs[name]; ok {
		return e.graph, nil
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	e := &entry{}
	mcfg := memory.Config{
		Name:                    name,
		TTLInterval:             r.cfg.Events.TTLInterval,
		MaxExpirationsPerSecond: r.cfg.Events.MaxExpirationsPerSecond,
		Logger:                  r.logger,
	}
	if r.db != nil {
		store, err := badgerstore.NewVertexStore(r.db, name)
		if err != nil {
			return nil, fmt.Errorf("open store for graph %s: %w", name, err)
		}
		e.store = store
		mcfg.Store = store
	}
	eng, err := memory.New(mcfg)
	if err != nil {
		return nil, fmt.Errorf("open graph %s: %w", name, err)
	}
	eng.Start(r.runCtx)

	e.eng = eng
	e.graph = New(eng, r.cfg.Access, r.opts...)
	r.graphs[name] = e
	r.logger.Info("Graph opened", "graph", name, "vertices", eng.VertexCount())
	return e.graph, nil
}

func validateName(name string) error {
	if name == "" || len(name) > 128 || strings.Contains(name, "::") {
		return engine.NewAccessError("open_graph", name, engine.ReasonInvalid,
			fmt.Sprintf("invalid graph name %q", name))
	}
	return nil
}
