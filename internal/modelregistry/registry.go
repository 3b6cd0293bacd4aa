// Package modelregistry implements the model registry (C3): named
// models, their load state, memory footprint, LRU order, and load/unload
// under a global memory budget.
package modelregistry

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fabstir/llm-node/internal/apperrors"
	"github.com/fabstir/llm-node/internal/logger"
	"github.com/fabstir/llm-node/internal/metrics"
)

// Config describes how to load a named model. The loader backend is
// supplied by the caller (see Loader).
type Config struct {
	Name   string
	Params map[string]any
}

// Handle mirrors spec.md's ModelHandle: a loaded model's bookkeeping
// state. ActiveInferences is read with the registry's lock held; callers
// must go through Acquire/Lease rather than mutating it directly.
type Handle struct {
	Name             string
	Config           Config
	MemoryBytes      uint64
	LoadedAt         time.Time
	LastUsedAt       time.Time
	ActiveInferences uint32
	Backend          any
}

// Loader loads a named model's backend handle and reports its memory
// footprint. Implementations are supplied by the inference engine.
type Loader interface {
	Load(cfg Config) (backend any, memoryBytes uint64, err error)
	Unload(backend any) error
}

type node struct {
	handle *Handle
	elem   *list.Element
}

// Registry holds the process-wide set of loaded models. Constructed once
// at startup per the "three process-wide stores" design note.
type Registry struct {
	mu     sync.Mutex
	loader Loader
	budget uint64
	used   uint64

	byName map[string]*node
	lru    *list.List // front = most recently used

	loadGroup singleflight.Group
	log       logger.Logger
}

// New creates a Registry bounded by memoryBudgetBytes.
func New(loader Loader, memoryBudgetBytes uint64, log logger.Logger) *Registry {
	return &Registry{
		loader: loader,
		budget: memoryBudgetBytes,
		byName: make(map[string]*node),
		lru:    list.New(),
		log:    log,
	}
}

// Lease is a short-lived hold on a loaded model preventing eviction while
// in use. Callers must call Release exactly once.
type Lease struct {
	reg    *Registry
	name   string
	handle *Handle
}

// Handle returns the leased model's handle. Valid until Release.
func (l *Lease) Handle() *Handle { return l.handle }

// Release decrements the handle's active-inference count, making it
// evictable again once it reaches zero.
func (l *Lease) Release() {
	l.reg.mu.Lock()
	defer l.reg.mu.Unlock()
	if n, ok := l.reg.byName[l.name]; ok {
		if n.handle.ActiveInferences > 0 {
			n.handle.ActiveInferences--
		}
	}
}

// Load loads name if not already loaded, evicting idle LRU entries as
// needed to fit memoryBudget. If name is already loaded, its existing
// handle is returned; cfg is not compared with the loaded config. Load of a
// given name is serialized: concurrent Load calls for the same name
// share one underlying load.
func (r *Registry) Load(cfg Config) (*Handle, error) {
	v, err, _ := r.loadGroup.Do(cfg.Name, func() (any, error) {
		return r.load(cfg)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (r *Registry) load(cfg Config) (*Handle, error) {
	r.mu.Lock()
	if n, ok := r.byName[cfg.Name]; ok {
		r.touch(n)
		h := n.handle
		r.mu.Unlock()
		return h, nil
	}
	r.mu.Unlock()

	loadStart := time.Now()
	backend, memBytes, err := r.loader.Load(cfg)
	metrics.ModelLoadDuration.WithLabelValues(cfg.Name).Observe(time.Since(loadStart).Seconds())
	if err != nil {
		metrics.ModelLoadFailures.WithLabelValues(cfg.Name, "loader_error").Inc()
		return nil, apperrors.Wrap(apperrors.Internal, "modelregistry.Load", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.makeRoom(memBytes); err != nil {
		_ = r.loader.Unload(backend)
		metrics.ModelLoadFailures.WithLabelValues(cfg.Name, "insufficient_resources").Inc()
		return nil, err
	}

	now := time.Now()
	h := &Handle{
		Name:        cfg.Name,
		Config:      cfg,
		MemoryBytes: memBytes,
		LoadedAt:    now,
		LastUsedAt:  now,
		Backend:     backend,
	}
	n := &node{handle: h}
	n.elem = r.lru.PushFront(n)
	r.byName[cfg.Name] = n
	r.used += memBytes
	metrics.ModelsLoaded.Set(float64(len(r.byName)))
	metrics.ModelMemoryBytes.Set(float64(r.used))
	return h, nil
}

// makeRoom evicts idle LRU entries until memBytes fits the budget.
// Caller must hold r.mu.
func (r *Registry) makeRoom(memBytes uint64) error {
	if r.used+memBytes <= r.budget {
		return nil
	}
	for e := r.lru.Back(); e != nil; {
		prev := e.Prev()
		n := e.Value.(*node)
		if n.handle.ActiveInferences == 0 {
			r.evictLocked(n)
			if r.used+memBytes <= r.budget {
				return nil
			}
		}
		e = prev
	}
	if r.used+memBytes <= r.budget {
		return nil
	}
	return apperrors.New(apperrors.InsufficientResources, "modelregistry.Load",
		"memory budget cannot fit model after evicting all idle handles")
}

func (r *Registry) evictLocked(n *node) {
	r.lru.Remove(n.elem)
	delete(r.byName, n.handle.Name)
	r.used -= n.handle.MemoryBytes
	metrics.ModelEvictions.WithLabelValues(n.handle.Name).Inc()
	metrics.ModelsLoaded.Set(float64(len(r.byName)))
	metrics.ModelMemoryBytes.Set(float64(r.used))
	if err := r.loader.Unload(n.handle.Backend); err != nil && r.log != nil {
		r.log.Warn("model unload failed during eviction",
			logger.String("model", n.handle.Name), logger.Error(err))
	}
}

// Unload removes name, failing if it has active inferences.
func (r *Registry) Unload(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byName[name]
	if !ok {
		return apperrors.New(apperrors.ModelNotFound, "modelregistry.Unload", name)
	}
	if n.handle.ActiveInferences > 0 {
		return apperrors.New(apperrors.Internal, "modelregistry.Unload", "model has active inferences")
	}
	r.evictLocked(n)
	return nil
}

// Acquire increments name's active-inference count and returns a Lease,
// loading the model first via Load if it is not already resident.
func (r *Registry) Acquire(cfg Config) (*Lease, error) {
	h, err := r.Load(cfg)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	if n, ok := r.byName[cfg.Name]; ok {
		n.handle.ActiveInferences++
		n.handle.LastUsedAt = time.Now()
		r.touch(n)
	}
	r.mu.Unlock()
	return &Lease{reg: r, name: cfg.Name, handle: h}, nil
}

// touch moves n to the front of the LRU list. Caller must hold r.mu.
func (r *Registry) touch(n *node) {
	r.lru.MoveToFront(n.elem)
}

// ModelInfo is the read-only view returned by List.
type ModelInfo struct {
	Name             string
	MemoryBytes      uint64
	LoadedAt         time.Time
	LastUsedAt       time.Time
	ActiveInferences uint32
}

// List returns a snapshot of every loaded model.
func (r *Registry) List() []ModelInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ModelInfo, 0, len(r.byName))
	for _, n := range r.byName {
		out = append(out, ModelInfo{
			Name:             n.handle.Name,
			MemoryBytes:      n.handle.MemoryBytes,
			LoadedAt:         n.handle.LoadedAt,
			LastUsedAt:       n.handle.LastUsedAt,
			ActiveInferences: n.handle.ActiveInferences,
		})
	}
	return out
}

// MemoryUsage returns total bytes currently in use across loaded models.
func (r *Registry) MemoryUsage() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used
}

// Budget returns the registry's configured memory budget in bytes.
func (r *Registry) Budget() uint64 {
	return r.budget
}

// Preload loads every named config, logging (but not failing on) any
// individual load error unless required is set for that name.
func (r *Registry) Preload(configs []Config, required map[string]bool) error {
	for _, cfg := range configs {
		if _, err := r.Load(cfg); err != nil {
			if required[cfg.Name] {
				return apperrors.Wrap(apperrors.Internal, "modelregistry.Preload", err)
			}
			if r.log != nil {
				r.log.Warn("preload failed, continuing", logger.String("model", cfg.Name), logger.Error(err))
			}
		}
	}
	return nil
}
