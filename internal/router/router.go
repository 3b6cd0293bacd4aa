// Package router implements the request router (C5): maps
// (model_name, session) to a queue slot on the correct model instance,
// enforcing per-model concurrency, fallback, and session affinity.
package router

import (
	"context"
	"sync"

	"github.com/fabstir/llm-node/internal/apperrors"
	"github.com/fabstir/llm-node/internal/inference"
	"github.com/fabstir/llm-node/internal/metrics"
	"github.com/fabstir/llm-node/internal/modelregistry"
)

// Sink receives each generated token and the session's token-counted
// hook notification, per §4.8 step 3.
type Sink interface {
	Token(tok inference.Token) error
	Counted(n uint64)
}

// Request is one inference request to route.
type Request struct {
	ModelName string
	SessionID string
	Prompt    string
	Params    inference.Params
}

// Config configures a Router.
type Config struct {
	AutoLoad   bool
	QueueDepth int // per-model bounded queue depth
	Fallbacks  map[string][]string
}

type modelQueue struct {
	slots chan struct{} // bounded admission; capacity = QueueDepth
}

// Router drives C3/C4 per the steps in spec.md §4.5.
type Router struct {
	reg    *modelregistry.Registry
	engine *inference.Engine
	cfg    Config

	mu        sync.Mutex
	queues    map[string]*modelQueue
	affinity  map[string]string // sessionID -> last model used
}

// New creates a Router over reg and engine.
func New(reg *modelregistry.Registry, engine *inference.Engine, cfg Config) *Router {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 16
	}
	return &Router{
		reg:      reg,
		engine:   engine,
		cfg:      cfg,
		queues:   make(map[string]*modelQueue),
		affinity: make(map[string]string),
	}
}

func (r *Router) queueFor(model string) *modelQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[model]
	if !ok {
		q = &modelQueue{slots: make(chan struct{}, r.cfg.QueueDepth)}
		r.queues[model] = q
	}
	return q
}

// resolveModel applies session affinity: once a session first routes to
// model M, subsequent turns prefer M unless the caller specifies
// otherwise (an explicit non-empty requested name always wins).
func (r *Router) resolveModel(sessionID, requested string) string {
	if requested != "" {
		r.mu.Lock()
		r.affinity[sessionID] = requested
		r.mu.Unlock()
		return requested
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.affinity[sessionID]
}

// ForgetSession drops a session's affinity entry on disconnect.
func (r *Router) ForgetSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.affinity, sessionID)
}

// Route executes req against sink, trying req.ModelName then any
// configured fallbacks in order.
func (r *Router) Route(ctx context.Context, req Request, sink Sink) error {
	model := r.resolveModel(req.SessionID, req.ModelName)
	if model == "" {
		return apperrors.New(apperrors.ModelNotFound, "router.Route", "no model specified and no session affinity")
	}

	candidates := append([]string{model}, r.cfg.Fallbacks[model]...)
	var lastErr error
	for i, name := range candidates {
		err := r.routeTo(ctx, name, req, sink)
		if err == nil {
			outcome := "ok"
			if i > 0 {
				outcome = "fallback"
			}
			metrics.RoutedRequests.WithLabelValues(name, outcome).Inc()
			return nil
		}
		lastErr = err
		if apperrors.KindOf(err) != apperrors.ModelNotFound && apperrors.KindOf(err) != apperrors.InsufficientResources {
			metrics.RoutedRequests.WithLabelValues(name, string(apperrors.KindOf(err))).Inc()
			return err
		}
	}
	metrics.RoutedRequests.WithLabelValues(model, string(apperrors.KindOf(lastErr))).Inc()
	return lastErr
}

func (r *Router) routeTo(ctx context.Context, model string, req Request, sink Sink) error {
	if !r.modelKnownOrAutoLoad(model) {
		return apperrors.New(apperrors.ModelNotFound, "router.Route", model)
	}

	lease, err := r.reg.Acquire(modelregistry.Config{Name: model})
	if err != nil {
		return err
	}
	defer lease.Release()

	q := r.queueFor(model)
	select {
	case q.slots <- struct{}{}:
		defer func() { <-q.slots }()
	default:
		return apperrors.New(apperrors.Busy, "router.Route", "per-model queue full")
	}

	stream, err := r.engine.Stream(ctx, lease, req.Prompt, req.Params)
	if err != nil {
		return err
	}

	var total uint64
	for {
		select {
		case <-ctx.Done():
			return apperrors.Wrap(apperrors.Timeout, "router.Route", ctx.Err())
		case tok, ok := <-stream:
			if !ok {
				return nil
			}
			if err := sink.Token(tok); err != nil {
				return apperrors.Wrap(apperrors.InferenceFailed, "router.Route", err)
			}
			delta := tok.CumulativeTokens - total
			total = tok.CumulativeTokens
			sink.Counted(delta)
			metrics.TokensGenerated.WithLabelValues(model).Add(float64(delta))
			if tok.FinishReason != "" {
				return nil
			}
		}
	}
}

func (r *Router) modelKnownOrAutoLoad(model string) bool {
	if !r.cfg.AutoLoad {
		for _, info := range r.reg.List() {
			if info.Name == model {
				return true
			}
		}
		return false
	}
	return true
}
