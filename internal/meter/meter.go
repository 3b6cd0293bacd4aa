// Package meter implements the token meter and checkpoint submitter
// (C7): per-job token counting, threshold-triggered proof submission,
// retry with backoff, and terminal-vs-transient failure handling.
package meter

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/fabstir/llm-node/internal/apperrors"
	"github.com/fabstir/llm-node/internal/logger"
	"github.com/fabstir/llm-node/internal/metrics"
)

// Submitter is the chain operation the meter drives at threshold. It is
// satisfied by *chain.Client; kept as an interface here so the meter can
// be tested without an RPC endpoint.
type Submitter interface {
	SubmitProof(ctx context.Context, jobID, tokensClaimed uint64, proof []byte) error
	HostAddressHex() string
}

// Counter is one job's token bookkeeping, per spec.md §3's TokenCounter.
// Shared by every session bound to the same job_id via the Registry's
// reference counting; guarded by its own mutex.
type Counter struct {
	mu sync.Mutex

	jobID                     uint64
	tokensSinceLastCheckpoint uint64
	tokensTotal               uint64
	inFlightCheckpoint        bool
	lastSubmittedAt           time.Time
	disarmed                  bool // set after a terminal chain failure

	refCount int
}

// JobID returns the counter's job id.
func (c *Counter) JobID() uint64 {
	return c.jobID
}

// TokensTotal returns the monotonically growing lifetime token count.
func (c *Counter) TokensTotal() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokensTotal
}

// Registry owns all live Counters, one per job_id, reference-counted
// across the sessions sharing that job. Constructed once at startup.
type Registry struct {
	mu         sync.Mutex
	byJob      map[uint64]*Counter
	submitter  Submitter
	threshold  uint64
	maxRetries int
	backoff    []time.Duration
	log        logger.Logger
}

// Config configures a Registry.
type Config struct {
	Threshold  uint64 // CHECKPOINT_THRESHOLD, default 100
	MaxRetries int
	Backoff    []time.Duration // e.g. 1s, 4s, 16s
}

// New creates a Registry. submitter may be nil for non-metered-only
// deployments (sessions without a job_id never touch it).
func New(submitter Submitter, cfg Config, log logger.Logger) *Registry {
	if cfg.Threshold == 0 {
		cfg.Threshold = 100
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = []time.Duration{time.Second, 4 * time.Second, 16 * time.Second}
	}
	return &Registry{
		byJob:      make(map[uint64]*Counter),
		submitter:  submitter,
		threshold:  cfg.Threshold,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		log:        log,
	}
}

// Acquire returns the shared Counter for jobID, creating it if needed,
// and increments its reference count. Callers must call Release exactly
// once when their session ends.
func (r *Registry) Acquire(jobID uint64) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byJob[jobID]
	if !ok {
		c = &Counter{jobID: jobID}
		r.byJob[jobID] = c
	}
	c.mu.Lock()
	c.refCount++
	c.mu.Unlock()
	return c
}

// Release decrements jobID's reference count, destroying the Counter
// once it reaches zero and no checkpoint is in flight (TokenCounters may
// outlive their sessions by up to one successful submission).
func (r *Registry) Release(jobID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byJob[jobID]
	if !ok {
		return
	}
	c.mu.Lock()
	c.refCount--
	dead := c.refCount <= 0 && !c.inFlightCheckpoint
	c.mu.Unlock()
	if dead {
		delete(r.byJob, jobID)
	}
}

// RecordTokens adds n newly produced tokens to jobID's counter and
// triggers a checkpoint submission if the threshold is crossed. Safe to
// call from the streaming and non-streaming paths alike (spec.md §4.7's
// non-streaming parity requirement).
func (r *Registry) RecordTokens(ctx context.Context, c *Counter, n uint64, hostAddress string) {
	if n == 0 {
		return
	}

	c.mu.Lock()
	c.tokensTotal += n
	c.tokensSinceLastCheckpoint += n
	shouldSubmit := !c.disarmed && !c.inFlightCheckpoint && c.tokensSinceLastCheckpoint >= r.threshold
	var tokensToClaim uint64
	if shouldSubmit {
		tokensToClaim = c.tokensSinceLastCheckpoint
		c.inFlightCheckpoint = true
	}
	pending := c.tokensSinceLastCheckpoint
	c.mu.Unlock()

	metrics.TokensPendingCheckpoint.Set(float64(pending))

	if shouldSubmit {
		go r.submit(ctx, c, tokensToClaim, hostAddress)
	}
}

type proofPayload struct {
	JobID       uint64 `json:"jobId"`
	TokensUsed  uint64 `json:"tokensUsed"`
	Timestamp   int64  `json:"timestamp"`
	HostAddress string `json:"hostAddress"`
}

func (r *Registry) submit(ctx context.Context, c *Counter, tokensToClaim uint64, hostAddress string) {
	if r.submitter == nil {
		c.mu.Lock()
		c.inFlightCheckpoint = false
		c.mu.Unlock()
		r.reapIfDead(c)
		return
	}

	proof, err := json.Marshal(proofPayload{
		JobID:       c.jobID,
		TokensUsed:  tokensToClaim,
		Timestamp:   time.Now().UnixMilli(),
		HostAddress: hostAddress,
	})
	if err != nil {
		if r.log != nil {
			r.log.Error("failed to encode proof payload", logger.Uint64("jobId", c.jobID), logger.Error(err))
		}
		c.mu.Lock()
		c.inFlightCheckpoint = false
		c.mu.Unlock()
		r.reapIfDead(c)
		return
	}

	submitStart := time.Now()
	var submitErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		submitErr = r.submitter.SubmitProof(ctx, c.jobID, tokensToClaim, proof)
		if submitErr == nil {
			break
		}
		if apperrors.KindOf(submitErr) == apperrors.ChainTerminal {
			break
		}
		if attempt < r.maxRetries {
			delay := r.backoff[attempt%len(r.backoff)]
			select {
			case <-ctx.Done():
				submitErr = ctx.Err()
				goto done
			case <-time.After(delay):
			}
		}
	}
done:
	metrics.CheckpointDuration.Observe(time.Since(submitStart).Seconds())

	c.mu.Lock()
	c.inFlightCheckpoint = false
	if submitErr == nil {
		c.tokensSinceLastCheckpoint -= tokensToClaim
		c.lastSubmittedAt = time.Now()
	} else if apperrors.KindOf(submitErr) == apperrors.ChainTerminal {
		c.disarmed = true
	}
	pending := c.tokensSinceLastCheckpoint
	c.mu.Unlock()

	switch {
	case submitErr == nil:
		metrics.CheckpointsSubmitted.WithLabelValues("success").Inc()
		metrics.TokensPendingCheckpoint.Set(float64(pending))
	case apperrors.KindOf(submitErr) == apperrors.ChainTerminal:
		metrics.CheckpointsSubmitted.WithLabelValues("terminal_failure").Inc()
		metrics.JobsDisarmed.Inc()
		if r.log != nil {
			r.log.Warn("checkpoint submission terminal failure, disarming job",
				logger.Uint64("jobId", c.jobID), logger.Error(submitErr))
		}
	default:
		metrics.CheckpointsSubmitted.WithLabelValues("retries_exhausted").Inc()
		if r.log != nil {
			r.log.Error("checkpoint submission failed after retries",
				logger.Uint64("jobId", c.jobID), logger.Error(submitErr))
		}
	}

	r.reapIfDead(c)
}

// reapIfDead deletes jobID's counter from the registry once it has no
// remaining references and no checkpoint in flight. Release already
// performs this check inline, but a session may Release while this
// counter's checkpoint is still in flight; submit must re-check on the
// way out so that case doesn't leak the counter forever.
func (r *Registry) reapIfDead(c *Counter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.mu.Lock()
	dead := c.refCount <= 0 && !c.inFlightCheckpoint
	c.mu.Unlock()
	if dead {
		delete(r.byJob, c.jobID)
	}
}
