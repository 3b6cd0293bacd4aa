// Package health implements named, timeout-bounded, cached health
// checks (A5) plus the HTTP handlers that expose them.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fabstir/llm-node/internal/logger"
)

// Status is a health check's outcome.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one check's most recent outcome.
type CheckResult struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
}

// Check is a single named health check function.
type Check func(ctx context.Context) error

type cachedResult struct {
	result    *CheckResult
	expiresAt time.Time
}

// Checker manages a set of named health checks with a shared timeout
// and per-result cache TTL, so a busy readiness endpoint doesn't
// re-run expensive checks (e.g. an RPC round trip) on every poll.
type Checker struct {
	mu       sync.RWMutex
	checks   map[string]Check
	cache    map[string]*cachedResult
	timeout  time.Duration
	cacheTTL time.Duration
	log      logger.Logger
}

// New creates a Checker. timeout bounds each individual check (default
// 5s); cacheTTL bounds how long a result is reused (default 10s).
func New(timeout, cacheTTL time.Duration, log logger.Logger) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Second
	}
	return &Checker{
		checks:   make(map[string]Check),
		cache:    make(map[string]*cachedResult),
		timeout:  timeout,
		cacheTTL: cacheTTL,
		log:      log,
	}
}

// Register adds a named check, replacing any existing check of the
// same name.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
	if c.log != nil {
		c.log.Info("health check registered", logger.String("name", name))
	}
}

// Check runs (or returns a cached result for) one named check.
func (c *Checker) Check(ctx context.Context, name string) (*CheckResult, error) {
	c.mu.RLock()
	check, ok := c.checks[name]
	cached := c.cachedLocked(name)
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("health check not registered: %s", name)
	}
	if cached != nil {
		return cached, nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := check(checkCtx)
	duration := time.Since(start)

	result := &CheckResult{Name: name, Timestamp: time.Now(), Duration: duration}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
		if c.log != nil {
			c.log.Warn("health check failed", logger.String("name", name), logger.Error(err), logger.Duration("duration", duration))
		}
	} else {
		result.Status = StatusHealthy
	}

	c.mu.Lock()
	c.cache[name] = &cachedResult{result: result, expiresAt: time.Now().Add(c.cacheTTL)}
	c.mu.Unlock()

	return result, nil
}

func (c *Checker) cachedLocked(name string) *CheckResult {
	cached, ok := c.cache[name]
	if !ok || time.Now().After(cached.expiresAt) {
		return nil
	}
	return cached.result
}

// CheckAll runs every registered check concurrently.
func (c *Checker) CheckAll(ctx context.Context) map[string]*CheckResult {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	c.mu.RUnlock()

	results := make(map[string]*CheckResult, len(names))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			result, err := c.Check(ctx, name)
			if err != nil {
				result = &CheckResult{Name: name, Status: StatusUnhealthy, Message: err.Error(), Timestamp: time.Now()}
			}
			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return results
}

// OverallStatus reduces every check's result to a single Status: any
// unhealthy check makes the whole node unhealthy.
func (c *Checker) OverallStatus(ctx context.Context) Status {
	results := c.CheckAll(ctx)
	if len(results) == 0 {
		return StatusHealthy
	}
	for _, r := range results {
		if r.Status == StatusUnhealthy {
			return StatusUnhealthy
		}
	}
	for _, r := range results {
		if r.Status == StatusDegraded {
			return StatusDegraded
		}
	}
	return StatusHealthy
}
