// Package admission implements rate limiting and admission control (C9):
// a token bucket per source identifier (IP plus an optional API key),
// returning RateLimited with a retry-after hint on exceed.
package admission

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/fabstir/llm-node/internal/apperrors"
	"github.com/fabstir/llm-node/internal/metrics"
)

// Config configures the Limiter.
type Config struct {
	RequestsPerMinute int // default 60
	Burst             int // default = RequestsPerMinute
}

// Limiter holds one token bucket per admission key, created lazily.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// New creates a Limiter from cfg.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RequestsPerMinute
	}
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		rps:     rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst:   cfg.Burst,
	}
}

// Key derives the admission key for an incoming connection: the client
// IP alone, or IP+JWT-subject when a bearer API key is presented and
// verified against secret. An invalid token is ignored (falls back to
// IP-only); it does not itself deny admission — that is up to the
// caller's own authentication policy.
func Key(remoteIP, bearerToken string, secret []byte) string {
	if bearerToken == "" || len(secret) == 0 {
		return remoteIP
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(bearerToken, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return remoteIP
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return remoteIP
	}
	return remoteIP + "|" + sub
}

// Allow admits one request under key, returning RateLimited with a
// retry-after duration on exceed.
func (l *Limiter) Allow(key string) (retryAfter time.Duration, err error) {
	b := l.bucketFor(key)
	res := b.Reserve()
	if !res.OK() {
		metrics.RequestsRateLimited.Inc()
		return 0, apperrors.New(apperrors.RateLimited, "admission.Allow", "request rejected by limiter")
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		metrics.RequestsRateLimited.Inc()
		return delay, apperrors.New(apperrors.RateLimited, "admission.Allow", "rate limit exceeded")
	}
	return 0, nil
}

// Wait blocks until key is admitted or ctx is cancelled, for callers that
// prefer backpressure over rejection.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	b := l.bucketFor(key)
	if err := b.Wait(ctx); err != nil {
		return apperrors.Wrap(apperrors.Timeout, "admission.Wait", err)
	}
	return nil
}

func (l *Limiter) bucketFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[key] = b
		metrics.AdmissionKeysTracked.Set(float64(len(l.buckets)))
	}
	return b
}

// Forget drops key's bucket, freeing memory for sources that will not
// reconnect. Safe to call on an unknown key.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
	metrics.AdmissionKeysTracked.Set(float64(len(l.buckets)))
}
