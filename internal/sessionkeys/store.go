// Package sessionkeys implements the session-id to symmetric-key store
// (C2): a thread-safe in-memory map with per-entry TTL and on-disconnect
// purge, guarded multi-reader/single-writer per the concurrency model.
package sessionkeys

import (
	"sync"
	"time"

	"github.com/fabstir/llm-node/internal/logger"
)

const (
	defaultTTL             = 24 * time.Hour
	defaultSweepInterval   = time.Minute
)

type entry struct {
	key       [32]byte
	expiresAt time.Time
}

// Store maps SessionId (as a string-rendered UUID) to a symmetric key
// with an expiry. Zero value is not usable; use New.
type Store struct {
	mu   sync.RWMutex
	data map[string]*entry

	ttl           time.Duration
	sweepInterval time.Duration
	log           logger.Logger

	stop chan struct{}
	done chan struct{}
}

// New creates a Store with the given default TTL (0 uses defaultTTL) and
// starts its background sweeper goroutine.
func New(ttl time.Duration, log logger.Logger) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	s := &Store{
		data:          make(map[string]*entry),
		ttl:           ttl,
		sweepInterval: defaultSweepInterval,
		log:           log,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Put stores key for sessionID with the store's default TTL, overwriting
// any existing entry (the prior key is zeroed first).
func (s *Store) Put(sessionID string, key [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.data[sessionID]; ok {
		zero(old.key[:])
	}
	s.data[sessionID] = &entry{key: key, expiresAt: time.Now().Add(s.ttl)}
}

// Get returns the key for sessionID and whether it was found and not
// expired.
func (s *Store) Get(sessionID string) ([32]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[sessionID]
	if !ok || time.Now().After(e.expiresAt) {
		return [32]byte{}, false
	}
	return e.key, true
}

// Remove deletes sessionID's entry, zeroing its key. Safe to call on a
// missing session.
func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.data[sessionID]; ok {
		zero(e.key[:])
		delete(s.data, sessionID)
	}
}

// Count returns the number of live entries (metrics only; never exposes
// key material).
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// SweepExpired removes every entry whose expiry has passed, returning how
// many were purged. Exported so tests and operators can trigger an
// out-of-band sweep.
func (s *Store) SweepExpired() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, e := range s.data {
		if now.After(e.expiresAt) {
			zero(e.key[:])
			delete(s.data, id)
			purged++
		}
	}
	return purged
}

func (s *Store) sweepLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.SweepExpired(); n > 0 && s.log != nil {
				s.log.Debug("session key sweep purged expired entries", logger.Int("count", n))
			}
		case <-s.stop:
			return
		}
	}
}

// Close stops the sweeper goroutine and zeroes all remaining keys.
func (s *Store) Close() {
	close(s.stop)
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.data {
		zero(e.key[:])
		delete(s.data, id)
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
