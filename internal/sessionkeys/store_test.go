package sessionkeys

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRemove(t *testing.T) {
	s := New(time.Hour, nil)
	defer s.Close()

	var key [32]byte
	key[0] = 0xAB
	s.Put("sess-1", key)

	got, ok := s.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, key, got)

	s.Remove("sess-1")
	_, ok = s.Get("sess-1")
	assert.False(t, ok)
}

func TestGetMissing(t *testing.T) {
	s := New(time.Hour, nil)
	defer s.Close()

	_, ok := s.Get("nope")
	assert.False(t, ok)
}

func TestSweepExpired(t *testing.T) {
	s := New(time.Millisecond, nil)
	defer s.Close()

	s.Put("sess-1", [32]byte{1})
	time.Sleep(5 * time.Millisecond)

	purged := s.SweepExpired()
	assert.Equal(t, 1, purged)
	assert.Equal(t, 0, s.Count())
}

func TestCloseZeroesAndStopsSweeper(t *testing.T) {
	s := New(time.Hour, nil)
	s.Put("sess-1", [32]byte{9, 9, 9})
	s.Close()
	assert.Equal(t, 0, s.Count())
}

func TestInvariantNoEntryAfterClosedSession(t *testing.T) {
	// Mirrors invariant 4: after a session's entries are purged, neither
	// C2 nor C6 contains it. This test covers C2's half.
	s := New(time.Hour, nil)
	defer s.Close()

	s.Put("sess-42", [32]byte{1, 2, 3})
	s.Remove("sess-42")

	_, ok := s.Get("sess-42")
	assert.False(t, ok)
}
