package meter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabstir/llm-node/internal/apperrors"
)

type fakeSubmitter struct {
	mu    sync.Mutex
	calls []uint64
	err   error
}

func (f *fakeSubmitter) SubmitProof(ctx context.Context, jobID, tokensClaimed uint64, proof []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, tokensClaimed)
	return f.err
}

func (f *fakeSubmitter) HostAddressHex() string { return "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" }

func (f *fakeSubmitter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestNoCheckpointBelowThreshold(t *testing.T) {
	sub := &fakeSubmitter{}
	reg := New(sub, Config{Threshold: 100}, nil)
	c := reg.Acquire(163)
	defer reg.Release(163)

	reg.RecordTokens(context.Background(), c, 10, sub.HostAddressHex())
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, uint64(10), c.TokensTotal())
	assert.Equal(t, 0, sub.callCount())
}

func TestCheckpointTriggeredExactlyOnce(t *testing.T) {
	// Scenario S2: cumulative reaches 100, exactly one submit_proof call.
	sub := &fakeSubmitter{}
	reg := New(sub, Config{Threshold: 100}, nil)
	c := reg.Acquire(163)
	defer reg.Release(163)

	reg.RecordTokens(context.Background(), c, 100, sub.HostAddressHex())

	require.Eventually(t, func() bool { return sub.callCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []uint64{100}, sub.calls)
}

func TestInvariantNeverSubmitBelowThreshold(t *testing.T) {
	sub := &fakeSubmitter{}
	reg := New(sub, Config{Threshold: 100}, nil)
	c := reg.Acquire(1)
	defer reg.Release(1)

	reg.RecordTokens(context.Background(), c, 99, sub.HostAddressHex())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, sub.callCount())
}

func TestAtMostOneInFlightPerJob(t *testing.T) {
	sub := &fakeSubmitter{}
	reg := New(sub, Config{Threshold: 10}, nil)
	c := reg.Acquire(1)
	defer reg.Release(1)

	// Two rapid crossings; the second RecordTokens call must not start a
	// second submission while one is already in flight.
	reg.RecordTokens(context.Background(), c, 10, sub.HostAddressHex())
	reg.RecordTokens(context.Background(), c, 10, sub.HostAddressHex())

	require.Eventually(t, func() bool { return sub.callCount() >= 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, sub.callCount(), 1)
}

func TestTerminalFailureDisarmsJob(t *testing.T) {
	sub := &fakeSubmitter{err: apperrors.New(apperrors.ChainTerminal, "test", "OverClaim")}
	reg := New(sub, Config{Threshold: 10, MaxRetries: 0}, nil)
	c := reg.Acquire(1)
	defer reg.Release(1)

	reg.RecordTokens(context.Background(), c, 10, sub.HostAddressHex())
	require.Eventually(t, func() bool { return sub.callCount() == 1 }, time.Second, time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	c.mu.Lock()
	disarmed := c.disarmed
	c.mu.Unlock()
	assert.True(t, disarmed)

	// Future tokens must not trigger further submissions once disarmed.
	reg.RecordTokens(context.Background(), c, 10, sub.HostAddressHex())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, sub.callCount())
}

func TestRefCountingDestroysCounterOnLastRelease(t *testing.T) {
	reg := New(nil, Config{}, nil)
	reg.Acquire(7)
	reg.Acquire(7)

	reg.Release(7)
	reg.mu.Lock()
	_, stillThere := reg.byJob[7]
	reg.mu.Unlock()
	assert.True(t, stillThere)

	reg.Release(7)
	reg.mu.Lock()
	_, stillThere = reg.byJob[7]
	reg.mu.Unlock()
	assert.False(t, stillThere)
}

type blockingSubmitter struct {
	release chan struct{}
}

func (b *blockingSubmitter) SubmitProof(ctx context.Context, jobID, tokensClaimed uint64, proof []byte) error {
	<-b.release
	return nil
}

func (b *blockingSubmitter) HostAddressHex() string { return "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" }

// TestReleaseDuringInFlightCheckpointReapsAfterSubmit covers the ordering
// spec.md §3/§9 calls out: a counter released while its checkpoint is
// still in flight must outlive the Release, but must not leak once the
// checkpoint finishes with no references left.
func TestReleaseDuringInFlightCheckpointReapsAfterSubmit(t *testing.T) {
	sub := &blockingSubmitter{release: make(chan struct{})}
	reg := New(sub, Config{Threshold: 10}, nil)
	c := reg.Acquire(42)

	reg.RecordTokens(context.Background(), c, 10, sub.HostAddressHex())
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.inFlightCheckpoint
	}, time.Second, time.Millisecond)

	reg.Release(42)
	reg.mu.Lock()
	_, stillThere := reg.byJob[42]
	reg.mu.Unlock()
	assert.True(t, stillThere, "counter must survive Release while a checkpoint is in flight")

	close(sub.release)
	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		_, ok := reg.byJob[42]
		return !ok
	}, time.Second, time.Millisecond, "counter must be reaped once the in-flight checkpoint completes")
}
