package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabstir/llm-node/internal/apperrors"
	"github.com/fabstir/llm-node/internal/inference"
	"github.com/fabstir/llm-node/internal/modelregistry"
)

type nopLoader struct{}

func (nopLoader) Load(cfg modelregistry.Config) (any, uint64, error) { return cfg.Name, 1, nil }
func (nopLoader) Unload(any) error                                  { return nil }

type collectSink struct {
	tokens []inference.Token
	counts []uint64
}

func (s *collectSink) Token(tok inference.Token) error { s.tokens = append(s.tokens, tok); return nil }
func (s *collectSink) Counted(n uint64)                { s.counts = append(s.counts, n) }

func newTestRouter(t *testing.T, cfg Config) *Router {
	t.Helper()
	reg := modelregistry.New(nopLoader{}, 1<<30, nil)
	engine := inference.New(&inference.FakeBackend{})
	return New(reg, engine, cfg)
}

func TestRouteAutoLoadAndCount(t *testing.T) {
	r := newTestRouter(t, Config{AutoLoad: true, QueueDepth: 2})
	sink := &collectSink{}

	err := r.Route(context.Background(), Request{
		ModelName: "tiny-vicuna-1b",
		SessionID: "sess-1",
		Prompt:    "Count to 3",
		Params:    inference.Params{MaxTokens: 10},
	}, sink)
	require.NoError(t, err)
	assert.Len(t, sink.tokens, 10)

	var total uint64
	for _, c := range sink.counts {
		total += c
	}
	assert.Equal(t, uint64(10), total)
}

func TestRouteFailsModelNotFoundWithoutAutoLoad(t *testing.T) {
	r := newTestRouter(t, Config{AutoLoad: false})
	sink := &collectSink{}

	err := r.Route(context.Background(), Request{
		ModelName: "unknown",
		SessionID: "sess-1",
		Prompt:    "hi",
		Params:    inference.Params{MaxTokens: 1},
	}, sink)
	require.Error(t, err)
	assert.Equal(t, apperrors.ModelNotFound, apperrors.KindOf(err))
}

func TestSessionAffinity(t *testing.T) {
	r := newTestRouter(t, Config{AutoLoad: true})
	sink := &collectSink{}

	err := r.Route(context.Background(), Request{
		ModelName: "m1", SessionID: "sess-1", Prompt: "hi", Params: inference.Params{MaxTokens: 1},
	}, sink)
	require.NoError(t, err)

	// No model name specified: affinity must pick m1.
	err = r.Route(context.Background(), Request{
		SessionID: "sess-1", Prompt: "again", Params: inference.Params{MaxTokens: 1},
	}, sink)
	require.NoError(t, err)
}

func TestQueueFullReturnsBusy(t *testing.T) {
	r := newTestRouter(t, Config{AutoLoad: true, QueueDepth: 1})

	// Fill the one slot manually to simulate a full queue.
	q := r.queueFor("m")
	q.slots <- struct{}{}
	defer func() { <-q.slots }()

	sink := &collectSink{}
	err := r.Route(context.Background(), Request{
		ModelName: "m", SessionID: "s", Prompt: "hi", Params: inference.Params{MaxTokens: 1},
	}, sink)
	require.Error(t, err)
	assert.Equal(t, apperrors.Busy, apperrors.KindOf(err))
}
