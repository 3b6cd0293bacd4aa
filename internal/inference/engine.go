// Package inference implements the inference engine (C4): given a loaded
// model handle, produces a token stream from a prompt, with cancellation
// and backpressure native to the stream rather than layered on top.
package inference

import (
	"context"

	"github.com/fabstir/llm-node/internal/apperrors"
	"github.com/fabstir/llm-node/internal/modelregistry"
)

// FinishReason is present only on a stream's final Token.
type FinishReason string

const (
	FinishComplete      FinishReason = "complete"
	FinishMaxTokens      FinishReason = "max_tokens"
	FinishStopSequence   FinishReason = "stop_sequence"
	FinishCancelled      FinishReason = "cancelled"
	FinishError          FinishReason = "error"
)

// Token is one element of a generation stream.
type Token struct {
	Text             string
	CumulativeTokens uint64
	FinishReason     FinishReason // zero value unless this is the final token
}

// Params are per-request generation parameters.
type Params struct {
	MaxTokens     int
	Temperature   float32
	StopSequences []string
}

// Backend is the generation half of a model backend; cancellation is
// through Generate's ctx. Loading, unloading, and memory footprint are
// the modelregistry.Loader half. Variants are enumerated at build time;
// there is no runtime plugin loading.
type Backend interface {
	// Generate streams tokens for prompt under params. It must stop
	// promptly (within one token's latency) when ctx is cancelled.
	Generate(ctx context.Context, handle *modelregistry.Handle, prompt string, params Params) (<-chan Token, error)
}

// Engine drives a Backend against leased model handles.
type Engine struct {
	backend Backend
}

// New creates an Engine over backend.
func New(backend Backend) *Engine {
	return &Engine{backend: backend}
}

// Stream produces a lazy, finite, non-restartable token channel for one
// generation request. The caller owns lease and must call lease.Release
// once the returned channel is drained or ctx is cancelled.
func (e *Engine) Stream(ctx context.Context, lease *modelregistry.Lease, prompt string, params Params) (<-chan Token, error) {
	if params.MaxTokens <= 0 {
		return nil, apperrors.New(apperrors.Validation, "inference.Stream", "maxTokens must be positive")
	}
	ch, err := e.backend.Generate(ctx, lease.Handle(), prompt, params)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.InferenceFailed, "inference.Stream", err)
	}
	return ch, nil
}

// Collect drains a stream into its full text and total token count, for
// the non-streaming request path. It still reports every generated
// token to onToken so meter notification parity (spec.md §4.7) holds for
// non-streaming calls too.
func Collect(ctx context.Context, stream <-chan Token, onToken func(Token)) (text string, tokensUsed uint64, reason FinishReason, err error) {
	for {
		if err := ctx.Err(); err != nil {
			return text, tokensUsed, FinishCancelled, err
		}
		select {
		case <-ctx.Done():
			return text, tokensUsed, FinishCancelled, ctx.Err()
		case tok, ok := <-stream:
			if !ok {
				return text, tokensUsed, reason, nil
			}
			text += tok.Text
			tokensUsed = tok.CumulativeTokens
			if onToken != nil {
				onToken(tok)
			}
			if tok.FinishReason != "" {
				reason = tok.FinishReason
			}
		}
	}
}
