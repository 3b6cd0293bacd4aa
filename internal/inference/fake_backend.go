package inference

import (
	"context"
	"strings"

	"github.com/fabstir/llm-node/internal/modelregistry"
)

// FakeBackend is a deterministic test backend: it ignores the prompt and
// emits a fixed word per generated token, for exercising C4/C5/C7 wiring
// without a real model.
type FakeBackend struct {
	Word string // token text to emit; defaults to "tok"
}

// Generate implements Backend.
func (f *FakeBackend) Generate(ctx context.Context, handle *modelregistry.Handle, prompt string, params Params) (<-chan Token, error) {
	word := f.Word
	if word == "" {
		word = "tok"
	}

	out := make(chan Token, 1)
	go func() {
		defer close(out)
		stop := map[string]bool{}
		for _, s := range params.StopSequences {
			stop[s] = true
		}

		var produced uint64
		for i := 0; i < params.MaxTokens; i++ {
			select {
			case <-ctx.Done():
				out <- Token{CumulativeTokens: produced, FinishReason: FinishCancelled}
				return
			default:
			}

			produced++
			reason := FinishReason("")
			text := word
			if stop[word] {
				reason = FinishStopSequence
			} else if produced == uint64(params.MaxTokens) {
				reason = FinishMaxTokens
			}

			tok := Token{Text: text, CumulativeTokens: produced, FinishReason: reason}
			select {
			case out <- tok:
			case <-ctx.Done():
				return
			}
			if reason != "" {
				return
			}
		}
	}()
	return out, nil
}

// CountWhitespaceTokens is a helper for tests that want a rough prompt
// token estimate without a real tokenizer.
func CountWhitespaceTokens(prompt string) int {
	return len(strings.Fields(prompt))
}
