package main

import (
	"github.com/fabstir/llm-node/internal/inference"
	"github.com/fabstir/llm-node/internal/modelregistry"
)

// defaultModelMemoryBytes is used when a preload entry's params omit an
// explicit memory_bytes override.
const defaultModelMemoryBytes = 1 << 30 // 1 GiB

// echoLoader is the only Backend variant wired into this build: a
// deterministic echo generator standing in for a real GGUF/GPU backend.
// Swapping in a real backend means implementing inference.Backend and
// Loader against it; the registry and router are agnostic to which.
type echoLoader struct {
	word string
}

func (l echoLoader) Load(cfg modelregistry.Config) (any, uint64, error) {
	memBytes := uint64(defaultModelMemoryBytes)
	switch v := cfg.Params["memory_bytes"].(type) {
	case float64:
		if v > 0 {
			memBytes = uint64(v)
		}
	case int:
		if v > 0 {
			memBytes = uint64(v)
		}
	}
	return &inference.FakeBackend{Word: l.word}, memBytes, nil
}

func (l echoLoader) Unload(backend any) error {
	return nil
}
