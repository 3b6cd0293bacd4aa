package health

import (
	"context"
	"fmt"

	"github.com/fabstir/llm-node/internal/chain"
	"github.com/fabstir/llm-node/internal/modelregistry"
)

// ModelRegistryCheck fails when the registry is missing and once usage
// reaches 95% of its memory budget (close to eviction pressure on every
// load). The Checker records any failing check as unhealthy; this check
// has no separate degraded outcome.
func ModelRegistryCheck(reg *modelregistry.Registry) Check {
	return func(ctx context.Context) error {
		if reg == nil {
			return fmt.Errorf("model registry not configured")
		}
		budget := reg.Budget()
		if budget > 0 && reg.MemoryUsage()*100 >= budget*95 {
			return fmt.Errorf("model registry at %d/%d bytes of budget", reg.MemoryUsage(), budget)
		}
		return nil
	}
}

// ChainCheck pings the chain client by reading an always-present job id
// (0, expected to simply come back empty) to confirm the RPC endpoint is
// reachable, without requiring write access or gas.
func ChainCheck(client *chain.Client) Check {
	return func(ctx context.Context) error {
		if client == nil {
			return nil // chain is optional; nodes may run unmetered
		}
		_, err := client.GetJob(ctx, 0)
		if err != nil {
			return fmt.Errorf("chain rpc unreachable: %w", err)
		}
		return nil
	}
}
