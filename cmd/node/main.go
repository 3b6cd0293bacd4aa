package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "llm-node",
	Short: "Decentralized P2P LLM inference node",
	Long: `llm-node serves encrypted inference sessions over WebSocket, schedules
requests across loaded models under a memory budget, meters tokens per
on-chain job and submits checkpoints, and answers session-scoped RAG
vector search.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
