package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fabstir/llm-node/internal/config"
)

var configPath string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration file operations",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate a node config file",
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configValidateCmd)
	configValidateCmd.Flags().StringVar(&configPath, "config", "", "path to the node config file (required)")
	configValidateCmd.MarkFlagRequired("config")
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	fmt.Printf("config OK: memory_budget_bytes=%d preload_models=%d rag_enabled=%t listen_addr=%s\n",
		cfg.MemoryBudgetBytes, len(cfg.PreloadModels), cfg.RAGEnabled, cfg.ListenAddr)
	return nil
}
