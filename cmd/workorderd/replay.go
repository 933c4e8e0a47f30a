package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/workorder/internal/config"
	"github.com/pitabwire/workorder/internal/workorder"
)

var replayCmd = &cobra.Command{
	Use:   "replay <instance-id>...",
	Short: "Re-walk the flow log of instances and report where they end up",
	Long: `Replay reads each instance's flow log from the configured store,
re-applies it from the initial step and compares the result with the stored
current step. A mismatch exits non-zero.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	registry, _, err := loadRegistry(cfg)
	if err != nil {
		return err
	}
	store, closeStore, err := buildInstanceStore(ctx, cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer closeStore()

	engine := workorder.NewEngine(registry, store, nil, nil, nil, nil)
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	inconsistent := 0
	for _, id := range args {
		result, err := engine.Replay(ctx, id)
		if err != nil {
			return fmt.Errorf("replay %s: %w", id, err)
		}
		if !result.Consistent {
			inconsistent++
		}
		if err := enc.Encode(result); err != nil {
			return err
		}
	}
	if inconsistent > 0 {
		return fmt.Errorf("%d instance(s) disagree with their flow log", inconsistent)
	}
	return nil
}
