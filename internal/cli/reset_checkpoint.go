package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/blockwatch/internal/control"
	"github.com/vietddude/blockwatch/internal/core/checkpoint"
)

var (
	resetNetwork string
	resetBlock   uint64
)

var resetCheckpointCmd = &cobra.Command{
	Use:   "reset-checkpoint",
	Short: "Move the checkpoint of a network to a given block",
	Long:  `Moves the checkpoint, forward or backward. Run it while the service is stopped.`,
	Run:   runResetCheckpoint,
}

func init() {
	resetCheckpointCmd.Flags().StringVar(&resetNetwork, "network", "", "network slug")
	resetCheckpointCmd.Flags().Uint64Var(&resetBlock, "block", 0, "block number to record as processed")
	_ = resetCheckpointCmd.MarkFlagRequired("network")
	_ = resetCheckpointCmd.MarkFlagRequired("block")
	rootCmd.AddCommand(resetCheckpointCmd)
}

func runResetCheckpoint(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	if _, ok := cfg.Network(resetNetwork); !ok {
		slog.Error("Unknown network", "network", resetNetwork)
		os.Exit(1)
	}

	store, err := control.OpenStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("Failed to open storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = store.Close()
	}()

	if err := checkpoint.NewManager(store).Reset(ctx, resetNetwork, resetBlock); err != nil {
		slog.Error("Failed to reset checkpoint", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Successfully reset checkpoint for %s to block %d\n", resetNetwork, resetBlock)
}
