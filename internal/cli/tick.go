package cli

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/blockwatch/internal/control"
)

var tickNetwork string

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one ingestion tick for a network and exit",
	Long:  `Runs a single tick against the configured storage, honouring the tick lease when enabled.`,
	Run:   runTick,
}

func init() {
	tickCmd.Flags().StringVar(&tickNetwork, "network", "", "network slug")
	_ = tickCmd.MarkFlagRequired("network")
	rootCmd.AddCommand(tickCmd)
}

func runTick(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	svc, err := control.NewSingle(ctx, cfg, tickNetwork, control.Options{})
	if err != nil {
		slog.Error("Failed to initialize service", "network", tickNetwork, "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = svc.Stop(ctx)
	}()

	ran, err := svc.RunOnce(ctx, tickNetwork)
	if err != nil {
		slog.Error("Tick failed", "network", tickNetwork, "error", err)
		os.Exit(1)
	}
	if !ran {
		slog.Warn("Tick skipped, another tick holds the network", "network", tickNetwork)
		return
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(svc.Health(ctx).Networks[tickNetwork])
}
