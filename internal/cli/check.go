package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/blockwatch/internal/control"
	"github.com/vietddude/blockwatch/internal/core/config"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config and handshake with every network",
	Run:   runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	failed := 0
	for _, n := range cfg.Networks {
		window, _ := config.CatchUpWindow(n)
		nc, err := control.BuildNetworkClient(ctx, cfg, n)
		if err != nil {
			slog.Error("Network check failed", "network", n.Slug, "error", err)
			failed++
			continue
		}
		latest, err := nc.Client.LatestHeight(ctx)
		_ = nc.Close()
		if err != nil {
			slog.Error("Failed to read latest block", "network", n.Slug, "error", err)
			failed++
			continue
		}
		fmt.Printf("%s\t%s\tlatest=%d\tmax_past_blocks=%d\n", n.Slug, n.Type, latest, window)
	}

	if failed > 0 {
		os.Exit(1)
	}
}
