package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/blockwatch/internal/control"
	"github.com/vietddude/blockwatch/internal/infra/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the checkpoint and missed-block count of every network",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	store, err := control.OpenStore(ctx, cfg.Storage)
	if err != nil {
		slog.Error("Failed to open storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = store.Close()
	}()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "NETWORK\tCHECKPOINT\tMISSED\tUPDATED")

	for _, n := range cfg.Networks {
		block, updated := "-", "-"
		cp, err := store.GetCheckpoint(ctx, n.Slug)
		switch {
		case errors.Is(err, storage.ErrCheckpointNotFound):
		case err != nil:
			slog.Error("Failed to read checkpoint", "network", n.Slug, "error", err)
			continue
		default:
			block = fmt.Sprint(cp.BlockNumber)
			updated = cp.UpdatedAt.Format(time.RFC3339)
		}

		missed, err := store.CountMissed(ctx, n.Slug)
		if err != nil {
			slog.Error("Failed to count missed blocks", "network", n.Slug, "error", err)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", n.Slug, block, missed, updated)
	}
	_ = w.Flush()
}
