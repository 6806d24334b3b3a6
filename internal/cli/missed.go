package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/blockwatch/internal/control"
)

var (
	missedNetwork string
	missedLimit   int
)

var missedCmd = &cobra.Command{
	Use:   "missed",
	Short: "List the most recent missed-block records of a network",
	Run:   runMissed,
}

func init() {
	missedCmd.Flags().StringVar(&missedNetwork, "network", "", "network slug")
	missedCmd.Flags().IntVar(&missedLimit, "limit", 50, "maximum number of records")
	_ = missedCmd.MarkFlagRequired("network")
	rootCmd.AddCommand(missedCmd)
}

func runMissed(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx := context.Background()

	if _, ok := cfg.Network(missedNetwork); !ok {
		slog.Error("Unknown network", "network", missedNetwork)
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

	records, err := store.ListMissed(ctx, missedNetwork, missedLimit)
	if err != nil {
		slog.Error("Failed to list missed blocks", "network", missedNetwork, "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "BLOCK\tREASON\tAT\tERROR")
	for _, r := range records {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.BlockNumber, r.Reason, r.CreatedAt.Format(time.RFC3339), r.Error)
	}
	_ = w.Flush()
}
