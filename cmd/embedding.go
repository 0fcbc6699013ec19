package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/photo-sorter/internal/config"
	"github.com/kozaktomas/photo-sorter/internal/embedstore"
	"github.com/kozaktomas/photo-sorter/internal/storepg"
)

var embeddingCmd = &cobra.Command{
	Use:   "embedding",
	Short: "Inspect the C1 embedding catalog",
}

var embeddingStatsCmd = &cobra.Command{
	Use:   "stats <tenant-id>",
	Short: "Show the active catalog size and per-subject detail for a tenant",
	Args:  cobra.ExactArgs(1),
	RunE:  runEmbeddingStats,
}

func init() {
	rootCmd.AddCommand(embeddingCmd)
	embeddingCmd.AddCommand(embeddingStatsCmd)

	embeddingStatsCmd.Flags().Bool("json", false, "Output as JSON")
}

func runEmbeddingStats(cmd *cobra.Command, args []string) error {
	tenantID := args[0]
	jsonOutput := mustGetBool(cmd, "json")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pool, err := storepg.Initialize(&cfg.Database)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer pool.Close()

	repo := storepg.NewEmbeddingRepository(pool)
	store := embedstore.New(repo, cfg.Database.HNSWEmbeddingIndexPath)

	entries, err := store.ListActive(context.Background(), tenantID)
	if err != nil {
		return fmt.Errorf("listing active subjects: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"tenant_id":    tenantID,
			"catalog_size": len(entries),
			"subjects":     entries,
		})
	}

	fmt.Printf("tenant %s: %d active subjects\n\n", tenantID, len(entries))
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SUBJECT ID\tKIND\tDISPLAY NAME\tLAST UPDATED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.SubjectID, e.Kind, e.DisplayName, e.LastUpdated.Format("2006-01-02T15:04:05Z07:00"))
	}
	return tw.Flush()
}
