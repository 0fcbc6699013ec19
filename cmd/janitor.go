package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/photo-sorter/internal/config"
	"github.com/kozaktomas/photo-sorter/internal/janitor"
	"github.com/kozaktomas/photo-sorter/internal/storepg"
)

var janitorCmd = &cobra.Command{
	Use:   "janitor",
	Short: "Sweep subjects past their duplicate-removal dwell (§4.3)",
	Long: `janitor hard-deletes subjects that have sat in
pending_duplicate_removal status past the configured dwell. It is invoked
externally - by an operator or a cron schedule - not by the training
worker itself.`,
	RunE: runJanitor,
}

func init() {
	rootCmd.AddCommand(janitorCmd)

	janitorCmd.Flags().String("model", "", "Model name to sweep (defaults to WORKER_MODEL_NAME)")
	janitorCmd.Flags().Bool("progress", true, "Show a progress bar while deleting")
}

func runJanitor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	modelName := mustGetString(cmd, "model")
	if modelName == "" {
		modelName = cfg.Worker.ModelName
	}
	showProgress := mustGetBool(cmd, "progress")

	pool, err := storepg.Initialize(&cfg.Database)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer pool.Close()

	ctx := context.Background()

	repo := storepg.NewJanitorRepository(pool)
	deleted, err := janitor.Sweep(ctx, repo, modelName, cfg.Worker.DuplicateDwell, showProgress)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	fmt.Printf("deleted %d subjects past duplicate-removal dwell\n", deleted)
	return nil
}
