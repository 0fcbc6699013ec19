package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/photo-sorter/internal/config"
	"github.com/kozaktomas/photo-sorter/internal/model"
	"github.com/kozaktomas/photo-sorter/internal/storepg"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect the C2 job queue",
}

var jobListCmd = &cobra.Command{
	Use:   "list <tenant-id>",
	Short: "List jobs for a tenant by status",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobList,
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobListCmd)

	jobListCmd.Flags().String("status", string(model.JobQueued), "Job status to filter by (queued, started, done, failed, duplicate)")
	jobListCmd.Flags().Bool("json", false, "Output as JSON")
}

func runJobList(cmd *cobra.Command, args []string) error {
	tenantID := args[0]
	status := model.JobStatus(mustGetString(cmd, "status"))
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

	repo := storepg.NewJobRepository(pool)
	jobs, err := repo.ListByStatus(context.Background(), tenantID, status)
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}

	fmt.Printf("tenant %s, status %s: %d jobs\n\n", tenantID, status, len(jobs))
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB ID\tSUBJECT ID\tMODEL\tRETRIES\tWORKER\tCREATED AT")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", j.JobID, j.SubjectID, j.Model, j.RetryCount, j.WorkerID, j.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return tw.Flush()
}
