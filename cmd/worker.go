package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/photo-sorter/internal/config"
	"github.com/kozaktomas/photo-sorter/internal/detect"
	"github.com/kozaktomas/photo-sorter/internal/embedstore"
	"github.com/kozaktomas/photo-sorter/internal/logging"
	"github.com/kozaktomas/photo-sorter/internal/storepg"
	"github.com/kozaktomas/photo-sorter/internal/trainer"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the C3 training worker daemon",
	Long: `worker leases queued enrollment jobs from the C2 job queue, computes
one embedding per subject+model from its enrollment images, and publishes it
to the C1 catalog (§4.3). A second loop recovers jobs stuck past their
heartbeat window.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().String("detector-url", "", "Base URL of the face detector/embedder server")
	workerCmd.Flags().Duration("recover-interval", time.Minute, "How often to sweep for stuck jobs")
}

func runWorker(cmd *cobra.Command, args []string) error {
	log := logging.New("worker")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	detectorURL := mustGetString(cmd, "detector-url")
	if detectorURL == "" {
		detectorURL = os.Getenv("DETECTOR_URL")
	}
	if detectorURL == "" {
		return fmt.Errorf("a detector URL is required: set --detector-url or DETECTOR_URL")
	}
	recoverInterval, err := cmd.Flags().GetDuration("recover-interval")
	if err != nil {
		panic(fmt.Sprintf("flag error for --recover-interval: %v", err))
	}

	pool, err := storepg.Initialize(&cfg.Database)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobRepo := storepg.NewJobRepository(pool)
	imageRepo := storepg.NewImageRepository(pool)
	subjectRepo := storepg.NewSubjectRepository(pool)
	embeddingRepo := storepg.NewEmbeddingRepository(pool)
	store := embedstore.New(embeddingRepo, cfg.Database.HNSWEmbeddingIndexPath)

	detector, err := detect.NewHTTPDetector(cfg.Worker.ModelName, detectorURL, 30*time.Second)
	if err != nil {
		return fmt.Errorf("constructing detector: %w", err)
	}

	workerCfg := trainer.Config{
		ModelName:           cfg.Worker.ModelName,
		SimilarityThreshold: cfg.Worker.SimilarityThreshold,
		DuplicateThreshold:  cfg.Worker.DuplicateThreshold,
		MaxWorkers:          cfg.Worker.MaxWorkers,
		PollingInterval:     cfg.Worker.PollingInterval,
		HeartbeatInterval:   cfg.Worker.HeartbeatInterval,
		MaxRetries:          cfg.Worker.MaxRetries,
		MemoryThresholdPct:  cfg.Worker.MemoryThresholdPct,
		CPUThresholdPct:     cfg.Worker.CPUThresholdPct,
		StuckTimeout:        cfg.Worker.StuckTimeout,
	}
	w := trainer.New(workerCfg, jobRepo, imageRepo, detector, store, subjectRepo)

	workerID := "worker-" + uuid.NewString()[:8]

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("shutting down")
		cancel()
	}()

	go func() {
		ticker := time.NewTicker(recoverInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := jobRepo.Recover(ctx, cfg.Worker.StuckTimeout, cfg.Worker.MaxRetries)
				if err != nil {
					log.Error().Err(err).Msg("stuck-job recovery sweep failed")
					continue
				}
				if n > 0 {
					log.Info().Int("recovered", n).Msg("recovered stuck jobs")
				}
			}
		}
	}()

	log.Info().Str("worker_id", workerID).Str("model", cfg.Worker.ModelName).Msg("starting training worker")
	w.Run(ctx, workerID)
	return nil
}
