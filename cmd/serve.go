package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/photo-sorter/internal/config"
	"github.com/kozaktomas/photo-sorter/internal/detect"
	"github.com/kozaktomas/photo-sorter/internal/embedstore"
	"github.com/kozaktomas/photo-sorter/internal/logging"
	"github.com/kozaktomas/photo-sorter/internal/model"
	"github.com/kozaktomas/photo-sorter/internal/presence"
	"github.com/kozaktomas/photo-sorter/internal/recognize"
	"github.com/kozaktomas/photo-sorter/internal/storepg"
	"github.com/kozaktomas/photo-sorter/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the recognition/presence daemon and query HTTP server",
	Long: `serve runs C4 (one recognition pipeline per camera), C5 (the presence
engine) and the read-only §6.3 query HTTP surface in a single process.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
	serveCmd.Flags().String("detector-url", "", "Base URL of the face detector/embedder server")
}

// camerasFromConfig builds the startup camera topology, skipping cameras
// belonging to a tenant whose faceRecognitionEnabled toggle is off
// (app/models/models.py, supplemented from original_source).
func camerasFromConfig(cfg config.CamerasConfig) []model.Camera {
	disabled := make(map[string]bool)
	for _, t := range cfg.Tenants {
		if !t.FaceRecognitionEnabled {
			disabled[t.TenantID] = true
		}
	}

	cameras := make([]model.Camera, 0, len(cfg.Cameras))
	for _, e := range cfg.Cameras {
		if disabled[e.TenantID] {
			continue
		}
		cameras = append(cameras, model.Camera{
			CameraID:    e.CameraID,
			TenantID:    e.TenantID,
			CampusID:    e.CampusID,
			Role:        model.CameraRole(e.Role),
			DisplayName: e.DisplayName,
			SourceURI:   e.SourceURI,
		})
	}
	return cameras
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logging.New("serve")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if port := mustGetInt(cmd, "port"); port != 0 {
		cfg.Web.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		cfg.Web.Host = host
	}
	detectorURL := mustGetString(cmd, "detector-url")
	if detectorURL == "" {
		detectorURL = os.Getenv("DETECTOR_URL")
	}
	if detectorURL == "" {
		return fmt.Errorf("a detector URL is required: set --detector-url or DETECTOR_URL")
	}

	pool, err := storepg.Initialize(&cfg.Database)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	embeddingRepo := storepg.NewEmbeddingRepository(pool)
	store := embedstore.New(embeddingRepo, cfg.Database.HNSWEmbeddingIndexPath)

	presenceRepo := storepg.NewPresenceRepository(pool)
	cameras := camerasFromConfig(cfg.Cameras)

	kindLookup := func(tenantID, subjectID string) (model.SubjectKind, bool) {
		entries, err := store.ListActive(ctx, tenantID)
		if err != nil {
			return "", false
		}
		for _, e := range entries {
			if e.SubjectID == subjectID {
				return e.Kind, true
			}
		}
		return "", false
	}

	presenceCfg := presence.Config{
		ConfirmDelay:            cfg.Presence.ConfirmDelay,
		StaleExpiry:             cfg.Presence.StaleExpiry,
		UnknownClusterThreshold: cfg.Presence.UnknownClusterThreshold,
		BatchFlushItems:         cfg.Presence.BatchFlushItems,
		BatchFlushInterval:      cfg.Presence.BatchFlushInterval,
		AnalyticsInterval:       cfg.Presence.AnalyticsInterval,
		StalePendingSweep:       cfg.Presence.StalePendingSweep,
		ClusterRingSize:         8,
		AnomalyRepeatThreshold:  cfg.Presence.AnomalyRepeatThreshold,
	}
	engine := presence.NewEngine(presenceCfg, presenceRepo, cameras, kindLookup)

	detector, err := detect.NewHTTPDetector("recognize", detectorURL, 10*time.Second)
	if err != nil {
		return fmt.Errorf("constructing detector: %w", err)
	}

	recognizeCfg := recognize.Config{
		RecognitionThreshold:     cfg.Recognize.RecognitionThreshold,
		UnknownThreshold:         cfg.Recognize.UnknownThreshold,
		CaptureQueueDepth:        cfg.Recognize.CaptureQueueDepth,
		EmitQueueDepth:           cfg.Recognize.EmitQueueDepth,
		MaxConsecutiveReadErrors: cfg.Recognize.MaxConsecutiveReadErrors,
	}

	units := make([]*recognize.CameraUnit, 0, len(cameras))
	for _, cam := range cameras {
		source := recognize.NewHTTPFrameSource(cam.SourceURI, 5*time.Second)
		units = append(units, recognize.NewCameraUnit(cam, recognizeCfg, source, detector, store, engine))
	}

	var wg sync.WaitGroup
	wg.Add(len(units) + 2)

	go func() {
		defer wg.Done()
		engine.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		store.RunSyncLoop(ctx, cfg.Recognize.SyncInterval)
	}()
	for _, unit := range units {
		unit := unit
		go func() {
			defer wg.Done()
			unit.Run(ctx)
		}()
	}

	server := web.NewServer(cfg.Web.Host, cfg.Web.Port, engine, store)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("shutting down")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("error during server shutdown")
		}
		if err := store.SaveIndexes(); err != nil {
			log.Error().Err(err).Msg("error saving HNSW indexes")
		}
		wg.Wait()
	}()

	log.Info().Str("addr", fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)).Int("cameras", len(units)).Msg("starting serve daemon")
	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
