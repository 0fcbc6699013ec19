// Package config loads runtime configuration for the three daemons (worker,
// recognizer, presence/web server) from the environment, plus the static
// camera topology embedded at build time.
package config

import (
	_ "embed"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed cameras.yaml
var camerasYAML []byte

// Config aggregates every sub-config read by the CLI's subcommands. Each
// daemon reads only the sub-config it needs.
type Config struct {
	Database  DatabaseConfig
	Worker    WorkerConfig
	Recognize RecognizeConfig
	Presence  PresenceConfig
	Web       WebConfig
	Cameras   CamerasConfig
}

// DatabaseConfig points at the PostgreSQL+pgvector store shared by C1/C2.
type DatabaseConfig struct {
	URL                   string
	MaxOpenConns          int
	MaxIdleConns          int
	EmbeddingDim          int
	HNSWFaceIndexPath     string
	HNSWEmbeddingIndexPath string
}

// WorkerConfig is the enumerated §4.3 training worker configuration.
type WorkerConfig struct {
	ModelName            string
	AllowedModels         []string
	SimilarityThreshold   float64
	DuplicateThreshold    float64
	BatchSize             int
	MaxWorkers            int
	PollingInterval       time.Duration
	HeartbeatInterval     time.Duration
	MaxRetries            int
	MemoryThresholdPct    float64
	CPUThresholdPct       float64
	StuckTimeout          time.Duration
	DuplicateDwell        time.Duration
}

// RecognizeConfig is §4.4/§6.5's recognition pipeline configuration.
type RecognizeConfig struct {
	RecognitionThreshold     float64
	UnknownThreshold         float64
	CaptureQueueDepth        int
	EmitQueueDepth           int
	MaxConsecutiveReadErrors int
	SyncInterval             time.Duration
}

// PresenceConfig is §4.5/§6.5's presence engine configuration.
type PresenceConfig struct {
	ConfirmDelay            time.Duration
	StaleExpiry             time.Duration
	UnknownClusterThreshold float64
	BatchFlushItems         int
	BatchFlushInterval      time.Duration
	AnalyticsInterval       time.Duration
	StalePendingSweep       time.Duration
	AnomalyRepeatThreshold  int
}

// WebConfig configures the HTTP query surface.
type WebConfig struct {
	Host string
	Port int
}

// CamerasConfig is the static, startup-loaded camera topology (model.Camera
// records) plus the per-tenant face-recognition toggle (app/models/models.py's
// faceRecognitionEnabled, supplemented from original_source).
type CamerasConfig struct {
	Cameras []CameraEntry `yaml:"cameras"`
	Tenants []TenantEntry `yaml:"tenants"`
}

// CameraEntry mirrors model.Camera in YAML-friendly form.
type CameraEntry struct {
	CameraID    string `yaml:"camera_id"`
	TenantID    string `yaml:"tenant_id"`
	CampusID    string `yaml:"campus_id"`
	Role        string `yaml:"role"`
	DisplayName string `yaml:"display_name"`
	SourceURI   string `yaml:"source_uri"`
}

// TenantEntry carries the per-tenant face recognition toggle. A tenant
// absent from this list defaults to enabled.
type TenantEntry struct {
	TenantID               string `yaml:"tenant_id"`
	FaceRecognitionEnabled bool   `yaml:"face_recognition_enabled"`
}

func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return defaultVal
}

// Load reads Config from the environment and the embedded camera topology.
// Operators may override the embedded topology with an external file via
// CAMERAS_CONFIG_PATH.
func Load() (*Config, error) {
	var cameras CamerasConfig
	raw := camerasYAML
	if path := os.Getenv("CAMERAS_CONFIG_PATH"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if err := yaml.Unmarshal(raw, &cameras); err != nil {
		// The embedded default must always parse; an external override
		// failing to parse is a configuration error worth surfacing.
		if os.Getenv("CAMERAS_CONFIG_PATH") == "" {
			panic("failed to unmarshal embedded cameras.yaml: " + err.Error())
		}
		return nil, err
	}

	return &Config{
		Database: DatabaseConfig{
			URL:                    os.Getenv("DATABASE_URL"),
			MaxOpenConns:           envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:           envInt("DATABASE_MAX_IDLE_CONNS", 5),
			EmbeddingDim:           envInt("EMBEDDING_DIM", 512),
			HNSWFaceIndexPath:      os.Getenv("HNSW_FACE_INDEX_PATH"),
			HNSWEmbeddingIndexPath: os.Getenv("HNSW_EMBEDDING_INDEX_PATH"),
		},
		Worker: WorkerConfig{
			ModelName:           envOr("WORKER_MODEL_NAME", "buffalo_l"),
			AllowedModels:       []string{"buffalo_l", "mobile_facenet_v1"},
			SimilarityThreshold: envFloat("WORKER_SIMILARITY_THRESHOLD", 0.40),
			DuplicateThreshold:  envFloat("WORKER_DUPLICATE_THRESHOLD", 0.40),
			BatchSize:           envInt("WORKER_BATCH_SIZE", 5),
			MaxWorkers:          envInt("WORKER_MAX_WORKERS", 3),
			PollingInterval:     envDuration("WORKER_POLLING_INTERVAL", 2*time.Second),
			HeartbeatInterval:   envDuration("WORKER_HEARTBEAT_INTERVAL", 10*time.Second),
			MaxRetries:          envInt("WORKER_MAX_RETRIES", 3),
			MemoryThresholdPct:  envFloat("WORKER_MEMORY_THRESHOLD_PCT", 85.0),
			CPUThresholdPct:     envFloat("WORKER_CPU_THRESHOLD_PCT", 90.0),
			StuckTimeout:        envDuration("WORKER_STUCK_TIMEOUT", 30*time.Minute),
			DuplicateDwell:      envDuration("WORKER_DUPLICATE_DWELL", 24*time.Hour),
		},
		Recognize: RecognizeConfig{
			RecognitionThreshold:     envFloat("RECOGNITION_THRESHOLD", 0.45),
			UnknownThreshold:         envFloat("UNKNOWN_THRESHOLD", 0.35),
			CaptureQueueDepth:        envInt("CAPTURE_QUEUE_DEPTH", 2),
			EmitQueueDepth:           envInt("EMIT_QUEUE_DEPTH", 10),
			MaxConsecutiveReadErrors: envInt("MAX_CONSECUTIVE_READ_ERRORS", 10),
			SyncInterval:             envDuration("EMBEDDING_SYNC_INTERVAL", 60*time.Second),
		},
		Presence: PresenceConfig{
			ConfirmDelay:            envDuration("PRESENCE_CONFIRM_DELAY", 2*time.Second),
			StaleExpiry:             envDuration("PRESENCE_STALE_EXPIRY", 5*time.Second),
			UnknownClusterThreshold: envFloat("UNKNOWN_CLUSTER_THRESHOLD", 0.65),
			BatchFlushItems:         envInt("PRESENCE_BATCH_FLUSH_ITEMS", 50),
			BatchFlushInterval:      envDuration("PRESENCE_BATCH_FLUSH_INTERVAL", 5*time.Second),
			AnalyticsInterval:       envDuration("PRESENCE_ANALYTICS_INTERVAL", 60*time.Second),
			StalePendingSweep:       envDuration("PRESENCE_STALE_SWEEP_INTERVAL", 10*time.Second),
			AnomalyRepeatThreshold:  envInt("PRESENCE_ANOMALY_REPEAT_THRESHOLD", 3),
		},
		Web: WebConfig{
			Host: envOr("WEB_HOST", "0.0.0.0"),
			Port: envInt("WEB_PORT", 8080),
		},
		Cameras: cameras,
	}, nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
