package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "buffalo_l", cfg.Worker.ModelName)
	assert.Equal(t, 0.40, cfg.Worker.SimilarityThreshold)
	assert.Equal(t, 0.40, cfg.Worker.DuplicateThreshold)
	assert.Equal(t, 3, cfg.Worker.MaxRetries)
	assert.Equal(t, 30*time.Minute, cfg.Worker.StuckTimeout)

	assert.Equal(t, 0.45, cfg.Recognize.RecognitionThreshold)
	assert.Equal(t, 0.35, cfg.Recognize.UnknownThreshold)

	assert.Equal(t, 2*time.Second, cfg.Presence.ConfirmDelay)
	assert.Equal(t, 5*time.Second, cfg.Presence.StaleExpiry)
	assert.Equal(t, 0.65, cfg.Presence.UnknownClusterThreshold)
	assert.Equal(t, 50, cfg.Presence.BatchFlushItems)
	assert.Equal(t, 5*time.Second, cfg.Presence.BatchFlushInterval)
	assert.Equal(t, 3, cfg.Presence.AnomalyRepeatThreshold)

	require.NotEmpty(t, cfg.Cameras.Cameras)
	require.NotEmpty(t, cfg.Cameras.Tenants)
	assert.True(t, cfg.Cameras.Tenants[0].FaceRecognitionEnabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	os.Clearenv()
	t.Cleanup(os.Clearenv)

	os.Setenv("WORKER_SIMILARITY_THRESHOLD", "0.5")
	os.Setenv("WORKER_MAX_RETRIES", "7")
	os.Setenv("WEB_PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 0.5, cfg.Worker.SimilarityThreshold)
	assert.Equal(t, 7, cfg.Worker.MaxRetries)
	assert.Equal(t, 9090, cfg.Web.Port)
}

func TestLoad_InvalidNumericEnvFallsBackToDefault(t *testing.T) {
	os.Clearenv()
	t.Cleanup(os.Clearenv)

	os.Setenv("WORKER_MAX_RETRIES", "not-a-number")
	os.Setenv("WORKER_SIMILARITY_THRESHOLD", "not-a-float")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Worker.MaxRetries)
	assert.Equal(t, 0.40, cfg.Worker.SimilarityThreshold)
}

func TestLoad_ExternalCamerasFile(t *testing.T) {
	os.Clearenv()
	t.Cleanup(os.Clearenv)

	dir := t.TempDir()
	path := dir + "/cameras.yaml"
	require.NoError(t, os.WriteFile(path, []byte(`cameras:
  - camera_id: c1
    tenant_id: t1
    campus_id: campusA
    role: entry
    display_name: Door 1
`), 0o644))

	os.Setenv("CAMERAS_CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Cameras.Cameras, 1)
	assert.Equal(t, "c1", cfg.Cameras.Cameras[0].CameraID)
}

func TestLoad_ExternalCamerasFileInvalidYAML(t *testing.T) {
	os.Clearenv()
	t.Cleanup(os.Clearenv)

	dir := t.TempDir()
	path := dir + "/cameras.yaml"
	require.NoError(t, os.WriteFile(path, []byte("not: valid: yaml: ["), 0o644))

	os.Setenv("CAMERAS_CONFIG_PATH", path)

	_, err := Load()
	require.Error(t, err)
}
