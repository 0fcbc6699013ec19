// Package recognize implements C4: per-camera capture/recognize/emit
// pipelines matching detected faces against C1's in-memory catalog.
package recognize

import (
	"context"
	"time"

	"github.com/phuslu/log"
	"github.com/sony/gobreaker"

	"github.com/kozaktomas/photo-sorter/internal/detect"
	"github.com/kozaktomas/photo-sorter/internal/embedstore"
	"github.com/kozaktomas/photo-sorter/internal/facemath"
	"github.com/kozaktomas/photo-sorter/internal/imaging"
	"github.com/kozaktomas/photo-sorter/internal/logging"
	"github.com/kozaktomas/photo-sorter/internal/model"
)

// Frame is one captured video frame.
type Frame struct {
	Data       []byte
	CapturedAt time.Time
}

// VideoSource abstracts the camera hardware interface, out of scope per §1
// (Non-goals): this package only needs to read frames from one.
type VideoSource interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (Frame, error)
	Close() error
}

// DetectionSink is C5: where recognized/unknown detections are forwarded.
type DetectionSink interface {
	Handle(ctx context.Context, d model.Detection)
}

// Config is the enumerated §4.4/§6.5 recognition pipeline configuration.
type Config struct {
	RecognitionThreshold     float64
	UnknownThreshold         float64
	CaptureQueueDepth        int
	EmitQueueDepth           int
	MaxConsecutiveReadErrors int
}

// CameraUnit runs the three-stage pipeline for one camera: capture,
// recognize, emit, each its own goroutine joined by bounded, drop-newest
// channels (§4.4, §9 — the teacher's coroutine-based stages re-expressed as
// explicit goroutines with backpressure).
type CameraUnit struct {
	camera   model.Camera
	cfg      Config
	source   VideoSource
	detector detect.Detector
	store    *embedstore.Store
	sink     DetectionSink
	breaker  *gobreaker.CircuitBreaker

	log log.Logger

	frameCount int
}

// NewCameraUnit constructs a CameraUnit for one camera.
func NewCameraUnit(camera model.Camera, cfg Config, source VideoSource, detector detect.Detector, store *embedstore.Store, sink DetectionSink) *CameraUnit {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "detect:" + camera.CameraID,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 30 * time.Second,
	})
	return &CameraUnit{
		camera:   camera,
		cfg:      cfg,
		source:   source,
		detector: detector,
		store:    store,
		sink:     sink,
		breaker:  breaker,
		log:      logging.New("recognize").With().Str("camera_id", camera.CameraID).Logger(),
	}
}

// Run drives the pipeline until ctx is cancelled.
func (c *CameraUnit) Run(ctx context.Context) {
	frames := make(chan Frame, c.cfg.CaptureQueueDepth)
	detections := make(chan model.Detection, c.cfg.EmitQueueDepth)

	done := make(chan struct{}, 2)
	go func() {
		c.captureStage(ctx, frames)
		done <- struct{}{}
	}()
	go func() {
		c.recognizeStage(ctx, frames, detections)
		done <- struct{}{}
	}()
	c.emitStage(ctx, detections)
	<-done
	<-done
}

// captureStage opens the video source and reads frames until shutdown,
// restarting the source after ≤MaxConsecutiveReadErrors consecutive
// failures (§4.4).
func (c *CameraUnit) captureStage(ctx context.Context, out chan<- Frame) {
	defer close(out)

	consecutiveFailures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.source.Open(ctx); err != nil {
			c.log.Error().Err(err).Msg("open video source failed")
			if !sleepOrDone(ctx, time.Second) {
				return
			}
			continue
		}

		for {
			if ctx.Err() != nil {
				c.source.Close()
				return
			}
			frame, err := c.source.Read(ctx)
			if err != nil {
				consecutiveFailures++
				c.log.Warn().Err(err).Int("consecutive_failures", consecutiveFailures).Msg("frame read failed")
				if consecutiveFailures >= c.cfg.MaxConsecutiveReadErrors {
					c.log.Error().Msg("restarting video source after too many consecutive read failures")
					c.source.Close()
					consecutiveFailures = 0
					break
				}
				continue
			}
			consecutiveFailures = 0
			trySendFrame(out, frame)
		}
	}
}

// recognizeStage reads the current tenant snapshot from C1, skips every
// other frame, and matches each detected face against the catalog (§4.4).
func (c *CameraUnit) recognizeStage(ctx context.Context, in <-chan Frame, out chan<- model.Detection) {
	defer close(out)

	for frame := range in {
		c.frameCount++
		if c.frameCount%2 == 0 {
			continue // halve CPU load
		}

		view, err := c.store.Snapshot(ctx, c.camera.TenantID)
		if err != nil {
			c.log.Warn().Err(err).Msg("catalog snapshot failed")
			continue
		}

		faces, err := c.detectWithBreaker(ctx, frame)
		if err != nil {
			c.log.Warn().Err(err).Msg("detect failed")
			continue
		}

		for _, face := range faces {
			// §4.4: match against the face's unit-normalized embedding, the
			// same normalization every other producer applies before
			// comparing or aggregating (trainer.go, presence.go).
			embedding := facemath.Normalize(face.Embedding)
			best, score, found := view.Best(embedding)
			det := model.Detection{
				TenantID:  c.camera.TenantID,
				CampusID:  c.camera.CampusID,
				CameraID:  c.camera.CameraID,
				Timestamp: frame.CapturedAt,
				BBox:      face.BBox,
			}
			switch {
			case found && score >= c.cfg.RecognitionThreshold:
				det.SubjectID = best.SubjectID
				det.Score = score
			case !found || score < c.cfg.UnknownThreshold:
				det.Embedding = embedding
				det.Score = score
			default:
				continue // ambiguous zone: emit nothing
			}
			trySendDetection(out, det)
		}
	}
}

func (c *CameraUnit) detectWithBreaker(ctx context.Context, frame Frame) ([]detect.Face, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		fitted, err := imaging.Fit(frame.Data, imaging.DefaultMaxDimension)
		if err != nil {
			// A frame that fails to decode can't be resized or detected;
			// fall back to the raw bytes and let the detector reject it.
			fitted = frame.Data
		}
		return c.detector.Detect(ctx, fitted)
	})
	if err != nil {
		return nil, err
	}
	faces, _ := result.([]detect.Face)
	return faces, nil
}

// emitStage forwards detections to C5. Rendering/display sinks are not part
// of the core contract (§4.4).
func (c *CameraUnit) emitStage(ctx context.Context, in <-chan model.Detection) {
	for det := range in {
		c.sink.Handle(ctx, det)
	}
}

func trySendFrame(ch chan<- Frame, f Frame) {
	select {
	case ch <- f:
	default: // full: drop the newest frame (§4.4 most-recent-frame policy)
	}
}

func trySendDetection(ch chan<- model.Detection, d model.Detection) {
	select {
	case ch <- d:
	default:
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
