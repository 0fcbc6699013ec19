package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPDetector calls an external face-detection/embedding server over HTTP,
// keeping the concrete model out of this module per this package's own
// black-box rule (§6.2/§9) — the same externally-hosted-inference shape as
// the teacher's llama.cpp provider, applied to a detection endpoint instead
// of a chat-completions one.
type HTTPDetector struct {
	name      string
	parsedURL *url.URL
	client    *http.Client
}

// NewHTTPDetector constructs an HTTPDetector posting raw image bytes to
// baseURL + "/detect".
func NewHTTPDetector(name, baseURL string, timeout time.Duration) (*HTTPDetector, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("detector base URL is required")
	}
	parsed, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid detector URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid detector URL scheme %q: must be http or https", parsed.Scheme)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDetector{
		name:      name,
		parsedURL: parsed,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the configured detector name.
func (d *HTTPDetector) Name() string { return d.name }

type detectResponse struct {
	Faces []struct {
		Embedding []float32 `json:"embedding"`
		BBox      []float64 `json:"bbox"`
		Score     float64   `json:"score"`
	} `json:"faces"`
}

// Detect posts imageData to the detector server and parses its face list.
func (d *HTTPDetector) Detect(ctx context.Context, imageData []byte) ([]Face, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.parsedURL.String()+"/detect", bytes.NewReader(imageData))
	if err != nil {
		return nil, fmt.Errorf("building detect request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detect request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading detect response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detector returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed detectResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing detect response: %w", err)
	}

	faces := make([]Face, 0, len(parsed.Faces))
	for _, f := range parsed.Faces {
		faces = append(faces, Face{
			Embedding: f.Embedding,
			BBox:      f.BBox,
			Score:     f.Score,
		})
	}
	return faces, nil
}
