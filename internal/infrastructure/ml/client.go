package ml

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"ImageGuard/internal/domain"
	"ImageGuard/internal/ports"
)

const defaultTopK = 5

// Client talks to a model-serving endpoint that hosts the image classifier.
type Client struct {
	endpoint string
	apiKey   string
	topK     int
	http     *http.Client
	logger   *slog.Logger
	ready    atomic.Bool
}

var _ ports.Classifier = (*Client)(nil)

// StatusError is returned for non-200 responses.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %s", e.Status)
}

// NewClient creates a reusable HTTP client. The engine starts as not ready.
func NewClient(endpoint, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		topK:     defaultTopK,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Ready reports whether the last readiness probe saw a loaded model.
func (c *Client) Ready() bool {
	return c.ready.Load()
}

// WatchReadiness probes the model endpoint until ctx is done. Probes only run while the engine is not ready.
func (c *Client) WatchReadiness(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	started := time.Now()
	c.probe(ctx, started)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.Ready() {
				c.probe(ctx, started)
			}
		}
	}
}

func (c *Client) probe(ctx context.Context, started time.Time) {
	if err := c.get(ctx, "/ready"); err != nil {
		c.logger.Debug("model not ready", "error", err)
		return
	}
	if !c.ready.Swap(true) {
		c.logger.Info("model loaded", "endpoint", c.endpoint, "waited", time.Since(started).Round(time.Millisecond))
	}
}

type classifyRequest struct {
	Image struct {
		Data   []byte `json:"data"`
		Format string `json:"format"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	} `json:"image"`
	TopK int `json:"topk"`
}

type classifyResponse struct {
	Predictions []struct {
		ClassName   string  `json:"className"`
		Probability float64 `json:"probability"`
	} `json:"predictions"`
}

// Classify sends the encoded image and returns ranked predictions.
func (c *Client) Classify(ctx context.Context, img domain.Image) ([]domain.Prediction, error) {
	if !c.Ready() {
		return nil, domain.ErrEngineNotReady
	}

	var payload classifyRequest
	payload.Image.Data = img.Data
	payload.Image.Format = img.Format
	payload.Image.Width = img.Width
	payload.Image.Height = img.Height
	payload.TopK = c.topK

	var resp classifyResponse
	if err := c.post(ctx, "/classify", payload, &resp); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Code == http.StatusServiceUnavailable {
			c.ready.Store(false)
			return nil, fmt.Errorf("classify %s: %w", img.Key, domain.ErrEngineNotReady)
		}
		return nil, fmt.Errorf("classify %s: %w", img.Key, err)
	}

	predictions := make([]domain.Prediction, 0, len(resp.Predictions))
	for _, p := range resp.Predictions {
		predictions = append(predictions, domain.Prediction{Label: p.ClassName, Score: p.Probability})
	}
	return predictions, nil
}

func (c *Client) get(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	if err := resp.Body.Close(); err != nil {
		return fmt.Errorf("close response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		statusErr := &StatusError{Code: resp.StatusCode, Status: resp.Status}
		if closeErr := resp.Body.Close(); closeErr != nil {
			return fmt.Errorf("%w, close body: %v", statusErr, closeErr)
		}
		return statusErr
	}

	if v == nil {
		if err := resp.Body.Close(); err != nil {
			return fmt.Errorf("close response body: %w", err)
		}
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		_ = resp.Body.Close()
		return fmt.Errorf("decode response: %w", err)
	}

	if err := resp.Body.Close(); err != nil {
		return fmt.Errorf("close response body: %w", err)
	}

	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
