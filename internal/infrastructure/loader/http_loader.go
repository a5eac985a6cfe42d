package loader

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	_ "golang.org/x/image/webp"

	"ImageGuard/internal/domain"
	"ImageGuard/internal/ports"
)

const defaultMaxBytes = 10 << 20

// ErrTooLarge is returned when a response body exceeds the configured limit.
var ErrTooLarge = errors.New("image exceeds size limit")

// HTTPLoader fetches images over HTTP(S) or decodes data URLs, and reads their header.
type HTTPLoader struct {
	client    *http.Client
	maxBytes  int64
	minSize   domain.MinDimensions
	userAgent string
}

var _ ports.ImageLoader = (*HTTPLoader)(nil)

// NewHTTPLoader wires an HTTP client; maxBytes defaults to 10 MiB.
func NewHTTPLoader(client *http.Client, maxBytes int64, minSize domain.MinDimensions) *HTTPLoader {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &HTTPLoader{
		client:    client,
		maxBytes:  maxBytes,
		minSize:   minSize,
		userAgent: "ImageGuard/1.0",
	}
}

// Load retrieves the resource and returns it with its decoded format and dimensions.
func (l *HTTPLoader) Load(ctx context.Context, key domain.ResourceKey) (domain.Image, error) {
	raw := string(key)

	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(raw, "data:") {
		data, err = decodeDataURL(raw)
	} else {
		data, err = l.fetch(ctx, raw)
	}
	if err != nil {
		return domain.Image{}, fmt.Errorf("load %s: %w", key, err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return domain.Image{}, fmt.Errorf("decode header %s: %w", key, err)
	}
	if l.minSize.Undersized(cfg.Width, cfg.Height) {
		return domain.Image{}, fmt.Errorf("load %s: %w (%dx%d)", key, domain.ErrUndersized, cfg.Width, cfg.Height)
	}

	return domain.Image{
		Key:    key,
		Format: format,
		Width:  cfg.Width,
		Height: cfg.Height,
		Data:   data,
	}, nil
}

func (l *HTTPLoader) fetch(ctx context.Context, raw string) ([]byte, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", l.userAgent)
	req.Header.Set("Accept", "image/*")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image host returned %s", resp.Status)
	}
	if resp.ContentLength > l.maxBytes {
		return nil, ErrTooLarge
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > l.maxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}

// decodeDataURL handles the base64 form of RFC 2397 data URLs.
func decodeDataURL(raw string) ([]byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !ok {
		return nil, errors.New("malformed data url")
	}
	if !strings.HasSuffix(meta, ";base64") {
		return nil, errors.New("data url is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode data url: %w", err)
	}
	return data, nil
}
