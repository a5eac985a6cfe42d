package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"ImageGuard/internal/domain"
	"ImageGuard/internal/ports"
)

// ErrPageScanningDisabled is returned when no page source is configured.
var ErrPageScanningDisabled = errors.New("page scanning is not configured")

// PageScanDeps wires the page source into the coordinator.
type PageScanDeps struct {
	Source      ports.PageSource
	Coordinator *Coordinator
	Logger      *slog.Logger
}

// PageScan is the outcome of a single page scan.
type PageScan struct {
	Page      string   `json:"page"`
	Images    []string `json:"images"`
	Requested int      `json:"requested"`
}

// PageScanner turns a page URL into analysis requests for every image on it.
type PageScanner struct {
	source      ports.PageSource
	coordinator *Coordinator
	logger      *slog.Logger
}

// NewPageScanner constructs the page scanning use case.
func NewPageScanner(deps PageScanDeps) *PageScanner {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PageScanner{source: deps.Source, coordinator: deps.Coordinator, logger: logger}
}

// Scan discovers images on pageURL and requests analysis of each on behalf of consumer.
// Reports arrive through the messenger like any other request.
func (p *PageScanner) Scan(ctx context.Context, consumer domain.ConsumerID, pageURL string) (PageScan, error) {
	if p.source == nil || p.coordinator == nil {
		return PageScan{}, ErrPageScanningDisabled
	}
	if consumer == "" || pageURL == "" {
		return PageScan{}, ErrInvalidRequest
	}

	refs, err := p.source.ScanPage(ctx, pageURL)
	if err != nil {
		return PageScan{}, fmt.Errorf("scan page: %w", err)
	}

	result := PageScan{Page: pageURL, Images: make([]string, 0, len(refs))}
	for _, ref := range refs {
		key := domain.NormalizeKey(ref.URL)
		err := p.coordinator.RequestAnalysis(domain.AnalysisRequest{
			Key:      key,
			Consumer: consumer,
			Size:     ref.Size,
		})
		if err != nil {
			return result, fmt.Errorf("request %s: %w", key, err)
		}
		result.Images = append(result.Images, string(key))
		result.Requested++
	}

	p.logger.Info("page scanned", "page", pageURL, "consumer", consumer, "images", result.Requested)
	return result, nil
}
