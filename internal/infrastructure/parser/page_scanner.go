package parser

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"ImageGuard/internal/domain"
	"ImageGuard/internal/ports"
)

// PageScanner fetches an HTML page and extracts the images it references.
type PageScanner struct {
	client *http.Client
	logger *slog.Logger
}

var _ ports.PageSource = (*PageScanner)(nil)

// NewPageScanner wires an HTTP client with a 20s default timeout.
func NewPageScanner(client *http.Client, logger *slog.Logger) *PageScanner {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PageScanner{client: client, logger: logger}
}

// ScanPage returns every distinct image on the page in document order.
func (p *PageScanner) ScanPage(ctx context.Context, pageURL string) ([]domain.ImageRef, error) {
	base, err := url.Parse(pageURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("invalid page url %q", pageURL)
	}

	doc, err := p.fetchDocument(ctx, base.String())
	if err != nil {
		return nil, fmt.Errorf("page %s: %w", pageURL, err)
	}

	refs := extractImages(doc, base)
	p.logger.Debug("page scanned", "page", pageURL, "images", len(refs))
	return refs, nil
}

func (p *PageScanner) fetchDocument(ctx context.Context, pageURL string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "ImageGuard/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("page returned %s", resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}

	return doc, nil
}

func extractImages(doc *goquery.Document, base *url.URL) []domain.ImageRef {
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = resolved
		}
	}

	var refs []domain.ImageRef
	seen := map[domain.ResourceKey]struct{}{}

	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		src := imageSource(img)
		if src == "" {
			return
		}

		resolved, err := resolveURL(base, src)
		if err != nil {
			return
		}

		key := domain.NormalizeKey(resolved)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}

		refs = append(refs, domain.ImageRef{
			URL: string(key),
			Size: domain.Dimensions{
				Width:  dimensionAttr(img, "width"),
				Height: dimensionAttr(img, "height"),
			},
		})
	})

	return refs
}

// imageSource prefers src, then lazy-loading attributes, then the first srcset candidate.
func imageSource(img *goquery.Selection) string {
	for _, attr := range []string{"src", "data-src", "data-lazy-src"} {
		if v, ok := img.Attr(attr); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	if srcset, ok := img.Attr("srcset"); ok {
		first, _, _ := strings.Cut(strings.TrimSpace(srcset), ",")
		if fields := strings.Fields(first); len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

func resolveURL(base *url.URL, src string) (string, error) {
	if strings.HasPrefix(src, "data:") {
		return src, nil
	}
	ref, err := url.Parse(src)
	if err != nil {
		return "", err
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", resolved.Scheme)
	}
	return resolved.String(), nil
}

func dimensionAttr(img *goquery.Selection, name string) int {
	v, ok := img.Attr(name)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(v), "px"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
