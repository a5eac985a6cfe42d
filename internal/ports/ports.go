package ports

import (
	"context"
	"time"

	"ImageGuard/internal/domain"
)

// Classifier wraps the opaque image-classification engine.
type Classifier interface {
	// Ready reports whether the model has finished loading.
	Ready() bool
	Classify(ctx context.Context, img domain.Image) ([]domain.Prediction, error)
}

// ImageLoader fetches and decodes a resource before classification.
type ImageLoader interface {
	Load(ctx context.Context, key domain.ResourceKey) (domain.Image, error)
}

// Messenger delivers reports to consumers. Delivery is fire-and-forget.
type Messenger interface {
	Deliver(consumer domain.ConsumerID, report domain.Report)
}

// VerdictRepository keeps an audit trail of finished attempts.
type VerdictRepository interface {
	SaveVerdict(ctx context.Context, verdict domain.Verdict) error
	RecentVerdicts(ctx context.Context, limit int) ([]domain.Verdict, error)
}

// PageSource discovers images referenced by a web page.
type PageSource interface {
	ScanPage(ctx context.Context, pageURL string) ([]domain.ImageRef, error)
}

// Scheduler controls when periodic jobs execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
