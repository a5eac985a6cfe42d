package domain

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// ResourceKey identifies a classifiable image (canonicalized URL).
type ResourceKey string

// ConsumerID identifies a context (tab, page) waiting for analysis results.
type ConsumerID string

// AnalysisState enumerates the lifecycle of a single classification attempt.
type AnalysisState string

const (
	StateUnseen    AnalysisState = "unseen"
	StateQueued    AnalysisState = "queued"
	StateInFlight  AnalysisState = "in_flight"
	StateCompleted AnalysisState = "completed"
	StateFailed    AnalysisState = "failed"
)

// Terminal reports whether the attempt has produced a result.
func (s AnalysisState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed:
		return true
	case StateUnseen, StateQueued, StateInFlight:
		return false
	default:
		return false
	}
}

// Synthetic labels used when no real classification is available.
const (
	LabelAnalysisFailed = "analysis-failed"
	LabelNotAnalysed    = "not-analysed"

	syntheticScore = 0.5
)

var (
	// ErrUndersized marks images below the configured minimum dimension.
	ErrUndersized = errors.New("image below minimum dimension")
	// ErrEngineNotReady is returned by classifiers whose model is still loading.
	ErrEngineNotReady = errors.New("classification engine not ready")
)

// Prediction is a single ranked class produced by the engine.
type Prediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// FailedPredictions is the synthetic result stored for failed attempts.
func FailedPredictions() []Prediction {
	return []Prediction{{Label: LabelAnalysisFailed, Score: syntheticScore}}
}

// SkippedPredictions is the synthetic result stored for undersized images.
func SkippedPredictions() []Prediction {
	return []Prediction{{Label: LabelNotAnalysed, Score: syntheticScore}}
}

// Image is an in-memory resource handed to the engine.
type Image struct {
	Key    ResourceKey
	Format string
	Width  int
	Height int
	Data   []byte
}

// Dimensions is the optional size reported by a consumer alongside a request.
type Dimensions struct {
	Width  int
	Height int
}

// Known reports whether both sides were provided.
func (d Dimensions) Known() bool {
	return d.Width > 0 && d.Height > 0
}

// MinDimensions is the smallest image worth classifying.
type MinDimensions struct {
	Width  int
	Height int
}

// Undersized reports true unless at least one side exceeds the minimum.
func (m MinDimensions) Undersized(width, height int) bool {
	return width <= m.Width && height <= m.Height
}

// AnalysisRequest is a consumer sighting of a resource.
type AnalysisRequest struct {
	Key      ResourceKey
	Consumer ConsumerID
	Size     Dimensions
}

// AnalysisRecord is the per-resource coordination state.
type AnalysisRecord struct {
	Key         ResourceKey
	State       AnalysisState
	AttemptID   string
	Predictions []Prediction
	ShouldBlock bool
	Consumers   map[ConsumerID]struct{}
	LastTouched time.Time
}

// NewRecord builds an unseen record for key.
func NewRecord(key ResourceKey) *AnalysisRecord {
	return &AnalysisRecord{
		Key:       key,
		State:     StateUnseen,
		Consumers: map[ConsumerID]struct{}{},
	}
}

// AddConsumer registers interest; repeated registration is a no-op.
func (r *AnalysisRecord) AddConsumer(id ConsumerID) {
	if r.Consumers == nil {
		r.Consumers = map[ConsumerID]struct{}{}
	}
	r.Consumers[id] = struct{}{}
}

// RemoveConsumer drops interest and reports whether the consumer was registered.
func (r *AnalysisRecord) RemoveConsumer(id ConsumerID) bool {
	if _, ok := r.Consumers[id]; !ok {
		return false
	}
	delete(r.Consumers, id)
	return true
}

// DrainConsumers returns the registered consumers and leaves the set empty.
func (r *AnalysisRecord) DrainConsumers() []ConsumerID {
	drained := make([]ConsumerID, 0, len(r.Consumers))
	for id := range r.Consumers {
		drained = append(drained, id)
	}
	r.Consumers = map[ConsumerID]struct{}{}
	return drained
}

// Resolve stores the outcome of an attempt. Predictions and the block decision are always set together.
func (r *AnalysisRecord) Resolve(state AnalysisState, predictions []Prediction, blocking LabelSet) {
	r.State = state
	r.Predictions = append([]Prediction(nil), predictions...)
	r.ShouldBlock = ShouldBlock(r.Predictions, blocking)
}

// Report builds the message delivered to consumers.
func (r *AnalysisRecord) Report() Report {
	return Report{
		Key:         r.Key,
		State:       r.State,
		Predictions: append([]Prediction(nil), r.Predictions...),
		ShouldBlock: r.ShouldBlock,
	}
}

// Report is the result delivered to a consumer.
type Report struct {
	Key         ResourceKey   `json:"url"`
	State       AnalysisState `json:"state"`
	Predictions []Prediction  `json:"predictions"`
	ShouldBlock bool          `json:"shouldBlock"`
}

// Verdict is the audit snapshot of a finished attempt.
type Verdict struct {
	AttemptID   string        `json:"attemptId"`
	Key         ResourceKey   `json:"url"`
	State       AnalysisState `json:"state"`
	ShouldBlock bool          `json:"shouldBlock"`
	Top         Prediction    `json:"top"`
	Predictions []Prediction  `json:"predictions"`
	AnalyzedAt  time.Time     `json:"analyzedAt"`
}

// VerdictFromRecord snapshots a resolved record.
func VerdictFromRecord(r *AnalysisRecord, at time.Time) Verdict {
	top, _ := TopPrediction(r.Predictions)
	return Verdict{
		AttemptID:   r.AttemptID,
		Key:         r.Key,
		State:       r.State,
		ShouldBlock: r.ShouldBlock,
		Top:         top,
		Predictions: append([]Prediction(nil), r.Predictions...),
		AnalyzedAt:  at,
	}
}

// NormalizeKey canonicalizes an image URL: trims spaces, drops the fragment, lower-cases scheme and host.
func NormalizeKey(raw string) ResourceKey {
	raw = strings.TrimSpace(raw)
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" {
		return ResourceKey(raw)
	}

	parsed.Fragment = ""
	parsed.RawFragment = ""
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	return ResourceKey(parsed.String())
}

// ImageRef is an image discovered on a page.
type ImageRef struct {
	URL  string
	Size Dimensions
}
