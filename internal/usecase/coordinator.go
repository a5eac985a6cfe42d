package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"ImageGuard/internal/cache"
	"ImageGuard/internal/domain"
	"ImageGuard/internal/ports"
)

const (
	defaultCacheTTL     = 30 * time.Minute
	defaultReadyBackoff = 5 * time.Second
)

// ErrInvalidRequest is returned for requests without a resource key or consumer.
var ErrInvalidRequest = errors.New("analysis request requires resource key and consumer")

// CoordinatorDeps wires the driven adapters into the coordinator.
type CoordinatorDeps struct {
	Classifier ports.Classifier
	Loader     ports.ImageLoader
	Messenger  ports.Messenger
	Verdicts   ports.VerdictRepository
	Logger     *slog.Logger
	Clock      func() time.Time
}

// CoordinatorConfig carries the tunables of the coordination core.
type CoordinatorConfig struct {
	Concurrency    int
	CacheTTL       time.Duration
	ReadyBackoff   time.Duration
	MinSize        domain.MinDimensions
	BlockingLabels []string
}

// Stats is a point-in-time snapshot of the coordinator.
type Stats struct {
	Records     map[domain.AnalysisState]int `json:"records"`
	Pending     int                          `json:"pending"`
	BusySlots   int                          `json:"busySlots"`
	Slots       int                          `json:"slots"`
	EngineReady bool                         `json:"engineReady"`
	Dispatched  uint64                       `json:"dispatched"`
	Invocations uint64                       `json:"invocations"`
	Deliveries  uint64                       `json:"deliveries"`
	Evictions   uint64                       `json:"evictions"`
	Skipped     uint64                       `json:"skipped"`
}

// Coordinator deduplicates analysis requests, owns the result cache and the job queue,
// and fans results out to every interested consumer.
//
// Cache and queue are only touched while mu is held; classification runs outside of it.
type Coordinator struct {
	mu         sync.Mutex
	cache      *cache.Cache
	queue      *jobQueue
	slots      int
	busy       int
	running    bool
	retryTimer *time.Timer
	ctx        context.Context
	jobs       sync.WaitGroup

	classifier ports.Classifier
	loader     ports.ImageLoader
	messenger  ports.Messenger
	verdicts   ports.VerdictRepository
	logger     *slog.Logger
	now        func() time.Time
	newAttempt func() string

	blocking domain.LabelSet
	minSize  domain.MinDimensions
	ttl      time.Duration
	backoff  time.Duration

	dispatched  uint64
	evictions   uint64
	skipped     uint64
	invocations atomic.Uint64
	deliveries  atomic.Uint64
}

// NewCoordinator constructs the coordination core. Call Start before expecting dispatch.
func NewCoordinator(cfg CoordinatorConfig, deps CoordinatorDeps) *Coordinator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.ReadyBackoff <= 0 {
		cfg.ReadyBackoff = defaultReadyBackoff
	}
	if len(cfg.BlockingLabels) == 0 {
		cfg.BlockingLabels = domain.DefaultBlockingLabels
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	return &Coordinator{
		cache:      cache.New(now),
		queue:      newJobQueue(),
		slots:      cfg.Concurrency,
		ctx:        context.Background(),
		classifier: deps.Classifier,
		loader:     deps.Loader,
		messenger:  deps.Messenger,
		verdicts:   deps.Verdicts,
		logger:     logger,
		now:        now,
		newAttempt: uuid.NewString,
		blocking:   domain.NewLabelSet(cfg.BlockingLabels...),
		minSize:    cfg.MinSize,
		ttl:        cfg.CacheTTL,
		backoff:    cfg.ReadyBackoff,
	}
}

// Start enables dispatching. In-flight jobs keep running after ctx is cancelled.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.ctx = context.WithoutCancel(ctx)
	c.running = true
	c.logger.Info("coordinator started", "slots", c.slots, "cache_ttl", c.ttl)
	c.dispatch()
}

// Stop halts dispatching and waits for in-flight jobs to finish and fan out.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.running = false
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	pending := c.queue.Len()
	c.mu.Unlock()

	c.jobs.Wait()
	c.logger.Info("coordinator stopped", "pending", pending)
}

// RequestAnalysis registers a consumer's interest in a resource and schedules work when needed.
func (c *Coordinator) RequestAnalysis(req domain.AnalysisRequest) error {
	if req.Key == "" || req.Consumer == "" {
		return ErrInvalidRequest
	}

	c.mu.Lock()
	deliveries := c.handleRequest(req)
	c.mu.Unlock()

	c.deliver(deliveries)
	return nil
}

func (c *Coordinator) handleRequest(req domain.AnalysisRequest) []delivery {
	rec, ok := c.cache.Get(req.Key)
	if !ok {
		rec = domain.NewRecord(req.Key)
		if req.Size.Known() && c.minSize.Undersized(req.Size.Width, req.Size.Height) {
			rec.AttemptID = c.newAttempt()
			rec.Resolve(domain.StateCompleted, domain.SkippedPredictions(), c.blocking)
			c.cache.Set(req.Key, rec)
			c.skipped++
			c.logger.Debug("undersized image skipped", "resource", req.Key, "width", req.Size.Width, "height", req.Size.Height)
			return single(req.Consumer, rec)
		}

		rec.AddConsumer(req.Consumer)
		c.cache.Set(req.Key, rec)
		c.enqueue(rec)
		c.dispatch()
		return nil
	}

	if rec.State.Terminal() {
		return single(req.Consumer, rec)
	}

	switch rec.State {
	case domain.StateInFlight:
		rec.AddConsumer(req.Consumer)
		return nil
	case domain.StateQueued, domain.StateUnseen:
		rec.AddConsumer(req.Consumer)
		c.enqueue(rec)
		c.dispatch()
		return nil
	default:
		c.logger.Warn("record in unknown state, re-queueing", "resource", rec.Key, "state", rec.State)
		rec.State = domain.StateUnseen
		rec.AddConsumer(req.Consumer)
		c.enqueue(rec)
		c.dispatch()
		return nil
	}
}

// ConsumerDisconnected removes the consumer from every pending registration.
func (c *Coordinator) ConsumerDisconnected(consumer domain.ConsumerID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, rec := range c.cache.List() {
		if rec.RemoveConsumer(consumer) {
			removed++
		}
	}
	c.logger.Debug("consumer disconnected", "consumer", consumer, "registrations", removed)
}

// Sweep evicts records idle for longer than the configured TTL.
func (c *Coordinator) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := c.cache.Sweep(c.ttl)
	c.evictions += uint64(len(evicted))
	if len(evicted) > 0 {
		c.logger.Debug("cache sweep", "evicted", len(evicted), "remaining", c.cache.Len())
	}
	return len(evicted)
}

// Lookup returns a copy of the record for key without registering interest.
func (c *Coordinator) Lookup(key domain.ResourceKey) (domain.AnalysisRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.cache.Get(key)
	if !ok {
		return domain.AnalysisRecord{}, false
	}
	snapshot := *rec
	snapshot.Predictions = append([]domain.Prediction(nil), rec.Predictions...)
	snapshot.Consumers = make(map[domain.ConsumerID]struct{}, len(rec.Consumers))
	for id := range rec.Consumers {
		snapshot.Consumers[id] = struct{}{}
	}
	return snapshot, true
}

// Stats returns a snapshot of records, queue and counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	records := map[domain.AnalysisState]int{}
	for _, rec := range c.cache.List() {
		records[rec.State]++
	}

	return Stats{
		Records:     records,
		Pending:     c.queue.Len(),
		BusySlots:   c.busy,
		Slots:       c.slots,
		EngineReady: c.classifier != nil && c.classifier.Ready(),
		Dispatched:  c.dispatched,
		Invocations: c.invocations.Load(),
		Deliveries:  c.deliveries.Load(),
		Evictions:   c.evictions,
		Skipped:     c.skipped,
	}
}
