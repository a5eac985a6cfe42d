package usecase

import (
	"errors"
	"time"

	"ImageGuard/internal/domain"
)

// jobQueue is the FIFO of resources awaiting an engine slot.
type jobQueue struct {
	pending  []domain.ResourceKey
	queued   map[domain.ResourceKey]struct{}
	inFlight map[domain.ResourceKey]struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{
		queued:   map[domain.ResourceKey]struct{}{},
		inFlight: map[domain.ResourceKey]struct{}{},
	}
}

// push appends key unless it is already pending or being classified.
func (q *jobQueue) push(key domain.ResourceKey) bool {
	if _, ok := q.queued[key]; ok {
		return false
	}
	if _, ok := q.inFlight[key]; ok {
		return false
	}
	q.queued[key] = struct{}{}
	q.pending = append(q.pending, key)
	return true
}

// pushFront puts a deferred job back at the head of the queue.
func (q *jobQueue) pushFront(key domain.ResourceKey) {
	if _, ok := q.queued[key]; ok {
		return
	}
	q.queued[key] = struct{}{}
	q.pending = append([]domain.ResourceKey{key}, q.pending...)
}

func (q *jobQueue) pop() (domain.ResourceKey, bool) {
	if len(q.pending) == 0 {
		return "", false
	}
	key := q.pending[0]
	q.pending[0] = ""
	q.pending = q.pending[1:]
	delete(q.queued, key)
	return key, true
}

func (q *jobQueue) start(key domain.ResourceKey) {
	q.inFlight[key] = struct{}{}
}

func (q *jobQueue) done(key domain.ResourceKey) {
	delete(q.inFlight, key)
}

func (q *jobQueue) Len() int {
	return len(q.pending)
}

// enqueue moves rec to queued and schedules a job for its key. Callers hold c.mu.
func (c *Coordinator) enqueue(rec *domain.AnalysisRecord) {
	switch rec.State {
	case domain.StateUnseen, domain.StateQueued:
		rec.State = domain.StateQueued
	case domain.StateInFlight, domain.StateCompleted, domain.StateFailed:
		return
	}

	if c.queue.push(rec.Key) {
		c.logger.Debug("job enqueued", "resource", rec.Key, "pending", c.queue.Len())
	}
}

// dispatch starts jobs while slots are free. Callers hold c.mu.
func (c *Coordinator) dispatch() {
	if !c.running {
		return
	}

	for c.busy < c.slots && c.queue.Len() > 0 {
		if c.classifier == nil || !c.classifier.Ready() {
			c.armRetry()
			return
		}

		key, _ := c.queue.pop()
		rec, ok := c.cache.Get(key)
		if !ok || rec.State != domain.StateQueued {
			c.logger.Debug("dropping stale job", "resource", key)
			continue
		}

		rec.State = domain.StateInFlight
		rec.AttemptID = c.newAttempt()
		c.queue.start(key)
		c.busy++
		c.dispatched++

		c.jobs.Add(1)
		go c.run(rec, key, rec.AttemptID)
	}
}

// armRetry schedules a single deferred dispatch while the engine is loading. Callers hold c.mu.
func (c *Coordinator) armRetry() {
	if !c.running || c.retryTimer != nil {
		return
	}
	c.logger.Debug("engine not ready, deferring dispatch", "backoff", c.backoff, "pending", c.queue.Len())
	var timer *time.Timer
	timer = time.AfterFunc(c.backoff, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		// A Stop/Start cycle may have armed a newer timer while this one waited for the lock.
		if c.retryTimer != timer {
			return
		}
		c.retryTimer = nil
		c.dispatch()
	})
	c.retryTimer = timer
}

// run loads and classifies one resource outside the coordination lock.
func (c *Coordinator) run(rec *domain.AnalysisRecord, key domain.ResourceKey, attemptID string) {
	defer c.jobs.Done()

	log := c.logger.With("resource", key, "attempt_id", attemptID)
	started := c.now()

	state, predictions, err := c.classify(key)
	if errors.Is(err, domain.ErrEngineNotReady) {
		log.Info("engine became unavailable, job deferred")
		c.requeue(rec, key)
		return
	}
	if err != nil {
		log.Warn("analysis failed", "error", err)
	}

	verdict, deliveries := c.finish(rec, key, state, predictions)
	log.Debug("analysis finished",
		"state", verdict.State,
		"should_block", verdict.ShouldBlock,
		"consumers", len(deliveries),
		"duration", c.now().Sub(started))

	c.deliver(deliveries)
	c.saveVerdict(verdict)
}

func (c *Coordinator) classify(key domain.ResourceKey) (domain.AnalysisState, []domain.Prediction, error) {
	if c.loader == nil {
		return domain.StateFailed, domain.FailedPredictions(), errors.New("image loader is not configured")
	}

	img, err := c.loader.Load(c.ctx, key)
	if errors.Is(err, domain.ErrUndersized) {
		return domain.StateCompleted, domain.SkippedPredictions(), nil
	}
	if err != nil {
		return domain.StateFailed, domain.FailedPredictions(), err
	}

	c.invocations.Add(1)
	predictions, err := c.classifier.Classify(c.ctx, img)
	if err != nil {
		return domain.StateFailed, domain.FailedPredictions(), err
	}
	if len(predictions) == 0 {
		return domain.StateFailed, domain.FailedPredictions(), errors.New("engine returned no predictions")
	}
	return domain.StateCompleted, predictions, nil
}

// finish resolves the record, frees the slot and collects the fan-out.
func (c *Coordinator) finish(rec *domain.AnalysisRecord, key domain.ResourceKey, state domain.AnalysisState, predictions []domain.Prediction) (domain.Verdict, []delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.busy--
	c.queue.done(key)

	rec.Resolve(state, predictions, c.blocking)
	deliveries := fanOut(rec)

	if current, ok := c.cache.Get(key); ok && current != rec {
		// rec was evicted mid-flight and a fresh record took its place.
		c.enqueue(current)
	}

	c.dispatch()
	return domain.VerdictFromRecord(rec, c.now()), deliveries
}

// requeue returns an in-flight job to the head of the queue after the engine reported not ready.
func (c *Coordinator) requeue(rec *domain.AnalysisRecord, key domain.ResourceKey) {
	c.mu.Lock()
	c.busy--
	c.queue.done(key)

	current, ok := c.cache.Get(key)
	if ok && current == rec {
		rec.State = domain.StateQueued
		c.queue.pushFront(key)
		c.armRetry()
		c.mu.Unlock()
		return
	}

	// Orphaned by eviction: nobody will re-dispatch it, answer its consumers now.
	rec.Resolve(domain.StateFailed, domain.FailedPredictions(), c.blocking)
	deliveries := fanOut(rec)
	if ok {
		c.enqueue(current)
	}
	c.dispatch()
	c.mu.Unlock()

	c.deliver(deliveries)
}

func (c *Coordinator) saveVerdict(verdict domain.Verdict) {
	if c.verdicts == nil {
		return
	}
	if err := c.verdicts.SaveVerdict(c.ctx, verdict); err != nil {
		c.logger.Warn("save verdict", "resource", verdict.Key, "attempt_id", verdict.AttemptID, "error", err)
	}
}
