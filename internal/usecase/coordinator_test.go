package usecase

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ImageGuard/internal/domain"
)

type fakeClassifier struct {
	ready       atomic.Bool
	calls       atomic.Int32
	active      atomic.Int32
	maxActive   atomic.Int32
	gate        chan struct{}
	err         error
	notReady    atomic.Int32
	predictions []domain.Prediction

	mu    sync.Mutex
	order []domain.ResourceKey
}

func newFakeClassifier(predictions ...domain.Prediction) *fakeClassifier {
	f := &fakeClassifier{predictions: predictions}
	f.ready.Store(true)
	return f
}

func (f *fakeClassifier) Ready() bool { return f.ready.Load() }

func (f *fakeClassifier) Classify(ctx context.Context, img domain.Image) ([]domain.Prediction, error) {
	f.calls.Add(1)
	active := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		peak := f.maxActive.Load()
		if active <= peak || f.maxActive.CompareAndSwap(peak, active) {
			break
		}
	}

	f.mu.Lock()
	f.order = append(f.order, img.Key)
	f.mu.Unlock()

	if f.gate != nil {
		<-f.gate
	}
	if n := f.notReady.Load(); n > 0 && f.notReady.CompareAndSwap(n, n-1) {
		return nil, fmt.Errorf("classify %s: %w", img.Key, domain.ErrEngineNotReady)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.predictions, nil
}

func (f *fakeClassifier) Order() []domain.ResourceKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ResourceKey(nil), f.order...)
}

type fakeLoader struct {
	calls atomic.Int32
	errs  map[domain.ResourceKey]error
}

func (f *fakeLoader) Load(_ context.Context, key domain.ResourceKey) (domain.Image, error) {
	f.calls.Add(1)
	if err := f.errs[key]; err != nil {
		return domain.Image{}, err
	}
	return domain.Image{Key: key, Format: "png", Width: 300, Height: 300}, nil
}

type sent struct {
	consumer domain.ConsumerID
	report   domain.Report
}

type recordingMessenger struct {
	mu   sync.Mutex
	sent []sent
}

func (m *recordingMessenger) Deliver(consumer domain.ConsumerID, report domain.Report) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sent{consumer: consumer, report: report})
}

func (m *recordingMessenger) Sent() []sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sent(nil), m.sent...)
}

func (m *recordingMessenger) waitFor(t *testing.T, n int) []sent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := m.Sent(); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d deliveries, got %d", n, len(m.Sent()))
	return nil
}

type verdictRecorder struct {
	mu       sync.Mutex
	verdicts []domain.Verdict
}

func (v *verdictRecorder) SaveVerdict(_ context.Context, verdict domain.Verdict) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.verdicts = append(v.verdicts, verdict)
	return nil
}

func (v *verdictRecorder) RecentVerdicts(context.Context, int) ([]domain.Verdict, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]domain.Verdict(nil), v.verdicts...), nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	coordinator *Coordinator
	classifier  *fakeClassifier
	loader      *fakeLoader
	messenger   *recordingMessenger
	verdicts    *verdictRecorder
	clock       *testClock
}

func newHarness(t *testing.T, cfg CoordinatorConfig, classifier *fakeClassifier) *harness {
	t.Helper()

	h := &harness{
		classifier: classifier,
		loader:     &fakeLoader{errs: map[domain.ResourceKey]error{}},
		messenger:  &recordingMessenger{},
		verdicts:   &verdictRecorder{},
		clock:      &testClock{now: time.Date(2025, time.November, 8, 12, 0, 0, 0, time.UTC)},
	}
	h.coordinator = NewCoordinator(cfg, CoordinatorDeps{
		Classifier: classifier,
		Loader:     h.loader,
		Messenger:  h.messenger,
		Verdicts:   h.verdicts,
		Clock:      h.clock.Now,
	})
	h.coordinator.Start(context.Background())
	t.Cleanup(h.coordinator.Stop)
	return h
}

func (h *harness) request(t *testing.T, key domain.ResourceKey, consumer domain.ConsumerID) {
	t.Helper()
	if err := h.coordinator.RequestAnalysis(domain.AnalysisRequest{Key: key, Consumer: consumer}); err != nil {
		t.Fatalf("request %s for %s: %v", key, consumer, err)
	}
}

func (h *harness) waitState(t *testing.T, key domain.ResourceKey, state domain.AnalysisState) domain.AnalysisRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := h.coordinator.Lookup(key); ok && rec.State == state {
			return rec
		}
		time.Sleep(time.Millisecond)
	}
	rec, _ := h.coordinator.Lookup(key)
	t.Fatalf("record %s did not reach %s, last state %s", key, state, rec.State)
	return domain.AnalysisRecord{}
}

var pornVerdict = []domain.Prediction{{Label: "Porn", Score: 0.95}, {Label: "Neutral", Score: 0.05}}

func TestConcurrentRequestsClassifyOnce(t *testing.T) {
	t.Parallel()

	classifier := newFakeClassifier(pornVerdict...)
	classifier.gate = make(chan struct{})
	h := newHarness(t, CoordinatorConfig{Concurrency: 2}, classifier)

	const consumers = 10
	var wg sync.WaitGroup
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := h.coordinator.RequestAnalysis(domain.AnalysisRequest{
				Key:      "https://example.com/a.jpg",
				Consumer: domain.ConsumerID(fmt.Sprintf("tab-%d", i)),
			})
			if err != nil {
				t.Errorf("request from tab-%d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	close(classifier.gate)

	got := h.messenger.waitFor(t, consumers)
	if calls := classifier.calls.Load(); calls != 1 {
		t.Fatalf("expected exactly one engine invocation, got %d", calls)
	}

	seen := map[domain.ConsumerID]bool{}
	for _, s := range got {
		if seen[s.consumer] {
			t.Fatalf("consumer %s received more than one report", s.consumer)
		}
		seen[s.consumer] = true
		if !reflect.DeepEqual(s.report.Predictions, pornVerdict) || !s.report.ShouldBlock {
			t.Fatalf("unexpected report for %s: %+v", s.consumer, s.report)
		}
	}

	rec := h.waitState(t, "https://example.com/a.jpg", domain.StateCompleted)
	if len(rec.Consumers) != 0 {
		t.Fatalf("expected consumer set to be drained, got %d", len(rec.Consumers))
	}
}

func TestCompletedRecordIsReused(t *testing.T) {
	t.Parallel()

	h := newHarness(t, CoordinatorConfig{}, newFakeClassifier(pornVerdict...))

	h.request(t, "k", "tab-1")
	h.messenger.waitFor(t, 1)
	h.waitState(t, "k", domain.StateCompleted)

	h.request(t, "k", "tab-2")
	got := h.messenger.waitFor(t, 2)

	if got[1].consumer != "tab-2" || !reflect.DeepEqual(got[1].report.Predictions, pornVerdict) {
		t.Fatalf("unexpected cached delivery: %+v", got[1])
	}
	if calls := h.classifier.calls.Load(); calls != 1 {
		t.Fatalf("expected cache reuse, engine called %d times", calls)
	}
}

func TestEvictionTriggersFreshClassification(t *testing.T) {
	t.Parallel()

	ttl := 30 * time.Minute
	h := newHarness(t, CoordinatorConfig{CacheTTL: ttl}, newFakeClassifier(pornVerdict...))

	h.request(t, "k", "tab-1")
	h.messenger.waitFor(t, 1)
	h.waitState(t, "k", domain.StateCompleted)

	h.clock.Advance(ttl + time.Second)
	if evicted := h.coordinator.Sweep(); evicted != 1 {
		t.Fatalf("expected one eviction, got %d", evicted)
	}
	if _, ok := h.coordinator.Lookup("k"); ok {
		t.Fatalf("record should be gone after sweep")
	}

	h.request(t, "k", "tab-1")
	h.messenger.waitFor(t, 2)
	if calls := h.classifier.calls.Load(); calls != 2 {
		t.Fatalf("expected fresh classification after eviction, got %d calls", calls)
	}
	if stats := h.coordinator.Stats(); stats.Evictions != 1 {
		t.Fatalf("expected eviction counter 1, got %d", stats.Evictions)
	}
}

func TestSweepKeepsRecentlyTouchedRecords(t *testing.T) {
	t.Parallel()

	ttl := 10 * time.Minute
	h := newHarness(t, CoordinatorConfig{CacheTTL: ttl}, newFakeClassifier(pornVerdict...))

	h.request(t, "k", "tab-1")
	h.messenger.waitFor(t, 1)
	h.waitState(t, "k", domain.StateCompleted)

	h.clock.Advance(8 * time.Minute)
	h.request(t, "k", "tab-2")
	h.clock.Advance(8 * time.Minute)

	if evicted := h.coordinator.Sweep(); evicted != 0 {
		t.Fatalf("touched record should survive, evicted %d", evicted)
	}
}

func TestUndersizedImageNeverQueued(t *testing.T) {
	t.Parallel()

	h := newHarness(t, CoordinatorConfig{MinSize: domain.MinDimensions{Width: 32, Height: 32}}, newFakeClassifier(pornVerdict...))

	err := h.coordinator.RequestAnalysis(domain.AnalysisRequest{
		Key:      "tiny",
		Consumer: "tab-1",
		Size:     domain.Dimensions{Width: 10, Height: 10},
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	got := h.messenger.waitFor(t, 1)
	if got[0].report.ShouldBlock {
		t.Fatalf("undersized image must not be blocked")
	}
	if !reflect.DeepEqual(got[0].report.Predictions, domain.SkippedPredictions()) {
		t.Fatalf("expected not-analysed marker, got %+v", got[0].report.Predictions)
	}
	if h.loader.calls.Load() != 0 || h.classifier.calls.Load() != 0 {
		t.Fatalf("undersized image reached the engine")
	}
	if stats := h.coordinator.Stats(); stats.Dispatched != 0 || stats.Pending != 0 || stats.Skipped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	h.request(t, "tiny", "tab-2")
	h.messenger.waitFor(t, 2)
	if h.loader.calls.Load() != 0 {
		t.Fatalf("repeat sighting should not trigger work")
	}
}

func TestLoaderUndersizedCompletesWithMarker(t *testing.T) {
	t.Parallel()

	h := newHarness(t, CoordinatorConfig{}, newFakeClassifier(pornVerdict...))
	h.loader.errs["small"] = fmt.Errorf("decode header: %w", domain.ErrUndersized)

	h.request(t, "small", "tab-1")
	got := h.messenger.waitFor(t, 1)

	if got[0].report.State != domain.StateCompleted || got[0].report.ShouldBlock {
		t.Fatalf("unexpected report: %+v", got[0].report)
	}
	if h.classifier.calls.Load() != 0 {
		t.Fatalf("undersized image must not be classified")
	}
}

func TestFailureIsReportedAndCached(t *testing.T) {
	t.Parallel()

	classifier := newFakeClassifier()
	classifier.err = errors.New("inference crashed")
	h := newHarness(t, CoordinatorConfig{}, classifier)

	h.request(t, "broken", "tab-1")
	got := h.messenger.waitFor(t, 1)

	want := []domain.Prediction{{Label: domain.LabelAnalysisFailed, Score: 0.5}}
	if !reflect.DeepEqual(got[0].report.Predictions, want) {
		t.Fatalf("expected synthetic failure prediction, got %+v", got[0].report.Predictions)
	}
	if got[0].report.State != domain.StateFailed || got[0].report.ShouldBlock {
		t.Fatalf("unexpected failure report: %+v", got[0].report)
	}

	rec := h.waitState(t, "broken", domain.StateFailed)
	if !reflect.DeepEqual(rec.Predictions, want) {
		t.Fatalf("record predictions not stored: %+v", rec.Predictions)
	}

	h.request(t, "broken", "tab-2")
	h.messenger.waitFor(t, 2)
	if calls := classifier.calls.Load(); calls != 1 {
		t.Fatalf("failures must not be retried, got %d calls", calls)
	}
}

func TestLoadFailureIsReported(t *testing.T) {
	t.Parallel()

	h := newHarness(t, CoordinatorConfig{}, newFakeClassifier(pornVerdict...))
	h.loader.errs["404"] = errors.New("unexpected status 404 Not Found")

	h.request(t, "404", "tab-1")
	got := h.messenger.waitFor(t, 1)
	if got[0].report.State != domain.StateFailed {
		t.Fatalf("expected failed report, got %s", got[0].report.State)
	}
	if h.classifier.calls.Load() != 0 {
		t.Fatalf("engine should not run when load fails")
	}
}

func TestEngineNotReadyDefersDispatch(t *testing.T) {
	t.Parallel()

	classifier := newFakeClassifier(pornVerdict...)
	classifier.ready.Store(false)
	h := newHarness(t, CoordinatorConfig{ReadyBackoff: 5 * time.Millisecond}, classifier)

	h.request(t, "k", "tab-1")
	time.Sleep(30 * time.Millisecond)

	if classifier.calls.Load() != 0 {
		t.Fatalf("engine invoked before ready")
	}
	rec, ok := h.coordinator.Lookup("k")
	if !ok || rec.State != domain.StateQueued {
		t.Fatalf("expected queued record while engine loads, got %+v", rec)
	}

	classifier.ready.Store(true)
	got := h.messenger.waitFor(t, 1)
	if got[0].report.State != domain.StateCompleted {
		t.Fatalf("expected completion once engine is ready, got %s", got[0].report.State)
	}
}

func TestDisconnectedConsumerIsNotNotified(t *testing.T) {
	t.Parallel()

	classifier := newFakeClassifier(pornVerdict...)
	classifier.gate = make(chan struct{})
	h := newHarness(t, CoordinatorConfig{}, classifier)

	h.request(t, "k", "tab-1")
	h.request(t, "k", "tab-2")
	h.coordinator.ConsumerDisconnected("tab-1")
	close(classifier.gate)

	h.messenger.waitFor(t, 1)
	h.waitState(t, "k", domain.StateCompleted)
	time.Sleep(10 * time.Millisecond)

	got := h.messenger.Sent()
	if len(got) != 1 || got[0].consumer != "tab-2" {
		t.Fatalf("expected a single delivery to tab-2, got %+v", got)
	}
}

func TestSingleSlotIsStrictFIFO(t *testing.T) {
	t.Parallel()

	classifier := newFakeClassifier(pornVerdict...)
	classifier.gate = make(chan struct{})
	h := newHarness(t, CoordinatorConfig{Concurrency: 1}, classifier)

	keys := []domain.ResourceKey{"a", "b", "c", "d"}
	for _, key := range keys {
		h.request(t, key, "tab-1")
	}
	if stats := h.coordinator.Stats(); stats.BusySlots != 1 || stats.Pending != 3 {
		t.Fatalf("expected 1 busy slot and 3 pending, got %+v", stats)
	}
	close(classifier.gate)

	h.messenger.waitFor(t, len(keys))
	if order := classifier.Order(); !reflect.DeepEqual(order, keys) {
		t.Fatalf("expected FIFO order %v, got %v", keys, order)
	}
	if classifier.maxActive.Load() != 1 {
		t.Fatalf("expected at most one concurrent classification, got %d", classifier.maxActive.Load())
	}
}

func TestPoolCapsConcurrency(t *testing.T) {
	t.Parallel()

	classifier := newFakeClassifier(pornVerdict...)
	classifier.gate = make(chan struct{})
	h := newHarness(t, CoordinatorConfig{Concurrency: 3}, classifier)

	for i := 0; i < 8; i++ {
		h.request(t, domain.ResourceKey(fmt.Sprintf("img-%d", i)), "tab-1")
	}

	deadline := time.Now().Add(time.Second)
	for classifier.active.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if stats := h.coordinator.Stats(); stats.BusySlots != 3 || stats.Pending != 5 {
		t.Fatalf("expected 3 busy slots and 5 pending, got %+v", stats)
	}
	close(classifier.gate)

	h.messenger.waitFor(t, 8)
	if peak := classifier.maxActive.Load(); peak > 3 {
		t.Fatalf("concurrency exceeded slots: %d", peak)
	}
}

func TestEvictedInFlightRecordStillFansOut(t *testing.T) {
	t.Parallel()

	ttl := time.Minute
	classifier := newFakeClassifier(pornVerdict...)
	classifier.gate = make(chan struct{})
	h := newHarness(t, CoordinatorConfig{CacheTTL: ttl, Concurrency: 2}, classifier)

	h.request(t, "k", "tab-1")
	h.waitState(t, "k", domain.StateInFlight)

	h.clock.Advance(2 * ttl)
	if evicted := h.coordinator.Sweep(); evicted != 1 {
		t.Fatalf("expected in-flight record to be evicted, got %d", evicted)
	}

	h.request(t, "k", "tab-2")
	if stats := h.coordinator.Stats(); stats.BusySlots != 1 {
		t.Fatalf("same key must not run twice concurrently, busy=%d", stats.BusySlots)
	}

	classifier.gate <- struct{}{}
	first := h.messenger.waitFor(t, 1)
	if first[0].consumer != "tab-1" {
		t.Fatalf("orphaned attempt should answer tab-1, got %s", first[0].consumer)
	}

	close(classifier.gate)
	got := h.messenger.waitFor(t, 2)
	if got[1].consumer != "tab-2" {
		t.Fatalf("fresh record should answer tab-2, got %s", got[1].consumer)
	}
	if calls := classifier.calls.Load(); calls != 2 {
		t.Fatalf("expected a redispatch after eviction, got %d calls", calls)
	}
}

func TestVerdictsAreRecorded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, CoordinatorConfig{}, newFakeClassifier(pornVerdict...))
	h.request(t, "k", "tab-1")
	h.messenger.waitFor(t, 1)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		verdicts, _ := h.verdicts.RecentVerdicts(context.Background(), 10)
		if len(verdicts) == 1 {
			v := verdicts[0]
			if v.AttemptID == "" || v.Key != "k" || !v.ShouldBlock || v.Top.Label != "Porn" {
				t.Fatalf("unexpected verdict: %+v", v)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("verdict was not recorded")
}

func TestInvalidRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(t, CoordinatorConfig{}, newFakeClassifier(pornVerdict...))
	if err := h.coordinator.RequestAnalysis(domain.AnalysisRequest{Key: "k"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if err := h.coordinator.RequestAnalysis(domain.AnalysisRequest{Consumer: "tab"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestEngineLostMidJobRequeuesAtHead(t *testing.T) {
	t.Parallel()

	classifier := newFakeClassifier(pornVerdict...)
	classifier.gate = make(chan struct{})
	classifier.notReady.Store(1)
	h := newHarness(t, CoordinatorConfig{ReadyBackoff: 5 * time.Millisecond}, classifier)

	h.request(t, "a", "tab-1")
	h.waitState(t, "a", domain.StateInFlight)
	h.request(t, "b", "tab-2")

	close(classifier.gate)
	got := h.messenger.waitFor(t, 2)

	order := classifier.Order()
	want := []domain.ResourceKey{"a", "a", "b"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("expected engine order %v, got %v", want, order)
	}
	if got[0].report.Key != "a" || got[0].report.State != domain.StateCompleted {
		t.Fatalf("expected a to complete first, got %+v", got[0].report)
	}

	time.Sleep(20 * time.Millisecond)
	if n := len(h.messenger.Sent()); n != 2 {
		t.Fatalf("expected exactly one delivery per consumer, got %d", n)
	}
	if rec := h.waitState(t, "a", domain.StateCompleted); len(rec.Consumers) != 0 {
		t.Fatalf("consumers not drained: %v", rec.Consumers)
	}
}

func TestEngineLostOnEvictedRecordFailsOrphan(t *testing.T) {
	t.Parallel()

	ttl := time.Minute
	classifier := newFakeClassifier(pornVerdict...)
	classifier.gate = make(chan struct{})
	classifier.notReady.Store(1)
	h := newHarness(t, CoordinatorConfig{CacheTTL: ttl, Concurrency: 2, ReadyBackoff: 5 * time.Millisecond}, classifier)

	h.request(t, "k", "tab-1")
	h.waitState(t, "k", domain.StateInFlight)

	h.clock.Advance(2 * ttl)
	if evicted := h.coordinator.Sweep(); evicted != 1 {
		t.Fatalf("expected in-flight record to be evicted, got %d", evicted)
	}
	h.request(t, "k", "tab-2")

	classifier.gate <- struct{}{}
	first := h.messenger.waitFor(t, 1)
	if first[0].consumer != "tab-1" || first[0].report.State != domain.StateFailed {
		t.Fatalf("orphan should answer tab-1 with a failure, got %s %+v", first[0].consumer, first[0].report)
	}
	if first[0].report.Predictions[0].Label != domain.LabelAnalysisFailed {
		t.Fatalf("expected failure marker, got %+v", first[0].report.Predictions)
	}

	close(classifier.gate)
	got := h.messenger.waitFor(t, 2)
	if got[1].consumer != "tab-2" || got[1].report.State != domain.StateCompleted {
		t.Fatalf("fresh record should complete for tab-2, got %s %+v", got[1].consumer, got[1].report)
	}
	if calls := classifier.calls.Load(); calls != 2 {
		t.Fatalf("expected 2 engine calls, got %d", calls)
	}
}

func TestStaleRetryTimerKeepsNewerOne(t *testing.T) {
	t.Parallel()

	classifier := newFakeClassifier(pornVerdict...)
	classifier.ready.Store(false)
	h := newHarness(t, CoordinatorConfig{ReadyBackoff: time.Millisecond}, classifier)
	c := h.coordinator

	c.mu.Lock()
	c.armRetry()
	// Let the first timer fire and block on the lock held here.
	time.Sleep(20 * time.Millisecond)

	// Same effect as Stop followed by Start while the callback waits.
	c.retryTimer = nil
	c.backoff = time.Hour
	c.armRetry()
	newer := c.retryTimer
	c.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	if newer == nil || c.retryTimer != newer {
		t.Fatalf("stale timer callback cleared the newer retry timer")
	}
}
