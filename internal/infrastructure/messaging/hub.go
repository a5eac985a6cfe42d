package messaging

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"ImageGuard/internal/domain"
	"ImageGuard/internal/ports"
)

// Hub routes analysis reports to subscribed consumers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[domain.ConsumerID]*Subscription
	logger *slog.Logger
	sent   atomic.Uint64
}

var _ ports.Messenger = (*Hub)(nil)

// HubStats counts deliveries since start.
type HubStats struct {
	Subscribers int    `json:"subscribers"`
	Sent        uint64 `json:"sent"`
	Queued      int    `json:"queued"`
}

// Subscription is an unbounded report queue for one consumer.
// Readers wait on Notify and then take everything with Drain.
type Subscription struct {
	mu      sync.Mutex
	pending []domain.Report
	notify  chan struct{}
	done    chan struct{}
	closed  bool
}

// NewHub builds an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		subs:   map[domain.ConsumerID]*Subscription{},
		logger: logger,
	}
}

// Subscribe opens a report queue for id. A second subscription replaces the first.
func (h *Hub) Subscribe(id domain.ConsumerID) (*Subscription, func()) {
	sub := &Subscription{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if prev, ok := h.subs[id]; ok {
		prev.close()
		h.logger.Debug("subscription replaced", "consumer", id)
	}
	h.subs[id] = sub
	h.mu.Unlock()

	return sub, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.subs[id] == sub {
			delete(h.subs, id)
		}
		sub.close()
	}
}

// Deliver never blocks. Reports for consumers without a subscription are discarded.
func (h *Hub) Deliver(id domain.ConsumerID, report domain.Report) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sub, ok := h.subs[id]
	if !ok {
		return
	}
	if sub.push(report) {
		h.sent.Add(1)
	}
}

// Connected reports whether id currently has an open subscription.
func (h *Hub) Connected(id domain.ConsumerID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[id]
	return ok
}

// Stats returns a snapshot of delivery counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	queued := 0
	for _, sub := range h.subs {
		queued += sub.Len()
	}
	return HubStats{Subscribers: len(h.subs), Sent: h.sent.Load(), Queued: queued}
}

// Notify fires when reports are waiting.
func (s *Subscription) Notify() <-chan struct{} {
	return s.notify
}

// Done is closed when the subscription is cancelled or replaced.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Drain returns the waiting reports in delivery order and empties the queue.
func (s *Subscription) Drain() []domain.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	reports := s.pending
	s.pending = nil
	return reports
}

// Len is the number of undrained reports.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Subscription) push(report domain.Report) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.pending = append(s.pending, report)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.pending = nil
		close(s.done)
	}
}
