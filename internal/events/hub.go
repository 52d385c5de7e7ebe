package events

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"phaseline/internal/domain"
)

const (
	defaultQueueLimit = 256
	catchUpPage       = 500
)

// Store is the persisted side of the log a subscriber replays from.
type Store interface {
	Entries(ctx context.Context, projectID string, fromSeq int64, limit int) ([]domain.ActivityEntry, error)
}

// Sink mirrors published entries to an external system.
type Sink interface {
	Publish(ctx context.Context, entry domain.ActivityEntry) error
}

// HubOption customizes Hub construction.
type HubOption func(*Hub)

func WithLogger(logger *zap.Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithQueueLimit bounds the per-subscriber live queue. A subscriber whose
// queue overflows drops it and catches up from the store.
func WithQueueLimit(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.queueLimit = n
		}
	}
}

func WithSink(s Sink) HubOption {
	return func(h *Hub) {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
}

// Hub fans committed activity entries out to live subscribers. Publish never
// blocks on a subscriber: each one owns a bounded queue drained by its own
// goroutine.
type Hub struct {
	store      Store
	mu         sync.RWMutex
	subs       map[string]map[*subscriber]struct{}
	sinks      []Sink
	queueLimit int
	logger     *zap.Logger
	onChange   func(delta int)
}

func NewHub(store Store, opts ...HubOption) *Hub {
	h := &Hub{
		store:      store,
		subs:       map[string]map[*subscriber]struct{}{},
		queueLimit: defaultQueueLimit,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// OnSubscriberChange registers a callback for subscriber count changes.
func (h *Hub) OnSubscriberChange(fn func(delta int)) {
	h.onChange = fn
}

// Publish hands committed entries to subscribers and sinks.
func (h *Hub) Publish(entries ...domain.ActivityEntry) {
	for _, e := range entries {
		h.mu.RLock()
		for sub := range h.subs[e.ProjectID] {
			sub.push(e)
		}
		h.mu.RUnlock()
		for _, s := range h.sinks {
			if err := s.Publish(context.Background(), e); err != nil {
				h.logger.Warn("activity sink publish failed",
					zap.String("project_id", e.ProjectID), zap.Int64("seq", e.Seq), zap.Error(err))
			}
		}
	}
}

// Subscription is a live ordered stream of one project's entries.
type Subscription struct {
	C      <-chan domain.ActivityEntry
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Close stops the stream and waits for its goroutine to exit.
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Err reports why the stream ended, once C is closed.
func (s *Subscription) Err() error {
	<-s.done
	return s.err
}

// Subscribe streams entries with seq >= fromSeq: persisted entries first,
// then live ones, with no gap and no duplicate. The subscriber is registered
// before the replay read so nothing committed in between is missed.
func (h *Hub) Subscribe(ctx context.Context, projectID string, fromSeq int64) *Subscription {
	if fromSeq < 1 {
		fromSeq = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscriber{limit: h.queueLimit, wake: make(chan struct{}, 1)}
	h.mu.Lock()
	if h.subs[projectID] == nil {
		h.subs[projectID] = map[*subscriber]struct{}{}
	}
	h.subs[projectID][sub] = struct{}{}
	h.mu.Unlock()
	if h.onChange != nil {
		h.onChange(1)
	}

	out := make(chan domain.ActivityEntry)
	s := &Subscription{C: out, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		defer close(out)
		defer h.remove(projectID, sub)
		s.err = h.stream(ctx, projectID, fromSeq, sub, out)
	}()
	return s
}

func (h *Hub) stream(ctx context.Context, projectID string, next int64, sub *subscriber, out chan<- domain.ActivityEntry) error {
	send := func(e domain.ActivityEntry) bool {
		select {
		case out <- e:
			next = e.Seq + 1
			return true
		case <-ctx.Done():
			return false
		}
	}
	catchUp := func() error {
		for {
			page, err := h.store.Entries(ctx, projectID, next, catchUpPage)
			if err != nil {
				return err
			}
			for _, e := range page {
				if !send(e) {
					return ctx.Err()
				}
			}
			if len(page) < catchUpPage {
				return nil
			}
		}
	}

	if err := catchUp(); err != nil {
		return ignoreCanceled(ctx, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.wake:
		}
		pending, overflowed := sub.drain()
		if overflowed {
			h.logger.Debug("subscriber queue overflow, replaying from store",
				zap.String("project_id", projectID), zap.Int64("from_seq", next))
			if err := catchUp(); err != nil {
				return ignoreCanceled(ctx, err)
			}
			continue
		}
		for _, e := range pending {
			if e.Seq < next {
				continue
			}
			if e.Seq > next {
				// entries were published out of order; the store has them all
				if err := catchUp(); err != nil {
					return ignoreCanceled(ctx, err)
				}
				if e.Seq < next {
					continue
				}
			}
			if !send(e) {
				return nil
			}
		}
	}
}

func (h *Hub) remove(projectID string, sub *subscriber) {
	h.mu.Lock()
	if subs := h.subs[projectID]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, projectID)
		}
	}
	h.mu.Unlock()
	if h.onChange != nil {
		h.onChange(-1)
	}
}

// SubscriberCount returns live subscribers for a project.
func (h *Hub) SubscriberCount(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[projectID])
}

func ignoreCanceled(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

type subscriber struct {
	mu         sync.Mutex
	pending    []domain.ActivityEntry
	overflowed bool
	limit      int
	wake       chan struct{}
}

func (s *subscriber) push(e domain.ActivityEntry) {
	s.mu.Lock()
	if len(s.pending) >= s.limit {
		s.pending = nil
		s.overflowed = true
	} else if !s.overflowed {
		s.pending = append(s.pending, e)
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) drain() ([]domain.ActivityEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, overflowed := s.pending, s.overflowed
	s.pending = nil
	s.overflowed = false
	return pending, overflowed
}
