package realtime

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Handler func(Frame)

// Subscription is the handle returned by Subscribe. Cancelling it more than
// once is a no-op.
type Subscription struct {
	id        string
	eventType string
	handler   Handler
	registry  *Registry
	active    atomic.Bool
}

func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) EventType() string {
	return s.eventType
}

func (s *Subscription) Cancel() {
	if s == nil || s.registry == nil {
		return
	}
	s.registry.Unsubscribe(s)
}

// Registry maps event types to ordered subscriber lists. It is safe for
// concurrent use and may be mutated from inside a handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]*Subscription
	logger   zerolog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string][]*Subscription),
		logger:   zerolog.Nop(),
	}
}

// SetLogger sets where handler panics are reported.
func (r *Registry) SetLogger(l zerolog.Logger) {
	r.mu.Lock()
	r.logger = l
	r.mu.Unlock()
}

func (r *Registry) Subscribe(eventType string, handler Handler) (*Subscription, error) {
	if eventType == "" {
		return nil, ErrEmptyEventType
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	sub := &Subscription{
		id:        uuid.NewString(),
		eventType: eventType,
		handler:   handler,
		registry:  r,
	}
	sub.active.Store(true)

	r.mu.Lock()
	r.handlers[eventType] = append(r.handlers[eventType], sub)
	r.mu.Unlock()

	return sub, nil
}

func (r *Registry) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.active.CompareAndSwap(true, false) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.handlers[sub.eventType]
	for i, s := range list {
		if s == sub {
			// Copy so snapshots taken by an in-flight dispatch stay intact.
			next := make([]*Subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(r.handlers, sub.eventType)
			} else {
				r.handlers[sub.eventType] = next
			}
			return
		}
	}
}

// Len reports the number of live subscriptions for eventType.
func (r *Registry) Len(eventType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[eventType])
}

// Dispatch invokes the handlers for frame.Type followed by the wildcard
// handlers, each in registration order. Handlers are snapshotted first:
// one added during dispatch misses this frame, one cancelled during
// dispatch is skipped if it has not run yet.
func (r *Registry) Dispatch(frame Frame) int {
	r.mu.RLock()
	var typed []*Subscription
	if frame.Type != "" && frame.Type != Wildcard {
		typed = r.handlers[frame.Type]
	}
	wildcard := r.handlers[Wildcard]
	logger := r.logger
	r.mu.RUnlock()

	invoked := 0
	for _, list := range [][]*Subscription{typed, wildcard} {
		for _, sub := range list {
			if !sub.active.Load() {
				continue
			}
			if r.invoke(logger, sub, frame) {
				invoked++
			}
		}
	}
	return invoked
}

func (r *Registry) invoke(logger zerolog.Logger, sub *Subscription, frame Frame) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().
				Str("event_type", sub.eventType).
				Str("subscription", sub.id).
				Interface("panic", rec).
				Msg("Subscriber panicked, continuing dispatch")
			ok = false
		}
	}()
	sub.handler(frame)
	return true
}
