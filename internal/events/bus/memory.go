package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kandev/chatsync/internal/common/logger"
)

// ErrBusClosed is returned by Publish and Subscribe after Close.
var ErrBusClosed = errors.New("event bus is closed")

// MemoryEventBus implements EventBus in process with NATS subject semantics.
// Handlers run on their own goroutines, so delivery order across events is
// not guaranteed.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	closed bool
	wg     sync.WaitGroup
	logger *logger.Logger
}

type memorySubscription struct {
	bus     *MemoryEventBus
	tokens  []string
	handler EventHandler
	active  atomic.Bool
}

// NewMemoryEventBus creates a new in-memory event bus
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		logger: log.WithFields(zap.String("component", "memory-bus")),
	}
}

// Publish hands event to every subscription whose pattern matches subject.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	tokens := strings.Split(subject, ".")
	delivered := 0
	for _, sub := range b.subs {
		if !sub.active.Load() || !matchTokens(sub.tokens, tokens) {
			continue
		}
		delivered++
		b.wg.Add(1)
		go func(s *memorySubscription) {
			defer b.wg.Done()
			if err := s.handler(context.WithoutCancel(ctx), event); err != nil {
				b.logger.Error("Event handler error",
					zap.String("subject", subject),
					zap.String("event_type", event.Type),
					zap.Error(err))
			}
		}(sub)
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type),
		zap.Int("subscribers", delivered))
	return nil
}

// Subscribe registers handler for a subject pattern. "*" matches one token
// and a trailing ">" matches one or more.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	sub := &memorySubscription{
		bus:     b,
		tokens:  strings.Split(subject, "."),
		handler: handler,
	}
	sub.active.Store(true)
	b.subs = append(b.subs, sub)
	return sub, nil
}

// Close deactivates all subscriptions and waits for in-flight handlers.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.active.Store(false)
	}
	b.subs = nil
	b.mu.Unlock()

	b.wg.Wait()
}

// IsConnected returns true until the bus is closed
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Unsubscribe removes the subscription. Handlers already dispatched still run.
func (s *memorySubscription) Unsubscribe() error {
	if !s.active.Swap(false) {
		return nil
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i:i], s.bus.subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	return s.active.Load()
}

func matchTokens(pattern, subject []string) bool {
	for i, p := range pattern {
		if p == ">" {
			return i == len(pattern)-1 && len(subject) > i
		}
		if i >= len(subject) {
			return false
		}
		if p != "*" && p != subject[i] {
			return false
		}
	}
	return len(pattern) == len(subject)
}
