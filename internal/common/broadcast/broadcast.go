// Package broadcast provides an ordered, lossless publish/subscribe fan-out
// used for queue snapshots and message-list updates.
package broadcast

import "sync"

// Broadcaster fans values out to subscribers. Every subscriber receives every
// value published after it subscribed, in publish order. A slow subscriber
// never blocks the publisher; its backlog grows instead.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// New creates an empty broadcaster.
func New[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscription is a single observer. Read values from C and call Unsubscribe
// on teardown.
type Subscription[T any] struct {
	C <-chan T

	owner   *Broadcaster[T]
	mu      sync.Mutex
	pending []T
	notify  chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// Subscribe registers a new observer. When initial values are given they are
// delivered before anything published later.
func (b *Broadcaster[T]) Subscribe(initial ...T) *Subscription[T] {
	out := make(chan T)
	sub := &Subscription[T]{
		C:       out,
		owner:   b,
		pending: append([]T(nil), initial...),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if len(initial) > 0 {
		sub.notify <- struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.done) })
		close(sub.stopped)
		close(out)
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.forward(out)
	return sub
}

// Publish delivers v to every current subscriber.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		sub.push(v)
	}
}

// Len returns the number of active subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close unsubscribes everyone. Later Publish calls are ignored.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription[T], 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscription[T]]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

// Unsubscribe detaches the observer and waits for its delivery goroutine to
// exit. C is closed afterwards. Safe to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.owner.mu.Lock()
	delete(s.owner.subs, s)
	s.owner.mu.Unlock()
	s.stop()
}

func (s *Subscription[T]) stop() {
	s.once.Do(func() { close(s.done) })
	<-s.stopped
}

func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	s.pending = append(s.pending, v)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) forward(out chan<- T) {
	defer close(s.stopped)
	defer close(out)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if len(s.pending) == 0 {
				s.mu.Unlock()
				break
			}
			v := s.pending[0]
			var zero T
			s.pending[0] = zero
			s.pending = s.pending[1:]
			s.mu.Unlock()

			select {
			case out <- v:
			case <-s.done:
				return
			}
		}
	}
}
