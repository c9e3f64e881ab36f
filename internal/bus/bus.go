// Package bus streams job events from the scheduler to any number of
// observers without ever blocking the publisher.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/clipflow/pkg/types"
)

const (
	defaultHistory = 500
	defaultBuffer  = 64
)

// Subscription is one observer's view of the stream.
type Subscription struct {
	C <-chan types.Event

	ch      chan types.Event
	bus     *Bus
	dropped atomic.Uint64
	once    sync.Once
}

// Dropped returns how many events this subscriber missed because its
// buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
	})
}

// Bus is a lossy multi-reader event stream with a bounded replay history.
type Bus struct {
	mu      sync.RWMutex
	nextSeq uint64
	history []types.Event // ring, oldest at head once full
	head    int
	maxHist int
	subs    map[*Subscription]struct{}
	closed  bool

	onDrop func()
	now    func() time.Time
}

// Option customizes a Bus.
type Option func(*Bus)

// WithHistory caps the number of events kept for Since.
func WithHistory(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxHist = n
		}
	}
}

// WithDropHook is called once per event dropped for a slow subscriber.
func WithDropHook(fn func()) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		maxHist: defaultHistory,
		subs:    make(map[*Subscription]struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.history = make([]types.Event, 0, b.maxHist)
	return b
}

// Publish assigns a sequence number and timestamp and fans the event out.
// Subscribers whose buffer is full miss the event.
func (b *Bus) Publish(event types.Event) types.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return event
	}

	b.nextSeq++
	event.Seq = b.nextSeq
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now().UTC()
	}

	if len(b.history) < b.maxHist {
		b.history = append(b.history, event)
	} else {
		b.history[b.head] = event
		b.head = (b.head + 1) % b.maxHist
	}

	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
	return event
}

// Subscribe registers an observer with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan types.Event, buffer)
	sub := &Subscription{C: ch, ch: ch, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Since returns retained events with sequence strictly greater than seq.
func (b *Bus) Since(seq uint64) []types.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := len(b.history)
	out := make([]types.Event, 0, n)
	for i := 0; i < n; i++ {
		event := b.history[(b.head+i)%n]
		if event.Seq > seq {
			out = append(out, event)
		}
	}
	return out
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}
