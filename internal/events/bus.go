package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Handler consumes events delivered to a pattern subscription.
type Handler func(ctx context.Context, ev Event)

type subscription struct {
	id      uint64
	pattern string
	ch      chan Event // raw Subscribe channel
	queue   *pumpQueue // Handle subscriptions
}

func (s *subscription) close() {
	if s.queue != nil {
		s.queue.close()
		return
	}
	close(s.ch)
}

// pumpQueue is an unbounded FIFO feeding one handler goroutine.
type pumpQueue struct {
	mu     sync.Mutex
	items  []Event
	closed bool
	ready  chan struct{}
}

func newPumpQueue() *pumpQueue {
	return &pumpQueue{ready: make(chan struct{}, 1)}
}

func (q *pumpQueue) push(ev Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()
	q.signal()
}

func (q *pumpQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *pumpQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop blocks until an event is queued. It reports false once the queue is
// closed and drained.
func (q *pumpQueue) pop() (Event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = Event{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, true
		}
		if q.closed {
			q.mu.Unlock()
			return Event{}, false
		}
		q.mu.Unlock()
		<-q.ready
	}
}

// Bus is a channel-based pub-sub event bus with wildcard topic patterns.
// Publish never blocks. Handle subscriptions queue without bound, so every
// event reaches them. Raw Subscribe channels drop the event when their
// buffer is full, and the drop is counted.
type Bus struct {
	mu          sync.RWMutex
	subs        map[uint64]*subscription
	nextID      uint64
	history     []Event
	historySize int
	closed      bool

	dropped atomic.Int64
	pumps   sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	now     func() time.Time
	log     *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistory sets how many recent events the bus retains (default 256).
func WithHistory(n int) Option {
	return func(b *Bus) { b.historySize = n }
}

// WithLogger sets the logger used to report dropped events and handler panics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.log = l }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// NewEventBus creates a new event bus.
func NewEventBus(opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subs:        make(map[uint64]*subscription),
		historySize: 256,
		ctx:         ctx,
		cancel:      cancel,
		now:         time.Now,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With("component", "event-bus")
	return b
}

// Subscribe creates a subscription to every event type matching pattern.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *Bus) Subscribe(pattern string, bufSize int) <-chan Event {
	_, ch := b.subscribe(pattern, bufSize)
	return ch
}

func (b *Bus) subscribe(pattern string, bufSize int) (uint64, chan Event) {
	if bufSize <= 0 {
		bufSize = 256
	}
	sub := &subscription{pattern: pattern, ch: make(chan Event, bufSize)}
	return b.add(sub), sub.ch
}

// add registers sub, or closes it when the bus is already closed.
func (b *Bus) add(sub *subscription) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.close()
		return 0
	}
	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub.id
}

// Handle subscribes handler to pattern. Events are delivered to the handler
// in publish order on a dedicated goroutine, and none are dropped however
// far the handler falls behind. The returned function cancels the
// subscription and is safe to call more than once; events already queued
// are still delivered.
func (b *Bus) Handle(pattern string, handler Handler) (unsubscribe func()) {
	q := newPumpQueue()
	id := b.add(&subscription{pattern: pattern, queue: q})

	b.pumps.Add(1)
	go func() {
		defer b.pumps.Done()
		for {
			ev, ok := q.pop()
			if !ok {
				return
			}
			b.deliver(handler, ev)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Bus) deliver(handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked", "type", ev.Type, "panic", r)
		}
	}()
	handler(b.ctx, ev)
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	sub.close()
}

// Publish stamps and sends an event to all subscribers whose pattern matches.
// Returns the published event. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(eventType string, data any) Event {
	ev := Event{Type: eventType, Data: data, Timestamp: b.now()}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ev
	}

	if b.historySize > 0 {
		b.history = append(b.history, ev)
		if over := len(b.history) - b.historySize; over > 0 {
			b.history = append([]Event(nil), b.history[over:]...)
		}
	}

	for _, sub := range b.subs {
		if !Match(sub.pattern, eventType) {
			continue
		}
		if sub.queue != nil {
			sub.queue.push(ev)
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.log.Warn("subscriber buffer full, event dropped", "type", eventType, "pattern", sub.pattern)
		}
	}
	return ev
}

// History returns up to limit of the most recent events, oldest first.
// limit <= 0 returns everything retained.
func (b *Bus) History(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	start := 0
	if limit > 0 && len(b.history) > limit {
		start = len(b.history) - limit
	}
	return append([]Event(nil), b.history[start:]...)
}

// Dropped returns how many deliveries to Subscribe channels were dropped
// because a buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels and waits for handler goroutines to drain.
// Safe to call multiple times (idempotent).
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.close()
		delete(b.subs, id)
	}
	b.mu.Unlock()

	b.cancel()
	b.pumps.Wait()
}
