package eventbus

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"
)

// ChannelBus is a Bus implementation backed by a buffered channel and a
// fixed worker pool. Handlers run outside the publisher's goroutine so a
// slow subscriber cannot stall the question flow.
type ChannelBus struct {
	mu          sync.RWMutex
	byType      map[EventType]map[string]Handler
	allHandlers map[string]Handler

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool

	bufferSize  int
	workerCount int
}

// BusOption configures a ChannelBus.
type BusOption func(*ChannelBus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) BusOption {
	return func(b *ChannelBus) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// WithWorkerCount sets the number of delivery workers.
func WithWorkerCount(count int) BusOption {
	return func(b *ChannelBus) {
		if count > 0 {
			b.workerCount = count
		}
	}
}

// NewChannelBus creates and starts a channel-based event bus.
func NewChannelBus(options ...BusOption) *ChannelBus {
	b := &ChannelBus{
		byType:      make(map[EventType]map[string]Handler),
		allHandlers: make(map[string]Handler),
		done:        make(chan struct{}),
		bufferSize:  100,
		workerCount: 5,
	}
	for _, option := range options {
		option(b)
	}
	b.events = make(chan Event, b.bufferSize)

	for i := 0; i < b.workerCount; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	return b
}

func (b *ChannelBus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case event := <-b.events:
			b.dispatch(event)
		}
	}
}

func (b *ChannelBus) dispatch(event Event) {
	// Snapshot the handlers so subscribers can (un)subscribe from inside a
	// handler without deadlocking.
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.allHandlers))
	for _, h := range b.byType[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.allHandlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	ctx := context.Background()
	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("Event handler panicked (event_type: %s): %v", event.Type, r)
				}
			}()
			handler(ctx, event)
		}()
	}
}

// Publish sends an event to all subscribed handlers. Events published with a
// cancelled context or after Close are discarded, and a full buffer drops the
// event with a log line; lifecycle events are advisory and must never block
// the question flow.
func (b *ChannelBus) Publish(ctx context.Context, event Event) {
	if ctx.Err() != nil {
		return
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	select {
	case b.events <- event:
	default:
		log.Printf("Event bus buffer full, dropping event (event_type: %s)", event.Type)
	}
}

// Subscribe registers a handler for specific event types.
func (b *ChannelBus) Subscribe(handler Handler, eventTypes ...EventType) string {
	id := uuid.New().String()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, eventType := range eventTypes {
		if _, ok := b.byType[eventType]; !ok {
			b.byType[eventType] = make(map[string]Handler)
		}
		b.byType[eventType][id] = handler
	}
	return id
}

// SubscribeAll registers a handler for all event types.
func (b *ChannelBus) SubscribeAll(handler Handler) string {
	id := uuid.New().String()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.allHandlers[id] = handler
	return id
}

// Unsubscribe removes a subscription by ID.
func (b *ChannelBus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.allHandlers, subscriptionID)
	for _, handlers := range b.byType {
		delete(handlers, subscriptionID)
	}
}

// Close shuts down the bus and waits for the workers to drain.
func (b *ChannelBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
}
