// Package eventbus routes device lifecycle events to subscribed handlers on
// a bounded worker pool, so a slow handler never stalls a poll or control
// call.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Type classifies an event.
type Type string

const (
	TypeOnline    Type = "online"
	TypeOffline   Type = "offline"
	TypeNewDevice Type = "new_device"
)

// Default pool configuration.
const (
	DefaultWorkerCount = 2
	DefaultQueueSize   = 64
)

// Event carries one device transition. ID is unique per emission.
type Event struct {
	ID     string
	Type   Type
	Device string
	Model  string
	At     time.Time
}

// Handler consumes events.
type Handler func(Event)

type work struct {
	event   Event
	handler Handler
}

// Bus dispatches events to handlers. Publishing is non-blocking: when the
// queue is full or the bus is closing, events are dropped with a warning.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler

	workQueue chan work
	wg        sync.WaitGroup

	closing   chan struct{}
	closeOnce sync.Once

	log zerolog.Logger
}

// New creates a bus with the default pool size.
func New(log zerolog.Logger) *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize, log)
}

// NewWithConfig creates a bus with a custom worker count and queue size.
func NewWithConfig(workerCount, queueSize int, log zerolog.Logger) *Bus {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	b := &Bus{
		handlers:  make(map[Type][]Handler),
		workQueue: make(chan work, queueSize),
		closing:   make(chan struct{}),
		log:       log,
	}
	for i := 0; i < workerCount; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}
	return b
}

func (b *Bus) worker(id int) {
	defer b.wg.Done()
	for w := range b.workQueue {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error().
						Interface("panic", r).
						Str("event_type", string(w.event.Type)).
						Int("worker", id).
						Msg("Event handler panicked")
				}
			}()
			w.handler(w.event)
		}()
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], handler)
}

// Publish emits an event for device at the given time to all handlers of
// the type.
func (b *Bus) Publish(t Type, deviceID, model string, at time.Time) {
	b.mu.RLock()
	handlers := b.handlers[t]
	b.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}

	event := Event{
		ID:     uuid.NewString(),
		Type:   t,
		Device: deviceID,
		Model:  model,
		At:     at,
	}
	for _, handler := range handlers {
		select {
		case <-b.closing:
			b.log.Warn().Str("event_type", string(t)).Msg("Event bus closing, dropping event")
			return
		default:
		}
		select {
		case b.workQueue <- work{event: event, handler: handler}:
		default:
			b.log.Warn().Str("event_type", string(t)).Msg("Event bus queue full, dropping event")
		}
	}
}

// Close drains the pool, waiting up to the context deadline.
func (b *Bus) Close(ctx context.Context) {
	b.closeOnce.Do(func() {
		close(b.closing)
		close(b.workQueue)
	})

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.log.Warn().Msg("Event bus shutdown timed out, some events may be lost")
	}
}
