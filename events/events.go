// Package events delivers session lifecycle notifications to subscribers.
package events

import (
	"log/slog"
	"sync"
	"time"

	authkit "github.com/chimerakang/authkit-go"
)

// Type identifies a lifecycle event.
type Type string

const (
	// SessionExpired: the session was forcibly cleared after a fatal refresh failure.
	SessionExpired Type = "auth:expired"
	// RequireLogin: an authenticated action was attempted with no valid session.
	RequireLogin Type = "auth:requireLogin"
	LoggedIn     Type = "auth:login"
	LoggedOut    Type = "auth:logout"
	Refreshed    Type = "auth:refreshed"
)

// Event is a lifecycle notification. Delivery is fire-and-forget.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"user_id,omitempty"`
	Origin    authkit.Origin `json:"origin,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

// Handler processes events on the bus goroutine. A slow handler delays every
// later event; once the queue is full, new events are dropped.
type Handler func(event Event)

// Bus fans events out to subscribers from a single goroutine, in publish order.
type Bus struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[uint64]Handler
	nextID   uint64

	queue     chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures Bus behavior.
type Option func(*Bus)

// WithLogger sets the logger that reports dropped events.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithHandler subscribes h for the lifetime of the bus.
func WithHandler(h Handler) Option {
	return func(b *Bus) { b.Subscribe(h) }
}

// WithLogHandler logs every event at info level.
func WithLogHandler(l *slog.Logger) Option {
	return func(b *Bus) {
		b.Subscribe(func(e Event) {
			l.Info("auth_event",
				slog.String("type", string(e.Type)),
				slog.String("user_id", e.UserID),
				slog.String("origin", string(e.Origin)),
				slog.String("reason", e.Reason),
			)
		})
	}
}

// New creates a bus with buffered async delivery.
// bufferSize: event queue buffer size (default: 64).
func New(bufferSize int, opts ...Option) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}

	b := &Bus{
		logger:   slog.Default(),
		handlers: make(map[uint64]Handler),
		queue:    make(chan Event, bufferSize),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.wg.Add(1)
	go b.process()

	return b
}

// Subscribe registers h and returns a func that removes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// Publish queues an event without blocking. Events published after Close, or
// while the queue is full, are dropped.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-b.done:
		return
	default:
	}

	select {
	case b.queue <- event:
	default:
		b.logger.Warn("event_dropped", slog.String("type", string(event.Type)), slog.Int("queue", cap(b.queue)))
	}
}

func (b *Bus) process() {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.queue:
			b.dispatch(event)
		case <-b.done:
			for {
				select {
				case event := <-b.queue:
					b.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(event)
	}
}

// Close delivers pending events and stops the bus. Safe to call more than once.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	b.wg.Wait()
	return nil
}
