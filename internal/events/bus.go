// Package events carries capture notifications between the runner, the
// backends, the device monitor and the CLI. Chatty events such as process
// output and video frames are dropped when a subscriber falls behind;
// lifecycle events wait briefly for room instead.
package events

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Event types.
const (
	EventTypeProcessOutput     = "ProcessOutput"
	EventTypeProcessExited     = "ProcessExited"
	EventTypeDeviceAttached    = "DeviceAttached"
	EventTypeDeviceDetached    = "DeviceDetached"
	EventTypeSessionTransition = "SessionTransition"
	// EventTypePacketsCaptured carries the packet count a capture tool reports on exit.
	EventTypePacketsCaptured = "PacketsCaptured"
	EventTypeVideoFrame      = "VideoFrame"
	// EventTypeCaptureAlert reports a problem the operator should see.
	EventTypeCaptureAlert = "CaptureAlert"
	EventTypeHealthCheck  = "HealthCheck"
)

// Severities.
const (
	SeverityInfo  = "INFO"
	SeverityWarn  = "WARN"
	SeverityError = "ERROR"
)

const (
	// DefaultBufferSize is the queue length of each subscriber.
	DefaultBufferSize = 100
	// LifecycleWait bounds how long Publish waits on a full queue for a
	// lifecycle event.
	LifecycleWait = 250 * time.Millisecond
)

// lifecycle events describe session or device state and are not dropped
// on the first full queue.
var lifecycle = map[string]bool{
	EventTypeProcessExited:     true,
	EventTypeDeviceAttached:    true,
	EventTypeDeviceDetached:    true,
	EventTypeSessionTransition: true,
	EventTypePacketsCaptured:   true,
	EventTypeCaptureAlert:      true,
	EventTypeHealthCheck:       true,
}

// Event is one notification. EntityType names what EntityID identifies:
// session, device, process, capture, video or health.
type Event struct {
	Type       string
	Timestamp  time.Time
	EntityType string
	EntityID   string
	Payload    any
	Severity   string
}

// Lifecycle reports whether e waits for queue room instead of being dropped.
func (e Event) Lifecycle() bool {
	return lifecycle[e.Type]
}

// Handler consumes a published event.
type Handler func(Event)

// CancelFunc ends a subscription. It is safe to call more than once.
type CancelFunc func()

// Logger receives drop warnings.
type Logger interface {
	Warn(msg interface{}, keyvals ...interface{})
}

// Publisher is the publish half of Bus.
type Publisher interface {
	Publish(event Event)
}

// Bus publishes events and manages subscriptions.
type Bus interface {
	Publisher
	Subscribe(eventType string, handler Handler) CancelFunc
	SubscribeAll(handler Handler) CancelFunc
}

// Option configures an InMemoryBus.
type Option func(*InMemoryBus)

// WithBufferSize sets the per-subscriber queue length.
func WithBufferSize(size int) Option {
	return func(b *InMemoryBus) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// WithLogger sets where drop warnings go.
func WithLogger(logger Logger) Option {
	return func(b *InMemoryBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// InMemoryBus delivers events to each subscriber on its own goroutine.
type InMemoryBus struct {
	mu          sync.RWMutex
	bufferSize  int
	logger      Logger
	subscribers []*subscription

	droppedMu sync.Mutex
	dropped   map[string]uint64
}

// subscription filters on eventType; an empty type matches every event.
type subscription struct {
	eventType string
	queue     chan Event
	done      chan struct{}
	once      sync.Once
}

func (s *subscription) wants(event Event) bool {
	return s.eventType == "" || s.eventType == event.Type
}

// New creates a bus.
func New(options ...Option) *InMemoryBus {
	b := &InMemoryBus{
		bufferSize: DefaultBufferSize,
		logger:     log.Default(),
		dropped:    make(map[string]uint64),
	}
	for _, option := range options {
		option(b)
	}
	return b
}

// Subscribe delivers events of eventType to handler. A blank type or nil
// handler subscribes to nothing.
func (b *InMemoryBus) Subscribe(eventType string, handler Handler) CancelFunc {
	if eventType == "" || handler == nil {
		return func() {}
	}
	return b.subscribe(eventType, handler)
}

// SubscribeAll delivers every event to handler.
func (b *InMemoryBus) SubscribeAll(handler Handler) CancelFunc {
	if handler == nil {
		return func() {}
	}
	return b.subscribe("", handler)
}

func (b *InMemoryBus) subscribe(eventType string, handler Handler) CancelFunc {
	sub := &subscription{
		eventType: eventType,
		queue:     make(chan Event, b.bufferSize),
		done:      make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	go func() {
		for event := range sub.queue {
			handler(event)
		}
	}()

	return func() {
		sub.once.Do(func() {
			close(sub.done)
			b.mu.Lock()
			for i, candidate := range b.subscribers {
				if candidate == sub {
					b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(sub.queue)
		})
	}
}

// Publish stamps event and queues it for every matching subscriber.
func (b *InMemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if sub.wants(event) && !b.enqueue(sub, event) {
			b.drop(event)
		}
	}
}

// enqueue runs under the read lock, so cancel cannot close sub.queue
// until it returns.
func (b *InMemoryBus) enqueue(sub *subscription, event Event) bool {
	select {
	case sub.queue <- event:
		return true
	default:
	}
	if !event.Lifecycle() {
		return false
	}
	timer := time.NewTimer(LifecycleWait)
	defer timer.Stop()
	select {
	case sub.queue <- event:
		return true
	case <-sub.done:
		return true
	case <-timer.C:
		return false
	}
}

func (b *InMemoryBus) drop(event Event) {
	b.logger.Warn("events: dropping event for a slow subscriber",
		"type", event.Type, "entity_type", event.EntityType, "entity_id", event.EntityID, "lifecycle", event.Lifecycle())
	b.droppedMu.Lock()
	b.dropped[event.Type]++
	b.droppedMu.Unlock()
}

// Dropped returns how many deliveries of each event type were dropped.
func (b *InMemoryBus) Dropped() map[string]uint64 {
	b.droppedMu.Lock()
	defer b.droppedMu.Unlock()
	out := make(map[string]uint64, len(b.dropped))
	for eventType, count := range b.dropped {
		out[eventType] = count
	}
	return out
}

// Discard is a Publisher that drops every event.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(Event) {}

var (
	_ Bus       = (*InMemoryBus)(nil)
	_ Publisher = Discard{}
)
