package events

import (
	"sync"
	"time"

	"github.com/cuemby/minerguard/pkg/metrics"
	"github.com/cuemby/minerguard/pkg/types"
)

// Event is an audit event as seen by live subscribers. The durable record
// is the audit chain; a subscriber that falls behind misses events.
type Event struct {
	ID        string
	TenantID  string
	Type      string
	Result    types.AuditResult
	ActorID   string
	Target    string
	Timestamp time.Time
	Metadata  map[string]string
}

// FromAudit converts an appended audit event
func FromAudit(e *types.AuditEvent) *Event {
	meta := make(map[string]string)
	for _, key := range e.Detail.Keys() {
		if v, ok := e.Detail.Get(key); ok {
			meta[key] = v
		}
	}
	target := ""
	if e.TargetType != "" {
		target = string(e.TargetType) + "/" + e.TargetID
	}
	return &Event{
		ID:        e.ID,
		TenantID:  e.TenantID,
		Type:      e.EventType,
		Result:    e.Result,
		ActorID:   e.ActorID,
		Target:    target,
		Timestamp: e.CreatedAt,
		Metadata:  meta,
	}
}

// IsAlert reports whether the event records a denied or failed step
func (e *Event) IsAlert() bool {
	return e.Result == types.AuditResultDenied || e.Result == types.AuditResultFailure
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event for every subscriber. It never blocks the caller:
// when the queue is full or the broker is stopped the event is dropped.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-b.stopCh:
		return
	default:
	}

	select {
	case b.eventCh <- event:
	default:
		metrics.EventsDroppedTotal.WithLabelValues("queue_full").Inc()
	}
}

// PublishAudit publishes an appended audit event
func (b *Broker) PublishAudit(e *types.AuditEvent) {
	b.Publish(FromAudit(e))
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			metrics.EventsDroppedTotal.WithLabelValues("slow_subscriber").Inc()
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
