package events

import (
	"sync"
	"time"

	"github.com/ventisec/ventiscan/pkg/log"
)

// EventType represents the type of security event
type EventType string

const (
	EventLoginSuccess   EventType = "auth.login.success"
	EventLoginFailure   EventType = "auth.login.failure"
	EventAuthDenied     EventType = "auth.denied"
	EventAdminAction    EventType = "admin.action"
	EventScanAdmitted   EventType = "scan.admitted"
	EventScanStarted    EventType = "scan.started"
	EventScanCompleted  EventType = "scan.completed"
	EventScanFailed     EventType = "scan.failed"
	EventScanCancelled  EventType = "scan.cancelled"
	EventScanDeleted    EventType = "scan.deleted"
	EventWorkerSpawned  EventType = "worker.spawned"
	EventWorkerExited   EventType = "worker.exited"
	EventRateLimited    EventType = "ratelimit.denied"
	EventInputRejected  EventType = "validation.rejected"
	EventArtifactsSwept EventType = "gc.swept"
)

// Event represents a security-relevant action. Metadata must never contain
// credentials or raw target response bodies beyond the evidence cap.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Principal string
	ScanID    string
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker distributes security events to subscribers and mirrors every
// event into the structured audit log.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to the audit log and all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.audit(event)

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// audit writes the event to the structured audit stream.
func (b *Broker) audit(event *Event) {
	ev := log.WithComponent("audit").Info().
		Str("event", string(event.Type)).
		Time("at", event.Timestamp)
	if event.Principal != "" {
		ev = ev.Str("principal", event.Principal)
	}
	if event.ScanID != "" {
		ev = ev.Str("scan_id", event.ScanID)
	}
	for k, v := range event.Metadata {
		ev = ev.Str(k, v)
	}
	ev.Msg(event.Message)
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
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
