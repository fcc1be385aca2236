package events

import (
	"sync"
	"time"

	"github.com/cuemby/lattice/pkg/types"
)

// EventType represents the type of event
type EventType string

const (
	EventJobQueued        EventType = "job.queued"
	EventJobDispatched    EventType = "job.dispatched"
	EventJobCompleted     EventType = "job.completed"
	EventJobFailed        EventType = "job.failed"
	EventJobOrphaned      EventType = "job.orphaned"
	EventResultAccepted   EventType = "result.accepted"
	EventResultRejected   EventType = "result.rejected"
	EventExecutorJoined   EventType = "executor.joined"
	EventExecutorFailed   EventType = "executor.failed"
	EventExecutorDropped  EventType = "executor.dropped"
	EventPeerStateChanged EventType = "peer.state_changed"
	EventSyncCompleted    EventType = "sync.completed"
	EventEmergencyDeclared EventType = "emergency.declared"
	EventEmergencyCleared  EventType = "emergency.cleared"
)

// Event represents a node-local observable event. Every event carries
// the clock snapshot taken when it happened, so subscribers can reason
// about causality.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	NodeID    string
	JobID     string
	Clock     types.ClockSnapshot
	Message   string
	Metadata  map[string]string
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

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
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
