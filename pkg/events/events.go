// Package events implements a fan-out broadcast channel for task and
// instance lifecycle events: a published event is queued on the broker and
// copied into every subscriber's bounded buffer, with listener
// registration via Subscribe/Unsubscribe.
package events

import (
	"sync"
	"time"
)

// Kind is the type of event flowing through the broker.
type Kind string

const (
	KindTaskSubmitted  Kind = "task.submitted"
	KindTaskAssigned   Kind = "task.assigned"
	KindTaskStolen     Kind = "task.stolen"
	KindTaskFinished   Kind = "task.finished"
	KindTaskReclaimed  Kind = "task.reclaimed"
	KindInstanceBooted Kind = "instance.booted"
	KindInstanceDown   Kind = "instance.down"
	KindAutoscaleCreate Kind = "autoscale.create"
	KindAutoscaleKill   Kind = "autoscale.kill"
)

// Event is one occurrence published to the broker.
type Event struct {
	Kind       Kind
	Timestamp  time.Time
	InstanceID string
	TaskID     string
	Message    string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker distributes events to all current subscribers, dropping for any
// subscriber whose buffer is full rather than blocking the publisher.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a broker with a 256-event internal buffer.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new subscription.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues an event for distribution.
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
			// Subscriber buffer full; drop rather than block the broker.
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
