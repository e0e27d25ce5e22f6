package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SCSIExpress/pacsync/pkg/log"
	"github.com/SCSIExpress/pacsync/pkg/metrics"
	"github.com/SCSIExpress/pacsync/pkg/types"
)

// Subscriber is a channel that receives events for one endpoint
type Subscriber chan *types.Event

// Broker fans coordinator events out to per-endpoint subscribers. An
// endpoint can have multiple subscribers (one per open WebSocket
// connection); events published for an endpoint go to all of them.
type Broker struct {
	subscribers map[string]map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *types.Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[string]map[Subscriber]bool),
		eventCh:     make(chan *types.Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker and closes all subscriber channels
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)

		b.mu.Lock()
		defer b.mu.Unlock()
		for _, subs := range b.subscribers {
			for sub := range subs {
				close(sub)
			}
		}
		b.subscribers = make(map[string]map[Subscriber]bool)
	})
}

// Subscribe creates a subscription for one endpoint's events
func (b *Broker) Subscribe(endpointID string) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	if b.subscribers[endpointID] == nil {
		b.subscribers[endpointID] = make(map[Subscriber]bool)
	}
	b.subscribers[endpointID][sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Broker) Unsubscribe(endpointID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[endpointID]
	if subs == nil || !subs[sub] {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.subscribers, endpointID)
	}
	close(sub)
}

// Publish queues an event for distribution to the endpoint's subscribers
func (b *Broker) Publish(event *types.Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
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

func (b *Broker) broadcast(event *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers[event.EndpointID] {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
			metrics.EventsDropped.Inc()
			log.WithComponent("events").Warn().
				Str("endpoint_id", event.EndpointID).
				Str("event_type", string(event.Type)).
				Msg("dropping event for slow subscriber")
		}
	}
}

// SubscriberCount returns the number of active subscribers across all
// endpoints.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}
