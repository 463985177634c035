package events

import (
	"sync"
	"time"

	"github.com/cuemby/quilt/pkg/types"
)

// Subscriber is a channel that receives container lifecycle events.
type Subscriber chan *types.Event

// Broker distributes container events to any number of subscribers. Each
// container gets its own monotonic sequence counter so a subscriber can
// detect a gap (caused by its own buffer filling up) without the broker
// tracking per-subscriber cursors.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	sequences   map[string]uint64 // container id -> next sequence
	eventCh     chan *types.Event
	stopCh      chan struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		sequences:   make(map[string]uint64),
		eventCh:     make(chan *types.Event, 256),
		stopCh:      make(chan struct{}),
	}
}

func (b *Broker) Start() {
	go b.run()
}

func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe returns a channel that receives every subsequently published
// event. The channel is buffered; a subscriber that falls behind drops the
// oldest pending sends rather than blocking the broker (see broadcast).
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish stamps the event with its container's next sequence number and
// timestamp (if unset) and hands it to the distribution loop.
func (b *Broker) Publish(event *types.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	event.Sequence = b.sequences[event.ContainerID] + 1
	b.sequences[event.ContainerID] = event.Sequence
	b.mu.Unlock()

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

// broadcast is drop-oldest on a full subscriber buffer: it makes room by
// discarding the subscriber's oldest queued event rather than blocking the
// whole broker on one slow reader.
func (b *Broker) broadcast(event *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			select {
			case <-sub:
			default:
			}
			select {
			case sub <- event:
			default:
			}
		}
	}
}

func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
