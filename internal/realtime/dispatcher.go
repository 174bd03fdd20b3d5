package realtime

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/parley/internal/metrics"
)

const defaultBufferSize = 16

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	BufferSize int
	Metrics    *metrics.Collector
}

// Dispatcher keeps in-process subscribers per conversation. Delivery is best effort:
// a subscriber whose buffer is full misses the event and reconciles by replaying messages.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	metrics     *metrics.Collector
}

type subscriber struct {
	id     int64
	stream chan Event
	once   sync.Once
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  bufferSize,
		metrics:     cfg.Metrics,
	}
}

// Subscribe registers a stream for the conversation. The stream is released when ctx ends
// or cleanup is called, whichever happens first.
func (d *Dispatcher) Subscribe(ctx context.Context, conversationID string) (<-chan Event, func()) {
	if conversationID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	entry := &subscriber{stream: make(chan Event, d.bufferSize)}
	d.register(conversationID, entry)
	cleanup := func() {
		entry.once.Do(func() {
			d.unregister(conversationID, entry.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return entry.stream, cleanup
}

func (d *Dispatcher) Publish(event Event) {
	if event.ConversationID == "" || event.Type == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.ConversationID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, entry := range subscribers {
		copies = append(copies, entry)
	}
	d.mu.RUnlock()
	for _, entry := range copies {
		select {
		case entry.stream <- event:
		default:
			d.metrics.RealtimeDropped()
		}
	}
}

// SubscriberCount reports live subscribers for a conversation.
func (d *Dispatcher) SubscriberCount(conversationID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[conversationID])
}

func (d *Dispatcher) register(conversationID string, entry *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	entry.id = d.nextID
	if _, ok := d.subscribers[conversationID]; !ok {
		d.subscribers[conversationID] = make(map[int64]*subscriber)
	}
	d.subscribers[conversationID][entry.id] = entry
	d.metrics.SubscriberAdded()
}

func (d *Dispatcher) unregister(conversationID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[conversationID]
	if subscribers == nil {
		return
	}
	if _, ok := subscribers[subscriberID]; !ok {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(d.subscribers, conversationID)
	}
	d.metrics.SubscriberRemoved()
}
