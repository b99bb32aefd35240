package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	RealtimeEventProductChanged  = "product-change"
	RealtimeEventProductConflict = "product-conflict"
	realtimeEventHeartbeat       = "heartbeat"
	realtimeSourceBackend        = "flowz-backend"

	defaultListenerBuffer = 16
)

// RealtimeMessage is fanned out to every listener of its topic. Topics are store ids.
type RealtimeMessage struct {
	Topic      string
	EventType  string
	ProductIDs []string
	Timestamp  time.Time
}

// RealtimeDispatcher fans product notifications out to the editor connections of a store.
type RealtimeDispatcher struct {
	mu      sync.RWMutex
	feeds   map[string]storeFeed
	buffer  int
	dropped atomic.Uint64
}

type storeFeed map[*feedListener]struct{}

type feedListener struct {
	messages chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		feeds:  make(map[string]storeFeed),
		buffer: defaultListenerBuffer,
	}
}

// Subscribe registers a buffered listener for topic until ctx ends or cleanup runs.
// A listener whose buffer is full misses the message.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, topic string) (<-chan RealtimeMessage, func()) {
	if topic == "" {
		closed := make(chan RealtimeMessage)
		close(closed)
		return closed, func() {}
	}

	listener := &feedListener{messages: make(chan RealtimeMessage, d.buffer)}
	d.mu.Lock()
	feed, ok := d.feeds[topic]
	if !ok {
		feed = make(storeFeed)
		d.feeds[topic] = feed
	}
	feed[listener] = struct{}{}
	d.mu.Unlock()

	var once sync.Once
	leave := func() { once.Do(func() { d.leave(topic, listener) }) }
	stop := context.AfterFunc(ctx, leave)
	return listener.messages, func() {
		stop()
		leave()
	}
}

// Publish delivers message to the current listeners of its topic without blocking.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.Topic == "" || message.EventType == "" {
		return
	}
	for _, listener := range d.listeners(message.Topic) {
		select {
		case listener.messages <- message:
		default:
			d.dropped.Add(1)
		}
	}
}

// SubscriberCount reports the live listeners of topic.
func (d *RealtimeDispatcher) SubscriberCount(topic string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.feeds[topic])
}

// DroppedMessages reports how many deliveries were skipped because a listener lagged.
func (d *RealtimeDispatcher) DroppedMessages() uint64 {
	return d.dropped.Load()
}

func (d *RealtimeDispatcher) listeners(topic string) []*feedListener {
	d.mu.RLock()
	defer d.mu.RUnlock()
	feed := d.feeds[topic]
	snapshot := make([]*feedListener, 0, len(feed))
	for listener := range feed {
		snapshot = append(snapshot, listener)
	}
	return snapshot
}

func (d *RealtimeDispatcher) leave(topic string, listener *feedListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	feed := d.feeds[topic]
	delete(feed, listener)
	if len(feed) == 0 {
		delete(d.feeds, topic)
	}
}
