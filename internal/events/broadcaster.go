// ABOUTME: In-memory fan-out broadcaster implementing the notification sink.
// ABOUTME: Publishes notifications to topic subscribers and firehose subscribers.

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// Firehose is the topic that receives every notification.
	Firehose = "*"
)

// Notification is one observable occurrence.
type Notification struct {
	ID         string         `json:"id"`
	Name       string         `json:"event"`
	Severity   string         `json:"severity"`
	CommandID  string         `json:"command_id,omitempty"`
	DeviceID   string         `json:"device_id,omitempty"`
	MacroRunID string         `json:"macro_run_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	At         time.Time      `json:"at"`
}

// Topics returns the topics a notification is delivered to besides the
// firehose.
func (n *Notification) Topics() []string {
	var topics []string
	if n.CommandID != "" {
		topics = append(topics, "command:"+n.CommandID)
	}
	if n.DeviceID != "" {
		topics = append(topics, "device:"+n.DeviceID)
	}
	if n.MacroRunID != "" {
		topics = append(topics, "macro_run:"+n.MacroRunID)
	}
	return topics
}

// CommandTopic is the topic for notifications about one command.
func CommandTopic(commandID string) string { return "command:" + commandID }

// DeviceTopic is the topic for notifications about one device.
func DeviceTopic(deviceID string) string { return "device:" + deviceID }

// Sink receives notifications.
type Sink interface {
	Publish(n Notification)
}

// Discard is a Sink that drops everything.
type Discard struct{}

// Publish implements Sink.
func (Discard) Publish(Notification) {}

// Broadcaster provides in-memory pub/sub for notifications.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Notification // topic -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Notification),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for topic. The subscription is removed
// and its channel closed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, topic string) (<-chan Notification, string) {
	subID := uuid.New().String()
	ch := make(chan Notification, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]chan Notification)
	}
	b.subscribers[topic][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, subID)
	}()

	return ch, subID
}

// Publish delivers n to the firehose and to every topic it belongs to.
// Sends happen under the read lock so Unsubscribe cannot close a channel
// mid-send; they are non-blocking so the lock is held briefly.
func (b *Broadcaster) Publish(n Notification) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, topic := range append([]string{Firehose}, n.Topics()...) {
		for subID, ch := range b.subscribers[topic] {
			select {
			case ch <- n:
			default:
				b.logger.Debug("dropped notification for slow subscriber",
					"topic", topic,
					"sub_id", subID,
					"event", n.Name)
			}
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}

	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// SubscriberCount returns the number of subscribers on topic.
func (b *Broadcaster) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic])
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for topic, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
