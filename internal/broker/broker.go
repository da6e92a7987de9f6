// Package broker fans structured events out to live observers and keeps a
// bounded per-topic history for late joiners.
package broker

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/christippett/7apps-in-7minutes/internal/domain"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// replayTopics are replayed to newly connected subscribers, oldest first.
var replayTopics = []string{domain.TopicLog}

// Broker broadcasts messages to all connected subscribers. Delivery is
// best-effort: a failed subscriber is pruned without affecting the rest.
type Broker struct {
	mu       sync.Mutex
	subs     map[Subscriber]struct{}
	history  map[string][]domain.Message
	capacity int
	logger   *slog.Logger
}

// New creates a broker whose per-topic history holds up to capacity messages.
func New(capacity int, logger *slog.Logger) *Broker {
	if capacity <= 0 {
		capacity = 100
	}
	return &Broker{
		subs:     make(map[Subscriber]struct{}),
		history:  make(map[string][]domain.Message),
		capacity: capacity,
		logger:   logger,
	}
}

// Connect replays buffered log history to the subscriber, then registers it
// for live broadcasts. Replay and registration happen under the broker lock:
// a message sent while a subscriber is joining is either part of its replay
// or delivered after it, never interleaved.
func (b *Broker) Connect(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range replayTopics {
		for _, msg := range b.history[topic] {
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := sub.Send(payload); err != nil {
				sub.Close()
				return
			}
		}
	}
	b.subs[sub] = struct{}{}
}

// Disconnect deregisters a subscriber. Safe to call more than once.
func (b *Broker) Disconnect(sub Subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Send records a message in the topic history and broadcasts it to every
// connected subscriber. Subscribers that fail to accept it are dropped.
// Delivery runs outside the lock; each topic is fed by a single producer
// goroutine, which keeps per-topic delivery order equal to send order.
func (b *Broker) Send(topic string, data map[string]any) {
	msg := domain.NewMessage(topic, data)
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Warn("failed to marshal broker message", "topic", topic, "error", err)
		return
	}

	b.mu.Lock()
	buf := append(b.history[topic], msg)
	if len(buf) > b.capacity {
		buf = buf[len(buf)-b.capacity:]
	}
	b.history[topic] = buf

	// Snapshot before sending so a disconnect during delivery cannot
	// corrupt iteration.
	snapshot := make([]Subscriber, 0, len(b.subs))
	for sub := range b.subs {
		snapshot = append(snapshot, sub)
	}
	b.mu.Unlock()

	for _, sub := range snapshot {
		if err := sub.Send(payload); err != nil {
			b.logger.Debug("dropping unresponsive subscriber", "topic", topic, "error", err)
			b.Disconnect(sub)
			sub.Close()
		}
	}
}

// Purge clears the buffered history for a topic.
func (b *Broker) Purge(topic string) {
	b.mu.Lock()
	delete(b.history, topic)
	b.mu.Unlock()
}

// History returns a copy of the buffered messages for a topic.
func (b *Broker) History(topic string) []domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Message(nil), b.history[topic]...)
}
