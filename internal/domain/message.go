package domain

import "time"

// Event topics broadcast by the notification broker.
const (
	TopicLog        = "log"
	TopicBuild      = "build"
	TopicRefreshApp = "refresh-app"
	TopicAppUpdated = "app-updated"
	TopicEcho       = "echo"
)

// Message is the envelope broadcast to live observers. Timestamp reflects
// construction time, not delivery time.
type Message struct {
	Topic     string         `json:"topic"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewMessage stamps a message for the given topic.
func NewMessage(topic string, data map[string]any) Message {
	if data == nil {
		data = map[string]any{}
	}
	return Message{Topic: topic, Data: data, Timestamp: time.Now().UTC()}
}
