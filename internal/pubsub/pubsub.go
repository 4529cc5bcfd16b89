package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	chatTopicPrefix = "chat/"

	// ChatTopicPattern matches every chat topic on pattern-capable transports.
	ChatTopicPattern = chatTopicPrefix + "*"
)

// Envelope types carried on chat topics.
const (
	TypeMessage   = "message"
	TypeChatEnded = "chat_ended"
)

// Publisher delivers a payload to all current subscribers of a topic.
// Implementations must preserve per-topic publish order.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Envelope is the frame every subscriber of a chat topic receives.
type Envelope struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// ChatTopic returns the broadcast topic for a chat.
func ChatTopic(chatID uint) string {
	return chatTopicPrefix + strconv.FormatUint(uint64(chatID), 10)
}

// ParseChatTopic extracts the chat id from a topic produced by ChatTopic.
func ParseChatTopic(topic string) (uint, error) {
	rest, ok := strings.CutPrefix(topic, chatTopicPrefix)
	if !ok || rest == "" {
		return 0, fmt.Errorf("not a chat topic: %q", topic)
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("not a chat topic: %q", topic)
	}
	return uint(id), nil
}

// Encode marshals data into an envelope for topic.
func Encode(typ, topic string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}
	return json.Marshal(Envelope{Type: typ, Topic: topic, Data: raw})
}
