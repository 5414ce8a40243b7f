package relay

import (
	"fmt"

	"github.com/temoto/roomrelay/reading"
)

const (
	TopicMaxLen   = 64
	PayloadMaxLen = 256
)

// RawMessage is one inbound publish, copied by value through Queue.
type RawMessage struct {
	Topic   string
	Payload string
}

// NewRawMessage copies topic and payload with silent truncation to TopicMaxLen and PayloadMaxLen.
// Transport is expected to bound them already, this is second line.
func NewRawMessage(topic string, payload []byte) RawMessage {
	if len(payload) > PayloadMaxLen {
		payload = payload[:PayloadMaxLen]
	}
	return RawMessage{
		Topic:   reading.Bound(topic, TopicMaxLen),
		Payload: string(payload),
	}
}

func (m RawMessage) String() string {
	return fmt.Sprintf("topic=%s payload=%q", m.Topic, m.Payload)
}
