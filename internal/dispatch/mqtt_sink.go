package dispatch

import (
	"context"
	"encoding/json"
	"time"
)

// Publisher is the part of common/mqtt.Client the sink needs.
type Publisher interface {
	Publish(topic string, retained bool, payload []byte, timeout time.Duration) error
}

// MQTTSink 将通知发布到 {prefix}{recipient} 主题（由床旁终端/叫号屏订阅）
type MQTTSink struct {
	pub     Publisher
	prefix  string
	timeout time.Duration
}

type mqttNotification struct {
	Recipient string    `json:"recipient"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sent_at"`
}

func NewMQTTSink(pub Publisher, topicPrefix string, timeout time.Duration) *MQTTSink {
	return &MQTTSink{pub: pub, prefix: topicPrefix, timeout: timeout}
}

func (s *MQTTSink) Send(ctx context.Context, recipient, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(mqttNotification{Recipient: recipient, Text: text, SentAt: time.Now().UTC()})
	if err != nil {
		return Permanent(err)
	}

	timeout := s.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	return s.pub.Publish(s.prefix+recipient, false, payload, timeout)
}
