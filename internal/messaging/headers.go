package messaging

import "github.com/segmentio/kafka-go"

const headerEventKind = "event-kind"

// headerCarrier adapts Kafka message headers to the OTel text map carrier
// interface so trace context travels with each event.
type headerCarrier struct {
	msg *kafka.Message
}

func (c headerCarrier) Get(key string) string {
	return headerValue(c.msg, key)
}

func (c headerCarrier) Set(key, value string) {
	setHeader(c.msg, key, value)
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.msg.Headers))
	for _, h := range c.msg.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}

func headerValue(msg *kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// setHeader replaces key if present, otherwise appends it.
func setHeader(msg *kafka.Message, key, value string) {
	for i := range msg.Headers {
		if msg.Headers[i].Key == key {
			msg.Headers[i].Value = []byte(value)
			return
		}
	}
	msg.Headers = append(msg.Headers, kafka.Header{Key: key, Value: []byte(value)})
}
