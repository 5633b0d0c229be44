// Package memory keeps run notifications in process. It stands in for Pub/Sub
// when no topic is configured and lets tests inspect what would have been sent.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultRetain bounds how many messages a long-lived server keeps.
const DefaultRetain = 100

// Message is one encoded notification.
type Message struct {
	ID    string
	Topic string
	Data  []byte
}

// Publisher records notifications, oldest first.
type Publisher struct {
	mu       sync.Mutex
	messages []Message
	seq      int
	retain   int
	logger   *zap.Logger
}

// New returns a Publisher that keeps the last DefaultRetain messages.
func New(logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{retain: DefaultRetain, logger: logger.Named("publisher")}
}

// Publish encodes payload as JSON and records it.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Data: data})
	if over := len(p.messages) - p.retain; over > 0 {
		p.messages = append(p.messages[:0:0], p.messages[over:]...)
	}
	p.mu.Unlock()

	p.logger.Info("notification kept in memory",
		zap.String("message_id", id),
		zap.String("topic", topic),
		zap.Int("bytes", len(data)),
	)
	return id, nil
}

// Messages returns a copy of the retained messages.
func (p *Publisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// Last decodes the newest message into v. It reports false when nothing was
// published.
func (p *Publisher) Last(v any) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.messages) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(p.messages[len(p.messages)-1].Data, v); err != nil {
		return true, fmt.Errorf("decode message: %w", err)
	}
	return true, nil
}
