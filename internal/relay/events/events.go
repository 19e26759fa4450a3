// Package events publishes relay domain events to a broker so other services
// can follow chat activity.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-app/internal/message"
)

const (
	SubjectMessageSent         = "message.sent"
	SubjectConversationCreated = "conversation.created"
)

type Publisher interface {
	PublishMessageSent(ctx context.Context, m message.Message) error
	PublishConversationCreated(ctx context.Context, c message.Conversation) error
	Close() error
}

type MessageSent struct {
	ConversationID string         `json:"conversation_id"`
	Message        message.Record `json:"message"`
	SentAt         time.Time      `json:"sent_at"`
}

type ConversationCreated struct {
	ConversationID string    `json:"conversation_id"`
	Participants   []string  `json:"participants"`
	CreatedAt      time.Time `json:"created_at"`
}

func messageSent(m message.Message) ([]byte, error) {
	return json.Marshal(MessageSent{ConversationID: m.ConversationID, Message: m.Record(), SentAt: time.Now().UTC()})
}

func conversationCreated(c message.Conversation) ([]byte, error) {
	return json.Marshal(ConversationCreated{ConversationID: c.ID, Participants: c.Participants, CreatedAt: c.CreatedAt})
}

type Noop struct{}

func (Noop) PublishMessageSent(context.Context, message.Message) error              { return nil }
func (Noop) PublishConversationCreated(context.Context, message.Conversation) error { return nil }
func (Noop) Close() error                                                          { return nil }

// Options selects and configures a backend.
type Options struct {
	Backend                  string
	KafkaBrokers             []string
	TopicMessageSent         string
	TopicConversationCreated string
	NATSURL                  string
}

// New builds the publisher named by opts.Backend: "kafka", "nats", or
// "noop"/"" for none.
func New(opts Options, log *zap.SugaredLogger) (Publisher, error) {
	switch opts.Backend {
	case "", "noop":
		return Noop{}, nil
	case "kafka":
		return NewKafka(opts.KafkaBrokers, opts.TopicMessageSent, opts.TopicConversationCreated), nil
	case "nats":
		return NewNATS(opts.NATSURL, log)
	}
	return nil, fmt.Errorf("events: unknown backend %q", opts.Backend)
}
