package events

import (
	"context"
	"errors"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/fathima-sithara/chat-app/internal/message"
)

type Kafka struct {
	messages *kafkago.Writer
	convs    *kafkago.Writer
}

func NewKafka(brokers []string, messageTopic, convTopic string) *Kafka {
	if messageTopic == "" {
		messageTopic = SubjectMessageSent
	}
	if convTopic == "" {
		convTopic = SubjectConversationCreated
	}
	return &Kafka{messages: newWriter(brokers, messageTopic), convs: newWriter(brokers, convTopic)}
}

func newWriter(brokers []string, topic string) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// PublishMessageSent keys by conversation so one conversation's events stay
// ordered within a partition.
func (k *Kafka) PublishMessageSent(ctx context.Context, m message.Message) error {
	b, err := messageSent(m)
	if err != nil {
		return err
	}
	return k.messages.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(m.ConversationID),
		Value: b,
		Time:  time.Now(),
	})
}

func (k *Kafka) PublishConversationCreated(ctx context.Context, c message.Conversation) error {
	b, err := conversationCreated(c)
	if err != nil {
		return err
	}
	return k.convs.WriteMessages(ctx, kafkago.Message{Key: []byte(c.ID), Value: b, Time: time.Now()})
}

func (k *Kafka) Close() error {
	return errors.Join(k.messages.Close(), k.convs.Close())
}
