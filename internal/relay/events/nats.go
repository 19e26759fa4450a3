package events

import (
	"context"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-app/internal/message"
)

type NATS struct {
	nc  *nats.Conn
	log *zap.SugaredLogger
}

func NewNATS(url string, log *zap.SugaredLogger) (*NATS, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("chatd"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if log != nil && err != nil {
				log.Warnw("nats disconnected", "err", err)
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATS{nc: nc, log: log}, nil
}

func (p *NATS) PublishMessageSent(_ context.Context, m message.Message) error {
	b, err := messageSent(m)
	if err != nil {
		return err
	}
	return p.nc.Publish(SubjectMessageSent, b)
}

func (p *NATS) PublishConversationCreated(_ context.Context, c message.Conversation) error {
	b, err := conversationCreated(c)
	if err != nil {
		return err
	}
	return p.nc.Publish(SubjectConversationCreated, b)
}

// Close flushes pending publishes before closing.
func (p *NATS) Close() error {
	return p.nc.Drain()
}
