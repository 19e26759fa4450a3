package channel

import (
	"encoding/json"
	"fmt"

	"github.com/fathima-sithara/chat-app/internal/message"
	"github.com/fathima-sithara/chat-app/shared/errs"
)

// EventType names server-to-client events.
type EventType string

const (
	EventNewMessage   EventType = "new_message"
	EventTyping       EventType = "typing"
	EventMessagesRead EventType = "messages_read"
)

// Event is one decoded server push. Err is set when the payload could not be
// decoded; such events carry nothing else.
type Event struct {
	Type           EventType
	ConversationID string
	UserID         string
	Message        message.Message
	Err            error
}

type envelope struct {
	Type           string           `json:"type"`
	ConversationID string           `json:"conversation_id,omitempty"`
	UserID         string           `json:"user_id,omitempty"`
	Message        *message.Message `json:"message,omitempty"`
}

// DecodeEvent parses a server push. ok is false for event types this client
// does not know, which are ignored.
func DecodeEvent(data []byte) (ev Event, ok bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Event{Err: fmt.Errorf("%w: %v", errs.ErrMalformedEvent, err)}, true
	}
	switch t := EventType(env.Type); t {
	case EventNewMessage:
		if env.Message == nil {
			return Event{Err: fmt.Errorf("%w: new_message without message", errs.ErrMalformedEvent)}, true
		}
		return Event{Type: t, ConversationID: env.Message.ConversationID, UserID: env.Message.SenderID, Message: *env.Message}, true
	case EventTyping, EventMessagesRead:
		return Event{Type: t, ConversationID: env.ConversationID, UserID: env.UserID}, true
	}
	return Event{}, false
}

// EncodeEvent is the relay side of DecodeEvent.
func EncodeEvent(ev Event) ([]byte, error) {
	env := envelope{Type: string(ev.Type), ConversationID: ev.ConversationID, UserID: ev.UserID}
	if ev.Type == EventNewMessage {
		m := ev.Message
		env.Message = &m
		env.ConversationID = ""
		env.UserID = ""
	}
	return json.Marshal(env)
}

// FrameType names client-to-server frames.
type FrameType string

const (
	FrameMessage FrameType = "message"
	FrameTyping  FrameType = "typing"
	FrameRead    FrameType = "read"
)

type Frame struct {
	Type           FrameType         `json:"type"`
	ConversationID string            `json:"conversation_id"`
	ClientID       string            `json:"client_id,omitempty"`
	Content        *string           `json:"content,omitempty"`
	MsgType        string            `json:"msg_type,omitempty"`
	FileURL        string            `json:"file_url,omitempty"`
	FileName       string            `json:"file_name,omitempty"`
	ReplyTo        *message.ReplyRef `json:"reply_to,omitempty"`
}

func MessageFrame(conversationID, clientID string, d message.Draft) Frame {
	content, ref, name := message.Fields(d.Body)
	return Frame{
		Type:           FrameMessage,
		ConversationID: conversationID,
		ClientID:       clientID,
		Content:        content,
		MsgType:        string(d.Body.Kind()),
		FileURL:        ref,
		FileName:       name,
		ReplyTo:        d.ReplyTo,
	}
}

func TypingFrame(conversationID string) Frame {
	return Frame{Type: FrameTyping, ConversationID: conversationID}
}

func ReadFrame(conversationID string) Frame {
	return Frame{Type: FrameRead, ConversationID: conversationID}
}

// Draft rebuilds the draft carried by a message frame.
func (f Frame) Draft() (message.Draft, error) {
	kind := message.KindText
	if f.MsgType != "" {
		k, ok := message.ParseKind(f.MsgType)
		if !ok {
			return message.Draft{}, fmt.Errorf("unknown msg_type %q", f.MsgType)
		}
		kind = k
	}
	var content string
	if f.Content != nil {
		content = *f.Content
	}
	body, err := message.NewBody(kind, content, f.FileURL, f.FileName)
	if err != nil {
		return message.Draft{}, err
	}
	return message.Draft{Body: body, ReplyTo: f.ReplyTo}, nil
}
