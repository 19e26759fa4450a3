// Package sender tracks outgoing messages from submit to confirmation.
//
// Each outgoing message moves composing -> sending -> confirmed|failed. The
// pipeline mints the provisional id shown locally and a client id that the
// server echoes back, which is how the confirmed message finds its
// provisional twin.
package sender

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fathima-sithara/chat-app/internal/message"
)

type State int

const (
	StateComposing State = iota
	StateSending
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateComposing:
		return "composing"
	case StateSending:
		return "sending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Path is how an outgoing message was handed to the server.
type Path string

const (
	PathPush   Path = "push"
	PathDirect Path = "direct"
	PathUpload Path = "upload"
)

type Outgoing struct {
	ProvisionalID  string
	ClientID       string
	ConversationID string
	Path           Path
	State          State
	SubmittedAt    time.Time
	Err            error
}

func (o *Outgoing) advance(to State) error {
	if o.State != StateSending || (to != StateConfirmed && to != StateFailed) {
		return fmt.Errorf("sender: %s -> %s not allowed", o.State, to)
	}
	o.State = to
	return nil
}

type Pipeline struct {
	ids        message.IDSource
	pending    map[string]*Outgoing
	ackTimeout time.Duration
	newID      func() string
}

func New(ackTimeout time.Duration) *Pipeline {
	return &Pipeline{
		pending:    make(map[string]*Outgoing),
		ackTimeout: ackTimeout,
		newID:      uuid.NewString,
	}
}

// Submit builds the provisional message for d and registers it as sending.
func (p *Pipeline) Submit(d message.Draft, author message.User, conversationID string, path Path, now time.Time) (message.Message, *Outgoing) {
	o := &Outgoing{
		ProvisionalID:  p.ids.Next(),
		ClientID:       p.newID(),
		ConversationID: conversationID,
		Path:           path,
		State:          StateComposing,
		SubmittedAt:    now,
	}
	m := message.Message{
		ID:             o.ProvisionalID,
		ClientID:       o.ClientID,
		ConversationID: conversationID,
		SenderID:       author.ID,
		SenderName:     author.Name(),
		Body:           d.Body,
		ReplyTo:        d.ReplyTo,
		Timestamp:      now,
		Status:         message.StatusSending,
	}
	o.State = StateSending
	p.pending[o.ClientID] = o
	return m, o
}

// Track registers a send that has no provisional message, such as an
// upload, so its result can still be correlated by client id.
func (p *Pipeline) Track(conversationID string, path Path, now time.Time) *Outgoing {
	o := &Outgoing{
		ClientID:       p.newID(),
		ConversationID: conversationID,
		Path:           path,
		State:          StateSending,
		SubmittedAt:    now,
	}
	p.pending[o.ClientID] = o
	return o
}

// Confirm marks the send with clientID as delivered. It reports false when
// nothing was pending under that id, e.g. an echo for a send from another
// device.
func (p *Pipeline) Confirm(clientID string) (*Outgoing, bool) {
	o, ok := p.pending[clientID]
	if !ok {
		return nil, false
	}
	if err := o.advance(StateConfirmed); err != nil {
		return nil, false
	}
	delete(p.pending, clientID)
	return o, true
}

// Fail marks the send as failed and forgets it.
func (p *Pipeline) Fail(clientID string, cause error) (*Outgoing, bool) {
	o, ok := p.pending[clientID]
	if !ok {
		return nil, false
	}
	if err := o.advance(StateFailed); err != nil {
		return nil, false
	}
	o.Err = cause
	delete(p.pending, clientID)
	return o, true
}

// Expired lists push-path sends with no echo within the ack timeout.
// Direct and upload sends resolve through their own responses.
func (p *Pipeline) Expired(now time.Time) []*Outgoing {
	if p.ackTimeout <= 0 {
		return nil
	}
	var out []*Outgoing
	for _, o := range p.pending {
		if o.Path == PathPush && !now.Before(o.SubmittedAt.Add(p.ackTimeout)) {
			out = append(out, o)
		}
	}
	sortByID(out)
	return out
}

func (p *Pipeline) Pending() []*Outgoing {
	out := make([]*Outgoing, 0, len(p.pending))
	for _, o := range p.pending {
		out = append(out, o)
	}
	sortByID(out)
	return out
}

func (p *Pipeline) Get(clientID string) (*Outgoing, bool) {
	o, ok := p.pending[clientID]
	return o, ok
}

// Reset forgets every pending send, used when the conversation changes.
func (p *Pipeline) Reset() {
	clear(p.pending)
}

func sortByID(os []*Outgoing) {
	slices.SortFunc(os, func(a, b *Outgoing) int {
		if c := len(a.ProvisionalID) - len(b.ProvisionalID); c != 0 {
			return c
		}
		return strings.Compare(a.ProvisionalID, b.ProvisionalID)
	})
}

// Compose is the pending reply target for the next send.
type Compose struct {
	reply *message.ReplyRef
}

func (c *Compose) SetReply(r *message.ReplyRef) { c.reply = r }

func (c *Compose) Reply() *message.ReplyRef { return c.reply }

// Take returns the reply target and clears it.
func (c *Compose) Take() *message.ReplyRef {
	r := c.reply
	c.reply = nil
	return r
}
