package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindVoice Kind = "voice"
)

func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case KindText, KindImage, KindVideo, KindVoice:
		return k, true
	}
	return "", false
}

// Body is the kind-specific payload of a message. The set of variants is
// closed: Text, Image, Video and Voice.
type Body interface {
	Kind() Kind
	sealed()
}

type Text struct {
	Content string
}

// Media bodies carry an opaque file locator and the original file name.
type Image struct {
	FileRef string
	Name    string
}

type Video struct {
	FileRef string
	Name    string
}

type Voice struct {
	FileRef string
	Name    string
}

func (Text) Kind() Kind  { return KindText }
func (Image) Kind() Kind { return KindImage }
func (Video) Kind() Kind { return KindVideo }
func (Voice) Kind() Kind { return KindVoice }

func (Text) sealed()  {}
func (Image) sealed() {}
func (Video) sealed() {}
func (Voice) sealed() {}

// NewBody builds the variant for kind. Media kinds require a file ref.
func NewBody(kind Kind, content, fileRef, name string) (Body, error) {
	switch kind {
	case KindText:
		return Text{Content: content}, nil
	case KindImage, KindVideo, KindVoice:
		if fileRef == "" {
			return nil, fmt.Errorf("%s message without file_url", kind)
		}
		switch kind {
		case KindImage:
			return Image{FileRef: fileRef, Name: name}, nil
		case KindVideo:
			return Video{FileRef: fileRef, Name: name}, nil
		default:
			return Voice{FileRef: fileRef, Name: name}, nil
		}
	}
	return nil, fmt.Errorf("unknown message type %q", kind)
}

// Fields flattens a body into its wire fields. content is nil for media.
func Fields(b Body) (content *string, fileRef, name string) {
	switch v := b.(type) {
	case Text:
		c := v.Content
		return &c, "", ""
	case Image:
		return nil, v.FileRef, v.Name
	case Video:
		return nil, v.FileRef, v.Name
	case Voice:
		return nil, v.FileRef, v.Name
	case nil:
		return nil, "", ""
	default:
		panic(fmt.Sprintf("message: unhandled body %T", b))
	}
}

// Preview is the short human-readable form used for reply snapshots and
// terminal output.
func Preview(b Body) string {
	switch v := b.(type) {
	case Text:
		return v.Content
	case Image:
		return orDefault(v.Name, "[image]")
	case Video:
		return orDefault(v.Name, "[video]")
	case Voice:
		return orDefault(v.Name, "[voice]")
	case nil:
		return ""
	default:
		panic(fmt.Sprintf("message: unhandled body %T", b))
	}
}

func orDefault(s, d string) string {
	if s == "" {
		return d
	}
	return s
}

type Status int

const (
	StatusSending Status = iota
	StatusSent
	StatusDelivered
	StatusRead
)

var statusNames = [...]string{"sending", "sent", "delivered", "read"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

func ParseStatus(s string) (Status, bool) {
	for i, n := range statusNames {
		if n == s {
			return Status(i), true
		}
	}
	return 0, false
}

// Advance returns the later of s and next; status never regresses.
func (s Status) Advance(next Status) Status {
	if next > s {
		return next
	}
	return s
}

// ReplyRef is a snapshot of the message being replied to, taken when the
// reply is composed.
type ReplyRef struct {
	ID         string `json:"id" bson:"id"`
	Preview    string `json:"content" bson:"content"`
	SenderName string `json:"sender_name" bson:"sender_name"`
	Kind       Kind   `json:"type" bson:"type"`
}

type Message struct {
	ID             string
	ClientID       string
	ConversationID string
	SenderID       string
	SenderName     string
	Body           Body
	ReplyTo        *ReplyRef
	Timestamp      time.Time
	Status         Status
}

// Kind is empty when the body is missing or of an unknown type.
func (m Message) Kind() Kind {
	if m.Body == nil {
		return ""
	}
	return m.Body.Kind()
}

func (m Message) Provisional() bool { return IsProvisional(m.ID) }

// Clone returns a copy that shares no pointers with m. Bodies are values.
func (m Message) Clone() Message {
	if m.ReplyTo != nil {
		ref := *m.ReplyTo
		m.ReplyTo = &ref
	}
	return m
}

// AsReply snapshots m for use as a reply reference.
func (m Message) AsReply() *ReplyRef {
	return &ReplyRef{ID: m.ID, Preview: Preview(m.Body), SenderName: m.SenderName, Kind: m.Kind()}
}

var (
	errNoID           = errors.New("missing id")
	errNoConversation = errors.New("missing conversation_id")
	errNoBody         = errors.New("missing or unknown message type")
)

func (m Message) Validate() error {
	switch {
	case m.ID == "":
		return errNoID
	case m.ConversationID == "":
		return errNoConversation
	case m.Body == nil:
		return errNoBody
	}
	return nil
}

// Record is the flat wire and storage shape of a message.
type Record struct {
	ID             string    `json:"id" bson:"_id"`
	ClientID       string    `json:"client_id,omitempty" bson:"client_id,omitempty"`
	ConversationID string    `json:"conversation_id" bson:"conversation_id"`
	SenderID       string    `json:"sender_id" bson:"sender_id"`
	SenderName     string    `json:"sender_name" bson:"sender_name"`
	Content        *string   `json:"content" bson:"content"`
	Type           string    `json:"type" bson:"type"`
	FileURL        string    `json:"file_url,omitempty" bson:"file_url,omitempty"`
	FileName       string    `json:"file_name,omitempty" bson:"file_name,omitempty"`
	ReplyTo        *ReplyRef `json:"reply_to,omitempty" bson:"reply_to,omitempty"`
	Timestamp      time.Time `json:"timestamp" bson:"timestamp"`
	Status         string    `json:"status" bson:"status"`
}

func (m Message) Record() Record {
	content, ref, name := Fields(m.Body)
	return Record{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Content:        content,
		Type:           string(m.Kind()),
		FileURL:        ref,
		FileName:       name,
		ReplyTo:        m.ReplyTo,
		Timestamp:      m.Timestamp,
		Status:         m.Status.String(),
	}
}

// Message converts a record leniently: an unknown type leaves Body nil and
// an unknown status reads as sent. Validate catches the former.
func (r Record) Message() Message {
	m := Message{
		ID:             r.ID,
		ClientID:       r.ClientID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		SenderName:     r.SenderName,
		ReplyTo:        r.ReplyTo,
		Timestamp:      r.Timestamp,
		Status:         StatusSent,
	}
	if st, ok := ParseStatus(r.Status); ok {
		m.Status = st
	}
	if kind, ok := ParseKind(r.Type); ok {
		var content string
		if r.Content != nil {
			content = *r.Content
		}
		if b, err := NewBody(kind, content, r.FileURL, r.FileName); err == nil {
			m.Body = b
		}
	}
	return m
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Record())
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*m = r.Message()
	return nil
}

type User struct {
	ID          string    `json:"id" bson:"_id"`
	Username    string    `json:"username" bson:"username"`
	DisplayName string    `json:"display_name" bson:"display_name"`
	Avatar      string    `json:"avatar,omitempty" bson:"avatar,omitempty"`
	Online      bool      `json:"is_online" bson:"is_online"`
	LastSeen    time.Time `json:"last_seen" bson:"last_seen"`
}

// Name is the best label available for display.
func (u User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if u.Username != "" {
		return u.Username
	}
	return u.ID
}

type Conversation struct {
	ID           string    `json:"id" bson:"_id"`
	Participants []string  `json:"participants" bson:"participants"`
	CreatedAt    time.Time `json:"created_at" bson:"created_at"`
}

// Peer returns the participant that is not self.
func (c Conversation) Peer(self string) string {
	for _, p := range c.Participants {
		if p != self {
			return p
		}
	}
	return ""
}

// ConversationSummary is one entry of a user's conversation list.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Participants []User    `json:"participants"`
	LastMessage  *Message  `json:"last_message,omitempty"`
	UnreadCount  int       `json:"unread_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Peer returns the participant that is not self, or a bare User with only
// an empty id.
func (c ConversationSummary) Peer(self string) User {
	for _, p := range c.Participants {
		if p.ID != self {
			return p
		}
	}
	return User{}
}

// Activity is when the conversation last changed.
func (c ConversationSummary) Activity() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.Timestamp
	}
	return c.CreatedAt
}

// Draft is what the user submits; identity and timing are filled in by the
// send pipeline.
type Draft struct {
	Body    Body
	ReplyTo *ReplyRef
}

var errEmptyText = errors.New("empty message")

// Validate rejects drafts that would produce an empty message.
func (d Draft) Validate() error {
	switch b := d.Body.(type) {
	case nil:
		return errNoBody
	case Text:
		if strings.TrimSpace(b.Content) == "" {
			return errEmptyText
		}
	case Image:
		if b.FileRef == "" {
			return fmt.Errorf("%s message without file_url", b.Kind())
		}
	case Video:
		if b.FileRef == "" {
			return fmt.Errorf("%s message without file_url", b.Kind())
		}
	case Voice:
		if b.FileRef == "" {
			return fmt.Errorf("%s message without file_url", b.Kind())
		}
	}
	return nil
}
