// Package store holds the ordered, deduplicated message list of the active
// conversation.
//
// The store is not safe for concurrent use. It is owned by the sync
// controller's event loop and consumers only ever see Snapshot copies.
package store

import (
	"fmt"

	"github.com/fathima-sithara/chat-app/internal/message"
	"github.com/fathima-sithara/chat-app/shared/errs"
)

// Scroller is told when a new local message should bring the view to the
// bottom.
type Scroller interface {
	ScrollToLatest()
}

type ScrollerFunc func()

func (f ScrollerFunc) ScrollToLatest() { f() }

type Store struct {
	conversationID string
	localUserID    string

	entries  []message.Entry
	byKey    map[string]int // merge key -> index into entries
	byClient map[string]string
	seq      uint64

	observer errs.Observer
	scroller Scroller
}

type Options struct {
	LocalUserID string
	Observer    errs.Observer
	Scroller    Scroller
}

func New(opts Options) *Store {
	s := &Store{
		localUserID: opts.LocalUserID,
		observer:    opts.Observer,
		scroller:    opts.Scroller,
	}
	if s.observer == nil {
		s.observer = errs.Discard
	}
	s.Reset("")
	return s
}

// Reset drops everything and rebinds the store to conversationID.
func (s *Store) Reset(conversationID string) {
	s.conversationID = conversationID
	s.entries = nil
	s.byKey = make(map[string]int)
	s.byClient = make(map[string]string)
}

func (s *Store) Conversation() string { return s.conversationID }

func (s *Store) Len() int { return len(s.entries) }

// Get looks a message up by provisional or authoritative id.
func (s *Store) Get(id string) (message.Message, bool) {
	i, ok := s.byKey[id]
	if !ok {
		return message.Message{}, false
	}
	return s.entries[i].Message.Clone(), true
}

// Snapshot returns the visible messages in order. Nothing in the result
// aliases store state.
func (s *Store) Snapshot() []message.Message {
	out := make([]message.Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Message.Clone()
	}
	return out
}

// InsertProvisional appends a locally created message in the sending state.
func (s *Store) InsertProvisional(m message.Message) {
	if m.ConversationID == "" {
		m.ConversationID = s.conversationID
	}
	m.Status = message.StatusSending
	s.insert(m)
	if m.ClientID != "" {
		s.byClient[m.ClientID] = message.MergeKey(m)
	}
	if s.scroller != nil {
		s.scroller.ScrollToLatest()
	}
}

// MergeAuthoritative applies one server message. It reports whether the
// visible list changed.
//
// A known id is a no-op. A provisional entry with the same client id is
// replaced where it stands. Anything else is inserted in order.
func (s *Store) MergeAuthoritative(m message.Message) bool {
	if !s.accept(m) {
		return false
	}
	if _, ok := s.byKey[m.ID]; ok {
		return false
	}
	if m.ClientID != "" {
		if key, ok := s.byClient[m.ClientID]; ok {
			return s.collapse(key, m)
		}
	}
	s.insert(m)
	return true
}

// MergeBatch reconciles a full server listing. Only ids the store has not
// seen are merged; for ids it has seen, a higher server status is taken.
func (s *Store) MergeBatch(ms []message.Message) bool {
	changed := false
	for _, m := range ms {
		if !s.accept(m) {
			continue
		}
		if i, ok := s.byKey[m.ID]; ok {
			cur := &s.entries[i].Message
			if next := cur.Status.Advance(m.Status); next != cur.Status {
				cur.Status = next
				changed = true
			}
			continue
		}
		if s.MergeAuthoritative(m) {
			changed = true
		}
	}
	return changed
}

// MarkAllRead marks every message sent by the local user as read.
func (s *Store) MarkAllRead() bool {
	changed := false
	for i := range s.entries {
		m := &s.entries[i].Message
		if m.SenderID != s.localUserID || m.Provisional() {
			continue
		}
		if next := m.Status.Advance(message.StatusRead); next != m.Status {
			m.Status = next
			changed = true
		}
	}
	return changed
}

// RemoveProvisional drops an optimistic entry whose delivery failed.
// Authoritative ids are never removed.
func (s *Store) RemoveProvisional(id string) bool {
	if !message.IsProvisional(id) {
		return false
	}
	i, ok := s.byKey[id]
	if !ok {
		return false
	}
	if cid := s.entries[i].Message.ClientID; cid != "" {
		delete(s.byClient, cid)
	}
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	s.reindex()
	return true
}

// accept filters out malformed messages and those for another conversation.
// Only malformed input is reported.
func (s *Store) accept(m message.Message) bool {
	if err := m.Validate(); err != nil {
		s.observer.Observe(fmt.Errorf("%w: %v", errs.ErrMalformedMessage, err))
		return false
	}
	if message.IsProvisional(m.ID) {
		s.observer.Observe(fmt.Errorf("%w: server sent provisional id %q", errs.ErrMalformedMessage, m.ID))
		return false
	}
	return s.conversationID != "" && m.ConversationID == s.conversationID
}

func (s *Store) insert(m message.Message) {
	s.seq++
	s.entries = append(s.entries, message.Entry{Message: m, Anchor: m.Timestamp, Seq: s.seq})
	message.Sort(s.entries)
	s.reindex()
}

// collapse swaps the provisional entry at key for its confirmed form. The
// anchor and sequence stay, so the message keeps its place.
func (s *Store) collapse(key string, m message.Message) bool {
	i, ok := s.byKey[key]
	if !ok {
		delete(s.byClient, m.ClientID)
		s.insert(m)
		return true
	}
	prev := s.entries[i].Message
	if m.ReplyTo == nil {
		m.ReplyTo = prev.ReplyTo
	}
	m.Status = message.StatusSent.Advance(m.Status)
	s.entries[i].Message = m
	delete(s.byClient, m.ClientID)
	s.reindex()
	return true
}

func (s *Store) reindex() {
	clear(s.byKey)
	for i, e := range s.entries {
		s.byKey[message.MergeKey(e.Message)] = i
	}
}
