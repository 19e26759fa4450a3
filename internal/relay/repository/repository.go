// Package repository persists relay users, conversations and messages.
package repository

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/fathima-sithara/chat-app/internal/message"
)

var ErrNotFound = errors.New("not found")

type Repository interface {
	// UpsertUser creates the user or refreshes their username. A stored
	// display name wins over the incoming one so profile edits survive.
	// Presence fields are left alone.
	UpsertUser(ctx context.Context, u message.User) error
	// UpdateProfile sets the non-empty fields of p on user id.
	UpdateProfile(ctx context.Context, id string, p Profile) (message.User, error)
	GetUser(ctx context.Context, id string) (message.User, error)
	ListUsers(ctx context.Context) ([]message.User, error)
	// TouchLastSeen records when a user's last socket closed.
	TouchLastSeen(ctx context.Context, id string, at time.Time) error

	// GetOrCreateConversation returns the one-to-one conversation between a
	// and b, creating it when needed. created reports which happened.
	GetOrCreateConversation(ctx context.Context, a, b string) (conv message.Conversation, created bool, err error)
	GetConversation(ctx context.Context, id string) (message.Conversation, error)
	// ListConversations returns every conversation userID takes part in,
	// oldest first.
	ListConversations(ctx context.Context, userID string) ([]message.Conversation, error)

	// InsertMessage stores m. A message whose (sender_id, client_id) was seen
	// before is not stored again; the original is returned with inserted false.
	InsertMessage(ctx context.Context, m message.Message) (stored message.Message, inserted bool, err error)
	// ListMessages returns a conversation's messages in timestamp order.
	ListMessages(ctx context.Context, conversationID string) ([]message.Message, error)
	// MarkRead marks every message in the conversation not sent by readerID
	// as read and returns how many changed.
	MarkRead(ctx context.Context, conversationID, readerID string) (int, error)
}

// Profile holds the user-editable fields. Empty means unchanged.
type Profile struct {
	DisplayName string
	Avatar      string
}

func (p Profile) Empty() bool { return p.DisplayName == "" && p.Avatar == "" }

// pairKey is order independent so (a,b) and (b,a) find the same
// conversation.
func pairKey(a, b string) []string {
	p := []string{a, b}
	slices.Sort(p)
	return p
}

func sortByTimestamp(ms []message.Message) {
	slices.SortStableFunc(ms, func(a, b message.Message) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}

func sortConversations(cs []message.Conversation) {
	slices.SortStableFunc(cs, func(a, b message.Conversation) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func sortUsers(us []message.User) {
	slices.SortFunc(us, func(a, b message.User) int {
		return strings.Compare(a.ID, b.ID)
	})
}
