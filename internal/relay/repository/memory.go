package repository

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fathima-sithara/chat-app/internal/message"
)

type MemoryRepository struct {
	mu       sync.RWMutex
	users    map[string]message.User
	convs    map[string]message.Conversation
	byPair   map[string]string
	messages map[string][]message.Message
	byClient map[string]message.Message
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:    make(map[string]message.User),
		convs:    make(map[string]message.Conversation),
		byPair:   make(map[string]string),
		messages: make(map[string][]message.Message),
		byClient: make(map[string]message.Message),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) UpsertUser(_ context.Context, u message.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.users[u.ID]; ok {
		u.Online = old.Online
		u.LastSeen = old.LastSeen
		if u.Avatar == "" {
			u.Avatar = old.Avatar
		}
		if old.DisplayName != "" {
			u.DisplayName = old.DisplayName
		}
	}
	r.users[u.ID] = u
	return nil
}

func (r *MemoryRepository) UpdateProfile(_ context.Context, id string, p Profile) (message.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return message.User{}, ErrNotFound
	}
	if p.DisplayName != "" {
		u.DisplayName = p.DisplayName
	}
	if p.Avatar != "" {
		u.Avatar = p.Avatar
	}
	r.users[id] = u
	return u, nil
}

func (r *MemoryRepository) GetUser(_ context.Context, id string) (message.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return message.User{}, ErrNotFound
	}
	return u, nil
}

func (r *MemoryRepository) ListUsers(_ context.Context) ([]message.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]message.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	sortUsers(out)
	return out, nil
}

func (r *MemoryRepository) TouchLastSeen(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return ErrNotFound
	}
	u.LastSeen = at
	r.users[id] = u
	return nil
}

func (r *MemoryRepository) GetOrCreateConversation(_ context.Context, a, b string) (message.Conversation, bool, error) {
	key := strings.Join(pairKey(a, b), "|")
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byPair[key]; ok {
		return r.convs[id], false, nil
	}
	c := message.Conversation{ID: uuid.NewString(), Participants: pairKey(a, b), CreatedAt: r.now()}
	r.convs[c.ID] = c
	r.byPair[key] = c.ID
	return c, true, nil
}

func (r *MemoryRepository) GetConversation(_ context.Context, id string) (message.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.convs[id]
	if !ok {
		return message.Conversation{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepository) ListConversations(_ context.Context, userID string) ([]message.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []message.Conversation{}
	for _, c := range r.convs {
		if slices.Contains(c.Participants, userID) {
			out = append(out, c)
		}
	}
	sortConversations(out)
	return out, nil
}

func (r *MemoryRepository) InsertMessage(_ context.Context, m message.Message) (message.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ClientID != "" {
		if orig, ok := r.byClient[m.SenderID+"|"+m.ClientID]; ok {
			return orig, false, nil
		}
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	r.messages[m.ConversationID] = append(r.messages[m.ConversationID], m)
	if m.ClientID != "" {
		r.byClient[m.SenderID+"|"+m.ClientID] = m
	}
	return m, true, nil
}

func (r *MemoryRepository) ListMessages(_ context.Context, conversationID string) ([]message.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]message.Message(nil), r.messages[conversationID]...)
	sortByTimestamp(out)
	return out, nil
}

func (r *MemoryRepository) MarkRead(_ context.Context, conversationID, readerID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	ms := r.messages[conversationID]
	for i := range ms {
		if ms[i].SenderID == readerID || ms[i].Status == message.StatusRead {
			continue
		}
		ms[i].Status = message.StatusRead
		n++
	}
	return n, nil
}
