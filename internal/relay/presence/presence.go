// Package presence tracks which users have at least one open socket.
package presence

import (
	"context"
	"sync"
)

// Tracker counts sockets per user. Connect reports whether this was the
// user's first socket, Disconnect whether it was the last.
type Tracker interface {
	Connect(ctx context.Context, userID, socketID string) (first bool, err error)
	Disconnect(ctx context.Context, userID, socketID string) (last bool, err error)
	Online(ctx context.Context, userIDs []string) (map[string]bool, error)
}

type Memory struct {
	mu      sync.Mutex
	sockets map[string]map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{sockets: make(map[string]map[string]struct{})}
}

func (m *Memory) Connect(_ context.Context, userID, socketID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sockets[userID]
	if !ok {
		set = make(map[string]struct{})
		m.sockets[userID] = set
	}
	set[socketID] = struct{}{}
	return len(set) == 1, nil
}

func (m *Memory) Disconnect(_ context.Context, userID, socketID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sockets[userID]
	if !ok {
		return false, nil
	}
	delete(set, socketID)
	if len(set) == 0 {
		delete(m.sockets, userID)
		return true, nil
	}
	return false, nil
}

func (m *Memory) Online(_ context.Context, userIDs []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		out[id] = len(m.sockets[id]) > 0
	}
	return out, nil
}
