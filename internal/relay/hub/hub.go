// Package hub routes encoded events to the sockets of connected users.
package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fathima-sithara/chat-app/shared/metrics"
)

// Client is one connected socket. Send is drained by the socket's writer.
type Client struct {
	ID        string
	UserID    string
	Send      chan []byte
	Connected time.Time
}

func NewClient(userID string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	return &Client{ID: uuid.NewString(), UserID: userID, Send: make(chan []byte, buffer), Connected: time.Now().UTC()}
}

type Hub struct {
	mu     sync.RWMutex
	byUser map[string]map[*Client]struct{}
	// called for each frame discarded on a full buffer
	dropped func(userID string)
}

func New() *Hub {
	return &Hub{byUser: make(map[string]map[*Client]struct{})}
}

// OnDrop installs a callback for frames dropped on slow clients.
func (h *Hub) OnDrop(fn func(userID string)) { h.dropped = fn }

func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byUser[c.UserID]
	if !ok {
		set = make(map[*Client]struct{})
		h.byUser[c.UserID] = set
	}
	set[c] = struct{}{}
	metrics.RelaySockets.Inc()
}

// Remove unregisters c and closes its Send channel. It is safe to call twice.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.byUser[c.UserID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.byUser, c.UserID)
	}
	close(c.Send)
	metrics.RelaySockets.Dec()
}

// DisconnectUser removes every socket of userID and closes their Send
// channels, which makes each writer send a close frame. It returns how many
// sockets were closed.
func (h *Hub) DisconnectUser(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.byUser[userID]
	for c := range set {
		close(c.Send)
		metrics.RelaySockets.Dec()
	}
	delete(h.byUser, userID)
	return len(set)
}

// SendToUser queues msg on every socket of userID. Slow sockets lose the
// frame rather than stall the sender.
func (h *Hub) SendToUser(userID string, msg []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for c := range h.byUser[userID] {
		select {
		case c.Send <- msg:
			n++
		default:
			if h.dropped != nil {
				h.dropped(userID)
			}
		}
	}
	return n
}

// SendToUsers is SendToUser for each id.
func (h *Hub) SendToUsers(userIDs []string, msg []byte) {
	for _, id := range userIDs {
		h.SendToUser(id, msg)
	}
}

func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}
