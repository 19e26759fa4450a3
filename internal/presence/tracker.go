package presence

import (
	"maps"

	"github.com/fathima-sithara/chat-app/internal/message"
)

// Tracker holds the latest roster snapshot. Each Merge replaces the previous
// one wholesale; there is no interpolation between polls.
type Tracker struct {
	selfID string
	roster map[string]message.User
	online map[string]bool
}

func NewTracker(selfID string) *Tracker {
	return &Tracker{
		selfID: selfID,
		roster: make(map[string]message.User),
		online: make(map[string]bool),
	}
}

// Merge applies a full roster. It reports whether any online flag changed,
// including users appearing or disappearing.
func (t *Tracker) Merge(users []message.User) bool {
	roster := make(map[string]message.User, len(users))
	online := make(map[string]bool, len(users))
	for _, u := range users {
		if u.ID == "" || u.ID == t.selfID {
			continue
		}
		// last write wins within one snapshot too
		roster[u.ID] = u
		online[u.ID] = u.Online
	}
	changed := !maps.Equal(online, t.online)
	t.roster = roster
	t.online = online
	return changed
}

func (t *Tracker) Online(userID string) bool {
	return t.online[userID]
}

// Snapshot returns a copy of the online flags.
func (t *Tracker) Snapshot() map[string]bool {
	return maps.Clone(t.online)
}

func (t *Tracker) User(userID string) (message.User, bool) {
	u, ok := t.roster[userID]
	return u, ok
}

// Roster returns a copy of every known user other than self.
func (t *Tracker) Roster() []message.User {
	out := make([]message.User, 0, len(t.roster))
	for _, u := range t.roster {
		out = append(out, u)
	}
	return out
}

func (t *Tracker) Reset() {
	clear(t.roster)
	clear(t.online)
}
