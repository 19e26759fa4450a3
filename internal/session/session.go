// Package session holds the signed-in user's credential and identity for
// the lifetime of one login.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-app/internal/message"
	"github.com/fathima-sithara/chat-app/shared/errs"
	jwtv "github.com/fathima-sithara/chat-app/shared/jwt"
)

// Provider is what the sync engine needs from the session. Invalidated is
// closed once, when the session ends for any reason.
type Provider interface {
	Credential() string
	User() message.User
	Invalidated() <-chan struct{}
	Invalidate(reason error)
}

// Profiles resolves the signed-in user's profile from the relay.
type Profiles interface {
	Me(ctx context.Context) (message.User, error)
}

type Session struct {
	token string
	user  message.User

	mu     sync.Mutex
	reason error
	done   chan struct{}
	timer  *time.Timer
	log    *zap.SugaredLogger
}

// Login builds a session from a bearer token. The identity is read from the
// token's claims; when profiles is non-nil the display name is refreshed from
// the relay. An expiring token invalidates the session at its exp time.
func Login(ctx context.Context, token string, profiles Profiles, log *zap.SugaredLogger) (*Session, error) {
	if token == "" {
		return nil, fmt.Errorf("login: %w: empty token", errs.ErrUnauthorized)
	}
	id, err := jwtv.UnverifiedIdentity(token)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if !id.ExpiresAt.IsZero() && !time.Now().Before(id.ExpiresAt) {
		return nil, fmt.Errorf("login: %w: token expired", errs.ErrUnauthorized)
	}

	s := New(token, message.User{ID: id.UserID, Username: id.Username, DisplayName: id.DisplayName}, log)
	if profiles != nil {
		me, err := profiles.Me(ctx)
		switch {
		case errors.Is(err, errs.ErrUnauthorized):
			return nil, fmt.Errorf("login: %w", err)
		case err != nil:
			if log != nil {
				log.Warnw("profile lookup failed, using token claims", "err", err)
			}
		case me.ID == s.user.ID:
			s.user = me
		}
	}
	if !id.ExpiresAt.IsZero() {
		s.expireAt(id.ExpiresAt)
	}
	return s, nil
}

// New builds a session from already-known parts.
func New(token string, user message.User, log *zap.SugaredLogger) *Session {
	return &Session{token: token, user: user, done: make(chan struct{}), log: log}
}

func (s *Session) Credential() string { return s.token }

func (s *Session) User() message.User { return s.user }

func (s *Session) Invalidated() <-chan struct{} { return s.done }

// Invalidate ends the session. Only the first reason is kept.
func (s *Session) Invalidate(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	if reason == nil {
		reason = errs.ErrUnauthorized
	}
	s.reason = reason
	if s.timer != nil {
		s.timer.Stop()
	}
	close(s.done)
	if s.log != nil {
		s.log.Infow("session invalidated", "user", s.user.ID, "reason", reason)
	}
}

// Reason is nil while the session is live.
func (s *Session) Reason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Logout is an explicit, user-initiated Invalidate.
func (s *Session) Logout() {
	s.Invalidate(ErrLoggedOut)
}

// ErrLoggedOut is the reason recorded by Logout.
var ErrLoggedOut = errors.New("logged out")

func (s *Session) expireAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = time.AfterFunc(time.Until(t), func() {
		s.Invalidate(fmt.Errorf("%w: token expired", errs.ErrUnauthorized))
	})
}
