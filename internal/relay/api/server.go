// Package api is the relay's HTTP and websocket surface.
package api

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-app/internal/channel"
	"github.com/fathima-sithara/chat-app/internal/message"
	"github.com/fathima-sithara/chat-app/internal/relay/events"
	"github.com/fathima-sithara/chat-app/internal/relay/hub"
	"github.com/fathima-sithara/chat-app/internal/relay/media"
	"github.com/fathima-sithara/chat-app/internal/relay/presence"
	"github.com/fathima-sithara/chat-app/internal/relay/repository"
	"github.com/fathima-sithara/chat-app/shared/errs"
	jwtv "github.com/fathima-sithara/chat-app/shared/jwt"
	"github.com/fathima-sithara/chat-app/shared/metrics"
	"github.com/fathima-sithara/chat-app/shared/middleware"
	"github.com/fathima-sithara/chat-app/shared/utils"
)

type WSOptions struct {
	PingInterval   time.Duration
	WriteDeadline  time.Duration
	MaxMessageSize int64
}

type Deps struct {
	Repo     repository.Repository
	Hub      *hub.Hub
	Presence presence.Tracker
	Events   events.Publisher
	Media    *media.Service
	Verifier *jwtv.Verifier
	// Limiter guards /api when set. It runs after authentication so callers
	// are limited per user.
	Limiter fiber.Handler
	Log     *zap.SugaredLogger
	WS      WSOptions
	// MediaDir is served at /uploads when set.
	MediaDir  string
	BodyLimit int
	// CORSOrigins is a comma-separated allow list; empty disables CORS.
	CORSOrigins string
	Clock       utils.Clock
}

type Server struct {
	repo     repository.Repository
	hub      *hub.Hub
	presence presence.Tracker
	events   events.Publisher
	media    *media.Service
	verifier *jwtv.Verifier
	log      *zap.SugaredLogger
	ws       WSOptions
	clock    utils.Clock
	validate *validator.Validate
	known    sync.Map
	app      *fiber.App
}

func New(d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop().Sugar()
	}
	if d.Events == nil {
		d.Events = events.Noop{}
	}
	if d.Clock == nil {
		d.Clock = utils.SystemClock{}
	}
	if d.WS.PingInterval <= 0 {
		d.WS.PingInterval = 25 * time.Second
	}
	if d.WS.WriteDeadline <= 0 {
		d.WS.WriteDeadline = 10 * time.Second
	}
	if d.WS.MaxMessageSize <= 0 {
		d.WS.MaxMessageSize = 64 * 1024
	}
	s := &Server{
		repo:     d.Repo,
		hub:      d.Hub,
		presence: d.Presence,
		events:   d.Events,
		media:    d.Media,
		verifier: d.Verifier,
		log:      d.Log,
		ws:       d.WS,
		clock:    d.Clock,
		validate: validator.New(),
	}
	s.hub.OnDrop(func(userID string) {
		s.log.Warnw("dropped frame for slow socket", "user", userID)
	})

	cfg := fiber.Config{
		AppName:      "chatd",
		ErrorHandler: errorHandler,
	}
	if d.BodyLimit > 0 {
		cfg.BodyLimit = d.BodyLimit
	}
	app := fiber.New(cfg)
	app.Use(recover.New(), middleware.RequestLogger(s.log, "/healthz", "/metrics"))
	if d.CORSOrigins != "" {
		app.Use(cors.New(cors.Config{
			AllowOrigins: d.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		}))
	}

	app.Get("/healthz", func(c *fiber.Ctx) error { return utils.JSONSuccess(c, fiber.StatusOK, "ok") })
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	if d.MediaDir != "" {
		app.Static("/uploads", d.MediaDir)
	}

	api := app.Group("/api", middleware.JWTAuth(s.verifier))
	if d.Limiter != nil {
		api.Use(d.Limiter)
	}
	api.Use(s.registerUser)
	api.Get("/auth/me", s.me)
	api.Post("/auth/logout", s.logout)
	api.Get("/users", s.listUsers)
	api.Put("/users/profile", s.updateProfile)
	api.Get("/users/:id", s.getUser)
	api.Get("/conversations", s.listConversations)
	api.Post("/conversations/:peer", s.conversation)
	api.Get("/messages/:conv", s.listMessages)
	api.Post("/messages/:conv", s.postMessage)
	api.Post("/upload/:conv", s.upload)

	app.Get("/ws/:token", s.wsGate, websocket.New(s.serveWS))

	s.app = app
	return s
}

func (s *Server) App() *fiber.App { return s.app }

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return utils.JSONError(c, code, err.Error())
}

// httpError maps domain errors to responses.
func httpError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, errs.ErrNotFound):
		return utils.JSONError(c, fiber.StatusNotFound, "not found")
	case errors.Is(err, errs.ErrBadRequest), errors.Is(err, errs.ErrUnsupportedMedia):
		return utils.JSONError(c, fiber.StatusBadRequest, err.Error())
	}
	return utils.JSONError(c, fiber.StatusInternalServerError, "internal error")
}

func (s *Server) ensureUser(ctx context.Context, id jwtv.Identity) error {
	if _, ok := s.known.Load(id.UserID); ok {
		return nil
	}
	err := s.repo.UpsertUser(ctx, message.User{ID: id.UserID, Username: id.Username, DisplayName: id.DisplayName})
	if err != nil {
		return err
	}
	s.known.Store(id.UserID, struct{}{})
	return nil
}

// registerUser creates the caller's user record from their token the first
// time they are seen.
func (s *Server) registerUser(c *fiber.Ctx) error {
	if err := s.ensureUser(c.UserContext(), middleware.Identity(c)); err != nil {
		s.log.Errorw("register user", "err", err)
		return utils.JSONError(c, fiber.StatusInternalServerError, "internal error")
	}
	return c.Next()
}

// memberConversation loads conversationID if userID takes part in it.
func (s *Server) memberConversation(ctx context.Context, conversationID, userID string) (message.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return message.Conversation{}, err
	}
	if !slices.Contains(conv.Participants, userID) {
		return message.Conversation{}, repository.ErrNotFound
	}
	return conv, nil
}

// ingest stores a message from sender and fans it out to both participants,
// the sender included so their other sockets and the client-id echo arrive.
func (s *Server) ingest(ctx context.Context, ingress string, sender message.User, conv message.Conversation, clientID string, d message.Draft) (message.Message, error) {
	if err := d.Validate(); err != nil {
		return message.Message{}, errors.Join(errs.ErrBadRequest, err)
	}
	status := message.StatusSent
	if s.hub.Connected(conv.Peer(sender.ID)) {
		status = message.StatusDelivered
	}
	m := message.Message{
		ClientID:       clientID,
		ConversationID: conv.ID,
		SenderID:       sender.ID,
		SenderName:     sender.Name(),
		Body:           d.Body,
		ReplyTo:        d.ReplyTo,
		Timestamp:      s.clock.Now(),
		Status:         status,
	}
	stored, inserted, err := s.repo.InsertMessage(ctx, m)
	if err != nil {
		return message.Message{}, err
	}
	if !inserted {
		s.log.Debugw("duplicate client id", "sender", sender.ID, "client_id", clientID, "id", stored.ID)
		return stored, nil
	}
	metrics.RelayMessages.WithLabelValues(ingress).Inc()

	s.broadcast(conv.Participants, channel.Event{Type: channel.EventNewMessage, Message: stored})
	if err := s.events.PublishMessageSent(ctx, stored); err != nil {
		s.log.Warnw("publish message.sent", "id", stored.ID, "err", err)
	}
	return stored, nil
}

// markRead marks the peer's messages read for readerID and tells the peer.
func (s *Server) markRead(ctx context.Context, conv message.Conversation, readerID string) error {
	n, err := s.repo.MarkRead(ctx, conv.ID, readerID)
	if err != nil || n == 0 {
		return err
	}
	s.broadcast([]string{conv.Peer(readerID)}, channel.Event{
		Type: channel.EventMessagesRead, ConversationID: conv.ID, UserID: readerID,
	})
	return nil
}

func (s *Server) broadcast(userIDs []string, ev channel.Event) {
	b, err := channel.EncodeEvent(ev)
	if err != nil {
		s.log.Errorw("encode event", "type", ev.Type, "err", err)
		return
	}
	s.hub.SendToUsers(userIDs, b)
}

// sender returns the caller as a user, preferring the stored profile.
func (s *Server) sender(ctx context.Context, id jwtv.Identity) message.User {
	if u, err := s.repo.GetUser(ctx, id.UserID); err == nil {
		return u
	}
	return message.User{ID: id.UserID, Username: id.Username, DisplayName: id.DisplayName}
}
