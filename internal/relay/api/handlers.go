package api

import (
	"encoding/json"
	"errors"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/fathima-sithara/chat-app/internal/message"
	"github.com/fathima-sithara/chat-app/internal/relay/repository"
	"github.com/fathima-sithara/chat-app/shared/errs"
	"github.com/fathima-sithara/chat-app/shared/middleware"
	"github.com/fathima-sithara/chat-app/shared/utils"
)

func (s *Server) me(c *fiber.Ctx) error {
	id := middleware.Identity(c)
	u := s.sender(c.UserContext(), id)
	online, err := s.presence.Online(c.UserContext(), []string{u.ID})
	if err == nil {
		u.Online = online[u.ID]
	}
	return utils.JSONSuccess(c, fiber.StatusOK, u)
}

func (s *Server) listUsers(c *fiber.Ctx) error {
	users, err := s.repo.ListUsers(c.UserContext())
	if err != nil {
		return httpError(c, err)
	}
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	online, err := s.presence.Online(c.UserContext(), ids)
	if err != nil {
		s.log.Warnw("presence lookup failed", "err", err)
	}
	for i := range users {
		users[i].Online = online[users[i].ID]
	}
	return utils.JSONSuccess(c, fiber.StatusOK, users)
}

// logout closes the caller's sockets and stamps last seen. Tokens are not
// revoked; they stay valid until they expire.
func (s *Server) logout(c *fiber.Ctx) error {
	me := middleware.UserID(c)
	n := s.hub.DisconnectUser(me)
	if err := s.repo.TouchLastSeen(c.UserContext(), me, s.lastSeen()); err != nil {
		s.log.Warnw("touch last seen", "user", me, "err", err)
	}
	s.log.Infow("user logged out", "user", me, "sockets", n)
	return utils.JSONSuccess(c, fiber.StatusOK, fiber.Map{"sockets_closed": n})
}

type profileRequest struct {
	DisplayName string `json:"display_name" validate:"omitempty,max=64"`
	Avatar      string `json:"avatar" validate:"omitempty,max=2048"`
}

func (s *Server) updateProfile(c *fiber.Ctx) error {
	me := middleware.UserID(c)
	var req profileRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.JSONError(c, fiber.StatusBadRequest, "invalid body")
	}
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if err := s.validate.Struct(req); err != nil {
		return utils.JSONError(c, fiber.StatusBadRequest, err.Error())
	}
	p := repository.Profile{DisplayName: req.DisplayName, Avatar: req.Avatar}
	if p.Empty() {
		return utils.JSONError(c, fiber.StatusBadRequest, "nothing to update")
	}
	u, err := s.repo.UpdateProfile(c.UserContext(), me, p)
	if err != nil {
		return httpError(c, err)
	}
	if online, err := s.presence.Online(c.UserContext(), []string{me}); err == nil {
		u.Online = online[me]
	}
	return utils.JSONSuccess(c, fiber.StatusOK, u)
}

func (s *Server) getUser(c *fiber.Ctx) error {
	u, err := s.repo.GetUser(c.UserContext(), c.Params("id"))
	if err != nil {
		return httpError(c, err)
	}
	if online, err := s.presence.Online(c.UserContext(), []string{u.ID}); err == nil {
		u.Online = online[u.ID]
	}
	return utils.JSONSuccess(c, fiber.StatusOK, u)
}

func (s *Server) conversation(c *fiber.Ctx) error {
	me := middleware.UserID(c)
	peer := c.Params("peer")
	if peer == "" || peer == me {
		return utils.JSONError(c, fiber.StatusBadRequest, "invalid peer")
	}
	if _, err := s.repo.GetUser(c.UserContext(), peer); err != nil {
		return httpError(c, err)
	}
	conv, created, err := s.repo.GetOrCreateConversation(c.UserContext(), me, peer)
	if err != nil {
		return httpError(c, err)
	}
	if created {
		s.log.Infow("conversation created", "id", conv.ID, "participants", conv.Participants)
		if err := s.events.PublishConversationCreated(c.UserContext(), conv); err != nil {
			s.log.Warnw("publish conversation.created", "id", conv.ID, "err", err)
		}
	}
	return utils.JSONSuccess(c, fiber.StatusOK, conv)
}

// listConversations returns the caller's conversations, most recently
// active first.
func (s *Server) listConversations(c *fiber.Ctx) error {
	me := middleware.UserID(c)
	ctx := c.UserContext()
	convs, err := s.repo.ListConversations(ctx, me)
	if err != nil {
		return httpError(c, err)
	}

	out := make([]message.ConversationSummary, 0, len(convs))
	var ids []string
	for _, conv := range convs {
		sum := message.ConversationSummary{ID: conv.ID, CreatedAt: conv.CreatedAt}
		for _, pid := range conv.Participants {
			u, err := s.repo.GetUser(ctx, pid)
			if errors.Is(err, repository.ErrNotFound) {
				u = message.User{ID: pid}
			} else if err != nil {
				return httpError(c, err)
			}
			sum.Participants = append(sum.Participants, u)
			ids = append(ids, pid)
		}
		msgs, err := s.repo.ListMessages(ctx, conv.ID)
		if err != nil {
			return httpError(c, err)
		}
		if n := len(msgs); n > 0 {
			last := msgs[n-1]
			sum.LastMessage = &last
		}
		for _, m := range msgs {
			if m.SenderID != me && m.Status != message.StatusRead {
				sum.UnreadCount++
			}
		}
		out = append(out, sum)
	}

	online, err := s.presence.Online(ctx, ids)
	if err != nil {
		s.log.Warnw("presence lookup failed", "err", err)
	}
	for i := range out {
		for j := range out[i].Participants {
			out[i].Participants[j].Online = online[out[i].Participants[j].ID]
		}
	}
	slices.SortStableFunc(out, func(a, b message.ConversationSummary) int {
		return b.Activity().Compare(a.Activity())
	})
	return utils.JSONSuccess(c, fiber.StatusOK, out)
}

// listMessages returns the whole conversation in timestamp order. Fetching
// counts as reading: the peer's messages are marked read first.
func (s *Server) listMessages(c *fiber.Ctx) error {
	me := middleware.UserID(c)
	conv, err := s.memberConversation(c.UserContext(), c.Params("conv"), me)
	if err != nil {
		return httpError(c, err)
	}
	if err := s.markRead(c.UserContext(), conv, me); err != nil {
		s.log.Warnw("mark read", "conv", conv.ID, "err", err)
	}
	msgs, err := s.repo.ListMessages(c.UserContext(), conv.ID)
	if err != nil {
		return httpError(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusOK, msgs)
}

type postRequest struct {
	ClientID string            `json:"client_id" validate:"omitempty,max=64"`
	Content  *string           `json:"content" validate:"omitempty,max=4096"`
	Type     string            `json:"type" validate:"required,oneof=text image video voice"`
	FileURL  string            `json:"file_url" validate:"required_unless=Type text,max=2048"`
	FileName string            `json:"file_name" validate:"omitempty,max=255"`
	ReplyTo  *message.ReplyRef `json:"reply_to"`
}

func (r postRequest) draft() (message.Draft, error) {
	var content string
	if r.Content != nil {
		content = *r.Content
	}
	body, err := message.NewBody(message.Kind(r.Type), content, r.FileURL, r.FileName)
	if err != nil {
		return message.Draft{}, err
	}
	return message.Draft{Body: body, ReplyTo: r.ReplyTo}, nil
}

func (s *Server) postMessage(c *fiber.Ctx) error {
	id := middleware.Identity(c)
	conv, err := s.memberConversation(c.UserContext(), c.Params("conv"), id.UserID)
	if err != nil {
		return httpError(c, err)
	}
	var req postRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.JSONError(c, fiber.StatusBadRequest, "invalid body")
	}
	if err := s.validate.Struct(req); err != nil {
		return utils.JSONError(c, fiber.StatusBadRequest, err.Error())
	}
	d, err := req.draft()
	if err != nil {
		return utils.JSONError(c, fiber.StatusBadRequest, err.Error())
	}
	m, err := s.ingest(c.UserContext(), "rest", s.sender(c.UserContext(), id), conv, req.ClientID, d)
	if err != nil {
		return httpError(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusCreated, m)
}

func (s *Server) upload(c *fiber.Ctx) error {
	if s.media == nil {
		return utils.JSONError(c, fiber.StatusNotImplemented, "uploads disabled")
	}
	id := middleware.Identity(c)
	conv, err := s.memberConversation(c.UserContext(), c.Params("conv"), id.UserID)
	if err != nil {
		return httpError(c, err)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return utils.JSONError(c, fiber.StatusBadRequest, "missing file")
	}
	var reply *message.ReplyRef
	if raw := c.FormValue("reply_to"); raw != "" {
		reply = &message.ReplyRef{}
		if err := json.Unmarshal([]byte(raw), reply); err != nil {
			return utils.JSONError(c, fiber.StatusBadRequest, "invalid reply_to")
		}
	}
	f, err := fh.Open()
	if err != nil {
		return httpError(c, err)
	}
	data, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		return httpError(c, err)
	}

	saved, err := s.media.Save(c.UserContext(), id.UserID, fh.Filename, fh.Header.Get(fiber.HeaderContentType), data)
	if err != nil {
		if errors.Is(err, errs.ErrUnsupportedMedia) {
			return utils.JSONError(c, fiber.StatusUnsupportedMediaType, err.Error())
		}
		return httpError(c, err)
	}
	body, err := message.NewBody(saved.Kind, "", saved.URL, saved.Name)
	if err != nil {
		return httpError(c, err)
	}
	m, err := s.ingest(c.UserContext(), "upload", s.sender(c.UserContext(), id), conv, c.FormValue("client_id"), message.Draft{Body: body, ReplyTo: reply})
	if err != nil {
		return httpError(c, err)
	}
	return utils.JSONSuccess(c, fiber.StatusCreated, m)
}

// lastSeen is the timestamp written when a user's last socket closes.
func (s *Server) lastSeen() time.Time { return s.clock.Now() }
