package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/fathima-sithara/chat-app/internal/channel"
	"github.com/fathima-sithara/chat-app/internal/relay/hub"
	jwtv "github.com/fathima-sithara/chat-app/shared/jwt"
	"github.com/fathima-sithara/chat-app/shared/middleware"
	"github.com/fathima-sithara/chat-app/shared/utils"
)

// wsGate authenticates the token in the path before the upgrade so a bad
// token gets a plain 401 instead of a socket that closes immediately.
func (s *Server) wsGate(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	id, err := middleware.Authenticate(s.verifier, c.Params("token"))
	if err != nil {
		return utils.JSONError(c, fiber.StatusUnauthorized, "invalid token")
	}
	if err := s.ensureUser(c.UserContext(), id); err != nil {
		s.log.Errorw("register user", "err", err)
		return utils.JSONError(c, fiber.StatusInternalServerError, "internal error")
	}
	c.Locals(middleware.LocalIdentity, id)
	return c.Next()
}

func (s *Server) serveWS(conn *websocket.Conn) {
	id, _ := conn.Locals(middleware.LocalIdentity).(jwtv.Identity)
	ctx := context.Background()

	client := hub.NewClient(id.UserID, 0)
	s.hub.Add(client)
	if _, err := s.presence.Connect(ctx, id.UserID, client.ID); err != nil {
		s.log.Warnw("presence connect", "user", id.UserID, "err", err)
	}
	s.log.Infow("socket connected", "user", id.UserID, "socket", client.ID)

	writerDone := make(chan struct{})
	go s.writeLoop(conn, client, writerDone)

	s.readLoop(ctx, conn, id)

	s.hub.Remove(client)
	<-writerDone
	last, err := s.presence.Disconnect(ctx, id.UserID, client.ID)
	if err != nil {
		s.log.Warnw("presence disconnect", "user", id.UserID, "err", err)
	}
	if last {
		if err := s.repo.TouchLastSeen(ctx, id.UserID, s.lastSeen()); err != nil {
			s.log.Warnw("touch last seen", "user", id.UserID, "err", err)
		}
	}
	s.log.Infow("socket closed", "user", id.UserID, "socket", client.ID)
}

func (s *Server) writeLoop(conn *websocket.Conn, client *hub.Client, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.ws.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case b, ok := <-client.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(s.ws.WriteDeadline))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = conn.Close()
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				s.log.Debugw("socket write", "socket", client.ID, "err", err)
				_ = conn.Close()
				drain(client.Send)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.ws.WriteDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				drain(client.Send)
				return
			}
		}
	}
}

// drain empties ch until the hub closes it.
func drain(ch <-chan []byte) {
	for range ch {
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, id jwtv.Identity) {
	readWait := 2 * s.ws.PingInterval
	conn.SetReadLimit(s.ws.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugw("socket read", "user", id.UserID, "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		if mt != websocket.TextMessage {
			continue
		}
		var f channel.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Debugw("bad frame", "user", id.UserID, "err", err)
			continue
		}
		s.handleFrame(ctx, id, f)
	}
}

func (s *Server) handleFrame(ctx context.Context, id jwtv.Identity, f channel.Frame) {
	conv, err := s.memberConversation(ctx, f.ConversationID, id.UserID)
	if err != nil {
		s.log.Debugw("frame for unknown conversation", "user", id.UserID, "conv", f.ConversationID, "type", f.Type)
		return
	}
	switch f.Type {
	case channel.FrameMessage:
		d, err := f.Draft()
		if err != nil {
			s.log.Debugw("bad message frame", "user", id.UserID, "err", err)
			return
		}
		if _, err := s.ingest(ctx, "push", s.sender(ctx, id), conv, f.ClientID, d); err != nil {
			s.log.Warnw("push message", "user", id.UserID, "conv", conv.ID, "err", err)
		}
	case channel.FrameTyping:
		s.broadcast([]string{conv.Peer(id.UserID)}, channel.Event{
			Type: channel.EventTyping, ConversationID: conv.ID, UserID: id.UserID,
		})
	case channel.FrameRead:
		if err := s.markRead(ctx, conv, id.UserID); err != nil {
			s.log.Warnw("mark read", "user", id.UserID, "conv", conv.ID, "err", err)
		}
	}
}
