package controller

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fathima-sithara/chat-app/internal/channel"
	"github.com/fathima-sithara/chat-app/internal/message"
	"github.com/fathima-sithara/chat-app/shared/errs"
	"github.com/fathima-sithara/chat-app/shared/metrics"
)

// restartPolls cancels both polling loops and starts them again for the
// current conversation. The message loop only runs with a conversation.
func (c *Controller) restartPolls() {
	if c.stopPolls != nil {
		c.stopPolls()
	}
	ctx, cancel := context.WithCancel(c.base)
	c.stopPolls = cancel

	if conv := c.conv.ID; conv != "" {
		go c.pollLoop(ctx, c.cfg.PollInterval, func(ctx context.Context) {
			msgs, err := c.tr.FetchMessages(ctx, conv)
			if ctx.Err() != nil {
				metrics.Polls.WithLabelValues("messages", "cancelled").Inc()
				return
			}
			_ = c.post(func() { c.applyMessages(conv, msgs, err) })
		})
	}
	go c.pollLoop(ctx, c.cfg.RosterInterval, func(ctx context.Context) {
		users, err := c.tr.ListUsers(ctx)
		if ctx.Err() != nil {
			metrics.Polls.WithLabelValues("roster", "cancelled").Inc()
			return
		}
		_ = c.post(func() { c.applyRoster(users, err) })
	})
}

// pollLoop runs fetch now and on every tick. A fetch still in flight when the
// next tick fires is cancelled and superseded, never retried.
func (c *Controller) pollLoop(ctx context.Context, every time.Duration, fetch func(context.Context)) {
	t := time.NewTicker(every)
	defer t.Stop()
	cancelPrev := context.CancelFunc(func() {})
	defer func() { cancelPrev() }()
	for {
		reqCtx, cancel := context.WithCancel(ctx)
		cancelPrev()
		cancelPrev = cancel
		go fetch(reqCtx)

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (c *Controller) applyMessages(conv string, msgs []message.Message, err error) {
	if conv != c.store.Conversation() {
		metrics.Polls.WithLabelValues("messages", "stale").Inc()
		return
	}
	if err != nil {
		metrics.Polls.WithLabelValues("messages", "error").Inc()
		c.checkAuth(err)
		c.report(err)
		return
	}
	metrics.Polls.WithLabelValues("messages", "ok").Inc()
	for _, m := range msgs {
		if m.ClientID != "" {
			c.pipeline.Confirm(m.ClientID)
		}
	}
	if c.store.MergeBatch(msgs) {
		metrics.MessagesMerged.WithLabelValues("poll").Inc()
		c.emitStore()
	}
}

func (c *Controller) applyRoster(users []message.User, err error) {
	if err != nil {
		metrics.Polls.WithLabelValues("roster", "error").Inc()
		c.checkAuth(err)
		c.report(err)
		return
	}
	metrics.Polls.WithLabelValues("roster", "ok").Inc()
	if c.roster.Merge(users) {
		c.emitPresence()
	}
}

// connect starts a dial when the channel is closed. The dial itself runs off
// the loop and reports back through dialed.
func (c *Controller) connect() {
	if c.dialer == nil || !c.life.CanDial() {
		return
	}
	if err := c.life.Transition(channel.StateConnecting); err != nil {
		c.report(err)
		return
	}
	c.connGen++
	gen := c.connGen
	ctx, cancel := context.WithCancel(c.base)
	c.stopDial = cancel
	cred := c.sess.Credential()

	go func() {
		var conn channel.Conn
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = c.cfg.ReconnectMaxElapsed
		err := backoff.Retry(func() error {
			cn, err := c.dialer.Dial(ctx, cred)
			if err != nil {
				if channel.IsUnauthorized(err) || ctx.Err() != nil {
					return backoff.Permanent(err)
				}
				c.log.Debugw("dial failed, retrying", "err", err)
				return err
			}
			conn = cn
			return nil
		}, backoff.WithContext(bo, ctx))

		if perr := c.post(func() { c.dialed(gen, conn, err) }); perr != nil && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (c *Controller) dialed(gen uint64, conn channel.Conn, err error) {
	if gen != c.connGen || !c.life.Is(channel.StateConnecting) {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	c.stopDial = nil
	if err != nil {
		_ = c.life.Transition(channel.StateClosed)
		c.log.Warnw("push channel unavailable, polling only", "err", err)
		c.checkAuth(err)
		return
	}
	c.conn = conn
	_ = c.life.Transition(channel.StateOpen)
	go c.pump(gen, conn)
}

// pump forwards channel events into the loop until the connection ends.
func (c *Controller) pump(gen uint64, conn channel.Conn) {
	for ev := range conn.Events() {
		if c.post(func() { c.applyEvent(gen, ev) }) != nil {
			return
		}
	}
	err := conn.Err()
	_ = c.post(func() { c.dropped(gen, err) })
}

func (c *Controller) dropped(gen uint64, err error) {
	if gen != c.connGen || c.conn == nil {
		return
	}
	c.conn = nil
	if c.life.Is(channel.StateOpen) {
		_ = c.life.Transition(channel.StatePendingReconnect)
	}
	c.log.Warnw("push channel dropped", "err", err)
}

func (c *Controller) closeChannel() {
	c.connGen++
	if c.stopDial != nil {
		c.stopDial()
		c.stopDial = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	if !c.life.Is(channel.StateClosed) {
		_ = c.life.Transition(channel.StateClosed)
	}
}

func (c *Controller) applyEvent(gen uint64, ev channel.Event) {
	if gen != c.connGen {
		return
	}
	if ev.Err != nil {
		metrics.MessagesDiscarded.Inc()
		c.report(ev.Err)
		return
	}
	if ev.ConversationID == "" || ev.ConversationID != c.conv.ID {
		return
	}
	switch ev.Type {
	case channel.EventNewMessage:
		if ev.Message.ClientID != "" {
			c.pipeline.Confirm(ev.Message.ClientID)
		}
		if c.store.MergeAuthoritative(ev.Message) {
			metrics.MessagesMerged.WithLabelValues("push").Inc()
			c.emitStore()
		}
	case channel.EventTyping:
		if ev.UserID == c.sess.User().ID {
			return
		}
		if active, changed := c.typing.Renew(c.clock.Now()); changed {
			c.emitTyping(active)
		}
	case channel.EventMessagesRead:
		if c.store.MarkAllRead() {
			c.emitStore()
		}
	}
}

// channelOpen reports whether frames can go out on the push channel.
func (c *Controller) channelOpen() bool {
	return c.conn != nil && c.life.Is(channel.StateOpen)
}

// Reconnect dials the push channel again after a drop. It is a no-op while
// the channel is open or a dial is in progress.
func (c *Controller) Reconnect() error {
	if c.dialer == nil {
		return errors.New("controller: no push channel configured")
	}
	return c.post(c.connect)
}

// SwitchConversation resolves the conversation with peerID and makes it
// active. The store is rebound and both polling loops restart; results from
// the previous conversation that arrive later are dropped.
func (c *Controller) SwitchConversation(ctx context.Context, peerID string) (message.Conversation, error) {
	if peerID == "" {
		return message.Conversation{}, errs.ErrBadRequest
	}
	conv, err := c.tr.GetOrCreateConversation(ctx, peerID)
	if err != nil {
		c.checkAuth(err)
		return message.Conversation{}, err
	}
	err = c.call(func() { c.activate(conv) })
	return conv, err
}

func (c *Controller) activate(conv message.Conversation) {
	c.conv = conv
	c.store.Reset(conv.ID)
	c.pipeline.Reset()
	c.compose.Take()
	if c.typing.Reset() {
		c.emitTyping(false)
	}
	c.restartPolls()
	c.emitStore()
	c.connect()
}

// MarkRead tells the peer the active conversation has been read. Without an
// open channel it does nothing; the next fetch marks messages read on the
// relay anyway.
func (c *Controller) MarkRead() error {
	var err error
	cerr := c.call(func() {
		if c.conv.ID == "" {
			err = errs.ErrNoConversation
			return
		}
		if c.channelOpen() {
			err = c.conn.Send(channel.ReadFrame(c.conv.ID))
		}
	})
	if cerr != nil {
		return cerr
	}
	return err
}

// NotifyTyping sends a typing frame, throttled so a burst of keystrokes
// produces at most a few frames per second.
func (c *Controller) NotifyTyping() error {
	return c.post(func() {
		if c.conv.ID == "" || !c.channelOpen() {
			return
		}
		if !c.typingOut.AllowN(c.clock.Now(), 1) {
			return
		}
		if err := c.conn.Send(channel.TypingFrame(c.conv.ID)); err != nil {
			c.log.Debugw("typing frame dropped", "err", err)
		}
	})
}

// SetReplyTarget makes the next send a reply to the confirmed message id.
func (c *Controller) SetReplyTarget(id string) error {
	var err error
	cerr := c.call(func() {
		m, ok := c.store.Get(id)
		if !ok || m.Provisional() {
			err = errs.ErrNotFound
			return
		}
		c.compose.SetReply(m.AsReply())
	})
	if cerr != nil {
		return cerr
	}
	return err
}

func (c *Controller) ClearReplyTarget() error {
	return c.call(func() { c.compose.Take() })
}

// ReplyTarget returns the pending reply target, nil when none.
func (c *Controller) ReplyTarget() (*message.ReplyRef, error) {
	var out *message.ReplyRef
	err := c.call(func() { out = c.compose.Reply() })
	return out, err
}
