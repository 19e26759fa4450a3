package controller

import (
	"context"
	"fmt"

	"github.com/fathima-sithara/chat-app/internal/channel"
	"github.com/fathima-sithara/chat-app/internal/message"
	"github.com/fathima-sithara/chat-app/internal/sender"
	"github.com/fathima-sithara/chat-app/internal/transport"
	"github.com/fathima-sithara/chat-app/shared/errs"
	"github.com/fathima-sithara/chat-app/shared/metrics"
)

type submitted struct {
	out   *sender.Outgoing
	draft message.Draft
	err   error
}

// Send shows d immediately as a provisional message and hands it to the
// relay. With the push channel open the frame goes out on the channel and
// Send returns at once; the echo confirms it later. Otherwise Send posts
// directly and returns when the relay answers. A failed direct send removes
// the provisional message and returns an error wrapping ErrSendFailed.
func (c *Controller) Send(ctx context.Context, d message.Draft) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %w", errs.ErrBadRequest, err)
	}

	var s submitted
	if err := c.call(func() { s = c.submit(d) }); err != nil {
		return err
	}
	if s.err != nil {
		return s.err
	}
	if s.out.Path == sender.PathPush {
		return nil
	}

	m, err := c.tr.PostMessage(ctx, s.out.ConversationID, s.out.ClientID, s.draft)
	var result error
	if cerr := c.call(func() { result = c.resolve(s.out, m, err, "direct") }); cerr != nil {
		return cerr
	}
	return result
}

func (c *Controller) submit(d message.Draft) submitted {
	if c.conv.ID == "" {
		return submitted{err: errs.ErrNoConversation}
	}
	if reply := c.compose.Take(); d.ReplyTo == nil {
		d.ReplyTo = reply
	}

	path := sender.PathDirect
	if c.channelOpen() {
		path = sender.PathPush
	}
	m, out := c.pipeline.Submit(d, c.sess.User(), c.conv.ID, path, c.clock.Now())
	c.store.InsertProvisional(m)
	c.emitStore()

	if path == sender.PathPush {
		if err := c.conn.Send(channel.MessageFrame(c.conv.ID, out.ClientID, d)); err != nil {
			c.log.Debugw("push send failed, posting directly", "err", err)
			out.Path = sender.PathDirect
		} else {
			metrics.Sends.WithLabelValues(string(sender.PathPush), "queued").Inc()
		}
	}
	return submitted{out: out, draft: d}
}

// resolve applies the relay's answer to a direct send or upload.
func (c *Controller) resolve(out *sender.Outgoing, m message.Message, err error, source string) error {
	if err == nil {
		if m.ClientID == "" {
			m.ClientID = out.ClientID
		}
		err = m.Validate()
	}
	if err != nil {
		metrics.Sends.WithLabelValues(string(out.Path), "failed").Inc()
		if _, ok := c.pipeline.Fail(out.ClientID, err); ok && out.ProvisionalID != "" {
			if c.store.RemoveProvisional(out.ProvisionalID) {
				c.emitStore()
			}
		}
		c.checkAuth(err)
		return fmt.Errorf("%w: %w", errs.ErrSendFailed, err)
	}

	metrics.Sends.WithLabelValues(string(out.Path), "ok").Inc()
	c.pipeline.Confirm(out.ClientID)
	if c.store.MergeAuthoritative(m) {
		metrics.MessagesMerged.WithLabelValues(source).Inc()
		c.emitStore()
	}
	return nil
}

// Upload sends a media file to the active conversation. Nothing is shown
// until the relay has stored the file; the result then merges like any other
// authoritative message.
func (c *Controller) Upload(ctx context.Context, f transport.File) error {
	if c.uploader == nil {
		return fmt.Errorf("%w: uploads are not configured", errs.ErrUnsupportedMedia)
	}
	if _, err := transport.KindFor(f.ContentType); err != nil {
		return err
	}

	var (
		conv  string
		reply *message.ReplyRef
		out   *sender.Outgoing
	)
	if err := c.call(func() {
		conv = c.conv.ID
		if conv == "" {
			return
		}
		reply = c.compose.Take()
		out = c.pipeline.Track(conv, sender.PathUpload, c.clock.Now())
	}); err != nil {
		return err
	}
	if conv == "" {
		return errs.ErrNoConversation
	}

	m, err := c.uploader.Upload(ctx, conv, out.ClientID, f, reply)
	var result error
	if cerr := c.call(func() { result = c.resolve(out, m, err, "upload") }); cerr != nil {
		return cerr
	}
	return result
}
