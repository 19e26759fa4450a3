package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/chat-app/internal/channel"
	"github.com/fathima-sithara/chat-app/internal/message"
	"github.com/fathima-sithara/chat-app/internal/transport"
	"github.com/fathima-sithara/chat-app/shared/errs"
)

func TestPushSendCollapsesIntoEcho(t *testing.T) {
	h := newHarness(t, &fakeTransport{})
	conn := h.open(t, "bob")

	require.NoError(t, h.c.Send(context.Background(), message.Draft{Body: message.Text{Content: "hi"}}))

	ms := h.messages(t)
	require.Len(t, ms, 1)
	assert.Equal(t, "tmp-1", ms[0].ID)
	assert.Equal(t, message.StatusSending, ms[0].Status)

	frames := conn.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, channel.FrameMessage, frames[0].Type)
	assert.Equal(t, "c-bob", frames[0].ConversationID)
	require.NotEmpty(t, frames[0].ClientID)

	echo := text("42", "c-bob", "me", "hi", t0)
	echo.ClientID = frames[0].ClientID
	conn.events <- channel.Event{Type: channel.EventNewMessage, ConversationID: "c-bob", Message: echo}

	require.Eventually(t, func() bool {
		ms := h.messages(t)
		return len(ms) == 1 && ms[0].ID == "42"
	}, time.Second, 5*time.Millisecond)
	ms = h.messages(t)
	assert.Equal(t, message.StatusSent, ms[0].Status)
	assert.Equal(t, message.Text{Content: "hi"}, ms[0].Body)
}

func TestDirectSendWhenDisconnected(t *testing.T) {
	tr := &fakeTransport{post: func(conv, clientID string, d message.Draft) (message.Message, error) {
		m := text("42", conv, "me", "hi", t0)
		m.ClientID = clientID
		return m, nil
	}}
	h := newHarness(t, tr, withoutDialer())
	_, err := h.c.SwitchConversation(context.Background(), "bob")
	require.NoError(t, err)

	require.NoError(t, h.c.Send(context.Background(), message.Draft{Body: message.Text{Content: "hi"}}))

	ms := h.messages(t)
	require.Len(t, ms, 1)
	assert.Equal(t, "42", ms[0].ID)
	assert.Equal(t, message.StatusSent, ms[0].Status)
	assert.Equal(t, message.Text{Content: "hi"}, ms[0].Body)
}

func TestDirectSendFailureRollsBack(t *testing.T) {
	tr := &fakeTransport{post: func(string, string, message.Draft) (message.Message, error) {
		return message.Message{}, &errs.TransportError{Op: "post", Status: 500, Err: errs.ErrInternal}
	}}
	h := newHarness(t, tr, withoutDialer())
	_, err := h.c.SwitchConversation(context.Background(), "bob")
	require.NoError(t, err)

	var snapshots atomic.Int32
	h.c.OnStoreChanged(func(string, []message.Message) { snapshots.Add(1) })

	err = h.c.Send(context.Background(), message.Draft{Body: message.Text{Content: "hi"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrSendFailed)
	assert.ErrorIs(t, err, errs.ErrInternal)
	assert.Empty(t, h.messages(t))
	// inserted, then removed
	assert.Equal(t, int32(2), snapshots.Load())
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t, &fakeTransport{}, withoutDialer())

	err := h.c.Send(context.Background(), message.Draft{Body: message.Text{Content: "   "}})
	assert.ErrorIs(t, err, errs.ErrBadRequest)

	err = h.c.Send(context.Background(), message.Draft{Body: message.Text{Content: "hi"}})
	assert.ErrorIs(t, err, errs.ErrNoConversation)
}

func TestPollNeverDeletes(t *testing.T) {
	var calls atomic.Int32
	tr := &fakeTransport{fetch: func(_ context.Context, conv string) ([]message.Message, error) {
		all := []message.Message{
			text("1", conv, "bob", "a", t0),
			text("2", conv, "bob", "b", t0.Add(time.Second)),
			text("3", conv, "bob", "c", t0.Add(2*time.Second)),
		}
		if calls.Add(1) == 1 {
			return all, nil
		}
		return all[:2], nil
	}}
	h := newHarness(t, tr, withoutDialer(), func(o *Options) { o.Config.PollInterval = 10 * time.Millisecond })
	_, err := h.c.SwitchConversation(context.Background(), "bob")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return tr.fetchCount("c-bob") >= 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3"}, ids(h.messages(t)))
}

func TestPollKeepsLastGoodOnError(t *testing.T) {
	var calls atomic.Int32
	tr := &fakeTransport{fetch: func(_ context.Context, conv string) ([]message.Message, error) {
		if calls.Add(1) == 1 {
			return []message.Message{text("1", conv, "bob", "a", t0)}, nil
		}
		return nil, &errs.TransportError{Op: "fetch", Status: 503, Err: errs.ErrServiceUnavailable}
	}}
	h := newHarness(t, tr, withoutDialer(), func(o *Options) { o.Config.PollInterval = 10 * time.Millisecond })
	_, err := h.c.SwitchConversation(context.Background(), "bob")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.errs.all()) >= 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1"}, ids(h.messages(t)))
	assert.ErrorIs(t, h.errs.all()[0], errs.ErrServiceUnavailable)
}

func TestStalePollIsDropped(t *testing.T) {
	var cancelled atomic.Bool
	tr := &fakeTransport{fetch: func(ctx context.Context, conv string) ([]message.Message, error) {
		if conv == "c-x" {
			select {
			case <-ctx.Done():
				cancelled.Store(true)
			case <-time.After(2 * time.Second):
			}
			// the late result still comes back and must be ignored
			return []message.Message{text("x1", conv, "x", "late", t0)}, nil
		}
		return []message.Message{text("y1", conv, "y", "hello", t0)}, nil
	}}
	h := newHarness(t, tr, withoutDialer())

	_, err := h.c.SwitchConversation(context.Background(), "x")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tr.fetchCount("c-x") == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, cancelled.Load())

	_, err = h.c.SwitchConversation(context.Background(), "y")
	require.NoError(t, err)
	require.Eventually(t, cancelled.Load, time.Second, 5*time.Millisecond, "switching cancels the in-flight fetch")

	require.Eventually(t, func() bool { return len(h.messages(t)) == 1 }, time.Second, 5*time.Millisecond)
	// a result captured for X that reaches the loop after the switch
	require.NoError(t, h.c.call(func() {
		h.c.applyMessages("c-x", []message.Message{text("x2", "c-x", "x", "late", t0)}, nil)
	}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"y1"}, ids(h.messages(t)))
	conv, err := h.c.Conversation()
	require.NoError(t, err)
	assert.Equal(t, "c-y", conv.ID)
}

func TestTypingLeaseExpires(t *testing.T) {
	h := newHarness(t, &fakeTransport{})
	conn := h.open(t, "bob")

	var mu sync.Mutex
	var seen []bool
	h.c.OnTypingChanged(func(b bool) {
		mu.Lock()
		seen = append(seen, b)
		mu.Unlock()
	})
	typing := func() bool {
		v, err := h.c.Typing()
		require.NoError(t, err)
		return v
	}

	conn.events <- channel.Event{Type: channel.EventTyping, ConversationID: "c-bob", UserID: "bob"}
	require.Eventually(t, typing, time.Second, 5*time.Millisecond)

	h.clock.Advance(1500 * time.Millisecond)
	conn.events <- channel.Event{Type: channel.EventTyping, ConversationID: "c-bob", UserID: "bob"}
	time.Sleep(50 * time.Millisecond)
	h.clock.Advance(1900 * time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.True(t, typing())

	h.clock.Advance(200 * time.Millisecond)
	require.Eventually(t, func() bool { return !typing() }, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []bool{true, false}, seen)
	mu.Unlock()
}

func TestTypingQueryUsesClockNotTick(t *testing.T) {
	h := newHarness(t, &fakeTransport{}, func(o *Options) { o.Config.TypingTick = time.Hour })
	conn := h.open(t, "bob")
	typing := func() bool {
		v, err := h.c.Typing()
		require.NoError(t, err)
		return v
	}

	conn.events <- channel.Event{Type: channel.EventTyping, ConversationID: "c-bob", UserID: "bob"}
	require.Eventually(t, typing, time.Second, 5*time.Millisecond)

	h.clock.Advance(1999 * time.Millisecond)
	assert.True(t, typing())
	h.clock.Advance(time.Millisecond)
	assert.False(t, typing(), "lease lapses at its end even though no tick ran")
}

func TestOwnTypingEchoIgnored(t *testing.T) {
	h := newHarness(t, &fakeTransport{})
	conn := h.open(t, "bob")
	conn.events <- channel.Event{Type: channel.EventTyping, ConversationID: "c-bob", UserID: "me"}
	conn.events <- channel.Event{Type: channel.EventTyping, ConversationID: "c-other", UserID: "bob"}
	time.Sleep(30 * time.Millisecond)
	v, err := h.c.Typing()
	require.NoError(t, err)
	assert.False(t, v)
}

func TestAckTimeoutRemovesProvisional(t *testing.T) {
	h := newHarness(t, &fakeTransport{})
	h.open(t, "bob")

	require.NoError(t, h.c.Send(context.Background(), message.Draft{Body: message.Text{Content: "hi"}}))
	require.Len(t, h.messages(t), 1)

	h.clock.Advance(11 * time.Second)
	require.Eventually(t, func() bool { return len(h.messages(t)) == 0 }, time.Second, 5*time.Millisecond)

	var timedOut bool
	for _, err := range h.errs.all() {
		timedOut = timedOut || errors.Is(err, errs.ErrSendTimeout)
	}
	assert.True(t, timedOut)
}

func TestMessagesReadEvent(t *testing.T) {
	tr := &fakeTransport{fetch: func(_ context.Context, conv string) ([]message.Message, error) {
		return []message.Message{
			text("1", conv, "me", "mine", t0),
			text("2", conv, "bob", "theirs", t0.Add(time.Second)),
		}, nil
	}}
	h := newHarness(t, tr)
	conn := h.open(t, "bob")
	require.Eventually(t, func() bool { return len(h.messages(t)) == 2 }, time.Second, 5*time.Millisecond)

	conn.events <- channel.Event{Type: channel.EventMessagesRead, ConversationID: "c-bob", UserID: "bob"}
	require.Eventually(t, func() bool { return h.messages(t)[0].Status == message.StatusRead }, time.Second, 5*time.Millisecond)
	assert.Equal(t, message.StatusSent, h.messages(t)[1].Status)
}

func TestMalformedEventReported(t *testing.T) {
	h := newHarness(t, &fakeTransport{})
	conn := h.open(t, "bob")
	conn.events <- channel.Event{Err: errs.ErrMalformedEvent}
	require.Eventually(t, func() bool { return len(h.errs.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.errs.all()[0], errs.ErrMalformedEvent)
	assert.Empty(t, h.messages(t))
}

func TestChannelDropAndReconnect(t *testing.T) {
	tr := &fakeTransport{post: func(conv, clientID string, d message.Draft) (message.Message, error) {
		m := text("9", conv, "me", "fallback", t0)
		m.ClientID = clientID
		return m, nil
	}}
	h := newHarness(t, tr)
	conn := h.open(t, "bob")

	conn.drop()
	require.Eventually(t, func() bool {
		s, _ := h.c.ChannelState()
		return s == channel.StatePendingReconnect
	}, time.Second, 5*time.Millisecond)

	// sends fall back to the direct path while the channel is down
	require.NoError(t, h.c.Send(context.Background(), message.Draft{Body: message.Text{Content: "fallback"}}))
	assert.Equal(t, []string{"9"}, ids(h.messages(t)))

	require.NoError(t, h.c.Reconnect())
	require.Eventually(t, func() bool {
		s, _ := h.c.ChannelState()
		return s == channel.StateOpen
	}, time.Second, 5*time.Millisecond)
	assert.NotSame(t, conn, h.dialer.last())
}

func TestUnauthorizedEndsSession(t *testing.T) {
	tr := &fakeTransport{fetch: func(context.Context, string) ([]message.Message, error) {
		return nil, &errs.TransportError{Op: "fetch", Status: 401, Err: errs.ErrUnauthorized}
	}}
	h := newHarness(t, tr, withoutDialer())
	_, err := h.c.SwitchConversation(context.Background(), "bob")
	require.NoError(t, err)

	select {
	case <-h.c.Done():
	case <-time.After(time.Second):
		t.Fatal("controller still running")
	}
	assert.ErrorIs(t, h.sess.Reason(), errs.ErrUnauthorized)
	_, err = h.c.Messages()
	assert.ErrorIs(t, err, errs.ErrControllerClosed)
}

func TestDialUnauthorizedEndsSession(t *testing.T) {
	dialer := &fakeDialer{err: &errs.TransportError{Op: "dial", Status: 401, Err: errs.ErrUnauthorized}}
	h := newHarness(t, &fakeTransport{}, func(o *Options) { o.Dialer = dialer })
	select {
	case <-h.c.Done():
	case <-time.After(time.Second):
		t.Fatal("controller still running")
	}
}

func TestRosterPresence(t *testing.T) {
	tr := &fakeTransport{users: []message.User{
		{ID: "me", Online: true},
		{ID: "bob", Online: true},
		{ID: "eve"},
	}}
	changed := make(chan map[string]bool, 4)
	h := newHarness(t, tr, withoutDialer(), func(o *Options) { o.Config.RosterInterval = 10 * time.Millisecond })
	h.c.OnPresenceChanged(func(m map[string]bool) { changed <- m })

	var got map[string]bool
	require.Eventually(t, func() bool {
		got, _ = h.c.Presence()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, map[string]bool{"bob": true, "eve": false}, got)
}

func TestReplyTarget(t *testing.T) {
	tr := &fakeTransport{
		fetch: func(_ context.Context, conv string) ([]message.Message, error) {
			m := text("1", conv, "bob", "question?", t0)
			m.SenderName = "Bob"
			return []message.Message{m}, nil
		},
		post: func(conv, clientID string, d message.Draft) (message.Message, error) {
			m := text("2", conv, "me", "answer", t0.Add(time.Second))
			m.ClientID = clientID
			m.ReplyTo = d.ReplyTo
			return m, nil
		},
	}
	h := newHarness(t, tr, withoutDialer())
	_, err := h.c.SwitchConversation(context.Background(), "bob")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.messages(t)) == 1 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, h.c.SetReplyTarget("nope"), errs.ErrNotFound)
	require.NoError(t, h.c.SetReplyTarget("1"))
	r, err := h.c.ReplyTarget()
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "question?", r.Preview)

	require.NoError(t, h.c.Send(context.Background(), message.Draft{Body: message.Text{Content: "answer"}}))
	require.Len(t, tr.posted, 1)
	require.NotNil(t, tr.posted[0].ReplyTo)
	assert.Equal(t, "1", tr.posted[0].ReplyTo.ID)
	assert.Equal(t, "Bob", tr.posted[0].ReplyTo.SenderName)

	r, err = h.c.ReplyTarget()
	require.NoError(t, err)
	assert.Nil(t, r)

	require.NoError(t, h.c.SetReplyTarget("1"))
	require.NoError(t, h.c.ClearReplyTarget())
	r, _ = h.c.ReplyTarget()
	assert.Nil(t, r)
}

func TestNotifyTypingThrottled(t *testing.T) {
	h := newHarness(t, &fakeTransport{})
	conn := h.open(t, "bob")

	for range 3 {
		require.NoError(t, h.c.NotifyTyping())
	}
	_, _ = h.c.Messages() // drain the queue
	assert.Len(t, conn.sent(), 1)

	h.clock.Advance(2 * time.Second)
	require.NoError(t, h.c.NotifyTyping())
	_, _ = h.c.Messages()
	frames := conn.sent()
	require.Len(t, frames, 2)
	assert.Equal(t, channel.FrameTyping, frames[1].Type)
}

func TestMarkRead(t *testing.T) {
	h := newHarness(t, &fakeTransport{})
	assert.ErrorIs(t, h.c.MarkRead(), errs.ErrNoConversation)

	conn := h.open(t, "bob")
	require.NoError(t, h.c.MarkRead())
	frames := conn.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, channel.FrameRead, frames[0].Type)
}

func TestUpload(t *testing.T) {
	up := &fakeUploader{}
	h := newHarness(t, &fakeTransport{}, withoutDialer(), func(o *Options) { o.Uploader = up })
	_, err := h.c.SwitchConversation(context.Background(), "bob")
	require.NoError(t, err)

	err = h.c.Upload(context.Background(), transport.File{Name: "a.pdf", ContentType: "application/pdf", Data: []byte("x")})
	assert.ErrorIs(t, err, errs.ErrUnsupportedMedia)

	require.NoError(t, h.c.Upload(context.Background(), transport.File{Name: "cat.png", ContentType: "image/png", Data: []byte("png")}))
	ms := h.messages(t)
	require.Len(t, ms, 1)
	assert.Equal(t, message.Image{FileRef: "/uploads/cat.png", Name: "cat.png"}, ms[0].Body)
	assert.Equal(t, "cat.png", up.got.Name)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newHarness(t, &fakeTransport{})
	conn := h.open(t, "bob")
	require.NoError(t, h.c.Close())
	require.NoError(t, h.c.Close())

	select {
	case <-conn.Done():
	default:
		t.Fatal("channel left open")
	}
	assert.ErrorIs(t, h.c.Send(context.Background(), message.Draft{Body: message.Text{Content: "x"}}), errs.ErrControllerClosed)
}
