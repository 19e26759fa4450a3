package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/chat-app/internal/channel"
	"github.com/fathima-sithara/chat-app/internal/message"
	"github.com/fathima-sithara/chat-app/internal/session"
	"github.com/fathima-sithara/chat-app/internal/transport"
	"github.com/fathima-sithara/chat-app/shared/errs"
	"github.com/fathima-sithara/chat-app/shared/utils"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeTransport struct {
	mu      sync.Mutex
	fetch   func(ctx context.Context, conv string) ([]message.Message, error)
	post    func(conv, clientID string, d message.Draft) (message.Message, error)
	users   []message.User
	usersEr error
	fetches map[string]int
	posted  []message.Draft
}

func (f *fakeTransport) FetchMessages(ctx context.Context, conv string) ([]message.Message, error) {
	f.mu.Lock()
	if f.fetches == nil {
		f.fetches = map[string]int{}
	}
	f.fetches[conv]++
	fetch := f.fetch
	f.mu.Unlock()
	if fetch == nil {
		return nil, nil
	}
	return fetch(ctx, conv)
}

func (f *fakeTransport) fetchCount(conv string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[conv]
}

func (f *fakeTransport) PostMessage(_ context.Context, conv, clientID string, d message.Draft) (message.Message, error) {
	f.mu.Lock()
	f.posted = append(f.posted, d)
	post := f.post
	f.mu.Unlock()
	return post(conv, clientID, d)
}

func (f *fakeTransport) GetOrCreateConversation(_ context.Context, peer string) (message.Conversation, error) {
	return message.Conversation{ID: "c-" + peer, Participants: []string{"me", peer}}, nil
}

func (f *fakeTransport) ListUsers(context.Context) ([]message.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users, f.usersEr
}

func (f *fakeTransport) Me(context.Context) (message.User, error) {
	return message.User{ID: "me", DisplayName: "Me"}, nil
}

type fakeUploader struct {
	got transport.File
}

func (u *fakeUploader) Upload(_ context.Context, conv, clientID string, f transport.File, _ *message.ReplyRef) (message.Message, error) {
	u.got = f
	return message.Message{
		ID: "u1", ClientID: clientID, ConversationID: conv, SenderID: "me",
		Body: message.Image{FileRef: "/uploads/" + f.Name, Name: f.Name}, Timestamp: t0, Status: message.StatusSent,
	}, nil
}

type fakeConn struct {
	events chan channel.Event
	done   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	frames []channel.Frame
	err    error
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan channel.Event, 16), done: make(chan struct{})}
}

func (f *fakeConn) Events() <-chan channel.Event { return f.events }
func (f *fakeConn) Done() <-chan struct{}        { return f.done }

func (f *fakeConn) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeConn) Send(fr channel.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return errs.ErrChannelClosed
	}
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() {
		close(f.events)
		close(f.done)
	})
	return nil
}

// drop simulates the relay hanging up.
func (f *fakeConn) drop() {
	f.mu.Lock()
	f.err = errs.ErrChannelClosed
	f.mu.Unlock()
	_ = f.Close()
}

func (f *fakeConn) sent() []channel.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]channel.Frame(nil), f.frames...)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) Dial(context.Context, string) (channel.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type errLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *errLog) Observe(err error) {
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
}

func (l *errLog) all() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

type harness struct {
	c      *Controller
	tr     *fakeTransport
	dialer *fakeDialer
	clock  *utils.ManualClock
	sess   *session.Session
	errs   *errLog
}

type option func(*Options)

func withoutDialer() option { return func(o *Options) { o.Dialer = nil } }

func newHarness(t *testing.T, tr *fakeTransport, opts ...option) *harness {
	t.Helper()
	h := &harness{
		tr:     tr,
		dialer: &fakeDialer{},
		clock:  utils.NewManualClock(t0),
		sess:   session.New("tok", message.User{ID: "me", DisplayName: "Me"}, nil),
		errs:   &errLog{},
	}
	o := Options{
		Session:   h.sess,
		Transport: tr,
		Dialer:    h.dialer,
		Clock:     h.clock,
		Observer:  h.errs,
		Config: Config{
			PollInterval:        time.Hour,
			RosterInterval:      time.Hour,
			TypingTick:          5 * time.Millisecond,
			AckTimeout:          10 * time.Second,
			ReconnectMaxElapsed: 200 * time.Millisecond,
		},
	}
	for _, fn := range opts {
		fn(&o)
	}
	c, err := New(o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	h.c = c
	require.NoError(t, c.Start())
	return h
}

func (h *harness) open(t *testing.T, peer string) *fakeConn {
	t.Helper()
	_, err := h.c.SwitchConversation(context.Background(), peer)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		s, _ := h.c.ChannelState()
		return s == channel.StateOpen
	}, time.Second, 5*time.Millisecond)
	return h.dialer.last()
}

func (h *harness) messages(t *testing.T) []message.Message {
	t.Helper()
	ms, err := h.c.Messages()
	require.NoError(t, err)
	return ms
}

func ids(ms []message.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

func text(id, conv, senderID, content string, at time.Time) message.Message {
	return message.Message{
		ID: id, ConversationID: conv, SenderID: senderID,
		Body: message.Text{Content: content}, Timestamp: at, Status: message.StatusSent,
	}
}
