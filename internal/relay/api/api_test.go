package api

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	fws "github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/chat-app/internal/channel"
	"github.com/fathima-sithara/chat-app/internal/message"
	"github.com/fathima-sithara/chat-app/internal/relay/hub"
	"github.com/fathima-sithara/chat-app/internal/relay/media"
	"github.com/fathima-sithara/chat-app/internal/relay/presence"
	"github.com/fathima-sithara/chat-app/internal/relay/repository"
	jwtv "github.com/fathima-sithara/chat-app/shared/jwt"
	"github.com/fathima-sithara/chat-app/shared/utils"
)

const secret = "test-secret"

type fixture struct {
	srv      *Server
	repo     *repository.MemoryRepository
	hub      *hub.Hub
	presence *presence.Memory
	clock    *utils.ManualClock
}

func newFixture(t *testing.T, opts ...func(*Deps)) *fixture {
	t.Helper()
	v, err := jwtv.NewVerifier("", secret)
	require.NoError(t, err)
	store, err := media.NewLocal(t.TempDir(), "/uploads")
	require.NoError(t, err)

	f := &fixture{
		repo:     repository.NewMemoryRepository(),
		hub:      hub.New(),
		presence: presence.NewMemory(),
		clock:    utils.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
	}
	d := Deps{
		Repo:     f.repo,
		Hub:      f.hub,
		Presence: f.presence,
		Media:    media.NewService(store, 1<<20, nil),
		Verifier: v,
		Clock:    f.clock,
		WS:       WSOptions{PingInterval: time.Second},
	}
	for _, o := range opts {
		o(&d)
	}
	f.srv = New(d)
	return f
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, err := jwtv.Sign(secret, jwtv.Identity{UserID: user, Username: user, DisplayName: strings.ToUpper(user)}, time.Hour)
	require.NoError(t, err)
	return tok
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (f *fixture) do(t *testing.T, method, path, user string, body io.Reader, contentType string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	resp, err := f.srv.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env envelope
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(b) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(b, &env), string(b))
	}
	return resp.StatusCode, env
}

func (f *fixture) postJSON(t *testing.T, path, user string, v any) (int, envelope) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return f.do(t, http.MethodPost, path, user, bytes.NewReader(b), "application/json")
}

// conversation registers both users and opens their conversation.
func (f *fixture) conversation(t *testing.T, a, b string) message.Conversation {
	t.Helper()
	code, _ := f.do(t, http.MethodGet, "/api/auth/me", b, nil, "")
	require.Equal(t, http.StatusOK, code)
	code, env := f.do(t, http.MethodPost, "/api/conversations/"+b, a, nil, "")
	require.Equal(t, http.StatusOK, code, env.Message)
	var conv message.Conversation
	require.NoError(t, json.Unmarshal(env.Data, &conv))
	return conv
}

func decodeMessage(t *testing.T, raw json.RawMessage) message.Message {
	t.Helper()
	var m message.Message
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func nextEvent(t *testing.T, c *hub.Client) channel.Event {
	t.Helper()
	select {
	case b := <-c.Send:
		ev, ok := channel.DecodeEvent(b)
		require.True(t, ok)
		require.NoError(t, ev.Err)
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
		return channel.Event{}
	}
}

func TestHealthAndAuth(t *testing.T) {
	f := newFixture(t)

	code, env := f.do(t, http.MethodGet, "/healthz", "", nil, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", env.Status)

	code, env = f.do(t, http.MethodGet, "/api/users", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "error", env.Status)

	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err := f.srv.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUsersCarryPresence(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "alice", "bob")
	_, err := f.presence.Connect(t.Context(), "bob", "sock-1")
	require.NoError(t, err)

	code, env := f.do(t, http.MethodGet, "/api/users", "alice", nil, "")
	require.Equal(t, http.StatusOK, code)
	var users []message.User
	require.NoError(t, json.Unmarshal(env.Data, &users))
	online := map[string]bool{}
	for _, u := range users {
		online[u.ID] = u.Online
	}
	assert.Equal(t, map[string]bool{"alice": false, "bob": true}, online)

	code, env = f.do(t, http.MethodGet, "/api/users/bob", "alice", nil, "")
	require.Equal(t, http.StatusOK, code)
	var bob message.User
	require.NoError(t, json.Unmarshal(env.Data, &bob))
	assert.Equal(t, "BOB", bob.DisplayName)
	assert.True(t, bob.Online)

	code, _ = f.do(t, http.MethodGet, "/api/users/nobody", "alice", nil, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestConversationRules(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/api/auth/me", "bob", nil, "")

	tests := []struct {
		name string
		peer string
		want int
	}{
		{"self", "alice", http.StatusBadRequest},
		{"unknown peer", "ghost", http.StatusNotFound},
		{"known peer", "bob", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := f.do(t, http.MethodPost, "/api/conversations/"+tt.peer, "alice", nil, "")
			assert.Equal(t, tt.want, code)
		})
	}

	a := f.conversation(t, "alice", "bob")
	b := f.conversation(t, "bob", "alice")
	assert.Equal(t, a.ID, b.ID)
}

func TestPostMessageFansOutAndDedupes(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")
	aliceSock := hub.NewClient("alice", 8)
	bobSock := hub.NewClient("bob", 8)
	f.hub.Add(aliceSock)
	f.hub.Add(bobSock)

	body := map[string]any{"content": "hello", "type": "text", "client_id": "cid-1"}
	code, env := f.postJSON(t, "/api/messages/"+conv.ID, "alice", body)
	require.Equal(t, http.StatusCreated, code, env.Message)
	m := decodeMessage(t, env.Data)
	assert.Equal(t, "cid-1", m.ClientID)
	assert.Equal(t, "ALICE", m.SenderName)
	assert.Equal(t, message.StatusDelivered, m.Status)
	assert.Equal(t, f.clock.Now(), m.Timestamp)

	for _, c := range []*hub.Client{aliceSock, bobSock} {
		ev := nextEvent(t, c)
		assert.Equal(t, channel.EventNewMessage, ev.Type)
		assert.Equal(t, m.ID, ev.Message.ID)
		assert.Equal(t, "cid-1", ev.Message.ClientID)
	}

	code, env = f.postJSON(t, "/api/messages/"+conv.ID, "alice", body)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, m.ID, decodeMessage(t, env.Data).ID)
	assert.Empty(t, bobSock.Send, "a retried client id is not broadcast again")
}

func TestPostMessageValidation(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing type", map[string]any{"content": "hi"}},
		{"unknown type", map[string]any{"content": "hi", "type": "sticker"}},
		{"blank text", map[string]any{"content": "   ", "type": "text"}},
		{"image without url", map[string]any{"type": "image"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := f.postJSON(t, "/api/messages/"+conv.ID, "alice", tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, "error", env.Status)
		})
	}

	code, _ := f.do(t, http.MethodPost, "/api/messages/"+conv.ID, "alice", strings.NewReader("{"), "application/json")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestOutsidersCannotSeeConversation(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")

	code, _ := f.do(t, http.MethodGet, "/api/messages/"+conv.ID, "mallory", nil, "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.postJSON(t, "/api/messages/"+conv.ID, "mallory", map[string]any{"content": "hi", "type": "text"})
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodGet, "/api/messages/nope", "alice", nil, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestListMarksPeerMessagesRead(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")

	for i, text := range []string{"one", "two"} {
		f.clock.Advance(time.Second)
		code, _ := f.postJSON(t, "/api/messages/"+conv.ID, "bob", map[string]any{"content": text, "type": "text", "client_id": string(rune('a' + i))})
		require.Equal(t, http.StatusCreated, code)
	}
	bobSock := hub.NewClient("bob", 8)
	f.hub.Add(bobSock)

	code, env := f.do(t, http.MethodGet, "/api/messages/"+conv.ID, "alice", nil, "")
	require.Equal(t, http.StatusOK, code)
	var msgs []message.Message
	require.NoError(t, json.Unmarshal(env.Data, &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", message.Preview(msgs[0].Body))
	for _, m := range msgs {
		assert.Equal(t, message.StatusRead, m.Status)
	}

	ev := nextEvent(t, bobSock)
	assert.Equal(t, channel.EventMessagesRead, ev.Type)
	assert.Equal(t, "alice", ev.UserID)
	assert.Equal(t, conv.ID, ev.ConversationID)

	// nothing left unread, so no second notice
	f.do(t, http.MethodGet, "/api/messages/"+conv.ID, "alice", nil, "")
	assert.Empty(t, bobSock.Send)
}

func multipartUpload(t *testing.T, name, contentType string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestUpload(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")

	reply := `{"id":"m-1","content":"look","sender_name":"BOB","type":"text"}`
	body, ct := multipartUpload(t, "memo.webm", "audio/webm", []byte("voice"), map[string]string{"client_id": "up-1", "reply_to": reply})
	code, env := f.do(t, http.MethodPost, "/api/upload/"+conv.ID, "alice", body, ct)
	require.Equal(t, http.StatusCreated, code, env.Message)
	m := decodeMessage(t, env.Data)
	assert.Equal(t, message.KindVoice, m.Kind())
	assert.Equal(t, "up-1", m.ClientID)
	require.NotNil(t, m.ReplyTo)
	assert.Equal(t, "m-1", m.ReplyTo.ID)
	_, ref, name := message.Fields(m.Body)
	assert.True(t, strings.HasPrefix(ref, "/uploads/alice/"))
	assert.Equal(t, "memo.webm", name)

	body, ct = multipartUpload(t, "doc.pdf", "application/pdf", []byte("%PDF"), nil)
	code, _ = f.do(t, http.MethodPost, "/api/upload/"+conv.ID, "alice", body, ct)
	assert.Equal(t, http.StatusUnsupportedMediaType, code)

	code, _ = f.do(t, http.MethodPost, "/api/upload/"+conv.ID, "alice", strings.NewReader(""), "multipart/form-data; boundary=x")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWebSocketGate(t *testing.T) {
	f := newFixture(t)
	code, _ := f.do(t, http.MethodGet, "/ws/"+token(t, "alice"), "", nil, "")
	assert.Equal(t, http.StatusUpgradeRequired, code)
}

func serve(t *testing.T, f *fixture) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = f.srv.App().Listener(ln) }()
	t.Cleanup(func() { _ = f.srv.App().Shutdown() })
	return ln.Addr().String()
}

func dial(t *testing.T, addr, user string) *fws.Conn {
	t.Helper()
	conn, _, err := fws.DefaultDialer.Dial("ws://"+addr+"/ws/"+token(t, user), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *fws.Conn) channel.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, ok := channel.DecodeEvent(data)
	require.True(t, ok, string(data))
	require.NoError(t, ev.Err)
	return ev
}

func TestWebSocketRoundTrip(t *testing.T) {
	f := newFixture(t)
	conv := f.conversation(t, "alice", "bob")
	addr := serve(t, f)

	alice := dial(t, addr, "alice")
	bob := dial(t, addr, "bob")
	require.Eventually(t, func() bool {
		return f.hub.Connected("alice") && f.hub.Connected("bob")
	}, time.Second, 10*time.Millisecond)

	online, err := f.presence.Online(t.Context(), []string{"alice", "bob"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"alice": true, "bob": true}, online)

	require.NoError(t, alice.WriteJSON(channel.TypingFrame(conv.ID)))
	ev := readEvent(t, bob)
	assert.Equal(t, channel.EventTyping, ev.Type)
	assert.Equal(t, "alice", ev.UserID)

	frame := channel.MessageFrame(conv.ID, "cid-9", message.Draft{Body: message.Text{Content: "over the wire"}})
	require.NoError(t, alice.WriteJSON(frame))
	for _, c := range []*fws.Conn{alice, bob} {
		ev := readEvent(t, c)
		assert.Equal(t, channel.EventNewMessage, ev.Type)
		assert.Equal(t, "cid-9", ev.Message.ClientID)
		assert.Equal(t, "over the wire", message.Preview(ev.Message.Body))
		assert.Equal(t, message.StatusDelivered, ev.Message.Status)
	}

	require.NoError(t, bob.WriteJSON(channel.ReadFrame(conv.ID)))
	ev = readEvent(t, alice)
	assert.Equal(t, channel.EventMessagesRead, ev.Type)
	assert.Equal(t, "bob", ev.UserID)

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool { return !f.hub.Connected("bob") }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		u, err := f.repo.GetUser(t.Context(), "bob")
		return err == nil && u.LastSeen.Equal(f.clock.Now())
	}, time.Second, 10*time.Millisecond)
}

func TestConversationListing(t *testing.T) {
	f := newFixture(t)
	ab := f.conversation(t, "alice", "bob")
	ac := f.conversation(t, "alice", "carol")
	_, err := f.presence.Connect(t.Context(), "carol", "sock-1")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	code, _ := f.postJSON(t, "/api/messages/"+ac.ID, "carol", map[string]any{"type": "text", "content": "hey"})
	require.Equal(t, http.StatusCreated, code)
	f.clock.Advance(time.Minute)
	for _, text := range []string{"one", "two"} {
		code, _ = f.postJSON(t, "/api/messages/"+ab.ID, "bob", map[string]any{"type": "text", "content": text})
		require.Equal(t, http.StatusCreated, code)
	}

	list := func(user string) []message.ConversationSummary {
		code, env := f.do(t, http.MethodGet, "/api/conversations", user, nil, "")
		require.Equal(t, http.StatusOK, code, env.Message)
		var out []message.ConversationSummary
		require.NoError(t, json.Unmarshal(env.Data, &out))
		return out
	}

	got := list("alice")
	require.Len(t, got, 2)
	assert.Equal(t, ab.ID, got[0].ID, "most recent activity first")
	assert.Equal(t, "BOB", got[0].Peer("alice").DisplayName)
	assert.Equal(t, 2, got[0].UnreadCount)
	require.NotNil(t, got[0].LastMessage)
	assert.Equal(t, "two", message.Preview(got[0].LastMessage.Body))
	assert.Equal(t, ac.ID, got[1].ID)
	assert.True(t, got[1].Peer("alice").Online)

	code, _ = f.do(t, http.MethodGet, "/api/messages/"+ab.ID, "alice", nil, "")
	require.Equal(t, http.StatusOK, code)
	assert.Zero(t, list("alice")[0].UnreadCount)

	got = list("bob")
	require.Len(t, got, 1)
	assert.Zero(t, got[0].UnreadCount, "own messages are never unread")
}

func TestUpdateProfile(t *testing.T) {
	f := newFixture(t)
	put := func(body string) (int, envelope) {
		return f.do(t, http.MethodPut, "/api/users/profile", "alice", strings.NewReader(body), "application/json")
	}

	code, env := put(`{"display_name":"  Alice Liddell "}`)
	require.Equal(t, http.StatusOK, code, env.Message)
	var u message.User
	require.NoError(t, json.Unmarshal(env.Data, &u))
	assert.Equal(t, "Alice Liddell", u.DisplayName)

	code, env = f.do(t, http.MethodGet, "/api/auth/me", "alice", nil, "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &u))
	assert.Equal(t, "Alice Liddell", u.DisplayName)

	tests := []struct {
		name string
		body string
	}{
		{"empty", `{}`},
		{"blank name", `{"display_name":"   "}`},
		{"name too long", `{"display_name":"` + strings.Repeat("x", 65) + `"}`},
		{"not json", `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := put(tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
		})
	}
}

func TestLogoutClosesSockets(t *testing.T) {
	f := newFixture(t)
	f.conversation(t, "alice", "bob")
	addr := serve(t, f)

	alice := dial(t, addr, "alice")
	dial(t, addr, "bob")
	require.Eventually(t, func() bool {
		return f.hub.Connected("alice") && f.hub.Connected("bob")
	}, time.Second, 10*time.Millisecond)

	f.clock.Advance(time.Hour)
	code, env := f.do(t, http.MethodPost, "/api/auth/logout", "alice", nil, "")
	require.Equal(t, http.StatusOK, code, env.Message)
	assert.JSONEq(t, `{"sockets_closed":1}`, string(env.Data))

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := alice.ReadMessage()
	assert.True(t, fws.IsCloseError(err, fws.CloseNormalClosure), "got %v", err)

	require.Eventually(t, func() bool {
		online, err := f.presence.Online(t.Context(), []string{"alice", "bob"})
		return err == nil && !online["alice"] && online["bob"]
	}, time.Second, 10*time.Millisecond)
	u, err := f.repo.GetUser(t.Context(), "alice")
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now(), u.LastSeen)
	assert.True(t, f.hub.Connected("bob"))
}

func TestCORSAndLimiter(t *testing.T) {
	limited := 0
	f := newFixture(t, func(d *Deps) {
		d.CORSOrigins = "http://app.local"
		d.Limiter = func(c *fiber.Ctx) error {
			limited++
			return c.Next()
		}
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://app.local")
	resp, err := f.srv.App().Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, "http://app.local", resp.Header.Get("Access-Control-Allow-Origin"))

	f.do(t, http.MethodGet, "/api/users", "", nil, "")
	assert.Zero(t, limited, "unauthenticated requests stop before the limiter")
	f.do(t, http.MethodGet, "/api/users", "alice", nil, "")
	assert.Equal(t, 1, limited)
}
