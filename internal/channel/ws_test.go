package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/chat-app/internal/message"
	"github.com/fathima-sithara/chat-app/shared/errs"
)

// echoServer upgrades /ws/{token}, pushes one typing event and reports every
// frame it receives on got.
func echoServer(t *testing.T, got chan<- Frame) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws/good-token" {
			http.Error(w, "nope", http.StatusUnauthorized)
			return
		}
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"typing","user_id":"u2","conversation_id":"conv"}`))
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var f Frame
			if json.Unmarshal(data, &f) == nil {
				got <- f
			}
			if f.Type == FrameRead {
				_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWSDialerRoundTrip(t *testing.T) {
	got := make(chan Frame, 4)
	srv := echoServer(t, got)
	defer srv.Close()

	d := NewWSDialer(WSConfig{URL: wsURL(srv), PingInterval: time.Second}, nil)
	conn, err := d.Dial(context.Background(), "good-token")
	require.NoError(t, err)
	defer conn.Close()

	select {
	case ev := <-conn.Events():
		assert.Equal(t, EventTyping, ev.Type)
		assert.Equal(t, "u2", ev.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}

	require.NoError(t, conn.Send(MessageFrame("conv", "cid-1", message.Draft{Body: message.Text{Content: "hi"}})))
	select {
	case f := <-got:
		assert.Equal(t, FrameMessage, f.Type)
		assert.Equal(t, "cid-1", f.ClientID)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not received")
	}

	// the server hangs up after a read frame; the conn reports the drop
	require.NoError(t, conn.Send(ReadFrame("conv")))
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("conn did not close")
	}
	assert.ErrorIs(t, conn.Err(), errs.ErrChannelClosed)
	assert.ErrorIs(t, conn.Send(TypingFrame("conv")), errs.ErrChannelClosed)
}

func TestWSDialerRejectedCredential(t *testing.T) {
	srv := echoServer(t, make(chan Frame, 1))
	defer srv.Close()

	d := NewWSDialer(WSConfig{URL: wsURL(srv)}, nil)
	_, err := d.Dial(context.Background(), "bad-token")
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
}

func TestLocalCloseLeavesNoError(t *testing.T) {
	srv := echoServer(t, make(chan Frame, 4))
	defer srv.Close()

	d := NewWSDialer(WSConfig{URL: wsURL(srv)}, nil)
	conn, err := d.Dial(context.Background(), "good-token")
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	<-conn.Done()
	assert.NoError(t, conn.Err())
	for range conn.Events() {
	}
}

func TestEndpointEscapesCredential(t *testing.T) {
	d := NewWSDialer(WSConfig{URL: "ws://h:1/"}, nil)
	assert.Equal(t, "ws://h:1/ws/a%2Fb", d.Endpoint("a/b"))
}
