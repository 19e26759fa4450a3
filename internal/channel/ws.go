package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-app/shared/errs"
)

// Conn is an open push channel. Events is closed when the connection ends;
// Err then says why.
type Conn interface {
	Events() <-chan Event
	Send(f Frame) error
	Done() <-chan struct{}
	Err() error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, credential string) (Conn, error)
}

type WSConfig struct {
	// URL is the ws(s) base; the credential is appended as /ws/{token}.
	URL            string
	PingInterval   time.Duration
	WriteDeadline  time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

type WSDialer struct {
	cfg    WSConfig
	dialer *websocket.Dialer
	log    *zap.SugaredLogger
}

func NewWSDialer(cfg WSConfig, log *zap.SugaredLogger) *WSDialer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.WriteDeadline <= 0 {
		cfg.WriteDeadline = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 65536
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	d := *websocket.DefaultDialer
	d.HandshakeTimeout = 10 * time.Second
	return &WSDialer{cfg: cfg, dialer: &d, log: log}
}

func (d *WSDialer) Endpoint(credential string) string {
	return strings.TrimSuffix(d.cfg.URL, "/") + "/ws/" + url.PathEscape(credential)
}

func (d *WSDialer) Dial(ctx context.Context, credential string) (Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, d.Endpoint(credential), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial: %w", errs.ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	c := &wsConn{
		ws:     ws,
		cfg:    d.cfg,
		log:    d.log,
		send:   make(chan []byte, d.cfg.SendBuffer),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

type wsConn struct {
	ws  *websocket.Conn
	cfg WSConfig
	log *zap.SugaredLogger

	send   chan []byte
	events chan Event
	done   chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (c *wsConn) Events() <-chan Event  { return c.events }
func (c *wsConn) Done() <-chan struct{} { return c.done }

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send queues f for the writer. It never blocks; a full buffer is an error.
func (c *wsConn) Send(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errs.ErrChannelClosed
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return errs.ErrChannelClosed
	default:
		return fmt.Errorf("%w: send buffer full", errs.ErrChannelClosed)
	}
}

func (c *wsConn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *wsConn) shutdown(cause error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = cause
		c.mu.Unlock()
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}

func (c *wsConn) readPump() {
	defer close(c.events)
	pongWait := c.cfg.PingInterval * 2
	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			select {
			case <-c.done:
				// closed locally
			default:
				if err == nil {
					err = errs.ErrChannelClosed
				}
				c.shutdown(err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage {
			continue
		}
		ev, ok := DecodeEvent(data)
		if !ok {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case b := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteDeadline))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				if c.log != nil {
					c.log.Warnw("channel write failed", "err", err)
				}
				c.shutdown(err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteDeadline)); err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}

// IsUnauthorized reports whether a dial failed because the credential was
// rejected.
func IsUnauthorized(err error) bool {
	return errors.Is(err, errs.ErrUnauthorized)
}
