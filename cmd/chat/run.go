package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-app/internal/channel"
	"github.com/fathima-sithara/chat-app/internal/controller"
	"github.com/fathima-sithara/chat-app/internal/message"
	"github.com/fathima-sithara/chat-app/internal/session"
	"github.com/fathima-sithara/chat-app/internal/transport"
	"github.com/fathima-sithara/chat-app/shared/config"
	"github.com/fathima-sithara/chat-app/shared/errs"
	"github.com/fathima-sithara/chat-app/shared/httpclient"
	"github.com/fathima-sithara/chat-app/shared/logger"
	"github.com/fathima-sithara/chat-app/shared/metrics"
)

func run(ctx context.Context, in io.Reader, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	// the terminal is the UI; keep info logs off it outside development
	level := cfg.App.LogLevel
	if level == "info" && cfg.App.Env != "development" {
		level = "warn"
	}
	log, err := logger.New(logger.Config{Development: cfg.App.Env == "development", Level: level})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	token := tokenFlag
	if token == "" {
		token = cfg.Client.Token
	}

	hc := httpclient.NewClient(httpclient.ClientConfig{
		Name:            "relay",
		Timeout:         cfg.HTTPTimeout,
		MaxIdleConns:    cfg.HTTP.MaxIdleConns,
		IdleConnTimeout: cfg.IdleConnTimeout,
		BreakerFailures: cfg.HTTP.BreakerFailures,
		BreakerOpen:     cfg.BreakerOpen,
		RetryMaxElapsed: cfg.RetryMaxElapsed,
	}, log)
	rest := transport.NewClient(cfg.Client.BaseURL, hc, transport.CredentialFunc(func() string { return token }), log)

	sess, err := session.Login(ctx, token, rest, log)
	if err != nil {
		return err
	}

	if cfg.Client.MetricsAddr != "" {
		stop := serveMetrics(cfg.Client.MetricsAddr, log)
		defer stop()
	}

	ui := newView(out, sess.User().ID)
	ctl, err := controller.New(controller.Options{
		Session:   sess,
		Transport: rest,
		Uploader:  rest,
		Dialer: channel.NewWSDialer(channel.WSConfig{
			URL:            cfg.Client.WSURL,
			PingInterval:   cfg.PingInterval,
			WriteDeadline:  cfg.WriteDeadline,
			MaxMessageSize: cfg.WS.MaxMessageSizeBytes,
		}, log),
		Log:      log,
		Observer: errs.ObserverFunc(ui.problem),
		Config:   controller.ConfigFrom(cfg),
	})
	if err != nil {
		return err
	}
	defer func() { _ = ctl.Close() }()
	ctl.OnStoreChanged(ui.messages)
	ctl.OnTypingChanged(ui.typing)
	ctl.OnChannelChanged(ui.channel)
	ctl.OnPresenceChanged(ui.presence)

	if err := ctl.Start(); err != nil {
		return err
	}
	ui.printf("signed in as %s (%s)\n", sess.User().Name(), sess.User().ID)

	r := &repl{ctl: ctl, sess: sess, rest: rest, ui: ui}
	if peerFlag != "" {
		r.exec(ctx, "/switch "+peerFlag)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if r.exec(ctx, line) {
				return nil
			}
		case <-ctl.Done():
			if reason := sess.Reason(); reason != nil && !errors.Is(reason, session.ErrLoggedOut) {
				return fmt.Errorf("session ended: %w", reason)
			}
			return nil
		case <-sig:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// serveMetrics exposes the client's Prometheus registry.
func serveMetrics(addr string, log *zap.SugaredLogger) func() {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	go func() {
		if err := app.Listen(addr); err != nil {
			log.Warnw("metrics listener", "addr", addr, "err", err)
		}
	}()
	return func() { _ = app.Shutdown() }
}

type repl struct {
	ctl  *controller.Controller
	sess *session.Session
	rest *transport.Client
	ui   *view
}

// exec runs one input line and reports whether the client should exit.
func (r *repl) exec(ctx context.Context, line string) bool {
	cmd, arg := parseCommand(line)
	var err error
	switch cmd {
	case "":
		return false
	case "say":
		err = r.ctl.Send(ctx, message.Draft{Body: message.Text{Content: arg}})
	case "switch":
		var conv message.Conversation
		if conv, err = r.ctl.SwitchConversation(ctx, arg); err == nil {
			r.ui.switched(conv, arg)
		}
	case "reply":
		prefix, text, _ := strings.Cut(arg, " ")
		var id string
		if id, err = r.resolve(prefix); err != nil {
			break
		}
		if err = r.ctl.SetReplyTarget(id); err == nil && strings.TrimSpace(text) != "" {
			err = r.ctl.Send(ctx, message.Draft{Body: message.Text{Content: text}})
		}
	case "cancel":
		err = r.ctl.ClearReplyTarget()
	case "upload":
		var f transport.File
		if f, err = readFile(arg); err == nil {
			err = r.ctl.Upload(ctx, f)
		}
	case "read":
		err = r.ctl.MarkRead()
	case "typing":
		err = r.ctl.NotifyTyping()
	case "users":
		var users []message.User
		var online map[string]bool
		if users, err = r.ctl.Roster(); err == nil {
			if online, err = r.ctl.Presence(); err == nil {
				r.ui.roster(users, online)
			}
		}
	case "chats":
		var convs []message.ConversationSummary
		if convs, err = r.rest.ListConversations(ctx); err == nil {
			r.ui.conversations(convs)
		}
	case "profile":
		name := strings.TrimSpace(arg)
		if name == "" {
			err = fmt.Errorf("%w: /profile needs a display name", errs.ErrBadRequest)
			break
		}
		var u message.User
		if u, err = r.rest.UpdateProfile(ctx, name); err == nil {
			r.ui.printf("-- display name is now %s\n", u.Name())
		}
	case "history":
		var msgs []message.Message
		if msgs, err = r.ctl.Messages(); err == nil {
			r.ui.history(msgs)
		}
	case "reconnect":
		err = r.ctl.Reconnect()
	case "logout":
		if err := r.rest.Logout(ctx); err != nil {
			r.ui.problem(err)
		}
		r.sess.Logout()
		return true
	case "quit", "exit":
		return true
	case "help":
		r.ui.help()
	default:
		r.ui.printf("unknown command /%s, try /help\n", cmd)
	}
	if err != nil {
		r.ui.problem(err)
	}
	return false
}

// resolve expands an id prefix to the single confirmed message it names.
func (r *repl) resolve(prefix string) (string, error) {
	msgs, err := r.ctl.Messages()
	if err != nil {
		return "", err
	}
	return matchID(msgs, prefix)
}

func readFile(path string) (transport.File, error) {
	if path == "" {
		return transport.File{}, fmt.Errorf("%w: /upload needs a path", errs.ErrBadRequest)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return transport.File{}, err
	}
	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	return transport.File{Name: filepath.Base(path), ContentType: ct, Data: data}, nil
}

// view writes controller updates to the terminal. Listener callbacks run on
// the controller loop, input handling on the main goroutine.
type view struct {
	mu      sync.Mutex
	out     io.Writer
	self    string
	peer    string
	conv    string
	printed map[string]message.Status
}

func newView(out io.Writer, self string) *view {
	return &view{out: out, self: self, printed: make(map[string]message.Status)}
}

func (v *view) printf(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, format, args...)
}

func (v *view) problem(err error) { v.printf("! %v\n", err) }

func (v *view) switched(conv message.Conversation, peer string) {
	v.mu.Lock()
	v.peer = peer
	v.mu.Unlock()
	v.printf("-- conversation %s with %s\n", conv.ID, peer)
}

func (v *view) messages(conversationID string, msgs []message.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if conversationID != v.conv {
		v.conv = conversationID
		v.printed = make(map[string]message.Status)
	}
	for _, line := range v.diff(msgs) {
		fmt.Fprintln(v.out, line)
	}
}

// diff returns lines for messages not printed yet and for own messages whose
// status moved on.
func (v *view) diff(msgs []message.Message) []string {
	var lines []string
	for _, m := range msgs {
		key := displayKey(m)
		prev, seen := v.printed[key]
		switch {
		case !seen:
			lines = append(lines, formatMessage(m, v.self))
		case m.SenderID == v.self && m.Status > prev && m.Status >= message.StatusDelivered:
			lines = append(lines, fmt.Sprintf("   %s %s", statusMark(m.Status), shortID(m.ID)))
		}
		v.printed[key] = m.Status
	}
	return lines
}

func (v *view) typing(active bool) {
	if active {
		v.printf("   %s is typing...\n", v.peerName())
	}
}

func (v *view) peerName() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.peer
}

func (v *view) channel(s channel.State) {
	switch s {
	case channel.StateOpen:
		v.printf("-- live\n")
	case channel.StatePendingReconnect:
		v.printf("-- connection lost, polling (/reconnect to retry)\n")
	}
}

func (v *view) presence(online map[string]bool) {
	peer := v.peerName()
	if peer == "" {
		return
	}
	if on, ok := online[peer]; ok && on {
		v.printf("-- %s is online\n", peer)
	}
}

func (v *view) roster(users []message.User, online map[string]bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, line := range formatRoster(users, online) {
		fmt.Fprintln(v.out, line)
	}
}

func (v *view) conversations(convs []message.ConversationSummary) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(convs) == 0 {
		fmt.Fprintln(v.out, "-- no conversations yet")
		return
	}
	for _, line := range formatConversations(convs, v.self) {
		fmt.Fprintln(v.out, line)
	}
}

func (v *view) history(msgs []message.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range msgs {
		fmt.Fprintln(v.out, formatMessage(m, v.self))
	}
}

func (v *view) help() {
	v.printf(`commands:
  <text>               send a message
  /switch <user>       open the conversation with user
  /reply <id> [text]   reply to a message (id prefix from the listing)
  /cancel              drop the pending reply
  /upload <path>       send an image, video or voice file
  /read                mark the conversation read
  /typing              tell the peer you are typing
  /users               list users and who is online
  /chats               list conversations with unread counts
  /profile <name>      change your display name
  /history             print the whole conversation
  /reconnect           retry the live connection
  /logout, /quit
`)
}
