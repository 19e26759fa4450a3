// Package transport talks to the chat relay over HTTP.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-app/internal/message"
	"github.com/fathima-sithara/chat-app/shared/errs"
	"github.com/fathima-sithara/chat-app/shared/httpclient"
)

// Transport is the request/response side of the relay protocol.
type Transport interface {
	FetchMessages(ctx context.Context, conversationID string) ([]message.Message, error)
	PostMessage(ctx context.Context, conversationID, clientID string, d message.Draft) (message.Message, error)
	GetOrCreateConversation(ctx context.Context, peerID string) (message.Conversation, error)
	ListUsers(ctx context.Context) ([]message.User, error)
	Me(ctx context.Context) (message.User, error)
}

// Credentials supplies the bearer token for each request.
type Credentials interface {
	Credential() string
}

type CredentialFunc func() string

func (f CredentialFunc) Credential() string { return f() }

type Client struct {
	base  string
	http  *httpclient.Client
	creds Credentials
	log   *zap.SugaredLogger
}

func NewClient(baseURL string, hc *httpclient.Client, creds Credentials, log *zap.SugaredLogger) *Client {
	return &Client{base: strings.TrimSuffix(baseURL, "/"), http: hc, creds: creds, log: log}
}

type envelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]message.Message, error) {
	var out []message.Message
	err := c.do(ctx, http.MethodGet, "/api/messages/"+url.PathEscape(conversationID), nil, "", &out)
	return out, err
}

type postBody struct {
	Content  *string           `json:"content,omitempty"`
	Type     string            `json:"type"`
	FileURL  string            `json:"file_url,omitempty"`
	FileName string            `json:"file_name,omitempty"`
	ReplyTo  *message.ReplyRef `json:"reply_to,omitempty"`
	ClientID string            `json:"client_id"`
}

func (c *Client) PostMessage(ctx context.Context, conversationID, clientID string, d message.Draft) (message.Message, error) {
	content, ref, name := message.Fields(d.Body)
	body, err := json.Marshal(postBody{
		Content:  content,
		Type:     string(d.Body.Kind()),
		FileURL:  ref,
		FileName: name,
		ReplyTo:  d.ReplyTo,
		ClientID: clientID,
	})
	if err != nil {
		return message.Message{}, err
	}
	var out message.Message
	err = c.do(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(conversationID), body, "application/json", &out)
	return out, err
}

func (c *Client) GetOrCreateConversation(ctx context.Context, peerID string) (message.Conversation, error) {
	var out message.Conversation
	err := c.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(peerID), nil, "", &out)
	return out, err
}

func (c *Client) ListUsers(ctx context.Context) ([]message.User, error) {
	var out []message.User
	err := c.do(ctx, http.MethodGet, "/api/users", nil, "", &out)
	return out, err
}

// ListConversations returns the signed-in user's conversations, most
// recently active first.
func (c *Client) ListConversations(ctx context.Context) ([]message.ConversationSummary, error) {
	var out []message.ConversationSummary
	err := c.do(ctx, http.MethodGet, "/api/conversations", nil, "", &out)
	return out, err
}

type profileBody struct {
	DisplayName string `json:"display_name,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// UpdateProfile changes the signed-in user's display name.
func (c *Client) UpdateProfile(ctx context.Context, displayName string) (message.User, error) {
	body, err := json.Marshal(profileBody{DisplayName: displayName})
	if err != nil {
		return message.User{}, err
	}
	var out message.User
	err = c.do(ctx, http.MethodPut, "/api/users/profile", body, "application/json", &out)
	return out, err
}

// Logout asks the relay to close this user's sockets. The token itself is
// not revoked.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/auth/logout", nil, "", nil)
}

// Me is only called at login, so it is the one request retried on 5xx and
// network errors. Polls and sends stay single-shot.
func (c *Client) Me(ctx context.Context) (message.User, error) {
	var out message.User
	op := http.MethodGet + " /api/auth/me"
	resp, err := c.http.DoWithRetry(ctx, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, "/api/auth/me", nil, "")
	})
	err = c.decode(op, resp, err, &out)
	return out, err
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte, contentType string) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return nil, err
	}
	if tok := c.creds.Credential(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	op := method + " " + path
	req, err := c.newRequest(ctx, method, path, body, contentType)
	if err != nil {
		return &errs.TransportError{Op: op, Err: err}
	}
	resp, err := c.http.Do(ctx, req)
	return c.decode(op, resp, err, out)
}

// decode turns a relay response envelope into out, or into a TransportError.
func (c *Client) decode(op string, resp *http.Response, err error, out any) error {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &errs.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &errs.TransportError{Op: op, Status: resp.StatusCode, Err: err}
	}
	var env envelope
	_ = json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		cause := errs.FromStatus(resp.StatusCode)
		if env.Message != "" {
			cause = fmt.Errorf("%w: %s", cause, env.Message)
		}
		if c.log != nil {
			c.log.Debugw("relay request failed", "op", op, "status", resp.StatusCode, "message", env.Message)
		}
		return &errs.TransportError{Op: op, Status: resp.StatusCode, Err: cause}
	}
	if out == nil {
		return nil
	}
	data := env.Data
	if len(data) == 0 {
		data = raw
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &errs.TransportError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%w: %v", errs.ErrMalformedMessage, err)}
	}
	return nil
}
