package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type ClientConfig struct {
	Name            string
	Timeout         time.Duration
	RetryMaxElapsed time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	// BreakerFailures consecutive failures open the breaker for BreakerOpen.
	BreakerFailures int
	BreakerOpen     time.Duration
}

type Client struct {
	http *http.Client
	cb   *gobreaker.CircuitBreaker
	conf ClientConfig
}

// ErrServerStatus marks a 5xx response counted against the breaker.
var ErrServerStatus = errors.New("server error status")

func NewClient(conf ClientConfig, log *zap.SugaredLogger) *Client {
	tr := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    conf.MaxIdleConns,
		IdleConnTimeout: conf.IdleConnTimeout,
	}
	return newClient(&http.Client{Transport: tr, Timeout: conf.Timeout}, conf, log)
}

// NewWithHTTPClient wraps an existing client, for tests against httptest
// servers.
func NewWithHTTPClient(hc *http.Client, conf ClientConfig, log *zap.SugaredLogger) *Client {
	return newClient(hc, conf, log)
}

func newClient(hc *http.Client, conf ClientConfig, log *zap.SugaredLogger) *Client {
	if conf.BreakerFailures <= 0 {
		conf.BreakerFailures = 5
	}
	if conf.BreakerOpen <= 0 {
		conf.BreakerOpen = 10 * time.Second
	}
	if conf.RetryMaxElapsed <= 0 {
		conf.RetryMaxElapsed = 15 * time.Second
	}
	if conf.Name == "" {
		conf.Name = "http"
	}
	failures := uint32(conf.BreakerFailures)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        conf.Name,
		MaxRequests: 1,
		Timeout:     conf.BreakerOpen,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		// a cancelled request says nothing about the server
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log != nil {
				log.Warnw("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
			}
		},
	})
	return &Client{http: hc, cb: cb, conf: conf}
}

// Do sends req once through the circuit breaker. Non-5xx responses are
// returned as-is for the caller to interpret; the caller closes the body.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	out, err := c.cb.Execute(func() (interface{}, error) {
		r, err := c.http.Do(req.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		if r.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, r.Body)
			r.Body.Close()
			return nil, fmt.Errorf("%w: %d", ErrServerStatus, r.StatusCode)
		}
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(*http.Response), nil
}

// DoWithRetry runs an idempotent request with exponential backoff, stopping
// early on 4xx. newReq is called per attempt so bodies can be replayed.
func (c *Client) DoWithRetry(ctx context.Context, newReq func() (*http.Request, error)) (*http.Response, error) {
	var resp *http.Response
	operation := func() error {
		req, err := newReq()
		if err != nil {
			return backoff.Permanent(err)
		}
		r, err := c.Do(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.conf.RetryMaxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return resp, nil
}

// State reports the breaker state, mostly for diagnostics.
func (c *Client) State() gobreaker.State {
	return c.cb.State()
}
