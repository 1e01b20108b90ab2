// Package httpretry sends outbound API calls with bounded retries,
// exponential backoff and jitter. It knows nothing about payloads.
package httpretry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/ph2708/sync-apis/internal/metrics"
)

// ErrTransport marks a call whose transport kept failing on every attempt
var ErrTransport = errors.New("transport failure")

const (
	DefaultMaxAttempts      = 4
	DefaultBackoffBase      = 500 * time.Millisecond
	DefaultRateLimitPenalty = time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultTotalTimeout     = 60 * time.Second

	jitterFrac = 0.2
)

type Config struct {
	ConnectTimeout   time.Duration
	TotalTimeout     time.Duration
	MaxAttempts      int
	BackoffBase      time.Duration
	RateLimitPenalty time.Duration
	Debug            bool
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.TotalTimeout <= 0 {
		c.TotalTimeout = DefaultTotalTimeout
	}
	if c.ConnectTimeout > c.TotalTimeout {
		c.ConnectTimeout = c.TotalTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.RateLimitPenalty <= 0 {
		c.RateLimitPenalty = DefaultRateLimitPenalty
	}
	return c
}

// Auth decorates an outgoing request with credentials
type Auth interface {
	Apply(req *http.Request)
}

type BasicAuth struct {
	User     string
	Password string
}

func (a BasicAuth) Apply(req *http.Request) { req.SetBasicAuth(a.User, a.Password) }

type BearerToken string

func (t BearerToken) Apply(req *http.Request) { req.Header.Set("Authorization", "Bearer "+string(t)) }

type Request struct {
	Method string
	URL    string
	Header http.Header
	Auth   Auth
	Body   []byte
}

// Response is a fully read HTTP response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
}

func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// Retryable reports whether status is rate limiting or a server error
func Retryable(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status < 600)
}

type Option func(*Client)

// WithSleep replaces the wait between attempts
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithRand replaces the jitter source; f returns values in [0, 1)
func WithRand(f func() float64) Option {
	return func(c *Client) { c.rand = f }
}

// WithHTTPClient replaces the underlying client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

func WithMetrics(reg *metrics.Registry) Option {
	return func(c *Client) { c.metrics = reg }
}

type Client struct {
	cfg     Config
	hc      *http.Client
	metrics *metrics.Registry
	sleep   func(ctx context.Context, d time.Duration) error
	rand    func() float64
}

func New(cfg Config, opts ...Option) *Client {
	cfg = cfg.withDefaults()

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}
	c := &Client{
		cfg: cfg,
		hc: &http.Client{
			Timeout: cfg.TotalTimeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: cfg.ConnectTimeout,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 8,
			},
		},
		sleep: sleepCtx,
		rand:  rand.Float64,
	}

	for _, o := range opts {
		o(c)
	}

	return c
}

// MaxAttempts is the attempt ceiling in effect
func (c *Client) MaxAttempts() int { return c.cfg.MaxAttempts }

// Send performs req. Retryable statuses that persist through every attempt
// return the last response with a nil error; a transport that keeps failing
// returns an error wrapping ErrTransport. Other statuses return at once.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	for attempt := 1; ; attempt++ {
		resp, err := c.do(ctx, method, req)
		if err != nil {
			c.metrics.ObserveRequest(0)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			log.Printf("httpretry: request exception attempt %d/%d for %s %s (%v)", attempt, c.cfg.MaxAttempts, method, req.URL, err)
			if attempt >= c.cfg.MaxAttempts {
				return nil, fmt.Errorf("%w: %s %s after %d attempts: %v", ErrTransport, method, req.URL, attempt, err)
			}

			err = c.wait(ctx, c.Delay(attempt, 0))
			if err != nil {
				return nil, err
			}
			continue
		}

		resp.Attempts = attempt
		c.metrics.ObserveRequest(resp.StatusCode)

		if !Retryable(resp.StatusCode) {
			if c.cfg.Debug {
				log.Printf("httpretry: %s %s -> %d (attempt %d)", method, req.URL, resp.StatusCode, attempt)
			}
			return resp, nil
		}

		log.Printf("httpretry: retryable status %d for %s %s (attempt %d/%d)", resp.StatusCode, method, req.URL, attempt, c.cfg.MaxAttempts)
		if attempt >= c.cfg.MaxAttempts {
			return resp, nil
		}

		err = c.wait(ctx, c.Delay(attempt, resp.StatusCode))
		if err != nil {
			return nil, err
		}
	}
}

// Delay is the wait after the given failed attempt (1-based):
// base * 2^(attempt-1) scaled by ±20% jitter, plus a fixed penalty for 429.
func (c *Client) Delay(attempt int, status int) time.Duration {
	d := float64(c.cfg.BackoffBase) * math.Pow(2, float64(attempt-1))
	d *= 1 - jitterFrac + 2*jitterFrac*c.rand()

	if status == http.StatusTooManyRequests {
		d += float64(c.cfg.RateLimitPenalty)
	}
	return time.Duration(d)
}

func (c *Client) wait(ctx context.Context, d time.Duration) error {
	c.metrics.ObserveRetry()
	return c.sleep(ctx, d)
}

func (c *Client) do(ctx context.Context, method string, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	hreq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, err
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if req.Body != nil && hreq.Header.Get("Content-Type") == "" {
		hreq.Header.Set("Content-Type", "application/json")
	}
	if req.Auth != nil {
		req.Auth.Apply(hreq)
	}

	hresp, err := c.hc.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer hresp.Body.Close()

	b, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &Response{StatusCode: hresp.StatusCode, Header: hresp.Header, Body: b}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
