// Package collector drives page-by-page retrieval of a resource and
// flattens the heterogeneous response envelopes into items.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/ph2708/sync-apis/internal/httpretry"
	"github.com/ph2708/sync-apis/internal/rawitem"
)

var (
	ErrClient      = errors.New("client error")
	ErrServer      = errors.New("server error")
	ErrRateLimited = errors.New("rate limited")
	ErrDecode      = errors.New("undecodable response")
)

// StatusError carries the HTTP status that aborted a resource
type StatusError struct {
	Kind   error
	Status int
	URL    string
	Page   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: status %d on page %d of %s", e.Kind, e.Status, e.Page, e.URL)
}

func (e *StatusError) Unwrap() error { return e.Kind }

// Sender is the part of httpretry.Client the collector needs
type Sender interface {
	Send(ctx context.Context, req httpretry.Request) (*httpretry.Response, error)
}

type Config struct {
	BaseURL   string
	PageSize  int
	PageDelay time.Duration
	Cooldown  time.Duration
	// MaxCooldowns bounds consecutive rate-limit cooldowns on one page;
	// zero means no bound.
	MaxCooldowns int
	// FallbackFilter replaces a caller filter rejected with 400. Nil or
	// empty sends no filter at all.
	FallbackFilter map[string]interface{}
	Envelope       Envelope
	Debug          bool
}

type Option func(*Collector)

// WithSleep replaces the cooldown wait
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Collector) { c.sleep = sleep }
}

type Collector struct {
	cfg     Config
	client  Sender
	auth    httpretry.Auth
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, client Sender, auth httpretry.Auth, opts ...Option) *Collector {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.Envelope.TopKeys == nil {
		cfg.Envelope = AuvoEnvelope
	}

	limit := rate.Inf
	if cfg.PageDelay > 0 {
		limit = rate.Every(cfg.PageDelay)
	}

	c := &Collector{
		cfg:     cfg,
		client:  client,
		auth:    auth,
		limiter: rate.NewLimiter(limit, 1),
		sleep:   sleepCtx,
	}

	for _, o := range opts {
		o(c)
	}

	return c
}

// Fetch retrieves every item of endpoint, one page at a time, until a page
// comes back shorter than the page size. Any failure aborts the resource:
// no partial list is returned.
func (c *Collector) Fetch(ctx context.Context, endpoint string, filter map[string]interface{}) ([]rawitem.RawItem, error) {
	all := make([]rawitem.RawItem, 0)
	active := filter
	fellBack := false
	cooldowns := 0
	page := 1

	for {
		err := c.limiter.Wait(ctx)
		if err != nil {
			return nil, err
		}

		reqURL, err := c.pageURL(endpoint, active, page)
		if err != nil {
			return nil, err
		}

		resp, err := c.client.Send(ctx, httpretry.Request{Method: http.MethodGet, URL: reqURL, Auth: c.auth})
		if err != nil {
			return nil, fmt.Errorf("collector: %s page %d: %w", endpoint, page, err)
		}

		switch {
		case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
			cooldowns++
			if c.cfg.MaxCooldowns > 0 && cooldowns > c.cfg.MaxCooldowns {
				return nil, c.statusError(ErrRateLimited, resp, endpoint, page)
			}
			log.Printf("collector: rate limit on %s page %d, cooling down %v (%d)", endpoint, page, c.cfg.Cooldown, cooldowns)
			err = c.sleep(ctx, c.cfg.Cooldown)
			if err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode >= 500:
			log.Printf("collector: server error %d on %s page %d after %d attempts, giving up on resource", resp.StatusCode, endpoint, page, resp.Attempts)
			return nil, c.statusError(ErrServer, resp, endpoint, page)

		case resp.StatusCode == http.StatusBadRequest && active != nil && !fellBack:
			log.Printf("collector: filter %s rejected on %s page %d, retrying with fallback filter %s",
				encodeFilter(active), endpoint, page, encodeFilter(c.cfg.FallbackFilter))
			// the fallback stays active for the remaining pages
			active = c.cfg.FallbackFilter
			if len(active) == 0 {
				active = nil
			}
			fellBack = true
			continue

		case !resp.OK():
			log.Printf("collector: client error %d on %s page %d", resp.StatusCode, endpoint, page)
			return nil, c.statusError(ErrClient, resp, endpoint, page)
		}
		cooldowns = 0

		decoded, err := rawitem.Decode(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("collector: %s page %d: %w (%v)", endpoint, page, ErrDecode, err)
		}

		items := c.cfg.Envelope.Extract(decoded)
		if c.cfg.Debug {
			log.Printf("collector: %s page %d returned %d items", endpoint, page, len(items))
		}
		if len(items) == 0 {
			break
		}

		all = append(all, items...)
		if len(items) < c.cfg.PageSize {
			break
		}
		page++
	}

	return all, nil
}

func (c *Collector) pageURL(endpoint string, filter map[string]interface{}, page int) (string, error) {
	path := "/" + strings.Trim(endpoint, "/") + "/"

	q := url.Values{}
	if filter != nil {
		b, err := json.Marshal(filter)
		if err != nil {
			return "", fmt.Errorf("collector: encode filter: %w", err)
		}
		q.Set("paramFilter", string(b))
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(c.cfg.PageSize))
	q.Set("order", "asc")
	q.Set("selectfields", "")

	return strings.TrimRight(c.cfg.BaseURL, "/") + path + "?" + q.Encode(), nil
}

func (c *Collector) statusError(kind error, resp *httpretry.Response, endpoint string, page int) error {
	body := string(resp.Body)
	if len(body) > 256 {
		body = body[:256]
	}

	return &StatusError{Kind: kind, Status: resp.StatusCode, URL: endpoint, Page: page, Body: body}
}

func encodeFilter(f map[string]interface{}) string {
	if f == nil {
		return "<none>"
	}
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Sprintf("%v", f)
	}

	return string(b)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
