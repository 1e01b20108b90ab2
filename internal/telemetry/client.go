// Package telemetry talks to the eTrac tracking API and keeps terminals,
// position pings, trips and routes in the relational store.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ph2708/sync-apis/internal/collector"
	"github.com/ph2708/sync-apis/internal/httpretry"
	"github.com/ph2708/sync-apis/internal/rawitem"
)

var (
	ErrAuth              = errors.New("missing etrac credentials")
	ErrNoHistoryEndpoint = errors.New("no terminal history endpoint responded")
	ErrNoLatestEndpoint  = errors.New("no latest positions endpoint responded")
)

var (
	DefaultHistoryPaths  = []string{"ultimasposicoesterminal", "ultimas-posicoes-terminal", "historico-terminal", "historico-posicoes-terminal"}
	DefaultLatestPaths   = []string{"ultimas-posicoes", "ultimasposicoes", "ultimas-posicoes-frota", "ultimasposicoesfrota"}
	DefaultFallbackPaths = []string{"ultimas-posicoes", "ultimasposicoes", "ultimas-posicoes-por-terminal"}
)

const (
	dayLayout   = "02/01/2006"
	rangeLayout = "02/01/2006 15:04:05"
)

type Config struct {
	BaseURL      string
	User         string
	Key          string
	HistoryPaths []string
	LatestPaths  []string
	Location     *time.Location
	Debug        bool
}

type Client struct {
	cfg    Config
	sender collector.Sender
	auth   httpretry.Auth
}

// NewClient fails with ErrAuth when user or key is missing
func NewClient(cfg Config, sender collector.Sender) (*Client, error) {
	if cfg.User == "" || cfg.Key == "" {
		return nil, ErrAuth
	}
	if len(cfg.HistoryPaths) == 0 {
		cfg.HistoryPaths = DefaultHistoryPaths
	}
	if len(cfg.LatestPaths) == 0 {
		cfg.LatestPaths = DefaultLatestPaths
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	return &Client{
		cfg:    cfg,
		sender: sender,
		auth:   httpretry.BasicAuth{User: cfg.User, Password: cfg.Key},
	}, nil
}

// HistoryQuery selects either one whole day or an explicit range
type HistoryQuery struct {
	Day   time.Time
	Start time.Time
	End   time.Time
}

func (q HistoryQuery) payload(plate string, loc *time.Location) map[string]interface{} {
	p := map[string]interface{}{"placa": plate}
	if !q.Day.IsZero() {
		p["data"] = q.Day.In(loc).Format(dayLayout)
	}
	if !q.Start.IsZero() && !q.End.IsZero() {
		p["data_inicio"] = q.Start.In(loc).Format(rangeLayout)
		p["data_fim"] = q.End.In(loc).Format(rangeLayout)
	}
	return p
}

func (q HistoryQuery) String() string {
	if !q.Day.IsZero() {
		return q.Day.Format("2006-01-02")
	}
	return q.Start.Format(time.RFC3339) + ".." + q.End.Format(time.RFC3339)
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) (*httpretry.Response, error) {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = b
	}

	req := httpretry.Request{
		Method: http.MethodPost,
		URL:    strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.Trim(path, "/"),
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Auth:   c.auth,
		Body:   body,
	}

	return c.sender.Send(ctx, req)
}

func (c *Client) items(resp *httpretry.Response, path string) ([]rawitem.RawItem, error) {
	if !resp.OK() {
		kind := collector.ErrClient
		if resp.StatusCode >= 500 {
			kind = collector.ErrServer
		}
		return nil, &collector.StatusError{Kind: kind, Status: resp.StatusCode, URL: path}
	}

	v, err := rawitem.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %s: %w (%v)", path, collector.ErrDecode, err)
	}

	return collector.EtracEnvelope.Extract(v), nil
}

func (c *Client) fetch(ctx context.Context, path string, payload interface{}) ([]rawitem.RawItem, error) {
	resp, err := c.post(ctx, path, payload)
	if err != nil {
		return nil, err
	}

	items, err := c.items(resp, path)
	if err != nil {
		return nil, err
	}
	if c.cfg.Debug {
		log.Printf("telemetry: fetched %d items from %s", len(items), path)
	}

	return items, nil
}

// LatestPositions returns the last ping of every terminal in the fleet
func (c *Client) LatestPositions(ctx context.Context) ([]rawitem.RawItem, error) {
	return c.fetch(ctx, "ultimas-posicoes", nil)
}

// LastPosition returns the last ping of one plate
func (c *Client) LastPosition(ctx context.Context, plate string) ([]rawitem.RawItem, error) {
	return c.fetch(ctx, "ultimaposicao", map[string]interface{}{"placa": plate})
}

// TerminalHistory tries the configured history paths in order. A 404
// moves on to the next path, any other failure stops the search. Items
// without a plate are stamped with the requested one.
func (c *Client) TerminalHistory(ctx context.Context, plate string, q HistoryQuery) ([]rawitem.RawItem, error) {
	payload := q.payload(plate, c.cfg.Location)

	var lastErr error
	for _, path := range c.cfg.HistoryPaths {
		resp, err := c.post(ctx, path, payload)
		if err != nil {
			return nil, fmt.Errorf("telemetry: history %s %s: %w", plate, q, err)
		}
		if resp.StatusCode == http.StatusNotFound {
			lastErr = &collector.StatusError{Kind: collector.ErrClient, Status: resp.StatusCode, URL: path}
			continue
		}

		items, err := c.items(resp, path)
		if err != nil {
			return nil, fmt.Errorf("telemetry: history %s %s: %w", plate, q, err)
		}

		for _, it := range items {
			if Plate(it) == "" {
				it["placa"] = plate
			}
		}
		log.Printf("telemetry: fetched %d history items for %s (%s) from %s", len(items), plate, q, path)
		return items, nil
	}

	return nil, fmt.Errorf("telemetry: history %s %s: %w (tried %v, last %v)", plate, q, ErrNoHistoryEndpoint, c.cfg.HistoryPaths, lastErr)
}

// DiscoverPlates lists the fleet from the first latest-positions path that answers
func (c *Client) DiscoverPlates(ctx context.Context) ([]string, error) {
	items, path, err := c.firstLatest(ctx, c.cfg.LatestPaths)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	plates := make([]string, 0)
	for _, it := range items {
		p := Plate(it)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		plates = append(plates, p)
	}
	sort.Strings(plates)

	log.Printf("telemetry: discovered %d plates from %s", len(plates), path)
	return plates, nil
}

func (c *Client) firstLatest(ctx context.Context, paths []string) ([]rawitem.RawItem, string, error) {
	var lastErr error
	for _, path := range paths {
		items, err := c.fetch(ctx, path, nil)
		if err == nil {
			return items, path, nil
		}
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}

		var se *collector.StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			if c.cfg.Debug {
				log.Printf("telemetry: endpoint not found: %s", path)
			}
		} else {
			log.Printf("telemetry: %s failed (%v)", path, err)
		}
		lastErr = err
	}

	return nil, "", fmt.Errorf("telemetry: %w (last %v)", ErrNoLatestEndpoint, lastErr)
}

// Trips returns the driving summaries of plate on day
func (c *Client) Trips(ctx context.Context, plate string, day time.Time) ([]rawitem.RawItem, error) {
	payload := map[string]interface{}{"placa": plate, "data": day.In(c.cfg.Location).Format(dayLayout)}
	return c.fetch(ctx, "resumoviagens", payload)
}

// RecentForPlate filters the latest-positions fallback paths locally by
// plate and by transmission time within [start, end].
func (c *Client) RecentForPlate(ctx context.Context, plate string, start, end time.Time) ([]rawitem.RawItem, error) {
	want := strings.ToUpper(strings.TrimSpace(plate))

	var lastErr error
	for _, path := range DefaultFallbackPaths {
		items, err := c.fetch(ctx, path, nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		found := make([]rawitem.RawItem, 0)
		for _, it := range items {
			if Plate(it) != want {
				continue
			}
			ts, ok := TransmittedAt(it, c.cfg.Location)
			if !ok || ts.Before(start) || ts.After(end) {
				continue
			}
			found = append(found, it)
		}
		if len(found) > 0 {
			log.Printf("telemetry: fallback found %d positions for %s using %s", len(found), plate, path)
			return found, nil
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("telemetry: fallback for %s: %w", plate, lastErr)
	}

	return []rawitem.RawItem{}, nil
}
