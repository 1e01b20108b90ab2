package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ph2708/sync-apis/internal/httpretry"
)

func noSleep(context.Context, time.Duration) error { return nil }

// pagedServer serves n items under /users/ wrapped as {result: {entityList: [...]}}
type pagedServer struct {
	mu      sync.Mutex
	n       int
	pages   []int
	filters []string
	handler func(w http.ResponseWriter, r *http.Request, page int) bool
}

func (s *pagedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))

	s.mu.Lock()
	s.pages = append(s.pages, page)
	s.filters = append(s.filters, r.URL.Query().Get("paramFilter"))
	s.mu.Unlock()

	if s.handler != nil && s.handler(w, r, page) {
		return
	}

	list := make([]interface{}, 0)
	for i := (page-1)*size + 1; i <= page*size && i <= s.n; i++ {
		list = append(list, map[string]interface{}{"id": i})
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"result": map[string]interface{}{"entityList": list}})
}

func newTestCollector(srv *httptest.Server, pageSize int) *Collector {
	client := httpretry.New(httpretry.Config{MaxAttempts: 2}, httpretry.WithSleep(noSleep))
	return New(Config{
		BaseURL:        srv.URL,
		PageSize:       pageSize,
		Cooldown:       time.Millisecond,
		MaxCooldowns:   3,
		FallbackFilter: map[string]interface{}{"externalId": ""},
	}, client, httpretry.BearerToken("t"), WithSleep(noSleep))
}

func TestFetch_PaginationTerminates(t *testing.T) {
	cases := []struct {
		n, size   int
		wantPages []int
	}{
		{7, 3, []int{1, 2, 3}},
		{6, 3, []int{1, 2, 3}},
		{2, 5, []int{1}},
		{0, 5, []int{1}},
	}

	for _, c := range cases {
		ps := &pagedServer{n: c.n}
		srv := httptest.NewServer(ps)
		items, err := newTestCollector(srv, c.size).Fetch(context.Background(), "users", nil)
		srv.Close()

		if err != nil {
			t.Fatalf("n=%d size=%d: %v", c.n, c.size, err)
		}
		if len(items) != c.n {
			t.Fatalf("n=%d size=%d: got %d items", c.n, c.size, len(items))
		}
		if fmt.Sprint(ps.pages) != fmt.Sprint(c.wantPages) {
			t.Fatalf("n=%d size=%d: pages %v want %v", c.n, c.size, ps.pages, c.wantPages)
		}
		for i, it := range items {
			if it["id"] != json.Number(strconv.Itoa(i+1)) {
				t.Fatalf("item %d out of order: %v", i, it)
			}
		}
	}
}

func TestFetch_RateLimitRetriesSamePage(t *testing.T) {
	forbidden := 0
	ps := &pagedServer{n: 4}
	ps.handler = func(w http.ResponseWriter, r *http.Request, page int) bool {
		if page == 2 && forbidden < 2 {
			forbidden++
			w.WriteHeader(http.StatusForbidden)
			return true
		}
		return false
	}
	srv := httptest.NewServer(ps)
	defer srv.Close()

	items, err := newTestCollector(srv, 3).Fetch(context.Background(), "users", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("expected 4 items, got %d", len(items))
	}
	if fmt.Sprint(ps.pages) != "[1 2 2 2]" {
		t.Fatalf("page must not advance while rate limited: %v", ps.pages)
	}
}

func TestFetch_RateLimitBounded(t *testing.T) {
	ps := &pagedServer{n: 4}
	ps.handler = func(w http.ResponseWriter, r *http.Request, page int) bool {
		w.WriteHeader(http.StatusForbidden)
		return true
	}
	srv := httptest.NewServer(ps)
	defer srv.Close()

	_, err := newTestCollector(srv, 3).Fetch(context.Background(), "users", nil)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if len(ps.pages) != 4 {
		t.Fatalf("expected 1 call + 3 cooldown retries, got %d", len(ps.pages))
	}
}

func TestFetch_FilterFallbackOn400(t *testing.T) {
	ps := &pagedServer{n: 2}
	ps.handler = func(w http.ResponseWriter, r *http.Request, page int) bool {
		if r.URL.Query().Get("paramFilter") == `{"StartDate":"bad"}` {
			w.WriteHeader(http.StatusBadRequest)
			return true
		}
		return false
	}
	srv := httptest.NewServer(ps)
	defer srv.Close()

	items, err := newTestCollector(srv, 5).Fetch(context.Background(), "tasks", map[string]interface{}{"StartDate": "bad"})
	if err != nil {
		t.Fatalf("fallback should recover: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if len(ps.filters) != 2 || ps.filters[1] != `{"externalId":""}` {
		t.Fatalf("expected fallback filter on retry, got %q", ps.filters)
	}
}

func TestFetch_FallbackKeptForLaterPages(t *testing.T) {
	ps := &pagedServer{n: 4}
	ps.handler = func(w http.ResponseWriter, r *http.Request, page int) bool {
		if page == 1 && r.URL.Query().Get("paramFilter") == `{"StartDate":"bad"}` {
			w.WriteHeader(http.StatusBadRequest)
			return true
		}
		return false
	}
	srv := httptest.NewServer(ps)
	defer srv.Close()

	items, err := newTestCollector(srv, 2).Fetch(context.Background(), "tasks", map[string]interface{}{"StartDate": "bad"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 4 {
		t.Fatalf("expected 4 items, got %d", len(items))
	}
	if fmt.Sprint(ps.pages) != "[1 1 2 3]" {
		t.Fatalf("unexpected pages %v", ps.pages)
	}
	for i, f := range ps.filters[1:] {
		if f != `{"externalId":""}` {
			t.Fatalf("call %d went back to the rejected filter: %q", i+2, f)
		}
	}
}

func TestFetch_FallbackTriedOnlyOnce(t *testing.T) {
	ps := &pagedServer{n: 2}
	ps.handler = func(w http.ResponseWriter, r *http.Request, page int) bool {
		w.WriteHeader(http.StatusBadRequest)
		return true
	}
	srv := httptest.NewServer(ps)
	defer srv.Close()

	_, err := newTestCollector(srv, 5).Fetch(context.Background(), "tasks", map[string]interface{}{"StartDate": "x"})
	var se *StatusError
	if !errors.As(err, &se) || !errors.Is(err, ErrClient) || se.Status != http.StatusBadRequest {
		t.Fatalf("expected 400 client error, got %v", err)
	}
	if len(ps.pages) != 2 {
		t.Fatalf("expected the first call plus one fallback call, got %d", len(ps.pages))
	}
}

func TestFetch_ServerErrorAbortsResource(t *testing.T) {
	ps := &pagedServer{n: 10}
	ps.handler = func(w http.ResponseWriter, r *http.Request, page int) bool {
		if page == 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return true
		}
		return false
	}
	srv := httptest.NewServer(ps)
	defer srv.Close()

	items, err := newTestCollector(srv, 3).Fetch(context.Background(), "customers", nil)
	if !errors.Is(err, ErrServer) {
		t.Fatalf("expected ErrServer, got %v", err)
	}
	if items != nil {
		t.Fatalf("no partial items expected, got %d", len(items))
	}
	// page 1 once, page 2 retried by the http client (2 attempts)
	if fmt.Sprint(ps.pages) != "[1 2 2]" {
		t.Fatalf("unexpected calls %v", ps.pages)
	}
}

func TestFetch_NotFoundIsClientError(t *testing.T) {
	ps := &pagedServer{}
	ps.handler = func(w http.ResponseWriter, r *http.Request, page int) bool {
		w.WriteHeader(http.StatusNotFound)
		return true
	}
	srv := httptest.NewServer(ps)
	defer srv.Close()

	_, err := newTestCollector(srv, 3).Fetch(context.Background(), "missing", nil)
	if !errors.Is(err, ErrClient) {
		t.Fatalf("expected ErrClient, got %v", err)
	}
}
