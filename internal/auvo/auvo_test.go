package auvo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ph2708/sync-apis/internal/httpretry"
	"github.com/ph2708/sync-apis/internal/rawitem"
	"github.com/ph2708/sync-apis/internal/upsert"
)

func TestFindToken(t *testing.T) {
	cases := []struct {
		name string
		resp interface{}
		want string
	}{
		{"top level", map[string]interface{}{"token": "a"}, "a"},
		{"result object", map[string]interface{}{"result": map[string]interface{}{"token": "b", "expiration": "x"}}, "b"},
		{"priority", map[string]interface{}{"authorization": "c", "Token": "d"}, "d"},
		{"nested suffix", map[string]interface{}{"payload": map[string]interface{}{"accessToken": "e"}}, "e"},
		{"inside list", map[string]interface{}{"items": []interface{}{map[string]interface{}{"bearerToken": "f"}}}, "f"},
	}

	for _, c := range cases {
		got, ok := FindToken(c.resp)
		if !ok || got != c.want {
			t.Fatalf("%s: got %q (%v) want %q", c.name, got, ok, c.want)
		}
	}

	if _, ok := FindToken(map[string]interface{}{"message": "denied"}); ok {
		t.Fatalf("no token expected")
	}
}

func TestLogin(t *testing.T) {
	var gotKey, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("apiKey")
		gotToken = r.URL.Query().Get("apiToken")
		w.Write([]byte(`{"result": {"accessToken": "tok-123", "expiration": "2030-01-01"}}`))
	}))
	defer srv.Close()

	sender := httpretry.New(httpretry.Config{MaxAttempts: 1})
	tok, err := Login(context.Background(), sender, srv.URL, "key", "secret")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "tok-123" || gotKey != "key" || gotToken != "secret" {
		t.Fatalf("unexpected login exchange: %q %q %q", tok, gotKey, gotToken)
	}

	_, err = Login(context.Background(), sender, srv.URL, "", "secret")
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("missing credentials should fail with ErrAuth, got %v", err)
	}
}

type fakeFetcher struct {
	filters map[string]map[string]interface{}
	fail    map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, endpoint string, filter map[string]interface{}) ([]rawitem.RawItem, error) {
	f.filters[endpoint] = filter
	if err := f.fail[endpoint]; err != nil {
		return nil, err
	}
	return []rawitem.RawItem{{"id": endpoint + "-1"}, {"id": endpoint + "-2"}}, nil
}

type fakeUpserter struct {
	tables map[string]bool
	seen   map[string]int
}

func (f *fakeUpserter) Has(table string) bool { return f.tables[table] }

func (f *fakeUpserter) UpsertAll(_ context.Context, table string, items []rawitem.RawItem) (upsert.Summary, []upsert.Outcome) {
	f.seen[table] += len(items)
	return upsert.Summary{Table: table, Total: len(items), Inserted: len(items)}, nil
}

func TestSync_SkipsFailingResource(t *testing.T) {
	fetcher := &fakeFetcher{
		filters: map[string]map[string]interface{}{},
		fail:    map[string]error{"tasks": errors.New("server error")},
	}
	ups := &fakeUpserter{tables: map[string]bool{"users": true, "tasks": true, "customers": true}, seen: map[string]int{}}

	s := NewSyncer(fetcher, ups)
	s.now = func() time.Time { return time.Date(2024, 2, 14, 12, 0, 0, 0, time.UTC) }

	res := s.Sync(context.Background(), nil)
	if len(res.Resources) != 3 {
		t.Fatalf("expected 3 resources, got %d", len(res.Resources))
	}
	if skipped := res.Skipped(); len(skipped) != 1 || skipped[0] != "tasks" {
		t.Fatalf("expected tasks to be skipped, got %v", skipped)
	}
	if ups.seen["users"] != 2 || ups.seen["customers"] != 2 || ups.seen["tasks"] != 0 {
		t.Fatalf("unexpected upserts %v", ups.seen)
	}

	f := fetcher.filters["tasks"]
	if f["StartDate"] != "2024-02-01T00:00:00" || f["EndDate"] != "2024-02-29T23:59:59" {
		t.Fatalf("unexpected month filter %v", f)
	}
	if fetcher.filters["users"] != nil {
		t.Fatalf("users must not be filtered")
	}
}

func TestSync_UnregisteredResource(t *testing.T) {
	fetcher := &fakeFetcher{filters: map[string]map[string]interface{}{}}
	ups := &fakeUpserter{tables: map[string]bool{"users": true}, seen: map[string]int{}}

	res := NewSyncer(fetcher, ups).Sync(context.Background(), []string{"users", "equipments"})
	if skipped := res.Skipped(); len(skipped) != 1 || skipped[0] != "equipments" {
		t.Fatalf("unregistered resource should be skipped, got %v", skipped)
	}
	if _, called := fetcher.filters["equipments"]; called {
		t.Fatalf("unregistered resource must not be fetched")
	}
}
