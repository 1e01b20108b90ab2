package auvo

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ph2708/sync-apis/internal/rawitem"
	"github.com/ph2708/sync-apis/internal/upsert"
)

var DefaultResources = []string{"users", "tasks", "customers"}

type Fetcher interface {
	Fetch(ctx context.Context, endpoint string, filter map[string]interface{}) ([]rawitem.RawItem, error)
}

type Upserter interface {
	Has(table string) bool
	UpsertAll(ctx context.Context, table string, items []rawitem.RawItem) (upsert.Summary, []upsert.Outcome)
}

// ResourceResult is what happened to one resource
type ResourceResult struct {
	Resource string
	Fetched  int
	Upserts  upsert.Summary
	Err      error
}

// Result is one sync run
type Result struct {
	Resources []ResourceResult
}

// Skipped lists the resources that could not be fetched
func (r Result) Skipped() []string {
	out := make([]string, 0)
	for _, rr := range r.Resources {
		if rr.Err != nil {
			out = append(out, rr.Resource)
		}
	}
	return out
}

func (r Result) String() string {
	parts := make([]string, 0, len(r.Resources))
	for _, rr := range r.Resources {
		if rr.Err != nil {
			parts = append(parts, fmt.Sprintf("%s: skipped (%v)", rr.Resource, rr.Err))
			continue
		}
		parts = append(parts, rr.Upserts.String())
	}
	return strings.Join(parts, "; ")
}

type Syncer struct {
	fetcher  Fetcher
	upserter Upserter
	now      func() time.Time
}

func NewSyncer(fetcher Fetcher, upserter Upserter) *Syncer {
	return &Syncer{fetcher: fetcher, upserter: upserter, now: time.Now}
}

// MonthFilter covers the calendar month of now, in UTC
func MonthFilter(now time.Time) map[string]interface{} {
	now = now.UTC()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1)

	return map[string]interface{}{
		"StartDate": first.Format("2006-01-02") + "T00:00:00",
		"EndDate":   last.Format("2006-01-02") + "T23:59:59",
	}
}

// Sync fetches each resource and upserts its items. A resource that
// fails to fetch is skipped and the run goes on with the next one.
func (s *Syncer) Sync(ctx context.Context, resources []string) Result {
	if len(resources) == 0 {
		resources = DefaultResources
	}

	res := Result{}
	for _, name := range resources {
		if ctx.Err() != nil {
			log.Printf("auvo: sync interrupted before %s (%v)", name, ctx.Err())
			break
		}

		rr := ResourceResult{Resource: name}
		if !s.upserter.Has(name) {
			rr.Err = fmt.Errorf("no table registered for %s", name)
			log.Printf("auvo: skipping %s (%v)", name, rr.Err)
			res.Resources = append(res.Resources, rr)
			continue
		}

		var filter map[string]interface{}
		if strings.EqualFold(name, "tasks") {
			filter = MonthFilter(s.now())
			log.Printf("auvo: applying current month filter to tasks: %v", filter)
		}

		items, err := s.fetcher.Fetch(ctx, name, filter)
		if err != nil {
			rr.Err = err
			log.Printf("auvo: failed fetching %s, skipping it (%v)", name, err)
			res.Resources = append(res.Resources, rr)
			continue
		}
		rr.Fetched = len(items)
		log.Printf("auvo: fetched %d %s", len(items), name)

		rr.Upserts, _ = s.upserter.UpsertAll(ctx, name, items)
		log.Printf("auvo: %s", rr.Upserts)
		res.Resources = append(res.Resources, rr)
	}

	return res
}
