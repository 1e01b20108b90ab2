package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/ph2708/sync-apis/internal/models"
)

type fakeAggregator struct {
	mu     sync.Mutex
	points map[string]int
	calls  []string
}

func (f *fakeAggregator) Aggregate(_ context.Context, plate string, day time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := plate + "@" + day.Format("2006-01-02")
	f.calls = append(f.calls, key)
	return f.points[key]
}

type fakeHistory struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeHistory) FetchHistory(context.Context, string, time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 0, f.err
}

func TestDaily_SummarizesOutcomes(t *testing.T) {
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	agg := &fakeAggregator{points: map[string]int{"AAA1111@2024-03-05": 10, "CCC3333@2024-03-05": 2}}
	hist := &fakeHistory{err: errors.New("404")}

	r := New(Config{Workers: 3, Refresh: true, Location: time.UTC}, agg, hist)
	sum := r.Daily(context.Background(), day, []string{"AAA1111", "BBB2222", "CCC3333"})

	if sum.Units != 3 || sum.Stored != 2 || sum.Empty != 1 || sum.Points != 12 || sum.HistoryErrors != 3 {
		t.Fatalf("unexpected summary %s", sum)
	}
	if hist.calls != 3 {
		t.Fatalf("expected a refresh per plate, got %d", hist.calls)
	}
	if got := sum.EmptyUnits(); len(got) != 1 || got[0] != "BBB2222@2024-03-05" {
		t.Fatalf("unexpected empty units %v", got)
	}
	for i, want := range []string{"AAA1111", "BBB2222", "CCC3333"} {
		if sum.Outcomes[i].Plate != want {
			t.Fatalf("outcomes must keep plate order: %v", sum.Outcomes)
		}
	}
}

func TestBackfill_PlateMajorOrder(t *testing.T) {
	agg := &fakeAggregator{points: map[string]int{}}
	r := New(Config{Location: time.UTC}, agg, nil)

	first := time.Date(2024, 2, 28, 0, 0, 0, 0, time.UTC)
	last := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	sum := r.Backfill(context.Background(), first, last, []string{"AAA1111", "BBB2222"})

	want := "AAA1111@2024-02-28 AAA1111@2024-02-29 AAA1111@2024-03-01 BBB2222@2024-02-28 BBB2222@2024-02-29 BBB2222@2024-03-01"
	if strings.Join(agg.calls, " ") != want {
		t.Fatalf("unexpected unit order %v", agg.calls)
	}
	if sum.Units != 6 || sum.Empty != 6 {
		t.Fatalf("unexpected summary %s", sum)
	}
}

func TestRun_Cancelled(t *testing.T) {
	agg := &fakeAggregator{points: map[string]int{}}
	r := New(Config{Location: time.UTC}, agg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum := r.Daily(ctx, time.Now(), []string{"AAA1111", "BBB2222"})
	if sum.Cancelled != 2 || len(agg.calls) != 0 {
		t.Fatalf("cancelled run must not aggregate: %s %v", sum, agg.calls)
	}
}

func TestDateHelpers(t *testing.T) {
	loc := time.FixedZone("BRT", -3*3600)

	y := Yesterday(time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC), loc)
	if y.Format("2006-01-02") != "2024-02-28" {
		t.Fatalf("02:00 UTC on Mar 1 is Feb 29 in BRT, yesterday should be Feb 28, got %v", y)
	}

	days := DateRange(time.Date(2024, 1, 30, 0, 0, 0, 0, loc), time.Date(2024, 2, 2, 0, 0, 0, 0, loc), loc)
	if len(days) != 4 {
		t.Fatalf("expected 4 days, got %v", days)
	}

	if _, err := ParseDay("05/03/2024", loc); err == nil {
		t.Fatalf("expected an error for a non ISO date")
	}
}

type fakeSource struct{ plates []string }

func (f fakeSource) DiscoverPlates(context.Context) ([]string, error) { return f.plates, nil }

func TestResolvePlates(t *testing.T) {
	ctx := context.Background()

	got, _ := ResolvePlates(ctx, " abc1234, XYZ9999 ,abc1234", "", nil)
	if fmt.Sprint(got) != "[ABC1234 XYZ9999]" {
		t.Fatalf("unexpected list plates %v", got)
	}

	path := filepath.Join(t.TempDir(), "plates.txt")
	os.WriteFile(path, []byte("# fleet\nAAA1111\n\nbbb2222\n"), 0o644)
	got, err := ResolvePlates(ctx, "", path, fakeSource{plates: []string{"ZZZ"}})
	if err != nil || fmt.Sprint(got) != "[AAA1111 BBB2222]" {
		t.Fatalf("unexpected file plates %v (%v)", got, err)
	}

	got, _ = ResolvePlates(ctx, "", "", fakeSource{plates: []string{"QQQ0000"}})
	if fmt.Sprint(got) != "[QQQ0000]" {
		t.Fatalf("unexpected discovered plates %v", got)
	}
}

type fakeReader map[string][]models.Route

func (f fakeReader) Routes(_ context.Context, plate string, first, last time.Time) ([]models.Route, error) {
	return f[plate], nil
}

func TestSummarize(t *testing.T) {
	reader := fakeReader{"AAA1111": {
		{Placa: "AAA1111", RotaDate: datatypes.Date(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)), PointCount: 40},
		{Placa: "AAA1111", RotaDate: datatypes.Date(time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)), PointCount: 2},
	}}

	first := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	rep, err := Summarize(context.Background(), reader, first, first.AddDate(0, 0, 6), []string{"AAA1111", "BBB2222"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Total() != 2 {
		t.Fatalf("expected 2 routes, got %d", rep.Total())
	}

	out := rep.String()
	for _, want := range []string{"Total routes found: 2", "AAA1111: 2 routes", "  - 2024-03-01 : 40 points", "BBB2222: no routes stored in range"} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
}
