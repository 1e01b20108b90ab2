package runner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ph2708/sync-apis/internal/models"
)

type RouteReader interface {
	Routes(ctx context.Context, plate string, first, last time.Time) ([]models.Route, error)
}

type RouteDay struct {
	Day    time.Time
	Points int
}

// Report lists the stored routes of each plate over a range
type Report struct {
	First  time.Time
	Last   time.Time
	Plates []string
	Routes map[string][]RouteDay
}

func (r Report) Total() int {
	n := 0
	for _, days := range r.Routes {
		n += len(days)
	}
	return n
}

func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Backfill summary\n")
	fmt.Fprintf(&b, "Date range: %s -> %s\n", r.First.Format("2006-01-02"), r.Last.Format("2006-01-02"))
	fmt.Fprintf(&b, "Plates: %d\n", len(r.Plates))
	fmt.Fprintf(&b, "Total routes found: %d\n", r.Total())
	fmt.Fprintf(&b, "---\n")
	for _, p := range r.Plates {
		days := r.Routes[p]
		if len(days) == 0 {
			fmt.Fprintf(&b, "%s: no routes stored in range\n", p)
			continue
		}
		fmt.Fprintf(&b, "%s: %d routes\n", p, len(days))
		for _, d := range days {
			fmt.Fprintf(&b, "  - %s : %d points\n", d.Day.Format("2006-01-02"), d.Points)
		}
	}
	return b.String()
}

// Summarize reads which routes are stored for plates in [first, last]
func Summarize(ctx context.Context, reader RouteReader, first, last time.Time, plates []string) (Report, error) {
	rep := Report{First: first, Last: last, Plates: plates, Routes: make(map[string][]RouteDay, len(plates))}

	for _, p := range plates {
		routes, err := reader.Routes(ctx, p, first, last)
		if err != nil {
			return rep, fmt.Errorf("routes of %s: %w", p, err)
		}

		days := make([]RouteDay, 0, len(routes))
		for _, r := range routes {
			days = append(days, RouteDay{Day: time.Time(r.RotaDate), Points: r.PointCount})
		}
		rep.Routes[p] = days
	}

	return rep, nil
}
