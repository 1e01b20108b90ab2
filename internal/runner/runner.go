// Package runner drives route aggregation over plates and days and
// reduces the per unit outcomes to a run summary.
package runner

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Aggregator interface {
	Aggregate(ctx context.Context, plate string, day time.Time) int
}

type HistoryFetcher interface {
	FetchHistory(ctx context.Context, plate string, day time.Time) (int, error)
}

type Status string

const (
	Stored    Status = "stored"
	Empty     Status = "empty"
	Cancelled Status = "cancelled"
)

// Outcome is the result of one (plate, day) unit
type Outcome struct {
	Plate  string
	Day    time.Time
	Status Status
	Points int
	// Err is the history refresh error, if any; aggregation still ran
	Err error
}

// Summary aggregates the outcomes of a run
type Summary struct {
	RunID         string
	Units         int
	Stored        int
	Empty         int
	Cancelled     int
	Points        int
	HistoryErrors int
	Outcomes      []Outcome
}

func (s *Summary) add(o Outcome) {
	s.Units++
	s.Outcomes = append(s.Outcomes, o)
	switch o.Status {
	case Stored:
		s.Stored++
		s.Points += o.Points
	case Empty:
		s.Empty++
	case Cancelled:
		s.Cancelled++
	}
	if o.Err != nil {
		s.HistoryErrors++
	}
}

// EmptyUnits lists the units that produced no route
func (s Summary) EmptyUnits() []string {
	out := make([]string, 0)
	for _, o := range s.Outcomes {
		if o.Status == Empty {
			out = append(out, fmt.Sprintf("%s@%s", o.Plate, o.Day.Format("2006-01-02")))
		}
	}
	return out
}

func (s Summary) String() string {
	return fmt.Sprintf("run %s: %d units, %d routes stored (%d points), %d empty, %d cancelled, %d history errors",
		s.RunID, s.Units, s.Stored, s.Points, s.Empty, s.Cancelled, s.HistoryErrors)
}

type Config struct {
	// EntityDelay paces consecutive units across all workers
	EntityDelay time.Duration
	Workers     int
	// Refresh fetches the day's history before aggregating
	Refresh  bool
	Location *time.Location
}

type Runner struct {
	cfg     Config
	agg     Aggregator
	history HistoryFetcher
	limiter *rate.Limiter
}

// New builds a runner. history may be nil, which disables Refresh.
func New(cfg Config, agg Aggregator, history HistoryFetcher) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	limit := rate.Inf
	if cfg.EntityDelay > 0 {
		limit = rate.Every(cfg.EntityDelay)
	}

	return &Runner{
		cfg:     cfg,
		agg:     agg,
		history: history,
		limiter: rate.NewLimiter(limit, 1),
	}
}

type unit struct {
	plate string
	day   time.Time
}

// Daily aggregates every plate on day
func (r *Runner) Daily(ctx context.Context, day time.Time, plates []string) Summary {
	log.Printf("runner: processing %d plates for %s", len(plates), day.Format("2006-01-02"))

	units := make([]unit, 0, len(plates))
	for _, p := range plates {
		units = append(units, unit{plate: p, day: day})
	}

	return r.run(ctx, units)
}

// Backfill aggregates every plate on every day in [first, last], plate by plate
func (r *Runner) Backfill(ctx context.Context, first, last time.Time, plates []string) Summary {
	days := DateRange(first, last, r.cfg.Location)
	log.Printf("runner: backfill of %d plates over %d days (%s to %s)", len(plates), len(days),
		first.Format("2006-01-02"), last.Format("2006-01-02"))

	units := make([]unit, 0, len(plates)*len(days))
	for _, p := range plates {
		for _, d := range days {
			units = append(units, unit{plate: p, day: d})
		}
	}

	return r.run(ctx, units)
}

// run processes units on a bounded pool. Outcomes keep the unit order.
func (r *Runner) run(ctx context.Context, units []unit) Summary {
	outcomes := make([]Outcome, len(units))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < r.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i] = r.process(ctx, units[i])
			}
		}()
	}

	for i := range units {
		err := r.limiter.Wait(ctx)
		if err != nil {
			for j := i; j < len(units); j++ {
				outcomes[j] = Outcome{Plate: units[j].plate, Day: units[j].day, Status: Cancelled}
			}
			log.Printf("runner: interrupted with %d of %d units left (%v)", len(units)-i, len(units), err)
			break
		}
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	sum := Summary{Outcomes: make([]Outcome, 0, len(units))}
	for _, o := range outcomes {
		sum.add(o)
	}

	return sum
}

func (r *Runner) process(ctx context.Context, u unit) Outcome {
	out := Outcome{Plate: u.plate, Day: u.day}
	date := u.day.Format("2006-01-02")

	if ctx.Err() != nil {
		out.Status = Cancelled
		return out
	}

	if r.cfg.Refresh && r.history != nil {
		_, err := r.history.FetchHistory(ctx, u.plate, u.day)
		if err != nil {
			out.Err = err
			log.Printf("runner: history refresh for %s on %s did not succeed, computing from stored pings (%v)", u.plate, date, err)
		}
	}

	out.Points = r.agg.Aggregate(ctx, u.plate, u.day)
	if out.Points > 0 {
		out.Status = Stored
	} else {
		out.Status = Empty
	}
	log.Printf("runner: plate %s date %s -> %d points", u.plate, date, out.Points)

	return out
}

// Yesterday is the calendar day before now in loc
func Yesterday(now time.Time, loc *time.Location) time.Time {
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc).AddDate(0, 0, -1)
}

// DateRange lists the calendar days from first to last inclusive
func DateRange(first, last time.Time, loc *time.Location) []time.Time {
	y, m, d := first.In(loc).Date()
	cur := time.Date(y, m, d, 0, 0, 0, 0, loc)
	y, m, d = last.In(loc).Date()
	end := time.Date(y, m, d, 0, 0, 0, 0, loc)

	days := make([]time.Time, 0)
	for !cur.After(end) {
		days = append(days, cur)
		cur = cur.AddDate(0, 0, 1)
	}

	return days
}

// ParseDay reads a YYYY-MM-DD day in loc
func ParseDay(s string, loc *time.Location) (time.Time, error) {
	d, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(s), loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, use YYYY-MM-DD", s)
	}
	return d, nil
}
