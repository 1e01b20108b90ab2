package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ph2708/sync-apis/internal/config"
	"github.com/ph2708/sync-apis/internal/coordinator"
	"github.com/ph2708/sync-apis/internal/runner"
	"github.com/ph2708/sync-apis/internal/syncd"
)

// plateFlags select the plates a command works on
type plateFlags struct {
	list string
	file string
}

func (p *plateFlags) register(c *cobra.Command) {
	c.Flags().StringVar(&p.list, "plates", "", "Comma separated plates (default: discover)")
	c.Flags().StringVar(&p.file, "plates-file", "", "File with one plate per line")
}

func (p *plateFlags) resolve(ctx context.Context, a *app) []string {
	plates, err := runner.ResolvePlates(ctx, p.list, p.file, a.plateSource())
	if err != nil {
		log.Fatalf("Failed to resolve plates: %v", err)
	}
	if len(plates) == 0 {
		log.Printf("No plates found, nothing to do")
	}
	return plates
}

// dayOr parses a YYYY-MM-DD flag, or returns def when it is empty
func dayOr(s string, def time.Time, loc *time.Location) time.Time {
	if s == "" {
		return def
	}

	d, err := runner.ParseDay(s, loc)
	if err != nil {
		log.Fatalf("%v", err)
	}
	return d
}

// exclusive runs job under family's lock; a held lock is not an error
func exclusive(ctx context.Context, a *app, family string, job syncd.Job) {
	_, err := a.coord.WithExclusiveJob(ctx, a.family(family), job)
	if err != nil {
		log.Fatalf("%s failed: %v", family, err)
	}
}

func syncAuvoCmd(cfg *config.Config) *cobra.Command {
	var resources string

	c := &cobra.Command{
		Use:   "sync-auvo",
		Short: "Fetch Auvo resources and upsert them",
		Run: func(c *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			a := newApp(*cfg)
			list := cfg.Auvo.Resources
			if resources != "" {
				list = strings.Split(resources, ",")
			}

			exclusive(ctx, a, "auvo", syncd.AuvoJob(a.auvoSyncer(ctx), list))
		},
	}
	c.Flags().StringVar(&resources, "resources", "", "Comma separated resources (default from config)")

	return c
}

func fetchLatestCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch-latest",
		Short: "Store the latest position of every terminal",
		Run: func(c *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			a := newApp(*cfg)
			exclusive(ctx, a, "latest", syncd.LatestJob(a.etrac()))
		},
	}
}

func fetchHistoryCmd(cfg *config.Config) *cobra.Command {
	var pf plateFlags
	var date string

	c := &cobra.Command{
		Use:   "fetch-history",
		Short: "Store one day of position history per plate",
		Run: func(c *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			a := newApp(*cfg)
			day := dayOr(date, runner.Yesterday(time.Now(), a.loc), a.loc)
			ing := a.etrac()

			failed := 0
			for _, p := range pf.resolve(ctx, a) {
				if ctx.Err() != nil {
					break
				}
				n, err := ing.FetchHistory(ctx, p, day)
				if err != nil {
					failed++
					log.Printf("telemetry: history for %s on %s failed (%v)", p, day.Format("2006-01-02"), err)
					continue
				}
				log.Printf("telemetry: %s %s -> %d new pings", p, day.Format("2006-01-02"), n)
			}
			if failed > 0 {
				log.Printf("telemetry: %d plates failed", failed)
			}
		},
	}
	pf.register(c)
	c.Flags().StringVar(&date, "date", "", "Day YYYY-MM-DD (default yesterday)")

	return c
}

func fetchTripsCmd(cfg *config.Config) *cobra.Command {
	var pf plateFlags
	var date string

	c := &cobra.Command{
		Use:   "fetch-trips",
		Short: "Store one day of driving summaries per plate",
		Run: func(c *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			a := newApp(*cfg)
			day := dayOr(date, runner.Yesterday(time.Now(), a.loc), a.loc)
			ing := a.etrac()

			for _, p := range pf.resolve(ctx, a) {
				if ctx.Err() != nil {
					break
				}
				_, err := ing.FetchTrips(ctx, p, day)
				if err != nil {
					log.Printf("%v", err)
				}
			}
		},
	}
	pf.register(c)
	c.Flags().StringVar(&date, "date", "", "Day YYYY-MM-DD (default yesterday)")

	return c
}

func fetchMonthCmd(cfg *config.Config) *cobra.Command {
	var pf plateFlags
	var month string

	c := &cobra.Command{
		Use:   "fetch-month",
		Short: "Store a whole month of position history per plate",
		Run: func(c *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			a := newApp(*cfg)
			first := time.Now().In(a.loc)
			if month != "" {
				var err error
				first, err = time.ParseInLocation("2006-01", month, a.loc)
				if err != nil {
					log.Fatalf("invalid month %q, use YYYY-MM", month)
				}
			}
			ing := a.etrac()

			for _, p := range pf.resolve(ctx, a) {
				if ctx.Err() != nil {
					break
				}
				sum, err := ing.FetchMonth(ctx, p, first.Year(), first.Month())
				if err != nil {
					log.Printf("telemetry: month %s for %s failed (%v)", first.Format("2006-01"), p, err)
					continue
				}
				log.Printf("telemetry: month %s for %s: %s", first.Format("2006-01"), p, sum)
			}
		},
	}
	pf.register(c)
	c.Flags().StringVar(&month, "month", "", "Month YYYY-MM (default current month)")

	return c
}

func computeRouteCmd(cfg *config.Config) *cobra.Command {
	var pf plateFlags
	var date string
	var recoverDay bool

	c := &cobra.Command{
		Use:   "compute-route",
		Short: "Aggregate stored pings into the route of a day",
		Run: func(c *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			a := newApp(*cfg)
			day := dayOr(date, runner.Yesterday(time.Now(), a.loc), a.loc)
			agg := a.aggregator(recoverDay)

			for _, p := range pf.resolve(ctx, a) {
				if ctx.Err() != nil {
					break
				}
				n := agg.Aggregate(ctx, p, day)
				log.Printf("routes: plate %s date %s -> %d points", p, day.Format("2006-01-02"), n)
			}
		},
	}
	pf.register(c)
	c.Flags().StringVar(&date, "date", "", "Day YYYY-MM-DD (default yesterday)")
	c.Flags().BoolVar(&recoverDay, "recover", true, "Fetch history once when the day has no pings")

	return c
}

func logSummary(sum runner.Summary) {
	log.Printf("runner: %s", sum)
	if empty := sum.EmptyUnits(); len(empty) > 0 {
		log.Printf("runner: no route for %s", strings.Join(empty, ", "))
	}
}

func dailyCmd(cfg *config.Config) *cobra.Command {
	var pf plateFlags
	var date string
	var workers int
	var refresh bool

	c := &cobra.Command{
		Use:   "daily",
		Short: "Refresh history and compute the routes of one day for every plate",
		Run: func(c *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			a := newApp(*cfg)
			day := dayOr(date, runner.Yesterday(time.Now(), a.loc), a.loc)
			r := a.runner(workers, refresh)

			exclusive(ctx, a, "daily", func(ctx context.Context, run *coordinator.Run) error {
				plates := pf.resolve(ctx, a)
				sum := r.Daily(ctx, day, plates)
				sum.RunID = run.ID
				logSummary(sum)
				run.Summary = sum.String()
				return ctx.Err()
			})
		},
	}
	pf.register(c)
	c.Flags().StringVar(&date, "date", "", "Day YYYY-MM-DD (default yesterday)")
	c.Flags().IntVar(&workers, "workers", 0, "Concurrent plates (default from config)")
	c.Flags().BoolVar(&refresh, "refresh", true, "Fetch each plate's history before aggregating")

	return c
}

func backfillCmd(cfg *config.Config) *cobra.Command {
	var pf plateFlags
	var start, end string
	var workers int
	var refresh bool

	c := &cobra.Command{
		Use:   "backfill",
		Short: "Compute the routes of every plate over a date range",
		Run: func(c *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			a := newApp(*cfg)
			if start == "" {
				log.Fatalf("--date-start is required")
			}
			first := dayOr(start, time.Time{}, a.loc)
			last := dayOr(end, runner.Yesterday(time.Now(), a.loc), a.loc)
			if last.Before(first) {
				log.Fatalf("--date-end %s is before --date-start %s", last.Format("2006-01-02"), first.Format("2006-01-02"))
			}
			r := a.runner(workers, refresh)

			exclusive(ctx, a, "backfill", func(ctx context.Context, run *coordinator.Run) error {
				plates := pf.resolve(ctx, a)
				sum := r.Backfill(ctx, first, last, plates)
				sum.RunID = run.ID
				logSummary(sum)
				run.Summary = sum.String()
				return ctx.Err()
			})
		},
	}
	pf.register(c)
	c.Flags().StringVar(&start, "date-start", "", "First day YYYY-MM-DD")
	c.Flags().StringVar(&end, "date-end", "", "Last day YYYY-MM-DD (default yesterday)")
	c.Flags().IntVar(&workers, "workers", 0, "Concurrent units (default from config)")
	c.Flags().BoolVar(&refresh, "refresh", true, "Fetch each plate's history before aggregating")

	return c
}

func summarizeCmd(cfg *config.Config) *cobra.Command {
	var pf plateFlags
	var start, end string

	c := &cobra.Command{
		Use:   "summarize",
		Short: "Report which routes are stored over a date range",
		Run: func(c *cobra.Command, args []string) {
			ctx, cancel := signalContext()
			defer cancel()

			a := newApp(*cfg)
			last := dayOr(end, runner.Yesterday(time.Now(), a.loc), a.loc)
			first := dayOr(start, last.AddDate(0, 0, -6), a.loc)

			rep, err := runner.Summarize(ctx, a.store, first, last, pf.resolve(ctx, a))
			if err != nil {
				log.Fatalf("Failed to summarize: %v", err)
			}
			fmt.Print(rep)
		},
	}
	pf.register(c)
	c.Flags().StringVar(&start, "date-start", "", "First day YYYY-MM-DD (default a week before the end)")
	c.Flags().StringVar(&end, "date-end", "", "Last day YYYY-MM-DD (default yesterday)")

	return c
}

func runCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the recurring jobs until SIGINT or SIGTERM",
		Run: func(c *cobra.Command, args []string) {
			a := newApp(*cfg)
			jobs := cfg.Jobs
			agents := make([]*syncd.Agent, 0)

			if jobs.RunEtrac {
				interval := time.Duration(jobs.LatestInterval) * time.Second
				if interval <= 0 {
					log.Fatalf("jobs.latest_interval must be positive, got %d", jobs.LatestInterval)
				}
				agents = append(agents,
					&syncd.Agent{
						Name:        "latest",
						Family:      a.family("latest"),
						Schedule:    syncd.Every(interval),
						Job:         syncd.LatestJob(a.etrac()),
						Coordinator: a.coord,
						RunAtStart:  true,
						Debug:       cfg.Etrac.Debug,
					},
					&syncd.Agent{
						Name:        "daily-routes",
						Family:      a.family("daily"),
						Schedule:    syncd.DailyAt(jobs.DailyHour, jobs.DailyMinute, a.loc),
						Job:         syncd.DailyRoutesJob(a.runner(0, true), a.plateSource(), a.loc, nil),
						Coordinator: a.coord,
						Debug:       cfg.Etrac.Debug,
					},
				)
			}

			if jobs.RunAuvo {
				// bad credentials fail the process at start; each run logs in again
				a.auvoSyncer(context.Background())
				agents = append(agents, &syncd.Agent{
					Name:     "auvo",
					Family:   a.family("auvo"),
					Schedule: syncd.DailyAt(jobs.DailyHour, jobs.DailyMinute, a.loc),
					Job: func(ctx context.Context, run *coordinator.Run) error {
						syncer, err := a.newAuvoSyncer(ctx)
						if err != nil {
							return err
						}
						return syncd.AuvoJob(syncer, cfg.Auvo.Resources)(ctx, run)
					},
					Coordinator: a.coord,
					Debug:       cfg.Auvo.Debug,
				})
			}

			err := syncd.New(agents...).Run()
			if err != nil {
				log.Fatalf("Failed on start: %v", err)
			}
		},
	}
}
