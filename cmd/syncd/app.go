package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/gorm"

	"github.com/ph2708/sync-apis/internal/auvo"
	"github.com/ph2708/sync-apis/internal/collector"
	"github.com/ph2708/sync-apis/internal/config"
	"github.com/ph2708/sync-apis/internal/coordinator"
	"github.com/ph2708/sync-apis/internal/database"
	"github.com/ph2708/sync-apis/internal/httpretry"
	"github.com/ph2708/sync-apis/internal/metrics"
	"github.com/ph2708/sync-apis/internal/routes"
	"github.com/ph2708/sync-apis/internal/runner"
	"github.com/ph2708/sync-apis/internal/telemetry"
	"github.com/ph2708/sync-apis/internal/upsert"
)

// app holds the wired components shared by every command
type app struct {
	cfg     config.Config
	loc     *time.Location
	db      *gorm.DB
	metrics *metrics.Registry
	http    *httpretry.Client
	coord   *coordinator.Coordinator
	store   *telemetry.Store

	ingestor *telemetry.Ingestor
}

func newApp(cfg config.Config) *app {
	db, err := database.ConnectWithRetry(cfg)
	if err != nil {
		log.Fatalf("Failed on db init: %v", err)
	}

	a := &app{
		cfg:     cfg,
		loc:     cfg.Location(),
		db:      db,
		metrics: metrics.NewRegistry(),
	}

	a.http = httpretry.New(httpretry.Config{
		ConnectTimeout: time.Duration(cfg.Http.ConnectTimeout) * time.Second,
		TotalTimeout:   time.Duration(cfg.Http.TotalTimeout) * time.Second,
		MaxAttempts:    cfg.Http.MaxAttempts,
		BackoffBase:    config.Seconds(cfg.Http.BackoffBase),
		Debug:          cfg.Http.Debug,
	}, httpretry.WithMetrics(a.metrics))

	a.coord = coordinator.New(
		coordinator.NewLocker(db, cfg.Db.Driver),
		coordinator.WithRecorder(db),
		coordinator.WithMetrics(a.metrics),
	)
	a.store = telemetry.NewStore(db, a.loc)

	a.serveMetrics()

	return a
}

// serveMetrics exposes /metrics while the command runs, when configured
func (a *app) serveMetrics() {
	if a.cfg.Metrics.Listen == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	go func() {
		err := http.ListenAndServe(a.cfg.Metrics.Listen, mux)
		if err != nil {
			log.Printf("metrics: listener on %s stopped (%v)", a.cfg.Metrics.Listen, err)
		}
	}()
}

// etrac builds the telemetry ingestor; missing credentials are fatal
func (a *app) etrac() *telemetry.Ingestor {
	if a.ingestor != nil {
		return a.ingestor
	}

	client, err := telemetry.NewClient(telemetry.Config{
		BaseURL:      a.cfg.Etrac.Endpoint,
		User:         a.cfg.Etrac.User,
		Key:          a.cfg.Etrac.Key,
		HistoryPaths: a.cfg.Etrac.HistoryPaths,
		LatestPaths:  a.cfg.Etrac.LatestPaths,
		Location:     a.loc,
		Debug:        a.cfg.Etrac.Debug,
	}, a.http)
	if err != nil {
		log.Fatalf("Failed on etrac init: %v (set ETRAC_USER and ETRAC_KEY)", err)
	}

	a.ingestor = telemetry.NewIngestor(client, a.store, a.loc)
	return a.ingestor
}

// auvoSyncer logs in to Auvo; an authentication failure is fatal
func (a *app) auvoSyncer(ctx context.Context) *auvo.Syncer {
	s, err := a.newAuvoSyncer(ctx)
	if err != nil {
		log.Fatalf("Failed on auvo init: %v", err)
	}
	return s
}

func (a *app) newAuvoSyncer(ctx context.Context) (*auvo.Syncer, error) {
	token, err := auvo.Login(ctx, a.http, a.cfg.Auvo.Endpoint, a.cfg.Auvo.Apikey, a.cfg.Auvo.Apitoken)
	if err != nil {
		return nil, err
	}

	reg := upsert.DefaultRegistry()
	err = reg.Resolve(a.db)
	if err != nil {
		return nil, fmt.Errorf("table introspection: %w", err)
	}

	coll := collector.New(collector.Config{
		BaseURL:        a.cfg.Auvo.Endpoint,
		PageSize:       a.cfg.Auvo.PageSize,
		PageDelay:      config.Seconds(a.cfg.Auvo.PageDelay),
		Cooldown:       config.Seconds(a.cfg.Auvo.Cooldown),
		MaxCooldowns:   a.cfg.Auvo.MaxCooldowns,
		FallbackFilter: a.cfg.Auvo.FallbackFilter,
		Envelope:       collector.AuvoEnvelope,
		Debug:          a.cfg.Auvo.Debug,
	}, a.http, token)

	store := upsert.New(a.db, reg, upsert.WithMetrics(a.metrics), upsert.WithLocation(a.loc))
	return auvo.NewSyncer(coll, store), nil
}

// aggregator recovers empty days from history when withHistory is set
func (a *app) aggregator(withHistory bool) *routes.Aggregator {
	opts := []routes.Option{routes.WithMetrics(a.metrics)}
	if withHistory {
		opts = append(opts, routes.WithHistory(a.etrac()))
	}

	return routes.New(routes.Config{
		MinPoints: a.cfg.Routes.MinPoints,
		Location:  a.loc,
		Debug:     a.cfg.Etrac.Debug,
	}, a.store, opts...)
}

func (a *app) runner(workers int, refresh bool) *runner.Runner {
	if workers <= 0 {
		workers = a.cfg.Jobs.Workers
	}

	var history runner.HistoryFetcher
	if refresh {
		history = a.etrac()
	}

	return runner.New(runner.Config{
		EntityDelay: config.Seconds(a.cfg.Jobs.EntityDelay),
		Workers:     workers,
		Refresh:     refresh,
		Location:    a.loc,
	}, a.aggregator(refresh), history)
}

// plateSource discovers plates from the store, and from the API when
// eTrac credentials are configured.
func (a *app) plateSource() runner.PlateSource {
	if a.cfg.Etrac.User != "" && a.cfg.Etrac.Key != "" {
		return a.etrac()
	}
	return storePlates{a.store}
}

func (a *app) family(name string) coordinator.Family {
	switch name {
	case "daily":
		return coordinator.Family{Name: name, ID: a.cfg.Jobs.DailyLockId}
	case "backfill":
		return coordinator.Family{Name: name, ID: a.cfg.Jobs.BackfillLockId}
	case "auvo":
		return coordinator.Family{Name: name, ID: a.cfg.Jobs.SyncLockId}
	default:
		return coordinator.Family{Name: name, ID: a.cfg.Jobs.LatestLockId}
	}
}

type storePlates struct{ store *telemetry.Store }

func (s storePlates) DiscoverPlates(ctx context.Context) ([]string, error) {
	return s.store.DistinctPlates(ctx)
}

// signalContext is cancelled on SIGINT or SIGTERM; running jobs stop at
// the next page, entity or unit.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
