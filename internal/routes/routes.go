// Package routes turns the pings of one plate on one calendar day into a
// stored route.
package routes

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"time"

	"gorm.io/datatypes"

	"github.com/ph2708/sync-apis/internal/metrics"
	"github.com/ph2708/sync-apis/internal/models"
)

const DefaultMinPoints = 3

var ErrNoPoints = errors.New("route has no points")

type PingSource interface {
	Pings(ctx context.Context, plate string, start, end time.Time) ([]models.Position, error)
}

type TripSource interface {
	Trips(ctx context.Context, plate string, start, end time.Time) ([]models.Trip, error)
}

type RouteWriter interface {
	SaveRoute(ctx context.Context, r *models.Route) error
}

// Store is everything the aggregator reads and writes
type Store interface {
	PingSource
	TripSource
	RouteWriter
}

// HistoryFetcher refreshes the stored pings of plate on day from the API
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, plate string, day time.Time) (int, error)
}

// Point is one snapshot of a route
type Point struct {
	Lat  float64   `json:"lat"`
	Lon  float64   `json:"lon"`
	Ts   time.Time `json:"ts"`
	Vel  *int      `json:"vel"`
	Addr *string   `json:"addr"`
}

type Config struct {
	MinPoints int
	Location  *time.Location
	Debug     bool
}

type Aggregator struct {
	cfg     Config
	store   Store
	history HistoryFetcher
	metrics *metrics.Registry
}

type Option func(*Aggregator)

// WithHistory enables the recovery fetch for days without pings
func WithHistory(h HistoryFetcher) Option {
	return func(a *Aggregator) { a.history = h }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(a *Aggregator) { a.metrics = m }
}

func New(cfg Config, store Store, opts ...Option) *Aggregator {
	if cfg.MinPoints <= 0 {
		cfg.MinPoints = DefaultMinPoints
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}

	a := &Aggregator{cfg: cfg, store: store}
	for _, o := range opts {
		o(a)
	}

	return a
}

// DayBounds returns [00:00, next 00:00) of day's calendar date in loc
func DayBounds(day time.Time, loc *time.Location) (time.Time, time.Time) {
	y, m, d := day.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// Aggregate builds and stores the route of plate on day and returns its
// point count. Days without pings trigger one history fetch and then fall
// back to trip endpoints. Nothing is stored when no point is found, and
// failures are logged and reported as 0.
func (a *Aggregator) Aggregate(ctx context.Context, plate string, day time.Time) int {
	start, end := DayBounds(day, a.cfg.Location)
	date := start.Format("2006-01-02")

	points, err := a.pings(ctx, plate, start, end)
	if err != nil {
		log.Printf("routes: failed reading pings for %s on %s (%v)", plate, date, err)
		return 0
	}

	if len(points) == 0 && a.history != nil {
		log.Printf("routes: no positions for %s on %s, fetching terminal history", plate, date)
		_, err = a.history.FetchHistory(ctx, plate, start)
		if err != nil {
			log.Printf("routes: history fetch failed for %s on %s (%v)", plate, date, err)
		} else {
			points, err = a.pings(ctx, plate, start, end)
			if err != nil {
				log.Printf("routes: failed reading pings for %s on %s (%v)", plate, date, err)
				return 0
			}
		}
	}

	if len(points) == 0 {
		trips, err := a.store.Trips(ctx, plate, start, end)
		if err != nil {
			log.Printf("routes: failed querying trips fallback for %s on %s (%v)", plate, date, err)
		} else {
			points = TripPoints(trips, start, end, a.cfg.Location)
			if len(points) > 0 {
				log.Printf("routes: using %d trip endpoints for %s on %s", len(points), plate, date)
			}
		}
	}

	if len(points) == 0 {
		log.Printf("routes: no positions found for %s on %s", plate, date)
		return 0
	}

	if len(points) < a.cfg.MinPoints {
		log.Printf("routes: WARNING route for %s on %s has only %d points (< %d)", plate, date, len(points), a.cfg.MinPoints)
	}

	route, err := Build(plate, start, points)
	if err != nil {
		log.Printf("routes: failed encoding route for %s on %s (%v)", plate, date, err)
		return 0
	}

	err = a.store.SaveRoute(ctx, route)
	if err != nil {
		log.Printf("routes: failed to store route for %s on %s (%v)", plate, date, err)
		return 0
	}

	a.metrics.ObserveRoute(route.PointCount)
	log.Printf("routes: stored route for %s on %s (%d points)", plate, date, route.PointCount)
	return route.PointCount
}

func (a *Aggregator) pings(ctx context.Context, plate string, start, end time.Time) ([]Point, error) {
	pings, err := a.store.Pings(ctx, plate, start, end)
	if err != nil {
		return nil, err
	}

	return PingPoints(pings, a.cfg.Location), nil
}

// PingPoints converts pings with coordinates to points. Timestamps are
// rendered in loc.
func PingPoints(pings []models.Position, loc *time.Location) []Point {
	points := make([]Point, 0, len(pings))
	for _, p := range pings {
		if p.Latitude == nil || p.Longitude == nil || p.DataTransmissao == nil {
			continue
		}
		points = append(points, Point{
			Lat:  *p.Latitude,
			Lon:  *p.Longitude,
			Ts:   p.DataTransmissao.In(loc),
			Vel:  p.Velocidade,
			Addr: p.Logradouro,
		})
	}

	return points
}

// TripPoints synthesizes start and end points from trips. A trip without
// its own timestamps is placed at the day bounds.
func TripPoints(trips []models.Trip, start, end time.Time, loc *time.Location) []Point {
	points := make([]Point, 0, 2*len(trips))
	last := end.Add(-time.Second)

	for _, t := range trips {
		if t.LatitudeInicioConducao != nil && t.LongitudeInicioConducao != nil {
			ts := start
			if t.DataInicioConducao != nil {
				ts = *t.DataInicioConducao
			}
			points = append(points, Point{
				Lat:  *t.LatitudeInicioConducao,
				Lon:  *t.LongitudeInicioConducao,
				Ts:   ts.In(loc),
				Addr: t.LocalizacaoInicioConducao,
			})
		}
		if t.LatitudeFimConducao != nil && t.LongitudeFimConducao != nil {
			ts := last
			if t.DataFimConducao != nil {
				ts = *t.DataFimConducao
			}
			points = append(points, Point{
				Lat:  *t.LatitudeFimConducao,
				Lon:  *t.LongitudeFimConducao,
				Ts:   ts.In(loc),
				Addr: t.LocalizacaoFimConducao,
			})
		}
	}

	return points
}

// Build orders points by time, then latitude, then longitude, and wraps
// them into a route for plate on day.
func Build(plate string, day time.Time, points []Point) (*models.Route, error) {
	if len(points) == 0 {
		return nil, ErrNoPoints
	}

	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Ts.Equal(sorted[j].Ts) {
			return sorted[i].Ts.Before(sorted[j].Ts)
		}
		if sorted[i].Lat != sorted[j].Lat {
			return sorted[i].Lat < sorted[j].Lat
		}
		return sorted[i].Lon < sorted[j].Lon
	})

	b, err := json.Marshal(sorted)
	if err != nil {
		return nil, err
	}

	return &models.Route{
		Placa:      plate,
		RotaDate:   models.RouteDay(day),
		Points:     datatypes.JSON(b),
		StartTs:    sorted[0].Ts.UTC(),
		EndTs:      sorted[len(sorted)-1].Ts.UTC(),
		PointCount: len(sorted),
		Raw:        datatypes.JSON(`{"generated":true}`),
	}, nil
}
