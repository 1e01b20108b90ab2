package telemetry

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ph2708/sync-apis/internal/database"
	"github.com/ph2708/sync-apis/internal/models"
	"github.com/ph2708/sync-apis/internal/rawitem"
)

// Store persists eTrac data. Timestamps are written and queried in UTC.
type Store struct {
	db  *gorm.DB
	loc *time.Location
}

func NewStore(db *gorm.DB, loc *time.Location) *Store {
	if loc == nil {
		loc = time.Local
	}
	return &Store{db: db, loc: loc}
}

// IngestSummary counts what happened to one batch of position items
type IngestSummary struct {
	Items     int
	Inserted  int
	Ignored   int
	Failed    int
	Terminals int
}

func (s IngestSummary) String() string {
	return fmt.Sprintf("%d items, %d new positions, %d already known, %d failed, %d terminals",
		s.Items, s.Inserted, s.Ignored, s.Failed, s.Terminals)
}

// SaveTerminal inserts or refreshes the terminal row of item
func (s *Store) SaveTerminal(ctx context.Context, item rawitem.RawItem) error {
	t, ok := terminalFromItem(item, s.loc)
	if !ok {
		return nil
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "placa"}},
		DoUpdates: clause.AssignmentColumns([]string{"descricao", "frota", "equipamento_serial", "data_gravacao", "data", "data_atualizacao"}),
	}).Create(&t).Error
}

// SavePosition inserts the ping of item; a ping already stored is ignored
func (s *Store) SavePosition(ctx context.Context, item rawitem.RawItem) (bool, error) {
	p, ok := positionFromItem(item, s.loc)
	if !ok {
		return false, nil
	}

	// NULL key columns never conflict in the unique index
	if p.DataTransmissao == nil || p.Latitude == nil || p.Longitude == nil {
		known, err := s.positionKnown(ctx, p)
		if err != nil || known {
			return false, err
		}
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&p)
	if res.Error != nil {
		return false, res.Error
	}

	return res.RowsAffected > 0, nil
}

func (s *Store) positionKnown(ctx context.Context, p models.Position) (bool, error) {
	q := s.db.WithContext(ctx).Model(&models.Position{}).Where("placa = ?", p.Placa)
	if p.DataTransmissao == nil {
		q = q.Where("data_transmissao IS NULL")
	} else {
		q = q.Where("data_transmissao = ?", *p.DataTransmissao)
	}
	if p.Latitude == nil {
		q = q.Where("latitude IS NULL")
	} else {
		q = q.Where("latitude = ?", *p.Latitude)
	}
	if p.Longitude == nil {
		q = q.Where("longitude IS NULL")
	} else {
		q = q.Where("longitude = ?", *p.Longitude)
	}

	var n int64
	err := q.Count(&n).Error
	return n > 0, err
}

// Ingest stores terminal and ping of every item, item by item
func (s *Store) Ingest(ctx context.Context, items []rawitem.RawItem) IngestSummary {
	sum := IngestSummary{}
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		sum.Items++

		err := s.SaveTerminal(ctx, it)
		if err != nil {
			log.Printf("telemetry: failed upserting terminal %s (%s)", Plate(it), database.Describe(err))
		} else {
			sum.Terminals++
		}

		inserted, err := s.SavePosition(ctx, it)
		switch {
		case err != nil && database.IsUniqueViolation(err):
			sum.Ignored++
		case err != nil:
			sum.Failed++
			log.Printf("telemetry: failed inserting position for %s (%s) item %s", Plate(it), database.Describe(err), rawitem.Describe(it))
		case inserted:
			sum.Inserted++
		default:
			sum.Ignored++
		}
	}

	return sum
}

// SaveTrips stores driving summaries; trips already known are ignored
func (s *Store) SaveTrips(ctx context.Context, plate string, items []rawitem.RawItem) (int, error) {
	stored := 0
	for _, it := range items {
		t, ok := tripFromItem(it, plate, s.loc)
		if !ok {
			continue
		}

		res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&t)
		if res.Error != nil {
			log.Printf("telemetry: failed inserting trip for %s (%s) item %s", t.Placa, database.Describe(res.Error), rawitem.Describe(it))
			continue
		}
		stored += int(res.RowsAffected)
	}

	return stored, nil
}

// DistinctPlates lists every plate with at least one stored ping
func (s *Store) DistinctPlates(ctx context.Context) ([]string, error) {
	var plates []string
	err := s.db.WithContext(ctx).Model(&models.Position{}).
		Distinct("placa").
		Where("placa IS NOT NULL AND placa <> ''").
		Order("placa").
		Pluck("placa", &plates).Error

	return plates, err
}

// Pings returns the pings of plate with coordinates in [start, end),
// ascending by transmission time.
func (s *Store) Pings(ctx context.Context, plate string, start, end time.Time) ([]models.Position, error) {
	var pings []models.Position
	err := s.db.WithContext(ctx).
		Where("placa = ? AND data_transmissao >= ? AND data_transmissao < ?", plate, start.UTC(), end.UTC()).
		Where("latitude IS NOT NULL AND longitude IS NOT NULL").
		Order("data_transmissao ASC").Order("id ASC").
		Find(&pings).Error

	return pings, err
}

// DayPings returns every ping of plate in [start, end), coordinates or not
func (s *Store) DayPings(ctx context.Context, plate string, start, end time.Time) ([]models.Position, error) {
	var pings []models.Position
	err := s.db.WithContext(ctx).
		Where("placa = ? AND data_transmissao >= ? AND data_transmissao < ?", plate, start.UTC(), end.UTC()).
		Order("data_transmissao ASC").Order("id ASC").
		Find(&pings).Error

	return pings, err
}

// Trips returns the trips of plate overlapping [start, end)
func (s *Store) Trips(ctx context.Context, plate string, start, end time.Time) ([]models.Trip, error) {
	var trips []models.Trip
	err := s.db.WithContext(ctx).
		Where("placa = ? AND data_inicio_conducao < ? AND COALESCE(data_fim_conducao, data_inicio_conducao) >= ?", plate, end.UTC(), start.UTC()).
		Order("data_inicio_conducao ASC").
		Find(&trips).Error

	return trips, err
}

// SaveRoute writes r, replacing any route already stored for its plate and day
func (s *Store) SaveRoute(ctx context.Context, r *models.Route) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "placa"}, {Name: "rota_date"}},
		DoUpdates: clause.AssignmentColumns([]string{"points", "start_ts", "end_ts", "point_count", "raw", "updated_at"}),
	}).Create(r).Error
}

// Route returns the stored route of plate on day
func (s *Store) Route(ctx context.Context, plate string, day time.Time) (*models.Route, error) {
	var r models.Route
	err := s.db.WithContext(ctx).
		Where("placa = ? AND rota_date = ?", plate, models.RouteDay(day)).
		First(&r).Error
	if err != nil {
		return nil, err
	}

	return &r, nil
}

// Routes lists the routes of plate with a day in [first, last], oldest first
func (s *Store) Routes(ctx context.Context, plate string, first, last time.Time) ([]models.Route, error) {
	var routes []models.Route
	err := s.db.WithContext(ctx).
		Where("placa = ? AND rota_date >= ? AND rota_date <= ?", plate, models.RouteDay(first), models.RouteDay(last)).
		Order("rota_date ASC").
		Find(&routes).Error

	return routes, err
}

// Terminals lists every known terminal by plate
func (s *Store) Terminals(ctx context.Context) ([]models.Terminal, error) {
	var terminals []models.Terminal
	err := s.db.WithContext(ctx).Order("placa").Find(&terminals).Error
	return terminals, err
}
