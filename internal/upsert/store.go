// Package upsert persists raw API items into tables keyed by a resolved
// identity, keeping the verbatim document next to its normalized columns.
package upsert

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ph2708/sync-apis/internal/database"
	"github.com/ph2708/sync-apis/internal/metrics"
	"github.com/ph2708/sync-apis/internal/rawitem"
)

type Status string

const (
	Inserted  Status = "inserted"
	Updated   Status = "updated"
	Skipped   Status = "skipped"
	Duplicate Status = "duplicate"
	Failed    Status = "failed"
)

// Outcome is the result of persisting one item
type Outcome struct {
	Table  string
	ID     string
	Status Status
	Err    error
}

// Summary aggregates the outcomes of one batch
type Summary struct {
	Table    string
	Total    int
	Inserted int
	Updated  int
	Skipped  int
	Failed   int
}

func (s *Summary) add(o Outcome) {
	s.Total++
	switch o.Status {
	case Inserted:
		s.Inserted++
	case Updated:
		s.Updated++
	case Skipped, Duplicate:
		s.Skipped++
	default:
		s.Failed++
	}
}

func (s Summary) String() string {
	return fmt.Sprintf("%s: %d items, %d inserted, %d updated, %d skipped, %d failed",
		s.Table, s.Total, s.Inserted, s.Updated, s.Skipped, s.Failed)
}

type Option func(*Store)

func WithMetrics(m *metrics.Registry) Option {
	return func(s *Store) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLocation(loc *time.Location) Option {
	return func(s *Store) { s.loc = loc }
}

type Store struct {
	db      *gorm.DB
	reg     *Registry
	loc     *time.Location
	now     func() time.Time
	metrics *metrics.Registry
}

// New binds reg to db. reg should already be resolved against the schema.
func New(db *gorm.DB, reg *Registry, opts ...Option) *Store {
	s := &Store{
		db:  db,
		reg: reg,
		loc: time.Local,
		now: time.Now,
	}

	for _, o := range opts {
		o(s)
	}

	return s
}

// Has reports whether table is registered
func (s *Store) Has(table string) bool {
	_, err := s.reg.Lookup(table)
	return err == nil
}

// Upsert writes item into table. Identity is resolved by the numeric id
// when the table id is integer typed, then by the text id, then by each
// identity candidate column. A match is updated in place; otherwise a row
// is inserted. Failures are logged with the item and reported in the
// outcome, never returned.
func (s *Store) Upsert(ctx context.Context, table string, item rawitem.RawItem) Outcome {
	out := Outcome{Table: table}

	t, err := s.reg.Lookup(table)
	if err != nil {
		out.Status = Failed
		out.Err = err
		log.Printf("upsert: %v", err)
		s.metrics.ObserveUpsert(table, string(out.Status))
		return out
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var txErr error
		out.ID, out.Status, txErr = s.upsertTx(tx, t, item)
		return txErr
	})

	if err != nil {
		out.Err = err
		if database.IsUniqueViolation(err) {
			out.Status = Duplicate
			log.Printf("upsert: duplicate in %s for id %s (%s)", table, out.ID, database.Describe(err))
		} else {
			out.Status = Failed
			log.Printf("upsert: failed to write %s item %s (%s)", table, rawitem.Describe(item), database.Describe(err))
		}
	}

	s.metrics.ObserveUpsert(table, string(out.Status))
	return out
}

// UpsertAll persists every item independently and summarizes the outcomes.
// It stops early only when ctx is done.
func (s *Store) UpsertAll(ctx context.Context, table string, items []rawitem.RawItem) (Summary, []Outcome) {
	sum := Summary{Table: table}
	outcomes := make([]Outcome, 0, len(items))

	for _, it := range items {
		if ctx.Err() != nil {
			log.Printf("upsert: %s interrupted after %d of %d items (%v)", table, sum.Total, len(items), ctx.Err())
			break
		}
		o := s.Upsert(ctx, table, it)
		sum.add(o)
		outcomes = append(outcomes, o)
	}

	return sum, outcomes
}

func (s *Store) upsertTx(tx *gorm.DB, t Table, item rawitem.RawItem) (string, Status, error) {
	values := t.Project(item, s.loc)
	if t.DataColumn != "" {
		raw, err := json.Marshal(item)
		if err != nil {
			return "", Failed, fmt.Errorf("encode item: %w", err)
		}
		values[t.DataColumn] = datatypes.JSON(raw)
	}
	if t.FetchedColumn != "" {
		values[t.FetchedColumn] = s.now()
	}

	pk, hasPK := s.primaryKey(t, item)
	label := ""
	if hasPK {
		label = fmt.Sprint(pk)
	}

	existing, found, err := s.resolve(tx, t, item, pk, hasPK)
	if err != nil {
		return label, Failed, err
	}

	if found {
		label = fmt.Sprint(existing)
		err = tx.Table(t.Name).Where("id = ?", existing).Updates(values).Error
		if err != nil {
			return label, Failed, err
		}
		return label, Updated, nil
	}

	if hasPK {
		values["id"] = pk
	} else if t.IDType != Integer {
		log.Printf("upsert: %s item has no identifier, skipping (%s)", t.Name, rawitem.Describe(item))
		return "", Skipped, nil
	}

	err = tx.Table(t.Name).Create(values).Error
	if err != nil {
		return label, Failed, err
	}

	return label, Inserted, nil
}

// primaryKey coerces the item identifier to the table id type
func (s *Store) primaryKey(t Table, item rawitem.RawItem) (interface{}, bool) {
	v := t.ID.Get(item)
	if v == nil {
		return nil, false
	}

	if t.IDType == Integer {
		n, ok := rawitem.Int64(v)
		return n, ok
	}

	str, ok := rawitem.String(v)
	return str, ok
}

// resolve finds the id of the existing row item maps to
func (s *Store) resolve(tx *gorm.DB, t Table, item rawitem.RawItem, pk interface{}, hasPK bool) (interface{}, bool, error) {
	if hasPK {
		id, found, err := s.findBy(tx, t, "id", pk)
		if err != nil || found {
			return id, found, err
		}
	}

	for _, c := range t.Columns {
		if !c.IdentityCandidate {
			continue
		}
		v, ok := coerce(c.Type, c.Field.Get(item), s.loc)
		if !ok {
			continue
		}
		id, found, err := s.findBy(tx, t, c.Name, v)
		if err != nil || found {
			return id, found, err
		}
	}

	return nil, false, nil
}

func (s *Store) findBy(tx *gorm.DB, t Table, column string, value interface{}) (interface{}, bool, error) {
	q := tx.Table(t.Name).Where(fmt.Sprintf("%s = ?", column), value).Limit(1)

	if t.IDType == Integer {
		var ids []int64
		err := q.Pluck("id", &ids).Error
		if err != nil || len(ids) == 0 {
			return nil, false, err
		}
		return ids[0], true, nil
	}

	var ids []string
	err := q.Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return nil, false, err
	}

	return ids[0], true, nil
}
