package upsert

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ph2708/sync-apis/internal/models"
	"github.com/ph2708/sync-apis/internal/rawitem"
)

// numbered is a table with an integer primary key and an external id
type numbered struct {
	ID         int64 `gorm:"primaryKey"`
	Data       datatypes.JSON
	FetchedAt  time.Time
	Name       *string
	ExternalID *string
}

func (numbered) TableName() string { return "numbered" }

func numberedTable() Table {
	return Table{
		Name: "numbered",
		ID:   field("id"),
		Columns: []Column{
			{Name: "name", Type: Text, Nullable: true, Field: field("name")},
			{Name: "external_id", Type: Text, Nullable: true, IdentityCandidate: true, Field: field(externalIDAliases...)},
		},
	}
}

func openTestDB(t *testing.T, dst ...interface{}) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	err = db.AutoMigrate(dst...)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	return db
}

func newTestStore(t *testing.T, db *gorm.DB, tables ...Table) *Store {
	t.Helper()

	reg := NewRegistry(tables...)
	err := reg.Resolve(db)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	return New(db, reg, WithLocation(time.UTC))
}

func item(t *testing.T, doc string) rawitem.RawItem {
	t.Helper()

	v, err := rawitem.Decode([]byte(doc))
	if err != nil {
		t.Fatalf("decode %s: %v", doc, err)
	}

	return rawitem.RawItem(v.(map[string]interface{}))
}

func TestUpsert_Idempotent(t *testing.T) {
	db := openTestDB(t, &models.User{})
	s := newTestStore(t, db, UsersTable())
	ctx := context.Background()

	it := item(t, `{"id": 42, "name": "Ana", "login": "ana", "userId": 42, "BasePoint": {"latitude": -23.5, "longitude": -46.6}}`)

	first := s.Upsert(ctx, "users", it)
	if first.Status != Inserted || first.Err != nil {
		t.Fatalf("first upsert: %+v", first)
	}
	second := s.Upsert(ctx, "users", it)
	if second.Status != Updated || second.Err != nil {
		t.Fatalf("second upsert: %+v", second)
	}

	var rows []models.User
	db.Find(&rows)
	if len(rows) != 1 {
		t.Fatalf("expected one row, got %d", len(rows))
	}

	u := rows[0]
	if u.ID != "42" || u.Name == nil || *u.Name != "Ana" || u.Login == nil || *u.Login != "ana" {
		t.Fatalf("normalized columns do not match the item: %+v", u)
	}
	if u.UserID == nil || *u.UserID != 42 || u.BaseLat == nil || *u.BaseLat != -23.5 || u.BaseLon == nil || *u.BaseLon != -46.6 {
		t.Fatalf("numeric projection mismatch: %+v", u)
	}
	if u.Email != nil {
		t.Fatalf("absent field should stay null, got %q", *u.Email)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(u.Data, &doc); err != nil || doc["login"] != "ana" {
		t.Fatalf("raw item not kept verbatim: %s (%v)", u.Data, err)
	}
}

func TestUpsert_NumericIDWinsOverExternalID(t *testing.T) {
	db := openTestDB(t, &numbered{})
	s := newTestStore(t, db, numberedTable())
	ctx := context.Background()

	a, b := "ext-a", "ext-b"
	db.Create(&numbered{ID: 1, ExternalID: &a, Data: datatypes.JSON(`{}`)})
	db.Create(&numbered{ID: 2, ExternalID: &b, Data: datatypes.JSON(`{}`)})

	if s.reg.tables["numbered"].IDType != Integer {
		t.Fatalf("integer id not detected")
	}

	o := s.Upsert(ctx, "numbered", item(t, `{"id": 1, "externalId": "ext-b", "name": "winner"}`))
	if o.Status != Updated || o.ID != "1" {
		t.Fatalf("expected update of row 1, got %+v", o)
	}

	var rows []numbered
	db.Order("id").Find(&rows)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Name == nil || *rows[0].Name != "winner" {
		t.Fatalf("row 1 should carry the update: %+v", rows[0])
	}
	if rows[1].Name != nil || string(rows[1].Data) != `{}` {
		t.Fatalf("row 2 must be untouched: %+v", rows[1])
	}
}

func TestUpsert_ExternalIDMatch(t *testing.T) {
	db := openTestDB(t, &numbered{})
	s := newTestStore(t, db, numberedTable())
	ctx := context.Background()

	ext := "ext-7"
	db.Create(&numbered{ID: 7, ExternalID: &ext, Data: datatypes.JSON(`{}`)})

	o := s.Upsert(ctx, "numbered", item(t, `{"external_id": "ext-7", "name": "by external"}`))
	if o.Status != Updated || o.ID != "7" {
		t.Fatalf("expected external id match, got %+v", o)
	}

	o = s.Upsert(ctx, "numbered", item(t, `{"externalId": "new", "name": "fresh"}`))
	if o.Status != Inserted {
		t.Fatalf("expected insert with store assigned id, got %+v", o)
	}

	var count int64
	db.Model(&numbered{}).Count(&count)
	if count != 2 {
		t.Fatalf("expected 2 rows, got %d", count)
	}
}

func TestUpsertAll_BestEffort(t *testing.T) {
	db := openTestDB(t, &models.Customer{})
	s := newTestStore(t, db, CustomersTable())

	items := []rawitem.RawItem{
		item(t, `{"id": "c1", "name": "One", "latitude": "-22,9"}`),
		item(t, `{"name": "no identifier"}`),
		item(t, `{"id": "c2", "name": "Two", "basePoint": {"latitude": 1.5}}`),
	}

	sum, outcomes := s.UpsertAll(context.Background(), "customers", items)
	if sum.Total != 3 || sum.Inserted != 2 || sum.Skipped != 1 || sum.Failed != 0 {
		t.Fatalf("unexpected summary %s", sum)
	}
	if outcomes[1].Status != Skipped {
		t.Fatalf("item without identifier should be skipped: %+v", outcomes[1])
	}

	var c models.Customer
	db.First(&c, "id = ?", "c1")
	if c.Latitude == nil || *c.Latitude != -22.9 {
		t.Fatalf("decimal comma latitude not projected: %+v", c.Latitude)
	}
	var c2 models.Customer
	db.First(&c2, "id = ?", "c2")
	if c2.Latitude == nil || *c2.Latitude != 1.5 {
		t.Fatalf("base point latitude not projected: %+v", c2.Latitude)
	}
}

func TestUpsert_UnknownTable(t *testing.T) {
	db := openTestDB(t, &models.User{})
	s := newTestStore(t, db, UsersTable())

	o := s.Upsert(context.Background(), "nope", rawitem.RawItem{"id": "1"})
	if o.Status != Failed || o.Err == nil {
		t.Fatalf("expected failure for unknown table, got %+v", o)
	}
}

func TestResolve_DropsMissingColumns(t *testing.T) {
	db := openTestDB(t, &numbered{})

	tbl := numberedTable()
	tbl.Columns = append(tbl.Columns, Column{Name: "not_there", Type: Text, Field: field("x")})
	reg := NewRegistry(tbl)
	if err := reg.Resolve(db); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got, _ := reg.Lookup("numbered")
	if _, ok := got.Column("not_there"); ok {
		t.Fatalf("missing column should be dropped from the projection")
	}
	if _, ok := got.Column("name"); !ok {
		t.Fatalf("present column should be kept")
	}

	if err := NewRegistry(UsersTable()).Resolve(db); err == nil {
		t.Fatalf("resolving a missing table should fail")
	}
}
