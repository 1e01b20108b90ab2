package upsert

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/ph2708/sync-apis/internal/rawitem"
)

var ErrUnknownTable = errors.New("unknown table")

type ColumnType int

const (
	Text ColumnType = iota
	Integer
	Float
	Timestamp
	Boolean
)

func (t ColumnType) String() string {
	switch t {
	case Text:
		return "text"
	case Integer:
		return "integer"
	case Float:
		return "float"
	case Timestamp:
		return "timestamp"
	case Boolean:
		return "boolean"
	}
	return "unknown"
}

// Column describes one normalized column and where its value comes from
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
	// IdentityCandidate columns are matched against existing rows when the
	// primary key gives no match, in declaration order.
	IdentityCandidate bool
	Field             rawitem.Field
}

// Table describes a raw-item table: a primary key, the verbatim document,
// a fetch timestamp and a sparse set of normalized columns.
type Table struct {
	Name          string
	IDType        ColumnType
	ID            rawitem.Field
	DataColumn    string
	FetchedColumn string
	Columns       []Column
}

// Column returns the descriptor named name
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Project extracts the normalized column values of item. Columns whose
// value is absent or cannot be coerced to the column type are left out.
func (t Table) Project(item rawitem.RawItem, loc *time.Location) map[string]interface{} {
	out := make(map[string]interface{}, len(t.Columns))
	for _, c := range t.Columns {
		v, ok := coerce(c.Type, c.Field.Get(item), loc)
		if ok {
			out[c.Name] = v
		}
	}
	return out
}

func coerce(typ ColumnType, v interface{}, loc *time.Location) (interface{}, bool) {
	if v == nil {
		return nil, false
	}

	switch typ {
	case Text:
		return rawitem.String(v)
	case Integer:
		return rawitem.Int64(v)
	case Float:
		f, ok := rawitem.Float64(v)
		if ok {
			return f, true
		}
		return rawitem.Number(v)
	case Timestamp:
		return rawitem.Time(v, loc)
	case Boolean:
		return rawitem.Bool(v)
	}

	return nil, false
}

// Registry maps table names to their descriptors. Adding or dropping a
// normalized column is a descriptor change only.
type Registry struct {
	tables map[string]Table
}

func NewRegistry(tables ...Table) *Registry {
	r := &Registry{tables: make(map[string]Table, len(tables))}
	for _, t := range tables {
		r.Register(t)
	}
	return r
}

func (r *Registry) Register(t Table) {
	if t.DataColumn == "" {
		t.DataColumn = "data"
	}
	if t.FetchedColumn == "" {
		t.FetchedColumn = "fetched_at"
	}
	r.tables[t.Name] = t
}

func (r *Registry) Lookup(name string) (Table, error) {
	t, ok := r.tables[name]
	if !ok {
		return Table{}, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return t, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tables))
	for n := range r.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve reconciles every descriptor with the live schema once at
// startup: normalized columns missing from the table are dropped, and the
// primary key type, data column and fetch column follow what the table
// actually has.
func (r *Registry) Resolve(db *gorm.DB) error {
	for _, name := range r.Names() {
		t := r.tables[name]

		if !db.Migrator().HasTable(name) {
			return fmt.Errorf("upsert: table %s does not exist", name)
		}

		cts, err := db.Migrator().ColumnTypes(name)
		if err != nil {
			return fmt.Errorf("upsert: introspect %s: %w", name, err)
		}

		present := make(map[string]string, len(cts))
		for _, ct := range cts {
			present[ct.Name()] = strings.ToLower(ct.DatabaseTypeName())
		}

		if typ, ok := present["id"]; ok {
			if strings.Contains(typ, "int") || typ == "serial" || typ == "bigserial" {
				t.IDType = Integer
			} else {
				t.IDType = Text
			}
		}

		if _, ok := present[t.DataColumn]; !ok {
			log.Printf("upsert: table %s has no %s column, raw items will not be kept", name, t.DataColumn)
			t.DataColumn = ""
		}
		if _, ok := present[t.FetchedColumn]; !ok {
			if _, alt := present["created_at"]; alt {
				t.FetchedColumn = "created_at"
			} else {
				t.FetchedColumn = ""
			}
		}

		kept := make([]Column, 0, len(t.Columns))
		for _, c := range t.Columns {
			if _, ok := present[c.Name]; !ok {
				log.Printf("upsert: table %s has no column %s, dropping it from the projection", name, c.Name)
				continue
			}
			kept = append(kept, c)
		}
		t.Columns = kept

		r.tables[name] = t
	}

	return nil
}

var (
	primaryKeyAliases = []string{"id", "Id", "userId", "customerId", "taskId", "gpsId", "GpsId", "externalId"}
	externalIDAliases = []string{"externalId", "external_id", "externalid"}
	basePointParents  = []string{"BasePoint", "basePoint"}
)

func field(aliases ...string) rawitem.Field { return rawitem.Field{Aliases: aliases} }

func basePoint(alias string, fallback bool) rawitem.Field {
	f := rawitem.Field{Parents: basePointParents, Aliases: []string{alias}}
	if fallback {
		f.Fallback = []string{alias}
	}
	return f
}

// UsersTable is the Auvo users resource
func UsersTable() Table {
	return Table{
		Name:   "users",
		IDType: Text,
		ID:     field(primaryKeyAliases...),
		Columns: []Column{
			{Name: "name", Type: Text, Nullable: true, Field: field("name", "Name")},
			{Name: "login", Type: Text, Nullable: true, Field: field("login")},
			{Name: "email", Type: Text, Nullable: true, Field: field("email")},
			{Name: "user_id", Type: Integer, Nullable: true, Field: field("userId", "userID", "user_id")},
			{Name: "base_lat", Type: Float, Nullable: true, Field: basePoint("latitude", false)},
			{Name: "base_lon", Type: Float, Nullable: true, Field: basePoint("longitude", false)},
		},
	}
}

// TasksTable is the Auvo tasks resource
func TasksTable() Table {
	return Table{
		Name:   "tasks",
		IDType: Text,
		ID:     field(primaryKeyAliases...),
		Columns: []Column{
			{Name: "task_id", Type: Integer, Nullable: true, Field: field("taskID", "taskId", "id")},
			{Name: "task_date", Type: Timestamp, Nullable: true, Field: field("taskDate", "dateLastUpdate")},
			{Name: "customer_id", Type: Integer, Nullable: true, Field: field("customerId")},
			{Name: "latitude", Type: Float, Nullable: true, Field: field("latitude")},
			{Name: "longitude", Type: Float, Nullable: true, Field: field("longitude")},
			{Name: "task_status", Type: Integer, Nullable: true, Field: field("taskStatus")},
			{Name: "user_from", Type: Integer, Nullable: true, Field: field("idUserFrom", "userIdFrom")},
			{Name: "user_to", Type: Integer, Nullable: true, Field: field("idUserTo", "userIdTo")},
			{Name: "external_id", Type: Text, Nullable: true, IdentityCandidate: true, Field: field(externalIDAliases...)},
		},
	}
}

// CustomersTable is the Auvo customers resource
func CustomersTable() Table {
	return Table{
		Name:   "customers",
		IDType: Text,
		ID:     field(primaryKeyAliases...),
		Columns: []Column{
			{Name: "customer_id", Type: Integer, Nullable: true, Field: field("customerId", "id")},
			{Name: "external_id", Type: Text, Nullable: true, IdentityCandidate: true, Field: field(externalIDAliases...)},
			{Name: "customer_name", Type: Text, Nullable: true, Field: field("name", "Name")},
			{Name: "address", Type: Text, Nullable: true, Field: field("address")},
			{Name: "latitude", Type: Float, Nullable: true, Field: basePoint("latitude", true)},
			{Name: "longitude", Type: Float, Nullable: true, Field: basePoint("longitude", true)},
		},
	}
}

// DefaultRegistry holds every Auvo resource table
func DefaultRegistry() *Registry {
	return NewRegistry(UsersTable(), TasksTable(), CustomersTable())
}
