package models

import (
	"time"

	"gorm.io/datatypes"
)

// Terminal represents a tracked vehicle as reported by the telemetry API
type Terminal struct {
	Placa             string         `gorm:"primaryKey;not null" json:"placa"`
	Descricao         *string        `json:"descricao"`
	Frota             *string        `json:"frota"`
	EquipamentoSerial *string        `json:"equipamento_serial"`
	DataGravacao      *time.Time     `json:"data_gravacao"`
	Data              datatypes.JSON `json:"-"`
	DataAtualizacao   time.Time      `gorm:"autoUpdateTime" json:"data_atualizacao"`
}

func (Terminal) TableName() string { return "terminals" }

// Position is a single ping transmitted by a terminal. Pings without
// coordinates are kept but never used for routes. The unique index only
// rejects pings whose key columns are all set; the store checks the
// others with null-safe matching before inserting.
type Position struct {
	ID                uint           `gorm:"primaryKey" json:"-"`
	Placa             string         `gorm:"not null;uniqueIndex:positions_unique_idx,priority:1;index:idx_positions_placa_ts,priority:1" json:"placa"`
	DataTransmissao   *time.Time     `gorm:"uniqueIndex:positions_unique_idx,priority:2;index:idx_positions_placa_ts,priority:2" json:"data_transmissao"`
	Latitude          *float64       `gorm:"uniqueIndex:positions_unique_idx,priority:3" json:"latitude"`
	Longitude         *float64       `gorm:"uniqueIndex:positions_unique_idx,priority:4" json:"longitude"`
	Logradouro        *string        `json:"logradouro"`
	Velocidade        *int           `json:"velocidade"`
	Ignicao           *bool          `json:"ignicao"`
	Odometro          *float64       `json:"odometro"`
	OdometroCan       *float64       `json:"odometro_can"`
	Horimetro         *float64       `json:"horimetro"`
	Bateria           *float64       `json:"bateria"`
	EquipamentoSerial *string        `json:"equipamento_serial"`
	DataGravacao      *time.Time     `json:"data_gravacao"`
	Raw               datatypes.JSON `json:"-"`
	CreatedAt         time.Time      `json:"-"`
}

func (Position) TableName() string { return "positions" }

// Trip is a driving summary with start and end locations
type Trip struct {
	ID                        uint           `gorm:"primaryKey" json:"-"`
	Placa                     string         `gorm:"not null;uniqueIndex:trips_unique_idx,priority:1" json:"placa"`
	Cliente                   *string        `json:"cliente"`
	ClienteFantasia           *string        `json:"cliente_fantasia"`
	DataInicioConducao        *time.Time     `gorm:"uniqueIndex:trips_unique_idx,priority:2" json:"data_inicio_conducao"`
	DataFimConducao           *time.Time     `json:"data_fim_conducao"`
	LatitudeInicioConducao    *float64       `json:"latitude_inicio_conducao"`
	LongitudeInicioConducao   *float64       `json:"longitude_inicio_conducao"`
	LatitudeFimConducao       *float64       `json:"latitude_fim_conducao"`
	LongitudeFimConducao      *float64       `json:"longitude_fim_conducao"`
	LocalizacaoInicioConducao *string        `json:"localizacao_inicio_conducao"`
	LocalizacaoFimConducao    *string        `json:"localizacao_fim_conducao"`
	OdometroInicioConducao    *float64       `json:"odometro_inicio_conducao"`
	OdometroFimConducao       *float64       `json:"odometro_fim_conducao"`
	DuracaoConducao           *string        `json:"duracao_conducao"`
	DistanciaConducao         *float64       `json:"distancia_conducao"`
	CondutorNome              *string        `json:"condutor_nome"`
	CondutorIdentificacao     *string        `json:"condutor_identificacao"`
	Raw                       datatypes.JSON `json:"-"`
	CreatedAt                 time.Time      `json:"-"`
}

func (Trip) TableName() string { return "trips" }

// Route is the ordered point sequence of one plate on one calendar day.
// A row is replaced as a whole every time the day is aggregated.
type Route struct {
	ID         uint           `gorm:"primaryKey" json:"-"`
	Placa      string         `gorm:"not null;uniqueIndex:routes_unique_idx,priority:1" json:"placa"`
	RotaDate   datatypes.Date `gorm:"not null;uniqueIndex:routes_unique_idx,priority:2" json:"rota_date"`
	Points     datatypes.JSON `json:"points"`
	StartTs    time.Time      `json:"start_ts"`
	EndTs      time.Time      `json:"end_ts"`
	PointCount int            `json:"point_count"`
	Raw        datatypes.JSON `json:"-"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (Route) TableName() string { return "routes" }

// RouteDay maps a calendar day, in whatever location it was computed, to
// the UTC midnight value stored in routes.rota_date.
func RouteDay(day time.Time) datatypes.Date {
	y, m, d := day.Date()
	return datatypes.Date(time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
}

// User is a field-service user synchronized from Auvo
type User struct {
	ID        string         `gorm:"primaryKey;not null" json:"id"`
	Data      datatypes.JSON `json:"-"`
	FetchedAt time.Time      `json:"fetched_at"`
	Name      *string        `json:"name"`
	Login     *string        `json:"login"`
	Email     *string        `json:"email"`
	UserID    *int64         `json:"user_id"`
	BaseLat   *float64       `json:"base_lat"`
	BaseLon   *float64       `json:"base_lon"`
}

func (User) TableName() string { return "users" }

// Task is a field-service task synchronized from Auvo
type Task struct {
	ID         string         `gorm:"primaryKey;not null" json:"id"`
	Data       datatypes.JSON `json:"-"`
	FetchedAt  time.Time      `json:"fetched_at"`
	TaskID     *int64         `json:"task_id"`
	TaskDate   *time.Time     `json:"task_date"`
	CustomerID *int64         `json:"customer_id"`
	Latitude   *float64       `json:"latitude"`
	Longitude  *float64       `json:"longitude"`
	TaskStatus *int           `json:"task_status"`
	UserFrom   *int64         `json:"user_from"`
	UserTo     *int64         `json:"user_to"`
	ExternalID *string        `gorm:"index" json:"external_id"`
}

func (Task) TableName() string { return "tasks" }

// Customer is a field-service customer synchronized from Auvo
type Customer struct {
	ID           string         `gorm:"primaryKey;not null" json:"id"`
	Data         datatypes.JSON `json:"-"`
	FetchedAt    time.Time      `json:"fetched_at"`
	CustomerID   *int64         `json:"customer_id"`
	ExternalID   *string        `gorm:"index" json:"external_id"`
	CustomerName *string        `json:"customer_name"`
	Address      *string        `json:"address"`
	Latitude     *float64       `json:"latitude"`
	Longitude    *float64       `json:"longitude"`
}

func (Customer) TableName() string { return "customers" }

// JobRun records one invocation of a batch job family
type JobRun struct {
	RunID      string         `gorm:"primaryKey;size:36" json:"run_id"`
	Family     string         `gorm:"index;not null" json:"family"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at"`
	Status     string         `json:"status"`
	Summary    datatypes.JSON `json:"summary"`
}

func (JobRun) TableName() string { return "job_runs" }

// JobLock is held by the run currently executing a job family. The row
// exists only while the run is active.
type JobLock struct {
	FamilyID   int64     `gorm:"primaryKey;autoIncrement:false" json:"family_id"`
	Name       string    `gorm:"not null" json:"name"`
	Holder     string    `gorm:"size:36;not null" json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func (JobLock) TableName() string { return "job_locks" }

// All lists every model migrated at startup
func All() []interface{} {
	return []interface{}{
		&Terminal{},
		&Position{},
		&Trip{},
		&Route{},
		&User{},
		&Task{},
		&Customer{},
		&JobRun{},
		&JobLock{},
	}
}
