// Package coordinator keeps at most one run of each job family active
// across every process sharing the database.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ph2708/sync-apis/internal/metrics"
	"github.com/ph2708/sync-apis/internal/models"
)

// Family is a class of batch work. Distinct families must use distinct ids.
type Family struct {
	Name string
	ID   int64
}

func (f Family) lockName() string { return fmt.Sprintf("sync-apis:%s:%d", f.Name, f.ID) }

func (f Family) String() string { return fmt.Sprintf("%s(%d)", f.Name, f.ID) }

const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Run is the invocation handed to the job. Summary, when set by the job,
// is stored with the run record.
type Run struct {
	ID      string
	Family  Family
	Started time.Time
	Summary interface{}
}

type Option func(*Coordinator)

// WithRecorder stores a job_runs row per executed run
func WithRecorder(db *gorm.DB) Option {
	return func(c *Coordinator) { c.db = db }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(c *Coordinator) { c.metrics = m }
}

type Coordinator struct {
	locker  Locker
	db      *gorm.DB
	metrics *metrics.Registry
	now     func() time.Time
}

func New(locker Locker, opts ...Option) *Coordinator {
	c := &Coordinator{locker: locker, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// WithExclusiveJob runs fn only if no other run of family holds the lock.
// When the lock is taken it logs and returns without running fn. The lock
// is released however fn returns.
func (c *Coordinator) WithExclusiveJob(ctx context.Context, family Family, fn func(ctx context.Context, run *Run) error) (bool, error) {
	run := &Run{ID: uuid.NewString(), Family: family}

	ran, err := c.locker.WithLock(ctx, family, func() error {
		run.Started = c.now()
		log.Printf("coordinator: %s run %s started", family, run.ID)
		c.record(run, StatusRunning, nil)

		fnErr := fn(ctx, run)

		status := StatusDone
		if fnErr != nil {
			status = StatusFailed
		}
		elapsed := c.now().Sub(run.Started)
		c.metrics.ObserveJob(family.Name, elapsed.Seconds())
		c.record(run, status, fnErr)
		log.Printf("coordinator: %s run %s %s after %v", family, run.ID, status, elapsed.Round(time.Millisecond))

		return fnErr
	})

	if !ran && err == nil {
		log.Printf("coordinator: WARNING another %s run is already active (lock unavailable), exiting", family)
		c.metrics.ObserveLockSkipped(family.Name)
	}

	return ran, err
}

func (c *Coordinator) record(run *Run, status string, runErr error) {
	if c.db == nil {
		return
	}

	row := models.JobRun{
		RunID:     run.ID,
		Family:    run.Family.Name,
		StartedAt: run.Started,
		Status:    status,
	}

	if status != StatusRunning {
		finished := c.now()
		row.FinishedAt = &finished

		summary := map[string]interface{}{"summary": run.Summary}
		if runErr != nil {
			summary["error"] = runErr.Error()
		}
		b, err := json.Marshal(summary)
		if err == nil {
			row.Summary = datatypes.JSON(b)
		}
	}

	err := c.db.Save(&row).Error
	if err != nil {
		log.Printf("coordinator: failed recording %s run %s (%v)", run.Family, run.ID, err)
	}
}
