package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ph2708/sync-apis/internal/models"
)

var daily = Family{Name: "daily", ID: 123456789}

func TestWithExclusiveJob_MutualExclusion(t *testing.T) {
	c := New(NewMemoryLocker())

	entered := make(chan struct{})
	release := make(chan struct{})
	var executed int32
	var first, second bool

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, _ = c.WithExclusiveJob(context.Background(), daily, func(ctx context.Context, run *Run) error {
			atomic.AddInt32(&executed, 1)
			close(entered)
			<-release
			return nil
		})
	}()

	<-entered

	// the second call returns while the first still holds the lock
	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		second, _ = c.WithExclusiveJob(context.Background(), daily, func(ctx context.Context, run *Run) error {
			atomic.AddInt32(&executed, 1)
			return nil
		})
	}()
	<-secondDone

	close(release)
	wg.Wait()

	if atomic.LoadInt32(&executed) != 1 {
		t.Fatalf("expected exactly one execution, got %d", executed)
	}
	if !first || second {
		t.Fatalf("expected only the first call to run, got %v %v", first, second)
	}
}

func TestWithExclusiveJob_ReleasesOnError(t *testing.T) {
	c := New(NewMemoryLocker())
	boom := errors.New("boom")

	ran, err := c.WithExclusiveJob(context.Background(), daily, func(ctx context.Context, run *Run) error { return boom })
	if !ran || !errors.Is(err, boom) {
		t.Fatalf("expected fn error to surface, got %v %v", ran, err)
	}

	ran, err = c.WithExclusiveJob(context.Background(), daily, func(ctx context.Context, run *Run) error { return nil })
	if !ran || err != nil {
		t.Fatalf("lock should be free after a failed run, got %v %v", ran, err)
	}
}

func TestWithExclusiveJob_FamiliesIndependent(t *testing.T) {
	c := New(NewMemoryLocker())
	backfill := Family{Name: "backfill", ID: 987654321}

	ran, _ := c.WithExclusiveJob(context.Background(), daily, func(ctx context.Context, run *Run) error {
		inner, _ := c.WithExclusiveJob(ctx, backfill, func(ctx context.Context, run *Run) error { return nil })
		if !inner {
			t.Errorf("a different family must not be blocked")
		}
		same, _ := c.WithExclusiveJob(ctx, daily, func(ctx context.Context, run *Run) error { return nil })
		if same {
			t.Errorf("the same family must be blocked")
		}
		return nil
	})
	if !ran {
		t.Fatalf("outer run should execute")
	}
}

func TestWithExclusiveJob_RecordsRun(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	defer sqlDB.Close()
	if err := db.AutoMigrate(&models.JobRun{}, &models.JobLock{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	c := New(NewLocker(db, "sqlite"), WithRecorder(db))

	var runID string
	_, err = c.WithExclusiveJob(context.Background(), daily, func(ctx context.Context, run *Run) error {
		runID = run.ID
		run.Summary = map[string]int{"ok": 3}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var row models.JobRun
	if err := db.First(&row, "run_id = ?", runID).Error; err != nil {
		t.Fatalf("run not recorded: %v", err)
	}
	if row.Status != StatusDone || row.FinishedAt == nil || row.Family != "daily" {
		t.Fatalf("unexpected run row %+v", row)
	}

	var summary struct {
		Summary map[string]int `json:"summary"`
	}
	if err := json.Unmarshal(row.Summary, &summary); err != nil || summary.Summary["ok"] != 3 {
		t.Fatalf("summary not stored: %s (%v)", row.Summary, err)
	}
}

func openFile(t *testing.T, path string) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { sqlDB.Close() })

	if err := db.AutoMigrate(&models.JobLock{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestWithExclusiveJob_SqliteAcrossHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	a := New(NewLocker(openFile(t, path), "sqlite"))
	b := New(NewLocker(openFile(t, path), "sqlite"))

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan bool)

	go func() {
		ran, err := a.WithExclusiveJob(context.Background(), daily, func(ctx context.Context, run *Run) error {
			close(entered)
			<-release
			return nil
		})
		if err != nil {
			t.Errorf("first handle: %v", err)
		}
		done <- ran
	}()

	<-entered

	ranInside := false
	ran, err := b.WithExclusiveJob(context.Background(), daily, func(ctx context.Context, run *Run) error {
		ranInside = true
		return nil
	})
	if err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if ran || ranInside {
		t.Fatalf("second handle ran while the first held the lock")
	}

	other := Family{Name: "backfill", ID: 987654321}
	ran, err = b.WithExclusiveJob(context.Background(), other, func(ctx context.Context, run *Run) error { return nil })
	if err != nil || !ran {
		t.Fatalf("a different family must run, got %v %v", ran, err)
	}

	close(release)
	if !<-done {
		t.Fatalf("first handle should have run")
	}

	ran, err = b.WithExclusiveJob(context.Background(), daily, func(ctx context.Context, run *Run) error { return nil })
	if err != nil || !ran {
		t.Fatalf("lock row should be gone after release, got %v %v", ran, err)
	}
}
