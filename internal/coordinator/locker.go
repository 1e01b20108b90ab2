package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ph2708/sync-apis/internal/models"
)

// Locker runs fn while holding the lock of family, or reports that the
// lock is held elsewhere without running it.
type Locker interface {
	WithLock(ctx context.Context, family Family, fn func() error) (bool, error)
}

// NewLocker picks the locker matching the database driver
func NewLocker(db *gorm.DB, driver string) Locker {
	switch driver {
	case "postgres":
		return &AdvisoryLocker{db: db}
	case "mysql":
		return &NamedLocker{db: db}
	case "sqlite":
		return &TableLocker{db: db}
	}

	return NewMemoryLocker()
}

// AdvisoryLocker uses postgres session advisory locks. Lock and unlock
// run on the same pooled connection, which stays reserved while fn runs.
type AdvisoryLocker struct {
	db *gorm.DB
}

func (l *AdvisoryLocker) WithLock(ctx context.Context, family Family, fn func() error) (bool, error) {
	ran := false
	var fnErr error

	err := l.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		var acquired bool
		err := conn.Raw("SELECT pg_try_advisory_lock(?)", family.ID).Scan(&acquired).Error
		if err != nil {
			return fmt.Errorf("try advisory lock %d: %w", family.ID, err)
		}
		if !acquired {
			return nil
		}

		defer func() {
			err := conn.WithContext(context.Background()).Exec("SELECT pg_advisory_unlock(?)", family.ID).Error
			if err != nil {
				log.Printf("coordinator: failed releasing advisory lock %d (%v)", family.ID, err)
			}
		}()

		ran = true
		fnErr = fn()
		return nil
	})
	if err != nil {
		return false, err
	}

	return ran, fnErr
}

// NamedLocker uses mysql GET_LOCK with a zero timeout
type NamedLocker struct {
	db *gorm.DB
}

func (l *NamedLocker) WithLock(ctx context.Context, family Family, fn func() error) (bool, error) {
	ran := false
	var fnErr error
	name := family.lockName()

	err := l.db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		var acquired sql.NullInt64
		err := conn.Raw("SELECT GET_LOCK(?, 0)", name).Scan(&acquired).Error
		if err != nil {
			return fmt.Errorf("get lock %s: %w", name, err)
		}
		if !acquired.Valid || acquired.Int64 != 1 {
			return nil
		}

		defer func() {
			err := conn.WithContext(context.Background()).Exec("SELECT RELEASE_LOCK(?)", name).Error
			if err != nil {
				log.Printf("coordinator: failed releasing lock %s (%v)", name, err)
			}
		}()

		ran = true
		fnErr = fn()
		return nil
	})
	if err != nil {
		return false, err
	}

	return ran, fnErr
}

// TableLocker holds a job_locks row keyed by family id for the duration
// of fn, so processes sharing one database file exclude each other. A
// process killed mid-run leaves its row behind; delete it by hand.
type TableLocker struct {
	db *gorm.DB
}

func (l *TableLocker) WithLock(ctx context.Context, family Family, fn func() error) (bool, error) {
	row := models.JobLock{
		FamilyID:   family.ID,
		Name:       family.Name,
		Holder:     uuid.NewString(),
		AcquiredAt: time.Now().UTC(),
	}

	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("insert lock row %d: %w", family.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	defer func() {
		err := l.db.WithContext(context.Background()).
			Where("family_id = ? AND holder = ?", row.FamilyID, row.Holder).
			Delete(&models.JobLock{}).Error
		if err != nil {
			log.Printf("coordinator: failed releasing lock row %d (%v)", family.ID, err)
		}
	}()

	return true, fn()
}

// MemoryLocker excludes runs within one process only
type MemoryLocker struct {
	mu   sync.Mutex
	held map[int64]bool
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[int64]bool)}
}

func (l *MemoryLocker) WithLock(ctx context.Context, family Family, fn func() error) (bool, error) {
	l.mu.Lock()
	if l.held[family.ID] {
		l.mu.Unlock()
		return false, nil
	}
	l.held[family.ID] = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, family.ID)
		l.mu.Unlock()
	}()

	return true, fn()
}
