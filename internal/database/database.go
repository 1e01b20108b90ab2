package database

import (
	"fmt"
	"log"
	"net/url"
	"regexp"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ph2708/sync-apis/internal/config"
	"github.com/ph2708/sync-apis/internal/models"
)

var schemaNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Open builds a gorm connection for the configured driver
func Open(cfg config.Config) (*gorm.DB, error) {
	var db *gorm.DB
	var err error

	gcfg := &gorm.Config{}

	switch cfg.Db.Driver {
	case "mysql":
		if cfg.Db.Mysql.User == "" || cfg.Db.Mysql.Host == "" || cfg.Db.Mysql.Database == "" {
			return nil, fmt.Errorf("missing connection info")
		}

		dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			cfg.Db.Mysql.User, cfg.Db.Mysql.Password, cfg.Db.Mysql.Host, cfg.Db.Mysql.Database)
		db, err = gorm.Open(mysql.Open(dsn), gcfg)
		if err != nil {
			return nil, err
		}

	case "postgres":
		if cfg.Db.Postgres.Dsn == "" {
			return nil, fmt.Errorf("missing connection info")
		}

		dsn := cfg.Db.Postgres.Dsn
		if cfg.Db.Postgres.Schema != "" {
			dsn, err = withSearchPath(dsn, cfg.Db.Postgres.Schema)
			if err != nil {
				return nil, err
			}
		}

		db, err = gorm.Open(postgres.Open(dsn), gcfg)
		if err != nil {
			return nil, err
		}

		if cfg.Db.Postgres.Schema != "" {
			err = db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", cfg.Db.Postgres.Schema)).Error
			if err != nil {
				return nil, fmt.Errorf("create schema %s: %w", cfg.Db.Postgres.Schema, err)
			}
			log.Printf("database: using schema %s", cfg.Db.Postgres.Schema)
		}

	case "sqlite":
		db, err = gorm.Open(sqlite.Open(cfg.Db.Sqlite.Path), gcfg)
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown db driver %s", cfg.Db.Driver)
	}

	if cfg.Db.Debug {
		db.Logger = db.Logger.LogMode(logger.Info)
	}

	return db, err
}

// ConnectWithRetry opens and migrates the store, retrying while it comes up
func ConnectWithRetry(cfg config.Config) (*gorm.DB, error) {
	attempts := cfg.Db.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(cfg.Db.ConnectDelay) * time.Second

	var lastErr error
	for i := 1; i <= attempts; i++ {
		db, err := Open(cfg)
		if err == nil {
			err = ping(db)
		}
		if err == nil {
			err = Migrate(db)
			if err != nil {
				return nil, err
			}
			return db, nil
		}

		lastErr = err
		log.Printf("database: waiting for %s (%d/%d): %v", cfg.Db.Driver, i, attempts, err)
		if i < attempts {
			time.Sleep(delay)
		}
	}

	return nil, fmt.Errorf("db connect failed after %d attempts: %w", attempts, lastErr)
}

// Migrate creates or alters every table the sync jobs write to
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(models.All()...)
	if err != nil {
		log.Printf("failed to automigrate database %v", err)
		return err
	}

	return nil
}

func ping(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Ping()
}

// withSearchPath sets search_path as a runtime parameter so every pooled
// connection resolves tables in schema first.
func withSearchPath(dsn string, schema string) (string, error) {
	if !schemaNameRe.MatchString(schema) {
		return "", fmt.Errorf("invalid schema name %q", schema)
	}

	path := schema + ",public"
	if strings.Contains(dsn, "://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse dsn: %w", err)
		}
		q := u.Query()
		q.Set("search_path", path)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}

	return dsn + " search_path=" + path, nil
}
