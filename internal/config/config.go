package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config defines the configuration shared by syncd and routeapid
type Config struct {
	Db struct {
		Driver          string `mapstructure:"driver"`
		Debug           bool   `mapstructure:"debug"`
		ConnectAttempts int    `mapstructure:"connect_attempts"`
		ConnectDelay    int    `mapstructure:"connect_delay"`
		Mysql           struct {
			User     string `mapstructure:"user"`
			Password string `mapstructure:"password"`
			Host     string `mapstructure:"host"`
			Database string `mapstructure:"database"`
		} `mapstructure:"mysql"`
		Postgres struct {
			Dsn    string `mapstructure:"dsn"`
			Schema string `mapstructure:"schema"`
		} `mapstructure:"postgres"`
		Sqlite struct {
			Path string `mapstructure:"path"`
		} `mapstructure:"sqlite"`
	} `mapstructure:"db"`
	Http struct {
		ConnectTimeout int     `mapstructure:"connect_timeout"`
		TotalTimeout   int     `mapstructure:"total_timeout"`
		MaxAttempts    int     `mapstructure:"max_attempts"`
		BackoffBase    float64 `mapstructure:"backoff_base"`
		Debug          bool    `mapstructure:"debug"`
	} `mapstructure:"http"`
	Auvo struct {
		Endpoint       string                 `mapstructure:"endpoint"`
		Apikey         string                 `mapstructure:"apikey"`
		Apitoken       string                 `mapstructure:"apitoken"`
		PageSize       int                    `mapstructure:"page_size"`
		Resources      []string               `mapstructure:"resources"`
		PageDelay      float64                `mapstructure:"page_delay"`
		Cooldown       float64                `mapstructure:"cooldown"`
		MaxCooldowns   int                    `mapstructure:"max_cooldowns"`
		FallbackFilter map[string]interface{} `mapstructure:"fallback_filter"`
		Debug          bool                   `mapstructure:"debug"`
	} `mapstructure:"auvo"`
	Etrac struct {
		Endpoint     string   `mapstructure:"endpoint"`
		User         string   `mapstructure:"user"`
		Key          string   `mapstructure:"key"`
		HistoryPaths []string `mapstructure:"history_paths"`
		LatestPaths  []string `mapstructure:"latest_paths"`
		Debug        bool     `mapstructure:"debug"`
	} `mapstructure:"etrac"`
	Routes struct {
		MinPoints int    `mapstructure:"min_points"`
		Timezone  string `mapstructure:"timezone"`
	} `mapstructure:"routes"`
	Jobs struct {
		DailyLockId    int64   `mapstructure:"daily_lock_id"`
		BackfillLockId int64   `mapstructure:"backfill_lock_id"`
		SyncLockId     int64   `mapstructure:"sync_lock_id"`
		LatestLockId   int64   `mapstructure:"latest_lock_id"`
		EntityDelay    float64 `mapstructure:"entity_delay"`
		Workers        int     `mapstructure:"workers"`
		DailyHour      int     `mapstructure:"daily_hour"`
		DailyMinute    int     `mapstructure:"daily_minute"`
		LatestInterval int     `mapstructure:"latest_interval"`
		RunAuvo        bool    `mapstructure:"run_auvo"`
		RunEtrac       bool    `mapstructure:"run_etrac"`
	} `mapstructure:"jobs"`
	Api struct {
		ServerName string `mapstructure:"server_name"`
		Listen     string `mapstructure:"listen"`
		BasicAuth  bool   `mapstructure:"basic_auth"`
		Users      []struct {
			User     string `mapstructure:"user"`
			Password string `mapstructure:"password"`
		} `mapstructure:"users"`
	} `mapstructure:"api"`
	Metrics struct {
		Listen string `mapstructure:"listen"`
	} `mapstructure:"metrics"`
}

// SetDefaults registers every default on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.connect_attempts", 10)
	v.SetDefault("db.connect_delay", 5)
	v.SetDefault("db.sqlite.path", "sync.db")

	v.SetDefault("http.connect_timeout", 10)
	v.SetDefault("http.total_timeout", 60)
	v.SetDefault("http.max_attempts", 4)
	v.SetDefault("http.backoff_base", 0.5)

	v.SetDefault("auvo.endpoint", "https://api.auvo.com.br/v2")
	v.SetDefault("auvo.page_size", 100)
	v.SetDefault("auvo.resources", []string{"users", "tasks", "customers"})
	v.SetDefault("auvo.page_delay", 0.2)
	v.SetDefault("auvo.cooldown", 5)
	v.SetDefault("auvo.max_cooldowns", 10)
	v.SetDefault("auvo.fallback_filter", map[string]interface{}{"externalId": ""})

	v.SetDefault("etrac.endpoint", "https://api.etrac.com.br/monitoramento")

	v.SetDefault("routes.min_points", 3)
	v.SetDefault("routes.timezone", "Local")

	v.SetDefault("jobs.daily_lock_id", 123456789)
	v.SetDefault("jobs.backfill_lock_id", 987654321)
	v.SetDefault("jobs.sync_lock_id", 555000111)
	v.SetDefault("jobs.latest_lock_id", 555000222)
	v.SetDefault("jobs.entity_delay", 0.2)
	v.SetDefault("jobs.workers", 1)
	v.SetDefault("jobs.daily_hour", 1)
	v.SetDefault("jobs.daily_minute", 5)
	v.SetDefault("jobs.latest_interval", 300)
	v.SetDefault("jobs.run_auvo", true)
	v.SetDefault("jobs.run_etrac", true)

	v.SetDefault("api.listen", ":8080")
	v.SetDefault("api.server_name", "sync-apis")
}

// Load reads .env, the optional config file and the environment into a
// Config. Environment keys are the config keys upper-cased with dots
// replaced by underscores (AUVO_APIKEY, DB_POSTGRES_DSN, ...).
func Load(v *viper.Viper, configFile string) (Config, error) {
	var cfg Config

	// .env is optional; real environment variables win
	_ = godotenv.Load()

	SetDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
	}

	if configFile != "" {
		_, err := os.Stat(configFile)
		if os.IsNotExist(err) {
			return cfg, fmt.Errorf("config file %s does not exist", configFile)
		}

		v.SetConfigFile(configFile)
		v.SetConfigType("json")
		err = v.ReadInConfig()
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		log.Printf("Loaded config file: %s", configFile)
	}

	err := v.Unmarshal(&cfg)
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// AutomaticEnv only resolves keys viper already knows about; credentials
// have no default so they are bound explicitly.
func bindEnv(v *viper.Viper) {
	keys := []string{
		"auvo.apikey", "auvo.apitoken",
		"etrac.user", "etrac.key",
		"db.postgres.dsn", "db.postgres.schema",
		"db.mysql.user", "db.mysql.password", "db.mysql.host", "db.mysql.database",
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
}

// Location resolves routes.timezone; an unknown name falls back to Local
func (c Config) Location() *time.Location {
	if c.Routes.Timezone == "" || c.Routes.Timezone == "Local" {
		return time.Local
	}

	loc, err := time.LoadLocation(c.Routes.Timezone)
	if err != nil {
		log.Printf("config: unknown timezone %s, using Local (%v)", c.Routes.Timezone, err)
		return time.Local
	}

	return loc
}

// Seconds converts a float seconds knob into a duration
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
