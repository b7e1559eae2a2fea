// Package config loads skillchain process configuration from an optional
// YAML file and SKILLCHAIN_* environment variables. Environment variables
// win over the file, and the file wins over defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/ftrueblood1015/skillchain/chain/model"
	"github.com/ftrueblood1015/skillchain/chain/session"
	"github.com/ftrueblood1015/skillchain/chain/store"
	"github.com/ftrueblood1015/skillchain/internal/env"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StoreMySQL    = "mysql"
	StorePostgres = "postgres"
)

// Session backends.
const (
	SessionNone   = "none"
	SessionMemory = "memory"
	SessionBadger = "badger"
	SessionObject = "object"
)

// Emitters.
const (
	EmitterNull = "null"
	EmitterLog  = "log"
	EmitterSlog = "slog"
	EmitterOTel = "otel"
)

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Session   SessionConfig   `yaml:"session"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

type StoreConfig struct {
	Backend    string         `yaml:"backend"`
	SQLitePath string         `yaml:"sqlite_path"`
	MySQLDSN   string         `yaml:"mysql_dsn"`
	Postgres   PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	URL             string        `yaml:"url"`
	PingTimeout     time.Duration `yaml:"ping_timeout"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

type SessionConfig struct {
	Backend   string       `yaml:"backend"`
	BadgerDir string       `yaml:"badger_dir"`
	Object    ObjectConfig `yaml:"object"`

	// Defaults apply to every execution that does not override them.
	Defaults model.SessionOptions `yaml:"defaults"`
}

type ObjectConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

type TelemetryConfig struct {
	// Emitters lists the event sinks: null, log, slog, otel.
	Emitters []string `yaml:"emitters"`
	// JSONEvents switches the log emitter to JSON lines.
	JSONEvents bool `yaml:"json_events"`
	Metrics    bool `yaml:"metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is set: in-memory
// stores, no session backend and slog events.
func Default() Config {
	pg := store.DefaultPostgresConfig("")
	return Config{
		Store: StoreConfig{
			Backend:    StoreMemory,
			SQLitePath: "skillchain.db",
			Postgres: PostgresConfig{
				PingTimeout:     pg.PingTimeout,
				MaxOpenConns:    pg.MaxOpenConns,
				MaxIdleConns:    pg.MaxIdleConns,
				ConnMaxLifetime: pg.ConnMaxLifetime,
				ConnMaxIdleTime: pg.ConnMaxIdleTime,
			},
		},
		Session: SessionConfig{
			Backend: SessionNone,
			Object:  ObjectConfig{Region: "us-east-1", Prefix: "sessions/"},
		},
		Telemetry: TelemetryConfig{Emitters: []string{EmitterSlog}},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path (optional), applies environment overrides and validates
// the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.merge(data); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// merge overlays the non-zero fields of a YAML document onto cfg.
func (c *Config) merge(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var file Config
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse: %w", err)
	}
	if err := mergo.Merge(c, file, mergo.WithOverride); err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error
	c.Store.Backend = env.String("SKILLCHAIN_STORE_BACKEND", c.Store.Backend)
	c.Store.SQLitePath = env.String("SKILLCHAIN_SQLITE_PATH", c.Store.SQLitePath)
	c.Store.MySQLDSN = env.String("SKILLCHAIN_MYSQL_DSN", c.Store.MySQLDSN)

	pg := &c.Store.Postgres
	pg.URL = env.String("SKILLCHAIN_POSTGRES_URL", pg.URL)
	if pg.PingTimeout, err = env.Duration("SKILLCHAIN_POSTGRES_PING_TIMEOUT", pg.PingTimeout); err != nil {
		return err
	}
	if pg.MaxOpenConns, err = env.Int("SKILLCHAIN_POSTGRES_MAX_OPEN_CONNS", pg.MaxOpenConns); err != nil {
		return err
	}
	if pg.MaxIdleConns, err = env.Int("SKILLCHAIN_POSTGRES_MAX_IDLE_CONNS", pg.MaxIdleConns); err != nil {
		return err
	}
	if pg.ConnMaxLifetime, err = env.Duration("SKILLCHAIN_POSTGRES_CONN_MAX_LIFETIME", pg.ConnMaxLifetime); err != nil {
		return err
	}
	if pg.ConnMaxIdleTime, err = env.Duration("SKILLCHAIN_POSTGRES_CONN_MAX_IDLE_TIME", pg.ConnMaxIdleTime); err != nil {
		return err
	}

	s := &c.Session
	s.Backend = env.String("SKILLCHAIN_SESSION_BACKEND", s.Backend)
	s.BadgerDir = env.String("SKILLCHAIN_BADGER_DIR", s.BadgerDir)
	s.Object.Endpoint = env.String("SKILLCHAIN_OBJECT_ENDPOINT", s.Object.Endpoint)
	s.Object.AccessKey = env.String("SKILLCHAIN_OBJECT_ACCESS_KEY", s.Object.AccessKey)
	s.Object.SecretKey = env.String("SKILLCHAIN_OBJECT_SECRET_KEY", s.Object.SecretKey)
	s.Object.Region = env.String("SKILLCHAIN_OBJECT_REGION", s.Object.Region)
	s.Object.Bucket = env.String("SKILLCHAIN_OBJECT_BUCKET", s.Object.Bucket)
	s.Object.Prefix = env.String("SKILLCHAIN_OBJECT_PREFIX", s.Object.Prefix)
	if s.Object.UseSSL, err = env.Bool("SKILLCHAIN_OBJECT_USE_SSL", s.Object.UseSSL); err != nil {
		return err
	}
	if s.Defaults.Enabled, err = env.Bool("SKILLCHAIN_SESSION_ENABLED", s.Defaults.Enabled); err != nil {
		return err
	}
	if s.Defaults.TTLHours, err = env.Int("SKILLCHAIN_SESSION_TTL_HOURS", s.Defaults.TTLHours); err != nil {
		return err
	}

	t := &c.Telemetry
	t.Emitters = env.CSV("SKILLCHAIN_EMITTERS", t.Emitters)
	if t.JSONEvents, err = env.Bool("SKILLCHAIN_JSON_EVENTS", t.JSONEvents); err != nil {
		return err
	}
	if t.Metrics, err = env.Bool("SKILLCHAIN_METRICS", t.Metrics); err != nil {
		return err
	}

	c.Log.Level = env.String("SKILLCHAIN_LOG_LEVEL", c.Log.Level)
	c.Log.Format = env.String("SKILLCHAIN_LOG_FORMAT", c.Log.Format)
	return nil
}

// Validate checks every section and reports all problems together.
func (c Config) Validate() error {
	return errors.Join(
		c.Store.Validate(),
		c.Session.Validate(),
		c.Telemetry.Validate(),
		c.Log.Validate(),
	)
}

func (c StoreConfig) Validate() error {
	switch strings.ToLower(c.Backend) {
	case StoreMemory:
		return nil
	case StoreSQLite:
		if c.SQLitePath == "" {
			return errors.New("store: sqlite_path is required for the sqlite backend")
		}
		return nil
	case StoreMySQL:
		if c.MySQLDSN == "" {
			return errors.New("store: mysql_dsn is required for the mysql backend")
		}
		return nil
	case StorePostgres:
		if err := c.PostgresStoreConfig().Validate(); err != nil {
			return fmt.Errorf("store: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("store: unknown backend %q", c.Backend)
	}
}

// PostgresStoreConfig converts the section to the store's pool settings.
func (c StoreConfig) PostgresStoreConfig() store.PostgresConfig {
	return store.PostgresConfig{
		URL:             c.Postgres.URL,
		PingTimeout:     c.Postgres.PingTimeout,
		MaxOpenConns:    c.Postgres.MaxOpenConns,
		MaxIdleConns:    c.Postgres.MaxIdleConns,
		ConnMaxLifetime: c.Postgres.ConnMaxLifetime,
		ConnMaxIdleTime: c.Postgres.ConnMaxIdleTime,
	}
}

func (c SessionConfig) Validate() error {
	if c.Defaults.TTLHours < 0 {
		return errors.New("session: defaults.ttl_hours must be >= 0")
	}
	switch strings.ToLower(c.Backend) {
	case SessionNone, SessionMemory, SessionBadger:
		return nil
	case SessionObject:
		if err := c.ObjectStoreConfig().Validate(); err != nil {
			return fmt.Errorf("session: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("session: unknown backend %q", c.Backend)
	}
}

// ObjectStoreConfig converts the section to the object store settings.
func (c SessionConfig) ObjectStoreConfig() session.ObjectConfig {
	return session.ObjectConfig{
		Endpoint:  c.Object.Endpoint,
		AccessKey: c.Object.AccessKey,
		SecretKey: c.Object.SecretKey,
		Region:    c.Object.Region,
		UseSSL:    c.Object.UseSSL,
		Bucket:    c.Object.Bucket,
		Prefix:    c.Object.Prefix,
	}
}

func (c TelemetryConfig) Validate() error {
	for _, e := range c.Emitters {
		switch strings.ToLower(e) {
		case EmitterNull, EmitterLog, EmitterSlog, EmitterOTel:
		default:
			return fmt.Errorf("telemetry: unknown emitter %q", e)
		}
	}
	return nil
}

func (c LogConfig) Validate() error {
	if _, err := c.SlogLevel(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	switch strings.ToLower(c.Format) {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("log: unknown format %q", c.Format)
	}
}

// SlogLevel parses Level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return 0, err
	}
	return level, nil
}
