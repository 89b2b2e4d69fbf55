package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
	_ "github.com/lib/pq"
	"github.com/warriorguo/agentflow/store"
)

var (
	_ store.Store = &pgStore{}
)

const tableName = "agentflow_store"

// Config holds PostgreSQL connection configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // disable, require, verify-ca, verify-full
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "agentflow",
		SSLMode:  "disable",
	}
}

const connectTimeout = 10 * time.Second

const (
	schemaSQL = `
		CREATE TABLE IF NOT EXISTS ` + tableName + ` (
			prefix VARCHAR(255) NOT NULL,
			key VARCHAR(255) NOT NULL,
			value BYTEA,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (prefix, key)
		);
		CREATE INDEX IF NOT EXISTS idx_` + tableName + `_prefix ON ` + tableName + `(prefix);`

	getSQL    = `SELECT value FROM ` + tableName + ` WHERE prefix = $1 AND key = $2`
	removeSQL = `DELETE FROM ` + tableName + ` WHERE prefix = $1 AND key = $2`
	listSQL   = `SELECT key FROM ` + tableName + ` WHERE prefix = $1 ORDER BY key`
	upsertSQL = `
		INSERT INTO ` + tableName + ` (prefix, key, value, updated_at)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
		ON CONFLICT (prefix, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = CURRENT_TIMESTAMP`
)

/**
 * pgStore keeps every agentflow record as one row keyed by (prefix, key):
 * execution snapshots under /execution/, the task records of a run under
 * /record/<execution id> and saved workflow definitions under /workflow/.
 * A snapshot is rewritten in place after every wave, so Set is an upsert.
 */
type pgStore struct {
	db *sql.DB
}

// NewPostgresStore opens, pings and migrates the store table
func NewPostgresStore(config *Config) (store.Store, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	db, err := sql.Open("postgres", config.DSN())
	if err != nil {
		return nil, errors.Annotatef(err, "open postgres %s:%d", config.Host, config.Port)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Annotatef(err, "ping postgres %s:%d", config.Host, config.Port)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, errors.Trace(err)
	}
	return &pgStore{db: db}, nil
}

// NewPostgresStoreWithDB reuses an existing database connection
func NewPostgresStoreWithDB(db *sql.DB) (store.Store, error) {
	if db == nil {
		return nil, errors.NotValidf("nil db")
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := migrate(ctx, db); err != nil {
		return nil, errors.Trace(err)
	}
	return &pgStore{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return errors.Annotatef(err, "create table %s", tableName)
	}
	return nil
}

// Get returns nil without error for a missing key, the runtime turns that
// into NotFound when it decodes the record.
func (p *pgStore) Get(ctx context.Context, prefix, key string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx, getSQL, prefix, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "get %s%s", prefix, key)
	}
	return value, nil
}

func (p *pgStore) Set(ctx context.Context, prefix, key string, value []byte) error {
	if _, err := p.db.ExecContext(ctx, upsertSQL, prefix, key, value); err != nil {
		return errors.Annotatef(err, "set %s%s", prefix, key)
	}
	return nil
}

func (p *pgStore) Remove(ctx context.Context, prefix, key string) error {
	if _, err := p.db.ExecContext(ctx, removeSQL, prefix, key); err != nil {
		return errors.Annotatef(err, "remove %s%s", prefix, key)
	}
	return nil
}

// List walks the keys of prefix in key order until iterator returns false.
func (p *pgStore) List(ctx context.Context, prefix string, iterator func(key string) bool) error {
	rows, err := p.db.QueryContext(ctx, listSQL, prefix)
	if err != nil {
		return errors.Annotatef(err, "list %s", prefix)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return errors.Annotatef(err, "scan key of %s", prefix)
		}
		if !iterator(key) {
			return nil
		}
	}
	return errors.Annotatef(rows.Err(), "list %s", prefix)
}

func (p *pgStore) Close() error {
	return errors.Trace(p.db.Close())
}

// DSN builds a PostgreSQL connection string from Config
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

var validSSLModes = map[string]bool{
	"disable":     true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// Validate checks the configuration, an empty SSLMode becomes "disable"
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.NotValidf("empty host")
	case c.Port <= 0 || c.Port > 65535:
		return errors.NotValidf("port %d", c.Port)
	case c.User == "":
		return errors.NotValidf("empty user")
	case c.Database == "":
		return errors.NotValidf("empty database")
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
	if !validSSLModes[c.SSLMode] {
		return errors.NotValidf("sslmode %s", c.SSLMode)
	}
	return nil
}

// ParseDSN parses a PostgreSQL connection string into a Config
// Format: "host=localhost port=5432 user=postgres password=secret dbname=agentflow sslmode=disable"
func ParseDSN(dsn string) (*Config, error) {
	config := DefaultConfig()

	for _, part := range strings.Fields(dsn) {
		key, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}

		switch key {
		case "host":
			config.Host = value
		case "port":
			var port int
			if _, err := fmt.Sscanf(value, "%d", &port); err == nil {
				config.Port = port
			}
		case "user":
			config.User = value
		case "password":
			config.Password = value
		case "dbname":
			config.Database = value
		case "sslmode":
			config.SSLMode = value
		}
	}

	return config, config.Validate()
}
