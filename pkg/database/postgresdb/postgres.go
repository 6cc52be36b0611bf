// Package postgresdb opens the downstream relational store holding the
// label table.
package postgresdb

import (
	"database/sql"
	"fmt"
	"net/url"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var log = logging.Logger("database")

// DefaultSchema is the schema namespace the label table lives in.
const DefaultSchema = "bsky"

const (
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
)

// Options configures the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Option is a functional option for the connection pool.
type Option func(*Options)

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) Option {
	return func(o *Options) {
		o.MaxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections.
func WithMaxIdleConns(n int) Option {
	return func(o *Options) {
		o.MaxIdleConns = n
	}
}

// WithConnMaxLifetime sets the maximum connection lifetime.
func WithConnMaxLifetime(d time.Duration) Option {
	return func(o *Options) {
		o.ConnMaxLifetime = d
	}
}

// New connects to postgres at connURL and pins the session search_path to
// the given schema, creating the schema if it does not exist. The schema
// keeps the label table out of the downstream application's default
// namespace; 'public' stays on the search_path so built-in functions
// remain reachable.
func New(connURL string, schema string, opts ...Option) (*sql.DB, error) {
	cfg := &Options{
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	dsn := connURL
	if schema != "" {
		u, err := url.Parse(connURL)
		if err != nil {
			return nil, fmt.Errorf("parsing connection URL: %w", err)
		}
		q := u.Query()
		q.Set("search_path", fmt.Sprintf("%s,public", schema))
		u.RawQuery = q.Encode()
		dsn = u.String()
	}

	log.Infow("connecting to postgres", "schema", schema)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	if schema != "" {
		if _, err := db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema %s: %w", schema, err)
		}
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}
