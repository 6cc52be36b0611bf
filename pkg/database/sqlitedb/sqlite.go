// Package sqlitedb opens the local sqlite database backing the muncher's
// durable state.
package sqlitedb

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Options configures the sqlite connection pragmas.
type Options struct {
	// JournalMode is the sqlite journal mode. WAL keeps readers and the
	// single writer from blocking each other.
	JournalMode string
	// BusyTimeout is how long a connection waits on a locked database.
	BusyTimeout time.Duration
}

// Option is a functional option for sqlite connections.
type Option func(*Options)

// WithJournalMode sets the journal mode pragma.
func WithJournalMode(mode string) Option {
	return func(o *Options) {
		o.JournalMode = mode
	}
}

// WithBusyTimeout sets the busy_timeout pragma.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.BusyTimeout = d
	}
}

// New opens (creating if necessary) the sqlite database at path.
func New(path string, opts ...Option) (*gorm.DB, error) {
	cfg := &Options{
		JournalMode: "WAL",
		BusyTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating state directory: %w", err)
		}
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	q.Add("_pragma", fmt.Sprintf("journal_mode(%s)", cfg.JournalMode))
	dsn := fmt.Sprintf("%s?%s", path, q.Encode())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database at %s: %w", path, err)
	}
	return db, nil
}

// NewMemory opens an in-memory database, used by tests.
func NewMemory() (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening in-memory sqlite database: %w", err)
	}
	return db, nil
}
