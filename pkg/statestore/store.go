// Package statestore keeps the muncher's durable local state: one cursor
// per publisher and the 24 h identity and service-record caches.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atgraph/muncher/pkg/database/sqlitedb"
)

var log = logging.Logger("statestore")

// DefaultTTL is how long cached identity and service entries stay valid.
const DefaultTTL = 24 * time.Hour

// Identity is a cached identity resolution.
type Identity struct {
	SigningKey string
	Endpoint   string
}

// Store is the local embedded state store. Logical operations are
// individually atomic; the mutex serializes the handle across the
// publisher connections and the change watcher.
type Store struct {
	mu  sync.Mutex
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

// Open opens (creating if necessary) the state store at path.
func Open(path string) (*Store, error) {
	db, err := sqlitedb.New(path)
	if err != nil {
		return nil, err
	}
	return newStore(db)
}

// OpenMemory opens an in-memory store, used by tests.
func OpenMemory() (*Store, error) {
	db, err := sqlitedb.NewMemory()
	if err != nil {
		return nil, err
	}
	return newStore(db)
}

func newStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&LabelerCursor{}, &IdentityEntry{}, &ServiceEntry{}); err != nil {
		return nil, fmt.Errorf("migrating state store: %w", err)
	}
	return &Store{db: db, ttl: DefaultTTL, now: time.Now}, nil
}

// GetCursor returns the persisted cursor for did, or 0 if none exists.
func (s *Store) GetCursor(ctx context.Context, did string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cur LabelerCursor
	err := s.db.WithContext(ctx).Where("did = ?", did).First(&cur).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading cursor for %s: %w", did, err)
	}
	return cur.Seq, nil
}

// SetCursor persists seq as the cursor for did. The stored cursor never
// decreases: a smaller seq is ignored.
func (s *Store) SetCursor(ctx context.Context, did string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "did"}},
		DoUpdates: clause.Assignments(map[string]any{
			"seq": gorm.Expr("MAX(seq, excluded.seq)"),
		}),
	}).Create(&LabelerCursor{DID: did, Seq: seq}).Error
	if err != nil {
		return fmt.Errorf("persisting cursor for %s: %w", did, err)
	}
	return nil
}

// GetIdentity returns the cached identity for did, or nil on miss.
// Entries older than the TTL are deleted and reported as a miss.
func (s *Store) GetIdentity(ctx context.Context, did string) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ent IdentityEntry
	err := s.db.WithContext(ctx).Where("did = ?", did).First(&ent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading identity cache for %s: %w", did, err)
	}
	if s.expired(ent.CachedAt) {
		if err := s.db.WithContext(ctx).Delete(&IdentityEntry{}, "did = ?", did).Error; err != nil {
			return nil, fmt.Errorf("expiring identity cache for %s: %w", did, err)
		}
		return nil, nil
	}
	return &Identity{SigningKey: ent.SigningKey, Endpoint: ent.Endpoint}, nil
}

// SetIdentity upserts the cached identity for did.
func (s *Store) SetIdentity(ctx context.Context, did string, ident Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent := IdentityEntry{
		DID:        did,
		SigningKey: ident.SigningKey,
		Endpoint:   ident.Endpoint,
		CachedAt:   s.now().UnixMilli(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}},
		UpdateAll: true,
	}).Create(&ent).Error
	if err != nil {
		return fmt.Errorf("persisting identity cache for %s: %w", did, err)
	}
	return nil
}

// GetService returns the cached declared label values for did, or
// (nil, false) on miss. A force-expired entry (cached_at = 0) is a miss.
func (s *Store) GetService(ctx context.Context, did string) ([]string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ent ServiceEntry
	err := s.db.WithContext(ctx).Where("did = ?", did).First(&ent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading service cache for %s: %w", did, err)
	}
	if ent.CachedAt == 0 || s.expired(ent.CachedAt) {
		if err := s.db.WithContext(ctx).Delete(&ServiceEntry{}, "did = ?", did).Error; err != nil {
			return nil, false, fmt.Errorf("expiring service cache for %s: %w", did, err)
		}
		return nil, false, nil
	}
	return []string(ent.Values), true, nil
}

// SetService upserts the cached declared label values for did.
func (s *Store) SetService(ctx context.Context, did string, values []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent := ServiceEntry{
		DID:      did,
		Values:   values,
		CachedAt: s.now().UnixMilli(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}},
		UpdateAll: true,
	}).Create(&ent).Error
	if err != nil {
		return fmt.Errorf("persisting service cache for %s: %w", did, err)
	}
	return nil
}

// InvalidateService force-expires the service cache entry for did, so the
// next read is a miss. A missing entry is not an error.
func (s *Store) InvalidateService(ctx context.Context, did string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent := ServiceEntry{DID: did, Values: nil, CachedAt: 0}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}},
		UpdateAll: true,
	}).Create(&ent).Error
	if err != nil {
		return fmt.Errorf("invalidating service cache for %s: %w", did, err)
	}
	log.Debugw("service cache invalidated", "did", did)
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) expired(cachedAt int64) bool {
	age := s.now().Sub(time.UnixMilli(cachedAt))
	return age > s.ttl
}
