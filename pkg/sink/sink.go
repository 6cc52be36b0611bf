// Package sink appends validated labels to the downstream relational
// label store.
package sink

import (
	"context"
	"database/sql"
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/atgraph/muncher/pkg/label"
)

var log = logging.Logger("sink")

// Row is one label row. Optional wire fields are already normalized:
// missing cid is empty, missing neg is false, missing exp is NULL.
type Row struct {
	Src string
	URI string
	CID string
	Val string
	Neg bool
	CTS string
	Exp *string
}

// RowFromLabel maps a validated wire label onto its database row. The
// signature and version are not stored.
func RowFromLabel(l *label.Label) *Row {
	row := &Row{
		Src: l.Src,
		URI: l.URI,
		Val: l.Val,
		Neg: l.Negated(),
		CTS: l.CTS,
		Exp: l.Exp,
	}
	if l.CID != nil {
		row.CID = *l.CID
	}
	return row
}

// Sink is an insert-only writer for the label table. It performs no
// deduplication; the downstream store tolerates replayed rows.
type Sink struct {
	db *sql.DB
}

// New creates a Sink over an open database handle. The handle's
// search_path determines the schema (see postgresdb.New).
func New(db *sql.DB) *Sink {
	return &Sink{db: db}
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS label (
	src TEXT NOT NULL,
	uri TEXT NOT NULL,
	cid TEXT NOT NULL DEFAULT '',
	val TEXT NOT NULL,
	neg BOOLEAN NOT NULL DEFAULT FALSE,
	cts TEXT NOT NULL,
	exp TEXT
)`

// Migrate creates the label table if it does not exist.
func (s *Sink) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createTableSQL); err != nil {
		return fmt.Errorf("creating label table: %w", err)
	}
	return nil
}

const insertSQL = `INSERT INTO label (src, uri, cid, val, neg, cts, exp) VALUES ($1, $2, $3, $4, $5, $6, $7)`

// Insert appends one row.
func (s *Sink) Insert(ctx context.Context, row *Row) error {
	_, err := s.db.ExecContext(ctx, insertSQL,
		row.Src, row.URI, row.CID, row.Val, row.Neg, row.CTS, row.Exp)
	if err != nil {
		return fmt.Errorf("inserting label row: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Sink) Close() error {
	log.Debug("closing label store")
	return s.db.Close()
}
