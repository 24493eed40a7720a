package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/starford/verdant/internal/models"
)

const importsDDL = `
CREATE TABLE IF NOT EXISTS imports (
	source     TEXT PRIMARY KEY,
	kind       TEXT NOT NULL,
	record_id  TEXT NOT NULL,
	checksum   TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// ImportRow tracks which record a content file produced and the checksum it
// had when last applied.
type ImportRow struct {
	Source   string
	Kind     models.Kind
	RecordID string
	Checksum string
}

// GetImport returns the import row for source, or nil if it was never applied.
func (db *DB) GetImport(ctx context.Context, source string) (*ImportRow, error) {
	var r ImportRow
	err := db.conn.QueryRowContext(ctx,
		`SELECT source, kind, record_id, checksum FROM imports WHERE source = ?`, source).
		Scan(&r.Source, &r.Kind, &r.RecordID, &r.Checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get import: %w", err)
	}
	return &r, nil
}

// PutImport records that source was applied.
func (db *DB) PutImport(ctx context.Context, r ImportRow) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO imports (source, kind, record_id, checksum, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			kind       = excluded.kind,
			record_id  = excluded.record_id,
			checksum   = excluded.checksum,
			updated_at = excluded.updated_at
	`, r.Source, string(r.Kind), r.RecordID, r.Checksum, db.now().UTC())
	if err != nil {
		return fmt.Errorf("store: put import: %w", err)
	}
	return nil
}

// DeleteImport forgets source. The record it produced is kept.
func (db *DB) DeleteImport(ctx context.Context, source string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM imports WHERE source = ?`, source); err != nil {
		return fmt.Errorf("store: delete import: %w", err)
	}
	return nil
}

// ImportSources returns every tracked source path.
func (db *DB) ImportSources(ctx context.Context) (map[string]struct{}, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT source FROM imports`)
	if err != nil {
		return nil, fmt.Errorf("store: import sources: %w", err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out[s] = struct{}{}
	}
	return out, rows.Err()
}
