// Package store persists records in SQLite: one table per kind, one column
// per normalized field, and the nested document as JSON text.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/starford/verdant/internal/schema"
)

// DB wraps a sql.DB with record operations.
type DB struct {
	conn   *sql.DB
	reg    *schema.Registry
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (or creates) the SQLite database and brings every kind's table
// in line with its manifest.
func Open(dsn string, reg *schema.Registry, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	db := &DB{conn: conn, reg: reg, logger: logger, now: time.Now}
	if _, err := conn.Exec(importsDDL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: create imports table: %w", err)
	}
	for _, spec := range reg.Specs() {
		if err := db.migrate(spec); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return db, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) migrate(spec *schema.Spec) error {
	if _, err := db.conn.Exec(tableDDL(spec)); err != nil {
		return fmt.Errorf("store: create table %s: %w", spec.Table, err)
	}

	existing, err := db.columns(spec.Table)
	if err != nil {
		return err
	}
	for _, f := range spec.Normalized {
		if _, ok := existing[f.Name]; ok {
			continue
		}
		stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s`, spec.Table, columnDDL(f))
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("store: add column %s.%s: %w", spec.Table, f.Name, err)
		}
		db.logger.Info("store: added column", slog.String("table", spec.Table), slog.String("column", f.Name))
	}

	for _, stmt := range indexDDL(spec) {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("store: create index on %s: %w", spec.Table, err)
		}
	}
	return nil
}

func (db *DB) columns(table string) (map[string]struct{}, error) {
	rows, err := db.conn.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return nil, fmt.Errorf("store: table info %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var (
			cid         int
			name, typ   string
			notNull, pk int
			dflt        sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		out[name] = struct{}{}
	}
	return out, rows.Err()
}

func tableDDL(spec *schema.Spec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", spec.Table)
	b.WriteString("\tid         TEXT PRIMARY KEY,\n")
	b.WriteString("\towner_id   TEXT NOT NULL DEFAULT '',\n")
	for _, f := range spec.Normalized {
		fmt.Fprintf(&b, "\t%s,\n", columnDDL(f))
	}
	b.WriteString("\tdocument   TEXT NOT NULL DEFAULT '{}',\n")
	b.WriteString("\tcreated_at DATETIME NOT NULL,\n")
	b.WriteString("\tupdated_at DATETIME NOT NULL\n")
	b.WriteString(");")
	return b.String()
}

func columnDDL(f schema.Field) string {
	def := "[]"
	if f.Type == schema.FieldText {
		def = f.FieldDefault().(string)
	}
	return fmt.Sprintf("%s TEXT NOT NULL DEFAULT '%s'", f.Name, strings.ReplaceAll(def, "'", "''"))
}

func indexDDL(spec *schema.Spec) []string {
	out := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_owner ON %s(owner_id)`, spec.Table, spec.Table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_updated ON %s(updated_at)`, spec.Table, spec.Table),
	}
	for _, f := range spec.Normalized {
		if f.Type != schema.FieldText {
			continue
		}
		out = append(out, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s(%s)`, spec.Table, f.Name, spec.Table, f.Name))
	}
	return out
}
