package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/starford/verdant/internal/apperr"
	"github.com/starford/verdant/internal/models"
	"github.com/starford/verdant/internal/recordservice"
	"github.com/starford/verdant/internal/schema"
)

var _ recordservice.RecordStore = (*DB)(nil)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func selectColumns(spec *schema.Spec) string {
	cols := []string{"id", "owner_id"}
	for _, f := range spec.Normalized {
		cols = append(cols, f.Name)
	}
	cols = append(cols, "document", "created_at", "updated_at")
	return strings.Join(cols, ", ")
}

func (db *DB) scan(spec *schema.Spec, s rowScanner) (*models.Record, error) {
	var (
		id, owner, doc       string
		createdAt, updatedAt time.Time
	)
	raw := make([]string, len(spec.Normalized))
	dest := []any{&id, &owner}
	for i := range raw {
		dest = append(dest, &raw[i])
	}
	dest = append(dest, &doc, &createdAt, &updatedAt)
	if err := s.Scan(dest...); err != nil {
		return nil, err
	}

	rec := &models.Record{
		ID:        id,
		Kind:      spec.Kind,
		OwnerID:   owner,
		Fields:    make(map[string]any, len(spec.Normalized)),
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
	for i, f := range spec.Normalized {
		rec.Fields[f.Name] = db.decodeField(spec, id, f, raw[i])
	}
	if err := json.Unmarshal([]byte(doc), &rec.Document); err != nil {
		// Left nil: the reconciler degrades it to placeholders.
		db.logger.Warn("store: malformed document",
			slog.String("kind", string(spec.Kind)),
			slog.String("id", id),
			slog.String("error", err.Error()))
		rec.Document = nil
	}
	return rec, nil
}

func (db *DB) decodeField(spec *schema.Spec, id string, f schema.Field, raw string) any {
	if f.Type == schema.FieldText {
		return raw
	}
	var list []any
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		db.logger.Warn("store: malformed list column",
			slog.String("kind", string(spec.Kind)),
			slog.String("id", id),
			slog.String("column", f.Name),
			slog.String("error", err.Error()))
		return []any{}
	}
	return list
}

// encodeField converts a normalized value to its column text.
func encodeField(f schema.Field, v any) (string, error) {
	cv, err := f.Coerce(v)
	if err != nil {
		return "", err
	}
	if f.Type == schema.FieldText {
		return cv.(string), nil
	}
	out, err := json.Marshal(cv)
	if err != nil {
		return "", fmt.Errorf("store: encode %s: %w", f.Name, err)
	}
	return string(out), nil
}

// Fetch loads a stored record as-is, without reconciliation.
func (db *DB) Fetch(ctx context.Context, kind models.Kind, id string) (*models.Record, error) {
	spec, err := db.reg.Spec(kind)
	if err != nil {
		return nil, err
	}
	row := db.conn.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, selectColumns(spec), spec.Table), id)
	rec, err := db.scan(spec, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %q", apperr.ErrNotFound, kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: fetch %s %q: %w", kind, id, err)
	}
	return rec, nil
}

// Insert stores a new record. Every normalized column is written; missing
// values take their placeholder.
func (db *DB) Insert(ctx context.Context, rec models.Record) (*models.Record, error) {
	spec, err := db.reg.Spec(rec.Kind)
	if err != nil {
		return nil, err
	}
	doc, err := encodeDocument(rec.Document)
	if err != nil {
		return nil, err
	}

	cols := []string{"id", "owner_id"}
	args := []any{rec.ID, rec.OwnerID}
	for _, f := range spec.Normalized {
		v, err := encodeField(f, rec.Fields[f.Name])
		if err != nil {
			return nil, err
		}
		cols = append(cols, f.Name)
		args = append(args, v)
	}
	now := db.now().UTC()
	cols = append(cols, "document", "created_at", "updated_at")
	args = append(args, doc, now, now)

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		spec.Table, strings.Join(cols, ", "), placeholders(len(cols)))
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return nil, fmt.Errorf("%w: %s %q", apperr.ErrAlreadyExists, rec.Kind, rec.ID)
		}
		return nil, fmt.Errorf("store: insert %s: %w", rec.Kind, err)
	}
	out, err := db.scan(spec, tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, selectColumns(spec), spec.Table), rec.ID))
	if err != nil {
		return nil, fmt.Errorf("store: read back %s %q: %w", rec.Kind, rec.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return out, nil
}

// Persist writes the given normalized fields and, when document is non-nil,
// replaces the document, all in one row update. updated_at is refreshed.
// The stored row is returned.
func (db *DB) Persist(ctx context.Context, kind models.Kind, id string, normalized, document map[string]any) (*models.Record, error) {
	spec, err := db.reg.Spec(kind)
	if err != nil {
		return nil, err
	}

	var sets []string
	var args []any
	for _, f := range spec.Normalized {
		v, ok := normalized[f.Name]
		if !ok {
			continue
		}
		enc, err := encodeField(f, v)
		if err != nil {
			return nil, err
		}
		sets = append(sets, f.Name+" = ?")
		args = append(args, enc)
	}
	for k := range normalized {
		if _, ok := spec.Field(k); !ok {
			return nil, fmt.Errorf("%w: %q is not a normalized field of %s", apperr.ErrInvalidInput, k, kind)
		}
	}
	if document != nil {
		doc, err := encodeDocument(document)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "document = ?")
		args = append(args, doc)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, db.now().UTC(), id)

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, spec.Table, strings.Join(sets, ", ")), args...)
	if err != nil {
		return nil, fmt.Errorf("store: update %s %q: %w", kind, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %s %q", apperr.ErrNotFound, kind, id)
	}
	out, err := db.scan(spec, tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, selectColumns(spec), spec.Table), id))
	if err != nil {
		return nil, fmt.Errorf("store: read back %s %q: %w", kind, id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return out, nil
}

// Delete removes a record.
func (db *DB) Delete(ctx context.Context, kind models.Kind, id string) error {
	spec, err := db.reg.Spec(kind)
	if err != nil {
		return err
	}
	res, err := db.conn.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, spec.Table), id)
	if err != nil {
		return fmt.Errorf("store: delete %s %q: %w", kind, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s %q", apperr.ErrNotFound, kind, id)
	}
	return nil
}

// likeEscaper makes %, _ and \ match literally in a LIKE ... ESCAPE '\'
// pattern.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SortKeys lists the columns a listing may be ordered by.
func SortKeys(spec *schema.Spec) []string {
	keys := []string{"updated_at", "created_at"}
	for _, f := range spec.Normalized {
		if f.Type == schema.FieldText {
			keys = append(keys, f.Name)
		}
	}
	return keys
}

// List returns one page of records and the total count matching q.
func (db *DB) List(ctx context.Context, kind models.Kind, q models.ListQuery) ([]models.Record, int, error) {
	spec, err := db.reg.Spec(kind)
	if err != nil {
		return nil, 0, err
	}
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	order := "updated_at DESC"
	if q.Sort != "" {
		valid := false
		for _, k := range SortKeys(spec) {
			if k == q.Sort {
				valid = true
				break
			}
		}
		if !valid {
			return nil, 0, fmt.Errorf("%w: cannot sort %s by %q", apperr.ErrInvalidInput, kind, q.Sort)
		}
		order = q.Sort
		if q.Sort == "updated_at" || q.Sort == "created_at" {
			order += " DESC"
		}
	}

	var conds []string
	var args []any
	if q.OwnerID != "" {
		conds = append(conds, "owner_id = ?")
		args = append(args, q.OwnerID)
	}
	if q.Query != "" {
		like := "%" + likeEscaper.Replace(q.Query) + "%"
		var ors []string
		for _, f := range spec.Normalized {
			ors = append(ors, f.Name+` LIKE ? ESCAPE '\'`)
			args = append(args, like)
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := db.conn.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %s %s`, spec.Table, where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count %s: %w", kind, err)
	}

	rows, err := db.conn.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY %s, id LIMIT ? OFFSET ?`, selectColumns(spec), spec.Table, where, order),
		append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		rec, err := db.scan(spec, rows)
		if err != nil {
			return nil, 0, fmt.Errorf("store: scan %s: %w", kind, err)
		}
		out = append(out, *rec)
	}
	return out, total, rows.Err()
}

func encodeDocument(doc map[string]any) (string, error) {
	if doc == nil {
		return "{}", nil
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("%w: document is not JSON-encodable: %v", apperr.ErrInvalidInput, err)
	}
	return string(out), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
