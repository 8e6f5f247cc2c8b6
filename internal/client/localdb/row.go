package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/and161185/lexsync/internal/errs"
	"github.com/and161185/lexsync/internal/tables"
)

// Row is one local row in the generic shape.
type Row struct {
	ID        int64
	UUID      string // empty until the row is first synced or an identifier is ensured
	Data      map[string]any
	Parents   map[string]sql.NullInt64 // keyed by relation column, e.g. "matter_id"
	Deleted   bool
	Revision  int64
	CreatedAt string
	UpdatedAt string
}

func selectList(t tables.Table) string {
	cols := []string{"id", "uuid", "data"}
	for _, r := range t.Relations {
		cols = append(cols, Quote(r.Column))
	}
	cols = append(cols, "is_deleted", "revision", "created_at", "updated_at")
	return strings.Join(cols, ", ")
}

type scanner interface{ Scan(dest ...any) error }

func scanRow(s scanner, t tables.Table) (Row, error) {
	var (
		r       Row
		uuid    sql.NullString
		data    string
		created sql.NullString
		updated sql.NullString
		deleted int64
	)
	parentCols := make([]sql.NullInt64, len(t.Relations))
	dest := []any{&r.ID, &uuid, &data}
	for i := range parentCols {
		dest = append(dest, &parentCols[i])
	}
	dest = append(dest, &deleted, &r.Revision, &created, &updated)
	if err := s.Scan(dest...); err != nil {
		return Row{}, err
	}
	obj, err := tables.DecodeObject([]byte(data))
	if err != nil {
		return Row{}, fmt.Errorf("%s row %d: %w", t.Name, r.ID, err)
	}
	r.UUID, r.Data, r.Deleted = uuid.String, obj, deleted != 0
	r.CreatedAt, r.UpdatedAt = created.String, updated.String
	r.Parents = make(map[string]sql.NullInt64, len(t.Relations))
	for i, rel := range t.Relations {
		r.Parents[rel.Column] = parentCols[i]
	}
	return r, nil
}

// GetRow loads one row by local id.
func GetRow(ctx context.Context, q Querier, t tables.Table, id int64) (Row, error) {
	row := q.QueryRowContext(ctx, `SELECT `+selectList(t)+` FROM `+Quote(t.Name)+` WHERE id = ?`, id)
	r, err := scanRow(row, t)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, errs.ErrNotFound
	}
	return r, err
}

// ListRows returns the rows of t in local id order.
func ListRows(ctx context.Context, q Querier, t tables.Table, includeDeleted bool) ([]Row, error) {
	query := `SELECT ` + selectList(t) + ` FROM ` + Quote(t.Name)
	if !includeDeleted {
		query += ` WHERE is_deleted = 0`
	}
	rows, err := q.QueryContext(ctx, query+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", t.Name, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows, t)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
