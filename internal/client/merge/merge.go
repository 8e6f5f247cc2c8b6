// Package merge applies authoritative server changes to the local replica,
// translating parent references from record ids to local integer keys.
package merge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/lexsync/internal/client/localdb"
	"github.com/and161185/lexsync/internal/client/outbox"
	"github.com/and161185/lexsync/internal/errs"
	"github.com/and161185/lexsync/internal/model"
	"github.com/and161185/lexsync/internal/tables"
)

// DefaultMaxDrops is how many cycles a change with a missing parent is dropped
// before it is applied with a NULL reference.
const DefaultMaxDrops = 3

// Result summarizes one Apply.
type Result struct {
	Applied  int
	Skipped  int // unknown table, unsent local edits, or already newer locally
	Deferred int // needed the second pass
	Dropped  int // parent still missing; cursor held below it
	Forced   int // applied with a NULL reference after DefaultMaxDrops
	Cursor   int64
}

// Engine merges change batches. It holds no state between batches.
type Engine struct {
	log      *zap.Logger
	maxDrops int
}

// New returns an engine. log may be nil.
func New(log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{log: log, maxDrops: DefaultMaxDrops}
}

// idMaps caches record id → local id per table, loaded on first use.
type idMaps struct {
	q localdb.Querier
	m map[string]map[string]int64
}

func (ids *idMaps) load(ctx context.Context, table string) (map[string]int64, error) {
	if m, ok := ids.m[table]; ok {
		return m, nil
	}
	rows, err := ids.q.QueryContext(ctx, `SELECT uuid, id FROM `+localdb.Quote(table)+` WHERE uuid IS NOT NULL AND uuid <> ''`)
	if err != nil {
		return nil, fmt.Errorf("load %s ids: %w", table, err)
	}
	defer rows.Close()
	m := map[string]int64{}
	for rows.Next() {
		var (
			rid string
			id  int64
		)
		if err := rows.Scan(&rid, &id); err != nil {
			return nil, err
		}
		m[rid] = id
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	ids.m[table] = m
	return m, nil
}

func (ids *idMaps) get(ctx context.Context, table, rid string) (int64, bool, error) {
	m, err := ids.load(ctx, table)
	if err != nil {
		return 0, false, err
	}
	id, ok := m[rid]
	return id, ok, nil
}

func (ids *idMaps) put(table, rid string, id int64) {
	if m, ok := ids.m[table]; ok {
		m[rid] = id
	}
}

// decoded is a change with its payload split into row data and parent refs.
type decoded struct {
	change model.Change
	table  tables.Table
	data   map[string]any
	refs   map[string]string // relation column → parent record id ("" for none)
}

func decode(c model.Change, t tables.Table) (decoded, error) {
	obj, err := tables.DecodeObject(c.Data)
	if err != nil {
		return decoded{}, err
	}
	d := decoded{change: c, table: t, data: obj, refs: make(map[string]string, len(t.Relations))}
	for _, rel := range t.Relations {
		v, ok := obj[rel.Field]
		delete(obj, rel.Field)
		s, _ := v.(string)
		if ok {
			d.refs[rel.Column] = strings.TrimSpace(s)
		} else {
			d.refs[rel.Column] = ""
		}
	}
	for k := range obj {
		if tables.IsSystemField(k) {
			delete(obj, k)
		}
	}
	return d, nil
}

// resolve maps parent refs to local ids. Unresolvable refs are returned in
// missing; with lenient set they become NULL instead.
func (e *Engine) resolve(ctx context.Context, ids *idMaps, d decoded) (map[string]sql.NullInt64, []string, error) {
	out := make(map[string]sql.NullInt64, len(d.table.Relations))
	var missing []string
	for _, rel := range d.table.Relations {
		ref := d.refs[rel.Column]
		if ref == "" {
			out[rel.Column] = sql.NullInt64{}
			continue
		}
		id, ok, err := ids.get(ctx, rel.Parent, ref)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			out[rel.Column] = sql.NullInt64{}
			missing = append(missing, rel.Field+"="+ref)
			continue
		}
		out[rel.Column] = sql.NullInt64{Int64: id, Valid: true}
	}
	return out, missing, nil
}

// Apply merges changes inside tx and writes the resulting cursor in the same
// transaction. cursor is the value the request was sent with; newRevision is
// the server's new_revision.
func (e *Engine) Apply(ctx context.Context, tx *sql.Tx, changes []model.Change, cursor, newRevision int64) (Result, error) {
	var res Result
	ids := &idMaps{q: tx, m: map[string]map[string]int64{}}
	pending, err := outbox.PendingRecordIDs(ctx, tx)
	if err != nil {
		return Result{}, err
	}

	var deferred []decoded
	for _, c := range changes {
		t, err := tables.Lookup(c.Table)
		if err != nil {
			e.log.Warn("merge: skipping change for unknown table", zap.String("table", c.Table), zap.Int64("revision", c.Revision))
			res.Skipped++
			continue
		}
		if _, ok := pending[c.RecordID.String()]; ok {
			res.Skipped++
			continue
		}
		d, err := decode(c, t)
		if err != nil {
			return Result{}, fmt.Errorf("change %s rev %d: %w", c.RecordID, c.Revision, err)
		}
		fks, missing, err := e.resolve(ctx, ids, d)
		if err != nil {
			return Result{}, err
		}
		if len(missing) > 0 && c.Op != model.OpDelete {
			deferred = append(deferred, d)
			continue
		}
		if err := e.write(ctx, tx, ids, d, fks, &res); err != nil {
			return Result{}, err
		}
	}

	res.Deferred = len(deferred)
	var minDropped int64
	for _, d := range deferred {
		fks, missing, err := e.resolve(ctx, ids, d)
		if err != nil {
			return Result{}, err
		}
		if len(missing) > 0 {
			n, err := bumpDrop(ctx, tx, d.change.RecordID.String())
			if err != nil {
				return Result{}, err
			}
			if n < e.maxDrops {
				e.log.Warn("merge: parent missing, change dropped",
					zap.String("table", d.table.Name),
					zap.String("record", d.change.RecordID.String()),
					zap.Int64("revision", d.change.Revision),
					zap.Strings("missing", missing),
					zap.Int("drops", n),
				)
				res.Dropped++
				if minDropped == 0 || d.change.Revision < minDropped {
					minDropped = d.change.Revision
				}
				continue
			}
			e.log.Warn("merge: parent still missing, applying with NULL reference",
				zap.String("table", d.table.Name),
				zap.String("record", d.change.RecordID.String()),
				zap.Strings("missing", missing),
			)
			res.Forced++
		}
		if err := e.write(ctx, tx, ids, d, fks, &res); err != nil {
			return Result{}, err
		}
	}

	res.Cursor = newRevision
	if res.Dropped > 0 {
		res.Cursor = minDropped - 1
	}
	if res.Cursor < cursor {
		res.Cursor = cursor
	}
	if err := localdb.SetCursor(ctx, tx, res.Cursor); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (e *Engine) write(ctx context.Context, tx *sql.Tx, ids *idMaps, d decoded, fks map[string]sql.NullInt64, res *Result) error {
	rid := d.change.RecordID.String()
	data, err := json.Marshal(d.data)
	if err != nil {
		return fmt.Errorf("encode row data: %w", errs.ErrLocalApply)
	}
	deleted := 0
	if d.change.Op == model.OpDelete {
		deleted = 1
	}
	ts := d.change.UpdatedAt.UTC().Format(time.RFC3339Nano)

	var (
		localID int64
		rev     int64
	)
	err = tx.QueryRowContext(ctx, `SELECT id, revision FROM `+localdb.Quote(d.table.Name)+` WHERE uuid = ?`, rid).Scan(&localID, &rev)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		cols := []string{"uuid", "data"}
		args := []any{rid, string(data)}
		for _, rel := range d.table.Relations {
			cols = append(cols, localdb.Quote(rel.Column))
			args = append(args, fks[rel.Column])
		}
		cols = append(cols, "is_deleted", "revision", "created_at", "updated_at")
		args = append(args, deleted, d.change.Revision, ts, ts)
		q := `INSERT INTO ` + localdb.Quote(d.table.Name) + ` (` + strings.Join(cols, ", ") + `) VALUES (` +
			strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + `)`
		r, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("insert %s: %v: %w", d.table.Name, err, errs.ErrLocalApply)
		}
		if id, err := r.LastInsertId(); err == nil {
			ids.put(d.table.Name, rid, id)
		}
	case err != nil:
		return fmt.Errorf("lookup %s: %v: %w", d.table.Name, err, errs.ErrLocalApply)
	default:
		if rev > d.change.Revision {
			res.Skipped++
			return nil
		}
		sets := []string{"data = ?"}
		args := []any{string(data)}
		for _, rel := range d.table.Relations {
			sets = append(sets, localdb.Quote(rel.Column)+" = ?")
			args = append(args, fks[rel.Column])
		}
		sets = append(sets, "is_deleted = ?", "revision = ?", "updated_at = ?")
		args = append(args, deleted, d.change.Revision, ts, localID)
		q := `UPDATE ` + localdb.Quote(d.table.Name) + ` SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return fmt.Errorf("update %s: %v: %w", d.table.Name, err, errs.ErrLocalApply)
		}
	}

	if err := clearDrop(ctx, tx, rid); err != nil {
		return err
	}
	res.Applied++
	return nil
}

func bumpDrop(ctx context.Context, tx *sql.Tx, rid string) (int, error) {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO _lexsync_drops (record_id, count) VALUES (?, 1)
		 ON CONFLICT (record_id) DO UPDATE SET count = count + 1`, rid)
	if err != nil {
		return 0, fmt.Errorf("count drop: %w", err)
	}
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT count FROM _lexsync_drops WHERE record_id = ?`, rid).Scan(&n); err != nil {
		return 0, fmt.Errorf("read drop count: %w", err)
	}
	return n, nil
}

func clearDrop(ctx context.Context, tx *sql.Tx, rid string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM _lexsync_drops WHERE record_id = ?`, rid); err != nil {
		return fmt.Errorf("clear drop: %w", err)
	}
	return nil
}
