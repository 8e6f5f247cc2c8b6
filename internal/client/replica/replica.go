// Package replica is the client's local record store. Every mutation writes
// the row and its outbox entry in one SQLite transaction; Cycle pushes the
// outbox and merges what the server returns.
package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/lexsync/internal/client/localdb"
	"github.com/and161185/lexsync/internal/client/merge"
	"github.com/and161185/lexsync/internal/client/outbox"
	"github.com/and161185/lexsync/internal/errs"
	"github.com/and161185/lexsync/internal/ident"
	"github.com/and161185/lexsync/internal/model"
	"github.com/and161185/lexsync/internal/tables"
)

// Syncer performs the combined push/pull request.
type Syncer interface {
	Sync(ctx context.Context, req model.SyncRequest) (model.SyncResult, error)
}

// Options tune a Replica. Zero values take defaults.
type Options struct {
	DeviceID     string
	Log          *zap.Logger
	Retention    time.Duration // acknowledged outbox entries; default 24h
	Timeout      time.Duration // default 30s
	LargeTimeout time.Duration // batches above LargeBatch and full cycles; default 300s
	LargeBatch   int           // default 500

	// OnCursor is called after a committed cycle, e.g. to mirror the cursor
	// into the config blob. Failures are logged only.
	OnCursor func(rev int64, at time.Time) error
}

// Replica owns one local database.
type Replica struct {
	db     *sql.DB
	outbox *outbox.Outbox
	merge  *merge.Engine
	syncer Syncer
	opts   Options
	log    *zap.Logger
	now    func() time.Time

	cycle sync.Mutex
}

// New wires a replica over an opened localdb. syncer may be nil for offline use;
// Cycle then fails with ErrTransientTransport.
func New(db *sql.DB, syncer Syncer, opts Options) *Replica {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Retention <= 0 {
		opts.Retention = outbox.DefaultRetention
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.LargeTimeout <= 0 {
		opts.LargeTimeout = 300 * time.Second
	}
	if opts.LargeBatch <= 0 {
		opts.LargeBatch = 500
	}
	return &Replica{
		db:     db,
		outbox: outbox.New(db),
		merge:  merge.New(opts.Log),
		syncer: syncer,
		opts:   opts,
		log:    opts.Log,
		now:    time.Now,
	}
}

// Outbox exposes the queue, mostly for status output.
func (r *Replica) Outbox() *outbox.Outbox { return r.outbox }

// SetDeviceID changes the device id sent with the next cycle.
func (r *Replica) SetDeviceID(id string) {
	r.cycle.Lock()
	r.opts.DeviceID = id
	r.cycle.Unlock()
}

func (r *Replica) stamp() string { return r.now().UTC().Format(time.RFC3339Nano) }

// Insert creates a row and queues it. Keys of fields that name a relation
// column ("matter_id") take a local id; keys naming the relation field
// ("matter_uuid") take the parent's record id. Everything else is row data.
func (r *Replica) Insert(ctx context.Context, table string, fields map[string]any) (localdb.Row, error) {
	t, err := tables.Lookup(table)
	if err != nil {
		return localdb.Row{}, err
	}
	rid, err := ident.NewRecordID()
	if err != nil {
		return localdb.Row{}, err
	}

	var row localdb.Row
	err = localdb.InTx(ctx, r.db, func(tx *sql.Tx) error {
		data, parents, err := split(ctx, tx, t, fields)
		if err != nil {
			return err
		}
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode row: %w", err)
		}
		ts := r.stamp()
		cols := []string{"uuid", "data"}
		args := []any{rid.String(), string(encoded)}
		for _, rel := range t.Relations {
			cols = append(cols, localdb.Quote(rel.Column))
			args = append(args, parents[rel.Column])
		}
		cols = append(cols, "is_deleted", "revision", "created_at", "updated_at")
		args = append(args, 0, 0, ts, ts)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO `+localdb.Quote(t.Name)+` (`+strings.Join(cols, ", ")+`) VALUES (`+placeholders(len(cols))+`)`, args...)
		if err != nil {
			return fmt.Errorf("insert %s: %w", t.Name, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		if row, err = localdb.GetRow(ctx, tx, t, id); err != nil {
			return err
		}
		return r.enqueue(ctx, tx, t, row, model.OpInsert)
	})
	return row, err
}

// Update merges fields into an existing row and queues it. A nil value removes
// a data key or clears a relation. Updating a deleted row restores it.
func (r *Replica) Update(ctx context.Context, table string, id int64, fields map[string]any) (localdb.Row, error) {
	t, err := tables.Lookup(table)
	if err != nil {
		return localdb.Row{}, err
	}
	var row localdb.Row
	err = localdb.InTx(ctx, r.db, func(tx *sql.Tx) error {
		cur, err := localdb.GetRow(ctx, tx, t, id)
		if err != nil {
			return err
		}
		data, parents, err := split(ctx, tx, t, fields)
		if err != nil {
			return err
		}
		for k, v := range data {
			if v == nil {
				delete(cur.Data, k)
				continue
			}
			cur.Data[k] = v
		}
		for col, v := range parents {
			cur.Parents[col] = v
		}
		encoded, err := json.Marshal(cur.Data)
		if err != nil {
			return fmt.Errorf("encode row: %w", err)
		}
		sets := []string{"data = ?"}
		args := []any{string(encoded)}
		for _, rel := range t.Relations {
			sets = append(sets, localdb.Quote(rel.Column)+" = ?")
			args = append(args, cur.Parents[rel.Column])
		}
		sets = append(sets, "is_deleted = 0", "updated_at = ?")
		args = append(args, r.stamp(), id)
		if _, err := tx.ExecContext(ctx,
			`UPDATE `+localdb.Quote(t.Name)+` SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
			return fmt.Errorf("update %s: %w", t.Name, err)
		}
		if row, err = localdb.GetRow(ctx, tx, t, id); err != nil {
			return err
		}
		return r.enqueue(ctx, tx, t, row, model.OpUpdate)
	})
	return row, err
}

// Delete soft-deletes a row and queues the tombstone.
func (r *Replica) Delete(ctx context.Context, table string, id int64) error {
	t, err := tables.Lookup(table)
	if err != nil {
		return err
	}
	return localdb.InTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE `+localdb.Quote(t.Name)+` SET is_deleted = 1, updated_at = ? WHERE id = ?`, r.stamp(), id)
		if err != nil {
			return fmt.Errorf("delete %s: %w", t.Name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%s row %d: %w", t.Name, id, errs.ErrNotFound)
		}
		row, err := localdb.GetRow(ctx, tx, t, id)
		if err != nil {
			return err
		}
		return r.enqueue(ctx, tx, t, row, model.OpDelete)
	})
}

// Get loads one row by local id.
func (r *Replica) Get(ctx context.Context, table string, id int64) (localdb.Row, error) {
	t, err := tables.Lookup(table)
	if err != nil {
		return localdb.Row{}, err
	}
	return localdb.GetRow(ctx, r.db, t, id)
}

// List returns the rows of table in local id order.
func (r *Replica) List(ctx context.Context, table string, includeDeleted bool) ([]localdb.Row, error) {
	t, err := tables.Lookup(table)
	if err != nil {
		return nil, err
	}
	return localdb.ListRows(ctx, r.db, t, includeDeleted)
}

// Reseed queues every local row, parents first, so the next cycle uploads the
// complete local state. Live rows go up as inserts, deleted rows as deletes.
func (r *Replica) Reseed(ctx context.Context) (int, error) {
	n := 0
	err := localdb.InTx(ctx, r.db, func(tx *sql.Tx) error {
		for _, t := range tables.Ordered() {
			rows, err := localdb.ListRows(ctx, tx, t, true)
			if err != nil {
				return err
			}
			for _, row := range rows {
				op := model.OpInsert
				if row.Deleted {
					op = model.OpDelete
				}
				if err := r.enqueue(ctx, tx, t, row, op); err != nil {
					return err
				}
				n++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	r.log.Info("outbox reseeded", zap.Int("rows", n))
	return n, nil
}

// enqueue appends the outbox entry for row, assigning record ids where missing.
func (r *Replica) enqueue(ctx context.Context, tx *sql.Tx, t tables.Table, row localdb.Row, op model.Op) error {
	rid := row.UUID
	if rid == "" {
		var err error
		if rid, err = outbox.EnsureIdentifier(ctx, tx, t.Name, row.ID); err != nil {
			return err
		}
	}
	payload, err := r.payload(ctx, tx, t, row)
	if err != nil {
		return err
	}
	return r.outbox.Append(ctx, tx, t.Name, rid, op, payload)
}

// payload is the row data plus one "<stem>_uuid" field per set relation. A
// parent that never had a record id gets one and is queued as an insert first.
func (r *Replica) payload(ctx context.Context, tx *sql.Tx, t tables.Table, row localdb.Row) (json.RawMessage, error) {
	out := make(map[string]any, len(row.Data)+len(t.Relations))
	for k, v := range row.Data {
		if !tables.IsSystemField(k) {
			out[k] = v
		}
	}
	for _, rel := range t.Relations {
		pid := row.Parents[rel.Column]
		if !pid.Valid {
			continue
		}
		prid, err := localdb.RecordID(ctx, tx, rel.Parent, pid.Int64)
		if errors.Is(err, errs.ErrNotFound) {
			prid, err = r.identifyParent(ctx, tx, rel.Parent, pid.Int64)
		}
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t.Name, rel.Column, err)
		}
		out[rel.Field] = prid
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}

func (r *Replica) identifyParent(ctx context.Context, tx *sql.Tx, table string, id int64) (string, error) {
	pt, err := tables.Lookup(table)
	if err != nil {
		return "", err
	}
	prow, err := localdb.GetRow(ctx, tx, pt, id)
	if err != nil {
		return "", err
	}
	if err := r.enqueue(ctx, tx, pt, prow, model.OpInsert); err != nil {
		return "", err
	}
	return localdb.RecordID(ctx, tx, table, id)
}

// split separates relation references from row data. Relation values are
// resolved to local ids and must point at existing parent rows.
func split(ctx context.Context, q localdb.Querier, t tables.Table, fields map[string]any) (map[string]any, map[string]sql.NullInt64, error) {
	data := make(map[string]any, len(fields))
	parents := map[string]sql.NullInt64{}
	byCol := make(map[string]tables.Relation, len(t.Relations))
	byField := make(map[string]tables.Relation, len(t.Relations))
	for _, rel := range t.Relations {
		byCol[rel.Column] = rel
		byField[rel.Field] = rel
	}
	for k, v := range fields {
		if rel, ok := byCol[k]; ok {
			id, err := localRef(v)
			if err != nil {
				return nil, nil, fmt.Errorf("%s: %w", k, err)
			}
			if id.Valid {
				if err := exists(ctx, q, rel.Parent, id.Int64); err != nil {
					return nil, nil, fmt.Errorf("%s=%d: %w", k, id.Int64, err)
				}
			}
			parents[k] = id
			continue
		}
		if rel, ok := byField[k]; ok {
			s, _ := v.(string)
			if v == nil || s == "" {
				parents[rel.Column] = sql.NullInt64{}
				continue
			}
			id, err := localdb.LocalID(ctx, q, rel.Parent, s)
			if err != nil {
				return nil, nil, fmt.Errorf("%s=%s: %w", k, s, err)
			}
			parents[rel.Column] = sql.NullInt64{Int64: id, Valid: true}
			continue
		}
		if tables.IsSystemField(k) {
			continue
		}
		data[k] = v
	}
	return data, parents, nil
}

func exists(ctx context.Context, q localdb.Querier, table string, id int64) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM `+localdb.Quote(table)+` WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.ErrNotFound
	}
	return err
}

func localRef(v any) (sql.NullInt64, error) {
	switch x := v.(type) {
	case nil:
		return sql.NullInt64{}, nil
	case int:
		return sql.NullInt64{Int64: int64(x), Valid: true}, nil
	case int64:
		return sql.NullInt64{Int64: x, Valid: true}, nil
	case float64:
		return sql.NullInt64{Int64: int64(x), Valid: true}, nil
	case json.Number:
		n, err := x.Int64()
		return sql.NullInt64{Int64: n, Valid: err == nil}, err
	case string:
		if x == "" {
			return sql.NullInt64{}, nil
		}
		n, err := strconv.ParseInt(x, 10, 64)
		return sql.NullInt64{Int64: n, Valid: err == nil}, err
	default:
		return sql.NullInt64{}, fmt.Errorf("unsupported reference %T", v)
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
