// Package outbox records local mutations for upload. Entries are appended in
// the same SQLite transaction as the mutation and acknowledged once the server
// accepted the batch that carried them.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/lexsync/internal/client/localdb"
	"github.com/and161185/lexsync/internal/errs"
	"github.com/and161185/lexsync/internal/ident"
	"github.com/and161185/lexsync/internal/model"
	"github.com/and161185/lexsync/internal/tables"
)

// DefaultRetention is how long acknowledged entries are kept.
const DefaultRetention = 24 * time.Hour

// fixed width so stored timestamps compare lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one queued mutation.
type Entry struct {
	ID             int64
	Table          string
	RecordID       string
	Op             model.Op
	Payload        json.RawMessage
	CreatedAt      time.Time
	Acknowledged   bool
	AcknowledgedAt time.Time
	Generation     int64
}

// Outbox is bound to one replica database.
type Outbox struct {
	db  *sql.DB
	now func() time.Time
}

// New returns an outbox over db.
func New(db *sql.DB) *Outbox { return &Outbox{db: db, now: time.Now} }

// Append queues a mutation inside tx. An unacknowledged entry for the same
// record that was never part of a request is coalesced instead of duplicated.
func (o *Outbox) Append(ctx context.Context, tx *sql.Tx, table, recordID string, op model.Op, payload json.RawMessage) error {
	if !tables.Known(table) {
		return fmt.Errorf("outbox %q: %w", table, errs.ErrUnknownTable)
	}
	if !op.Valid() {
		return fmt.Errorf("outbox op %q: %w", op, errs.ErrMalformedPayload)
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	gen, err := localdb.GetInt(ctx, tx, localdb.KeyGeneration)
	if err != nil {
		return err
	}

	var (
		prevID int64
		prevOp string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, op FROM _lexsync_outbox
		 WHERE record_id = ? AND acknowledged = 0 AND sync_generation = ?
		 ORDER BY id DESC LIMIT 1`, recordID, gen).Scan(&prevID, &prevOp)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO _lexsync_outbox (table_name, record_id, op, payload, created_at, sync_generation)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			table, recordID, string(op), string(payload), o.now().UTC().Format(timeLayout), gen)
		if err != nil {
			return fmt.Errorf("outbox append: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("outbox lookup: %w", err)
	}

	merged, keep := coalesce(model.Op(prevOp), op)
	if !keep {
		_, err = tx.ExecContext(ctx, `DELETE FROM _lexsync_outbox WHERE id = ?`, prevID)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE _lexsync_outbox SET op = ?, payload = ? WHERE id = ?`, string(merged), string(payload), prevID)
	}
	if err != nil {
		return fmt.Errorf("outbox coalesce: %w", err)
	}
	return nil
}

// coalesce folds next into prev. keep=false cancels the pair.
func coalesce(prev, next model.Op) (model.Op, bool) {
	switch {
	case prev == model.OpInsert && next == model.OpDelete:
		return "", false
	case prev == model.OpInsert:
		return model.OpInsert, true
	default:
		return next, true
	}
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			op      string
			payload string
			created string
			ack     int64
			ackedAt sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Table, &e.RecordID, &op, &payload, &created, &ack, &ackedAt, &e.Generation); err != nil {
			return nil, err
		}
		e.Op, e.Payload, e.Acknowledged = model.Op(op), json.RawMessage(payload), ack != 0
		e.CreatedAt, _ = time.Parse(timeLayout, created)
		if ackedAt.Valid {
			e.AcknowledgedAt, _ = time.Parse(timeLayout, ackedAt.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const entryCols = `id, table_name, record_id, op, payload, created_at, acknowledged, acknowledged_at, sync_generation`

// Pending returns unacknowledged entries in append order.
func (o *Outbox) Pending(ctx context.Context) ([]Entry, error) {
	rows, err := o.db.QueryContext(ctx, `SELECT `+entryCols+` FROM _lexsync_outbox WHERE acknowledged = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("outbox pending: %w", err)
	}
	return scanEntries(rows)
}

// All returns every entry, acknowledged or not, in append order.
func (o *Outbox) All(ctx context.Context) ([]Entry, error) {
	rows, err := o.db.QueryContext(ctx, `SELECT `+entryCols+` FROM _lexsync_outbox ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("outbox list: %w", err)
	}
	return scanEntries(rows)
}

// PendingRecordIDs returns the record ids that still have unacknowledged entries.
func PendingRecordIDs(ctx context.Context, q localdb.Querier) (map[string]struct{}, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT record_id FROM _lexsync_outbox WHERE acknowledged = 0`)
	if err != nil {
		return nil, fmt.Errorf("outbox pending ids: %w", err)
	}
	defer rows.Close()
	out := map[string]struct{}{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// Acknowledge marks entries as accepted by the server.
func (o *Outbox) Acknowledge(ctx context.Context, q localdb.Querier, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, o.now().UTC().Format(timeLayout))
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := q.ExecContext(ctx,
		`UPDATE _lexsync_outbox SET acknowledged = 1, acknowledged_at = ?
		 WHERE acknowledged = 0 AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("outbox acknowledge: %w", err)
	}
	return nil
}

// Purge deletes acknowledged entries older than retention.
func (o *Outbox) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := o.now().Add(-retention).UTC().Format(timeLayout)
	res, err := o.db.ExecContext(ctx, `DELETE FROM _lexsync_outbox WHERE acknowledged = 1 AND acknowledged_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("outbox purge: %w", err)
	}
	return res.RowsAffected()
}

// Seal starts a new generation so entries that are about to be sent are
// never coalesced with later mutations. It returns the new generation.
func (o *Outbox) Seal(ctx context.Context) (int64, error) {
	var gen int64
	err := localdb.InTx(ctx, o.db, func(tx *sql.Tx) error {
		cur, err := localdb.GetInt(ctx, tx, localdb.KeyGeneration)
		if err != nil {
			return err
		}
		gen = cur + 1
		return localdb.SetInt(ctx, tx, localdb.KeyGeneration, gen)
	})
	return gen, err
}

// EnsureIdentifier returns the record id of a local row, assigning a fresh one
// if the row has none.
func EnsureIdentifier(ctx context.Context, tx *sql.Tx, table string, localID int64) (string, error) {
	if !tables.Known(table) {
		return "", fmt.Errorf("%q: %w", table, errs.ErrUnknownTable)
	}
	id, err := localdb.RecordID(ctx, tx, table, localID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return "", err
	}
	rid, err := ident.NewRecordID()
	if err != nil {
		return "", err
	}
	res, err := tx.ExecContext(ctx, `UPDATE `+localdb.Quote(table)+` SET uuid = ? WHERE id = ? AND (uuid IS NULL OR uuid = '')`, rid.String(), localID)
	if err != nil {
		return "", fmt.Errorf("assign identifier: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("%s row %d: %w", table, localID, errs.ErrNotFound)
	}
	return rid.String(), nil
}
