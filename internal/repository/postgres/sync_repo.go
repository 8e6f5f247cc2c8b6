package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/lexsync/internal/errs"
	"github.com/and161185/lexsync/internal/model"
	"github.com/and161185/lexsync/internal/repository"
	"github.com/and161185/lexsync/internal/tables"
)

// SyncRepo implements SyncStore using PostgreSQL.
type SyncRepo struct {
	db      *DB
	retries uint64
}

// NewSyncRepo constructs a sync record store. Aborted transactions are replayed up to retries times.
func NewSyncRepo(db *DB, retries uint64) *SyncRepo { return &SyncRepo{db: db, retries: retries} }

// InFirmTx runs fn in a firm-scoped transaction.
func (r *SyncRepo) InFirmTx(ctx context.Context, firmID uuid.UUID, fn func(repository.SyncTx) error) error {
	return retryTx(ctx, r.retries, func(ctx context.Context) error {
		return inTx(ctx, r.db.Pool, func(tx pgx.Tx) error {
			return fn(&syncTx{tx: tx, firmID: firmID})
		})
	})
}

type syncTx struct {
	tx     pgx.Tx
	firmID uuid.UUID
}

const recordCols = `record_id, table_name, payload, revision, created_revision, deleted,
created_at, updated_at, created_by_device, updated_by_device`

func (t *syncTx) scanRecord(row pgx.Row) (*model.SyncRecord, error) {
	rec := model.SyncRecord{FirmID: t.firmID}
	var payload []byte
	err := row.Scan(&rec.RecordID, &rec.Table, &payload, &rec.Revision, &rec.CreatedRevision, &rec.Deleted,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.CreatedByDevice, &rec.UpdatedByDevice)
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	return &rec, nil
}

// AllocateRevision bumps the firm counter; the row lock is held until commit.
func (t *syncTx) AllocateRevision(ctx context.Context) (int64, error) {
	const q = `
INSERT INTO global_revisions (firm_id, revision) VALUES ($1, 1)
ON CONFLICT (firm_id) DO UPDATE SET revision = global_revisions.revision + 1
RETURNING revision`
	var rev int64
	if err := t.tx.QueryRow(ctx, q, t.firmID).Scan(&rev); err != nil {
		return 0, fmt.Errorf("allocate revision: %w", err)
	}
	return rev, nil
}

func (t *syncTx) CurrentRevision(ctx context.Context) (int64, error) {
	const q = `SELECT COALESCE(MAX(revision), 0) FROM global_revisions WHERE firm_id=$1`
	var rev int64
	if err := t.tx.QueryRow(ctx, q, t.firmID).Scan(&rev); err != nil {
		return 0, fmt.Errorf("current revision: %w", err)
	}
	return rev, nil
}

func (t *syncTx) Get(ctx context.Context, recordID uuid.UUID) (*model.SyncRecord, error) {
	const q = `SELECT ` + recordCols + ` FROM sync_records WHERE firm_id=$1 AND record_id=$2 FOR UPDATE`
	rec, err := t.scanRecord(t.tx.QueryRow(ctx, q, t.firmID, recordID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errs.ErrNotFound
	}
	return rec, err
}

// Upsert stores w. The table of an existing record is never changed.
func (t *syncTx) Upsert(ctx context.Context, w model.SyncRecordWrite) error {
	if !tables.Known(w.Table) {
		return fmt.Errorf("%w: %q", errs.ErrUnknownTable, w.Table)
	}
	payload := w.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	const q = `
INSERT INTO sync_records (firm_id, record_id, table_name, payload, revision, created_revision, deleted,
                          created_by_device, updated_by_device)
VALUES ($1, $2, $3, $4, $5, $5, $6, $7, $7)
ON CONFLICT (firm_id, record_id) DO UPDATE SET
  payload = EXCLUDED.payload,
  deleted = EXCLUDED.deleted,
  revision = EXCLUDED.revision,
  updated_at = now(),
  updated_by_device = EXCLUDED.updated_by_device`
	if _, err := t.tx.Exec(ctx, q, t.firmID, w.RecordID, w.Table, []byte(payload), w.Revision, w.Deleted, w.ByDevice); err != nil {
		return fmt.Errorf("upsert record %s: %w", w.RecordID, err)
	}
	return nil
}

func (t *syncTx) ChangesSince(ctx context.Context, cursor, upper int64) ([]model.SyncRecord, error) {
	const q = `SELECT ` + recordCols + `
FROM sync_records
WHERE firm_id=$1 AND revision > $2 AND revision <= $3
ORDER BY revision ASC`
	rows, err := t.tx.Query(ctx, q, t.firmID, cursor, upper)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SyncRecord
	for rows.Next() {
		rec, err := t.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}
