package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/lexsync/internal/model"
)

// SyncStore runs work inside a firm-scoped transaction.
type SyncStore interface {
	// InFirmTx runs fn in one transaction for firmID. fn's error rolls back; nil commits.
	// Transactions aborted by serialization failures or deadlocks are retried.
	InFirmTx(ctx context.Context, firmID uuid.UUID, fn func(tx SyncTx) error) error
}

// SyncTx is the per-firm view of the replicated record store within one transaction.
type SyncTx interface {
	// AllocateRevision returns the next revision of the firm. The allocator row stays
	// locked until the transaction ends, which serializes writers of the same firm.
	AllocateRevision(ctx context.Context) (int64, error)
	// CurrentRevision returns the last allocated revision, 0 if none.
	CurrentRevision(ctx context.Context) (int64, error)
	// Get returns a record or errs.ErrNotFound.
	Get(ctx context.Context, recordID uuid.UUID) (*model.SyncRecord, error)
	// Upsert inserts or overwrites a record at w.Revision.
	Upsert(ctx context.Context, w model.SyncRecordWrite) error
	// ChangesSince returns records with cursor < revision <= upper in ascending order.
	ChangesSince(ctx context.Context, cursor, upper int64) ([]model.SyncRecord, error)
}
