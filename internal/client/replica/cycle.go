package replica

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/lexsync/internal/client/localdb"
	"github.com/and161185/lexsync/internal/client/merge"
	"github.com/and161185/lexsync/internal/client/outbox"
	"github.com/and161185/lexsync/internal/errs"
	"github.com/and161185/lexsync/internal/model"
)

// Report describes one committed cycle.
type Report struct {
	Sent     int
	Rejected int
	Summary  model.SyncSummary
	Merge    merge.Result
	Cursor   int64
	Duration time.Duration
}

// Status is a snapshot of the local queue and cursor.
type Status struct {
	Pending int
	Cursor  int64
}

// Status reads the pending entry count and the cursor.
func (r *Replica) Status(ctx context.Context) (Status, error) {
	pending, err := r.outbox.Pending(ctx)
	if err != nil {
		return Status{}, err
	}
	cur, err := localdb.Cursor(ctx, r.db)
	if err != nil {
		return Status{}, err
	}
	return Status{Pending: len(pending), Cursor: cur}, nil
}

// Cycle pushes everything queued before it started and merges the server's
// changes above the cursor. On any failure the outbox and the cursor are left
// as they were. full selects the long timeout used after a reseed.
func (r *Replica) Cycle(ctx context.Context, full bool) (Report, error) {
	r.cycle.Lock()
	defer r.cycle.Unlock()
	if r.syncer == nil {
		return Report{}, fmt.Errorf("no server configured: %w", errs.ErrTransientTransport)
	}
	start := r.now()

	gen, err := r.outbox.Seal(ctx)
	if err != nil {
		return Report{}, err
	}
	all, err := r.outbox.Pending(ctx)
	if err != nil {
		return Report{}, err
	}
	var (
		batch []outbox.Entry
		ids   []int64
	)
	for _, e := range all {
		if e.Generation < gen {
			batch = append(batch, e)
			ids = append(ids, e.ID)
		}
	}
	cursor, err := localdb.Cursor(ctx, r.db)
	if err != nil {
		return Report{}, err
	}

	req := model.SyncRequest{DeviceID: r.opts.DeviceID, LastSyncRevision: cursor, Changes: make([]model.ChangeProposal, 0, len(batch))}
	for _, e := range batch {
		req.Changes = append(req.Changes, model.ChangeProposal{Table: e.Table, Op: e.Op, RecordID: e.RecordID, Data: e.Payload})
	}

	timeout := r.opts.Timeout
	if full || len(batch) > r.opts.LargeBatch {
		timeout = r.opts.LargeTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	res, err := r.syncer.Sync(cctx, req)
	cancel()
	if err != nil {
		return Report{}, err
	}

	rep := Report{Sent: len(batch), Rejected: len(res.Errors), Summary: res.Summary}
	for _, ie := range res.Errors {
		// a rejected change can never succeed on retry; it is acknowledged with the batch
		r.log.Warn("server rejected change",
			zap.String("table", ie.Table),
			zap.String("record", ie.RecordID),
			zap.String("kind", errs.Kind(ie.Err)),
			zap.Error(ie.Err),
		)
	}

	err = localdb.InTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := r.outbox.Acknowledge(ctx, tx, ids); err != nil {
			return err
		}
		mr, err := r.merge.Apply(ctx, tx, res.Changes, cursor, res.NewRevision)
		if err != nil {
			return err
		}
		rep.Merge, rep.Cursor = mr, mr.Cursor
		return nil
	})
	if err != nil {
		return Report{}, fmt.Errorf("apply batch: %v: %w", err, errs.ErrLocalApply)
	}

	if n, err := r.outbox.Purge(ctx, r.opts.Retention); err != nil {
		r.log.Warn("outbox purge failed", zap.Error(err))
	} else if n > 0 {
		r.log.Debug("outbox purged", zap.Int64("entries", n))
	}
	if r.opts.OnCursor != nil {
		if err := r.opts.OnCursor(rep.Cursor, r.now()); err != nil {
			r.log.Warn("mirror cursor failed", zap.Error(err))
		}
	}
	rep.Duration = r.now().Sub(start)
	r.log.Info("sync cycle complete",
		zap.Int("sent", rep.Sent),
		zap.Int("rejected", rep.Rejected),
		zap.Int("received", len(res.Changes)),
		zap.Int("applied", rep.Merge.Applied),
		zap.Int("dropped", rep.Merge.Dropped),
		zap.Int64("cursor", rep.Cursor),
	)
	return rep, nil
}
