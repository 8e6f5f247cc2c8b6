package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/lexsync/internal/errs"
	"github.com/and161185/lexsync/internal/ident"
	"github.com/and161185/lexsync/internal/model"
	"github.com/and161185/lexsync/internal/repository"
	"github.com/and161185/lexsync/internal/tables"
	"github.com/and161185/lexsync/internal/token"
)

// SyncService is the combined push/pull endpoint.
type SyncService interface {
	// Sync applies the pushed changes in order and returns every record above the
	// request cursor, all within one firm-scoped transaction.
	Sync(ctx context.Context, p token.Principal, req model.SyncRequest) (model.SyncResult, error)
}

type SyncServiceImpl struct {
	store    repository.SyncStore
	maxBatch int
	log      *zap.Logger
}

// NewSyncService constructs SyncService with batch limits.
func NewSyncService(store repository.SyncStore, maxBatch int, log *zap.Logger) *SyncServiceImpl {
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SyncServiceImpl{store: store, maxBatch: maxBatch, log: log}
}

// Sync validates the envelope, then runs push and pull in one transaction.
// Per-change problems are reported in the result; any other error rolls back.
func (s *SyncServiceImpl) Sync(ctx context.Context, p token.Principal, req model.SyncRequest) (model.SyncResult, error) {
	if req.DeviceID == "" {
		req.DeviceID = p.DeviceID
	}
	if req.DeviceID != p.DeviceID {
		return model.SyncResult{}, fmt.Errorf("%w: device id does not match token", errs.ErrAuthFailed)
	}
	if req.LastSyncRevision < 0 {
		return model.SyncResult{}, fmt.Errorf("%w: negative last_sync_revision", errs.ErrMalformedPayload)
	}
	if len(req.Changes) > s.maxBatch {
		return model.SyncResult{}, fmt.Errorf("%w: batch too large (%d > %d)", errs.ErrMalformedPayload, len(req.Changes), s.maxBatch)
	}

	start := time.Now()
	var res model.SyncResult
	err := s.store.InFirmTx(ctx, p.FirmID, func(tx repository.SyncTx) error {
		// Reset on every attempt; the store may replay this function.
		res = model.SyncResult{Summary: model.SyncSummary{Received: len(req.Changes)}}
		for _, ch := range req.Changes {
			if err := s.apply(ctx, tx, req.DeviceID, ch, &res); err != nil {
				return err
			}
		}

		upper, err := tx.CurrentRevision(ctx)
		if err != nil {
			return err
		}
		recs, err := tx.ChangesSince(ctx, req.LastSyncRevision, upper)
		if err != nil {
			return err
		}
		res.NewRevision = upper
		res.Changes = make([]model.Change, 0, len(recs))
		for _, r := range recs {
			res.Changes = append(res.Changes, toChange(r))
		}
		res.Summary.Returned = len(res.Changes)
		return nil
	})
	if err != nil {
		return model.SyncResult{}, err
	}

	sm := res.Summary
	s.log.Info("sync",
		zap.String("firm", p.FirmID.String()),
		zap.String("device", req.DeviceID),
		zap.Int64("cursor", req.LastSyncRevision),
		zap.Int64("new_revision", res.NewRevision),
		zap.Int("received", sm.Received),
		zap.Int("applied", sm.Applied),
		zap.Int("recovered", sm.Recovered),
		zap.Int("rejected", sm.Rejected),
		zap.Int("returned", sm.Returned),
		zap.Duration("dur", time.Since(start)),
	)
	return res, nil
}

func reject(res *model.SyncResult, ch model.ChangeProposal, err error) {
	res.Errors = append(res.Errors, model.ItemError{RecordID: ch.RecordID, Table: ch.Table, Err: err})
	res.Summary.Rejected++
}

// apply stores one change. Validation failures are accumulated in res and
// return nil; a returned error aborts the batch.
func (s *SyncServiceImpl) apply(ctx context.Context, tx repository.SyncTx, device string, ch model.ChangeProposal, res *model.SyncResult) error {
	if _, err := tables.Lookup(ch.Table); err != nil {
		reject(res, ch, err)
		return nil
	}
	if !ch.Op.Valid() {
		reject(res, ch, fmt.Errorf("op %q: %w", ch.Op, errs.ErrMalformedPayload))
		return nil
	}
	id, err := ident.ParseRecordID(ch.RecordID)
	if err != nil {
		reject(res, ch, err)
		return nil
	}
	data, err := tables.StripSystemFields(ch.Data)
	if err != nil {
		reject(res, ch, err)
		return nil
	}

	// Allocating first takes the firm lock, so the read below sees every
	// write committed before this one.
	rev, err := tx.AllocateRevision(ctx)
	if err != nil {
		return err
	}
	existing, err := tx.Get(ctx, id)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		existing = nil
	case err != nil:
		return err
	}
	w := model.SyncRecordWrite{RecordID: id, Table: ch.Table, Payload: data, Revision: rev, ByDevice: device}
	switch ch.Op {
	case model.OpInsert, model.OpUpdate:
		if existing == nil {
			res.Summary.Inserted++
		} else {
			res.Summary.Updated++
		}
		// insert on a present record and update on a missing one are resolved silently
		if (ch.Op == model.OpInsert) != (existing == nil) {
			res.Summary.Recovered++
		}
	case model.OpDelete:
		w.Deleted = true
		if existing != nil {
			w.Payload = existing.Payload
		} else {
			res.Summary.Recovered++
		}
		res.Summary.Deleted++
	}
	if existing != nil {
		w.Table = existing.Table
	}
	if err := tx.Upsert(ctx, w); err != nil {
		return err
	}
	res.Summary.Applied++
	return nil
}

func toChange(r model.SyncRecord) model.Change {
	op := model.OpUpdate
	switch {
	case r.Deleted:
		op = model.OpDelete
	case r.Revision == r.CreatedRevision:
		op = model.OpInsert
	}
	return model.Change{Table: r.Table, Op: op, RecordID: r.RecordID, Data: r.Payload, Revision: r.Revision, UpdatedAt: r.UpdatedAt}
}
