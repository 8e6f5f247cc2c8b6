package replica

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/lexsync/internal/client/localdb"
	"github.com/and161185/lexsync/internal/errs"
	"github.com/and161185/lexsync/internal/model"
	"github.com/and161185/lexsync/internal/repository"
	"github.com/and161185/lexsync/internal/service"
	"github.com/and161185/lexsync/internal/tables"
	"github.com/and161185/lexsync/internal/token"
)

// serverStore is a single-firm record store whose transactions run one at a
// time and publish their writes only on commit.
type serverStore struct {
	mu   sync.Mutex
	rev  int64
	recs map[uuid.UUID]model.SyncRecord
}

func (s *serverStore) InFirmTx(_ context.Context, firmID uuid.UUID, fn func(repository.SyncTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &serverTx{firmID: firmID, rev: s.rev, recs: make(map[uuid.UUID]model.SyncRecord, len(s.recs))}
	for k, v := range s.recs {
		tx.recs[k] = v
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.rev, s.recs = tx.rev, tx.recs
	return nil
}

type serverTx struct {
	firmID uuid.UUID
	rev    int64
	recs   map[uuid.UUID]model.SyncRecord
}

func (t *serverTx) AllocateRevision(context.Context) (int64, error) {
	t.rev++
	return t.rev, nil
}

func (t *serverTx) CurrentRevision(context.Context) (int64, error) { return t.rev, nil }

func (t *serverTx) Get(_ context.Context, id uuid.UUID) (*model.SyncRecord, error) {
	r, ok := t.recs[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &r, nil
}

func (t *serverTx) Upsert(_ context.Context, w model.SyncRecordWrite) error {
	r, ok := t.recs[w.RecordID]
	if !ok {
		r = model.SyncRecord{FirmID: t.firmID, RecordID: w.RecordID, Table: w.Table, CreatedRevision: w.Revision, CreatedAt: time.Now()}
	}
	r.Payload, r.Deleted, r.Revision, r.UpdatedAt = w.Payload, w.Deleted, w.Revision, time.Now()
	t.recs[w.RecordID] = r
	return nil
}

func (t *serverTx) ChangesSince(_ context.Context, cursor, upper int64) ([]model.SyncRecord, error) {
	var out []model.SyncRecord
	for _, r := range t.recs {
		if r.Revision > cursor && r.Revision <= upper {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Revision < out[j].Revision })
	return out, nil
}

// deviceSyncer calls the sync service as one authenticated device.
type deviceSyncer struct {
	svc *service.SyncServiceImpl
	p   token.Principal
}

func (d deviceSyncer) Sync(ctx context.Context, req model.SyncRequest) (model.SyncResult, error) {
	return d.svc.Sync(ctx, d.p, req)
}

type rowState struct {
	Table    string
	Data     map[string]any
	Parents  map[string]string // relation column -> parent record id
	Deleted  bool
	Revision int64
}

// snapshot describes every synced row by record id, independent of local keys.
func snapshot(t *testing.T, r *Replica, db *sql.DB) map[string]rowState {
	t.Helper()
	ctx := context.Background()
	out := map[string]rowState{}
	for _, tbl := range tables.Ordered() {
		rows, err := r.List(ctx, tbl.Name, true)
		require.NoError(t, err)
		for _, row := range rows {
			st := rowState{Table: tbl.Name, Data: row.Data, Parents: map[string]string{}, Deleted: row.Deleted, Revision: row.Revision}
			for _, rel := range tbl.Relations {
				ref := row.Parents[rel.Column]
				if !ref.Valid {
					continue
				}
				id, err := localdb.RecordID(ctx, db, rel.Parent, ref.Int64)
				require.NoError(t, err)
				st.Parents[rel.Column] = id
			}
			out[row.UUID] = st
		}
	}
	return out
}

func TestTwoReplicasConverge(t *testing.T) {
	ctx := context.Background()
	svc := service.NewSyncService(&serverStore{recs: map[uuid.UUID]model.SyncRecord{}}, 100, zaptest.NewLogger(t))
	firm := uuid.Must(uuid.NewV4())
	as := func(device string) deviceSyncer {
		return deviceSyncer{svc: svc, p: token.Principal{UserID: uuid.Must(uuid.NewV4()), FirmID: firm, DeviceID: device, Role: "lawyer"}}
	}
	a, dbA := newReplica(t, as("dev-a"), Options{DeviceID: "dev-a"})
	b, dbB := newReplica(t, as("dev-b"), Options{DeviceID: "dev-b"})

	m, err := a.Insert(ctx, "matters", map[string]any{"title": "Doe v. Roe"})
	require.NoError(t, err)
	task, err := a.Insert(ctx, "tasks", map[string]any{"title": "file motion", "matter_id": m.ID})
	require.NoError(t, err)

	_, err = a.Cycle(ctx, false)
	require.NoError(t, err)
	rep, err := b.Cycle(ctx, false)
	require.NoError(t, err)
	require.EqualValues(t, 2, rep.Cursor)

	// The child arrived with a record id and now points at B's own matter row.
	onB := snapshot(t, b, dbB)
	require.Equal(t, m.UUID, onB[task.UUID].Parents["matter_id"])

	// A deletes the task while B edits the matter.
	require.NoError(t, a.Delete(ctx, "tasks", task.ID))
	bMatter, err := localdb.LocalID(ctx, dbB, "matters", m.UUID)
	require.NoError(t, err)
	_, err = b.Update(ctx, "matters", bMatter, map[string]any{"title": "Doe v. Roe (appeal)"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = a.Cycle(ctx, false)
		require.NoError(t, err)
		_, err = b.Cycle(ctx, false)
		require.NoError(t, err)
	}

	stA, err := a.Status(ctx)
	require.NoError(t, err)
	stB, err := b.Status(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 4, stA.Cursor)
	require.Equal(t, stA.Cursor, stB.Cursor)
	require.Zero(t, stA.Pending)
	require.Zero(t, stB.Pending)

	snapA, snapB := snapshot(t, a, dbA), snapshot(t, b, dbB)
	require.Equal(t, snapA, snapB)

	// Revisions follow commit order: A's delete committed before B's edit.
	require.True(t, snapA[task.UUID].Deleted)
	require.EqualValues(t, 3, snapA[task.UUID].Revision)
	require.EqualValues(t, 4, snapA[m.UUID].Revision)
	require.Equal(t, "Doe v. Roe (appeal)", snapA[m.UUID].Data["title"])
}
