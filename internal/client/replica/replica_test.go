package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/lexsync/internal/client/localdb"
	"github.com/and161185/lexsync/internal/errs"
	"github.com/and161185/lexsync/internal/model"
)

type fakeSyncer struct {
	reqs []model.SyncRequest
	fn   func(ctx context.Context, req model.SyncRequest) (model.SyncResult, error)
}

func (f *fakeSyncer) Sync(ctx context.Context, req model.SyncRequest) (model.SyncResult, error) {
	f.reqs = append(f.reqs, req)
	if f.fn == nil {
		return model.SyncResult{NewRevision: req.LastSyncRevision}, nil
	}
	return f.fn(ctx, req)
}

func newReplica(t *testing.T, s Syncer, opts Options) (*Replica, *sql.DB) {
	t.Helper()
	db, err := localdb.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	opts.Log = zaptest.NewLogger(t)
	if opts.DeviceID == "" {
		opts.DeviceID = "dev-1"
	}
	return New(db, s, opts), db
}

func payloadOf(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func pendingCount(t *testing.T, r *Replica) int {
	t.Helper()
	st, err := r.Status(context.Background())
	require.NoError(t, err)
	return st.Pending
}

func TestInsert_TranslatesParentReference(t *testing.T) {
	r, _ := newReplica(t, nil, Options{})
	ctx := context.Background()

	m, err := r.Insert(ctx, "matters", map[string]any{"title": "Doe v. Roe", "id": 77})
	require.NoError(t, err)
	require.NotEmpty(t, m.UUID)
	require.NotContains(t, m.Data, "id")

	task, err := r.Insert(ctx, "tasks", map[string]any{"title": "file motion", "matter_id": m.ID})
	require.NoError(t, err)
	require.Equal(t, sql.NullInt64{Int64: m.ID, Valid: true}, task.Parents["matter_id"])

	byUUID, err := r.Insert(ctx, "tasks", map[string]any{"matter_uuid": m.UUID})
	require.NoError(t, err)
	require.Equal(t, m.ID, byUUID.Parents["matter_id"].Int64)

	pending, err := r.Outbox().Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, "tasks", pending[1].Table)
	require.Equal(t, model.OpInsert, pending[1].Op)
	require.Equal(t, map[string]any{"title": "file motion", "matter_uuid": m.UUID}, payloadOf(t, pending[1].Payload))
}

func TestInsert_RejectsBadInput(t *testing.T) {
	r, _ := newReplica(t, nil, Options{})
	ctx := context.Background()

	_, err := r.Insert(ctx, "secrets", nil)
	require.ErrorIs(t, err, errs.ErrUnknownTable)
	_, err = r.Insert(ctx, "tasks", map[string]any{"matter_id": 99})
	require.ErrorIs(t, err, errs.ErrNotFound)
	_, err = r.Insert(ctx, "tasks", map[string]any{"matter_uuid": uuid.Must(uuid.NewV4()).String()})
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.Zero(t, pendingCount(t, r), "failed mutations leave nothing queued")
}

func TestUpdateAndDelete_CoalesceBeforeSync(t *testing.T) {
	r, _ := newReplica(t, nil, Options{})
	ctx := context.Background()

	m, err := r.Insert(ctx, "matters", map[string]any{"title": "A", "court": "X"})
	require.NoError(t, err)
	m, err = r.Update(ctx, "matters", m.ID, map[string]any{"title": "B", "court": nil})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"title": "B"}, m.Data)

	pending, err := r.Outbox().Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, model.OpInsert, pending[0].Op)
	require.Equal(t, map[string]any{"title": "B"}, payloadOf(t, pending[0].Payload))

	require.NoError(t, r.Delete(ctx, "matters", m.ID))
	require.Zero(t, pendingCount(t, r), "insert then delete cancels")
	got, err := r.Get(ctx, "matters", m.ID)
	require.NoError(t, err)
	require.True(t, got.Deleted)

	require.ErrorIs(t, r.Delete(ctx, "matters", 404), errs.ErrNotFound)
}

func TestCycle_PushesMergesAndAdvances(t *testing.T) {
	remote := uuid.Must(uuid.NewV4())
	var mirrored int64
	s := &fakeSyncer{}
	r, _ := newReplica(t, s, Options{OnCursor: func(rev int64, _ time.Time) error { mirrored = rev; return nil }})
	ctx := context.Background()

	local, err := r.Insert(ctx, "matters", map[string]any{"title": "mine"})
	require.NoError(t, err)

	s.fn = func(_ context.Context, req model.SyncRequest) (model.SyncResult, error) {
		return model.SyncResult{
			NewRevision: 2,
			Changes: []model.Change{
				{Table: "matters", Op: model.OpInsert, RecordID: uuid.FromStringOrNil(local.UUID), Data: json.RawMessage(`{"title":"mine"}`), Revision: 1, UpdatedAt: time.Now()},
				{Table: "matters", Op: model.OpInsert, RecordID: remote, Data: json.RawMessage(`{"title":"theirs"}`), Revision: 2, UpdatedAt: time.Now()},
			},
			Summary: model.SyncSummary{Received: 1, Applied: 1, Inserted: 1, Returned: 2},
		}, nil
	}

	rep, err := r.Cycle(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Sent)
	require.EqualValues(t, 2, rep.Cursor)
	require.EqualValues(t, 2, mirrored)

	require.Len(t, s.reqs, 1)
	require.Equal(t, "dev-1", s.reqs[0].DeviceID)
	require.Zero(t, s.reqs[0].LastSyncRevision)
	require.Equal(t, local.UUID, s.reqs[0].Changes[0].RecordID)

	require.Zero(t, pendingCount(t, r))
	echoed, err := r.Get(ctx, "matters", local.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, echoed.Revision, "echo stamps the server revision")

	rows, err := r.List(ctx, "matters", false)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	_, err = r.Cycle(ctx, false)
	require.NoError(t, err)
	require.EqualValues(t, 2, s.reqs[1].LastSyncRevision)
	require.Empty(t, s.reqs[1].Changes)
}

func TestCycle_FailureLeavesOutboxAndCursor(t *testing.T) {
	s := &fakeSyncer{fn: func(context.Context, model.SyncRequest) (model.SyncResult, error) {
		return model.SyncResult{}, errs.ErrTransientTransport
	}}
	r, db := newReplica(t, s, Options{})
	ctx := context.Background()
	require.NoError(t, localdb.SetCursor(ctx, db, 5))
	_, err := r.Insert(ctx, "matters", map[string]any{"title": "x"})
	require.NoError(t, err)

	_, err = r.Cycle(ctx, false)
	require.ErrorIs(t, err, errs.ErrTransientTransport)
	require.Equal(t, 1, pendingCount(t, r))
	st, err := r.Status(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 5, st.Cursor)

	s.fn = func(context.Context, model.SyncRequest) (model.SyncResult, error) {
		return model.SyncResult{NewRevision: 6, Changes: []model.Change{
			{Table: "matters", Op: model.OpInsert, RecordID: uuid.Must(uuid.NewV4()), Data: json.RawMessage(`[]`), Revision: 6},
		}}, nil
	}
	_, err = r.Cycle(ctx, false)
	require.ErrorIs(t, err, errs.ErrLocalApply)
	require.Equal(t, 1, pendingCount(t, r), "a rolled back merge keeps the entries")
	st, err = r.Status(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 5, st.Cursor)
}

func TestCycle_EditDuringRequestSurvivesEcho(t *testing.T) {
	s := &fakeSyncer{}
	r, _ := newReplica(t, s, Options{})
	ctx := context.Background()
	m, err := r.Insert(ctx, "matters", map[string]any{"title": "v1"})
	require.NoError(t, err)

	s.fn = func(_ context.Context, req model.SyncRequest) (model.SyncResult, error) {
		if _, err := r.Update(ctx, "matters", m.ID, map[string]any{"title": "v2"}); err != nil {
			return model.SyncResult{}, err
		}
		return model.SyncResult{NewRevision: 1, Changes: []model.Change{
			{Table: "matters", Op: model.OpInsert, RecordID: uuid.FromStringOrNil(m.UUID), Data: req.Changes[0].Data, Revision: 1},
		}}, nil
	}
	_, err = r.Cycle(ctx, false)
	require.NoError(t, err)

	got, err := r.Get(ctx, "matters", m.ID)
	require.NoError(t, err)
	require.Equal(t, "v2", got.Data["title"])

	pending, err := r.Outbox().Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1, "the edit made mid-flight was not coalesced into the sent insert")
	require.Equal(t, model.OpUpdate, pending[0].Op)
}

func TestCycle_RejectedChangesAreAcknowledged(t *testing.T) {
	s := &fakeSyncer{fn: func(_ context.Context, req model.SyncRequest) (model.SyncResult, error) {
		return model.SyncResult{NewRevision: 0, Errors: []model.ItemError{
			{RecordID: req.Changes[0].RecordID, Table: "matters", Err: errs.ErrMalformedPayload},
		}}, nil
	}}
	r, _ := newReplica(t, s, Options{})
	ctx := context.Background()
	_, err := r.Insert(ctx, "matters", nil)
	require.NoError(t, err)

	rep, err := r.Cycle(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Rejected)
	require.Zero(t, pendingCount(t, r))
}

func TestCycle_LargeTimeoutForFullCycles(t *testing.T) {
	var deadlines []time.Duration
	s := &fakeSyncer{fn: func(ctx context.Context, req model.SyncRequest) (model.SyncResult, error) {
		d, ok := ctx.Deadline()
		require.True(t, ok)
		deadlines = append(deadlines, time.Until(d))
		return model.SyncResult{NewRevision: req.LastSyncRevision}, nil
	}}
	r, _ := newReplica(t, s, Options{Timeout: time.Minute, LargeTimeout: time.Hour, LargeBatch: 1})
	ctx := context.Background()

	_, err := r.Cycle(ctx, false)
	require.NoError(t, err)
	_, err = r.Cycle(ctx, true)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := r.Insert(ctx, "users", nil)
		require.NoError(t, err)
	}
	_, err = r.Cycle(ctx, false)
	require.NoError(t, err)

	require.Len(t, deadlines, 3)
	require.LessOrEqual(t, deadlines[0], time.Minute)
	require.Greater(t, deadlines[1], 30*time.Minute)
	require.Greater(t, deadlines[2], 30*time.Minute)
}

func TestCycle_NoServer(t *testing.T) {
	r, _ := newReplica(t, nil, Options{})
	_, err := r.Cycle(context.Background(), false)
	require.True(t, errors.Is(err, errs.ErrTransientTransport))
}

func TestReseed_QueuesEveryRowParentsFirst(t *testing.T) {
	r, db := newReplica(t, nil, Options{})
	ctx := context.Background()

	res, err := db.ExecContext(ctx, `INSERT INTO matters (data) VALUES ('{"title":"legacy"}')`)
	require.NoError(t, err)
	mid, _ := res.LastInsertId()
	_, err = db.ExecContext(ctx, `INSERT INTO finance (data, matter_id, is_deleted) VALUES ('{"fee":1}', ?, 1)`, mid)
	require.NoError(t, err)

	n, err := r.Reseed(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	pending, err := r.Outbox().Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "matters", pending[0].Table)
	require.Equal(t, model.OpInsert, pending[0].Op)
	require.Equal(t, "finance", pending[1].Table)
	require.Equal(t, model.OpDelete, pending[1].Op)
	require.Equal(t, pending[0].RecordID, payloadOf(t, pending[1].Payload)["matter_uuid"])

	rid, err := localdb.RecordID(ctx, db, "matters", mid)
	require.NoError(t, err)
	require.Equal(t, pending[0].RecordID, rid)
}

func TestInsert_LegacyParentGetsQueued(t *testing.T) {
	r, db := newReplica(t, nil, Options{})
	ctx := context.Background()

	res, err := db.ExecContext(ctx, `INSERT INTO users (data) VALUES ('{"name":"ann"}')`)
	require.NoError(t, err)
	uid, _ := res.LastInsertId()

	_, err = r.Insert(ctx, "permissions", map[string]any{"user_id": uid, "can_edit": true})
	require.NoError(t, err)

	pending, err := r.Outbox().Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "users", pending[0].Table)
	require.Equal(t, pending[0].RecordID, payloadOf(t, pending[1].Payload)["user_uuid"])
}
