package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/lexsync/internal/client/localdb"
	"github.com/and161185/lexsync/internal/errs"
	"github.com/and161185/lexsync/internal/model"
)

func setup(t *testing.T) (*sql.DB, *Outbox) {
	t.Helper()
	db, err := localdb.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, New(db)
}

func appendOne(t *testing.T, db *sql.DB, o *Outbox, table, id string, op model.Op, payload string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, localdb.InTx(ctx, db, func(tx *sql.Tx) error {
		return o.Append(ctx, tx, table, id, op, json.RawMessage(payload))
	}))
}

func TestAppend_RejectsUnknownTableAndOp(t *testing.T) {
	db, o := setup(t)
	ctx := context.Background()

	err := localdb.InTx(ctx, db, func(tx *sql.Tx) error { return o.Append(ctx, tx, "secrets", "r", model.OpInsert, nil) })
	require.ErrorIs(t, err, errs.ErrUnknownTable)
	err = localdb.InTx(ctx, db, func(tx *sql.Tx) error { return o.Append(ctx, tx, "matters", "r", model.Op("merge"), nil) })
	require.ErrorIs(t, err, errs.ErrMalformedPayload)
}

func TestAppend_CoalescesWithinGeneration(t *testing.T) {
	db, o := setup(t)
	ctx := context.Background()

	appendOne(t, db, o, "matters", "a", model.OpInsert, `{"v":1}`)
	appendOne(t, db, o, "matters", "a", model.OpUpdate, `{"v":2}`)
	appendOne(t, db, o, "matters", "b", model.OpUpdate, `{"v":1}`)
	appendOne(t, db, o, "matters", "b", model.OpUpdate, `{"v":3}`)
	appendOne(t, db, o, "matters", "c", model.OpInsert, `{}`)
	appendOne(t, db, o, "matters", "c", model.OpDelete, `{}`)
	appendOne(t, db, o, "matters", "d", model.OpUpdate, `{}`)
	appendOne(t, db, o, "matters", "d", model.OpDelete, `{"v":9}`)

	pending, err := o.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	require.Equal(t, "a", pending[0].RecordID)
	require.Equal(t, model.OpInsert, pending[0].Op, "insert then update stays insert")
	require.JSONEq(t, `{"v":2}`, string(pending[0].Payload))

	require.Equal(t, "b", pending[1].RecordID)
	require.JSONEq(t, `{"v":3}`, string(pending[1].Payload))

	require.Equal(t, "d", pending[2].RecordID)
	require.Equal(t, model.OpDelete, pending[2].Op)
}

func TestSeal_PreventsCoalescingWithSentEntries(t *testing.T) {
	db, o := setup(t)
	ctx := context.Background()

	appendOne(t, db, o, "tasks", "a", model.OpInsert, `{"v":1}`)
	gen, err := o.Seal(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, gen)

	// a mutation while the first entry is in flight
	appendOne(t, db, o, "tasks", "a", model.OpDelete, `{}`)

	pending, err := o.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, model.OpInsert, pending[0].Op)
	require.EqualValues(t, 0, pending[0].Generation)
	require.Equal(t, model.OpDelete, pending[1].Op)
	require.EqualValues(t, 1, pending[1].Generation)
}

func TestAcknowledgeAndPurge(t *testing.T) {
	db, o := setup(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return now }

	appendOne(t, db, o, "notices", "a", model.OpInsert, `{}`)
	appendOne(t, db, o, "notices", "b", model.OpInsert, `{}`)
	pending, err := o.Pending(ctx)
	require.NoError(t, err)

	require.NoError(t, o.Acknowledge(ctx, db, []int64{pending[0].ID}))
	require.NoError(t, o.Acknowledge(ctx, db, nil))

	left, err := o.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, "b", left[0].RecordID)

	ids, err := PendingRecordIDs(ctx, db)
	require.NoError(t, err)
	require.Equal(t, map[string]struct{}{"b": {}}, ids)

	n, err := o.Purge(ctx, DefaultRetention)
	require.NoError(t, err)
	require.Zero(t, n, "fresh acknowledgements stay")

	now = now.Add(25 * time.Hour)
	n, err = o.Purge(ctx, DefaultRetention)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	all, err := o.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.False(t, all[0].Acknowledged)
}

func TestEnsureIdentifier(t *testing.T) {
	db, _ := setup(t)
	ctx := context.Background()

	res, err := db.ExecContext(ctx, `INSERT INTO expenses (data) VALUES ('{}')`)
	require.NoError(t, err)
	local, _ := res.LastInsertId()

	var first, second string
	require.NoError(t, localdb.InTx(ctx, db, func(tx *sql.Tx) error {
		var err error
		if first, err = EnsureIdentifier(ctx, tx, "expenses", local); err != nil {
			return err
		}
		second, err = EnsureIdentifier(ctx, tx, "expenses", local)
		return err
	}))
	require.NotEmpty(t, first)
	require.Equal(t, first, second, "existing identifiers are kept")

	err = localdb.InTx(ctx, db, func(tx *sql.Tx) error {
		_, err := EnsureIdentifier(ctx, tx, "expenses", 999)
		return err
	})
	require.ErrorIs(t, err, errs.ErrNotFound)
}

// Entries survive closing and reopening the replica file.
func TestPending_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replica.db")
	ctx := context.Background()

	db, err := localdb.Open(ctx, path)
	require.NoError(t, err)
	o := New(db)
	appendOne(t, db, o, "matters", "a", model.OpInsert, `{"title":"x"}`)
	appendOne(t, db, o, "matters", "b", model.OpInsert, `{"title":"y"}`)
	require.NoError(t, db.Close())

	db, err = localdb.Open(ctx, path)
	require.NoError(t, err)
	defer db.Close()
	pending, err := New(db).Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, "a", pending[0].RecordID)
	require.JSONEq(t, `{"title":"y"}`, string(pending[1].Payload))
}
