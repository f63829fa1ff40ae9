package memengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojotxn/core/replication/oplog"
	"github.com/sushant-115/gojotxn/core/storage_engine/recoveryunit"
	"github.com/sushant-115/gojotxn/core/txnerr"
)

func doc(t *testing.T, d bson.D) bson.Raw {
	t.Helper()
	b, err := bson.Marshal(d)
	require.NoError(t, err)
	return b
}

func idOf(t *testing.T, v interface{}) bson.RawValue {
	t.Helper()
	raw := doc(t, bson.D{{Key: "_id", Value: v}})
	return raw.Lookup("_id")
}

func ts(secs uint32) primitive.Timestamp {
	return primitive.Timestamp{T: secs, I: 1}
}

func begin(t *testing.T, e *Engine, opts recoveryunit.Options) recoveryunit.UnitOfWork {
	t.Helper()
	uow, err := e.Begin(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(uow.Abandon)
	return uow
}

func TestCommitMakesWritesVisibleAtCommitTimestamp(t *testing.T) {
	ctx := context.Background()
	e := New(zaptest.NewLogger(t))
	uow := begin(t, e, recoveryunit.Options{})
	require.NoError(t, uow.Insert(ctx, "db.c", doc(t, bson.D{{Key: "_id", Value: 1}, {Key: "x", Value: "a"}})))

	got, err := e.Find(ctx, "db.c", primitive.Timestamp{}, recoveryunit.EnforcePrepareConflicts)
	require.NoError(t, err)
	require.Empty(t, got, "buffered writes are invisible")

	require.NoError(t, uow.SetCommitTimestamp(ts(10)))
	require.NoError(t, uow.Commit(ctx))
	uow.Abandon()

	got, err = e.Find(ctx, "db.c", ts(9), recoveryunit.EnforcePrepareConflicts)
	require.NoError(t, err)
	require.Empty(t, got)
	got, err = e.Find(ctx, "db.c", ts(10), recoveryunit.EnforcePrepareConflicts)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, ts(10), e.LastCommitTimestamp())
}

func TestInsertDuplicateKey(t *testing.T) {
	ctx := context.Background()
	e := New(zaptest.NewLogger(t))
	uow := begin(t, e, recoveryunit.Options{})
	d := doc(t, bson.D{{Key: "_id", Value: 1}})
	require.NoError(t, uow.Insert(ctx, "db.c", d))
	err := uow.Insert(ctx, "db.c", d)
	require.True(t, txnerr.HasCode(err, txnerr.DuplicateKey))

	require.NoError(t, uow.Delete(ctx, "db.c", idOf(t, 1)))
	require.NoError(t, uow.Insert(ctx, "db.c", d), "insert after own delete")
}

func TestUpdateAndDeleteRequireNamespace(t *testing.T) {
	ctx := context.Background()
	e := New(zaptest.NewLogger(t))
	uow := begin(t, e, recoveryunit.Options{})
	err := uow.Delete(ctx, "db.missing", idOf(t, 1))
	require.True(t, txnerr.HasCode(err, txnerr.NamespaceNotFound))
	err = uow.Update(ctx, "db.missing", idOf(t, 1), doc(t, bson.D{{Key: "_id", Value: 1}}))
	require.True(t, txnerr.HasCode(err, txnerr.NamespaceNotFound))
}

func TestPrepareHoldsDocuments(t *testing.T) {
	ctx := context.Background()
	e := New(zaptest.NewLogger(t))
	e.CreateCollection("db.c")

	prepared := begin(t, e, recoveryunit.Options{})
	require.NoError(t, prepared.Insert(ctx, "db.c", doc(t, bson.D{{Key: "_id", Value: 1}})))
	require.NoError(t, prepared.SetPrepareTimestamp(ts(5)))
	require.NoError(t, prepared.Prepare(ctx))

	err := prepared.Insert(ctx, "db.c", doc(t, bson.D{{Key: "_id", Value: 2}}))
	require.True(t, txnerr.HasCode(err, txnerr.PreparedTransactionInProgress))

	_, err = e.FindByID(ctx, "db.c", idOf(t, 1), primitive.Timestamp{}, recoveryunit.EnforcePrepareConflicts)
	require.True(t, txnerr.HasCode(err, txnerr.PrepareConflict))
	got, err := e.FindByID(ctx, "db.c", idOf(t, 1), ts(4), recoveryunit.EnforcePrepareConflicts)
	require.NoError(t, err, "reads below the prepare timestamp do not conflict")
	require.Nil(t, got)
	got, err = e.FindByID(ctx, "db.c", idOf(t, 1), primitive.Timestamp{}, recoveryunit.IgnorePrepareConflicts)
	require.NoError(t, err)
	require.Nil(t, got)

	other := begin(t, e, recoveryunit.Options{})
	err = other.Update(ctx, "db.c", idOf(t, 1), doc(t, bson.D{{Key: "_id", Value: 1}}))
	require.True(t, txnerr.HasCode(err, txnerr.WriteConflict))
	replay := begin(t, e, recoveryunit.Options{PrepareConflictBehavior: recoveryunit.IgnoreConflictsAllowWrites})
	require.NoError(t, replay.Update(ctx, "db.c", idOf(t, 1), doc(t, bson.D{{Key: "_id", Value: 1}})))

	require.True(t, txnerr.HasCode(e.DropCollection("db.c"), txnerr.PreparedTransactionInProgress))

	err = prepared.Commit(ctx)
	require.True(t, txnerr.HasCode(err, txnerr.InvalidOptions), "prepared commit needs a timestamp")
	require.NoError(t, prepared.SetCommitTimestamp(ts(4)))
	require.True(t, txnerr.HasCode(prepared.Commit(ctx), txnerr.InvalidOptions), "commit before prepare timestamp")

	require.NoError(t, prepared.SetCommitTimestamp(ts(6)))
	require.NoError(t, prepared.SetDurableTimestamp(ts(7)))
	require.NoError(t, prepared.Commit(ctx))
	got, err = e.FindByID(ctx, "db.c", idOf(t, 1), primitive.Timestamp{}, recoveryunit.EnforcePrepareConflicts)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestAbandonReleasesPreparedDocuments(t *testing.T) {
	ctx := context.Background()
	e := New(zaptest.NewLogger(t))
	uow := begin(t, e, recoveryunit.Options{})
	require.NoError(t, uow.Insert(ctx, "db.c", doc(t, bson.D{{Key: "_id", Value: 1}})))
	require.NoError(t, uow.SetPrepareTimestamp(ts(3)))
	require.NoError(t, uow.Prepare(ctx))
	uow.Abandon()
	uow.Abandon()

	got, err := e.Find(ctx, "db.c", primitive.Timestamp{}, recoveryunit.EnforcePrepareConflicts)
	require.NoError(t, err)
	require.Empty(t, got)
	require.NoError(t, e.DropCollection("db.c"))
}

func TestOldestTimestampRounding(t *testing.T) {
	ctx := context.Background()
	e := New(zaptest.NewLogger(t))
	e.SetOldestTimestamp(ts(20))

	strict := begin(t, e, recoveryunit.Options{})
	require.NoError(t, strict.Insert(ctx, "db.c", doc(t, bson.D{{Key: "_id", Value: 1}})))
	require.NoError(t, strict.SetPrepareTimestamp(ts(10)))
	require.True(t, txnerr.HasCode(strict.Prepare(ctx), txnerr.BadValue))

	rounding := begin(t, e, recoveryunit.Options{RoundUpPreparedTimestamps: true})
	require.NoError(t, rounding.Insert(ctx, "db.c", doc(t, bson.D{{Key: "_id", Value: 2}})))
	require.NoError(t, rounding.SetPrepareTimestamp(ts(10)))
	require.NoError(t, rounding.Prepare(ctx))
	require.Equal(t, ts(20), rounding.PrepareTimestamp())
	require.NoError(t, rounding.SetCommitTimestamp(ts(20)))
	require.NoError(t, rounding.Commit(ctx))
}

func TestApplyOperation(t *testing.T) {
	ctx := context.Background()
	e := New(zaptest.NewLogger(t))
	uow := begin(t, e, recoveryunit.Options{})

	ops := []*oplog.Entry{
		{Op: oplog.OpInsert, NS: "db.c", Object: doc(t, bson.D{{Key: "_id", Value: 1}, {Key: "a", Value: 1}, {Key: "b", Value: 1}})},
		{Op: oplog.OpUpdate, NS: "db.c", Object: doc(t, bson.D{{Key: "$set", Value: bson.D{{Key: "a", Value: 2}, {Key: "c", Value: 3}}}, {Key: "$unset", Value: bson.D{{Key: "b", Value: ""}}}}), Object2: doc(t, bson.D{{Key: "_id", Value: 1}})},
		{Op: oplog.OpInsert, NS: "db.c", Object: doc(t, bson.D{{Key: "_id", Value: 2}})},
		{Op: oplog.OpUpdate, NS: "db.c", Object: doc(t, bson.D{{Key: "z", Value: true}}), Object2: doc(t, bson.D{{Key: "_id", Value: 2}})},
		{Op: oplog.OpInsert, NS: "db.c", Object: doc(t, bson.D{{Key: "_id", Value: 3}})},
		{Op: oplog.OpDelete, NS: "db.c", Object: doc(t, bson.D{{Key: "_id", Value: 3}})},
		{Op: oplog.OpNoop, NS: "", Object: doc(t, bson.D{})},
	}
	for _, op := range ops {
		require.NoError(t, e.ApplyOperation(ctx, uow, op))
	}
	require.NoError(t, uow.Commit(ctx))

	got, err := e.Find(ctx, "db.c", primitive.Timestamp{}, recoveryunit.EnforcePrepareConflicts)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int32(2), got[0].Lookup("a").Int32())
	require.Equal(t, int32(3), got[0].Lookup("c").Int32())
	_, err = got[0].LookupErr("b")
	require.Error(t, err)
	require.True(t, got[1].Lookup("z").Boolean())
	require.Equal(t, int32(2), got[1].Lookup("_id").Int32())

	replay := begin(t, e, recoveryunit.Options{})
	require.NoError(t, e.ApplyOperation(ctx, replay, ops[0]), "replayed insert replaces")
}

func TestApplyCommandAndIndexBuilds(t *testing.T) {
	ctx := context.Background()
	e := New(zaptest.NewLogger(t))
	create := &oplog.Entry{Op: oplog.OpCommand, NS: "db.$cmd", Object: doc(t, bson.D{{Key: "create", Value: "c"}})}
	require.NoError(t, e.ApplyCommand(ctx, create))
	require.Equal(t, []string{"db.c"}, e.CollectionsInDB("db"))

	done := e.IndexBuilds().Start("db.c")
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, e.WaitForIndexBuilds(waitCtx, []string{"db.c"}), context.DeadlineExceeded)
	require.NoError(t, e.WaitForIndexBuilds(ctx, []string{"db.other"}))
	done()
	done()
	require.NoError(t, e.WaitForIndexBuilds(ctx, []string{"db.c"}))

	createIndexes := &oplog.Entry{Op: oplog.OpCommand, NS: "db.$cmd", Object: doc(t, bson.D{
		{Key: "createIndexes", Value: "c"},
		{Key: "indexes", Value: bson.A{bson.D{{Key: "key", Value: bson.D{{Key: "a", Value: 1}}}, {Key: "name", Value: "a_1"}}}},
	})}
	require.NoError(t, e.ApplyCommand(ctx, createIndexes))
	require.NoError(t, e.WaitForIndexBuilds(ctx, []string{"db.c"}))
	require.Len(t, e.Indexes("db.c"), 1)

	drop := &oplog.Entry{Op: oplog.OpCommand, NS: "db.$cmd", Object: doc(t, bson.D{{Key: "drop", Value: "c"}})}
	require.NoError(t, e.ApplyCommand(ctx, drop))
	require.Empty(t, e.Collections())
	require.True(t, txnerr.HasCode(e.ApplyCommand(ctx, drop), txnerr.NamespaceNotFound))
}
