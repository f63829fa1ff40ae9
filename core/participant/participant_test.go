package participant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/sushant-115/gojotxn/core/command"
	"github.com/sushant-115/gojotxn/core/replication/oplog"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/txnerr"
)

func TestStatementsSeeTheirOwnWrites(t *testing.T) {
	n := startShard(t, t.TempDir(), "shard0", nil)
	s := newSession()

	reply := n.run(s.start(insertCmd("c", 1, 2)))
	requireOK(t, reply)
	readOnly, present := command.BoolField(reply, command.FieldReadOnly)
	require.True(t, present)
	require.False(t, readOnly)

	requireOK(t, n.run(s.cont(updateCmd("c", 2, bson.D{{Key: "$set", Value: bson.D{{Key: "v", Value: int32(20)}}}}))))
	requireOK(t, n.run(s.cont(deleteCmd("c", 1))))
	require.Equal(t, []int32{2}, ids(t, n.run(s.cont(findCmd("c")))))
	require.Empty(t, ids(t, n.run(findCmd("c"))), "uncommitted writes are invisible outside the transaction")

	requireOK(t, n.run(s.commit()))
	reply = n.run(findCmd("c"))
	require.Equal(t, []int32{2}, ids(t, reply))
	doc := reply.Lookup("cursor", "firstBatch").Array().Index(0).Value().Document()
	require.Equal(t, int32(20), doc.Lookup("v").Int32())

	requireOK(t, n.run(s.commit()), "commit is idempotent")
}

func TestReadOnlyParticipant(t *testing.T) {
	n := startShard(t, t.TempDir(), "shard0", nil)
	requireOK(t, n.run(insertCmd("c", 1)))

	s := newSession()
	reply := n.run(s.start(findCmd("c")))
	require.Equal(t, []int32{1}, ids(t, reply))
	readOnly, _ := command.BoolField(reply, command.FieldReadOnly)
	require.True(t, readOnly)

	requireOK(t, n.run(s.commit()))
	require.Empty(t, n.oplogEntries()[1:], "a read-only commit writes nothing")
}

func TestTransactionNumberRules(t *testing.T) {
	n := startShard(t, t.TempDir(), "shard0", nil)
	s := newSession()
	s.txnNumber = 5
	requireOK(t, n.run(s.start(insertCmd("c", 9))))
	// Restarting at the same number discards the first attempt.
	requireOK(t, n.run(s.start(findCmd("c"))))
	require.Empty(t, ids(t, n.run(s.cont(findCmd("c")))))

	old := *s
	old.txnNumber = 4
	requireCode(t, n.run(old.cont(findCmd("c"))), txnerr.TransactionTooOld)
	requireCode(t, n.run(old.start(findCmd("c"))), txnerr.TransactionTooOld)

	unknown := *s
	unknown.txnNumber = 6
	requireCode(t, n.run(unknown.cont(findCmd("c"))), txnerr.NoSuchTransaction)

	// Starting a newer transaction aborts the open one.
	requireOK(t, n.run(unknown.start(insertCmd("c", 1))))
	requireCode(t, n.run(s.commit()), txnerr.TransactionTooOld)
	requireOK(t, n.run(unknown.commit()))
	requireCode(t, n.run(unknown.start(findCmd("c"))), txnerr.ConflictingOperationInProgress)
}

func TestCommandArgumentValidation(t *testing.T) {
	n := startShard(t, t.TempDir(), "shard0", nil)
	s := newSession()

	noAutocommit := append(findCmd("c"),
		bson.E{Key: command.FieldLsid, Value: s.lsid},
		bson.E{Key: command.FieldTxnNumber, Value: int64(1)})
	requireCode(t, n.run(noAutocommit), txnerr.IllegalOperation)

	noSession := append(findCmd("c"),
		bson.E{Key: command.FieldTxnNumber, Value: int64(1)},
		bson.E{Key: command.FieldAutocommit, Value: false})
	requireCode(t, n.run(noSession), txnerr.InvalidOptions)

	requireOK(t, n.run(s.start(findCmd("c"))))
	withReadConcern := append(s.cont(findCmd("c")), bson.E{Key: command.FieldReadConcern, Value: bson.D{{Key: "level", Value: "local"}}})
	requireCode(t, n.run(withReadConcern), txnerr.InvalidOptions)

	requireCode(t, n.run(bson.D{{Key: "explain", Value: 1}}), txnerr.IllegalOperation)
	requireOK(t, n.run(bson.D{{Key: "ping", Value: 1}}))
}

func TestFailedStatementAbortsTransaction(t *testing.T) {
	n := startShard(t, t.TempDir(), "shard0", nil)
	requireOK(t, n.run(insertCmd("c", 1)))
	requireCode(t, n.run(insertCmd("c", 1)), txnerr.DuplicateKey)

	s := newSession()
	requireOK(t, n.run(s.start(insertCmd("c", 2))))
	requireCode(t, n.run(s.cont(insertCmd("c", 1))), txnerr.DuplicateKey)
	requireCode(t, n.run(s.cont(findCmd("c"))), txnerr.NoSuchTransaction)
	requireCode(t, n.run(s.commit()), txnerr.NoSuchTransaction)
	require.Equal(t, []int32{1}, ids(t, n.run(findCmd("c"))))
}

func TestPrepareWritesChunkedOplogChain(t *testing.T) {
	n := startShard(t, t.TempDir(), "shard0", nil)
	s := newSession()
	requireOK(t, n.run(s.start(insertCmd("c", 1, 2, 3, 4, 5))))

	prepared := n.run(s.prepare())
	requireOK(t, prepared)
	pt, pi, ok := prepared.Lookup("prepareTimestamp").TimestampOK()
	require.True(t, ok)
	prepareTS := primitive.Timestamp{T: pt, I: pi}

	again := n.run(s.prepare())
	requireOK(t, again)
	require.Equal(t, prepared.Lookup("prepareTimestamp"), again.Lookup("prepareTimestamp"), "prepare is idempotent")

	requireCode(t, n.run(s.cont(findCmd("c"))), txnerr.PreparedTransactionInProgress)
	requireCode(t, n.run(findCmd("c")), txnerr.PrepareConflict)

	entries := n.oplogEntries()
	var kinds []oplog.TxnKind
	for _, e := range entries {
		meta, ok := e.Meta()
		require.True(t, ok)
		kinds = append(kinds, meta.Kind)
	}
	require.Equal(t, []oplog.TxnKind{oplog.TxnKindPartial, oplog.TxnKindPartial, oplog.TxnKindPrepare}, kinds)
	require.Nil(t, entries[0].PrevOpTime)
	require.Equal(t, entries[0].OpTime(), *entries[1].PrevOpTime)
	require.Equal(t, entries[1].OpTime(), *entries[2].PrevOpTime)
	require.Equal(t, prepareTS, entries[2].TS)

	requireCode(t, n.run(s.commit()), txnerr.InvalidOptions)
	early := append(s.commit(), bson.E{Key: "commitTimestamp", Value: entries[0].TS})
	requireCode(t, n.run(early), txnerr.InvalidOptions)

	commit := append(s.commit(), bson.E{Key: "commitTimestamp", Value: entries[2].TS})
	requireOK(t, n.run(commit))
	require.Equal(t, []int32{1, 2, 3, 4, 5}, ids(t, n.run(findCmd("c"))))

	last := n.oplogEntries()[3]
	require.True(t, last.IsPreparedCommit())
	require.Equal(t, entries[2].OpTime(), *last.PrevOpTime)
	commitTS, err := last.CommitTimestamp()
	require.NoError(t, err)
	require.Equal(t, entries[2].TS, commitTS)
}

func TestAbortPreparedTransaction(t *testing.T) {
	n := startShard(t, t.TempDir(), "shard0", nil)
	s := newSession()
	requireOK(t, n.run(s.start(insertCmd("c", 1))))
	requireOK(t, n.run(s.prepare()))
	requireOK(t, n.run(s.abort()))

	require.Empty(t, ids(t, n.run(findCmd("c"))))
	requireCode(t, n.run(s.abort()), txnerr.NoSuchTransaction)
	requireCode(t, n.run(s.commit()), txnerr.NoSuchTransaction)

	entries := n.oplogEntries()
	meta, ok := entries[len(entries)-1].Meta()
	require.True(t, ok)
	require.Equal(t, oplog.TxnKindAbort, meta.Kind)

	committed := newSession()
	requireOK(t, n.run(committed.start(insertCmd("c", 2))))
	requireOK(t, n.run(committed.commit()))
	requireCode(t, n.run(committed.abort()), txnerr.TransactionCommitted)
}

func TestConcurrentTransactionsConflictOnDocuments(t *testing.T) {
	n := startShard(t, t.TempDir(), "shard0", nil)
	a, b := newSession(), newSession()

	requireOK(t, n.run(a.start(insertCmd("c", 1))))
	requireCode(t, n.run(b.start(insertCmd("c", 1))), txnerr.WriteConflict)
	reply := n.run(updateCmd("c", 1, bson.D{{Key: "v", Value: int32(9)}}))
	requireOK(t, reply)
	require.Equal(t, int32(0), reply.Lookup("n").Int32(), "an uncommitted insert is not visible to other writers")
	requireOK(t, n.run(a.commit()))

	b.next()
	requireOK(t, n.run(b.start(updateCmd("c", 1, bson.D{{Key: "v", Value: int32(7)}}))))
	requireCode(t, n.run(deleteCmd("c", 1)), txnerr.WriteConflict)
	requireOK(t, n.run(b.commit()))
}

func TestSnapshotTransactionDetectsWriteConflict(t *testing.T) {
	n := startShard(t, t.TempDir(), "shard0", nil)
	requireOK(t, n.run(insertCmd("c", 1)))

	s := newSession()
	require.Equal(t, []int32{1}, ids(t, n.run(s.startSnapshot(findCmd("c")))))

	requireOK(t, n.run(updateCmd("c", 1, bson.D{{Key: "$set", Value: bson.D{{Key: "v", Value: int32(2)}}}})))
	requireOK(t, n.run(insertCmd("c", 2)))
	require.Equal(t, []int32{1}, ids(t, n.run(s.cont(findCmd("c")))), "the snapshot does not see later writes")

	requireCode(t, n.run(s.cont(updateCmd("c", 1, bson.D{{Key: "v", Value: int32(3)}}))), txnerr.WriteConflict)
}

func TestRestartRecoversTransactionState(t *testing.T) {
	dir := t.TempDir()
	n := startShard(t, dir, "shard0", nil)

	committed := newSession()
	requireOK(t, n.run(committed.start(insertCmd("c", 1))))
	requireOK(t, n.run(committed.commit()))

	prepared := newSession()
	requireOK(t, n.run(prepared.start(insertCmd("c", 2, 3, 4))))
	reply := n.run(prepared.prepare())
	requireOK(t, reply)
	prepareTS := reply.Lookup("prepareTimestamp")
	n.stop()

	n = startShard(t, dir, "shard0", nil)
	requireOK(t, n.run(committed.commit()), "a committed transaction is found in the transaction table")
	requireCode(t, n.run(prepared.cont(findCmd("c"))), txnerr.PreparedTransactionInProgress)
	requireCode(t, n.run(findCmd("c")), txnerr.PrepareConflict)

	requireOK(t, n.run(append(prepared.commit(), bson.E{Key: "commitTimestamp", Value: prepareTS})))
	require.Equal(t, []int32{1, 2, 3, 4}, ids(t, n.run(findCmd("c"))))

	rec, found, err := n.table.Get(context.Background(), prepared.lsid)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, transaction.StateCommitted, rec.State)
}

func TestReportListsOpenTransactions(t *testing.T) {
	n := startShard(t, t.TempDir(), "shard0", nil)
	a, b := newSession(), newSession()
	requireOK(t, n.run(a.start(insertCmd("c", 1))))
	requireOK(t, n.run(b.start(insertCmd("c", 2))))
	requireOK(t, n.run(b.prepare()))

	states := map[string]string{}
	for _, d := range n.svc.Report() {
		raw := command.ToRaw(d)
		var id transaction.SessionID
		v := raw.Lookup("lsid")
		require.NoError(t, id.UnmarshalBSONValue(v.Type, v.Value))
		states[id.String()] = raw.Lookup("state").StringValue()
	}
	require.Equal(t, map[string]string{a.lsid.String(): "inProgress", b.lsid.String(): "prepared"}, states)

	reply := n.svc.RunCommand(context.Background(), "admin", bson.D{{Key: command.ReportTransactions, Value: 1}})
	requireOK(t, reply)
	inprog, err := reply.Lookup("inprog").Array().Values()
	require.NoError(t, err)
	require.Len(t, inprog, 2)
}
