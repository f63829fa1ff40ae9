package routerservice

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/sushant-115/gojotxn/core/command"
	"github.com/sushant-115/gojotxn/core/shard"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/txnerr"
)

const (
	shardA transaction.ShardID = "shardA"
	shardB transaction.ShardID = "shardB"
)

func TestTwoShardTransactionCommitsAndRecoversThroughAnotherRouter(t *testing.T) {
	c := startCluster(t, shardA, shardB)
	svc := newService(t, c)
	cl := newClient(t, svc)

	reply := cl.start(insertCmd(targets(shardA, shardB), 1))
	requireOK(t, reply)
	require.EqualValues(t, 2, reply.Lookup("n").Int64())
	require.NotEmpty(t, recoveryShard(t, reply))

	requireOK(t, cl.cont(insertCmd(targets(shardB), 2)))
	commitReply := cl.commit()
	requireOK(t, commitReply)
	require.Equal(t, []int32{1}, shardIDs(t, svc, shardA))
	require.Equal(t, []int32{1, 2}, shardIDs(t, svc, shardB))

	// A router that never saw the transaction learns the decision from the
	// recovery shard.
	other := &client{t: t, svc: newService(t, c), lsid: cl.lsid, txnNumber: cl.txnNumber}
	requireCode(t, other.commit(), txnerr.MissingRecoveryToken)
	requireOK(t, other.commit(bson.E{Key: command.FieldRecoveryToken, Value: reply.Lookup(command.FieldRecoveryToken)}))
}

func TestReadOnlyAndWriteShardCommit(t *testing.T) {
	c := startCluster(t, shardA, shardB)
	svc := newService(t, c)
	cl := newClient(t, svc)

	reply := cl.start(findCmd(targets(shardA)))
	require.Empty(t, batchIDs(t, reply))
	require.Empty(t, recoveryShard(t, reply), "no shard has written yet")

	reply = cl.cont(insertCmd(targets(shardB), 7))
	requireOK(t, reply)
	require.Equal(t, string(shardB), recoveryShard(t, reply))
	requireOK(t, cl.commit())
	require.Equal(t, []int32{7}, shardIDs(t, svc, shardB))
}

func TestSnapshotTransactionReadsAcrossShards(t *testing.T) {
	c := startCluster(t, shardA, shardB)
	svc := newService(t, c)

	seed := newClient(t, svc)
	requireOK(t, seed.start(insertCmd(targets(shardA, shardB), 1, 2)))
	requireOK(t, seed.commit())

	cl := newClient(t, svc)
	reply := cl.start(findCmd(targets(shardA, shardB)),
		bson.E{Key: command.FieldReadConcern, Value: bson.D{{Key: "level", Value: "snapshot"}}})
	require.ElementsMatch(t, []int32{1, 2, 1, 2}, batchIDs(t, reply))
	requireOK(t, cl.commit())
}

func TestExplicitAbortDiscardsWrites(t *testing.T) {
	c := startCluster(t, shardA)
	svc := newService(t, c)
	cl := newClient(t, svc)

	requireOK(t, cl.start(insertCmd(targets(shardA), 1)))
	requireOK(t, cl.abort())
	require.Empty(t, shardIDs(t, svc, shardA))
	requireCode(t, cl.commit(), txnerr.NoSuchTransaction)

	fresh := newClient(t, svc)
	requireCode(t, fresh.abort(), txnerr.NoSuchTransaction)
}

func TestFailedStatementAbortsTransaction(t *testing.T) {
	c := startCluster(t, shardA)
	svc := newService(t, c)
	cl := newClient(t, svc)

	requireOK(t, cl.start(insertCmd(targets(shardA), 1)))
	requireCode(t, cl.cont(insertCmd(targets(shardA), 1)), txnerr.DuplicateKey)
	requireCode(t, cl.commit(), txnerr.NoSuchTransaction)
	require.Empty(t, shardIDs(t, svc, shardA))

	cl.txnNumber++
	requireOK(t, cl.start(insertCmd(targets(shardA), 1)))
	requireOK(t, cl.commit())
	require.Equal(t, []int32{1}, shardIDs(t, svc, shardA))
}

func TestStatementValidation(t *testing.T) {
	c := startCluster(t, shardA)
	svc := newService(t, c)
	cl := newClient(t, svc)

	requireCode(t, cl.start(bson.D{{Key: "find", Value: "c"}}), txnerr.InvalidOptions)
	requireCode(t, cl.cont(bson.D{{Key: command.PrepareTransaction, Value: 1}}), txnerr.IllegalOperation)

	noTxn := bson.D{{Key: "find", Value: "c"}, {Key: command.FieldLsid, Value: cl.lsid}, targets(shardA)}
	requireCode(t, cl.run(noTxn), txnerr.IllegalOperation)

	autocommit := append(findCmd(targets(shardA)),
		bson.E{Key: command.FieldLsid, Value: cl.lsid},
		bson.E{Key: command.FieldTxnNumber, Value: int64(1)},
		bson.E{Key: command.FieldAutocommit, Value: true})
	requireCode(t, cl.run(autocommit), txnerr.InvalidOptions)

	requireCode(t, cl.run(findCmd(targets(shardA, shardB))), txnerr.InvalidOptions)
	requireCode(t, cl.run(findCmd(targets("shardGone"))), txnerr.HostUnreachable)
	requireOK(t, cl.run(bson.D{{Key: "ping", Value: 1}}))
}

func TestReportTransactionsAndEndSessions(t *testing.T) {
	c := startCluster(t, shardA)
	svc := newService(t, c)
	cl := newClient(t, svc)
	requireOK(t, cl.start(insertCmd(targets(shardA), 1)))

	reply := cl.run(bson.D{{Key: command.ReportTransactions, Value: 1}})
	requireOK(t, reply)
	inprog, err := reply.Lookup("inprog").Array().Values()
	require.NoError(t, err)
	require.Len(t, inprog, 1)
	require.Equal(t, "idleSession", inprog[0].Document().Lookup("type").StringValue())
	require.Equal(t, "test", inprog[0].Document().Lookup("appName").StringValue())

	other := newClient(t, svc)
	requireOK(t, other.start(insertCmd(targets(shardA), 2)))
	require.Equal(t, 2, svc.routers.Len())

	requireOK(t, cl.run(bson.D{{Key: "endSessions", Value: bson.A{cl.lsid}}}))
	require.Equal(t, 1, svc.routers.Len())
	requireOK(t, cl.run(bson.D{{Key: "endSessions", Value: bson.A{other.lsid}}}))
	require.Zero(t, svc.routers.Len())

	requireCode(t, cl.run(bson.D{{Key: "endSessions", Value: "all"}}), txnerr.FailedToParse)
}

// scriptedSender answers statements through reply and everything else
// with {ok: 1}, recording what it was sent.
type scriptedSender struct {
	mu    sync.Mutex
	sent  []bson.D
	reply func(n int, cmd bson.D) bson.Raw
}

func (s *scriptedSender) RunCommand(_ context.Context, _ transaction.ShardID, _ string, cmd bson.D, _ shard.ReadPreference, _ shard.RetryPolicy) (bson.Raw, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, cmd)
	if command.IsTransactionCommand(command.Name(cmd)) {
		return command.OKReply(), nil
	}
	statements := 0
	for _, c := range s.sent {
		if !command.IsTransactionCommand(command.Name(c)) {
			statements++
		}
	}
	return s.reply(statements, cmd), nil
}

func (s *scriptedSender) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.sent {
		out = append(out, command.Name(c))
	}
	return out
}

func (s *scriptedSender) command(i int) bson.D {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[i]
}

func failFirst(code txnerr.Code) func(int, bson.D) bson.Raw {
	return func(n int, _ bson.D) bson.Raw {
		if n == 1 {
			return command.ErrorReply(txnerr.New(code, "scripted"))
		}
		return command.ToRaw(bson.D{{Key: "n", Value: 1}, {Key: "ok", Value: 1}})
	}
}

func TestStaleRoutingErrorRetriesFirstStatement(t *testing.T) {
	sender := &scriptedSender{reply: failFirst(txnerr.StaleConfig)}
	cl := newClient(t, newService(t, sender))

	requireOK(t, cl.start(insertCmd(targets(shardA), 1)))
	require.Equal(t, []string{"insert", command.AbortTransaction, "insert"}, sender.names())
	require.True(t, command.Has(sender.command(2), command.FieldStartTransaction), "the retry restarts the transaction on the shard")
}

func TestSnapshotErrorRetriesAtNewTimestamp(t *testing.T) {
	sender := &scriptedSender{reply: failFirst(txnerr.SnapshotTooOld)}
	cl := newClient(t, newService(t, sender))

	requireOK(t, cl.start(insertCmd(targets(shardA), 1),
		bson.E{Key: command.FieldReadConcern, Value: bson.D{{Key: "level", Value: "snapshot"}}}))
	require.Equal(t, []string{"insert", command.AbortTransaction, "insert"}, sender.names())

	rc, ok := command.Lookup(sender.command(2), command.FieldReadConcern)
	require.True(t, ok)
	raw := command.ToRaw(rc)
	_, err := raw.LookupErr("atClusterTime")
	require.NoError(t, err)
}

func TestStaleErrorOnLaterWriteAbortsTransaction(t *testing.T) {
	sender := &scriptedSender{reply: func(n int, _ bson.D) bson.Raw {
		if n == 2 {
			return command.ErrorReply(txnerr.New(txnerr.StaleConfig, "scripted"))
		}
		return command.ToRaw(bson.D{{Key: "n", Value: 1}, {Key: "ok", Value: 1}})
	}}
	cl := newClient(t, newService(t, sender))

	requireOK(t, cl.start(insertCmd(targets(shardA), 1)))
	requireCode(t, cl.cont(insertCmd(targets(shardA), 2)), txnerr.StaleConfig)
	require.Equal(t, []string{"insert", "insert", command.AbortTransaction}, sender.names())
}

func TestRetriesDisabled(t *testing.T) {
	sender := &scriptedSender{reply: failFirst(txnerr.StaleConfig)}
	svc := newService(t, sender)
	svc.cfg.MaxStatementRetries = 0
	cl := newClient(t, svc)

	requireCode(t, cl.start(insertCmd(targets(shardA), 1)), txnerr.StaleConfig)
	require.Equal(t, []string{"insert", command.AbortTransaction}, sender.names())
}

func TestMergeReplies(t *testing.T) {
	a := command.ToRaw(bson.D{{Key: "n", Value: int32(1)}, {Key: "nModified", Value: int32(1)}, {Key: "ok", Value: 1}})
	b := command.ToRaw(bson.D{{Key: "n", Value: int32(2)}, {Key: "nModified", Value: int32(0)}, {Key: "ok", Value: 1}})
	merged := mergeReplies([]bson.Raw{a, b})
	require.EqualValues(t, 3, merged.Lookup("n").Int64())
	require.EqualValues(t, 1, merged.Lookup("nModified").Int64())

	f1 := command.ToRaw(bson.D{{Key: "cursor", Value: bson.D{{Key: "firstBatch", Value: bson.A{bson.D{{Key: "_id", Value: int32(1)}}}}, {Key: "ns", Value: "db.c"}}}, {Key: "ok", Value: 1}})
	f2 := command.ToRaw(bson.D{{Key: "cursor", Value: bson.D{{Key: "firstBatch", Value: bson.A{}}, {Key: "ns", Value: "db.c"}}}, {Key: "ok", Value: 1}})
	require.Equal(t, []int32{1}, batchIDs(t, mergeReplies([]bson.Raw{f1, f2})))
	require.Equal(t, "db.c", mergeReplies([]bson.Raw{f1, f2}).Lookup("cursor", "ns").StringValue())
}
