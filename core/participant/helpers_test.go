package participant

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojotxn/core/command"
	"github.com/sushant-115/gojotxn/core/replication/oplog"
	"github.com/sushant-115/gojotxn/core/replication/txnapply"
	"github.com/sushant-115/gojotxn/core/shard"
	"github.com/sushant-115/gojotxn/core/storage_engine/memengine"
	"github.com/sushant-115/gojotxn/core/storage_engine/txntable"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/txnerr"
	"github.com/sushant-115/gojotxn/core/write_engine/wal"
)

// fabric routes commands between the shards of a test.
type fabric struct {
	mu     sync.Mutex
	shards map[transaction.ShardID]*Service
}

func newFabric() *fabric {
	return &fabric{shards: make(map[transaction.ShardID]*Service)}
}

func (f *fabric) add(s *Service) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shards[s.ShardID()] = s
}

func (f *fabric) RunCommand(ctx context.Context, id transaction.ShardID, db string, cmd bson.D, _ shard.ReadPreference, _ shard.RetryPolicy) (bson.Raw, error) {
	f.mu.Lock()
	s, ok := f.shards[id]
	f.mu.Unlock()
	if !ok {
		return nil, txnerr.Newf(txnerr.HostUnreachable, "shard %s is down", id)
	}
	return s.RunCommand(ctx, db, cmd), nil
}

// shardNode is a shard started the way a node starts: replay the oplog,
// reconstruct prepared transactions, then tail new entries.
type shardNode struct {
	t      *testing.T
	log    *wal.LogManager
	store  *oplog.Store
	table  *txntable.Table
	engine *memengine.Engine
	stream *oplog.Stream
	svc    *Service
	cancel context.CancelFunc
	done   chan error
}

func startShard(t *testing.T, dir string, id transaction.ShardID, f *fabric) *shardNode {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	lm, err := wal.NewLogManager(filepath.Join(dir, "oplog"), logger)
	require.NoError(t, err)
	store, err := oplog.NewStore(lm, logger)
	require.NoError(t, err)
	table, err := txntable.Open(filepath.Join(dir, "txns.db"), logger)
	require.NoError(t, err)
	engine := memengine.New(logger)
	applier, err := txnapply.New(txnapply.Config{
		Reader:      store,
		Engine:      engine,
		Ops:         engine,
		IndexBuilds: engine,
		TxnTable:    table,
		Logger:      logger,
	})
	require.NoError(t, err)

	stream, err := store.Stream(0, "apply")
	require.NoError(t, err)
	recovery := txnapply.NewTailer(applier, stream, txnapply.ModeRecovering, 0, logger)
	require.NoError(t, recovery.CatchUp(ctx))
	require.NoError(t, applier.ReconstructPreparedTransactions(ctx, txnapply.ModeRecovering))
	tailer := txnapply.NewTailer(applier, stream, txnapply.ModeSecondary, 0, logger)
	tailer.Start(recovery.Applied())

	var remote shard.Sender
	if f != nil {
		remote = f
	}
	svc, err := New(Config{
		ShardID:             id,
		Term:                1,
		MaxOpsPerOplogEntry: 2,
		Oplog:               store,
		Reader:              engine,
		TxnTable:            table,
		Applied:             tailer,
		Remote:              remote,
		Logger:              logger,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Recover(ctx))
	if f != nil {
		f.add(svc)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	n := &shardNode{t: t, log: lm, store: store, table: table, engine: engine, stream: stream, svc: svc, cancel: cancel, done: make(chan error, 1)}
	go func() { n.done <- tailer.Run(runCtx) }()
	t.Cleanup(n.stop)
	return n
}

func (n *shardNode) stop() {
	if n.cancel == nil {
		return
	}
	n.cancel()
	require.NoError(n.t, <-n.done)
	n.cancel = nil
	n.stream.Close()
	n.table.Close()
	n.log.Close()
}

func (n *shardNode) run(cmd bson.D) bson.Raw {
	return n.svc.RunCommand(context.Background(), "db", cmd)
}

// oplogEntries reads the whole oplog of the shard.
func (n *shardNode) oplogEntries() []*oplog.Entry {
	n.t.Helper()
	st, err := n.store.Stream(0, "inspect")
	require.NoError(n.t, err)
	defer st.Close()
	var out []*oplog.Entry
	for {
		e, _, err := st.TryNext()
		require.NoError(n.t, err)
		if e == nil {
			return out
		}
		out = append(out, e)
	}
}

// session issues the transaction fields a router would attach.
type session struct {
	lsid      transaction.SessionID
	txnNumber transaction.TxnNumber
}

func newSession() *session {
	return &session{lsid: transaction.NewSessionID(), txnNumber: 1}
}

func (s *session) start(cmd bson.D) bson.D {
	return append(s.cont(cmd), bson.E{Key: command.FieldStartTransaction, Value: true})
}

func (s *session) startSnapshot(cmd bson.D) bson.D {
	return append(s.start(cmd), bson.E{Key: command.FieldReadConcern, Value: bson.D{{Key: "level", Value: "snapshot"}}})
}

func (s *session) cont(cmd bson.D) bson.D {
	out := command.Clone(cmd)
	return append(out,
		bson.E{Key: command.FieldLsid, Value: s.lsid},
		bson.E{Key: command.FieldTxnNumber, Value: int64(s.txnNumber)},
		bson.E{Key: command.FieldAutocommit, Value: false},
	)
}

func (s *session) next() {
	s.txnNumber++
}

func insertCmd(coll string, ids ...int32) bson.D {
	docs := bson.A{}
	for _, id := range ids {
		docs = append(docs, bson.D{{Key: "_id", Value: id}, {Key: "v", Value: id}})
	}
	return bson.D{{Key: "insert", Value: coll}, {Key: "documents", Value: docs}}
}

func updateCmd(coll string, id int32, u bson.D) bson.D {
	return bson.D{{Key: "update", Value: coll}, {Key: "updates", Value: bson.A{
		bson.D{{Key: "q", Value: bson.D{{Key: "_id", Value: id}}}, {Key: "u", Value: u}},
	}}}
}

func deleteCmd(coll string, id int32) bson.D {
	return bson.D{{Key: "delete", Value: coll}, {Key: "deletes", Value: bson.A{
		bson.D{{Key: "q", Value: bson.D{{Key: "_id", Value: id}}}, {Key: "limit", Value: 1}},
	}}}
}

func findCmd(coll string) bson.D {
	return bson.D{{Key: "find", Value: coll}}
}

func (s *session) commit() bson.D {
	return s.cont(bson.D{{Key: command.CommitTransaction, Value: 1}})
}

func (s *session) abort() bson.D {
	return s.cont(bson.D{{Key: command.AbortTransaction, Value: 1}})
}

func (s *session) prepare() bson.D {
	return s.cont(bson.D{{Key: command.PrepareTransaction, Value: 1}})
}

func (s *session) coordinate(participants ...transaction.ShardID) bson.D {
	list := bson.A{}
	for _, id := range participants {
		list = append(list, bson.D{{Key: command.FieldShardID, Value: string(id)}})
	}
	return s.cont(bson.D{{Key: command.CoordinateCommitTransaction, Value: 1}, {Key: command.FieldParticipants, Value: list}})
}

func requireOK(t *testing.T, reply bson.Raw, msgAndArgs ...interface{}) {
	t.Helper()
	require.NoError(t, command.StatusFromResult(reply), withReply(reply, msgAndArgs)...)
}

func requireCode(t *testing.T, reply bson.Raw, code txnerr.Code, msgAndArgs ...interface{}) {
	t.Helper()
	err := command.StatusFromResult(reply)
	require.Error(t, err, withReply(reply, msgAndArgs)...)
	require.Equal(t, code, txnerr.CodeOf(err), withReply(reply, msgAndArgs)...)
}

// withReply prefixes a failure message with the offending reply.
func withReply(reply bson.Raw, msgAndArgs []interface{}) []interface{} {
	msg := fmt.Sprintf("reply: %s", reply)
	if len(msgAndArgs) > 0 {
		if format, ok := msgAndArgs[0].(string); ok {
			msg = fmt.Sprintf(format, msgAndArgs[1:]...) + ": " + msg
		}
	}
	return []interface{}{msg}
}

func ids(t *testing.T, reply bson.Raw) []int32 {
	t.Helper()
	requireOK(t, reply)
	values, err := reply.Lookup("cursor", "firstBatch").Array().Values()
	require.NoError(t, err)
	out := []int32{}
	for _, v := range values {
		out = append(out, v.Document().Lookup("_id").Int32())
	}
	return out
}
