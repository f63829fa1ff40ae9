package txnapply

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojotxn/core/replication/oplog"
	"github.com/sushant-115/gojotxn/core/storage_engine/memengine"
	"github.com/sushant-115/gojotxn/core/storage_engine/recoveryunit"
	"github.com/sushant-115/gojotxn/core/storage_engine/txntable"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/write_engine/wal"
)

// memReader is an oplog held in a map, for tests that never touch disk.
type memReader map[transaction.OpTime]*oplog.Entry

func (m memReader) FindByOpTime(_ context.Context, at transaction.OpTime) (*oplog.Entry, error) {
	if e, ok := m[at]; ok {
		return e, nil
	}
	return nil, oplog.ErrEntryNotFound
}

func (m memReader) Append(_ context.Context, e *oplog.Entry) (wal.LSN, error) {
	m[e.OpTime()] = e
	return wal.LSN(len(m)), nil
}

type appender interface {
	Append(ctx context.Context, e *oplog.Entry) (wal.LSN, error)
}

func optime(secs uint32) transaction.OpTime {
	return transaction.OpTime{TS: primitive.Timestamp{T: secs, I: 1}, Term: 1}
}

func doc(t testing.TB, d bson.D) bson.Raw {
	t.Helper()
	b, err := bson.Marshal(d)
	require.NoError(t, err)
	return b
}

func ins(t testing.TB, ns string, id int) *oplog.Entry {
	return &oplog.Entry{Op: oplog.OpInsert, NS: ns, Object: doc(t, bson.D{{Key: "_id", Value: id}})}
}

func del(t testing.TB, ns string, id int) *oplog.Entry {
	return &oplog.Entry{Op: oplog.OpDelete, NS: ns, Object: doc(t, bson.D{{Key: "_id", Value: id}})}
}

// clock hands out increasing optimes shared by all writers of a test.
type clock struct {
	secs uint32
}

func (c *clock) next() transaction.OpTime {
	c.secs++
	return optime(c.secs)
}

// txnWriter writes the chain of one transaction.
type txnWriter struct {
	t         testing.TB
	log       appender
	clock     *clock
	lsid      transaction.SessionID
	txnNumber transaction.TxnNumber
	prev      transaction.OpTime
}

func newTxnWriter(t testing.TB, log appender, c *clock) *txnWriter {
	return &txnWriter{t: t, log: log, clock: c, lsid: transaction.NewSessionID(), txnNumber: 1}
}

func (w *txnWriter) key() oplog.TxnKey {
	return oplog.TxnKey{SessionID: w.lsid, TxnNumber: w.txnNumber}
}

func (w *txnWriter) entry(object bson.Raw) *oplog.Entry {
	at := w.clock.next()
	lsid := w.lsid
	txnNumber := w.txnNumber
	e := &oplog.Entry{
		TS:        at.TS,
		Term:      at.Term,
		Op:        oplog.OpCommand,
		NS:        "admin.$cmd",
		Object:    object,
		SessionID: &lsid,
		TxnNumber: &txnNumber,
		Wall:      time.Unix(int64(at.TS.T), 0).UTC(),
	}
	if !w.prev.IsNull() {
		prev := w.prev
		e.PrevOpTime = &prev
	}
	w.prev = at
	return e
}

// write builds the next entry and stores it.
func (w *txnWriter) write(object bson.Raw) *oplog.Entry {
	e := w.entry(object)
	_, err := w.log.Append(context.Background(), e)
	require.NoError(w.t, err)
	return e
}

func (w *txnWriter) applyOps(ops []*oplog.Entry, partial, prepare bool) bson.Raw {
	object, err := oplog.ApplyOpsObject(ops, partial, prepare)
	require.NoError(w.t, err)
	return object
}

func (w *txnWriter) partial(ops ...*oplog.Entry) *oplog.Entry {
	return w.write(w.applyOps(ops, true, false))
}

func (w *txnWriter) prepare(ops ...*oplog.Entry) *oplog.Entry {
	return w.write(w.applyOps(ops, false, true))
}

func (w *txnWriter) commit(ops ...*oplog.Entry) *oplog.Entry {
	return w.write(w.applyOps(ops, false, false))
}

func (w *txnWriter) commitPrepared(commitTS primitive.Timestamp) *oplog.Entry {
	return w.write(oplog.CommitTransactionObject(commitTS))
}

func (w *txnWriter) abort() *oplog.Entry {
	return w.write(oplog.AbortTransactionObject())
}

// node is one replica: an oplog store, a memory engine, a transaction
// table and an applier over them.
type node struct {
	t       *testing.T
	dir     string
	log     *wal.LogManager
	store   *oplog.Store
	engine  *memengine.Engine
	table   *txntable.Table
	applier *Applier
}

func openNode(t *testing.T, dir string) *node {
	t.Helper()
	logger := zaptest.NewLogger(t)
	lm, err := wal.NewLogManager(filepath.Join(dir, "oplog"), logger)
	require.NoError(t, err)
	store, err := oplog.NewStore(lm, logger)
	require.NoError(t, err)
	table, err := txntable.Open(filepath.Join(dir, "txns.db"), logger)
	require.NoError(t, err)
	engine := memengine.New(logger)
	applier, err := New(Config{
		Reader:      store,
		Engine:      engine,
		Ops:         engine,
		IndexBuilds: engine,
		TxnTable:    table,
		Logger:      logger,
	})
	require.NoError(t, err)
	n := &node{t: t, dir: dir, log: lm, store: store, engine: engine, table: table, applier: applier}
	t.Cleanup(n.close)
	return n
}

func (n *node) close() {
	if n.table != nil {
		n.table.Close()
		n.table = nil
	}
	if n.log != nil {
		n.log.Close()
		n.log = nil
	}
}

func (n *node) ids(ns string) []int32 {
	n.t.Helper()
	docs, err := n.engine.Find(context.Background(), ns, primitive.Timestamp{}, recoveryunit.IgnorePrepareConflicts)
	require.NoError(n.t, err)
	out := []int32{}
	for _, d := range docs {
		out = append(out, d.Lookup("_id").Int32())
	}
	return out
}
