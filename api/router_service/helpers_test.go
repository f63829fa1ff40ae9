package routerservice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojotxn/core/clock"
	"github.com/sushant-115/gojotxn/core/command"
	"github.com/sushant-115/gojotxn/core/node"
	"github.com/sushant-115/gojotxn/core/router"
	"github.com/sushant-115/gojotxn/core/shard"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/txnerr"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
)

// cluster is a set of in-process shard nodes reachable through one sender.
type cluster struct {
	mu    sync.Mutex
	nodes map[transaction.ShardID]*node.Node
}

func (c *cluster) RunCommand(ctx context.Context, id transaction.ShardID, db string, cmd bson.D, _ shard.ReadPreference, _ shard.RetryPolicy) (bson.Raw, error) {
	c.mu.Lock()
	n, ok := c.nodes[id]
	c.mu.Unlock()
	if !ok {
		return nil, txnerr.Newf(txnerr.HostUnreachable, "shard %s is down", id)
	}
	return n.Service().RunCommand(ctx, db, cmd), nil
}

func startCluster(t *testing.T, ids ...transaction.ShardID) *cluster {
	t.Helper()
	c := &cluster{nodes: make(map[transaction.ShardID]*node.Node)}
	for _, id := range ids {
		n, err := node.Open(context.Background(), node.Config{ShardID: string(id), DataDir: t.TempDir()}, node.Deps{
			Remote: c,
			Logger: zaptest.NewLogger(t),
		})
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- n.Run(ctx) }()
		t.Cleanup(func() {
			cancel()
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Error("apply loop did not stop")
			}
			require.NoError(t, n.Close())
		})
		c.mu.Lock()
		c.nodes[id] = n
		c.mu.Unlock()
	}
	return c
}

func newService(t *testing.T, sender shard.Sender) *Service {
	t.Helper()
	metrics, err := internaltelemetry.NewRouterMetrics(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)
	routers := router.NewRegistry(router.Env{
		Sender:  sender,
		Clock:   clock.NewHybridClock(clockwork.NewRealClock()),
		Metrics: metrics,
		Logger:  logger,
		Config:  router.DefaultConfig(),
	})
	return New(routers, DefaultConfig(), nil, logger)
}

// client issues the fields a driver would attach to transaction statements.
type client struct {
	t         *testing.T
	svc       *Service
	lsid      transaction.SessionID
	txnNumber int64
}

func newClient(t *testing.T, svc *Service) *client {
	return &client{t: t, svc: svc, lsid: transaction.NewSessionID(), txnNumber: 1}
}

func (c *client) txnFields() bson.D {
	return bson.D{
		{Key: command.FieldLsid, Value: c.lsid},
		{Key: command.FieldTxnNumber, Value: c.txnNumber},
		{Key: command.FieldAutocommit, Value: false},
	}
}

func (c *client) run(cmd bson.D) bson.Raw {
	return c.svc.Execute(context.Background(), "db", cmd, router.ClientInfo{Host: "127.0.0.1:5000", AppName: "test"})
}

func (c *client) start(cmd bson.D, extra ...bson.E) bson.Raw {
	cmd = append(command.Clone(cmd), c.txnFields()...)
	cmd = append(cmd, bson.E{Key: command.FieldStartTransaction, Value: true})
	return c.run(append(cmd, extra...))
}

func (c *client) cont(cmd bson.D) bson.Raw {
	return c.run(append(command.Clone(cmd), c.txnFields()...))
}

func (c *client) commit(extra ...bson.E) bson.Raw {
	return c.cont(append(bson.D{{Key: command.CommitTransaction, Value: 1}}, extra...))
}

func (c *client) abort() bson.Raw {
	return c.cont(bson.D{{Key: command.AbortTransaction, Value: 1}})
}

func targets(ids ...transaction.ShardID) bson.E {
	a := bson.A{}
	for _, id := range ids {
		a = append(a, string(id))
	}
	return bson.E{Key: command.FieldTargets, Value: a}
}

func insertCmd(to bson.E, ids ...int32) bson.D {
	docs := bson.A{}
	for _, id := range ids {
		docs = append(docs, bson.D{{Key: "_id", Value: id}})
	}
	return bson.D{{Key: "insert", Value: "c"}, {Key: "documents", Value: docs}, to}
}

func findCmd(to bson.E) bson.D {
	return bson.D{{Key: "find", Value: "c"}, to}
}

// shardIDs reads collection c of one shard outside any transaction.
func shardIDs(t *testing.T, svc *Service, id transaction.ShardID) []int32 {
	t.Helper()
	reply := svc.Execute(context.Background(), "db", findCmd(targets(id)), router.ClientInfo{})
	return batchIDs(t, reply)
}

func batchIDs(t *testing.T, reply bson.Raw) []int32 {
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

func requireOK(t *testing.T, reply bson.Raw) {
	t.Helper()
	require.NoError(t, command.StatusFromResult(reply), "reply: %s", reply)
}

func requireCode(t *testing.T, reply bson.Raw, code txnerr.Code) {
	t.Helper()
	err := command.StatusFromResult(reply)
	require.Error(t, err, "reply: %s", reply)
	require.Equal(t, code, txnerr.CodeOf(err), "reply: %s", reply)
}

func recoveryShard(t *testing.T, reply bson.Raw) string {
	t.Helper()
	v, err := reply.LookupErr(command.FieldRecoveryToken, "recoveryShardId")
	if err != nil {
		return ""
	}
	return v.StringValue()
}
