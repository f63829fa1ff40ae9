package shardclient

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/sushant-115/gojotxn/core/command"
	"github.com/sushant-115/gojotxn/core/shard"
	"github.com/sushant-115/gojotxn/core/txnerr"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	"github.com/sushant-115/gojotxn/pkg/connection"
)

const bufSize = 1 << 20

// scriptedShard fails the first failures commands with code.
type scriptedShard struct {
	mu       sync.Mutex
	calls    int
	failures int
	code     txnerr.Code
	lastDB   string
}

func (s *scriptedShard) RunCommand(_ context.Context, db string, cmd bson.D) bson.Raw {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.lastDB = db
	if s.calls <= s.failures {
		return command.ErrorReply(txnerr.Newf(s.code, "scripted failure %d", s.calls))
	}
	return command.ToRaw(bson.D{{Key: "ok", Value: 1}, {Key: "echo", Value: command.Name(cmd)}})
}

func (s *scriptedShard) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func serve(t *testing.T, runner CommandRunner, opts ...grpc.ServerOption) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(bufSize)
	srv := grpc.NewServer(opts...)
	RegisterCommandServer(srv, ShardServiceName, NewServer(runner))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis
}

func newTestClient(t *testing.T, lis *bufconn.Listener, cfg Config) *Client {
	t.Helper()
	pool := connection.NewConnectionPoolManager(
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	t.Cleanup(func() { _ = pool.Close() })
	registry := shard.NewStaticRegistry(map[string]string{"shardA": "passthrough:///bufnet"})
	return NewClient(registry, pool, cfg, zaptest.NewLogger(t))
}

func fastRetries() Config {
	return Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, RetryRate: 1000, RetryBurst: 100}
}

func TestRunCommandRoundTrip(t *testing.T) {
	runner := &scriptedShard{}
	c := newTestClient(t, serve(t, runner), fastRetries())

	reply, err := c.RunCommand(context.Background(), "shardA", "db", bson.D{{Key: "find", Value: "c"}}, shard.PrimaryOnly, shard.NoRetry)
	require.NoError(t, err)
	require.NoError(t, command.StatusFromResult(reply))
	require.Equal(t, "find", reply.Lookup("echo").StringValue())
	require.Equal(t, "db", runner.lastDB)
}

func TestIdempotentCommandsRetryRetriableErrors(t *testing.T) {
	runner := &scriptedShard{failures: 2, code: txnerr.InterruptedDueToReplStateChange}
	c := newTestClient(t, serve(t, runner), fastRetries())

	reply, err := c.RunCommand(context.Background(), "shardA", "admin", bson.D{{Key: "prepareTransaction", Value: 1}}, shard.PrimaryOnly, shard.Idempotent)
	require.NoError(t, err)
	require.NoError(t, command.StatusFromResult(reply))
	require.Equal(t, 3, runner.callCount())
}

func TestRetriesStopAtMaxAttempts(t *testing.T) {
	runner := &scriptedShard{failures: 10, code: txnerr.PrimarySteppedDown}
	c := newTestClient(t, serve(t, runner), fastRetries())

	reply, err := c.RunCommand(context.Background(), "shardA", "admin", bson.D{{Key: "abortTransaction", Value: 1}}, shard.PrimaryOnly, shard.Idempotent)
	require.NoError(t, err, "the last command error is reported in the reply")
	require.Equal(t, txnerr.PrimarySteppedDown, txnerr.CodeOf(command.StatusFromResult(reply)))
	require.Equal(t, 3, runner.callCount())
}

func TestRetryBudgetLimitsRetries(t *testing.T) {
	runner := &scriptedShard{failures: 10, code: txnerr.PrimarySteppedDown}
	cfg := fastRetries()
	cfg.MaxAttempts = 10
	cfg.RetryRate = 0.001
	cfg.RetryBurst = 1
	c := newTestClient(t, serve(t, runner), cfg)

	_, err := c.RunCommand(context.Background(), "shardA", "admin", bson.D{{Key: "abortTransaction", Value: 1}}, shard.PrimaryOnly, shard.Idempotent)
	require.NoError(t, err)
	require.Equal(t, 2, runner.callCount(), "one retry fits the budget")
}

func TestNonIdempotentCommandsAreSentOnce(t *testing.T) {
	runner := &scriptedShard{failures: 1, code: txnerr.PrimarySteppedDown}
	c := newTestClient(t, serve(t, runner), fastRetries())

	for _, policy := range []shard.RetryPolicy{shard.NoRetry, shard.NotIdempotent} {
		runner.mu.Lock()
		runner.calls = 0
		runner.mu.Unlock()
		reply, err := c.RunCommand(context.Background(), "shardA", "db", bson.D{{Key: "insert", Value: "c"}}, shard.PrimaryOnly, policy)
		require.NoError(t, err)
		require.Equal(t, txnerr.PrimarySteppedDown, txnerr.CodeOf(command.StatusFromResult(reply)), policy.String())
		require.Equal(t, 1, runner.callCount(), policy.String())
	}
}

func TestUnknownShard(t *testing.T) {
	c := newTestClient(t, serve(t, &scriptedShard{}), fastRetries())
	_, err := c.RunCommand(context.Background(), "shardZ", "db", bson.D{{Key: "find", Value: "c"}}, shard.PrimaryOnly, shard.Idempotent)
	require.Equal(t, txnerr.ShardNotFound, txnerr.CodeOf(err))
}

func TestUnreachableShardIsATransportError(t *testing.T) {
	lis := bufconn.Listen(bufSize)
	require.NoError(t, lis.Close())
	c := newTestClient(t, lis, fastRetries())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.RunCommand(ctx, "shardA", "db", bson.D{{Key: "find", Value: "c"}}, shard.PrimaryOnly, shard.Idempotent)
	require.Error(t, err)
	require.Equal(t, txnerr.HostUnreachable, txnerr.CodeOf(err))
}

func TestServerRejectsEmptyCommand(t *testing.T) {
	lis := serve(t, &scriptedShard{})
	c := newTestClient(t, lis, fastRetries())
	conn, err := c.pool.Get("passthrough:///bufnet")
	require.NoError(t, err)

	_, err = Invoke(context.Background(), conn, ShardServiceName, "db", command.ToRaw(bson.D{}))
	require.Equal(t, txnerr.FailedToParse, txnerr.CodeOf(FromRPCError("bufnet", err)))
}

func TestServerInterceptorRecordsRPCMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := internaltelemetry.NewRPCServerMetrics(provider.Meter("test"))
	require.NoError(t, err)

	lis := serve(t, &scriptedShard{}, grpc.UnaryInterceptor(metrics.UnaryServerInterceptor()))
	c := newTestClient(t, lis, fastRetries())
	_, err = c.RunCommand(context.Background(), "shardA", "db", bson.D{{Key: "find", Value: "c"}}, shard.PrimaryOnly, shard.NoRetry)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var handled int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "gojotxn.grpc.server.handled_total" {
				continue
			}
			for _, dp := range md.Data.(metricdata.Sum[int64]).DataPoints {
				handled += dp.Value
			}
		}
	}
	require.EqualValues(t, 1, handled)
}
