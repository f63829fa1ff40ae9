package shard

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/command"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/txnerr"
)

type echoSender struct {
	calls atomic.Int32
}

func (s *echoSender) RunCommand(ctx context.Context, shardID transaction.ShardID, db string, cmd bson.D, rp ReadPreference, policy RetryPolicy) (bson.Raw, error) {
	s.calls.Add(1)
	if shardID == "down" {
		return nil, txnerr.New(txnerr.HostUnreachable, "down")
	}
	return command.ToRaw(bson.D{{Key: "ok", Value: 1}, {Key: "shard", Value: string(shardID)}, {Key: "cmd", Value: command.Name(cmd)}}), nil
}

func TestGatherResponses(t *testing.T) {
	sender := &echoSender{}
	reqs := []Request{
		{ShardID: "a", Cmd: bson.D{{Key: "find", Value: "c"}}},
		{ShardID: "b", Cmd: bson.D{{Key: "find", Value: "c"}}},
		{ShardID: "down", Cmd: bson.D{{Key: "find", Value: "c"}}},
	}
	responses := GatherResponses(context.Background(), sender, "test", reqs, PrimaryOnly, NoRetry)
	require.Len(t, responses, 3)
	require.EqualValues(t, 3, sender.calls.Load())

	byShard := map[transaction.ShardID]Response{}
	for _, r := range responses {
		byShard[r.ShardID] = r
	}
	require.NoError(t, byShard["a"].Status())
	require.Equal(t, "a", byShard["a"].Reply.Lookup("shard").StringValue())
	require.Equal(t, txnerr.HostUnreachable, txnerr.CodeOf(byShard["down"].Status()))
	require.NoError(t, byShard["down"].WriteConcernStatus())
}

func TestAsyncRequestsSenderLimit(t *testing.T) {
	sender := &echoSender{}
	reqs := make([]Request, 10)
	for i := range reqs {
		reqs[i] = Request{ShardID: transaction.ShardID(strings.Repeat("s", i+1)), Cmd: bson.D{{Key: "ping", Value: 1}}}
	}
	ars := NewAsyncRequestsSender(context.Background(), sender, "admin", reqs, Nearest, Idempotent, 2)
	n := 0
	for !ars.Done() {
		require.NoError(t, ars.Next().Status())
		n++
	}
	require.Equal(t, 10, n)
}

func TestStaticRegistry(t *testing.T) {
	r := NewStaticRegistry(map[string]string{"b": "h2:1", "a": "h1:1"})
	addr, err := r.Address("a")
	require.NoError(t, err)
	require.Equal(t, "h1:1", addr)
	_, err = r.Address("z")
	require.Equal(t, txnerr.ShardNotFound, txnerr.CodeOf(err))
	require.Equal(t, []transaction.ShardID{"a", "b"}, r.Shards())
}

func TestControllerRegistryRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/shards", r.URL.Path)
		_, _ = w.Write([]byte(`{"shard0":"10.0.0.1:9000","shard1":"10.0.0.2:9000"}`))
	}))
	defer srv.Close()

	r := NewControllerRegistry(strings.TrimPrefix(srv.URL, "http://"), 0, zap.NewNop())
	require.NoError(t, r.Refresh(context.Background()))
	addr, err := r.Address("shard1")
	require.NoError(t, err)
	require.Equal(t, "10.0.0.2:9000", addr)
	require.Len(t, r.Shards(), 2)
}
