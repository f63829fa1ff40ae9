package fsm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sushant-115/gojotxn/core/shard"
	"github.com/sushant-115/gojotxn/core/transaction"
)

func startInmemRegistry(t *testing.T) *Registry {
	t.Helper()
	logger := zaptest.NewLogger(t)
	rc := raftConfig("c1", logger)
	rc.HeartbeatTimeout = 50 * time.Millisecond
	rc.ElectionTimeout = 50 * time.Millisecond
	rc.LeaderLeaseTimeout = 50 * time.Millisecond
	rc.CommitTimeout = 5 * time.Millisecond

	_, transport := raft.NewInmemTransport("")
	store := raft.NewInmemStore()
	r, err := newRegistry(rc, store, store, raft.NewInmemSnapshotStore(), transport, true, nil, logger)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, r.Close()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.WaitForLeader(ctx))
	require.Eventually(t, r.IsLeader, 5*time.Second, 10*time.Millisecond)
	return r
}

func TestRegistryReplicatesShardMap(t *testing.T) {
	r := startInmemRegistry(t)

	require.NoError(t, r.AddShard("shardA", "localhost:27201"))
	require.NoError(t, r.AddShard("shardB", "localhost:27202"))
	require.NoError(t, r.AddShard("shardA", "localhost:27211"))
	require.NoError(t, r.RemoveShard("shardB"))
	require.Equal(t, map[string]string{"shardA": "localhost:27211"}, r.Shards())

	require.Error(t, r.RemoveShard("shardB"), "the fsm rejects removing an unknown shard")
	require.Error(t, r.AddShard("shardC", ""))
}

func TestControllerHTTPFeedsRouterRegistry(t *testing.T) {
	r := startInmemRegistry(t)
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/shards?id=shardA&address=localhost:27201", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/shards?id=shardA", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	reg := shard.NewControllerRegistry(strings.TrimPrefix(srv.URL, "http://"), time.Minute, zaptest.NewLogger(t))
	require.NoError(t, reg.Refresh(context.Background()))
	addr, err := reg.Address("shardA")
	require.NoError(t, err)
	require.Equal(t, "localhost:27201", addr)
	require.Equal(t, []transaction.ShardID{"shardA"}, reg.Shards())

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/shards?id=shardA", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, reg.Refresh(context.Background()))
	require.Empty(t, reg.Shards())

	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var status map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	require.Equal(t, "Leader", status["state"])
}

type memSink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memSink) ID() string    { return "mem" }
func (s *memSink) Close() error  { return nil }
func (s *memSink) Cancel() error { s.cancelled = true; return nil }

func TestSnapshotRestore(t *testing.T) {
	f := NewShardMapFSM(zaptest.NewLogger(t))
	apply := func(cmd Command, index uint64) interface{} {
		data, err := json.Marshal(cmd)
		require.NoError(t, err)
		return f.Apply(&raft.Log{Index: index, Data: data})
	}
	require.Nil(t, apply(Command{Op: OpAddShard, ShardID: "shardA", Address: "a:1"}, 1))
	require.Nil(t, apply(Command{Op: OpAddShard, ShardID: "shardB", Address: "b:1"}, 2))
	require.Error(t, apply(Command{Op: "split"}, 3).(error))
	require.EqualValues(t, 3, f.LastAppliedIndex())

	snap, err := f.Snapshot()
	require.NoError(t, err)
	sink := &memSink{}
	require.NoError(t, snap.Persist(sink))
	require.False(t, sink.cancelled)

	restored := NewShardMapFSM(zaptest.NewLogger(t))
	require.NoError(t, restored.Restore(io.NopCloser(&sink.Buffer)))
	require.Equal(t, []string{"shardA", "shardB"}, restored.ShardIDs())
	require.Equal(t, "b:1", restored.Shards()["shardB"])
}
