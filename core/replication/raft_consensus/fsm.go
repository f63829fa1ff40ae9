// Package fsm replicates the cluster's shard map (shard id to node
// address) with hashicorp/raft. Controllers host it and routers read it
// over HTTP.
package fsm

import (
	"encoding/json"
	"io"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/raft"
	"go.uber.org/zap"
)

// Operation types for the FSM
const (
	OpAddShard    = "add_shard"
	OpRemoveShard = "remove_shard"
)

// Command is what gets replicated.
type Command struct {
	Op      string `json:"op"`
	ShardID string `json:"shard_id"`
	Address string `json:"address,omitempty"`
}

// ShardMapFSM implements raft.FSM over the shard map.
type ShardMapFSM struct {
	logger *zap.Logger

	mu               sync.RWMutex
	shards           map[string]string
	lastAppliedIndex uint64
}

var _ raft.FSM = (*ShardMapFSM)(nil)

// NewShardMapFSM returns an empty shard map.
func NewShardMapFSM(logger *zap.Logger) *ShardMapFSM {
	return &ShardMapFSM{
		logger: logger.Named("shard_map_fsm"),
		shards: make(map[string]string),
	}
}

// Apply applies one committed command. A rejected command returns an
// error, which the proposer receives from the apply future.
func (f *ShardMapFSM) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		f.logger.Error("Failed to decode raft log entry", zap.Uint64("index", entry.Index), zap.Error(err))
		return errors.Wrap(err, "decoding command")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastAppliedIndex = entry.Index

	switch cmd.Op {
	case OpAddShard:
		if cmd.ShardID == "" || cmd.Address == "" {
			return errors.New("add_shard needs a shard id and an address")
		}
		f.shards[cmd.ShardID] = cmd.Address
		f.logger.Info("Shard added", zap.String("shard", cmd.ShardID), zap.String("address", cmd.Address), zap.Uint64("index", entry.Index))
	case OpRemoveShard:
		if _, ok := f.shards[cmd.ShardID]; !ok {
			return errors.Newf("shard %s is not registered", cmd.ShardID)
		}
		delete(f.shards, cmd.ShardID)
		f.logger.Info("Shard removed", zap.String("shard", cmd.ShardID), zap.Uint64("index", entry.Index))
	default:
		return errors.Newf("unknown operation %q", cmd.Op)
	}
	return nil
}

// Shards returns a copy of the shard map.
func (f *ShardMapFSM) Shards() map[string]string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]string, len(f.shards))
	for id, addr := range f.shards {
		out[id] = addr
	}
	return out
}

// ShardIDs returns the registered shard ids in order.
func (f *ShardMapFSM) ShardIDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ids := make([]string, 0, len(f.shards))
	for id := range f.shards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LastAppliedIndex is the raft index of the last applied command.
func (f *ShardMapFSM) LastAppliedIndex() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastAppliedIndex
}

type shardMapSnapshot struct {
	Shards map[string]string `json:"shards"`
}

// Snapshot captures the shard map for log compaction.
func (f *ShardMapFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &shardMapSnapshot{Shards: f.Shards()}, nil
}

// Restore replaces the shard map with a snapshot.
func (f *ShardMapFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var snap shardMapSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return errors.Wrap(err, "decoding shard map snapshot")
	}
	if snap.Shards == nil {
		snap.Shards = make(map[string]string)
	}
	f.mu.Lock()
	f.shards = snap.Shards
	f.mu.Unlock()
	f.logger.Info("Restored shard map from snapshot", zap.Int("shards", len(snap.Shards)))
	return nil
}

func (s *shardMapSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		if _, err := sink.Write(data); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		_ = sink.Cancel()
		return errors.Wrap(err, "persisting shard map snapshot")
	}
	return nil
}

func (s *shardMapSnapshot) Release() {}
