package fsm

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"
)

const (
	raftTransportMaxPool = 3
	raftTransportTimeout = 10 * time.Second
	raftSnapshotRetain   = 2
	applyTimeout         = 5 * time.Second
)

// ErrNotLeader is returned by writes proposed on a follower.
var ErrNotLeader = errors.New("not the raft leader")

// Config locates a controller's raft state.
type Config struct {
	ID          string
	BindAddress string
	DataDir     string
	Bootstrap   bool
}

// Registry is a controller's replica of the shard map.
type Registry struct {
	raft   *raft.Raft
	fsm    *ShardMapFSM
	closer func() error
	logger *zap.Logger
}

// Open starts raft with bolt log and stable stores and file snapshots
// under cfg.DataDir.
func Open(cfg Config, logger *zap.Logger) (*Registry, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "creating raft directory %s", cfg.DataDir)
	}
	rc := raftConfig(cfg.ID, logger)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddress)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving raft address %s", cfg.BindAddress)
	}
	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddress, addr, raftTransportMaxPool, raftTransportTimeout, rc.Logger.Named("transport"))
	if err != nil {
		return nil, errors.Wrap(err, "creating raft transport")
	}
	snapshots, err := raft.NewFileSnapshotStoreWithLogger(cfg.DataDir, raftSnapshotRetain, rc.Logger.Named("snapshots"))
	if err != nil {
		transport.Close()
		return nil, errors.Wrap(err, "creating snapshot store")
	}
	store, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft.db"))
	if err != nil {
		transport.Close()
		return nil, errors.Wrap(err, "creating bolt store")
	}

	closer := func() error {
		return errors.CombineErrors(transport.Close(), store.Close())
	}
	r, err := newRegistry(rc, store, store, snapshots, transport, cfg.Bootstrap, closer, logger)
	if err != nil {
		_ = closer()
		return nil, err
	}
	return r, nil
}

func raftConfig(id string, logger *zap.Logger) *raft.Config {
	rc := raft.DefaultConfig()
	rc.LocalID = raft.ServerID(id)
	rc.Logger = NewZapRaftLogger(logger.Named("raft"))
	return rc
}

func newRegistry(rc *raft.Config, logs raft.LogStore, stable raft.StableStore, snaps raft.SnapshotStore,
	transport raft.Transport, bootstrap bool, closer func() error, logger *zap.Logger) (*Registry, error) {
	fsm := NewShardMapFSM(logger)
	r, err := raft.NewRaft(rc, fsm, logs, stable, snaps, transport)
	if err != nil {
		return nil, errors.Wrap(err, "starting raft")
	}
	if bootstrap {
		hasState, err := raft.HasExistingState(logs, stable, snaps)
		if err != nil {
			r.Shutdown()
			return nil, errors.Wrap(err, "checking raft state")
		}
		if !hasState {
			f := r.BootstrapCluster(raft.Configuration{Servers: []raft.Server{
				{ID: rc.LocalID, Address: transport.LocalAddr()},
			}})
			if err := f.Error(); err != nil {
				r.Shutdown()
				return nil, errors.Wrap(err, "bootstrapping raft cluster")
			}
			logger.Info("Bootstrapped controller cluster", zap.String("id", string(rc.LocalID)))
		}
	}
	return &Registry{raft: r, fsm: fsm, closer: closer, logger: logger.Named("shard_registry")}, nil
}

// Shards returns this replica's shard map.
func (r *Registry) Shards() map[string]string {
	return r.fsm.Shards()
}

// IsLeader reports whether this controller can accept writes.
func (r *Registry) IsLeader() bool {
	return r.raft.State() == raft.Leader
}

// Leader returns the raft address of the current leader, if known.
func (r *Registry) Leader() string {
	addr, _ := r.raft.LeaderWithID()
	return string(addr)
}

// WaitForLeader blocks until some controller is leader.
func (r *Registry) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if r.Leader() != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "waiting for a raft leader")
		case <-ticker.C:
		}
	}
}

// AddShard registers or moves a shard.
func (r *Registry) AddShard(id, address string) error {
	return r.apply(Command{Op: OpAddShard, ShardID: id, Address: address})
}

// RemoveShard unregisters a shard.
func (r *Registry) RemoveShard(id string) error {
	return r.apply(Command{Op: OpRemoveShard, ShardID: id})
}

func (r *Registry) apply(cmd Command) error {
	if !r.IsLeader() {
		return ErrNotLeader
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return errors.Wrap(err, "encoding command")
	}
	future := r.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return errors.Wrapf(err, "applying %s", cmd.Op)
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return err
	}
	return nil
}

// Join adds a controller to the raft configuration as a voter.
func (r *Registry) Join(id, address string) error {
	if !r.IsLeader() {
		return ErrNotLeader
	}
	if err := r.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(address), 0, 0).Error(); err != nil {
		return errors.Wrapf(err, "adding voter %s at %s", id, address)
	}
	r.logger.Info("Controller joined", zap.String("id", id), zap.String("address", address))
	return nil
}

// Close stops raft and releases its stores.
func (r *Registry) Close() error {
	err := r.raft.Shutdown().Error()
	if r.closer != nil {
		err = errors.CombineErrors(err, r.closer())
	}
	return err
}

// Handler serves the controller's HTTP API:
//
//	GET    /shards                     the shard map as a JSON object
//	POST   /shards?id=&address=        register a shard
//	DELETE /shards?id=                 unregister a shard
//	POST   /join?id=&address=          add a controller
//	GET    /status                     raft state of this controller
func (r *Registry) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/shards", r.handleShards)
	mux.HandleFunc("/join", r.handleJoin)
	mux.HandleFunc("/status", r.handleStatus)
	return mux
}

func (r *Registry) handleShards(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, r.Shards())
	case http.MethodPost:
		if q.Get("id") == "" || q.Get("address") == "" {
			http.Error(w, "id and address are required", http.StatusBadRequest)
			return
		}
		r.writeResult(w, r.AddShard(q.Get("id"), q.Get("address")))
	case http.MethodDelete:
		if q.Get("id") == "" {
			http.Error(w, "id is required", http.StatusBadRequest)
			return
		}
		r.writeResult(w, r.RemoveShard(q.Get("id")))
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (r *Registry) handleJoin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := req.URL.Query()
	if q.Get("id") == "" || q.Get("address") == "" {
		http.Error(w, "id and address are required", http.StatusBadRequest)
		return
	}
	r.writeResult(w, r.Join(q.Get("id"), q.Get("address")))
}

func (r *Registry) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]interface{}{
		"state":        r.raft.State().String(),
		"leader":       r.Leader(),
		"last_applied": r.fsm.LastAppliedIndex(),
		"shards":       len(r.Shards()),
	})
}

func (r *Registry) writeResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, ErrNotLeader):
		w.Header().Set("X-Raft-Leader", r.Leader())
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
