package shard

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/txnerr"
)

// Registry resolves shard ids to network addresses.
type Registry interface {
	Address(id transaction.ShardID) (string, error)
	Shards() []transaction.ShardID
}

// StaticRegistry is a fixed shard map, typically loaded from configuration.
type StaticRegistry struct {
	addrs map[transaction.ShardID]string
}

// NewStaticRegistry copies shards into a registry.
func NewStaticRegistry(shards map[string]string) *StaticRegistry {
	addrs := make(map[transaction.ShardID]string, len(shards))
	for id, addr := range shards {
		addrs[transaction.ShardID(id)] = addr
	}
	return &StaticRegistry{addrs: addrs}
}

func (r *StaticRegistry) Address(id transaction.ShardID) (string, error) {
	addr, ok := r.addrs[id]
	if !ok {
		return "", txnerr.Newf(txnerr.ShardNotFound, "shard %s not found", id)
	}
	return addr, nil
}

func (r *StaticRegistry) Shards() []transaction.ShardID {
	return sortedIDs(r.addrs)
}

// ControllerRegistry mirrors the shard map held by the controller cluster,
// refreshing it from the controller's /shards endpoint.
type ControllerRegistry struct {
	controllerAddr string
	interval       time.Duration
	client         *http.Client
	logger         *zap.Logger

	mu    sync.RWMutex
	addrs map[transaction.ShardID]string
}

// NewControllerRegistry returns a registry that must be started with Run.
func NewControllerRegistry(controllerAddr string, interval time.Duration, logger *zap.Logger) *ControllerRegistry {
	return &ControllerRegistry{
		controllerAddr: controllerAddr,
		interval:       interval,
		client:         &http.Client{Timeout: 5 * time.Second},
		logger:         logger.Named("shard_registry"),
		addrs:          make(map[transaction.ShardID]string),
	}
}

// Run refreshes the shard map until ctx is done.
func (r *ControllerRegistry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if err := r.Refresh(ctx); err != nil {
			r.logger.Warn("Failed to refresh shard map from controller", zap.String("controller", r.controllerAddr), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Refresh fetches the shard map once.
func (r *ControllerRegistry) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+r.controllerAddr+"/shards", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "fetching shard map")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Newf("controller returned %s", resp.Status)
	}
	var shards map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&shards); err != nil {
		return errors.Wrap(err, "decoding shard map")
	}
	addrs := make(map[transaction.ShardID]string, len(shards))
	for id, addr := range shards {
		addrs[transaction.ShardID(id)] = addr
	}
	r.mu.Lock()
	r.addrs = addrs
	r.mu.Unlock()
	r.logger.Debug("Refreshed shard map", zap.Int("shards", len(addrs)))
	return nil
}

func (r *ControllerRegistry) Address(id transaction.ShardID) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.addrs[id]
	if !ok {
		return "", txnerr.Newf(txnerr.ShardNotFound, "shard %s not found", id)
	}
	return addr, nil
}

func (r *ControllerRegistry) Shards() []transaction.ShardID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedIDs(r.addrs)
}

func sortedIDs(m map[transaction.ShardID]string) []transaction.ShardID {
	ids := make([]transaction.ShardID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
