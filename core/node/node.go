// Package node assembles a shard node: the oplog store, the transaction
// table, the in-memory engine, the oplog apply loop and the participant
// that serves transaction commands.
package node

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/participant"
	"github.com/sushant-115/gojotxn/core/replication/oplog"
	"github.com/sushant-115/gojotxn/core/replication/txnapply"
	"github.com/sushant-115/gojotxn/core/shard"
	"github.com/sushant-115/gojotxn/core/storage_engine/memengine"
	"github.com/sushant-115/gojotxn/core/storage_engine/txntable"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
)

const applySlot = "apply"

// Config locates a node's data and tunes its apply loop.
type Config struct {
	ShardID string `yaml:"shard_id"`
	DataDir string `yaml:"data_dir"`
	// OplogDir and TxnTablePath default to locations under DataDir.
	OplogDir     string `yaml:"oplog_dir"`
	TxnTablePath string `yaml:"txn_table_path"`
	// StartupApplyMode is "recovering" or "initialSync".
	StartupApplyMode    string `yaml:"startup_apply_mode"`
	Term                int64  `yaml:"term"`
	MaxOpsPerOplogEntry int    `yaml:"max_ops_per_oplog_entry"`
	TailBatchSize       int    `yaml:"tail_batch_size"`
}

// Deps are the collaborators a node does not own.
type Deps struct {
	// Remote reaches the other shards; nil for a single-shard cluster.
	Remote  shard.Sender
	Metrics *internaltelemetry.ApplierMetrics
	Tracer  trace.Tracer
	Wall    clockwork.Clock
	Logger  *zap.Logger
}

// Node is a running shard.
type Node struct {
	cfg    Config
	logger *zap.Logger

	log     *wal.LogManager
	store   *oplog.Store
	table   *txntable.Table
	engine  *memengine.Engine
	stream  *oplog.Stream
	applier *txnapply.Applier
	tailer  *txnapply.Tailer
	svc     *participant.Service

	closeOnce sync.Once
}

// Open recovers a node from its data directory: the oplog is replayed,
// prepared transactions are reconstructed and the participant reloads
// them. Call Run to start tailing.
func Open(ctx context.Context, cfg Config, deps Deps) (_ *Node, err error) {
	if cfg.ShardID == "" {
		return nil, errors.New("node: shard id is required")
	}
	if cfg.DataDir == "" && (cfg.OplogDir == "" || cfg.TxnTablePath == "") {
		return nil, errors.New("node: data directory is required")
	}
	if cfg.OplogDir == "" {
		cfg.OplogDir = filepath.Join(cfg.DataDir, "oplog")
	}
	if cfg.TxnTablePath == "" {
		cfg.TxnTablePath = filepath.Join(cfg.DataDir, "transactions.db")
	}
	if cfg.Term <= 0 {
		cfg.Term = 1
	}
	startupMode := txnapply.ModeRecovering
	if cfg.StartupApplyMode != "" {
		m, ok := txnapply.ParseMode(cfg.StartupApplyMode)
		if !ok || (m != txnapply.ModeRecovering && m != txnapply.ModeInitialSync) {
			return nil, errors.Newf("node: unsupported startup apply mode %q", cfg.StartupApplyMode)
		}
		startupMode = m
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("shard", cfg.ShardID))

	n := &Node{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			n.closeStores()
		}
	}()

	if n.log, err = wal.NewLogManager(cfg.OplogDir, logger); err != nil {
		return nil, errors.Wrap(err, "opening oplog")
	}
	if n.store, err = oplog.NewStore(n.log, logger); err != nil {
		return nil, errors.Wrap(err, "loading oplog")
	}
	if n.table, err = txntable.Open(cfg.TxnTablePath, logger); err != nil {
		return nil, errors.Wrap(err, "opening transaction table")
	}
	n.engine = memengine.New(logger)
	n.applier, err = txnapply.New(txnapply.Config{
		Reader:      n.store,
		Engine:      n.engine,
		Ops:         n.engine,
		IndexBuilds: n.engine,
		TxnTable:    n.table,
		Metrics:     deps.Metrics,
		Tracer:      deps.Tracer,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	if n.stream, err = n.store.Stream(0, applySlot); err != nil {
		return nil, errors.Wrap(err, "opening oplog stream")
	}

	recovery := txnapply.NewTailer(n.applier, n.stream, startupMode, cfg.TailBatchSize, logger)
	if err := recovery.CatchUp(ctx); err != nil {
		return nil, errors.Wrap(err, "replaying oplog")
	}
	if err := n.applier.ReconstructPreparedTransactions(ctx, startupMode); err != nil {
		return nil, errors.Wrap(err, "reconstructing prepared transactions")
	}
	n.tailer = txnapply.NewTailer(n.applier, n.stream, txnapply.ModeSecondary, cfg.TailBatchSize, logger)
	n.tailer.Start(recovery.Applied())

	n.svc, err = participant.New(participant.Config{
		ShardID:             transaction.ShardID(cfg.ShardID),
		Term:                cfg.Term,
		MaxOpsPerOplogEntry: cfg.MaxOpsPerOplogEntry,
		Oplog:               n.store,
		Reader:              n.engine,
		TxnTable:            n.table,
		Applied:             n.tailer,
		Remote:              deps.Remote,
		Wall:                deps.Wall,
		Tracer:              deps.Tracer,
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}
	if err := n.svc.Recover(ctx); err != nil {
		return nil, err
	}
	logger.Info("Node recovered",
		zap.Stringer("startupMode", startupMode),
		zap.Stringer("applied", recovery.Applied()),
		zap.Int("preparedTransactions", n.applier.Catalog().Len()))
	return n, nil
}

// Run applies new oplog entries until ctx is done. An apply failure stops
// the loop and is returned; the node cannot serve after it.
func (n *Node) Run(ctx context.Context) error {
	err := n.tailer.Run(ctx)
	if err != nil {
		n.logger.Error("Oplog application stopped", zap.Error(err))
	}
	return err
}

// Service is the node's participant.
func (n *Node) Service() *participant.Service {
	return n.svc
}

// ShardID names the shard.
func (n *Node) ShardID() transaction.ShardID {
	return transaction.ShardID(n.cfg.ShardID)
}

// Applied is the optime of the last applied oplog entry.
func (n *Node) Applied() transaction.OpTime {
	return n.tailer.Applied()
}

// Close releases the node's files. Run must have returned.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() { err = n.closeStores() })
	return err
}

func (n *Node) closeStores() error {
	var errs error
	if n.stream != nil {
		errs = errors.CombineErrors(errs, n.stream.Close())
	}
	if n.table != nil {
		errs = errors.CombineErrors(errs, n.table.Close())
	}
	if n.log != nil {
		errs = errors.CombineErrors(errs, n.log.Close())
	}
	return errs
}
