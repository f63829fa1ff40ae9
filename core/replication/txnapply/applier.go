package txnapply

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/replication/oplog"
	"github.com/sushant-115/gojotxn/core/storage_engine/recoveryunit"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/txnerr"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
)

// OperationApplier applies a single CRUD or command operation.
type OperationApplier interface {
	ApplyOperation(ctx context.Context, uow recoveryunit.UnitOfWork, op *oplog.Entry) error
}

// IndexBuildWaiter blocks until no index build runs on the namespaces.
type IndexBuildWaiter interface {
	WaitForIndexBuilds(ctx context.Context, namespaces []string) error
}

// TxnTable is the durable transaction table.
type TxnTable interface {
	Upsert(ctx context.Context, rec transaction.TxnRecord) error
	InState(ctx context.Context, state transaction.DurableState) ([]transaction.TxnRecord, error)
}

// Config wires an Applier. Metrics, Tracer and Logger may be nil.
type Config struct {
	Reader      oplog.Reader
	Engine      recoveryunit.Engine
	Ops         OperationApplier
	IndexBuilds IndexBuildWaiter
	TxnTable    TxnTable
	Catalog     *PreparedCatalog
	Metrics     *internaltelemetry.ApplierMetrics
	Tracer      trace.Tracer
	Logger      *zap.Logger
}

// Applier applies transaction oplog entries.
type Applier struct {
	reader      oplog.Reader
	engine      recoveryunit.Engine
	ops         OperationApplier
	indexBuilds IndexBuildWaiter
	table       TxnTable
	catalog     *PreparedCatalog
	metrics     *internaltelemetry.ApplierMetrics
	tracer      trace.Tracer
	logger      *zap.Logger

	// pending holds partial transaction entries seen by ApplyBatch whose
	// transaction has not ended yet.
	pending map[oplog.TxnKey][]*oplog.Entry
}

func New(cfg Config) (*Applier, error) {
	a := &Applier{
		reader:      cfg.Reader,
		engine:      cfg.Engine,
		ops:         cfg.Ops,
		indexBuilds: cfg.IndexBuilds,
		table:       cfg.TxnTable,
		catalog:     cfg.Catalog,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		logger:      cfg.Logger,
		pending:     make(map[oplog.TxnKey][]*oplog.Entry),
	}
	if a.reader == nil || a.engine == nil || a.ops == nil {
		return nil, errors.New("txnapply: reader, engine and operation applier are required")
	}
	if a.catalog == nil {
		a.catalog = NewPreparedCatalog()
	}
	if a.metrics == nil {
		m, err := internaltelemetry.NewApplierMetrics(metricnoop.NewMeterProvider().Meter(""))
		if err != nil {
			return nil, err
		}
		a.metrics = m
	}
	if a.tracer == nil {
		a.tracer = tracenoop.NewTracerProvider().Tracer("")
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	a.logger = a.logger.Named("txnapply")
	return a, nil
}

// Catalog returns the prepared transactions held by the applier.
func (a *Applier) Catalog() *PreparedCatalog {
	return a.catalog
}

func (a *Applier) startSpan(ctx context.Context, name string, entry *oplog.Entry, mode Mode) (context.Context, trace.Span) {
	return a.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("mode", mode.String()),
		attribute.String("optime", entry.OpTime().String()),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func txnKey(entry *oplog.Entry) (oplog.TxnKey, error) {
	if entry.SessionID == nil || entry.TxnNumber == nil {
		return oplog.TxnKey{}, errors.AssertionFailedf("transaction entry at %s has no lsid or txnNumber", entry.OpTime())
	}
	return oplog.TxnKey{SessionID: *entry.SessionID, TxnNumber: *entry.TxnNumber}, nil
}

// ApplyPrepareTransaction applies a prepare entry.
func (a *Applier) ApplyPrepareTransaction(ctx context.Context, entry *oplog.Entry, mode Mode) (err error) {
	ctx, span := a.startSpan(ctx, "txnapply.ApplyPrepareTransaction", entry, mode)
	defer func() { endSpan(span, err) }()

	switch mode {
	case ModeRecovering:
		// The operations are applied when the commit is replayed or, for a
		// transaction still prepared at the end of recovery, by
		// ReconstructPreparedTransactions.
		return nil
	case ModeInitialSync:
		return errors.AssertionFailedf("initial sync received the prepare entry at %s", entry.OpTime())
	case ModeApplyOpsCmd:
		return txnerr.New(txnerr.PrepareInApplyOps, "prepare applyOps oplog entry is only used internally by secondaries")
	case ModeSecondary:
		return a.applyPrepareTransaction(ctx, entry, recoveryunit.Options{}, ModeSecondary)
	}
	return errors.AssertionFailedf("unknown apply mode %d", mode)
}

func (a *Applier) applyPrepareTransaction(ctx context.Context, entry *oplog.Entry, opts recoveryunit.Options, mode Mode) error {
	key, err := txnKey(entry)
	if err != nil {
		return err
	}
	ops, read, err := readChain(ctx, a.reader, entry, nil)
	if err != nil {
		return err
	}
	a.metrics.ChainEntriesRead(ctx, read)
	if mode.roundsUp() {
		opts.RoundUpPreparedTimestamps = true
	}

	namespaces := touchedNamespaces(ops)
	if a.indexBuilds != nil {
		if err := a.indexBuilds.WaitForIndexBuilds(ctx, namespaces); err != nil {
			return errors.Wrapf(err, "waiting for index builds before preparing %s", key)
		}
	}

	uow, err := a.engine.Begin(ctx, opts)
	if err != nil {
		return err
	}
	stashed := false
	defer func() {
		if !stashed {
			uow.Abandon()
		}
	}()

	if err := a.applyOperations(ctx, uow, ops, mode); err != nil {
		return errors.Wrapf(err, "applying operations of prepared transaction %s", key)
	}
	if err := uow.SetPrepareTimestamp(entry.TS); err != nil {
		return err
	}
	if err := uow.Prepare(ctx); err != nil {
		return errors.Wrapf(err, "preparing transaction %s", key)
	}
	if err := a.catalog.Stash(&PreparedTxn{Key: key, Unit: uow, PrepareOpTime: entry.OpTime(), Namespaces: namespaces}); err != nil {
		return err
	}
	stashed = true
	a.metrics.TransactionApplied(ctx, "prepare", mode.String())
	a.logger.Debug("Prepared transaction",
		zap.Stringer("txn", key),
		zap.Stringer("prepare_optime", entry.OpTime()),
		zap.Int("ops", len(ops)),
		zap.Stringer("mode", mode))
	return nil
}

// ApplyCommitTransaction applies a commitTransaction entry, which always
// follows a prepare.
func (a *Applier) ApplyCommitTransaction(ctx context.Context, entry *oplog.Entry, mode Mode) (err error) {
	ctx, span := a.startSpan(ctx, "txnapply.ApplyCommitTransaction", entry, mode)
	defer func() { endSpan(span, err) }()

	commitTS, err := entry.CommitTimestamp()
	if err != nil {
		return err
	}
	switch mode {
	case ModeRecovering:
		return a.applyTransactionFromOplogChain(ctx, entry, mode)
	case ModeInitialSync:
		return errors.AssertionFailedf("initial sync received the commitTransaction entry at %s", entry.OpTime())
	case ModeApplyOpsCmd:
		return txnerr.New(txnerr.CommitPreparedInApplyOps, "commitTransaction is only used internally by secondaries")
	case ModeSecondary:
		key, err := txnKey(entry)
		if err != nil {
			return err
		}
		p, ok := a.catalog.Unstash(key)
		if !ok {
			return txnerr.Newf(txnerr.NoSuchTransaction, "no prepared transaction %s to commit at %s", key, entry.OpTime())
		}
		defer p.Unit.Abandon()
		if err := p.Unit.SetCommitTimestamp(commitTS); err != nil {
			return err
		}
		if err := p.Unit.SetDurableTimestamp(entry.TS); err != nil {
			return err
		}
		if err := p.Unit.Commit(ctx); err != nil {
			return errors.Wrapf(err, "committing prepared transaction %s", key)
		}
		a.metrics.TransactionApplied(ctx, "commit", mode.String())
		return nil
	}
	return errors.AssertionFailedf("unknown apply mode %d", mode)
}

// applyTransactionFromOplogChain replays a prepared transaction and its
// commit in one unit of work.
func (a *Applier) applyTransactionFromOplogChain(ctx context.Context, entry *oplog.Entry, mode Mode) error {
	commitTS, err := entry.CommitTimestamp()
	if err != nil {
		return err
	}
	ops, read, err := readChain(ctx, a.reader, entry, nil)
	if err != nil {
		return err
	}
	a.metrics.ChainEntriesRead(ctx, read)

	uow, err := a.engine.Begin(ctx, recoveryunit.Options{RoundUpPreparedTimestamps: true})
	if err != nil {
		return err
	}
	defer uow.Abandon()
	if err := a.applyOperations(ctx, uow, ops, mode); err != nil {
		return err
	}
	if err := uow.SetPrepareTimestamp(commitTS); err != nil {
		return err
	}
	if err := uow.Prepare(ctx); err != nil {
		return err
	}
	if err := uow.SetCommitTimestamp(commitTS); err != nil {
		return err
	}
	if err := uow.SetDurableTimestamp(entry.TS); err != nil {
		return err
	}
	if err := uow.Commit(ctx); err != nil {
		return err
	}
	a.metrics.TransactionApplied(ctx, "commit", mode.String())
	return nil
}

// ApplyAbortTransaction applies an abortTransaction entry.
func (a *Applier) ApplyAbortTransaction(ctx context.Context, entry *oplog.Entry, mode Mode) error {
	switch mode {
	case ModeRecovering, ModeInitialSync:
		// Nothing is prepared before the end of recovery or initial sync.
		return nil
	case ModeApplyOpsCmd:
		return txnerr.New(txnerr.AbortPreparedInApplyOps, "abortTransaction is only used internally by secondaries")
	case ModeSecondary:
		key, err := txnKey(entry)
		if err != nil {
			return err
		}
		p, ok := a.catalog.Unstash(key)
		if !ok {
			return txnerr.Newf(txnerr.NoSuchTransaction, "no prepared transaction %s to abort at %s", key, entry.OpTime())
		}
		p.Unit.Abandon()
		a.metrics.TransactionApplied(ctx, "abort", mode.String())
		return nil
	}
	return errors.AssertionFailedf("unknown apply mode %d", mode)
}

// ReconstructPreparedTransactions prepares again every transaction the
// transaction table records as prepared. A failure leaves the node unable
// to honour a prepare it acknowledged; callers must treat it as fatal.
func (a *Applier) ReconstructPreparedTransactions(ctx context.Context, mode Mode) error {
	if a.table == nil {
		return errors.New("txnapply: reconstructing prepared transactions needs a transaction table")
	}
	recs, err := a.table.InState(ctx, transaction.StatePrepared)
	if err != nil {
		return errors.Wrap(err, "reading prepared transactions")
	}
	for _, rec := range recs {
		if rec.LastWriteOpTime.IsNull() {
			return errors.AssertionFailedf("prepared transaction of %s has a null last write optime", rec.SessionID)
		}
		key := oplog.TxnKey{SessionID: rec.SessionID, TxnNumber: rec.TxnNumber}
		if _, ok := a.catalog.Get(key); ok {
			continue
		}
		it := oplog.NewChainIterator(a.reader, rec.LastWriteOpTime)
		prepare, err := it.Next(ctx)
		if err != nil {
			return errors.Wrapf(err, "reading prepare entry of %s", key)
		}
		if !prepare.IsPrepare() {
			return errors.AssertionFailedf("last write of prepared transaction %s at %s is not a prepare", key, rec.LastWriteOpTime)
		}
		opts := recoveryunit.Options{
			RoundUpPreparedTimestamps: true,
			PrepareConflictBehavior:   recoveryunit.IgnoreConflictsAllowWrites,
		}
		if err := a.applyPrepareTransaction(ctx, prepare, opts, mode); err != nil {
			return errors.Wrapf(err, "reconstructing prepared transaction %s", key)
		}
		a.metrics.PreparedReconstructed(ctx)
		a.logger.Info("Reconstructed prepared transaction",
			zap.Stringer("txn", key),
			zap.Stringer("prepare_optime", rec.LastWriteOpTime))
	}
	return nil
}

// applyOperations applies ops to uow. Operations on missing collections are
// skipped in modes replaying old history.
func (a *Applier) applyOperations(ctx context.Context, uow recoveryunit.UnitOfWork, ops []*oplog.Entry, mode Mode) error {
	applied := 0
	for _, op := range ops {
		err := a.ops.ApplyOperation(ctx, uow, op)
		if txnerr.HasCode(err, txnerr.NamespaceNotFound) && mode.toleratesMissingNamespaces() {
			a.logger.Debug("Skipping operation on missing collection", zap.String("ns", op.NS), zap.Stringer("mode", mode))
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "applying %s on %s", op.Op, op.NS)
		}
		applied++
	}
	a.metrics.OpsApplied(ctx, applied)
	return nil
}

func touchedNamespaces(ops []*oplog.Entry) []string {
	seen := make(map[string]struct{})
	for _, op := range ops {
		if op.IsCrud() {
			seen[op.NS] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for ns := range seen {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}
