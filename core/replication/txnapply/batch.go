package txnapply

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/replication/oplog"
	"github.com/sushant-115/gojotxn/core/storage_engine/recoveryunit"
	"github.com/sushant-115/gojotxn/core/transaction"
)

// ApplyBatch applies entries in order. Partial transaction entries are held
// until their transaction ends; entries outside transactions apply on their
// own at their timestamp. ApplyBatch must not be called concurrently.
func (a *Applier) ApplyBatch(ctx context.Context, entries []*oplog.Entry, mode Mode) error {
	for _, entry := range entries {
		if err := a.applyEntry(ctx, entry, mode); err != nil {
			return errors.Wrapf(err, "applying oplog entry at %s", entry.OpTime())
		}
	}
	return nil
}

func (a *Applier) applyEntry(ctx context.Context, entry *oplog.Entry, mode Mode) error {
	meta, ok := entry.Meta()
	if !ok {
		return a.applyStandalone(ctx, entry, mode)
	}

	var state transaction.DurableState
	switch meta.Kind {
	case oplog.TxnKindPartial:
		a.pending[meta.Key] = append(a.pending[meta.Key], entry)
		return nil
	case oplog.TxnKindPrepare:
		// Partial entries before a prepare are read back from the oplog.
		delete(a.pending, meta.Key)
		if err := a.ApplyPrepareTransaction(ctx, entry, mode); err != nil {
			return err
		}
		state = transaction.StatePrepared
	case oplog.TxnKindUnpreparedCommit:
		cached := a.pending[meta.Key]
		delete(a.pending, meta.Key)
		if err := a.applyUnpreparedCommit(ctx, entry, cached, mode); err != nil {
			return err
		}
		state = transaction.StateCommitted
	case oplog.TxnKindPreparedCommit:
		if err := a.ApplyCommitTransaction(ctx, entry, mode); err != nil {
			return err
		}
		state = transaction.StateCommitted
	case oplog.TxnKindAbort:
		delete(a.pending, meta.Key)
		if err := a.ApplyAbortTransaction(ctx, entry, mode); err != nil {
			return err
		}
		state = transaction.StateAborted
	}

	if a.table == nil {
		return nil
	}
	return a.table.Upsert(ctx, transaction.TxnRecord{
		SessionID:       meta.Key.SessionID,
		TxnNumber:       meta.Key.TxnNumber,
		LastWriteOpTime: entry.OpTime(),
		LastWriteDate:   entry.Wall,
		State:           state,
	})
}

// applyUnpreparedCommit applies a transaction that commits without a prepare
// atomically at the commit entry's timestamp.
func (a *Applier) applyUnpreparedCommit(ctx context.Context, entry *oplog.Entry, cached []*oplog.Entry, mode Mode) (err error) {
	ctx, span := a.startSpan(ctx, "txnapply.applyUnpreparedCommit", entry, mode)
	defer func() { endSpan(span, err) }()

	ops, read, err := readChain(ctx, a.reader, entry, cached)
	if err != nil {
		return err
	}
	a.metrics.ChainEntriesRead(ctx, read)
	uow, err := a.engine.Begin(ctx, recoveryunit.Options{RoundUpPreparedTimestamps: mode.roundsUp()})
	if err != nil {
		return err
	}
	defer uow.Abandon()
	if err := a.applyOperations(ctx, uow, ops, mode); err != nil {
		return err
	}
	if err := uow.SetCommitTimestamp(entry.TS); err != nil {
		return err
	}
	if err := uow.Commit(ctx); err != nil {
		return err
	}
	a.metrics.TransactionApplied(ctx, "unpreparedCommit", mode.String())
	return nil
}

func (a *Applier) applyStandalone(ctx context.Context, entry *oplog.Entry, mode Mode) error {
	if entry.Op == oplog.OpNoop {
		return nil
	}
	if entry.CommandType() == oplog.CommandTypeApplyOps {
		return errors.AssertionFailedf("applyOps entry at %s has no transaction", entry.OpTime())
	}
	uow, err := a.engine.Begin(ctx, recoveryunit.Options{RoundUpPreparedTimestamps: mode.roundsUp()})
	if err != nil {
		return err
	}
	defer uow.Abandon()
	if err := a.applyOperations(ctx, uow, []*oplog.Entry{entry}, mode); err != nil {
		return err
	}
	if err := uow.SetCommitTimestamp(entry.TS); err != nil {
		return err
	}
	return uow.Commit(ctx)
}

// PendingTransactions is the number of transactions with partial entries
// awaiting their commit.
func (a *Applier) PendingTransactions() int {
	return len(a.pending)
}

// LogPending writes the transactions still waiting for their end entry.
func (a *Applier) LogPending() {
	for key, entries := range a.pending {
		a.logger.Info("Transaction has partial entries but no end entry yet",
			zap.Stringer("txn", key), zap.Int("entries", len(entries)))
	}
}
