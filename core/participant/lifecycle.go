package participant

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/command"
	"github.com/sushant-115/gojotxn/core/replication/oplog"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/txnerr"
)

const adminCmdNS = "admin.$cmd"

// appendTxnEntryLocked writes one command entry of st's oplog chain.
func (s *Service) appendTxnEntryLocked(ctx context.Context, st *txnState, object bson.Raw) (transaction.OpTime, error) {
	lsid := st.lsid
	txnNumber := st.txnNumber
	prev := st.lastWrite
	at, err := s.appendEntry(ctx, func(transaction.OpTime) *oplog.Entry {
		e := &oplog.Entry{
			Op:        oplog.OpCommand,
			NS:        adminCmdNS,
			Object:    object,
			SessionID: &lsid,
			TxnNumber: &txnNumber,
		}
		if !prev.IsNull() {
			e.PrevOpTime = &prev
		}
		return e
	})
	if err != nil {
		return transaction.OpTime{}, err
	}
	st.lastWrite = at
	return at, nil
}

// writeChainLocked writes st's buffered operations as partial applyOps
// entries followed by one final entry whose object final builds from the
// last chunk.
func (s *Service) writeChainLocked(ctx context.Context, st *txnState, final func(ops []*oplog.Entry) (bson.Raw, error)) (transaction.OpTime, error) {
	chunks := chunkOps(st.ops, s.cfg.MaxOpsPerOplogEntry)
	for _, chunk := range chunks[:len(chunks)-1] {
		object, err := oplog.ApplyOpsObject(chunk, true, false)
		if err != nil {
			return transaction.OpTime{}, err
		}
		if _, err := s.appendTxnEntryLocked(ctx, st, object); err != nil {
			return transaction.OpTime{}, err
		}
	}
	object, err := final(chunks[len(chunks)-1])
	if err != nil {
		return transaction.OpTime{}, err
	}
	return s.appendTxnEntryLocked(ctx, st, object)
}

// chunkOps splits ops into groups of at most max, always returning at least
// one group.
func chunkOps(ops []*oplog.Entry, max int) [][]*oplog.Entry {
	if len(ops) == 0 {
		return [][]*oplog.Entry{nil}
	}
	var chunks [][]*oplog.Entry
	for len(ops) > max {
		chunks = append(chunks, ops[:max])
		ops = ops[max:]
	}
	return append(chunks, ops)
}

func (s *Service) prepareTransaction(ctx context.Context, args txnArgs) (bson.Raw, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.currentTxnLocked(args)
	if err != nil {
		return nil, err
	}
	switch st.phase {
	case phasePrepared:
		return prepareReply(st), nil
	case phaseCommitted:
		return nil, txnerr.Newf(txnerr.TransactionCommitted, "Transaction %s has been committed", st)
	case phaseAborted:
		return nil, txnerr.Newf(txnerr.NoSuchTransaction, "Transaction %s has been aborted", st)
	}

	at, err := s.writeChainLocked(ctx, st, func(ops []*oplog.Entry) (bson.Raw, error) {
		return oplog.ApplyOpsObject(ops, false, true)
	})
	if err != nil {
		s.finishLocked(st, phaseAborted)
		return nil, err
	}
	st.phase = phasePrepared
	st.prepareOpTime = at
	st.ops = nil
	s.notifyLocked()
	s.logger.Debug("Prepared transaction", zap.Stringer("txn", st), zap.Stringer("prepareOpTime", at))
	return prepareReply(st), nil
}

func prepareReply(st *txnState) bson.Raw {
	return command.ToRaw(bson.D{
		{Key: "prepareTimestamp", Value: st.prepareOpTime.TS},
		{Key: "ok", Value: 1.0},
	})
}

func (s *Service) commitTransaction(ctx context.Context, raw bson.Raw, args txnArgs) (bson.Raw, error) {
	commitTS, hasCommitTS, err := lookupTimestamp(raw, "commitTimestamp")
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.currentTxnLocked(args)
	if err != nil {
		if txnerr.HasCode(err, txnerr.NoSuchTransaction) {
			return s.commitOutcomeFromTable(ctx, args)
		}
		return nil, err
	}

	switch st.phase {
	case phaseCommitted:
		return command.OKReply(), nil
	case phaseAborted:
		return nil, txnerr.Newf(txnerr.NoSuchTransaction, "Transaction %s has been aborted", st)
	case phaseInProgress:
		if hasCommitTS {
			return nil, txnerr.New(txnerr.InvalidOptions, "commitTimestamp must not be given for a transaction that is not prepared")
		}
		if len(st.ops) > 0 {
			if _, err := s.writeChainLocked(ctx, st, func(ops []*oplog.Entry) (bson.Raw, error) {
				return oplog.ApplyOpsObject(ops, false, false)
			}); err != nil {
				s.finishLocked(st, phaseAborted)
				return nil, err
			}
		}
	case phasePrepared:
		if !hasCommitTS {
			return nil, txnerr.New(txnerr.InvalidOptions, "commitTransaction for a prepared transaction requires a commitTimestamp")
		}
		if transaction.CompareTimestamps(commitTS, st.prepareOpTime.TS) < 0 {
			return nil, txnerr.Newf(txnerr.InvalidOptions,
				"commitTimestamp %v is before the prepareTimestamp %v", commitTS, st.prepareOpTime.TS)
		}
		s.cfg.Clock.Advance(commitTS)
		if _, err := s.appendTxnEntryLocked(ctx, st, oplog.CommitTransactionObject(commitTS)); err != nil {
			return nil, err
		}
	}
	s.finishLocked(st, phaseCommitted)
	return command.OKReply(), nil
}

// commitOutcomeFromTable answers a commit for a transaction this process has
// no state for, which happens after a restart.
func (s *Service) commitOutcomeFromTable(ctx context.Context, args txnArgs) (bson.Raw, error) {
	lsid, txnNumber, err := args.key()
	if err != nil {
		return nil, err
	}
	rec, found, err := s.cfg.TxnTable.Get(ctx, lsid)
	if err != nil {
		return nil, err
	}
	if found && rec.TxnNumber == txnNumber && rec.State == transaction.StateCommitted {
		return command.OKReply(), nil
	}
	if found && rec.TxnNumber > txnNumber {
		return nil, txnerr.Newf(txnerr.TransactionTooOld,
			"Transaction %d on session %s is older than transaction %d", txnNumber, lsid, rec.TxnNumber)
	}
	return nil, txnerr.Newf(txnerr.NoSuchTransaction, "Transaction %d on session %s is not known", txnNumber, lsid)
}

func (s *Service) abortTransaction(ctx context.Context, args txnArgs) (bson.Raw, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.currentTxnLocked(args)
	if err != nil {
		return nil, err
	}
	switch st.phase {
	case phaseCommitted:
		return nil, txnerr.Newf(txnerr.TransactionCommitted, "Transaction %s has been committed", st)
	case phaseAborted:
		return nil, txnerr.Newf(txnerr.NoSuchTransaction, "Transaction %s has been aborted", st)
	case phasePrepared:
		if _, err := s.appendTxnEntryLocked(ctx, st, oplog.AbortTransactionObject()); err != nil {
			return nil, err
		}
	}
	s.finishLocked(st, phaseAborted)
	return command.OKReply(), nil
}
