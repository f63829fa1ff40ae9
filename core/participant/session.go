package participant

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/txnerr"
)

// beginOrContinueLocked returns the transaction a statement runs in,
// starting it when the statement carries startTransaction.
func (s *Service) beginOrContinueLocked(ctx context.Context, args txnArgs) (*txnState, error) {
	lsid, txnNumber, err := args.key()
	if err != nil {
		return nil, err
	}
	st := s.sessions[lsid]
	if st != nil && txnNumber < st.txnNumber {
		return nil, txnerr.Newf(txnerr.TransactionTooOld,
			"Cannot start transaction %d on session %s because a newer transaction %d has already started",
			txnNumber, lsid, st.txnNumber)
	}

	if !args.startTransaction {
		if st == nil || st.txnNumber != txnNumber {
			return nil, txnerr.Newf(txnerr.NoSuchTransaction,
				"Given transaction number %d does not match any in-progress transactions", txnNumber)
		}
		if args.readConcern != nil {
			return nil, txnerr.New(txnerr.InvalidOptions, "Only the first command in a transaction may specify a readConcern")
		}
		switch st.phase {
		case phasePrepared:
			return nil, txnerr.Newf(txnerr.PreparedTransactionInProgress,
				"Cannot run statements in prepared transaction %s", st)
		case phaseCommitted:
			return nil, txnerr.Newf(txnerr.TransactionCommitted, "Transaction %s has been committed", st)
		case phaseAborted:
			return nil, txnerr.Newf(txnerr.NoSuchTransaction, "Transaction %s has been aborted", st)
		}
		return st, nil
	}

	if st != nil {
		switch {
		case st.txnNumber == txnNumber:
			// A router retrying its first statements restarts the
			// transaction at the same number.
			switch st.phase {
			case phaseInProgress:
				s.logger.Debug("Restarting transaction", zap.Stringer("txn", st))
				s.finishLocked(st, phaseAborted)
			case phaseAborted:
			default:
				return nil, txnerr.Newf(txnerr.ConflictingOperationInProgress,
					"Cannot restart transaction %s in state %s", st, st.phase)
			}
		case st.phase == phasePrepared:
			return nil, txnerr.Newf(txnerr.PreparedTransactionInProgress,
				"Cannot start transaction %d while transaction %s is prepared", txnNumber, st)
		case st.phase == phaseInProgress:
			s.logger.Debug("Aborting transaction superseded by a newer one",
				zap.Stringer("txn", st), zap.Int64("newTxnNumber", int64(txnNumber)))
			s.finishLocked(st, phaseAborted)
		}
	} else {
		rec, found, err := s.cfg.TxnTable.Get(ctx, lsid)
		if err != nil {
			return nil, errors.Wrapf(err, "reading transaction table for session %s", lsid)
		}
		if found && rec.TxnNumber >= txnNumber {
			return nil, txnerr.Newf(txnerr.TransactionTooOld,
				"Cannot start transaction %d on session %s because transaction %d has already started",
				txnNumber, lsid, rec.TxnNumber)
		}
	}

	var rc transaction.ReadConcernArgs
	if args.readConcern != nil {
		rc = *args.readConcern
	}
	switch rc.Level {
	case "", transaction.ReadConcernLocal, transaction.ReadConcernMajority, transaction.ReadConcernSnapshot:
	default:
		return nil, txnerr.Newf(txnerr.InvalidOptions, "read concern level %s is not supported in a transaction", rc.Level)
	}
	if rc.AtClusterTime != nil && rc.Level != transaction.ReadConcernSnapshot {
		return nil, txnerr.New(txnerr.InvalidOptions, "atClusterTime requires read concern level snapshot")
	}

	st = &txnState{
		lsid:        lsid,
		txnNumber:   txnNumber,
		phase:       phaseInProgress,
		readConcern: rc,
		started:     s.cfg.Wall.Now(),
	}
	if rc.Level == transaction.ReadConcernSnapshot {
		if rc.AtClusterTime != nil {
			st.readTS = *rc.AtClusterTime
			s.cfg.Clock.Advance(st.readTS)
		} else {
			st.readTS = s.cfg.Oplog.LastOpTime().TS
		}
	}
	s.sessions[lsid] = st
	s.logger.Debug("Started transaction", zap.Stringer("txn", st), zap.String("readConcern", string(rc.Level)))
	return st, nil
}

// currentTxnLocked returns the session's transaction if it is txnNumber.
func (s *Service) currentTxnLocked(args txnArgs) (*txnState, error) {
	lsid, txnNumber, err := args.key()
	if err != nil {
		return nil, err
	}
	st := s.sessions[lsid]
	if st == nil || st.txnNumber != txnNumber {
		if st != nil && txnNumber < st.txnNumber {
			return nil, txnerr.Newf(txnerr.TransactionTooOld,
				"Transaction %d on session %s is older than transaction %d", txnNumber, lsid, st.txnNumber)
		}
		return nil, txnerr.Newf(txnerr.NoSuchTransaction,
			"Given transaction number %d does not match any in-progress transactions", txnNumber)
	}
	return st, nil
}
