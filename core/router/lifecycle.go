package router

import (
	"context"

	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/txnerr"
)

const defaultFirstStmtID transaction.StmtID = 0

// BeginOrContinueTxn validates txnNumber against the session's current
// transaction and starts, continues or prepares to commit it. For a
// continuing statement op.ReadConcern is replaced with the transaction's.
func (r *Router) BeginOrContinueTxn(ctx context.Context, op *Operation, txnNumber transaction.TxnNumber, action Action) error {
	ctx, span := r.env.Tracer.Start(ctx, "router.BeginOrContinueTxn")
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.beginOrContinueTxnLocked(ctx, op, txnNumber, action); err != nil {
		span.RecordError(err)
		return err
	}
	if op != nil {
		r.s.lastClient = op.Client
	}
	return nil
}

func (r *Router) beginOrContinueTxnLocked(ctx context.Context, op *Operation, txnNumber transaction.TxnNumber, action Action) error {
	if op == nil {
		op = &Operation{}
	}

	if txnNumber < r.s.txnNumber {
		return txnerr.Newf(txnerr.TransactionTooOld,
			"txnNumber %d is less than last txnNumber %d seen in session %s", txnNumber, r.s.txnNumber, r.sessionID)
	}

	if txnNumber == r.s.txnNumber {
		switch action {
		case ActionStart:
			return txnerr.Newf(txnerr.ConflictingOperationInProgress,
				"txnNumber %d for session %s already started", txnNumber, r.sessionID)
		case ActionContinue:
			if !op.ReadConcern.IsEmpty() {
				return txnerr.New(txnerr.InvalidOptions, "Only the first command in a transaction may specify a readConcern")
			}
			// Later statements inherit the read concern of the first.
			op.ReadConcern = r.s.readConcernArgs
			r.s.latestStmtID++
			r.trySetActiveLocked()
		case ActionCommit:
			r.s.latestStmtID++
			r.trySetActiveLocked()
		}
		return nil
	}

	switch action {
	case ActionStart:
		rc := op.ReadConcern
		if rc.HasLevel() {
			switch rc.Level {
			case transaction.ReadConcernLocal, transaction.ReadConcernMajority, transaction.ReadConcernSnapshot:
			default:
				return txnerr.Newf(txnerr.InvalidOptions,
					"The readConcern level must be either 'local' (default), 'majority' or 'snapshot'; got %q", rc.Level)
			}
		}
		r.resetLocked(txnNumber)
		r.s.readConcernArgs = rc
		if rc.Level == transaction.ReadConcernSnapshot {
			r.s.atClusterTime = newAtClusterTime()
		}
		r.logger.Debug("New transaction started", zap.String("txn", r.txnIDStringLocked()))
		r.env.Metrics.IncrementTotalStarted(ctx)
	case ActionContinue:
		return txnerr.Newf(txnerr.NoSuchTransaction,
			"cannot continue txnId %d for session %s with txnId %d", r.s.txnNumber, r.sessionID, txnNumber)
	case ActionCommit:
		// A commit for an unknown transaction is a request to recover the
		// decision of one this router never saw.
		r.resetLocked(txnNumber)
		r.s.isRecoveringCommit = true
		r.logger.Debug("Commit recovery started", zap.String("txn", r.txnIDStringLocked()))
		r.env.Metrics.IncrementTotalStarted(ctx)
	}
	return nil
}

func (r *Router) resetLocked(txnNumber transaction.TxnNumber) {
	r.s.txnNumber = txnNumber
	r.s.commitType = CommitTypeNotInitiated
	r.s.isRecoveringCommit = false
	r.s.participants = make(map[transaction.ShardID]Participant)
	r.s.coordinatorID = ""
	r.s.recoveryShardID = ""
	r.s.readConcernArgs = transaction.ReadConcernArgs{}
	r.s.atClusterTime = nil
	r.s.abortCause = ""
	r.s.timing = TimingStats{}
	r.s.active = false
	r.s.terminationInitiated = false
	r.trySetActiveLocked()

	r.s.firstStmtID = defaultFirstStmtID
	r.s.latestStmtID = defaultFirstStmtID
}

// LatestStmtID returns the id of the statement currently running.
func (r *Router) LatestStmtID() transaction.StmtID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.latestStmtID
}

// ReadConcern returns the read concern the transaction was started with.
func (r *Router) ReadConcern() transaction.ReadConcernArgs {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.readConcernArgs
}
