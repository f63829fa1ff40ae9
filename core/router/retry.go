package router

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/command"
	"github.com/sushant-115/gojotxn/core/shard"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/txnerr"
)

// Commands that may be retried after a stale routing error on any
// statement, since they only read.
var alwaysRetryableCmds = map[string]struct{}{
	"aggregate":   {},
	"distinct":    {},
	"find":        {},
	"getMore":     {},
	"killCursors": {},
}

// CanContinueOnStaleShardOrDbError reports whether a statement that failed
// with a stale shard or database version may be retried in the transaction.
func (r *Router) CanContinueOnStaleShardOrDbError(cmdName string) bool {
	if !r.env.Config.EnableRetriesWithinTransaction {
		return false
	}
	if _, ok := alwaysRetryableCmds[cmdName]; ok {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// The first statement can be retried since no participant has done
	// anything yet.
	return r.s.latestStmtID == r.s.firstStmtID
}

// OnStaleShardOrDbError prepares a statement retry after a stale routing error.
func (r *Router) OnStaleShardOrDbError(ctx context.Context, cmdName string, cause error) error {
	r.logger.Debug("Clearing pending participants after stale version error",
		zap.String("txn", r.TxnIDString()), zap.String("cmd", cmdName), zap.Error(cause))
	return r.clearPendingParticipants(ctx)
}

// OnViewResolutionError prepares a statement retry against the resolved
// view's underlying namespace.
func (r *Router) OnViewResolutionError(ctx context.Context, ns string) error {
	r.logger.Debug("Clearing pending participants after view resolution error",
		zap.String("txn", r.TxnIDString()), zap.String("ns", ns))
	return r.clearPendingParticipants(ctx)
}

// CanContinueOnSnapshotError reports whether the current statement may
// retry at a new snapshot timestamp.
func (r *Router) CanContinueOnSnapshotError() bool {
	if !r.env.Config.EnableRetriesWithinTransaction {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.atClusterTime != nil && r.s.atClusterTime.CanChange(r.s.latestStmtID)
}

// OnSnapshotError forgets every participant and the chosen snapshot so the
// statement can be retried at a fresh timestamp.
func (r *Router) OnSnapshotError(ctx context.Context, cause error) error {
	r.mu.Lock()
	ok := r.s.atClusterTime != nil && r.s.atClusterTime.CanChange(r.s.latestStmtID)
	r.mu.Unlock()
	if !ok {
		return errors.AssertionFailedf("snapshot error retry of %s after the read timestamp was fixed", r.TxnIDString())
	}

	r.logger.Debug("Clearing pending participants and resetting global snapshot timestamp after snapshot error",
		zap.String("txn", r.TxnIDString()), zap.Error(cause))

	// The error is on the first statement that selected the timestamp, so
	// every participant is pending.
	if err := r.clearPendingParticipants(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.s.participants) != 0 || r.s.coordinatorID != "" {
		return errors.AssertionFailedf("participants of %s remain after snapshot error", r.txnIDStringLocked())
	}
	return r.resetAtClusterTimeLocked()
}

func (r *Router) pendingParticipantsLocked() []transaction.ShardID {
	var pending []transaction.ShardID
	for id, p := range r.s.participants {
		if p.StmtIDCreatedAt == r.s.latestStmtID {
			pending = append(pending, id)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i] < pending[j] })
	return pending
}

// clearPendingParticipants aborts the transaction on participants first
// targeted by the current statement and forgets them.
func (r *Router) clearPendingParticipants(ctx context.Context) error {
	r.mu.Lock()
	pending := r.pendingParticipantsLocked()
	latestStmtID := r.s.latestStmtID
	r.mu.Unlock()

	requests := make([]shard.Request, 0, len(pending))
	for _, id := range pending {
		cmd, err := r.AttachTxnFieldsIfNeeded(ctx, id, bson.D{{Key: command.AbortTransaction, Value: 1}})
		if err != nil {
			return err
		}
		requests = append(requests, shard.Request{ShardID: id, Cmd: cmd})
	}

	responses := shard.GatherResponses(ctx, r.env.Sender, "admin", requests, shard.PrimaryOnly, shard.Idempotent)
	for _, resp := range responses {
		if resp.Err != nil {
			return txnerr.Wrapf(resp.Err, "Failed to send abort to shard %s between retries of statement %d", resp.ShardID, latestStmtID)
		}
		if status := resp.Status(); status != nil && !txnerr.HasCode(status, txnerr.NoSuchTransaction) {
			return txnerr.Newf(txnerr.NoSuchTransaction,
				"Transaction aborted between retries of statement %d due to error: %s from shard: %s",
				latestStmtID, txnerr.Reason(status), resp.ShardID)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range pending {
		r.logger.Debug("Clearing pending participant", zap.String("txn", r.txnIDStringLocked()), zap.String("shard", string(id)))
		delete(r.s.participants, id)
		if r.s.recoveryShardID == id {
			r.s.recoveryShardID = ""
		}
	}
	if len(r.s.participants) == 0 {
		r.s.coordinatorID = ""
		return nil
	}
	if _, ok := r.s.participants[r.s.coordinatorID]; !ok {
		return errors.AssertionFailedf("coordinator %s of %s was cleared while other participants remain",
			r.s.coordinatorID, r.txnIDStringLocked())
	}
	return nil
}
