package router

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/command"
	"github.com/sushant-115/gojotxn/core/shard"
	"github.com/sushant-115/gojotxn/core/txnerr"
)

// AbortTransaction aborts the transaction on every participant. Like
// commit, a failed reply is returned as the result and the error is
// reserved for unreachable shards. The transaction is counted as aborted
// whatever the outcome.
func (r *Router) AbortTransaction(ctx context.Context, op *Operation) (bson.Raw, error) {
	ctx, span := r.env.Tracer.Start(ctx, "router.AbortTransaction")
	defer span.End()

	defer func() {
		r.mu.Lock()
		r.onExplicitAbortLocked(ctx)
		r.mu.Unlock()
	}()

	r.mu.Lock()
	if len(r.s.participants) == 0 {
		r.mu.Unlock()
		return nil, txnerr.New(txnerr.NoSuchTransaction, "no known command has been sent by this router for this transaction")
	}
	r.s.terminationInitiated = true
	ids := r.sortedParticipantIDsLocked()
	r.logger.Debug("Aborting transaction", zap.String("txn", r.txnIDStringLocked()), zap.Int("participants", len(ids)))
	r.mu.Unlock()

	requests := make([]shard.Request, 0, len(ids))
	for _, id := range ids {
		cmd, err := r.AttachTxnFieldsIfNeeded(ctx, id, bson.D{
			{Key: command.AbortTransaction, Value: 1},
			{Key: command.FieldWriteConcern, Value: op.writeConcern()},
		})
		if err != nil {
			return nil, err
		}
		requests = append(requests, shard.Request{ShardID: id, Cmd: cmd})
	}

	var last bson.Raw
	for _, resp := range shard.GatherResponses(ctx, r.env.Sender, "admin", requests, shard.PrimaryOnly, shard.Idempotent) {
		if resp.Err != nil {
			span.RecordError(resp.Err)
			return nil, resp.Err
		}
		if resp.Status() != nil || resp.WriteConcernStatus() != nil {
			return resp.Reply, nil
		}
		last = resp.Reply
	}
	return last, nil
}

// ImplicitlyAbortTransaction aborts the transaction on every participant
// after cause ended it. It is best effort and never fails. A commit that
// was already handed to a coordinator or recovered by token is left alone
// since its outcome may already be decided.
func (r *Router) ImplicitlyAbortTransaction(ctx context.Context, cause error) {
	ctx, span := r.env.Tracer.Start(ctx, "router.ImplicitlyAbortTransaction")
	defer span.End()

	r.mu.Lock()
	if r.s.commitType == CommitTypeTwoPhaseCommit || r.s.commitType == CommitTypeRecoverWithToken {
		r.logger.Debug("Not sending implicit abortTransaction because commit may have been handed off to the coordinator",
			zap.String("txn", r.txnIDStringLocked()))
		r.mu.Unlock()
		return
	}
	if len(r.s.participants) == 0 {
		r.onImplicitAbortLocked(ctx, cause)
		r.mu.Unlock()
		return
	}
	r.s.terminationInitiated = true
	ids := r.sortedParticipantIDsLocked()
	r.logger.Debug("Implicitly aborting transaction",
		zap.String("txn", r.txnIDStringLocked()), zap.Int("participants", len(ids)), zap.Error(cause))
	r.mu.Unlock()

	requests := make([]shard.Request, 0, len(ids))
	for _, id := range ids {
		cmd, err := r.AttachTxnFieldsIfNeeded(ctx, id, bson.D{{Key: command.AbortTransaction, Value: 1}})
		if err != nil {
			r.logger.Warn("Skipping implicit abort on shard", zap.String("shard", string(id)), zap.Error(err))
			continue
		}
		requests = append(requests, shard.Request{ShardID: id, Cmd: cmd})
	}
	// Responses are ignored; a participant that misses the abort times the
	// transaction out on its own.
	_ = shard.GatherResponses(ctx, r.env.Sender, "admin", requests, shard.PrimaryOnly, shard.Idempotent)

	r.mu.Lock()
	r.onImplicitAbortLocked(ctx, cause)
	r.mu.Unlock()
}
