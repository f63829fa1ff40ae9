package router

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/command"
	"github.com/sushant-115/gojotxn/core/shard"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/txnerr"
)

// selectCommitType picks the commit strategy from the shape of the
// participant set.
func selectCommitType(recovering bool, numParticipants, numWriteShards int) CommitType {
	switch {
	case recovering:
		return CommitTypeRecoverWithToken
	case numParticipants == 0:
		return CommitTypeNoShards
	case numParticipants == 1:
		return CommitTypeSingleShard
	case numWriteShards == 0:
		return CommitTypeReadOnly
	case numWriteShards == 1:
		return CommitTypeSingleWriteShard
	default:
		return CommitTypeTwoPhaseCommit
	}
}

// CommitTransaction commits the transaction with the cheapest strategy the
// participants allow. token is only consulted when the router is recovering
// the decision of a transaction it did not run. Command failures are
// returned in the reply; the error is reserved for failures to reach a shard
// and protocol violations.
func (r *Router) CommitTransaction(ctx context.Context, op *Operation, token *transaction.RecoveryToken) (bson.Raw, error) {
	ctx, span := r.env.Tracer.Start(ctx, "router.CommitTransaction")
	defer span.End()

	r.mu.Lock()
	r.s.terminationInitiated = true
	r.mu.Unlock()

	reply, err := r.commitTransaction(ctx, op, token)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	span.SetAttributes(attribute.String("commit_type", r.s.commitType.String()))

	commitStatus := command.StatusFromResult(reply)
	wcStatus := command.WriteConcernStatusFromResult(reply)
	if txnerr.IsUnknownCommitResult(commitStatus, wcStatus) {
		// The client will retry the commit to learn the outcome.
		return reply, nil
	}
	if commitStatus == nil {
		r.onSuccessfulCommitLocked(ctx)
	} else {
		r.onNonRetryableCommitErrorLocked(ctx, commitStatus)
	}
	return reply, nil
}

func (r *Router) commitTransaction(ctx context.Context, op *Operation, token *transaction.RecoveryToken) (bson.Raw, error) {
	r.mu.Lock()

	if r.s.isRecoveringCommit {
		if token == nil {
			r.mu.Unlock()
			return nil, txnerr.New(txnerr.MissingRecoveryToken, "Cannot recover the transaction decision without a recoveryToken")
		}
		r.s.commitType = CommitTypeRecoverWithToken
		err := r.onStartCommitLocked(ctx)
		r.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return r.commitWithRecoveryToken(ctx, op, *token)
	}

	if len(r.s.participants) == 0 {
		defer r.mu.Unlock()
		// The statements of this transaction may have run on another router.
		if r.s.txnNumber == transaction.UninitializedTxnNumber {
			return nil, txnerr.New(txnerr.IllegalOperation, "Cannot commit without participants")
		}
		r.s.commitType = CommitTypeNoShards
		if err := r.onStartCommitLocked(ctx); err != nil {
			return nil, err
		}
		return command.OKReply(), nil
	}

	var all, readOnlyShards, writeShards []transaction.ShardID
	for _, id := range r.sortedParticipantIDsLocked() {
		switch r.s.participants[id].ReadOnly {
		case ReadOnlyUnset:
			r.mu.Unlock()
			return nil, txnerr.Newf(txnerr.NoSuchTransaction,
				"Failed to commit transaction because a previous statement on the transaction participant %s was unsuccessful.", id)
		case ReadOnly:
			readOnlyShards = append(readOnlyShards, id)
		case NotReadOnly:
			writeShards = append(writeShards, id)
		}
		all = append(all, id)
	}

	r.s.commitType = selectCommitType(false, len(all), len(writeShards))
	commitType := r.s.commitType
	coordinatorID := r.s.coordinatorID
	if err := r.onStartCommitLocked(ctx); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.logger.Debug("Committing transaction",
		zap.String("txn", r.txnIDStringLocked()),
		zap.Stringer("commit_type", commitType),
		zap.Int("participants", len(all)))
	r.mu.Unlock()

	switch commitType {
	case CommitTypeSingleShard, CommitTypeReadOnly:
		return r.sendCommitDirectlyToShards(ctx, op, all)
	case CommitTypeSingleWriteShard:
		// Read-only shards commit first. If one of them fails the write
		// must not become visible.
		reply, err := r.sendCommitDirectlyToShards(ctx, op, readOnlyShards)
		if err != nil {
			return nil, err
		}
		if command.StatusFromResult(reply) != nil || command.WriteConcernStatusFromResult(reply) != nil {
			return reply, nil
		}
		return r.sendCommitDirectlyToShards(ctx, op, writeShards)
	case CommitTypeTwoPhaseCommit:
		return r.handOffCommitToCoordinator(ctx, op, coordinatorID, all)
	}
	return nil, errors.AssertionFailedf("unexpected commit type %s", commitType)
}

// sendCommitDirectlyToShards sends commitTransaction to every shard in
// parallel. The first failed reply is returned as soon as it arrives;
// otherwise the last reply is.
func (r *Router) sendCommitDirectlyToShards(ctx context.Context, op *Operation, shardIDs []transaction.ShardID) (bson.Raw, error) {
	if len(shardIDs) == 0 {
		return command.OKReply(), nil
	}
	requests := make([]shard.Request, 0, len(shardIDs))
	for _, id := range shardIDs {
		cmd, err := r.AttachTxnFieldsIfNeeded(ctx, id, bson.D{
			{Key: command.CommitTransaction, Value: 1},
			{Key: command.FieldWriteConcern, Value: op.writeConcern()},
		})
		if err != nil {
			return nil, err
		}
		requests = append(requests, shard.Request{ShardID: id, Cmd: cmd})
	}

	ars := shard.NewAsyncRequestsSender(ctx, r.env.Sender, "admin", requests,
		shard.PrimaryOnly, shard.Idempotent, r.env.Config.MaxInFlightShardRequests)
	var last bson.Raw
	for !ars.Done() {
		resp := ars.Next()
		if resp.Err != nil {
			return nil, resp.Err
		}
		if resp.Status() != nil || resp.WriteConcernStatus() != nil {
			return resp.Reply, nil
		}
		last = resp.Reply
	}
	return last, nil
}

// handOffCommitToCoordinator asks the coordinator shard to run two-phase
// commit across all participants.
func (r *Router) handOffCommitToCoordinator(ctx context.Context, op *Operation, coordinatorID transaction.ShardID, participants []transaction.ShardID) (bson.Raw, error) {
	list := make(bson.A, 0, len(participants))
	for _, id := range participants {
		list = append(list, bson.D{{Key: command.FieldShardID, Value: string(id)}})
	}
	cmd, err := r.AttachTxnFieldsIfNeeded(ctx, coordinatorID, bson.D{
		{Key: command.CoordinateCommitTransaction, Value: 1},
		{Key: command.FieldParticipants, Value: list},
		{Key: command.FieldWriteConcern, Value: op.writeConcern()},
	})
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Sending coordinateCommitTransaction",
		zap.String("txn", r.TxnIDString()), zap.String("coordinator", string(coordinatorID)))
	return r.env.Sender.RunCommand(ctx, coordinatorID, "admin", cmd, shard.PrimaryOnly, shard.Idempotent)
}

// commitWithRecoveryToken asks the shard named in the token for the
// transaction's decision.
func (r *Router) commitWithRecoveryToken(ctx context.Context, op *Operation, token transaction.RecoveryToken) (bson.Raw, error) {
	if token.IsEmpty() {
		return nil, txnerr.New(txnerr.NoSuchTransaction,
			"Recovery token is empty, meaning the transaction only performed reads and can be safely retried")
	}
	recoveryShardID := *token.RecoveryShardID
	cmd, err := r.AttachTxnFieldsIfNeeded(ctx, recoveryShardID, bson.D{
		{Key: command.CoordinateCommitTransaction, Value: 1},
		{Key: command.FieldParticipants, Value: bson.A{}},
		{Key: command.FieldWriteConcern, Value: op.writeConcern()},
	})
	if err != nil {
		return nil, err
	}
	return r.env.Sender.RunCommand(ctx, recoveryShardID, "admin", cmd, shard.PrimaryOnly, shard.Idempotent)
}

func (r *Router) sortedParticipantIDsLocked() []transaction.ShardID {
	ids := make([]transaction.ShardID, 0, len(r.s.participants))
	for id := range r.s.participants {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RecoveryToken returns the token a client needs to recover the commit
// decision through another router. It is empty while the transaction has
// done no writes.
func (r *Router) RecoveryToken() (transaction.RecoveryToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s.recoveryShardID == "" {
		return transaction.RecoveryToken{}, nil
	}
	id := r.s.recoveryShardID
	p, ok := r.s.participants[id]
	if !ok || p.ReadOnly != NotReadOnly {
		return transaction.RecoveryToken{}, errors.AssertionFailedf("recovery shard %s is not a write participant", id)
	}
	return transaction.RecoveryToken{RecoveryShardID: &id}, nil
}

// AppendRecoveryToken adds the recoveryToken field to a reply.
func (r *Router) AppendRecoveryToken(reply bson.Raw) (bson.Raw, error) {
	token, err := r.RecoveryToken()
	if err != nil {
		return nil, err
	}
	return command.AppendFields(reply, bson.E{Key: command.FieldRecoveryToken, Value: token})
}
