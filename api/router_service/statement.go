package routerservice

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/command"
	"github.com/sushant-115/gojotxn/core/router"
	"github.com/sushant-115/gojotxn/core/shard"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/txnerr"
)

// Fields the router attaches per participant, stripped from client statements.
var clientTxnFields = []string{
	command.FieldTargets,
	command.FieldLsid,
	command.FieldTxnNumber,
	command.FieldAutocommit,
	command.FieldStartTransaction,
	command.FieldReadConcern,
	command.FieldWriteConcern,
	command.FieldRecoveryToken,
}

// runUntransacted forwards a command outside any transaction to its one target.
func (s *Service) runUntransacted(ctx context.Context, db, name string, cmd bson.D, args statementArgs) (bson.Raw, error) {
	if len(args.targets) != 1 {
		return nil, txnerr.Newf(txnerr.InvalidOptions, "%s outside a transaction must name exactly one target", name)
	}
	return s.sender.RunCommand(ctx, args.targets[0], db, command.Without(cmd, command.FieldTargets), shard.PrimaryOnly, shard.NoRetry)
}

func (s *Service) runInTransaction(ctx context.Context, db, name string, cmd bson.D, raw bson.Raw, args statementArgs, client router.ClientInfo) (bson.Raw, error) {
	switch name {
	case command.PrepareTransaction, command.CoordinateCommitTransaction:
		return nil, txnerr.Newf(txnerr.IllegalOperation, "%s is internal to the cluster", name)
	case command.CommitTransaction, command.AbortTransaction:
	default:
		if len(args.targets) == 0 {
			return nil, txnerr.Newf(txnerr.InvalidOptions, "%s must name its shards in %s", name, command.FieldTargets)
		}
	}

	action := router.ActionContinue
	switch {
	case name == command.CommitTransaction:
		action = router.ActionCommit
	case args.startTransaction:
		action = router.ActionStart
	}

	rt := s.routers.Get(*args.lsid)
	defer rt.Stash()

	op := &router.Operation{ReadConcern: args.readConcern, WriteConcern: args.writeConcern, Client: client}
	if err := rt.BeginOrContinueTxn(ctx, op, args.txnNumber, action); err != nil {
		return nil, err
	}

	switch name {
	case command.CommitTransaction:
		reply, err := rt.CommitTransaction(ctx, op, args.recoveryToken)
		if err != nil {
			return nil, err
		}
		return withRecoveryToken(rt, reply)
	case command.AbortTransaction:
		return rt.AbortTransaction(ctx, op)
	}

	rt.SetDefaultAtClusterTime()
	reply, err := s.runStatement(ctx, rt, db, name, namespace(db, raw, name), command.Without(cmd, clientTxnFields...), args.targets)
	if err != nil {
		return nil, err
	}
	return withRecoveryToken(rt, reply)
}

func withRecoveryToken(rt *router.Router, reply bson.Raw) (bson.Raw, error) {
	if command.StatusFromResult(reply) != nil {
		return reply, nil
	}
	return rt.AppendRecoveryToken(reply)
}

func namespace(db string, raw bson.Raw, name string) string {
	if coll, ok := raw.Lookup(name).StringValueOK(); ok {
		return db + "." + coll
	}
	return db
}

// runStatement sends one statement to its targets, re-running it when the
// router can recover from the error in place. Any other failure aborts the
// transaction.
func (s *Service) runStatement(ctx context.Context, rt *router.Router, db, name, ns string, cmd bson.D, targets []transaction.ShardID) (bson.Raw, error) {
	for attempt := 0; ; attempt++ {
		res, err := s.dispatch(ctx, rt, db, cmd, targets)
		if err != nil {
			rt.ImplicitlyAbortTransaction(ctx, err)
			return nil, err
		}
		failed := res.status
		if failed == nil {
			return res.reply, nil
		}

		retry, err := s.prepareRetry(ctx, rt, name, ns, failed, attempt)
		if err != nil {
			rt.ImplicitlyAbortTransaction(ctx, err)
			return nil, err
		}
		if !retry {
			rt.ImplicitlyAbortTransaction(ctx, failed)
			return res.reply, nil
		}
		s.logger.Debug("Retrying statement",
			zap.String("txn", rt.TxnIDString()), zap.String("cmd", name),
			zap.Int("attempt", attempt+1), zap.Error(failed))
	}
}

// statementResult is the merged reply of a statement, or the reply of the
// first shard that failed it together with its status.
type statementResult struct {
	reply  bson.Raw
	status error
}

// dispatch runs cmd on every target. The error is a transport or protocol
// failure.
func (s *Service) dispatch(ctx context.Context, rt *router.Router, db string, cmd bson.D, targets []transaction.ShardID) (statementResult, error) {
	requests := make([]shard.Request, 0, len(targets))
	for _, id := range targets {
		attached, err := rt.AttachTxnFieldsIfNeeded(ctx, id, cmd)
		if err != nil {
			return statementResult{}, err
		}
		requests = append(requests, shard.Request{ShardID: id, Cmd: attached})
	}

	var (
		replies []bson.Raw
		failed  statementResult
	)
	for _, resp := range shard.GatherResponses(ctx, s.sender, db, requests, shard.PrimaryOnly, shard.NoRetry) {
		if resp.Err != nil {
			return statementResult{}, resp.Err
		}
		if err := rt.ProcessParticipantResponse(resp.ShardID, resp.Reply); err != nil {
			return statementResult{}, err
		}
		if st := resp.Status(); st != nil {
			if failed.status == nil {
				failed = statementResult{reply: resp.Reply, status: st}
			}
			continue
		}
		replies = append(replies, resp.Reply)
	}
	if failed.status != nil {
		return failed, nil
	}
	return statementResult{reply: mergeReplies(replies)}, nil
}

func (s *Service) prepareRetry(ctx context.Context, rt *router.Router, name, ns string, failed error, attempt int) (bool, error) {
	if attempt >= s.cfg.MaxStatementRetries {
		return false, nil
	}
	code := txnerr.CodeOf(failed)
	switch {
	case txnerr.IsStaleShardOrDbError(code):
		if !rt.CanContinueOnStaleShardOrDbError(name) {
			return false, nil
		}
		return true, rt.OnStaleShardOrDbError(ctx, name, failed)
	case txnerr.IsViewResolutionError(code):
		return true, rt.OnViewResolutionError(ctx, ns)
	case txnerr.IsSnapshotError(code):
		if !rt.CanContinueOnSnapshotError() {
			return false, nil
		}
		if err := rt.OnSnapshotError(ctx, failed); err != nil {
			return false, err
		}
		rt.SetDefaultAtClusterTime()
		return true, nil
	}
	return false, nil
}

// mergeReplies folds the replies of several shards into one: write counts
// are summed and cursor batches concatenated.
func mergeReplies(replies []bson.Raw) bson.Raw {
	if len(replies) == 1 {
		return replies[0]
	}
	var (
		n, nModified    int64
		hasN, hasCursor bool
		hasModified     bool
		batch, upserted bson.A
		ns              string
	)
	for _, r := range replies {
		if v, ok := command.AsInt64(r.Lookup("n")); ok {
			n += v
			hasN = true
		}
		if v, ok := command.AsInt64(r.Lookup("nModified")); ok {
			nModified += v
			hasModified = true
		}
		if arr, ok := r.Lookup("upserted").ArrayOK(); ok {
			values, _ := arr.Values()
			for _, v := range values {
				upserted = append(upserted, v)
			}
		}
		if cursor, ok := r.Lookup("cursor").DocumentOK(); ok {
			hasCursor = true
			if s, ok := cursor.Lookup("ns").StringValueOK(); ok {
				ns = s
			}
			if arr, ok := cursor.Lookup("firstBatch").ArrayOK(); ok {
				values, _ := arr.Values()
				for _, v := range values {
					batch = append(batch, v)
				}
			}
		}
	}

	out := bson.D{}
	if hasN {
		out = append(out, bson.E{Key: "n", Value: n})
	}
	if hasModified {
		out = append(out, bson.E{Key: "nModified", Value: nModified})
	}
	if len(upserted) > 0 {
		out = append(out, bson.E{Key: "upserted", Value: upserted})
	}
	if hasCursor {
		if batch == nil {
			batch = bson.A{}
		}
		out = append(out, bson.E{Key: "cursor", Value: bson.D{
			{Key: "firstBatch", Value: batch},
			{Key: "id", Value: int64(0)},
			{Key: "ns", Value: ns},
		}})
	}
	return command.ToRaw(append(out, bson.E{Key: "ok", Value: 1}))
}
