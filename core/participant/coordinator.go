package participant

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/command"
	"github.com/sushant-115/gojotxn/core/shard"
	"github.com/sushant-115/gojotxn/core/storage_engine/txntable"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/txnerr"
)

// loopbackSender delivers commands addressed to this shard in process and
// everything else through remote.
type loopbackSender struct {
	self   *Service
	remote shard.Sender
}

func (l *loopbackSender) RunCommand(ctx context.Context, shardID transaction.ShardID, db string, cmd bson.D, rp shard.ReadPreference, policy shard.RetryPolicy) (bson.Raw, error) {
	if shardID == l.self.cfg.ShardID {
		return l.self.RunCommand(ctx, db, cmd), nil
	}
	if l.remote == nil {
		return nil, txnerr.Newf(txnerr.ShardNotFound, "no route to shard %s", shardID)
	}
	return l.remote.RunCommand(ctx, shardID, db, cmd, rp, policy)
}

// coordinateCommitTransaction runs two-phase commit over the listed
// participants. With an empty list it only reports a decision already
// reached, which is how a router recovers a commit through a recovery token.
func (s *Service) coordinateCommitTransaction(ctx context.Context, raw bson.Raw, args txnArgs) (bson.Raw, error) {
	lsid, txnNumber, err := args.key()
	if err != nil {
		return nil, err
	}
	participants, err := parseParticipants(raw)
	if err != nil {
		return nil, err
	}

	decision, found, err := s.cfg.TxnTable.GetDecision(ctx, lsid, txnNumber)
	if err != nil {
		return nil, errors.Wrap(err, "reading coordinator decision")
	}
	if found {
		s.logger.Debug("Delivering existing commit decision",
			zap.String("lsid", lsid.String()), zap.Int64("txnNumber", int64(txnNumber)),
			zap.String("decision", string(decision.Outcome)))
		return s.deliverDecision(ctx, decision, nil)
	}
	if len(participants) == 0 {
		return s.recoverDecision(ctx, args)
	}
	return s.runTwoPhaseCommit(ctx, lsid, txnNumber, participants)
}

func parseParticipants(raw bson.Raw) ([]transaction.ShardID, error) {
	docs, err := lookupDocuments(raw, command.FieldParticipants)
	if err != nil {
		return nil, err
	}
	out := make([]transaction.ShardID, 0, len(docs))
	seen := make(map[transaction.ShardID]bool, len(docs))
	for i, d := range docs {
		v, err := d.LookupErr(command.FieldShardID)
		if err != nil {
			return nil, txnerr.Newf(txnerr.FailedToParse, "participants.%d is missing shardId", i)
		}
		id, ok := v.StringValueOK()
		if !ok || id == "" {
			return nil, txnerr.Newf(txnerr.FailedToParse, "participants.%d.shardId must be a non-empty string", i)
		}
		if !seen[transaction.ShardID(id)] {
			seen[transaction.ShardID(id)] = true
			out = append(out, transaction.ShardID(id))
		}
	}
	return out, nil
}

func txnCommand(name string, lsid transaction.SessionID, txnNumber transaction.TxnNumber, extra ...bson.E) bson.D {
	cmd := bson.D{{Key: name, Value: 1}}
	cmd = append(cmd, extra...)
	return append(cmd,
		bson.E{Key: command.FieldLsid, Value: lsid},
		bson.E{Key: command.FieldTxnNumber, Value: int64(txnNumber)},
		bson.E{Key: command.FieldAutocommit, Value: false},
	)
}

func (s *Service) sendToAll(ctx context.Context, participants []transaction.ShardID, cmd bson.D) []shard.Response {
	requests := make([]shard.Request, 0, len(participants))
	for _, id := range participants {
		requests = append(requests, shard.Request{ShardID: id, Cmd: cmd})
	}
	return shard.GatherResponses(ctx, s.sender, "admin", requests, shard.PrimaryOnly, shard.Idempotent)
}

func (s *Service) runTwoPhaseCommit(ctx context.Context, lsid transaction.SessionID, txnNumber transaction.TxnNumber, participants []transaction.ShardID) (bson.Raw, error) {
	ctx, span := s.tracer.Start(ctx, "participant.twoPhaseCommit")
	defer span.End()

	logger := s.logger.With(zap.String("lsid", lsid.String()), zap.Int64("txnNumber", int64(txnNumber)))
	logger.Debug("Starting two-phase commit", zap.Int("participants", len(participants)))

	var (
		commitTS primitive.Timestamp
		vetoErr  error
	)
	for _, resp := range s.sendToAll(ctx, participants, txnCommand(command.PrepareTransaction, lsid, txnNumber)) {
		if err := resp.Status(); err != nil {
			logger.Info("Participant failed to prepare", zap.String("participant", string(resp.ShardID)), zap.Error(err))
			if vetoErr == nil {
				vetoErr = txnerr.Newf(txnerr.NoSuchTransaction,
					"Transaction was aborted because participant %s failed to prepare: %s", resp.ShardID, txnerr.Reason(err))
			}
			continue
		}
		ts, ok, err := lookupTimestamp(resp.Reply, "prepareTimestamp")
		if err != nil || !ok {
			if vetoErr == nil {
				vetoErr = txnerr.Newf(txnerr.NoSuchTransaction,
					"Transaction was aborted because participant %s sent no prepareTimestamp", resp.ShardID)
			}
			continue
		}
		if transaction.CompareTimestamps(ts, commitTS) > 0 {
			commitTS = ts
		}
	}

	decision := txntable.Decision{
		SessionID:    lsid,
		TxnNumber:    txnNumber,
		Outcome:      txntable.OutcomeCommit,
		Participants: participants,
	}
	if vetoErr != nil {
		decision.Outcome = txntable.OutcomeAbort
	} else {
		decision.CommitTimestamp = commitTS
	}
	if err := s.cfg.TxnTable.PutDecision(ctx, decision); err != nil {
		span.RecordError(err)
		return nil, errors.Wrap(err, "persisting commit decision")
	}
	logger.Debug("Reached commit decision",
		zap.String("decision", string(decision.Outcome)), zap.Any("commitTimestamp", commitTS))
	return s.deliverDecision(ctx, decision, vetoErr)
}

// deliverDecision sends a persisted decision to every participant. An
// abort decision is reported to the caller as vetoErr, or as
// NoSuchTransaction when the cause is no longer known.
func (s *Service) deliverDecision(ctx context.Context, d txntable.Decision, vetoErr error) (bson.Raw, error) {
	if d.Outcome == txntable.OutcomeAbort {
		for _, resp := range s.sendToAll(ctx, d.Participants, txnCommand(command.AbortTransaction, d.SessionID, d.TxnNumber)) {
			if err := resp.Status(); err != nil && !txnerr.HasCode(err, txnerr.NoSuchTransaction) {
				s.logger.Info("Participant failed to abort", zap.String("participant", string(resp.ShardID)), zap.Error(err))
			}
		}
		if vetoErr == nil {
			vetoErr = txnerr.New(txnerr.NoSuchTransaction, "Transaction was aborted by its coordinator")
		}
		return nil, vetoErr
	}

	cmd := txnCommand(command.CommitTransaction, d.SessionID, d.TxnNumber,
		bson.E{Key: "commitTimestamp", Value: d.CommitTimestamp})
	for _, resp := range s.sendToAll(ctx, d.Participants, cmd) {
		if resp.Err != nil {
			return nil, errors.Wrapf(resp.Err, "delivering commit decision to %s", resp.ShardID)
		}
		if err := resp.Status(); err != nil {
			return nil, txnerr.Wrapf(err, "participant %s failed to commit", resp.ShardID)
		}
	}
	return command.OKReply(), nil
}

// recoverDecision answers for a shard that holds no coordinator decision.
// Its own participant state tells the outcome once the transaction is
// decided; a prepared transaction is waited on.
func (s *Service) recoverDecision(ctx context.Context, args txnArgs) (bson.Raw, error) {
	for {
		s.mu.Lock()
		st, err := s.currentTxnLocked(args)
		if err != nil {
			s.mu.Unlock()
			if txnerr.HasCode(err, txnerr.NoSuchTransaction) {
				return s.commitOutcomeFromTable(ctx, args)
			}
			return nil, err
		}
		switch st.phase {
		case phaseCommitted:
			s.mu.Unlock()
			return command.OKReply(), nil
		case phaseAborted, phaseInProgress:
			s.mu.Unlock()
			return nil, txnerr.Newf(txnerr.NoSuchTransaction, "Transaction %s was not committed", st)
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, txnerr.Newf(txnerr.ExceededTimeLimit, "waiting for the decision of a prepared transaction: %v", ctx.Err())
		}
	}
}
