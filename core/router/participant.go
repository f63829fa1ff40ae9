package router

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/command"
	"github.com/sushant-115/gojotxn/core/transaction"
	"github.com/sushant-115/gojotxn/core/txnerr"
)

// ReadOnlyState is what a participant has reported about its writes.
type ReadOnlyState int

const (
	ReadOnlyUnset ReadOnlyState = iota
	ReadOnly
	NotReadOnly
)

func (s ReadOnlyState) String() string {
	switch s {
	case ReadOnlyUnset:
		return "unset"
	case ReadOnly:
		return "readOnly"
	case NotReadOnly:
		return "notReadOnly"
	}
	return "unknown"
}

// SharedOptions are the transaction options every participant starts with.
type SharedOptions struct {
	TxnNumber     transaction.TxnNumber
	ReadConcern   transaction.ReadConcernArgs
	AtClusterTime *primitive.Timestamp
}

// Participant is a shard targeted by the current transaction. Participants
// are values; a read-only change replaces the map entry.
type Participant struct {
	IsCoordinator   bool
	ReadOnly        ReadOnlyState
	SharedOptions   SharedOptions
	StmtIDCreatedAt transaction.StmtID
}

// attachTxnFieldsIfNeeded returns cmd with the fields this participant
// needs. The first statement sent to a participant starts its transaction.
func (p Participant) attachTxnFieldsIfNeeded(cmd bson.D, isFirstStatementInThisParticipant bool) (bson.D, error) {
	hasStartTxn := command.Has(cmd, command.FieldStartTransaction)
	hasAutocommit := command.Has(cmd, command.FieldAutocommit)
	existingTxnNumber, hasTxnNumber := command.Lookup(cmd, command.FieldTxnNumber)

	// Transaction commands do not accept startTransaction or readConcern.
	mustStartTransaction := isFirstStatementInThisParticipant && !command.IsTransactionCommand(command.Name(cmd))

	out := command.Clone(cmd)
	if mustStartTransaction {
		if !p.SharedOptions.ReadConcern.IsEmpty() {
			var err error
			out, err = appendReadConcernForTxn(out, p.SharedOptions.ReadConcern, p.SharedOptions.AtClusterTime)
			if err != nil {
				return nil, err
			}
		}
		if !hasStartTxn {
			out = append(out, bson.E{Key: command.FieldStartTransaction, Value: true})
		}
	}
	if p.IsCoordinator {
		out = append(out, bson.E{Key: command.FieldCoordinator, Value: true})
	}
	if !hasAutocommit {
		out = append(out, bson.E{Key: command.FieldAutocommit, Value: false})
	}
	if !hasTxnNumber {
		out = append(out, bson.E{Key: command.FieldTxnNumber, Value: int64(p.SharedOptions.TxnNumber)})
	} else {
		n, ok := toInt64(existingTxnNumber)
		if !ok || transaction.TxnNumber(n) != p.SharedOptions.TxnNumber {
			return nil, errors.AssertionFailedf("command txnNumber %v does not match transaction txnNumber %d",
				existingTxnNumber, p.SharedOptions.TxnNumber)
		}
	}
	return out, nil
}

// appendReadConcernForTxn adds the transaction's read concern to cmd. A
// statement may carry its own readConcern already; either way a selected
// atClusterTime replaces any afterClusterTime.
func appendReadConcernForTxn(cmd bson.D, rc transaction.ReadConcernArgs, atClusterTime *primitive.Timestamp) (bson.D, error) {
	var rcDoc bson.D
	if existing, ok := command.Lookup(cmd, command.FieldReadConcern); ok {
		if atClusterTime == nil {
			return cmd, nil
		}
		var err error
		rcDoc, err = toDoc(existing)
		if err != nil {
			return nil, errors.Wrap(err, "parsing readConcern of command")
		}
		cmd = command.Without(cmd, command.FieldReadConcern)
	} else {
		rcDoc = rc.ToBSON()
	}
	if atClusterTime != nil {
		rcDoc = command.Without(rcDoc, "afterClusterTime", "atClusterTime")
		rcDoc = append(rcDoc, bson.E{Key: "atClusterTime", Value: *atClusterTime})
	}
	return append(cmd, bson.E{Key: command.FieldReadConcern, Value: rcDoc}), nil
}

func toDoc(v interface{}) (bson.D, error) {
	switch d := v.(type) {
	case bson.D:
		return command.Clone(d), nil
	case bson.Raw:
		var out bson.D
		err := bson.Unmarshal(d, &out)
		return out, err
	}
	b, err := bson.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out bson.D
	err = bson.Unmarshal(b, &out)
	return out, err
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case transaction.TxnNumber:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// AttachTxnFieldsIfNeeded returns cmd decorated with the transaction fields
// shardID needs, registering shardID as a participant on first contact.
func (r *Router) AttachTxnFieldsIfNeeded(ctx context.Context, shardID transaction.ShardID, cmd bson.D) (bson.D, error) {
	r.env.Metrics.AddToTotalRequestsTargeted(ctx, 1)

	r.mu.Lock()
	p, ok, err := r.participantLocked(shardID)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	isFirst := false
	if !ok {
		p, err = r.createParticipantLocked(shardID)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		isFirst = true
		r.logger.Debug("Sending transaction fields to new participant",
			zap.String("txn", r.txnIDStringLocked()), zap.String("shard", string(shardID)))
	}
	recovering := r.s.isRecoveringCommit
	participant := *p
	r.mu.Unlock()

	// The participant list is unknown while recovering a commit decision.
	if isFirst && !recovering {
		r.env.Metrics.IncrementTotalContactedParticipants(ctx)
	}

	out, err := participant.attachTxnFieldsIfNeeded(cmd, isFirst)
	if err != nil {
		return nil, err
	}
	if !command.Has(out, command.FieldLsid) {
		out = append(out, bson.E{Key: command.FieldLsid, Value: r.sessionID})
	}
	return out, nil
}

// participantLocked looks up a participant and checks that it reads at the
// transaction's snapshot.
func (r *Router) participantLocked(shardID transaction.ShardID) (*Participant, bool, error) {
	p, ok := r.s.participants[shardID]
	if !ok {
		return nil, false, nil
	}
	if r.s.atClusterTime != nil {
		if err := r.verifyParticipantAtClusterTimeLocked(p); err != nil {
			return nil, true, err
		}
	}
	return &p, true, nil
}

func (r *Router) verifyParticipantAtClusterTimeLocked(p Participant) error {
	if p.SharedOptions.AtClusterTime == nil || !r.s.atClusterTime.TimeHasBeenSet() {
		return errors.AssertionFailedf("participant of snapshot transaction %s has no atClusterTime", r.txnIDStringLocked())
	}
	if transaction.CompareTimestamps(*p.SharedOptions.AtClusterTime, r.s.atClusterTime.Time()) != 0 {
		return errors.AssertionFailedf("participant atClusterTime %v differs from transaction atClusterTime %v",
			*p.SharedOptions.AtClusterTime, r.s.atClusterTime.Time())
	}
	return nil
}

// createParticipantLocked registers shardID. The first participant of a
// transaction becomes its coordinator.
func (r *Router) createParticipantLocked(shardID transaction.ShardID) (*Participant, error) {
	isFirstParticipant := len(r.s.participants) == 0
	if isFirstParticipant {
		if r.s.coordinatorID != "" {
			return nil, errors.AssertionFailedf("coordinator %s set without participants", r.s.coordinatorID)
		}
		r.s.coordinatorID = shardID
	}

	opts := SharedOptions{
		TxnNumber:   r.s.txnNumber,
		ReadConcern: r.s.readConcernArgs,
	}
	if r.s.atClusterTime != nil {
		if !r.s.atClusterTime.TimeHasBeenSet() {
			return nil, errors.AssertionFailedf("targeting %s before atClusterTime was selected", shardID)
		}
		ts := r.s.atClusterTime.Time()
		opts.AtClusterTime = &ts
	}

	p := Participant{
		IsCoordinator:   isFirstParticipant,
		ReadOnly:        ReadOnlyUnset,
		SharedOptions:   opts,
		StmtIDCreatedAt: r.s.latestStmtID,
	}
	r.s.participants[shardID] = p
	return &p, nil
}

func (r *Router) setReadOnlyForParticipantLocked(shardID transaction.ShardID, readOnly ReadOnlyState) error {
	if readOnly == ReadOnlyUnset {
		return errors.AssertionFailedf("cannot reset read-only state of %s", shardID)
	}
	p, ok := r.s.participants[shardID]
	if !ok {
		return errors.AssertionFailedf("participant %s does not exist", shardID)
	}
	p.ReadOnly = readOnly
	r.s.participants[shardID] = p
	return nil
}

// ProcessParticipantResponse records the read-only status a participant
// reported in reply to a statement.
func (r *Router) ProcessParticipantResponse(shardID transaction.ShardID, reply bson.Raw) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok, err := r.participantLocked(shardID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.AssertionFailedf("participant %s should exist if processing participant response", shardID)
	}

	// Participant state is partially reset by commit and abort.
	if r.s.terminationInitiated {
		return nil
	}
	if command.StatusFromResult(reply) != nil {
		return nil
	}

	if p.StmtIDCreatedAt != r.s.latestStmtID && p.ReadOnly == ReadOnlyUnset {
		return txnerr.Newf(txnerr.ParticipantReadOnlyUnset,
			"readOnly field for participant %s should have been set on the participant's first successful response", shardID)
	}

	readOnly, _ := command.BoolField(reply, command.FieldReadOnly)
	if readOnly {
		switch p.ReadOnly {
		case ReadOnlyUnset:
			r.logger.Debug("Marking participant as read-only", zap.String("txn", r.txnIDStringLocked()), zap.String("shard", string(shardID)))
			return r.setReadOnlyForParticipantLocked(shardID, ReadOnly)
		case ReadOnly:
			return nil
		default:
			return txnerr.Newf(txnerr.ParticipantReadOnlyAfterWrite,
				"participant shard %s claimed to be read-only for a transaction after previously claiming to have done a write for the transaction", shardID)
		}
	}

	if p.ReadOnly != NotReadOnly {
		r.logger.Debug("Marking participant as having done a write", zap.String("txn", r.txnIDStringLocked()), zap.String("shard", string(shardID)))
		if err := r.setReadOnlyForParticipantLocked(shardID, NotReadOnly); err != nil {
			return err
		}
		if r.s.recoveryShardID == "" {
			r.logger.Debug("Choosing recovery shard", zap.String("txn", r.txnIDStringLocked()), zap.String("shard", string(shardID)))
			r.s.recoveryShardID = shardID
		}
	}
	return nil
}
