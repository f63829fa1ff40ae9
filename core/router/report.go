package router

import (
	"go.mongodb.org/mongo-driver/bson"
)

// ReportState describes the session's transaction for session
// introspection. It returns nil when the session never ran a transaction.
func (r *Router) ReportState(sessionIsActive bool) bson.D {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.s.txnNumber < 0 {
		return nil
	}
	now := r.now()

	var doc bson.D
	if sessionIsActive {
		doc = append(doc, bson.E{Key: "type", Value: "activeSession"})
	} else {
		doc = append(doc, bson.E{Key: "type", Value: "idleSession"}, bson.E{Key: "desc", Value: "inactive transaction"})
	}
	doc = append(doc, bson.E{Key: "host", Value: r.env.Config.HostName})
	if r.s.lastClient.Host != "" {
		doc = append(doc, bson.E{Key: "client", Value: r.s.lastClient.Host})
	}
	if r.s.lastClient.ConnectionID != 0 {
		doc = append(doc, bson.E{Key: "connectionId", Value: r.s.lastClient.ConnectionID})
	}
	if r.s.lastClient.AppName != "" {
		doc = append(doc, bson.E{Key: "appName", Value: r.s.lastClient.AppName})
	}
	doc = append(doc, bson.E{Key: "lsid", Value: r.sessionID})

	params := bson.D{
		{Key: "txnNumber", Value: int64(r.s.txnNumber)},
		{Key: "autocommit", Value: false},
	}
	if !r.s.readConcernArgs.IsEmpty() {
		params = append(params, bson.E{Key: "readConcern", Value: r.s.readConcernArgs.ToBSON()})
	}
	txn := bson.D{{Key: "parameters", Value: params}}

	numReadOnly, numNonReadOnly := 0, 0
	// The participant list is unknown when recovering a decision.
	if r.s.commitType != CommitTypeRecoverWithToken {
		participants := bson.A{}
		for _, id := range r.sortedParticipantIDsLocked() {
			p := r.s.participants[id]
			pd := bson.D{
				{Key: "name", Value: string(id)},
				{Key: "coordinator", Value: p.IsCoordinator},
			}
			switch p.ReadOnly {
			case ReadOnly:
				pd = append(pd, bson.E{Key: "readOnly", Value: true})
				numReadOnly++
			case NotReadOnly:
				pd = append(pd, bson.E{Key: "readOnly", Value: false})
				numNonReadOnly++
			}
			participants = append(participants, pd)
		}
		txn = append(txn, bson.E{Key: "participants", Value: participants})
	}
	if r.s.commitType != CommitTypeNotInitiated {
		txn = append(txn,
			bson.E{Key: "commitStartWallClockTime", Value: r.s.timing.CommitStartWallClockTime},
			bson.E{Key: "commitType", Value: r.s.commitType.String()})
	}
	txn = append(txn,
		bson.E{Key: "numReadOnlyParticipants", Value: numReadOnly},
		bson.E{Key: "numNonReadOnlyParticipants", Value: numNonReadOnly})
	doc = append(doc, bson.E{Key: "transaction", Value: txn})

	if r.s.atClusterTime != nil && r.s.atClusterTime.TimeHasBeenSet() {
		doc = append(doc, bson.E{Key: "globalReadTimestamp", Value: r.s.atClusterTime.Time()})
	}
	doc = append(doc,
		bson.E{Key: "startWallClockTime", Value: r.s.timing.StartWallClockTime},
		bson.E{Key: "timeOpenMicros", Value: r.s.timing.Duration(now).Microseconds()},
		bson.E{Key: "timeActiveMicros", Value: r.s.timing.TimeActive(now).Microseconds()},
		bson.E{Key: "timeInactiveMicros", Value: r.s.timing.TimeInactive(now).Microseconds()},
		bson.E{Key: "numParticipants", Value: len(r.s.participants)},
		bson.E{Key: "active", Value: r.s.active},
	)
	return doc
}
