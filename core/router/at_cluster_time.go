package router

import (
	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/transaction"
)

// AtClusterTime is the snapshot read timestamp of a transaction together
// with the statement that selected it.
type AtClusterTime struct {
	time             primitive.Timestamp
	set              bool
	stmtIDSelectedAt transaction.StmtID
}

func newAtClusterTime() *AtClusterTime {
	return &AtClusterTime{stmtIDSelectedAt: transaction.UninitializedStmtID}
}

// Time returns the selected timestamp. It must have been set.
func (a *AtClusterTime) Time() primitive.Timestamp {
	return a.time
}

// TimeHasBeenSet reports whether a timestamp was selected.
func (a *AtClusterTime) TimeHasBeenSet() bool {
	return a.set
}

func (a *AtClusterTime) setTime(ts primitive.Timestamp, stmtID transaction.StmtID) {
	a.time = ts
	a.set = true
	a.stmtIDSelectedAt = stmtID
}

// CanChange reports whether the statement currentStmtID may still pick the
// timestamp: nothing was selected yet, or this statement selected it.
func (a *AtClusterTime) CanChange(currentStmtID transaction.StmtID) bool {
	return a.stmtIDSelectedAt == transaction.UninitializedStmtID || a.stmtIDSelectedAt == currentStmtID
}

// MustUseAtClusterTime reports whether the transaction reads at a
// cluster-wide snapshot.
func (r *Router) MustUseAtClusterTime() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.atClusterTime != nil
}

// SelectedAtClusterTime returns the snapshot timestamp once one was chosen.
func (r *Router) SelectedAtClusterTime() (primitive.Timestamp, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s.atClusterTime == nil || !r.s.atClusterTime.TimeHasBeenSet() {
		return primitive.Timestamp{}, false
	}
	return r.s.atClusterTime.Time(), true
}

// SetDefaultAtClusterTime picks the snapshot timestamp from the logical
// clock if the transaction uses snapshot reads and the current statement
// may still choose it.
func (r *Router) SetDefaultAtClusterTime() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.s.atClusterTime == nil || !r.s.atClusterTime.CanChange(r.s.latestStmtID) {
		return
	}
	r.setAtClusterTimeLocked(r.s.readConcernArgs.AfterClusterTime, r.env.Clock.ClusterTime())
}

func (r *Router) setAtClusterTimeLocked(afterClusterTime *primitive.Timestamp, candidate primitive.Timestamp) {
	// The snapshot must include everything the client has already observed.
	if afterClusterTime != nil && transaction.CompareTimestamps(*afterClusterTime, candidate) > 0 {
		candidate = *afterClusterTime
	}
	r.logger.Debug("Setting global snapshot timestamp",
		zap.String("txn", r.txnIDStringLocked()),
		zap.Uint32("ts_t", candidate.T), zap.Uint32("ts_i", candidate.I),
		zap.Int32("stmt_id", int32(r.s.latestStmtID)))
	r.s.atClusterTime.setTime(candidate, r.s.latestStmtID)
}

func (r *Router) resetAtClusterTimeLocked() error {
	if r.s.atClusterTime == nil {
		return errors.AssertionFailedf("transaction %s does not read at a snapshot", r.txnIDStringLocked())
	}
	r.s.atClusterTime = newAtClusterTime()
	return nil
}
