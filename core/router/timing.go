package router

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/core/txnerr"
)

// TerminationCause is how a transaction ended.
type TerminationCause int

const (
	TerminationCommitted TerminationCause = iota
	TerminationAborted
)

func (c TerminationCause) String() string {
	if c == TerminationCommitted {
		return "committed"
	}
	return "aborted"
}

// TimingStats records when a transaction started, committed and ended, and
// how long it spent running statements.
type TimingStats struct {
	StartTime                time.Time
	StartWallClockTime       time.Time
	CommitStartTime          time.Time
	CommitStartWallClockTime time.Time
	EndTime                  time.Time

	timeActive          time.Duration
	lastTimeActiveStart time.Time
}

func (t *TimingStats) ended() bool {
	return !t.EndTime.IsZero()
}

func (t *TimingStats) isActive() bool {
	return !t.lastTimeActiveStart.IsZero()
}

func (t *TimingStats) trySetActive(now, wall time.Time) {
	if t.ended() || t.isActive() {
		return
	}
	if t.StartTime.IsZero() {
		t.StartTime = now
		t.StartWallClockTime = wall
	}
	t.lastTimeActiveStart = now
}

func (t *TimingStats) trySetInactive(now time.Time) {
	if t.ended() || !t.isActive() {
		return
	}
	t.timeActive += now.Sub(t.lastTimeActiveStart)
	t.lastTimeActiveStart = time.Time{}
}

// Duration is the time since the transaction started, up to its end.
func (t TimingStats) Duration(now time.Time) time.Duration {
	if t.ended() {
		return t.EndTime.Sub(t.StartTime)
	}
	return now.Sub(t.StartTime)
}

// CommitDuration is the time spent committing, up to the end.
func (t TimingStats) CommitDuration(now time.Time) time.Duration {
	if t.CommitStartTime.IsZero() {
		return 0
	}
	if t.ended() {
		return t.EndTime.Sub(t.CommitStartTime)
	}
	return now.Sub(t.CommitStartTime)
}

// TimeActive includes the statement currently running, if any.
func (t TimingStats) TimeActive(now time.Time) time.Duration {
	active := t.timeActive
	if t.isActive() {
		active += now.Sub(t.lastTimeActiveStart)
	}
	return active
}

// TimeInactive is the time the transaction sat idle between statements.
func (t TimingStats) TimeInactive(now time.Time) time.Duration {
	return t.Duration(now) - t.TimeActive(now)
}

func (r *Router) trySetActiveLocked() {
	now := r.now()
	r.s.timing.trySetActive(now, now)
	r.s.active = r.s.timing.isActive()
}

func (r *Router) trySetInactiveLocked() {
	r.s.timing.trySetInactive(r.now())
	r.s.active = false
}

// Stash marks the transaction idle after a statement finished.
func (r *Router) Stash() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trySetInactiveLocked()
}

// Timing returns a copy of the transaction's timing stats.
func (r *Router) Timing() TimingStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s.timing
}

func (r *Router) onStartCommitLocked(ctx context.Context) error {
	if r.s.commitType == CommitTypeNotInitiated {
		return errors.AssertionFailedf("commit of %s started without a commit type", r.txnIDStringLocked())
	}
	if !r.s.timing.CommitStartTime.IsZero() {
		return nil
	}
	now := r.now()
	r.s.timing.CommitStartTime = now
	r.s.timing.CommitStartWallClockTime = now
	r.env.Metrics.IncrementCommitInitiated(ctx, r.s.commitType.String())
	if r.s.commitType != CommitTypeRecoverWithToken {
		// The participant list is unknown when recovering a decision.
		r.env.Metrics.AddToTotalParticipantsAtCommit(ctx, int64(len(r.s.participants)))
	}
	return nil
}

func (r *Router) onSuccessfulCommitLocked(ctx context.Context) {
	r.endTransactionTrackingIfNecessaryLocked(ctx, TerminationCommitted)
}

func (r *Router) onNonRetryableCommitErrorLocked(ctx context.Context, commitStatus error) {
	// Commit results cannot be cached, so the abort cause is only reported
	// by the router that saw it.
	if r.s.abortCause == "" {
		r.s.abortCause = txnerr.CodeOf(commitStatus).String()
	}
	r.endTransactionTrackingIfNecessaryLocked(ctx, TerminationAborted)
}

func (r *Router) onExplicitAbortLocked(ctx context.Context) {
	if r.s.abortCause == "" {
		r.s.abortCause = "abort"
	}
	r.endTransactionTrackingIfNecessaryLocked(ctx, TerminationAborted)
}

func (r *Router) onImplicitAbortLocked(ctx context.Context, cause error) {
	// An implicit abort after a commit was sent does not end tracking; the
	// outcome of the commit is not known.
	if r.s.commitType != CommitTypeNotInitiated && !r.s.timing.ended() {
		return
	}
	if r.s.abortCause == "" {
		r.s.abortCause = txnerr.CodeOf(cause).String()
	}
	r.endTransactionTrackingIfNecessaryLocked(ctx, TerminationAborted)
}

func (r *Router) endTransactionTrackingIfNecessaryLocked(ctx context.Context, cause TerminationCause) {
	if r.s.timing.ended() {
		return
	}
	now := r.now()

	// Closes the current active span, if any.
	r.s.timing.trySetActive(now, now)
	r.s.timing.trySetInactive(now)
	r.s.active = false
	r.s.timing.EndTime = now

	threshold := r.env.Config.SlowTransactionThreshold
	if r.logger.Core().Enabled(zap.DebugLevel) || r.s.timing.Duration(now) > threshold {
		r.logSlowTransactionLocked(cause, now)
	}

	if cause == TerminationAborted {
		r.env.Metrics.IncrementTotalAborted(ctx)
		r.env.Metrics.IncrementAbortCauseMap(ctx, r.s.abortCause)
	} else {
		r.env.Metrics.IncrementTotalCommitted(ctx)
		r.env.Metrics.IncrementCommitSuccessful(ctx, r.s.commitType.String(), r.s.timing.CommitDuration(now))
	}
}

func (r *Router) logSlowTransactionLocked(cause TerminationCause, now time.Time) {
	fields := []zap.Field{
		zap.Int64("txnNumber", int64(r.s.txnNumber)),
		zap.Bool("autocommit", false),
	}
	if !r.s.readConcernArgs.IsEmpty() {
		fields = append(fields, zap.Any("readConcern", r.s.readConcernArgs.ToBSON()))
	}
	if r.s.atClusterTime != nil && r.s.atClusterTime.TimeHasBeenSet() {
		ts := r.s.atClusterTime.Time()
		fields = append(fields, zap.Uint32("globalReadTimestamp_t", ts.T), zap.Uint32("globalReadTimestamp_i", ts.I))
	}
	if r.s.commitType != CommitTypeRecoverWithToken {
		fields = append(fields, zap.Int("numParticipants", len(r.s.participants)))
	}
	if r.s.commitType == CommitTypeTwoPhaseCommit {
		fields = append(fields, zap.String("coordinator", string(r.s.coordinatorID)))
	}
	fields = append(fields, zap.Stringer("terminationCause", cause))
	if cause == TerminationAborted {
		fields = append(fields, zap.String("abortCause", r.s.abortCause))
	}
	if r.s.commitType != CommitTypeNotInitiated {
		fields = append(fields,
			zap.Stringer("commitType", r.s.commitType),
			zap.Int64("commitDurationMicros", r.s.timing.CommitDuration(now).Microseconds()))
	}
	fields = append(fields,
		zap.Int64("timeActiveMicros", r.s.timing.TimeActive(now).Microseconds()),
		zap.Int64("timeInactiveMicros", r.s.timing.TimeInactive(now).Microseconds()),
		zap.Duration("duration", r.s.timing.Duration(now)))
	r.logger.Info("transaction", fields...)
}
