// Package internaltelemetry bundles the OpenTelemetry instruments recorded
// by the router, the oplog applier and the RPC servers.
package internaltelemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CommitTypeStats are the per-commit-type tallies of a RouterMetricsSnapshot.
type CommitTypeStats struct {
	Initiated                int64
	Successful               int64
	SuccessfulDurationMicros int64
}

// RouterMetricsSnapshot is a point-in-time copy of the router tallies.
type RouterMetricsSnapshot struct {
	TotalStarted               int64
	TotalCommitted             int64
	TotalAborted               int64
	TotalContactedParticipants int64
	TotalParticipantsAtCommit  int64
	TotalRequestsTargeted      int64
	AbortCause                 map[string]int64
	CommitTypes                map[string]CommitTypeStats
}

// RouterMetrics records transaction outcomes on the routing tier. Every
// update goes both to the otel instruments and to process-local tallies.
type RouterMetrics struct {
	started               metric.Int64Counter
	committed             metric.Int64Counter
	aborted               metric.Int64Counter
	contactedParticipants metric.Int64Counter
	requestsTargeted      metric.Int64Counter
	participantsAtCommit  metric.Int64Counter
	commitInitiated       metric.Int64Counter
	commitSuccessful      metric.Int64Counter
	abortCause            metric.Int64Counter
	commitDuration        metric.Int64Histogram

	totalStarted               atomic.Int64
	totalCommitted             atomic.Int64
	totalAborted               atomic.Int64
	totalContactedParticipants atomic.Int64
	totalParticipantsAtCommit  atomic.Int64
	totalRequestsTargeted      atomic.Int64

	mu          sync.Mutex
	abortCauses map[string]int64
	commitTypes map[string]CommitTypeStats
}

// NewRouterMetrics creates the router instruments on meter.
func NewRouterMetrics(meter metric.Meter) (*RouterMetrics, error) {
	m := &RouterMetrics{
		abortCauses: make(map[string]int64),
		commitTypes: make(map[string]CommitTypeStats),
	}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.started, "gojotxn.router.txn.started", "Transactions started on this router."},
		{&m.committed, "gojotxn.router.txn.committed", "Transactions this router saw commit."},
		{&m.aborted, "gojotxn.router.txn.aborted", "Transactions this router saw abort."},
		{&m.contactedParticipants, "gojotxn.router.txn.contacted_participants", "Shards targeted as transaction participants."},
		{&m.requestsTargeted, "gojotxn.router.txn.requests_targeted", "Requests sent to participants, including commit and abort."},
		{&m.participantsAtCommit, "gojotxn.router.txn.participants_at_commit", "Participants present when commit was first attempted."},
		{&m.commitInitiated, "gojotxn.router.txn.commit_initiated", "Commits initiated, by commit type."},
		{&m.commitSuccessful, "gojotxn.router.txn.commit_successful", "Commits that succeeded, by commit type."},
		{&m.abortCause, "gojotxn.router.txn.abort_cause", "Aborted transactions, by cause."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	hist, err := meter.Int64Histogram(
		"gojotxn.router.txn.commit_duration",
		metric.WithDescription("Duration of successful commits, by commit type."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}
	m.commitDuration = hist
	return m, nil
}

func (m *RouterMetrics) IncrementTotalStarted(ctx context.Context) {
	m.started.Add(ctx, 1)
	m.totalStarted.Add(1)
}

func (m *RouterMetrics) IncrementTotalCommitted(ctx context.Context) {
	m.committed.Add(ctx, 1)
	m.totalCommitted.Add(1)
}

func (m *RouterMetrics) IncrementTotalAborted(ctx context.Context) {
	m.aborted.Add(ctx, 1)
	m.totalAborted.Add(1)
}

func (m *RouterMetrics) IncrementTotalContactedParticipants(ctx context.Context) {
	m.contactedParticipants.Add(ctx, 1)
	m.totalContactedParticipants.Add(1)
}

func (m *RouterMetrics) AddToTotalRequestsTargeted(ctx context.Context, n int64) {
	m.requestsTargeted.Add(ctx, n)
	m.totalRequestsTargeted.Add(n)
}

func (m *RouterMetrics) AddToTotalParticipantsAtCommit(ctx context.Context, n int64) {
	m.participantsAtCommit.Add(ctx, n)
	m.totalParticipantsAtCommit.Add(n)
}

func (m *RouterMetrics) IncrementAbortCauseMap(ctx context.Context, cause string) {
	m.abortCause.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
	m.mu.Lock()
	m.abortCauses[cause]++
	m.mu.Unlock()
}

func (m *RouterMetrics) IncrementCommitInitiated(ctx context.Context, commitType string) {
	m.commitInitiated.Add(ctx, 1, metric.WithAttributes(attribute.String("commit_type", commitType)))
	m.mu.Lock()
	stats := m.commitTypes[commitType]
	stats.Initiated++
	m.commitTypes[commitType] = stats
	m.mu.Unlock()
}

func (m *RouterMetrics) IncrementCommitSuccessful(ctx context.Context, commitType string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("commit_type", commitType))
	m.commitSuccessful.Add(ctx, 1, attrs)
	m.commitDuration.Record(ctx, duration.Microseconds(), attrs)
	m.mu.Lock()
	stats := m.commitTypes[commitType]
	stats.Successful++
	stats.SuccessfulDurationMicros += duration.Microseconds()
	m.commitTypes[commitType] = stats
	m.mu.Unlock()
}

// Snapshot copies the process-local tallies.
func (m *RouterMetrics) Snapshot() RouterMetricsSnapshot {
	s := RouterMetricsSnapshot{
		TotalStarted:               m.totalStarted.Load(),
		TotalCommitted:             m.totalCommitted.Load(),
		TotalAborted:               m.totalAborted.Load(),
		TotalContactedParticipants: m.totalContactedParticipants.Load(),
		TotalParticipantsAtCommit:  m.totalParticipantsAtCommit.Load(),
		TotalRequestsTargeted:      m.totalRequestsTargeted.Load(),
		AbortCause:                 make(map[string]int64),
		CommitTypes:                make(map[string]CommitTypeStats),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.abortCauses {
		s.AbortCause[k] = v
	}
	for k, v := range m.commitTypes {
		s.CommitTypes[k] = v
	}
	return s
}
