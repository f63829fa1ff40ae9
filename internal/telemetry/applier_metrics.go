package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ApplierMetrics records what the oplog transaction applier did.
type ApplierMetrics struct {
	transactionsApplied metric.Int64Counter
	reconstructed       metric.Int64Counter
	opsApplied          metric.Int64Counter
	chainEntriesRead    metric.Int64Counter
}

// NewApplierMetrics creates the applier instruments on meter.
func NewApplierMetrics(meter metric.Meter) (*ApplierMetrics, error) {
	transactionsApplied, err := meter.Int64Counter(
		"gojotxn.applier.transactions_applied",
		metric.WithDescription("Prepare, commit and abort oplog entries applied, by kind and mode."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	reconstructed, err := meter.Int64Counter(
		"gojotxn.applier.prepared_reconstructed",
		metric.WithDescription("Prepared transactions reconstructed at startup."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	opsApplied, err := meter.Int64Counter(
		"gojotxn.applier.ops_applied",
		metric.WithDescription("Operations applied from transaction oplog chains."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	chainEntriesRead, err := meter.Int64Counter(
		"gojotxn.applier.chain_entries_read",
		metric.WithDescription("Oplog entries read while walking transaction chains."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	return &ApplierMetrics{
		transactionsApplied: transactionsApplied,
		reconstructed:       reconstructed,
		opsApplied:          opsApplied,
		chainEntriesRead:    chainEntriesRead,
	}, nil
}

func (m *ApplierMetrics) TransactionApplied(ctx context.Context, kind, mode string) {
	m.transactionsApplied.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind), attribute.String("mode", mode)))
}

func (m *ApplierMetrics) PreparedReconstructed(ctx context.Context) {
	m.reconstructed.Add(ctx, 1)
}

func (m *ApplierMetrics) OpsApplied(ctx context.Context, n int) {
	m.opsApplied.Add(ctx, int64(n))
}

func (m *ApplierMetrics) ChainEntriesRead(ctx context.Context, n int) {
	m.chainEntriesRead.Add(ctx, int64(n))
}
