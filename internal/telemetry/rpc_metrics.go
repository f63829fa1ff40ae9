package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// RPCServerMetrics holds the instruments recorded around every unary RPC
// served by a router or a node.
type RPCServerMetrics struct {
	RpcsStartedCounter      metric.Int64Counter
	RpcsHandledCounter      metric.Int64Counter
	RpcLatencyHistogram     metric.Int64Histogram
	ActiveRpcsUpDownCounter metric.Int64UpDownCounter
}

// NewRPCServerMetrics creates the RPC instruments on meter.
func NewRPCServerMetrics(meter metric.Meter) (*RPCServerMetrics, error) {
	rpcsStartedCounter, err := meter.Int64Counter(
		"gojotxn.grpc.server.started_total",
		metric.WithDescription("Total number of RPCs started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcsHandledCounter, err := meter.Int64Counter(
		"gojotxn.grpc.server.handled_total",
		metric.WithDescription("Total number of RPCs completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcLatencyHistogram, err := meter.Int64Histogram(
		"gojotxn.grpc.server.duration",
		metric.WithDescription("The latency of RPCs."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeRpcsUpDownCounter, err := meter.Int64UpDownCounter(
		"gojotxn.grpc.server.active_rpcs",
		metric.WithDescription("Number of active RPCs."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &RPCServerMetrics{
		RpcsStartedCounter:      rpcsStartedCounter,
		RpcsHandledCounter:      rpcsHandledCounter,
		RpcLatencyHistogram:     rpcLatencyHistogram,
		ActiveRpcsUpDownCounter: activeRpcsUpDownCounter,
	}, nil
}

// UnaryServerInterceptor records the RPC instruments for each call.
func (m *RPCServerMetrics) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		method := attribute.String("rpc.method", info.FullMethod)
		m.RpcsStartedCounter.Add(ctx, 1, metric.WithAttributes(method))
		m.ActiveRpcsUpDownCounter.Add(ctx, 1, metric.WithAttributes(method))
		start := time.Now()

		resp, err := handler(ctx, req)

		m.ActiveRpcsUpDownCounter.Add(ctx, -1, metric.WithAttributes(method))
		m.RpcLatencyHistogram.Record(ctx, time.Since(start).Milliseconds(), metric.WithAttributes(method))
		m.RpcsHandledCounter.Add(ctx, 1, metric.WithAttributes(method, attribute.String("rpc.code", status.Code(err).String())))
		return resp, err
	}
}
