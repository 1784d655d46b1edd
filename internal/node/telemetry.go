package node

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// telemetry groups the Node's tracer/meter handles. Like the rest of this
// corpus, no SDK exporter is wired here — the global no-op provider is the
// default, and wiring a real exporter is a deployment concern.
type telemetry struct {
	tracer       trace.Tracer
	handshakes   metric.Int64Counter
	syncBatches  metric.Int64Counter
	syncedEvents metric.Int64Counter
}

func newTelemetry() telemetry {
	tracer := otel.Tracer("logux-core/node")
	meter := otel.Meter("logux-core/node")

	handshakes, _ := meter.Int64Counter("logux_node_handshakes_total",
		metric.WithDescription("completed Node handshakes"))
	syncBatches, _ := meter.Int64Counter("logux_node_sync_batches_total",
		metric.WithDescription("sync messages sent"))
	syncedEvents, _ := meter.Int64Counter("logux_node_synced_total",
		metric.WithDescription("synced acknowledgments received"))

	return telemetry{
		tracer:       tracer,
		handshakes:   handshakes,
		syncBatches:  syncBatches,
		syncedEvents: syncedEvents,
	}
}

func (n *Node) traceHandshake(ctx context.Context) (context.Context, trace.Span) {
	ctx, span := n.tel.tracer.Start(ctx, "node.handshake",
		trace.WithAttributes(attribute.String("node.role", n.role.String())))
	return ctx, span
}

func (n *Node) recordHandshakeDone() {
	if n.tel.handshakes != nil {
		n.tel.handshakes.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("node.role", n.role.String())))
	}
}

func (n *Node) recordSyncBatch(size int) {
	if n.tel.syncBatches != nil {
		n.tel.syncBatches.Add(context.Background(), 1,
			metric.WithAttributes(attribute.Int("batch.size", size)))
	}
}

func (n *Node) recordSynced() {
	if n.tel.syncedEvents != nil {
		n.tel.syncedEvents.Add(context.Background(), 1)
	}
}
