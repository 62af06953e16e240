package telemetry_test

import (
	"context"
	"testing"

	rtel "github.com/antinvestor/service-realtime/internal/telemetry"
)

func TestMetricsInitialization(t *testing.T) {
	ctx := context.Background()

	// Smoke test: increment each metric and verify no panic.
	rtel.ConnectionsActiveGauge.Add(ctx, 1)
	rtel.ConnectionsTotalCounter.Add(ctx, 1)
	rtel.ConnectionsRejectedCounter.Add(ctx, 1)
	rtel.PresenceTransitionsCounter.Add(ctx, 1)
	rtel.PresenceSweptCounter.Add(ctx, 1)
	rtel.RateLimitedCounter.Add(ctx, 1)
	rtel.RateLimitEscalationsCounter.Add(ctx, 1)
	rtel.TypingStartedCounter.Add(ctx, 1)
	rtel.TypingSweptCounter.Add(ctx, 1)
	rtel.LocksAcquiredCounter.Add(ctx, 1)
	rtel.LocksExpiredCounter.Add(ctx, 1)
	rtel.EditsRelayedCounter.Add(ctx, 1)
	rtel.BridgePublishedCounter.Add(ctx, 1)
	rtel.BridgeDeliveredCounter.Add(ctx, 1)

	// Verify histogram can record
	rtel.BridgeLatencyHistogram.Record(ctx, 42.0)
}

func TestTracersInitialization(t *testing.T) {
	ctx := context.Background()

	// Smoke test: start and end spans.
	ctx1, span1 := rtel.DispatchTracer.Start(ctx, "test")
	rtel.DispatchTracer.End(ctx1, span1, nil)

	ctx2, span2 := rtel.PresenceTracer.Start(ctx, "test")
	rtel.PresenceTracer.End(ctx2, span2, nil)

	ctx3, span3 := rtel.BridgeTracer.Start(ctx, "test")
	rtel.BridgeTracer.End(ctx3, span3, nil)

	ctx4, span4 := rtel.CollabTracer.Start(ctx, "test")
	rtel.CollabTracer.End(ctx4, span4, nil)
}
