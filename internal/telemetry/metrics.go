// Package telemetry provides OpenTelemetry metrics and tracing for the realtime service.
package telemetry

import "github.com/pitabwire/frame/telemetry"

// Connection metrics track socket lifecycle on this gateway process.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	ConnectionsActiveGauge = telemetry.DimensionlessMeasure(
		"",
		"realtime.connections.active",
		"Currently registered sockets",
	)

	ConnectionsTotalCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.connections.total",
		"Total socket registrations",
	)

	ConnectionsRejectedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.connections.rejected",
		"Sockets rejected at registration (pool full, auth failure)",
	)
)

// Presence metrics track state machine transitions.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	PresenceTransitionsCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.presence.transitions",
		"Genuine presence status transitions broadcast",
	)

	PresenceSweptCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.presence.swept",
		"Stale presence records swept to offline",
	)
)

// Rate limiting metrics.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	RateLimitedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.ratelimit.blocked",
		"Events blocked by a rate limit rule",
	)

	RateLimitEscalationsCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.ratelimit.escalations",
		"Sockets force-disconnected after repeated violations",
	)
)

// Typing indicator metrics.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	TypingStartedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.typing.started",
		"Typing indicators created",
	)

	TypingSweptCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.typing.swept",
		"Typing indicators removed by the safety sweep",
	)
)

// Collaboration metrics.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	LocksAcquiredCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.collab.locks.acquired",
		"Collaboration locks acquired",
	)

	LocksExpiredCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.collab.locks.expired",
		"Collaboration locks released by TTL expiry",
	)

	EditsRelayedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.collab.edits.relayed",
		"Collaborative edits relayed to participants",
	)
)

// Bridge metrics track cross-process fanout.
//
//nolint:gochecknoglobals // OpenTelemetry metrics must be global for instrumentation
var (
	BridgePublishedCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.bridge.published",
		"Events published to the fan-out bridge",
	)

	BridgeDeliveredCounter = telemetry.DimensionlessMeasure(
		"",
		"realtime.bridge.delivered",
		"Bridge events delivered to local sockets",
	)

	BridgeLatencyHistogram = telemetry.LatencyMeasure(
		"realtime.bridge",
	)
)
