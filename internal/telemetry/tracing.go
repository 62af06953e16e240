package telemetry

import (
	"github.com/pitabwire/frame/telemetry"
)

// Service tracers for different components.
//
//nolint:gochecknoglobals // OpenTelemetry tracers must be global for instrumentation
var (
	DispatchTracer = telemetry.NewTracer("realtime.dispatch")
	PresenceTracer = telemetry.NewTracer("realtime.presence")
	BridgeTracer   = telemetry.NewTracer("realtime.bridge")
	CollabTracer   = telemetry.NewTracer("realtime.collab")
)
