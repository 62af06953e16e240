package queues

import (
	"context"
	"encoding/json"

	"github.com/pitabwire/frame/queue"
	"github.com/pitabwire/frame/workerpool"
	"github.com/pitabwire/util"

	"github.com/antinvestor/service-realtime/apps/realtime/service/events"
	"github.com/antinvestor/service-realtime/apps/realtime/service/models"
	"github.com/antinvestor/service-realtime/apps/realtime/service/registry"
	"github.com/antinvestor/service-realtime/internal"
	"github.com/antinvestor/service-realtime/internal/telemetry"
)

// BroadcastQueueHandler consumes this process's broadcast shard topic and
// hands each envelope to the worker pool for delivery to the local sockets
// in scope. A malformed message is logged and dropped, never retried.
type BroadcastQueueHandler struct {
	reg     *registry.Registry
	workMan workerpool.Manager
}

func NewBroadcastQueueHandler(reg *registry.Registry, workMan workerpool.Manager) queue.SubscribeWorker {
	return &BroadcastQueueHandler{reg: reg, workMan: workMan}
}

func (bq *BroadcastQueueHandler) Handle(ctx context.Context, headers map[string]string, payload []byte) error {
	scopeKind := headers[internal.HeaderScopeKind]
	scopeID := headers[internal.HeaderScopeID]
	excludeUserID := headers[internal.HeaderExcludeUser]

	if scopeKind == "" || scopeID == "" {
		util.Log(ctx).WithFields(map[string]any{
			"scope_kind": scopeKind,
			"scope_id":   scopeID,
		}).Error("broadcast message missing scope headers")
		return nil
	}

	switch scopeKind {
	case events.ScopeUser, events.ScopeTenant, events.ScopeRoom:
	default:
		util.Log(ctx).WithField("scope_kind", scopeKind).
			Error("broadcast message carries unknown scope kind")
		return nil
	}

	var env models.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		util.Log(ctx).WithError(err).WithField("scope_id", scopeID).
			Error("failed to parse broadcast envelope")
		return nil
	}

	job := workerpool.NewJob[any](func(ctx context.Context, _ workerpool.JobResultPipe[any]) error {
		var delivered int
		switch scopeKind {
		case events.ScopeUser:
			delivered = bq.reg.BroadcastToUser(scopeID, &env)
		case events.ScopeTenant:
			delivered = bq.reg.BroadcastToTenant(scopeID, &env, excludeUserID)
		case events.ScopeRoom:
			delivered = bq.reg.BroadcastToRoom(scopeID, &env, excludeUserID)
		}

		if delivered > 0 {
			telemetry.BridgeDeliveredCounter.Add(ctx, int64(delivered))
		}
		return nil
	})

	err := workerpool.SubmitJob(ctx, bq.workMan, job)
	if err != nil {
		util.Log(ctx).WithError(err).WithField("scope_id", scopeID).
			Error("failed to submit broadcast delivery job")
		return err
	}
	return nil
}
