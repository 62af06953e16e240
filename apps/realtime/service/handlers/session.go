package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pitabwire/util"

	"github.com/antinvestor/service-realtime/apps/realtime/service"
	"github.com/antinvestor/service-realtime/apps/realtime/service/business"
	"github.com/antinvestor/service-realtime/apps/realtime/service/models"
	"github.com/antinvestor/service-realtime/internal/telemetry"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// session is one authenticated websocket. Events are processed in arrival
// order on the read loop; outbound frames go through the buffered send
// channel so a slow consumer never blocks a broadcast.
type session struct {
	id     string
	claims *models.Claims
	ws     *websocket.Conn
	gw     *Gateway
	ip     string

	send      chan *models.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(gw *Gateway, ws *websocket.Conn, claims *models.Claims, ip string) *session {
	return &session{
		id:     util.IDString(),
		claims: claims,
		ws:     ws,
		gw:     gw,
		ip:     ip,
		send:   make(chan *models.Envelope, gw.cfg.SendBufferSize),
		done:   make(chan struct{}),
	}
}

func (s *session) SocketID() string       { return s.id }
func (s *session) Claims() *models.Claims { return s.claims }

// Send queues an outbound frame. A full buffer drops the frame rather than
// stalling the sender; the client catches up from its next snapshot.
func (s *session) Send(env *models.Envelope) error {
	select {
	case <-s.done:
		return errors.New("session closed")
	case s.send <- env:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// Close tears the socket down once. Safe from any goroutine.
func (s *session) Close(reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		_ = s.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = s.ws.Close()
	})
}

// run drives the session until the socket closes, then walks the disconnect
// cascade.
func (s *session) run(ctx context.Context) {
	defer s.cleanup(ctx)

	go s.writePump()

	if err := s.gw.presence.Connected(ctx, s.claims, s.id); err != nil {
		util.Log(ctx).WithError(err).Warn("presence connect failed")
	}

	s.readLoop(ctx)
}

func (s *session) readLoop(ctx context.Context) {
	heartbeat := s.gw.cfg.HeartbeatInterval()
	s.ws.SetReadLimit(maxMessageSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(2 * heartbeat))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(2 * heartbeat))
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				util.Log(ctx).WithError(err).WithField("socket_id", s.id).
					Debug("socket read ended")
			}
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(2 * heartbeat))

		s.dispatch(ctx, data)

		select {
		case <-s.done:
			return
		default:
		}
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.gw.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case env := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteJSON(env); err != nil {
				s.Close("write failed")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := s.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.Close("ping failed")
				return
			}
		}
	}
}

// dispatch runs one inbound frame through decode, rate limiting and the
// event handler. Every frame, valid or not, counts as user activity.
func (s *session) dispatch(ctx context.Context, data []byte) {
	ctx, span := telemetry.DispatchTracer.Start(ctx, "session.dispatch")
	var err error
	defer func() { telemetry.DispatchTracer.End(ctx, span, err) }()

	in, fields, err := models.DecodeInbound(data)
	if err != nil {
		if errors.Is(err, models.ErrUnknownEventType) {
			s.sendError(service.ErrUnknownEvent.WithDetails(map[string]any{
				"fields": fields,
			}))
			return
		}
		detail := make(map[string]any, len(fields))
		for k, v := range fields {
			detail[k] = v
		}
		s.sendError(service.NewValidationError(detail))
		return
	}

	decision := s.gw.limiter.Check(ctx, business.Actor{
		SocketID: s.id,
		UserID:   s.claims.UserID,
		IP:       s.ip,
	}, in.Type.Category())
	if !decision.Allowed {
		s.notify(models.NewEnvelope(models.EventRateLimited, models.RateLimitedNotice{
			Rule:         decision.Rule,
			RetryAfterMs: decision.RetryAfter.Milliseconds(),
		}))
		if decision.Escalate {
			s.Close("rate limit abuse")
		}
		return
	}

	if actErr := s.gw.presence.Activity(ctx, s.claims); actErr != nil {
		util.Log(ctx).WithError(actErr).Warn("presence activity failed")
	}

	if err = s.handle(ctx, in); err != nil {
		util.Log(ctx).WithError(err).WithFields(map[string]any{
			"socket_id": s.id,
			"type":      string(in.Type),
		}).Warn("event rejected")
		s.sendError(err)
	}
}

func (s *session) handle(ctx context.Context, in *models.Inbound) error {
	switch in.Type {
	case models.EventJoinRoom:
		return s.handleJoin(ctx, in.JoinRoom)
	case models.EventLeaveRoom:
		return s.handleLeave(ctx, in.LeaveRoom)
	case models.EventTypingStart:
		if err := s.gw.guard.CanAccessConversation(ctx, s.claims, in.TypingStart.ConversationID); err != nil {
			return err
		}
		return s.gw.typing.Start(ctx, s.claims, in.TypingStart.ConversationID)
	case models.EventTypingStop:
		if err := s.gw.guard.CanAccessConversation(ctx, s.claims, in.TypingStop.ConversationID); err != nil {
			return err
		}
		return s.gw.typing.Stop(ctx, s.claims, in.TypingStop.ConversationID, models.ReasonManual)
	case models.EventPresenceUpdate:
		return s.gw.presence.SetStatus(ctx, s.claims, in.Presence.Status, in.Presence.CustomMessage)
	case models.EventCursorUpdate:
		if err := s.gw.guard.CanAccessConversation(ctx, s.claims, in.Cursor.ConversationID); err != nil {
			return err
		}
		return s.gw.collab.UpdateCursor(ctx, s.claims, in.Cursor.ConversationID, in.Cursor.Cursor)
	case models.EventSelectionUpdate:
		if err := s.gw.guard.CanAccessConversation(ctx, s.claims, in.Selection.ConversationID); err != nil {
			return err
		}
		return s.gw.collab.UpdateSelection(ctx, s.claims, in.Selection.ConversationID, in.Selection.Selection)
	case models.EventCollaborativeEdit:
		if err := s.gw.guard.CanAccessConversation(ctx, s.claims, in.Edit.ConversationID); err != nil {
			return err
		}
		return s.gw.collab.Edit(ctx, s.claims, in.Edit)
	case models.EventDocumentLock:
		if err := s.gw.guard.CanAccessConversation(ctx, s.claims, in.Lock.ConversationID); err != nil {
			return err
		}
		return s.gw.collab.Lock(ctx, s.claims, in.Lock.Key())
	case models.EventDocumentUnlock:
		if err := s.gw.guard.CanAccessConversation(ctx, s.claims, in.Unlock.ConversationID); err != nil {
			return err
		}
		return s.gw.collab.Unlock(ctx, s.claims, in.Unlock.Key())
	case models.EventHeartbeat:
		// activity was already recorded, nothing else to do
		return nil
	default:
		return service.ErrUnknownEvent
	}
}

func (s *session) handleJoin(ctx context.Context, payload *models.JoinRoomPayload) error {
	result, err := s.gw.rooms.Join(ctx, s.claims, s.id, payload.Rooms())
	if err != nil {
		return err
	}

	s.notify(models.NewEnvelope(models.EventRoomJoined, models.RoomJoinedNotice{
		Joined:  result.Joined,
		Denied:  result.Denied,
		Members: result.Members,
	}))
	for _, snapshot := range result.TypingSnapshot {
		s.notify(snapshot)
	}

	// conversation joiners also get the collaboration roster snapshot
	for _, roomID := range result.Joined {
		room, parseErr := models.ParseRoomID(roomID)
		if parseErr != nil || room.Type != models.RoomConversation {
			continue
		}
		state, joinErr := s.gw.collab.Join(ctx, s.claims, room.Identifier)
		if joinErr != nil {
			util.Log(ctx).WithError(joinErr).WithField("room_id", roomID).
				Warn("collaboration join failed")
			continue
		}
		s.notify(models.NewEnvelope(models.EventCollabState, state))
	}
	return nil
}

func (s *session) handleLeave(ctx context.Context, payload *models.LeaveRoomPayload) error {
	if err := s.gw.rooms.Leave(ctx, s.claims, s.id, payload.RoomID); err != nil {
		return err
	}
	s.notify(models.NewEnvelope(models.EventRoomLeft, models.RoomLeftNotice{RoomID: payload.RoomID}))
	return nil
}

// cleanup walks the disconnect cascade. Each step gets its own deadline so
// one stuck dependency cannot hold the others hostage.
func (s *session) cleanup(ctx context.Context) {
	s.Close("session ended")
	telemetry.ConnectionsActiveGauge.Add(ctx, -1)

	stepTimeout := s.gw.cfg.CleanupStepTimeout()
	step := func(name string, fn func(context.Context)) {
		stepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stepTimeout)
		defer cancel()
		fn(stepCtx)
		if stepCtx.Err() != nil {
			util.Log(ctx).WithFields(map[string]any{
				"socket_id": s.id,
				"step":      name,
			}).Warn("disconnect cleanup step timed out")
		}
	}

	step("presence", func(c context.Context) {
		if err := s.gw.presence.Disconnected(c, s.claims, s.id); err != nil {
			util.Log(c).WithError(err).Warn("presence disconnect failed")
		}
	})
	step("typing", func(c context.Context) {
		s.gw.typing.StopAllFor(c, s.claims, models.ReasonDisconnect)
	})
	step("collab", func(c context.Context) {
		s.gw.collab.DisconnectCleanup(c, s.claims)
	})
	step("rooms", func(c context.Context) {
		s.gw.rooms.LeaveAll(c, s.claims, s.id)
	})

	s.gw.limiter.Forget(s.id)
	s.gw.reg.Unregister(s.id)

	util.Log(ctx).WithFields(map[string]any{
		"socket_id": s.id,
		"user_id":   s.claims.UserID,
	}).Info("socket disconnected")
}

// notify pushes a frame to this socket only, logging drops.
func (s *session) notify(env *models.Envelope) {
	if err := s.Send(env); err != nil {
		util.Log(context.Background()).WithError(err).WithField("socket_id", s.id).
			Debug("outbound frame dropped")
	}
}

func (s *session) sendError(err error) {
	statusErr := service.AsStatus(err)
	s.notify(models.NewEnvelope(models.EventError, statusErr.Payload(time.Now().UTC())))
}
