package business

import (
	"context"
	"errors"
	"time"

	"github.com/pitabwire/util"

	"github.com/antinvestor/service-realtime/apps/realtime/config"
	"github.com/antinvestor/service-realtime/apps/realtime/service"
	"github.com/antinvestor/service-realtime/apps/realtime/service/authz"
	"github.com/antinvestor/service-realtime/apps/realtime/service/events"
	"github.com/antinvestor/service-realtime/apps/realtime/service/models"
	"github.com/antinvestor/service-realtime/apps/realtime/service/registry"
	"github.com/antinvestor/service-realtime/apps/realtime/service/store"
)

// JoinResult reports a batch join: which rooms were entered, which were
// denied and why, the current member roster per joined room, and the typing
// snapshots owed to the joiner.
type JoinResult struct {
	Joined         []string
	Denied         map[string]string
	Members        map[string][]string
	TypingSnapshot []*models.Envelope
}

// RoomManager orchestrates room membership: authorization, the shared member
// sets, the local registry indexes and the join/leave notifications.
type RoomManager interface {
	Join(ctx context.Context, claims *models.Claims, socketID string, roomIDs []string) (*JoinResult, error)
	Leave(ctx context.Context, claims *models.Claims, socketID, roomID string) error
	LeaveAll(ctx context.Context, claims *models.Claims, socketID string) []string
}

type roomManager struct {
	guard     *authz.Guard
	store     store.RoomStore
	reg       *registry.Registry
	bridge    events.Broadcaster
	typing    TypingTracker
	collab    CollabManager
	gatewayID string

	emptyGrace time.Duration
}

// NewRoomManager builds the membership orchestrator. gatewayID identifies
// this process's holds in the shared member sets; use the bridge origin id.
func NewRoomManager(
	cfg *config.RealtimeConfig,
	guard *authz.Guard,
	roomStore store.RoomStore,
	reg *registry.Registry,
	bridge events.Broadcaster,
	typing TypingTracker,
	collab CollabManager,
	gatewayID string,
) RoomManager {
	return &roomManager{
		guard:      guard,
		store:      roomStore,
		reg:        reg,
		bridge:     bridge,
		typing:     typing,
		collab:     collab,
		gatewayID:  gatewayID,
		emptyGrace: cfg.RoomEmptyGrace(),
	}
}

// Join authorizes and enters each requested room. Denied rooms are filtered
// out of the batch, never the whole request.
func (rm *roomManager) Join(ctx context.Context, claims *models.Claims, socketID string, roomIDs []string) (*JoinResult, error) {
	granted, denied := rm.guard.FilterJoin(ctx, claims, roomIDs)

	result := &JoinResult{Denied: denied, Members: map[string][]string{}}
	for _, grant := range granted {
		firstLocal := !rm.reg.UserInRoom(claims.UserID, grant.RoomID)
		rm.reg.JoinRoom(socketID, grant.RoomID)

		first, err := rm.store.AddRoomMember(ctx, grant.RoomID, claims.UserID, rm.gatewayID)
		if err != nil {
			if !errors.Is(err, service.ErrStoreUnavailable) {
				rm.reg.LeaveRoom(socketID, grant.RoomID)
				result.Denied[grant.RoomID] = "room membership write failed"
				continue
			}
			util.Log(ctx).WithError(err).WithField("room_id", grant.RoomID).
				Warn("room membership write failed open")
			// best local guess while the store is out
			first = firstLocal
		}
		result.Joined = append(result.Joined, grant.RoomID)

		if members, membersErr := rm.store.RoomMembers(ctx, grant.RoomID); membersErr == nil {
			result.Members[grant.RoomID] = members
		} else {
			util.Log(ctx).WithError(membersErr).WithField("room_id", grant.RoomID).
				Warn("room roster read failed")
		}

		// the rest of the room learns about the join once per user
		if first {
			env := models.NewEnvelope(models.EventUserJoined, models.RoomMembershipNotice{
				RoomID:   grant.RoomID,
				UserID:   claims.UserID,
				UserName: claims.UserName,
			})
			if err := rm.bridge.ToRoom(ctx, grant.RoomID, claims.UserID, env); err != nil {
				util.Log(ctx).WithError(err).WithField("room_id", grant.RoomID).
					Error("failed to broadcast room join")
			}
		}

		if grant.Parsed && grant.Room.Type == models.RoomConversation {
			rm.appendTypingSnapshot(ctx, result, grant.Room.Identifier)
		}
	}
	return result, nil
}

func (rm *roomManager) appendTypingSnapshot(ctx context.Context, result *JoinResult, conversationID string) {
	typing, err := rm.typing.Status(ctx, conversationID)
	if err != nil {
		util.Log(ctx).WithError(err).WithField("conversation_id", conversationID).
			Warn("typing snapshot failed")
		return
	}
	if len(typing) == 0 {
		return
	}
	result.TypingSnapshot = append(result.TypingSnapshot,
		models.NewEnvelope(models.EventTypingStatus, models.TypingStatusNotice{
			ConversationID: conversationID,
			Typing:         typing,
		}))
}

// Leave exits one room for one socket. This gateway's hold is released when
// the user's last local socket leaves; the leave notification fires only when
// no gateway holds the user anymore.
func (rm *roomManager) Leave(ctx context.Context, claims *models.Claims, socketID, roomID string) error {
	if !rm.reg.LeaveRoom(socketID, roomID) {
		return nil
	}
	if rm.reg.UserInRoom(claims.UserID, roomID) {
		return nil
	}
	rm.departed(ctx, claims, roomID)
	return nil
}

// LeaveAll exits every room the socket was in, as part of the disconnect
// cascade. Returns the rooms the user fully left.
func (rm *roomManager) LeaveAll(ctx context.Context, claims *models.Claims, socketID string) []string {
	var fullyLeft []string
	for _, roomID := range rm.reg.RoomsOf(socketID) {
		if !rm.reg.LeaveRoom(socketID, roomID) {
			continue
		}
		if rm.reg.UserInRoom(claims.UserID, roomID) {
			continue
		}
		if rm.departed(ctx, claims, roomID) {
			fullyLeft = append(fullyLeft, roomID)
		}
	}
	return fullyLeft
}

// departed releases this gateway's hold once the user's last local socket
// left the room. The leave notification and the conversation cleanup fire
// only when the user is gone from every gateway; a user still served
// elsewhere stays in the shared member set untouched.
func (rm *roomManager) departed(ctx context.Context, claims *models.Claims, roomID string) bool {
	gone, err := rm.store.RemoveRoomMember(ctx, roomID, claims.UserID, rm.gatewayID, rm.emptyGrace)
	if err != nil {
		util.Log(ctx).WithError(err).WithField("room_id", roomID).
			Warn("room membership removal failed")
		// without the store there is only the local view, and locally the
		// user is gone
		gone = true
	}
	if !gone {
		return false
	}

	env := models.NewEnvelope(models.EventUserLeft, models.RoomMembershipNotice{
		RoomID:   roomID,
		UserID:   claims.UserID,
		UserName: claims.UserName,
	})
	if err := rm.bridge.ToRoom(ctx, roomID, claims.UserID, env); err != nil {
		util.Log(ctx).WithError(err).WithField("room_id", roomID).
			Error("failed to broadcast room leave")
	}

	room, parseErr := models.ParseRoomID(roomID)
	if parseErr != nil || room.Type != models.RoomConversation {
		return true
	}

	// leaving a conversation clears its typing indicator and session seat
	if err := rm.typing.Stop(ctx, claims, room.Identifier, models.ReasonCleanup); err != nil {
		util.Log(ctx).WithError(err).Warn("typing stop on leave failed")
	}
	if err := rm.collab.Leave(ctx, claims, room.Identifier, models.ReasonCleanup); err != nil {
		util.Log(ctx).WithError(err).Warn("session leave failed")
	}
	return true
}
