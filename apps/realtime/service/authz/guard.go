// Package authz decides room and event access from verified identity claims.
// Decisions never depend on payload contents, only on the claim set attached
// at connection time.
package authz

import (
	"context"

	"github.com/pitabwire/util"

	"github.com/antinvestor/service-realtime/apps/realtime/service"
	"github.com/antinvestor/service-realtime/apps/realtime/service/models"
)

// PermAdminRooms is the capability flag required to enter admin and other
// system-wide rooms.
const PermAdminRooms = "admin_rooms"

// Grant is a positive access decision. Parsed is false only in permissive
// mode, where an unparseable identifier is admitted as an opaque room.
type Grant struct {
	RoomID string
	Room   models.RoomID
	Parsed bool
}

// Guard evaluates access rules in a fixed order: same-tenant always allowed,
// elevated roles may cross tenants, system-wide rooms require an explicit
// capability, and unparseable identifiers default-deny in strict mode.
type Guard struct {
	strict        bool
	auditCross    bool
	elevatedRoles map[string]struct{}
}

func NewGuard(strict, auditCrossTenant bool, elevatedRoles []string) *Guard {
	roles := make(map[string]struct{}, len(elevatedRoles))
	for _, role := range elevatedRoles {
		roles[role] = struct{}{}
	}
	return &Guard{
		strict:        strict,
		auditCross:    auditCrossTenant,
		elevatedRoles: roles,
	}
}

func (g *Guard) isElevated(claims *models.Claims) bool {
	_, ok := g.elevatedRoles[claims.Role]
	return ok
}

// Authorize decides whether the actor may access the room identified by raw.
// Denials are returned as structured authorization errors carrying the room
// and reason, never silently swallowed.
func (g *Guard) Authorize(ctx context.Context, claims *models.Claims, raw string) (Grant, error) {
	room, err := models.ParseRoomID(raw)
	if err != nil {
		if g.strict {
			return Grant{}, g.deny(ctx, claims, raw, "room identifier is not parseable")
		}
		util.Log(ctx).WithFields(map[string]any{
			"user_id": claims.UserID,
			"room_id": raw,
		}).Warn("admitting unparseable room id in permissive mode")
		return Grant{RoomID: raw}, nil
	}

	switch room.Type {
	case models.RoomAdmin:
		if !claims.HasPermission(PermAdminRooms) {
			return Grant{}, g.deny(ctx, claims, raw, "admin rooms require the admin_rooms capability")
		}

	case models.RoomUser, models.RoomNotification:
		if room.Identifier != claims.UserID {
			if !g.isElevated(claims) {
				return Grant{}, g.deny(ctx, claims, raw, "room belongs to another user")
			}
			g.auditCrossAccess(ctx, claims, raw)
		}

	case models.RoomConversation, models.RoomTenant:
		if room.TenantID != claims.TenantID {
			if !g.isElevated(claims) {
				return Grant{}, g.deny(ctx, claims, raw, "room belongs to another tenant")
			}
			g.auditCrossAccess(ctx, claims, raw)
		}
	}

	return Grant{RoomID: raw, Room: room, Parsed: true}, nil
}

// FilterJoin authorizes a batch join. Only the offending rooms are filtered
// out; denied maps each rejected room to its reason.
func (g *Guard) FilterJoin(ctx context.Context, claims *models.Claims, roomIDs []string) ([]Grant, map[string]string) {
	granted := make([]Grant, 0, len(roomIDs))
	denied := map[string]string{}

	for _, raw := range roomIDs {
		grant, err := g.Authorize(ctx, claims, raw)
		if err != nil {
			denied[raw] = err.Error()
			continue
		}
		granted = append(granted, grant)
	}
	return granted, denied
}

// CanAccessConversation gates tenant-sensitive conversation events. The
// conversation is addressed within the actor's own tenant, so this reduces to
// authorizing the corresponding conversation room.
func (g *Guard) CanAccessConversation(ctx context.Context, claims *models.Claims, conversationID string) error {
	_, err := g.Authorize(ctx, claims, models.ConversationRoom(claims.TenantID, conversationID).String())
	return err
}

func (g *Guard) deny(ctx context.Context, claims *models.Claims, roomID, reason string) error {
	util.Log(ctx).WithFields(map[string]any{
		"user_id":   claims.UserID,
		"tenant_id": claims.TenantID,
		"role":      claims.Role,
		"room_id":   roomID,
		"reason":    reason,
	}).Warn("room access denied")

	return service.ErrAuthorizationDenied.WithDetails(map[string]any{
		"room_id": roomID,
		"reason":  reason,
	})
}

func (g *Guard) auditCrossAccess(ctx context.Context, claims *models.Claims, roomID string) {
	if !g.auditCross {
		return
	}
	util.Log(ctx).WithFields(map[string]any{
		"user_id":   claims.UserID,
		"tenant_id": claims.TenantID,
		"role":      claims.Role,
		"room_id":   roomID,
	}).Info("elevated role crossed tenant boundary")
}
