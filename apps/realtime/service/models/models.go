package models

import (
	"fmt"
	"strings"
	"time"
)

// Claims is the verified identity attached to every socket. It is produced by
// the identity provider's token and never inferred from payload contents.
type Claims struct {
	UserID      string   `json:"user_id"`
	TenantID    string   `json:"tenant_id"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions,omitempty"`
	UserName    string   `json:"user_name,omitempty"`
}

// HasPermission reports whether the claim carries an explicit capability flag.
func (c *Claims) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// RoomType classifies logical broadcast groups.
type RoomType string

const (
	RoomConversation RoomType = "conversation"
	RoomTenant       RoomType = "tenant"
	RoomUser         RoomType = "user"
	RoomAdmin        RoomType = "admin"
	RoomNotification RoomType = "notification"
)

// tenantScoped reports whether identifiers of this type carry a tenant segment.
func (rt RoomType) tenantScoped() bool {
	return rt == RoomConversation || rt == RoomTenant
}

// Valid reports whether the room type is one of the closed set.
func (rt RoomType) Valid() bool {
	switch rt {
	case RoomConversation, RoomTenant, RoomUser, RoomAdmin, RoomNotification:
		return true
	default:
		return false
	}
}

// RoomID is the parsed form of a wire room identifier. Tenant scope is carried
// explicitly here and on the stored room record - never derived from the
// identifier's string structure anywhere else.
type RoomID struct {
	Type       RoomType
	TenantID   string
	Identifier string
}

// ParseRoomID parses the `type:tenantId:identifier` scheme
// (or `type:identifier` for non tenant-scoped types).
func ParseRoomID(raw string) (RoomID, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 {
		return RoomID{}, fmt.Errorf("room id %q: missing type separator", raw)
	}

	rt := RoomType(parts[0])
	if !rt.Valid() {
		return RoomID{}, fmt.Errorf("room id %q: unknown type %q", raw, parts[0])
	}

	if rt.tenantScoped() {
		if rt == RoomTenant {
			if len(parts) != 2 || parts[1] == "" {
				return RoomID{}, fmt.Errorf("room id %q: want tenant:<tenantId>", raw)
			}
			return RoomID{Type: rt, TenantID: parts[1], Identifier: parts[1]}, nil
		}
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			return RoomID{}, fmt.Errorf("room id %q: want %s:<tenantId>:<identifier>", raw, rt)
		}
		return RoomID{Type: rt, TenantID: parts[1], Identifier: parts[2]}, nil
	}

	if len(parts) != 2 || parts[1] == "" {
		return RoomID{}, fmt.Errorf("room id %q: want %s:<identifier>", raw, rt)
	}
	return RoomID{Type: rt, Identifier: parts[1]}, nil
}

// String renders the canonical wire form.
func (r RoomID) String() string {
	if r.Type == RoomTenant {
		return fmt.Sprintf("%s:%s", r.Type, r.TenantID)
	}
	if r.Type.tenantScoped() {
		return fmt.Sprintf("%s:%s:%s", r.Type, r.TenantID, r.Identifier)
	}
	return fmt.Sprintf("%s:%s", r.Type, r.Identifier)
}

// TenantRoom is the broadcast group every member of a tenant belongs to.
func TenantRoom(tenantID string) RoomID {
	return RoomID{Type: RoomTenant, TenantID: tenantID, Identifier: tenantID}
}

// UserRoom is a user's private broadcast group.
func UserRoom(userID string) RoomID {
	return RoomID{Type: RoomUser, Identifier: userID}
}

// ConversationRoom addresses a conversation within a tenant.
func ConversationRoom(tenantID, conversationID string) RoomID {
	return RoomID{Type: RoomConversation, TenantID: tenantID, Identifier: conversationID}
}

// Room is the stored record for a broadcast group. Created on first join and
// garbage-collected after a grace period once the participant set empties.
type Room struct {
	ID           RoomID            `json:"id"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
}

// PresenceStatus is the user's availability state.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusBusy    PresenceStatus = "busy"
	StatusOffline PresenceStatus = "offline"
)

// Valid reports whether the status is one of the closed set.
func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	default:
		return false
	}
}

// PresenceRecord is the store-owned truth about a user's availability. It is
// mutated only through full read-modify-write round trips so concurrent
// processes never partially overwrite each other.
type PresenceRecord struct {
	UserID          string         `json:"user_id"`
	TenantID        string         `json:"tenant_id"`
	Status          PresenceStatus `json:"status"`
	Manual          bool           `json:"manual,omitempty"` // explicit user-set status
	CustomMessage   string         `json:"custom_message,omitempty"`
	LastActive      time.Time      `json:"last_active"`
	SocketIDs       []string       `json:"socket_ids,omitempty"`
	ConversationIDs []string       `json:"conversation_ids,omitempty"`
}

// AddSocket inserts a socket id, keeping set semantics.
func (p *PresenceRecord) AddSocket(socketID string) {
	for _, id := range p.SocketIDs {
		if id == socketID {
			return
		}
	}
	p.SocketIDs = append(p.SocketIDs, socketID)
}

// RemoveSocket deletes a socket id and reports whether the set is now empty.
func (p *PresenceRecord) RemoveSocket(socketID string) bool {
	for i, id := range p.SocketIDs {
		if id == socketID {
			p.SocketIDs = append(p.SocketIDs[:i], p.SocketIDs[i+1:]...)
			break
		}
	}
	return len(p.SocketIDs) == 0
}

// TypingIndicator marks a user as typing in a conversation. At most one per
// (conversation, user) pair exists at any time.
type TypingIndicator struct {
	ConversationID string    `json:"conversation_id"`
	TenantID       string    `json:"tenant_id"`
	UserID         string    `json:"user_id"`
	UserName       string    `json:"user_name,omitempty"`
	StartedAt      time.Time `json:"started_at"`
}

// StopReason tags why a typing indicator or lock was cleared.
type StopReason string

const (
	ReasonManual      StopReason = "manual"
	ReasonTimeout     StopReason = "timeout"
	ReasonDisconnect  StopReason = "disconnect"
	ReasonMessageSent StopReason = "message_sent"
	ReasonCleanup     StopReason = "cleanup"
)

// LockKey identifies a collaboration lock scope.
type LockKey struct {
	ConversationID string `json:"conversation_id"`
	LockType       string `json:"lock_type"`
	DocumentID     string `json:"document_id,omitempty"`
}

// String renders the store key form.
func (k LockKey) String() string {
	if k.DocumentID == "" {
		return fmt.Sprintf("%s:%s", k.ConversationID, k.LockType)
	}
	return fmt.Sprintf("%s:%s:%s", k.ConversationID, k.LockType, k.DocumentID)
}

// LockTypeWrite is the lock type that gates collaborative edits.
const LockTypeWrite = "write"

// CollaborationLock is a time-bounded mutual-exclusion claim. The store
// guarantees at most one unexpired lock per key.
type CollaborationLock struct {
	Key        LockKey       `json:"key"`
	OwnerID    string        `json:"owner_id"`
	OwnerName  string        `json:"owner_name,omitempty"`
	AcquiredAt time.Time     `json:"acquired_at"`
	TTL        time.Duration `json:"ttl"`
}

// CollaborationParticipant is a member of a collaboration session.
type CollaborationParticipant struct {
	UserID       string          `json:"user_id"`
	UserName     string          `json:"user_name,omitempty"`
	Cursor       *CursorPosition `json:"cursor,omitempty"`
	Selection    *SelectionRange `json:"selection,omitempty"`
	Color        string          `json:"color"`
	LastActivity time.Time       `json:"last_activity"`
}

// CursorPosition locates a participant's cursor within a document.
type CursorPosition struct {
	DocumentID string `json:"document_id,omitempty"`
	Line       int    `json:"line"`
	Column     int    `json:"column"`
}

// SelectionRange is a highlighted span within a document.
type SelectionRange struct {
	DocumentID  string `json:"document_id,omitempty"`
	StartLine   int    `json:"start_line"`
	StartColumn int    `json:"start_column"`
	EndLine     int    `json:"end_line"`
	EndColumn   int    `json:"end_column"`
}

// EditRecord is one relayed edit, retained in the bounded per-conversation
// history for late joiners. Edits are appended, never merged.
type EditRecord struct {
	UserID     string         `json:"user_id"`
	DocumentID string         `json:"document_id,omitempty"`
	Operation  map[string]any `json:"operation"`
	At         time.Time      `json:"at"`
}
