package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType names one entry in the closed set of wire events. Inbound events
// outside this set are rejected at the boundary before reaching any handler.
type EventType string

const (
	// Inbound and broadcast event types.
	EventJoinRoom          EventType = "join_room"
	EventLeaveRoom         EventType = "leave_room"
	EventTypingStart       EventType = "typing_start"
	EventTypingStop        EventType = "typing_stop"
	EventPresenceUpdate    EventType = "presence_update"
	EventCursorUpdate      EventType = "cursor_update"
	EventSelectionUpdate   EventType = "selection_update"
	EventCollaborativeEdit EventType = "collaborative_edit"
	EventDocumentLock      EventType = "document_lock"
	EventDocumentUnlock    EventType = "document_unlock"
	EventHeartbeat         EventType = "heartbeat"

	// Outbound only.
	EventTypingStatus    EventType = "typing_status"
	EventPresenceChanged EventType = "presence_changed"
	EventRoomJoined      EventType = "room_joined"
	EventRoomLeft        EventType = "room_left"
	EventUserJoined      EventType = "user_joined"
	EventUserLeft        EventType = "user_left"
	EventCollabState     EventType = "collaboration_state"
	EventRateLimited     EventType = "rate_limited"
	EventError           EventType = "error"
)

// ErrUnknownEventType is returned by DecodeInbound for a type outside the
// closed inbound set.
var ErrUnknownEventType = errors.New("unknown event type")

// Category buckets inbound events for per-category rate limiting.
type Category string

const (
	CategoryMessages  Category = "messages"
	CategoryTyping    Category = "typing"
	CategoryReactions Category = "reactions"
	CategoryAdmin     Category = "admin"
	CategoryControl   Category = "control"
)

// Category maps an inbound event type to its rate-limit bucket.
func (t EventType) Category() Category {
	switch t {
	case EventCollaborativeEdit:
		return CategoryMessages
	case EventTypingStart, EventTypingStop, EventCursorUpdate, EventSelectionUpdate:
		return CategoryTyping
	case EventDocumentLock, EventDocumentUnlock:
		return CategoryReactions
	case EventJoinRoom, EventLeaveRoom, EventPresenceUpdate:
		return CategoryAdmin
	default:
		return CategoryControl
	}
}

// Inbound is a decoded client event. Exactly the field matching Type is
// populated; everything else is nil.
type Inbound struct {
	Type EventType

	JoinRoom    *JoinRoomPayload
	LeaveRoom   *LeaveRoomPayload
	TypingStart *TypingPayload
	TypingStop  *TypingPayload
	Presence    *PresenceUpdatePayload
	Cursor      *CursorUpdatePayload
	Selection   *SelectionUpdatePayload
	Edit        *CollaborativeEditPayload
	Lock        *LockPayload
	Unlock      *LockPayload
}

// JoinRoomPayload accepts a single room or a batch. Guard violations filter
// out only the offending rooms.
type JoinRoomPayload struct {
	RoomID  string   `json:"room_id,omitempty"`
	RoomIDs []string `json:"room_ids,omitempty"`
}

// Rooms flattens the single and batch forms into one list.
func (p *JoinRoomPayload) Rooms() []string {
	rooms := make([]string, 0, len(p.RoomIDs)+1)
	if p.RoomID != "" {
		rooms = append(rooms, p.RoomID)
	}
	rooms = append(rooms, p.RoomIDs...)
	return rooms
}

type LeaveRoomPayload struct {
	RoomID string `json:"room_id"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
}

type PresenceUpdatePayload struct {
	Status        PresenceStatus `json:"status"`
	CustomMessage string         `json:"custom_message,omitempty"`
}

type CursorUpdatePayload struct {
	ConversationID string         `json:"conversation_id"`
	Cursor         CursorPosition `json:"cursor"`
}

type SelectionUpdatePayload struct {
	ConversationID string         `json:"conversation_id"`
	Selection      SelectionRange `json:"selection"`
}

type CollaborativeEditPayload struct {
	ConversationID string         `json:"conversation_id"`
	DocumentID     string         `json:"document_id,omitempty"`
	Operation      map[string]any `json:"operation"`
}

type LockPayload struct {
	ConversationID string `json:"conversation_id"`
	LockType       string `json:"lock_type"`
	DocumentID     string `json:"document_id,omitempty"`
}

// Key converts the payload into the lock's store key.
func (p *LockPayload) Key() LockKey {
	return LockKey{ConversationID: p.ConversationID, LockType: p.LockType, DocumentID: p.DocumentID}
}

type rawEvent struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeInbound parses and validates one client frame. A malformed frame
// returns field-level validation detail via fields; an out-of-set type
// returns ErrUnknownEventType.
func DecodeInbound(data []byte) (*Inbound, map[string]string, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, map[string]string{"frame": "not a valid json event"}, err
	}
	if raw.Type == "" {
		return nil, map[string]string{"type": "is required"}, errors.New("event type missing")
	}

	in := &Inbound{Type: raw.Type}
	var target any
	switch raw.Type {
	case EventJoinRoom:
		in.JoinRoom = &JoinRoomPayload{}
		target = in.JoinRoom
	case EventLeaveRoom:
		in.LeaveRoom = &LeaveRoomPayload{}
		target = in.LeaveRoom
	case EventTypingStart:
		in.TypingStart = &TypingPayload{}
		target = in.TypingStart
	case EventTypingStop:
		in.TypingStop = &TypingPayload{}
		target = in.TypingStop
	case EventPresenceUpdate:
		in.Presence = &PresenceUpdatePayload{}
		target = in.Presence
	case EventCursorUpdate:
		in.Cursor = &CursorUpdatePayload{}
		target = in.Cursor
	case EventSelectionUpdate:
		in.Selection = &SelectionUpdatePayload{}
		target = in.Selection
	case EventCollaborativeEdit:
		in.Edit = &CollaborativeEditPayload{}
		target = in.Edit
	case EventDocumentLock:
		in.Lock = &LockPayload{}
		target = in.Lock
	case EventDocumentUnlock:
		in.Unlock = &LockPayload{}
		target = in.Unlock
	case EventHeartbeat:
		return in, nil, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownEventType, raw.Type)
	}

	if len(raw.Payload) > 0 {
		if err := json.Unmarshal(raw.Payload, target); err != nil {
			return nil, map[string]string{"payload": "does not match event type " + string(raw.Type)}, err
		}
	}

	if fields := in.validate(); len(fields) > 0 {
		return nil, fields, errors.New("event validation failed")
	}
	return in, nil, nil
}

func (in *Inbound) validate() map[string]string {
	fields := map[string]string{}
	switch in.Type {
	case EventJoinRoom:
		if len(in.JoinRoom.Rooms()) == 0 {
			fields["room_id"] = "at least one room id is required"
		}
	case EventLeaveRoom:
		if in.LeaveRoom.RoomID == "" {
			fields["room_id"] = "is required"
		}
	case EventTypingStart:
		if in.TypingStart.ConversationID == "" {
			fields["conversation_id"] = "is required"
		}
	case EventTypingStop:
		if in.TypingStop.ConversationID == "" {
			fields["conversation_id"] = "is required"
		}
	case EventPresenceUpdate:
		if !in.Presence.Status.Valid() {
			fields["status"] = "must be one of online, away, busy, offline"
		}
	case EventCursorUpdate:
		if in.Cursor.ConversationID == "" {
			fields["conversation_id"] = "is required"
		}
	case EventSelectionUpdate:
		if in.Selection.ConversationID == "" {
			fields["conversation_id"] = "is required"
		}
	case EventCollaborativeEdit:
		if in.Edit.ConversationID == "" {
			fields["conversation_id"] = "is required"
		}
		if len(in.Edit.Operation) == 0 {
			fields["operation"] = "is required"
		}
	case EventDocumentLock:
		fields = validateLockPayload(in.Lock)
	case EventDocumentUnlock:
		fields = validateLockPayload(in.Unlock)
	}
	return fields
}

func validateLockPayload(p *LockPayload) map[string]string {
	fields := map[string]string{}
	if p.ConversationID == "" {
		fields["conversation_id"] = "is required"
	}
	if p.LockType == "" {
		fields["lock_type"] = "is required"
	}
	return fields
}

// Envelope is the outbound wire frame.
type Envelope struct {
	Type      EventType `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEnvelope stamps an outbound frame with the current time.
func NewEnvelope(t EventType, payload any) *Envelope {
	return &Envelope{Type: t, Payload: payload, Timestamp: time.Now().UTC()}
}

// Encode renders the frame for the socket write pump.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// TypingStopNotice is broadcast when an indicator clears.
type TypingStopNotice struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Reason         StopReason `json:"reason"`
}

// TypingStartNotice is broadcast when an indicator is set.
type TypingStartNotice struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	UserName       string `json:"user_name,omitempty"`
}

// TypingStatusNotice is the full-snapshot form, sent to room joiners.
type TypingStatusNotice struct {
	ConversationID string            `json:"conversation_id"`
	Typing         []TypingIndicator `json:"typing"`
}

// PresenceChangedNotice is broadcast once per genuine presence transition.
type PresenceChangedNotice struct {
	UserID        string         `json:"user_id"`
	TenantID      string         `json:"tenant_id"`
	Status        PresenceStatus `json:"status"`
	CustomMessage string         `json:"custom_message,omitempty"`
}

// RateLimitedNotice carries the blocking rule and when to retry.
type RateLimitedNotice struct {
	Rule         string `json:"rule"`
	RetryAfterMs int64  `json:"retry_after_ms"`
}

// RoomJoinedNotice acknowledges a join request back to the requesting socket,
// listing the granted rooms with their current member rosters and the denials
// with their reasons.
type RoomJoinedNotice struct {
	Joined  []string            `json:"joined"`
	Denied  map[string]string   `json:"denied,omitempty"`
	Members map[string][]string `json:"members,omitempty"`
}

// RoomLeftNotice acknowledges a leave back to the requesting socket.
type RoomLeftNotice struct {
	RoomID string `json:"room_id"`
}

// RoomMembershipNotice reports a join or leave to the affected audiences.
type RoomMembershipNotice struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
}

// LockNotice is broadcast on lock grant and release.
type LockNotice struct {
	ConversationID string     `json:"conversation_id"`
	LockType       string     `json:"lock_type"`
	DocumentID     string     `json:"document_id,omitempty"`
	OwnerID        string     `json:"owner_id"`
	OwnerName      string     `json:"owner_name,omitempty"`
	Locked         bool       `json:"locked"`
	Reason         StopReason `json:"reason,omitempty"`
}

// CollabMemberNotice announces a participant entering or leaving a session.
type CollabMemberNotice struct {
	ConversationID string                   `json:"conversation_id"`
	Participant    CollaborationParticipant `json:"participant"`
	Reason         StopReason               `json:"reason,omitempty"`
}

// CollabStateNotice is the roster snapshot sent to session joiners.
type CollabStateNotice struct {
	ConversationID string                     `json:"conversation_id"`
	Participants   []CollaborationParticipant `json:"participants"`
	RecentEdits    []EditRecord               `json:"recent_edits,omitempty"`
}

// EditNotice relays one accepted edit to the rest of the session.
type EditNotice struct {
	ConversationID string         `json:"conversation_id"`
	DocumentID     string         `json:"document_id,omitempty"`
	UserID         string         `json:"user_id"`
	Operation      map[string]any `json:"operation"`
}

// CursorNotice relays a cursor or selection move.
type CursorNotice struct {
	ConversationID string          `json:"conversation_id"`
	UserID         string          `json:"user_id"`
	Color          string          `json:"color,omitempty"`
	Cursor         *CursorPosition `json:"cursor,omitempty"`
	Selection      *SelectionRange `json:"selection,omitempty"`
}
