package models_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antinvestor/service-realtime/apps/realtime/service/models"
)

func TestDecodeInbound(t *testing.T) {
	t.Run("join room single", func(t *testing.T) {
		in, fields, err := models.DecodeInbound(
			[]byte(`{"type":"join_room","payload":{"room_id":"conversation:t1:c1"}}`))
		require.NoError(t, err)
		require.Empty(t, fields)
		require.Equal(t, models.EventJoinRoom, in.Type)
		assert.Equal(t, []string{"conversation:t1:c1"}, in.JoinRoom.Rooms())
	})

	t.Run("join room batch", func(t *testing.T) {
		in, _, err := models.DecodeInbound(
			[]byte(`{"type":"join_room","payload":{"room_ids":["conversation:t1:c1","tenant:t1"]}}`))
		require.NoError(t, err)
		assert.Len(t, in.JoinRoom.Rooms(), 2)
	})

	t.Run("typing start", func(t *testing.T) {
		in, _, err := models.DecodeInbound(
			[]byte(`{"type":"typing_start","payload":{"conversation_id":"c1"}}`))
		require.NoError(t, err)
		require.NotNil(t, in.TypingStart)
		assert.Equal(t, "c1", in.TypingStart.ConversationID)
		assert.Nil(t, in.TypingStop)
	})

	t.Run("collaborative edit", func(t *testing.T) {
		in, _, err := models.DecodeInbound(
			[]byte(`{"type":"collaborative_edit","payload":{"conversation_id":"c1","operation":{"op":"insert","pos":4}}}`))
		require.NoError(t, err)
		require.NotNil(t, in.Edit)
		assert.Equal(t, "insert", in.Edit.Operation["op"])
	})

	t.Run("document lock", func(t *testing.T) {
		in, _, err := models.DecodeInbound(
			[]byte(`{"type":"document_lock","payload":{"conversation_id":"c1","lock_type":"write","document_id":"d1"}}`))
		require.NoError(t, err)
		assert.Equal(t, models.LockKey{ConversationID: "c1", LockType: "write", DocumentID: "d1"},
			in.Lock.Key())
	})

	t.Run("heartbeat needs no payload", func(t *testing.T) {
		in, fields, err := models.DecodeInbound([]byte(`{"type":"heartbeat"}`))
		require.NoError(t, err)
		assert.Empty(t, fields)
		assert.Equal(t, models.EventHeartbeat, in.Type)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, fields, err := models.DecodeInbound([]byte(`{"type":"shutdown_server"}`))
		require.ErrorIs(t, err, models.ErrUnknownEventType)
		assert.Empty(t, fields)
	})

	t.Run("missing type", func(t *testing.T) {
		_, fields, err := models.DecodeInbound([]byte(`{"payload":{}}`))
		require.Error(t, err)
		assert.Contains(t, fields, "type")
	})

	t.Run("not json", func(t *testing.T) {
		_, fields, err := models.DecodeInbound([]byte(`not json`))
		require.Error(t, err)
		assert.Contains(t, fields, "frame")
	})

	t.Run("payload shape mismatch", func(t *testing.T) {
		_, fields, err := models.DecodeInbound(
			[]byte(`{"type":"typing_start","payload":{"conversation_id":7}}`))
		require.Error(t, err)
		assert.Contains(t, fields, "payload")
	})
}

func TestDecodeInboundValidation(t *testing.T) {
	testCases := []struct {
		name      string
		frame     string
		wantField string
	}{
		{
			name:      "join room without rooms",
			frame:     `{"type":"join_room","payload":{}}`,
			wantField: "room_id",
		},
		{
			name:      "leave room without room",
			frame:     `{"type":"leave_room"}`,
			wantField: "room_id",
		},
		{
			name:      "typing start without conversation",
			frame:     `{"type":"typing_start","payload":{}}`,
			wantField: "conversation_id",
		},
		{
			name:      "presence with bad status",
			frame:     `{"type":"presence_update","payload":{"status":"invisible"}}`,
			wantField: "status",
		},
		{
			name:      "edit without operation",
			frame:     `{"type":"collaborative_edit","payload":{"conversation_id":"c1"}}`,
			wantField: "operation",
		},
		{
			name:      "lock without lock type",
			frame:     `{"type":"document_lock","payload":{"conversation_id":"c1"}}`,
			wantField: "lock_type",
		},
		{
			name:      "unlock without conversation",
			frame:     `{"type":"document_unlock","payload":{"lock_type":"write"}}`,
			wantField: "conversation_id",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, fields, err := models.DecodeInbound([]byte(tc.frame))
			require.Error(t, err)
			assert.Contains(t, fields, tc.wantField)
		})
	}
}

func TestEventCategory(t *testing.T) {
	assert.Equal(t, models.CategoryMessages, models.EventCollaborativeEdit.Category())
	assert.Equal(t, models.CategoryTyping, models.EventTypingStart.Category())
	assert.Equal(t, models.CategoryTyping, models.EventCursorUpdate.Category())
	assert.Equal(t, models.CategoryReactions, models.EventDocumentLock.Category())
	assert.Equal(t, models.CategoryAdmin, models.EventJoinRoom.Category())
	assert.Equal(t, models.CategoryControl, models.EventHeartbeat.Category())
}

func TestEnvelopeEncode(t *testing.T) {
	env := models.NewEnvelope(models.EventTypingStop, models.TypingStopNotice{
		ConversationID: "c1",
		UserID:         "u1",
		Reason:         models.ReasonTimeout,
	})
	data, err := env.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "typing_stop", decoded["type"])
	payload, ok := decoded["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "timeout", payload["reason"])
	assert.NotEmpty(t, decoded["timestamp"])
}
