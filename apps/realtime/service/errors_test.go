package service_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/antinvestor/service-realtime/apps/realtime/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusError_Error(t *testing.T) {
	err := service.ErrRateLimited
	assert.Equal(t, "rate_limited: too many events, slow down", err.Error())
}

func TestStatusError_WithDetails(t *testing.T) {
	base := service.ErrLockConflict

	detailed := base.WithDetails(map[string]any{
		"locked_by":   "user-a",
		"acquired_at": "2026-01-01T00:00:00Z",
	})

	assert.Equal(t, service.CodeLockConflict, detailed.Code)
	assert.Equal(t, "user-a", detailed.Details["locked_by"])

	// Sentinel must stay untouched
	assert.Empty(t, base.Details)
}

func TestStatusError_Is(t *testing.T) {
	detailed := service.ErrRateLimited.WithDetails(map[string]any{"rule": "socket"})

	assert.ErrorIs(t, detailed, service.ErrRateLimited)
	assert.NotErrorIs(t, detailed, service.ErrLockConflict)

	wrapped := fmt.Errorf("dispatch: %w", detailed)
	assert.ErrorIs(t, wrapped, service.ErrRateLimited)
}

func TestNewValidationError(t *testing.T) {
	err := service.NewValidationError(map[string]any{
		"conversation_id": "required",
	})

	assert.Equal(t, service.CodeValidationError, err.Code)
	assert.Equal(t, "required", err.Details["conversation_id"])
}

func TestAsStatus(t *testing.T) {
	t.Run("passes through status errors", func(t *testing.T) {
		got := service.AsStatus(fmt.Errorf("wrap: %w", service.ErrStoreUnavailable))
		assert.Equal(t, service.CodeStoreUnavailable, got.Code)
	})

	t.Run("masks unknown errors", func(t *testing.T) {
		got := service.AsStatus(errors.New("pq: internal details leak"))
		require.NotNil(t, got)
		assert.NotContains(t, got.Message, "pq:")
	})
}

func TestStatusError_Payload(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	payload := service.ErrAuthorizationDenied.Payload(now)

	assert.Equal(t, service.CodeAuthorizationDenied, payload.Code)
	assert.Equal(t, now, payload.Timestamp)
}
