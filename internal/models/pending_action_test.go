package models

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingAction_StateMachine(t *testing.T) {
	action := &PendingAction{
		Status:      ActionStatusPending,
		MaxAttempts: 3,
	}
	require.True(t, action.IsRunnable())

	action.RecordFailure(errors.New("connection reset"))
	assert.Equal(t, ActionStatusRetry, action.Status)
	assert.Equal(t, 1, action.AttemptCount)
	assert.Equal(t, "connection reset", action.LastError)
	assert.NotNil(t, action.LastAttemptAt)
	assert.True(t, action.IsRunnable())

	action.RecordFailure(errors.New("connection reset"))
	assert.Equal(t, ActionStatusRetry, action.Status)
	assert.True(t, action.IsRunnable())

	action.RecordFailure(errors.New("connection reset"))
	assert.Equal(t, ActionStatusFailed, action.Status)
	assert.Equal(t, 3, action.AttemptCount)
	assert.False(t, action.IsRunnable())
}

func TestPendingAction_FailedIsTerminal(t *testing.T) {
	action := &PendingAction{
		Status:       ActionStatusFailed,
		AttemptCount: 3,
		MaxAttempts:  3,
	}
	assert.False(t, action.IsRunnable())
}

func TestPendingAction_ErrorTruncated(t *testing.T) {
	action := &PendingAction{Status: ActionStatusPending, MaxAttempts: 3}
	action.RecordFailure(errors.New(strings.Repeat("x", 600)))

	assert.Len(t, action.LastError, 500)
}

func TestPendingAction_PayloadRoundTrip(t *testing.T) {
	type payload struct {
		Read bool `json:"read"`
	}

	action := &PendingAction{}
	require.NoError(t, action.SetPayload(payload{Read: true}))

	var decoded payload
	require.NoError(t, action.GetPayload(&decoded))
	assert.True(t, decoded.Read)

	// 空载荷解析为零值
	empty := &PendingAction{}
	var zero payload
	require.NoError(t, empty.GetPayload(&zero))
	assert.False(t, zero.Read)
}
