package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Wrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewError(ErrStoreUnavailable, "failed to save run").WithCause(cause).WithRetryable(true)

	assert.Equal(t, ErrStoreUnavailable, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "failed to save run")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestError_Errorf(t *testing.T) {
	err := Errorf(ErrNotFound, "run not found: %s", "run-42")
	require.Error(t, err)
	assert.Equal(t, ErrNotFound, GetErrorCode(err))
	assert.Contains(t, err.Error(), "run-42")
}

func TestIsCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		want bool
	}{
		{"direct match", NewError(ErrStaleApproval, "lost race"), ErrStaleApproval, true},
		{"mismatch", NewError(ErrStaleApproval, "lost race"), ErrNotFound, false},
		{"wrapped in fmt", fmt.Errorf("resolving: %w", NewError(ErrNotPaused, "not paused")), ErrNotPaused, true},
		{"plain error", errors.New("plain"), ErrNotFound, false},
		{"nil", nil, ErrNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsCode(tt.err, tt.code))
		})
	}
}

func TestGetErrorCode_Fallback(t *testing.T) {
	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("untyped")))
}
