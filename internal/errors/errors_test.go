// Package errors tests for error code definitions and error handling.
package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		appError *AppError
		want     string
	}{
		{
			name:     "without underlying error",
			appError: New(ErrSyncFailed, "push failed"),
			want:     "[SYNC_FAILED] push failed",
		},
		{
			name:     "with underlying error",
			appError: Wrap(ErrGatewayUnreachable, "request failed", stderrors.New("dial tcp: refused")),
			want:     "[GATEWAY_UNREACHABLE] request failed: dial tcp: refused",
		},
		{
			name:     "formatted",
			appError: Newf(ErrNotFound, "reading %s not found", "r-1"),
			want:     "[NOT_FOUND] reading r-1 not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.appError.Error())
		})
	}
}

func TestIs_walksChain(t *testing.T) {
	base := New(ErrAuthFailed, "bad credentials")
	wrapped := fmt.Errorf("login: %w", base)

	assert.True(t, Is(wrapped, ErrAuthFailed))
	assert.False(t, Is(wrapped, ErrNotFound))
	assert.False(t, Is(stderrors.New("plain"), ErrAuthFailed))
	assert.False(t, Is(nil, ErrAuthFailed))
}

func TestUnwrap(t *testing.T) {
	inner := stderrors.New("disk full")
	err := Wrap(ErrDatabase, "put reading", inner)

	assert.ErrorIs(t, err, inner)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrExportFailed, CodeOf(fmt.Errorf("x: %w", New(ErrExportFailed, "boom"))))
	assert.Equal(t, ErrInternal, CodeOf(stderrors.New("plain")))
}
