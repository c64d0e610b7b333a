package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Unwrap_PreservesOriginalError(t *testing.T) {
	originalErr := errors.New("original error")

	wrapped := New(KindVectorIndexFailed, "could not open table", originalErr)

	require.NotNil(t, wrapped)
	assert.Equal(t, originalErr, errors.Unwrap(wrapped))
}

func TestError_Error_ReturnsFormattedMessage(t *testing.T) {
	err := New(KindEmbeddingFailed, "provider unavailable", nil)
	assert.Equal(t, "embedding_failed: provider unavailable", err.Error())
}

func TestError_Is_MatchesByKindRegardlessOfMessage(t *testing.T) {
	err1 := New(KindWorkspaceNotFound, "workspace A missing", nil)
	err2 := New(KindWorkspaceNotFound, "workspace B missing", nil)

	assert.True(t, errors.Is(err1, err2))
}

func TestError_Is_DoesNotMatchDifferentKinds(t *testing.T) {
	err1 := New(KindWorkspaceNotFound, "missing", nil)
	err2 := New(KindConfigInvalid, "invalid", nil)

	assert.False(t, errors.Is(err1, err2))
}

func TestError_Is_MatchesSentinelThroughWrapping(t *testing.T) {
	cause := errors.New("timeout")
	err := New(KindEmbeddingFailed, "batch 3 failed", cause)

	assert.True(t, errors.Is(err, ErrEmbeddingFailed))
	assert.False(t, errors.Is(err, ErrRetrieveFailed))
}

func TestError_WithDetail_AddsContext(t *testing.T) {
	err := New(KindVectorIndexFailed, "write failed", nil)

	err = err.WithDetail("tag", "src/main.go:abc123:main")
	err = err.WithDetail("rows", "12")

	assert.Equal(t, "src/main.go:abc123:main", err.Details["tag"])
	assert.Equal(t, "12", err.Details["rows"])
}

func TestRetryable_DerivedFromKind(t *testing.T) {
	tests := []struct {
		kind          Kind
		wantRetryable bool
	}{
		{KindEmbeddingFailed, true},
		{KindVectorIndexFailed, true},
		{KindRetrieveFailed, true},
		{KindWorkerCrashed, true},
		{KindWorkspaceNotFound, false},
		{KindConfigInvalid, false},
		{KindQueryTooLong, false},
		{KindAlreadyIndexing, false},
		{KindCancelled, false},
		{KindInitFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := New(tt.kind, "test message", nil)
			assert.Equal(t, tt.wantRetryable, err.Retryable)
		})
	}
}

func TestWrap_CreatesErrorFromStandardError(t *testing.T) {
	originalErr := errors.New("something went wrong")

	wrapped := Wrap(KindInitFailed, originalErr)

	require.NotNil(t, wrapped)
	assert.Equal(t, KindInitFailed, wrapped.Kind)
	assert.Equal(t, "something went wrong", wrapped.Message)
	assert.Equal(t, originalErr, wrapped.Cause)
}

func TestWrap_NilErrorReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(KindInitFailed, nil))
}

func TestRetryable_ChecksRetryableFlag(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "retryable error",
			err:      New(KindEmbeddingFailed, "timeout", nil),
			expected: true,
		},
		{
			name:     "non-retryable error",
			err:      New(KindWorkspaceNotFound, "not found", nil),
			expected: false,
		},
		{
			name:     "wrapped retryable error",
			err:      Wrap(KindWorkerCrashed, errors.New("exit status 1")),
			expected: true,
		},
		{
			name:     "standard error",
			err:      errors.New("standard error"),
			expected: false,
		},
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Retryable(tt.err))
		})
	}
}

func TestKindOf_ExtractsKindOrEmpty(t *testing.T) {
	assert.Equal(t, KindQueryTooLong, KindOf(New(KindQueryTooLong, "too long", nil)))
	assert.Equal(t, Kind(""), KindOf(errors.New("standard error")))
	assert.Equal(t, Kind(""), KindOf(nil))
}
