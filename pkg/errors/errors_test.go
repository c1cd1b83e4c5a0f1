package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeOf(t *testing.T) {
	base := stderrors.New("boom")

	tests := []struct {
		name string
		err  error
		want ErrorType
	}{
		{"nil", nil, ""},
		{"plain", base, ErrorTypeUnknown},
		{"storage", Storage("write_batch", base), ErrorTypeStorage},
		{"wrapped transient", fmt.Errorf("fetch: %w", Transient("fetch_page", base)), ErrorTypeTransient},
		{"throttle", Throttle("fetch_page", 5*time.Second, nil), ErrorTypeThrottle},
		{"canceled", fmt.Errorf("loop: %w", context.Canceled), ErrorTypeCanceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TypeOf(tt.err))
		})
	}
}

func TestRetryAfter(t *testing.T) {
	err := fmt.Errorf("page: %w", Throttle("fetch_page", 5*time.Second, nil))

	d, ok := RetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d)

	_, ok = RetryAfter(Transient("fetch_page", stderrors.New("reset")))
	assert.False(t, ok)
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	cause := stderrors.New("disk full")
	err := WithChannel(Storage("write_batch", cause), "pharma_news")

	assert.Equal(t, "storage error in write_batch (channel pharma_news): disk full", err.Error())
	assert.True(t, stderrors.Is(err, cause))
	assert.Nil(t, Wrap(ErrorTypeStorage, "noop", nil))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrorTypeThrottle))
	assert.True(t, IsRetryable(ErrorTypeTransient))
	assert.False(t, IsRetryable(ErrorTypeStorage))
	assert.False(t, IsRetryable(ErrorTypeData))
	assert.False(t, IsRetryable(ErrorTypeAccess))
	assert.False(t, IsRetryable(ErrorTypeUnknown))
}
