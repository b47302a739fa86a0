package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPassLockerWithoutRedisRunsUnguarded(t *testing.T) {
	l := NewPassLocker(nil, zap.NewNop())
	assert.False(t, l.Enabled())

	calls := 0
	ran, err := l.Run(context.Background(), "dispatch_actions", time.Minute, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, calls)
}

func TestPassLockerPropagatesErrors(t *testing.T) {
	l := NewPassLocker(nil, zap.NewNop())
	boom := errors.New("boom")

	_, err := l.Run(context.Background(), "k", time.Minute, func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	_, err = l.Run(context.Background(), "", time.Minute, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrLockKeyEmpty)
}
