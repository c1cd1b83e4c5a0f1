// Package cursortest holds the behavior every cursor.Store backend must share.
package cursortest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tgingest/pkg/cursor"
)

// Run exercises a fresh store returned by newStore
func Run(t *testing.T, newStore func(t *testing.T) cursor.Store) {
	ctx := context.Background()
	ts := time.Date(2024, 3, 10, 8, 30, 0, 0, time.UTC)

	t.Run("absent channel", func(t *testing.T) {
		s := newStore(t)
		c, err := s.Load(ctx, "pharma_news")
		require.NoError(t, err)
		assert.Nil(t, c)
	})

	t.Run("commit then load", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Commit(ctx, cursor.Cursor{Channel: "pharma_news", LastMessageID: 103, LastMessageTimestamp: ts}))

		c, err := s.Load(ctx, "pharma_news")
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, int64(103), c.LastMessageID)
		assert.True(t, ts.Equal(c.LastMessageTimestamp), "timestamp %v", c.LastMessageTimestamp)
		assert.False(t, c.UpdatedAt.IsZero())
	})

	t.Run("monotonic", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Commit(ctx, cursor.Cursor{Channel: "a", LastMessageID: 50, LastMessageTimestamp: ts}))
		require.NoError(t, s.Commit(ctx, cursor.Cursor{Channel: "a", LastMessageID: 50, LastMessageTimestamp: ts}), "equal id is idempotent")

		err := s.Commit(ctx, cursor.Cursor{Channel: "a", LastMessageID: 49, LastMessageTimestamp: ts})
		assert.ErrorIs(t, err, cursor.ErrRegression)

		c, err := s.Load(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, int64(50), c.LastMessageID)

		require.NoError(t, s.Commit(ctx, cursor.Cursor{Channel: "a", LastMessageID: 75, LastMessageTimestamp: ts.Add(time.Hour)}))
		c, err = s.Load(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, int64(75), c.LastMessageID)
	})

	t.Run("channels are independent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Commit(ctx, cursor.Cursor{Channel: "b", LastMessageID: 900, LastMessageTimestamp: ts}))
		require.NoError(t, s.Commit(ctx, cursor.Cursor{Channel: "a", LastMessageID: 5, LastMessageTimestamp: ts}))

		list, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "a", list[0].Channel)
		assert.Equal(t, int64(5), list[0].LastMessageID)
		assert.Equal(t, "b", list[1].Channel)
	})
}
