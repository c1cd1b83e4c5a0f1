package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tgingest/pkg/cursor"
	"tgingest/pkg/cursor/cursortest"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	cursortest.Run(t, func(t *testing.T) cursor.Store { return openTemp(t) })
}

func TestReopenKeepsCursorsAndSkipsMigrations(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, cursor.Cursor{Channel: "lobelia4cosmetics", LastMessageID: 311}))
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()

	c, err := s.Load(ctx, "lobelia4cosmetics")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, int64(311), c.LastMessageID)
	assert.True(t, c.LastMessageTimestamp.IsZero())
}
