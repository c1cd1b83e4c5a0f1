package cursor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrRegression is returned by Commit when the new watermark is older than the stored one
var ErrRegression = errors.New("cursor regression")

// Cursor is the per-channel resume watermark
type Cursor struct {
	Channel              string    `json:"channel" db:"channel"`
	LastMessageID        int64     `json:"last_message_id" db:"last_message_id"`
	LastMessageTimestamp time.Time `json:"last_message_timestamp" db:"last_message_ts"`
	UpdatedAt            time.Time `json:"updated_at" db:"updated_at"`
}

// Store persists cursors. Load returns nil, nil when a channel has no progress yet.
// Commit must be atomic and must reject regressions with ErrRegression.
type Store interface {
	Load(ctx context.Context, channel string) (*Cursor, error)
	Commit(ctx context.Context, c Cursor) error
	List(ctx context.Context) ([]Cursor, error)
	Close() error
}

// CheckMonotonic reports ErrRegression when next would move prev backwards
func CheckMonotonic(prev *Cursor, next Cursor) error {
	if prev != nil && next.LastMessageID < prev.LastMessageID {
		return regression(next.Channel, prev.LastMessageID, next.LastMessageID)
	}
	return nil
}

func regression(channel string, stored, got int64) error {
	return fmt.Errorf("%w: channel %s is at %d, refusing %d", ErrRegression, channel, stored, got)
}

func sortCursors(cs []Cursor) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Channel < cs[j].Channel })
}

// MemoryStore keeps cursors in memory. Used for dry runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	cursors map[string]Cursor
	// FailCommit, when set, is returned by every Commit
	FailCommit error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string]Cursor)}
}

func (m *MemoryStore) Load(ctx context.Context, channel string) (*Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[channel]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *MemoryStore) Commit(ctx context.Context, c Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCommit != nil {
		return m.FailCommit
	}
	if prev, ok := m.cursors[c.Channel]; ok {
		if err := CheckMonotonic(&prev, c); err != nil {
			return err
		}
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	m.cursors[c.Channel] = c
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Cursor, 0, len(m.cursors))
	for _, c := range m.cursors {
		out = append(out, c)
	}
	sortCursors(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
