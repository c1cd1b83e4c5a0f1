package cursor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	errs "tgingest/pkg/errors"
	"tgingest/pkg/logger"
)

// stateFile is the on-disk layout: {"channels": {"name": {...}}}
type stateFile struct {
	Channels map[string]fileEntry `json:"channels"`
}

type fileEntry struct {
	LastMessageID        int64     `json:"last_message_id"`
	LastMessageTimestamp time.Time `json:"last_message_timestamp,omitempty"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// FileStore keeps every channel's cursor in one JSON file, rewritten atomically on each commit
type FileStore struct {
	path   string
	logger logger.Logger

	mu    sync.Mutex
	state stateFile
}

// NewFileStore opens (or prepares) the state file at path and keeps a .backup copy of the previous contents
func NewFileStore(path string, log logger.Logger) (*FileStore, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errs.Storage("open_state", fmt.Errorf("failed to create state directory: %w", err))
	}

	fs := &FileStore{
		path:   path,
		logger: log.WithField("component", "cursor.file"),
		state:  stateFile{Channels: make(map[string]fileEntry)},
	}
	if err := fs.read(); err != nil {
		return nil, err
	}
	if err := fs.backup(); err != nil {
		fs.logger.WithError(err).Warn("Could not back up state file")
	}

	fs.logger.InfoWithFields("State loaded", map[string]interface{}{
		"path":     path,
		"channels": len(fs.state.Channels),
	})
	return fs, nil
}

func (f *FileStore) read() error {
	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.Storage("open_state", fmt.Errorf("failed to open state file: %w", err))
	}
	defer file.Close()

	var st stateFile
	if err := json.NewDecoder(file).Decode(&st); err != nil {
		if err == io.EOF {
			return nil
		}
		return errs.Storage("open_state", fmt.Errorf("failed to decode state file %s: %w", f.path, err))
	}
	if st.Channels != nil {
		f.state = st
	}
	return nil
}

func (f *FileStore) backup() error {
	src, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer src.Close()

	dst, err := os.Create(f.path + ".backup")
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("failed to copy state to backup: %w", err)
	}
	return nil
}

func (f *FileStore) Load(ctx context.Context, channel string) (*Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.state.Channels[channel]
	if !ok {
		return nil, nil
	}
	return &Cursor{
		Channel:              channel,
		LastMessageID:        e.LastMessageID,
		LastMessageTimestamp: e.LastMessageTimestamp,
		UpdatedAt:            e.UpdatedAt,
	}, nil
}

// Commit rewrites the whole file; the in-memory view only changes once the rename succeeded
func (f *FileStore) Commit(ctx context.Context, c Cursor) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if prev, ok := f.state.Channels[c.Channel]; ok && c.LastMessageID < prev.LastMessageID {
		return regression(c.Channel, prev.LastMessageID, c.LastMessageID)
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}

	next := stateFile{Channels: make(map[string]fileEntry, len(f.state.Channels)+1)}
	for k, v := range f.state.Channels {
		next.Channels[k] = v
	}
	next.Channels[c.Channel] = fileEntry{
		LastMessageID:        c.LastMessageID,
		LastMessageTimestamp: c.LastMessageTimestamp.UTC(),
		UpdatedAt:            c.UpdatedAt.UTC(),
	}

	if err := f.write(next); err != nil {
		return errs.WithChannel(errs.Storage("commit_cursor", err), c.Channel)
	}
	f.state = next

	f.logger.DebugWithFields("Cursor committed", map[string]interface{}{
		"channel":         c.Channel,
		"last_message_id": c.LastMessageID,
	})
	return nil
}

func (f *FileStore) write(st stateFile) error {
	tempPath := f.path + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temporary state file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(st); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to encode state: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tempPath, f.path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func (f *FileStore) List(ctx context.Context) ([]Cursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Cursor, 0, len(f.state.Channels))
	for name, e := range f.state.Channels {
		out = append(out, Cursor{
			Channel:              name,
			LastMessageID:        e.LastMessageID,
			LastMessageTimestamp: e.LastMessageTimestamp,
			UpdatedAt:            e.UpdatedAt,
		})
	}
	sortCursors(out)
	return out, nil
}

func (f *FileStore) Close() error { return nil }
