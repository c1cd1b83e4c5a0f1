package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	errs "tgingest/pkg/errors"
	"tgingest/pkg/logger"
	"tgingest/pkg/models"
)

// Manager is the file-backed Writer: one file per (ingestion date, channel)
type Manager struct {
	dataDir string
	codec   codec
	assets  *Assets
	logger  logger.Logger

	mu sync.Mutex
	// ids holds every message id already stored per channel, across all partitions
	ids   map[string]map[int64]struct{}
	locks map[string]*sync.Mutex
}

// NewManager opens a partitioned store rooted at dataDir using the json or parquet sink
func NewManager(dataDir, sink string, log logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	c, err := codecFor(sink)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeConfig, "open_storage", err)
	}
	if err := os.MkdirAll(filepath.Join(dataDir, messagesDir), 0755); err != nil {
		return nil, errs.Storage("open_storage", fmt.Errorf("failed to create data directory: %w", err))
	}
	assets, err := NewAssets(dataDir)
	if err != nil {
		return nil, err
	}

	return &Manager{
		dataDir: dataDir,
		codec:   c,
		assets:  assets,
		logger:  log.WithFields(map[string]interface{}{"component": "storage", "sink": c.ext()[1:]}),
		ids:     make(map[string]map[int64]struct{}),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// PartitionPath returns the file holding a channel's records for one ingestion date
func (m *Manager) PartitionPath(channel string, partition time.Time) string {
	return filepath.Join(m.dataDir, messagesDir, PartitionDate(partition), SafeName(channel)+m.codec.ext())
}

func (m *Manager) channelLock(channel string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[channel]
	if !ok {
		l = &sync.Mutex{}
		m.locks[channel] = l
	}
	return l
}

// channelIDs returns the id set of a channel, scanning every partition on first use.
// Callers hold the channel lock.
func (m *Manager) channelIDs(channel string) (map[int64]struct{}, error) {
	m.mu.Lock()
	ids, ok := m.ids[channel]
	m.mu.Unlock()
	if ok {
		return ids, nil
	}

	ids = make(map[int64]struct{})
	root := filepath.Join(m.dataDir, messagesDir)
	entries, err := os.ReadDir(root)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	name := SafeName(channel) + m.codec.ext()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(root, entry.Name(), name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		records, err := m.codec.decode(path)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			ids[r.MessageID] = struct{}{}
		}
	}

	m.mu.Lock()
	m.ids[channel] = ids
	m.mu.Unlock()

	m.logger.DebugWithFields("Indexed existing messages", map[string]interface{}{
		"channel":  channel,
		"messages": len(ids),
	})
	return ids, nil
}

// WriteBatch merges new records into the partition file and rewrites it atomically
func (m *Manager) WriteBatch(ctx context.Context, channel string, partition time.Time, records []models.MessageRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	lock := m.channelLock(channel)
	lock.Lock()
	defer lock.Unlock()

	ids, err := m.channelIDs(channel)
	if err != nil {
		return 0, errs.WithChannel(errs.Storage("write_batch", err), channel)
	}

	fresh := make([]models.MessageRecord, 0, len(records))
	batch := make(map[int64]struct{}, len(records))
	for _, r := range records {
		if _, ok := ids[r.MessageID]; ok {
			continue
		}
		if _, ok := batch[r.MessageID]; ok {
			continue
		}
		batch[r.MessageID] = struct{}{}
		fresh = append(fresh, r)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	path := m.PartitionPath(channel, partition)
	existing, err := m.readPartition(path)
	if err != nil {
		return 0, errs.WithChannel(errs.Storage("write_batch", err), channel)
	}

	merged := append(existing, fresh...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].MessageID < merged[j].MessageID })

	if err := m.writePartition(path, merged); err != nil {
		return 0, errs.WithChannel(errs.Storage("write_batch", err), channel)
	}
	for id := range batch {
		ids[id] = struct{}{}
	}

	m.logger.DebugWithFields("Batch written", map[string]interface{}{
		"channel": channel,
		"path":    path,
		"written": len(fresh),
		"total":   len(merged),
	})
	return len(fresh), nil
}

func (m *Manager) readPartition(path string) ([]models.MessageRecord, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return m.codec.decode(path)
}

func (m *Manager) writePartition(path string, records []models.MessageRecord) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create partition directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tempPath := tmp.Name()

	err = m.codec.encode(tmp, records)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write partition: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace partition: %w", err)
	}
	return nil
}

// ReadPartition returns the records stored for a channel on one ingestion date
func (m *Manager) ReadPartition(channel string, partition time.Time) ([]models.MessageRecord, error) {
	records, err := m.readPartition(m.PartitionPath(channel, partition))
	if err != nil {
		return nil, errs.WithChannel(errs.Storage("read_partition", err), channel)
	}
	return records, nil
}

func (m *Manager) WriteAsset(ctx context.Context, channel string, messageID int64, r io.Reader) (string, bool, error) {
	return m.assets.Write(ctx, channel, messageID, r)
}

func (m *Manager) HasAsset(channel string, messageID int64) bool {
	return m.assets.Exists(channel, messageID)
}

// DataDir returns the root directory
func (m *Manager) DataDir() string {
	return m.dataDir
}

func (m *Manager) Close() error { return nil }
