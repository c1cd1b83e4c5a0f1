package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	errs "tgingest/pkg/errors"
)

// Assets stores photo payloads as <data_dir>/images/<channel>/<message_id>.jpg
type Assets struct {
	dataDir string
}

// NewAssets prepares the images directory under dataDir
func NewAssets(dataDir string) (*Assets, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, imagesDir), 0755); err != nil {
		return nil, errs.Storage("open_assets", fmt.Errorf("failed to create images directory: %w", err))
	}
	return &Assets{dataDir: dataDir}, nil
}

// Path returns the canonical location of an asset
func (a *Assets) Path(channel string, messageID int64) string {
	return filepath.Join(a.dataDir, filepath.FromSlash(AssetRelPath(channel, messageID)))
}

// Exists reports whether a non-empty asset is stored. Empty files count as missing.
func (a *Assets) Exists(channel string, messageID int64) bool {
	info, err := os.Stat(a.Path(channel, messageID))
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// Write copies r to the canonical path through a temporary file
func (a *Assets) Write(ctx context.Context, channel string, messageID int64, r io.Reader) (string, bool, error) {
	path := a.Path(channel, messageID)
	if a.Exists(channel, messageID) {
		return path, false, nil
	}
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", false, errs.WithChannel(errs.Storage("write_asset", fmt.Errorf("failed to create asset directory: %w", err)), channel)
	}

	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".%d-*.tmp", messageID))
	if err != nil {
		return "", false, errs.WithChannel(errs.Storage("write_asset", fmt.Errorf("failed to create temp file: %w", err)), channel)
	}
	tempPath := tmp.Name()

	n, err := io.Copy(tmp, r)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tempPath)
		return "", false, errs.WithChannel(errs.Storage("write_asset", fmt.Errorf("failed to write asset: %w", err)), channel)
	}
	if n == 0 {
		os.Remove(tempPath)
		e := errs.Data("write_asset", fmt.Sprintf("empty payload for message %d", messageID))
		e.Channel = channel
		return "", false, e
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return "", false, errs.WithChannel(errs.Storage("write_asset", fmt.Errorf("failed to move asset into place: %w", err)), channel)
	}
	return path, true, nil
}
