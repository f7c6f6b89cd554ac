// Package checkpoint persists the raw ingested record log to a single JSON
// file. Saves replace the file atomically: the new content is written to a
// sibling temporary file, synced, and renamed over the checkpoint path, so a
// crash mid-write leaves the previous checkpoint intact.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jmerrifield20/freetalk/internal/feed"
	"go.uber.org/zap"
)

// FileStore is a file-backed checkpoint of feed records.
type FileStore struct {
	path   string
	logger *zap.Logger
}

// NewFileStore creates a FileStore writing to path.
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	return &FileStore{path: path, logger: logger}
}

// Path returns the checkpoint file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the checkpoint. A missing or unparseable file yields an empty
// log and a nil error; any other read failure is returned.
func (s *FileStore) Load() ([]feed.Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Info("no checkpoint found, starting empty", zap.String("path", s.path))
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint %s: %w", s.path, err)
	}

	var records []feed.Record
	if err := json.Unmarshal(data, &records); err != nil {
		s.logger.Warn("checkpoint is corrupt, starting empty",
			zap.String("path", s.path),
			zap.Error(err),
		)
		return nil, nil
	}
	return records, nil
}

// Save atomically replaces the checkpoint with records.
func (s *FileStore) Save(records []feed.Record) error {
	if records == nil {
		records = []feed.Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}

	// Make the rename durable. Not every platform supports syncing a
	// directory, so failures here are only logged.
	if dir, err := os.Open(filepath.Dir(s.path)); err == nil {
		if err := dir.Sync(); err != nil {
			s.logger.Debug("checkpoint dir sync", zap.Error(err))
		}
		dir.Close() //nolint:errcheck
	}

	s.logger.Info("checkpoint saved",
		zap.String("path", s.path),
		zap.Int("records", len(records)),
	)
	return nil
}
