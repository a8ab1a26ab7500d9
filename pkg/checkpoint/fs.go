/*
Copyright 2024 The Tideflow Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	checkpointPrefix = "checkpoint-"
	checkpointSuffix = ".tf"
	tmpSuffix        = ".tmp"
)

// FSStore commits checkpoints to a directory on the local file system. Each
// epoch is written to a temp file, fsynced, and renamed into place; rename is
// atomic on POSIX file systems, so a crash mid-commit leaves the previous
// checkpoint intact. Only the latest checkpoint is retained, older epochs are
// garbage-collected after a successful put.
type FSStore struct {
	dir string
}

var _ Store = (*FSStore)(nil)

// NewFSStore returns a file system backed Store rooted at dir, creating the
// directory if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir %s: %w", dir, err)
	}
	return &FSStore{dir: dir}, nil
}

func (f *FSStore) path(epoch int64) string {
	return filepath.Join(f.dir, fmt.Sprintf("%s%020d%s", checkpointPrefix, epoch, checkpointSuffix))
}

// PutAtomic durably writes the checkpoint for the epoch.
func (f *FSStore) PutAtomic(_ context.Context, epoch int64, blob []byte) error {
	final := f.path(epoch)
	tmp := final + tmpSuffix

	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint temp file: %w", err)
	}
	if _, err = file.Write(blob); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err = file.Sync(); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err = file.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err = os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	// the new checkpoint is durable, older epochs can go
	f.gc(epoch)
	return nil
}

// GetLatest returns the blob of the highest committed epoch.
func (f *FSStore) GetLatest(_ context.Context) (int64, []byte, error) {
	epoch, path, err := f.latest()
	if err != nil {
		return 0, nil, err
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}
	return epoch, blob, nil
}

// Close is a no-op for the file system store.
func (f *FSStore) Close() error {
	return nil
}

func (f *FSStore) latest() (int64, string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return 0, "", fmt.Errorf("failed to list checkpoint dir: %w", err)
	}
	var (
		best     int64
		bestPath string
	)
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, checkpointPrefix) || !strings.HasSuffix(name, checkpointSuffix) {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(name, checkpointPrefix), checkpointSuffix)
		epoch, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if epoch > best {
			best = epoch
			bestPath = filepath.Join(f.dir, name)
		}
	}
	if bestPath == "" {
		return 0, "", ErrNotFound
	}
	return best, bestPath, nil
}

func (f *FSStore) gc(latest int64) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, checkpointPrefix) {
			continue
		}
		if strings.HasSuffix(name, tmpSuffix) {
			_ = os.Remove(filepath.Join(f.dir, name))
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(name, checkpointPrefix), checkpointSuffix)
		if epoch, err := strconv.ParseInt(raw, 10, 64); err == nil && epoch < latest {
			_ = os.Remove(filepath.Join(f.dir, name))
		}
	}
}
