// Package file persists the paused-session cache as a JSON side-file.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"torrentcast/internal/domain"
)

const DefaultCacheFile = "session_cache.json"

type CacheStore struct {
	path string
	mu   sync.Mutex
}

func NewCacheStore(path string) *CacheStore {
	return &CacheStore{path: path}
}

func (s *CacheStore) Path() string { return s.path }

// Load returns the persisted entries. A missing file is an empty cache.
func (s *CacheStore) Load(ctx context.Context) ([]domain.CachedEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read cache file: %v", domain.ErrIO, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var entries []domain.CachedEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: decode cache file: %v", domain.ErrIO, err)
	}
	return entries, nil
}

// Save replaces the file contents through a temp file and rename.
func (s *CacheStore) Save(ctx context.Context, entries []domain.CachedEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entries == nil {
		entries = []domain.CachedEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("%w: write cache file: %v", domain.ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("%w: sync cache file: %v", domain.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	if err := os.Rename(name, s.path); err != nil {
		os.Remove(name)
		return fmt.Errorf("%w: replace cache file: %v", domain.ErrIO, err)
	}
	return nil
}

// Remove deletes the side-file.
func (s *CacheStore) Remove(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	return nil
}
