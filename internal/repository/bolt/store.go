// Package bolt is the embedded library store used when no mongo URI is
// configured. Values are JSON documents in one bucket per concern.
package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"torrentcast/internal/domain"
)

const (
	dbFileMode = 0o600
	dbDirMode  = 0o755

	DefaultFile = "library.db"
)

var (
	bucketWatchHistory = []byte("watch_history")
	bucketPreferences  = []byte("preferences")
	bucketSettings     = []byte("settings")

	settingsKey = []byte("app")
)

// Store implements ports.LibraryStore on a single bbolt file.
type Store struct {
	db  *bolt.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultFile
	}
	if err := os.MkdirAll(filepath.Dir(path), dbDirMode); err != nil {
		return nil, fmt.Errorf("%w: create library dir: %v", domain.ErrIO, err)
	}
	db, err := bolt.Open(path, dbFileMode, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open library db: %v", domain.ErrIO, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketWatchHistory, bucketPreferences, bucketSettings} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create buckets: %v", domain.ErrIO, err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close(context.Context) error {
	return s.db.Close()
}

func watchKey(sourceURI string, fileIndex int) []byte {
	return []byte(sourceURI + "\x00" + strconv.Itoa(fileIndex))
}

// Upsert stamps the position with the current time and drops the oldest
// entries beyond domain.WatchHistoryLimit.
func (s *Store) Upsert(ctx context.Context, pos domain.WatchPosition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pos.UpdatedAt = s.now().UTC()
	raw, err := json.Marshal(pos)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWatchHistory)
		if err := b.Put(watchKey(pos.SourceURI, pos.FileIndex), raw); err != nil {
			return err
		}
		all, err := decodePositions(b)
		if err != nil {
			return err
		}
		for _, stale := range overflow(all, domain.WatchHistoryLimit) {
			if err := b.Delete(watchKey(stale.SourceURI, stale.FileIndex)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) List(ctx context.Context, limit int) ([]domain.WatchPosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > domain.WatchHistoryLimit {
		limit = domain.WatchHistoryLimit
	}
	var out []domain.WatchPosition
	err := s.db.View(func(tx *bolt.Tx) error {
		all, err := decodePositions(tx.Bucket(bucketWatchHistory))
		if err != nil {
			return err
		}
		sortRecent(all)
		if len(all) > limit {
			all = all[:limit]
		}
		out = all
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.WatchPosition{}
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, sourceURI string, fileIndex int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWatchHistory).Delete(watchKey(sourceURI, fileIndex))
	})
}

// GetPreference returns the zero preference when none was saved.
func (s *Store) GetPreference(ctx context.Context, sourceURI string) (domain.TrackPreference, error) {
	var pref domain.TrackPreference
	if err := ctx.Err(); err != nil {
		return pref, err
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketPreferences).Get([]byte(sourceURI))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &pref)
	})
	return pref, err
}

func (s *Store) SetPreference(ctx context.Context, sourceURI string, pref domain.TrackPreference) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(sourceURI) == "" {
		return errors.New("source uri is required")
	}
	raw, err := json.Marshal(pref)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPreferences).Put([]byte(sourceURI), raw)
	})
}

func (s *Store) GetSettings(ctx context.Context) (domain.Settings, error) {
	settings := domain.DefaultSettings()
	if err := ctx.Err(); err != nil {
		return settings, err
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSettings).Get(settingsKey)
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &settings)
	})
	return settings, err
}

func (s *Store) SaveSettings(ctx context.Context, settings domain.Settings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put(settingsKey, raw)
	})
}

func decodePositions(b *bolt.Bucket) ([]domain.WatchPosition, error) {
	var out []domain.WatchPosition
	err := b.ForEach(func(_, v []byte) error {
		var pos domain.WatchPosition
		if err := json.Unmarshal(v, &pos); err != nil {
			return err
		}
		out = append(out, pos)
		return nil
	})
	return out, err
}

func sortRecent(positions []domain.WatchPosition) {
	sort.SliceStable(positions, func(i, j int) bool {
		return positions[i].UpdatedAt.After(positions[j].UpdatedAt)
	})
}

func overflow(positions []domain.WatchPosition, keep int) []domain.WatchPosition {
	if len(positions) <= keep {
		return nil
	}
	sortRecent(positions)
	return positions[keep:]
}
