package app

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const defaultStorageScanTTL = 30 * time.Second

type StorageUsage struct {
	DataDir string `json:"dataDir"`
	Exists  bool   `json:"exists"`
	// SizeBytes is the apparent size; AllocatedBytes counts only blocks
	// on disk, which stays low for sparse, partially downloaded files.
	SizeBytes      int64     `json:"sizeBytes"`
	AllocatedBytes int64     `json:"allocatedBytes"`
	Files          int       `json:"files"`
	ScannedAt      time.Time `json:"scannedAt"`
}

// StorageScanner walks the data directory at most once per TTL.
type StorageScanner struct {
	dir     string
	skipDir string
	ttl     time.Duration
	now     func() time.Time

	mu   sync.Mutex
	last StorageUsage
}

// NewStorageScanner reports usage of dataDir, excluding stateDir when it
// lives inside it.
func NewStorageScanner(dataDir, stateDir string, ttl time.Duration) *StorageScanner {
	if ttl <= 0 {
		ttl = defaultStorageScanTTL
	}
	return &StorageScanner{
		dir:     filepath.Clean(dataDir),
		skipDir: filepath.Clean(stateDir),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *StorageScanner) Usage() StorageUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.last.ScannedAt.IsZero() && s.now().Sub(s.last.ScannedAt) < s.ttl {
		return s.last
	}
	s.last = scanStorage(s.dir, s.skipDir, s.now().UTC())
	return s.last
}

func scanStorage(dataDir, skipDir string, at time.Time) StorageUsage {
	usage := StorageUsage{DataDir: dataDir, ScannedAt: at}
	if dataDir == "" {
		return usage
	}
	info, err := os.Stat(dataDir)
	if err != nil || !info.IsDir() {
		return usage
	}
	usage.Exists = true

	_ = filepath.WalkDir(dataDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if d.IsDir() {
			if path != dataDir && skipDir != "" && (path == skipDir || strings.HasPrefix(path, skipDir+string(filepath.Separator))) {
				return filepath.SkipDir
			}
			return nil
		}
		fileInfo, err := d.Info()
		if err != nil {
			return nil
		}
		usage.Files++
		usage.SizeBytes += fileInfo.Size()
		usage.AllocatedBytes += allocatedBytes(fileInfo)
		return nil
	})
	return usage
}
