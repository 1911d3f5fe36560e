package ports

import (
	"context"

	"torrentcast/internal/domain"
)

// CacheStore persists the paused-session cache so it survives restarts.
type CacheStore interface {
	Load(ctx context.Context) ([]domain.CachedEntry, error)
	Save(ctx context.Context, entries []domain.CachedEntry) error
}

type WatchHistoryStore interface {
	Upsert(ctx context.Context, pos domain.WatchPosition) error
	List(ctx context.Context, limit int) ([]domain.WatchPosition, error)
	Delete(ctx context.Context, sourceURI string, fileIndex int) error
}

type TrackPreferenceStore interface {
	GetPreference(ctx context.Context, sourceURI string) (domain.TrackPreference, error)
	SetPreference(ctx context.Context, sourceURI string, pref domain.TrackPreference) error
}

type SettingsStore interface {
	GetSettings(ctx context.Context) (domain.Settings, error)
	SaveSettings(ctx context.Context, s domain.Settings) error
}

// LibraryStore bundles the small per-user stores behind one backend.
type LibraryStore interface {
	WatchHistoryStore
	TrackPreferenceStore
	SettingsStore
	Close(ctx context.Context) error
}
