package domain

import "time"

type WatchPosition struct {
	SourceURI string    `json:"sourceUri"`
	FileIndex int       `json:"fileIndex"`
	Position  float64   `json:"position"`
	Duration  float64   `json:"duration"`
	Title     string    `json:"title"`
	FilePath  string    `json:"filePath"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// WatchHistoryLimit caps how many recent positions a store keeps.
const WatchHistoryLimit = 20

type TrackPreference struct {
	AudioTrackIndex    *int   `json:"audioTrackIndex,omitempty"`
	SubtitleTrackIndex *int   `json:"subtitleTrackIndex,omitempty"`
	SubtitleLanguage   string `json:"subtitleLanguage,omitempty"`
}

type Settings struct {
	ExternalPlayer       string `json:"externalPlayer"`
	RememberPreferences  bool   `json:"rememberPreferences"`
	ShowSkipPrompts      bool   `json:"showSkipPrompts"`
	HideRecommendations  bool   `json:"hideRecommendations"`
	ClearCacheAfterWatch bool   `json:"clearCacheAfterWatch"`
	CheckForUpdates      bool   `json:"checkForUpdates"`
}

func DefaultSettings() Settings {
	return Settings{
		ExternalPlayer:      "vlc",
		RememberPreferences: true,
		ShowSkipPrompts:     true,
		CheckForUpdates:     true,
	}
}

type FontInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Hash string `json:"hash"`
}
