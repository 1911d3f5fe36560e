package domain

// SessionID is the identifier the download engine assigns to a live session.
type SessionID string

// AddOptions restricts how a source is added to the engine.
type AddOptions struct {
	OnlyFiles []int
	Paused    bool
	Overwrite bool
}

// Listing is the metadata-only view of a source: what it contains, without
// any piece data having been requested.
type Listing struct {
	Name       string    `json:"name"`
	Files      []FileRef `json:"files"`
	TotalBytes int64     `json:"totalBytes"`
}

// SessionStats is a snapshot of engine-side counters for one session.
// ProgressBytes and TotalBytes cover only the selected files.
type SessionStats struct {
	ProgressBytes int64 `json:"progressBytes"`
	TotalBytes    int64 `json:"totalBytes"`
	DownloadSpeed int64 `json:"downloadSpeed"`
	UploadSpeed   int64 `json:"uploadSpeed"`
	Peers         int   `json:"peers"`
	Finished      bool  `json:"finished"`
	// Live is false while the engine is still hashing or verifying pieces.
	Live   bool `json:"live"`
	Paused bool `json:"paused"`
}

func (s SessionStats) ProgressPercent() float64 {
	if s.TotalBytes <= 0 {
		return 0
	}
	p := float64(s.ProgressBytes) / float64(s.TotalBytes) * 100
	if p > 100 {
		return 100
	}
	return p
}
