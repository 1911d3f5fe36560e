package domain

import "time"

// HandleID is the client-facing identifier of a registered source. It stays
// stable across engine session churn.
type HandleID int64

type Handle struct {
	ID        HandleID
	Source    Source
	SessionID SessionID
	Listing   Listing
}

func (h Handle) Bound() bool {
	return h.SessionID != ""
}

type HandleState string

const (
	HandlePaused   HandleState = "paused"
	HandleChecking HandleState = "checking"
	HandleLive     HandleState = "live"
)

type HandleInfo struct {
	Handle        HandleID    `json:"handle"`
	SessionID     SessionID   `json:"sessionId,omitempty"`
	Name          string      `json:"name"`
	Title         string      `json:"title,omitempty"`
	TotalSize     int64       `json:"size"`
	Files         []FileRef   `json:"files"`
	Progress      float64     `json:"progress"`
	DownloadSpeed int64       `json:"downloadSpeed"`
	UploadSpeed   int64       `json:"uploadSpeed"`
	Peers         int         `json:"peers"`
	Paused        bool        `json:"isPaused"`
	State         HandleState `json:"state"`
}

// CachedEntry is a paused session whose file data was purged but whose
// engine bookkeeping is kept for a fast resume.
type CachedEntry struct {
	Handle    HandleID  `json:"handle"`
	SessionID SessionID `json:"session_id"`
	SourceURI string    `json:"source_uri"`
	CachedAt  time.Time `json:"cached_at"`
}
