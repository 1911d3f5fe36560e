package ports

import "torrentcast/internal/domain"

type Session interface {
	ID() domain.SessionID
	Name() string
	Files() []domain.FileRef
	// Stream opens a fresh reader over one file. Reads block until the
	// requested bytes have been downloaded.
	Stream(fileIndex int) (StreamReader, error)
	Stats() domain.SessionStats
	Pause() error
	Unpause() error
	// PurgeData deletes downloaded bytes but keeps the session's bookkeeping.
	PurgeData() error
	Delete(purge bool) error
}
