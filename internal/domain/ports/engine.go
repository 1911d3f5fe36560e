package ports

import (
	"context"

	"torrentcast/internal/domain"
)

// Engine manages download sessions. Implementations must be safe for
// concurrent use.
type Engine interface {
	// List fetches the source's metadata without requesting any piece data.
	List(ctx context.Context, src domain.Source) (domain.Listing, error)
	// Add starts (or resumes) a session for src and returns its id. Adding a
	// source that is already managed returns the existing id.
	Add(ctx context.Context, src domain.Source, opts domain.AddOptions) (domain.SessionID, error)
	Get(ctx context.Context, id domain.SessionID) (Session, error)
	Close() error
}
