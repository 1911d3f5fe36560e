package media

import (
	"context"
	"testing"

	"torrentcast/internal/domain"
	"torrentcast/internal/services/torrent/engine/memory"
)

const testURI = "magnet:?xt=urn:btih:media"

func newTestEngine(t *testing.T, files []memory.File, opts ...memory.Option) (*memory.Engine, domain.SessionID) {
	t.Helper()
	eng := memory.New(opts...)
	eng.AddSource(testURI, memory.Torrent{Name: "Movie", Files: files})
	src, err := domain.ParseSource(testURI)
	if err != nil {
		t.Fatalf("ParseSource: %v", err)
	}
	sid, err := eng.Add(context.Background(), src, domain.AddOptions{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng, sid
}
