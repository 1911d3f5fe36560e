package bolt

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"torrentcast/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "library.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

// tick returns a clock that advances one second per call.
func tick() func() time.Time {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
}

func TestWatchHistoryUpsertAndList(t *testing.T) {
	s := openTestStore(t)
	s.now = tick()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		pos := domain.WatchPosition{SourceURI: "magnet:?xt=urn:btih:a", FileIndex: i, Position: float64(i * 10)}
		if err := s.Upsert(ctx, pos); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
	}
	// Touching file 0 again moves it to the front.
	if err := s.Upsert(ctx, domain.WatchPosition{SourceURI: "magnet:?xt=urn:btih:a", FileIndex: 0, Position: 99}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].FileIndex != 0 || got[0].Position != 99 {
		t.Fatalf("first = %+v, want file 0 at 99", got[0])
	}
	if got[1].FileIndex != 2 || got[2].FileIndex != 1 {
		t.Fatalf("order = %d,%d, want 2,1", got[1].FileIndex, got[2].FileIndex)
	}

	limited, err := s.List(ctx, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("len = %d, want 2", len(limited))
	}
}

func TestWatchHistoryTrimsOldest(t *testing.T) {
	s := openTestStore(t)
	s.now = tick()
	ctx := context.Background()

	total := domain.WatchHistoryLimit + 5
	for i := 0; i < total; i++ {
		uri := fmt.Sprintf("magnet:?xt=urn:btih:%d", i)
		if err := s.Upsert(ctx, domain.WatchPosition{SourceURI: uri}); err != nil {
			t.Fatalf("Upsert %d: %v", i, err)
		}
	}
	got, err := s.List(ctx, 100)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != domain.WatchHistoryLimit {
		t.Fatalf("len = %d, want %d", len(got), domain.WatchHistoryLimit)
	}
	want := fmt.Sprintf("magnet:?xt=urn:btih:%d", total-1)
	if got[0].SourceURI != want {
		t.Fatalf("newest = %q, want %q", got[0].SourceURI, want)
	}
	for _, pos := range got {
		if pos.SourceURI == "magnet:?xt=urn:btih:0" {
			t.Fatal("oldest entry should have been trimmed")
		}
	}
}

func TestWatchHistoryDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Upsert(ctx, domain.WatchPosition{SourceURI: "u", FileIndex: 1}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := s.Delete(ctx, "u", 1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, "u", 1); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	got, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("List = %#v, want empty non-nil", got)
	}
}

func TestPreferences(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	pref, err := s.GetPreference(ctx, "missing")
	if err != nil {
		t.Fatalf("GetPreference: %v", err)
	}
	if pref.AudioTrackIndex != nil || pref.SubtitleTrackIndex != nil || pref.SubtitleLanguage != "" {
		t.Fatalf("missing preference = %+v, want zero", pref)
	}

	audio := 2
	want := domain.TrackPreference{AudioTrackIndex: &audio, SubtitleLanguage: "eng"}
	if err := s.SetPreference(ctx, "magnet:?xt=urn:btih:a", want); err != nil {
		t.Fatalf("SetPreference: %v", err)
	}
	got, err := s.GetPreference(ctx, "magnet:?xt=urn:btih:a")
	if err != nil {
		t.Fatalf("GetPreference: %v", err)
	}
	if got.AudioTrackIndex == nil || *got.AudioTrackIndex != 2 || got.SubtitleTrackIndex != nil || got.SubtitleLanguage != "eng" {
		t.Fatalf("preference = %+v", got)
	}

	if err := s.SetPreference(ctx, " ", want); err == nil {
		t.Fatal("expected error for empty source uri")
	}
}

func TestSettingsDefaultsAndSave(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got != domain.DefaultSettings() {
		t.Fatalf("settings = %+v, want defaults", got)
	}

	custom := domain.Settings{ExternalPlayer: "mpv", ClearCacheAfterWatch: true}
	if err := s.SaveSettings(ctx, custom); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	got, err = s.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got != custom {
		t.Fatalf("settings = %+v, want %+v", got, custom)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "library.db")
	ctx := context.Background()

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SaveSettings(ctx, domain.Settings{ExternalPlayer: "iina"}); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close(ctx)
	got, err := s.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got.ExternalPlayer != "iina" {
		t.Fatalf("player = %q, want iina", got.ExternalPlayer)
	}
}

func TestCanceledContext(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Upsert(ctx, domain.WatchPosition{SourceURI: "u"}); err == nil {
		t.Fatal("expected context error")
	}
}
