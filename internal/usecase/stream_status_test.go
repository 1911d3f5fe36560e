package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"torrentcast/internal/domain"
	"torrentcast/internal/services/torrent/engine/memory"
)

const statusURI = "magnet:?xt=urn:btih:status"

type fakeHandles map[domain.HandleID]domain.Handle

func (f fakeHandles) Handle(h domain.HandleID) (domain.Handle, error) {
	handle, ok := f[h]
	if !ok {
		return domain.Handle{}, fmt.Errorf("%w: %d", domain.ErrHandleNotFound, h)
	}
	return handle, nil
}

type fakeMetadata struct {
	meta domain.MediaMetadata
	ok   bool
}

func (f fakeMetadata) Cached(domain.SessionID, int) (domain.MediaMetadata, bool) {
	return f.meta, f.ok
}

type fakeTranscodes struct {
	attached bool
	state    *domain.TranscodeState
}

func (f fakeTranscodes) Attached(domain.SessionID, int) bool { return f.attached }

func (f fakeTranscodes) Get(domain.SessionID, int) (domain.TranscodeState, bool) {
	if f.state == nil {
		return domain.TranscodeState{}, false
	}
	return *f.state, true
}

func newStatusFixture(t *testing.T) (*memory.Engine, domain.SessionID, StreamStatus) {
	t.Helper()
	engine := memory.New(memory.WithLazyData())
	engine.AddSource(statusURI, memory.Torrent{
		Name: "Movie",
		Files: []memory.File{
			{Path: "Movie/movie.mkv", Size: 8192},
			{Path: "Movie/extra.mkv", Size: 512},
		},
	})
	src, err := domain.ParseSource(statusURI)
	if err != nil {
		t.Fatalf("ParseSource: %v", err)
	}
	sid, err := engine.Add(context.Background(), src, domain.AddOptions{OnlyFiles: []int{0}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	uc := StreamStatus{
		Handles: fakeHandles{
			1: {ID: 1, SessionID: sid},
			2: {ID: 2},
		},
		Engine:     engine,
		ReadyBytes: 1024,
		BaseURL:    "http://media.local/",
	}
	return engine, sid, uc
}

func TestStreamStatusErrors(t *testing.T) {
	_, _, uc := newStatusFixture(t)
	tests := []struct {
		name   string
		handle domain.HandleID
		file   int
		want   error
	}{
		{"unknown handle", 9, 0, domain.ErrHandleNotFound},
		{"not activated", 2, 0, domain.ErrSessionNotFound},
		{"file out of range", 1, 5, domain.ErrFileIndexOutOfRange},
		{"negative file", 1, -1, domain.ErrFileIndexOutOfRange},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := uc.Execute(context.Background(), tc.handle, tc.file)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestStreamStatusInitializingUntilBuffered(t *testing.T) {
	engine, sid, uc := newStatusFixture(t)

	status, err := uc.Execute(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status.Status != domain.StreamInitializing || status.StreamInfo != nil {
		t.Fatalf("status = %+v, want initializing without stream info", status)
	}
	if status.State != domain.DownloadDownloading || status.TotalBytes != 8192 || status.Peers != 4 {
		t.Fatalf("status = %+v", status)
	}

	if err := engine.SetAvailable(sid, 0, 1024); err != nil {
		t.Fatalf("SetAvailable: %v", err)
	}
	status, _ = uc.Execute(context.Background(), 1, 0)
	if status.Status != domain.StreamInitializing {
		t.Fatalf("status at threshold = %q, want initializing", status.Status)
	}

	if err := engine.SetAvailable(sid, 0, 1025); err != nil {
		t.Fatalf("SetAvailable: %v", err)
	}
	status, _ = uc.Execute(context.Background(), 1, 0)
	if status.Status != domain.StreamReady {
		t.Fatalf("status = %q, want ready", status.Status)
	}
	info := status.StreamInfo
	if info == nil {
		t.Fatal("ready status without stream info")
	}
	wantURL := fmt.Sprintf("http://media.local/sessions/%s/stream/0", sid)
	if info.URL != wantURL || info.FileName != "movie.mkv" || info.FileSize != 8192 || info.Metadata != nil {
		t.Fatalf("stream info = %+v, want url %s", info, wantURL)
	}
}

func TestStreamStatusFinishedSmallSelection(t *testing.T) {
	engine, sid, uc := newStatusFixture(t)
	uc.ReadyBytes = 1 << 20
	if err := engine.SetAvailable(sid, 0, 8192); err != nil {
		t.Fatalf("SetAvailable: %v", err)
	}
	status, err := uc.Execute(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status.Status != domain.StreamReady {
		t.Fatalf("status = %q, want ready once finished", status.Status)
	}
}

func TestStreamStatusCheckingState(t *testing.T) {
	engine, sid, uc := newStatusFixture(t)
	if err := engine.SetVerifying(sid, true); err != nil {
		t.Fatalf("SetVerifying: %v", err)
	}
	status, err := uc.Execute(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if status.State != domain.DownloadChecking {
		t.Fatalf("state = %q, want checking", status.State)
	}
}

func TestStreamStatusTranscoding(t *testing.T) {
	engine, sid, uc := newStatusFixture(t)
	if err := engine.SetAvailable(sid, 0, 4096); err != nil {
		t.Fatalf("SetAvailable: %v", err)
	}
	needs := domain.MediaMetadata{
		NeedsAudioTranscoding: true,
		AudioTracks:           []domain.AudioTrack{{Index: 0, Codec: "dts", NeedsTranscoding: true}},
	}
	progress := domain.TranscodeState{Progress: 42}
	failed := domain.TranscodeState{Progress: 5, Err: "exit status 1"}

	tests := []struct {
		name         string
		meta         fakeMetadata
		transcodes   fakeTranscodes
		want         domain.StreamState
		wantProgress *float64
	}{
		{"no metadata yet", fakeMetadata{}, fakeTranscodes{}, domain.StreamReady, nil},
		{"playable audio", fakeMetadata{meta: domain.MediaMetadata{}, ok: true}, fakeTranscodes{}, domain.StreamReady, nil},
		{"needs transcode, nothing attached", fakeMetadata{meta: needs, ok: true}, fakeTranscodes{}, domain.StreamTranscoding, nil},
		{"needs transcode, pipe attached", fakeMetadata{meta: needs, ok: true}, fakeTranscodes{attached: true, state: &progress}, domain.StreamReady, &progress.Progress},
		{"pipe detached stays ready", fakeMetadata{meta: needs, ok: true}, fakeTranscodes{state: &progress}, domain.StreamReady, &progress.Progress},
		{"failed pipe, nothing attached", fakeMetadata{meta: needs, ok: true}, fakeTranscodes{state: &failed}, domain.StreamTranscoding, &failed.Progress},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			uc := uc
			uc.Metadata = tc.meta
			uc.Transcodes = tc.transcodes
			status, err := uc.Execute(context.Background(), 1, 0)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if status.Status != tc.want {
				t.Fatalf("status = %q, want %q", status.Status, tc.want)
			}
			switch {
			case tc.wantProgress == nil && status.TranscodeProgress != nil:
				t.Fatalf("transcodeProgress = %v, want nil", *status.TranscodeProgress)
			case tc.wantProgress != nil && (status.TranscodeProgress == nil || *status.TranscodeProgress != *tc.wantProgress):
				t.Fatalf("transcodeProgress = %v, want %v", status.TranscodeProgress, *tc.wantProgress)
			}
			if tc.meta.ok && (status.StreamInfo == nil || status.StreamInfo.Metadata == nil) {
				t.Fatal("stream info should carry cached metadata")
			}
		})
	}
}

func TestStreamStatusSessionGone(t *testing.T) {
	engine, sid, uc := newStatusFixture(t)
	session, err := engine.Get(context.Background(), sid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := session.Delete(true); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, err = uc.Execute(context.Background(), 1, 0)
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestStreamURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"", "/sessions/abc/stream/2"},
		{"http://h:8080", "http://h:8080/sessions/abc/stream/2"},
		{"http://h:8080///", "http://h:8080/sessions/abc/stream/2"},
	}
	for _, tc := range tests {
		if got := StreamURL(tc.base, "abc", 2); got != tc.want {
			t.Errorf("StreamURL(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
}
