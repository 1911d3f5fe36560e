package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"torrentcast/internal/domain"
	"torrentcast/internal/metrics"
	boltstore "torrentcast/internal/repository/bolt"
	"torrentcast/internal/services/session/lifecycle"
	"torrentcast/internal/services/torrent/engine/memory"
	"torrentcast/internal/services/transcode"
	"torrentcast/internal/services/transcode/transcodetest"
)

const (
	testURI     = "magnet:?xt=urn:btih:c9e15763f722f23e98a29decdfae341b98d53056&dn=Movie"
	testBaseURL = "http://media.local"
)

type staticMetadata struct {
	meta domain.MediaMetadata
	ok   bool
	err  error
}

func (s *staticMetadata) Metadata(context.Context, domain.SessionID, int) (domain.MediaMetadata, error) {
	if s.err != nil {
		return domain.MediaMetadata{}, s.err
	}
	return s.meta, nil
}

func (s *staticMetadata) Cached(domain.SessionID, int) (domain.MediaMetadata, bool) {
	return s.meta, s.ok
}

type staticSubtitles struct {
	data []byte
	err  error
}

func (s staticSubtitles) Extract(context.Context, domain.SessionID, int, int) ([]byte, error) {
	return s.data, s.err
}

type testEnv struct {
	engine   *memory.Engine
	manager  *lifecycle.Manager
	meta     *staticMetadata
	pipeline *transcode.Pipeline
	library  *boltstore.Store
	server   *Server
	payload  []byte
}

func moviePayload() []byte {
	out := make([]byte, 4096)
	for i := range out {
		out[i] = byte(i % 253)
	}
	return out
}

func newTestEnv(t *testing.T, opts ...memory.Option) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	payload := moviePayload()

	eng := memory.New(opts...)
	eng.AddSource(testURI, memory.Torrent{
		Name: "Movie.2019.1080p.BluRay.x264",
		Files: []memory.File{
			{Path: "Movie/movie.mkv", Data: payload},
			{Path: "Movie/sample.mp4", Size: 1000},
		},
	})
	t.Cleanup(func() { eng.Close() })

	meta := &staticMetadata{
		meta: domain.MediaMetadata{
			AudioTracks: []domain.AudioTrack{{Index: 0, Codec: "aac", Language: "eng"}},
		},
		ok: true,
	}
	registry := transcode.NewRegistry()
	factory := func(int) transcode.Transform {
		tr := transcodetest.New()
		tr.Stream = true
		return tr
	}
	pipeline := transcode.NewPipeline(eng, factory, registry, meta, transcode.PipelineConfig{Logger: logger})
	t.Cleanup(pipeline.Close)

	library, err := boltstore.Open(filepath.Join(t.TempDir(), "library.db"))
	if err != nil {
		t.Fatalf("open library: %v", err)
	}
	t.Cleanup(func() { library.Close(context.Background()) })

	manager := lifecycle.NewManager(eng, lifecycle.Config{Logger: logger})

	srv := NewServer(eng,
		WithHandles(manager),
		WithMetadata(meta),
		WithSubtitles(staticSubtitles{data: []byte("[Script Info]\nTitle: test\n")}),
		WithTranscoder(pipeline, registry),
		WithLibrary(library),
		WithFontsDir(filepath.Join(t.TempDir(), "fonts")),
		WithPublicBaseURL(testBaseURL+"/"),
		WithLogger(logger),
	)
	t.Cleanup(srv.Close)

	return &testEnv{
		engine:   eng,
		manager:  manager,
		meta:     meta,
		pipeline: pipeline,
		library:  library,
		server:   srv,
		payload:  payload,
	}
}

func (e *testEnv) do(t *testing.T, method, target string, body io.Reader, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) activate(t *testing.T, fileIndex int) (domain.HandleID, domain.SessionID) {
	t.Helper()
	ctx := context.Background()
	h, err := e.manager.Register(ctx, testURI)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	sid, err := e.manager.Activate(ctx, h, fileIndex)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	return h, sid
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env errorEnvelope
	decodeJSON(t, rec, &env)
	return env.Error.Code
}

// ---- session endpoints ----

func TestStreamServesWholeFile(t *testing.T) {
	env := newTestEnv(t)
	_, sid := env.activate(t, 0)

	rec := env.do(t, http.MethodGet, "/sessions/"+string(sid)+"/stream/0", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Fatalf("Accept-Ranges = %q", got)
	}
	if got := rec.Header().Get("Content-Length"); got != "4096" {
		t.Fatalf("Content-Length = %q, want 4096", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), env.payload) {
		t.Fatal("body does not match file contents")
	}
}

func TestStreamRanges(t *testing.T) {
	env := newTestEnv(t)
	_, sid := env.activate(t, 0)
	target := "/sessions/" + string(sid) + "/stream/0"

	tests := []struct {
		name        string
		rangeHeader string
		wantStatus  int
		wantRange   string
		wantStart   int
		wantEnd     int
	}{
		{"prefix", "bytes=0-99", http.StatusPartialContent, "bytes 0-99/4096", 0, 99},
		{"middle", "bytes=1000-1999", http.StatusPartialContent, "bytes 1000-1999/4096", 1000, 1999},
		{"open ended", "bytes=4000-", http.StatusPartialContent, "bytes 4000-4095/4096", 4000, 4095},
		{"suffix", "bytes=-100", http.StatusPartialContent, "bytes 3996-4095/4096", 3996, 4095},
		{"end clamped", "bytes=4090-9999", http.StatusPartialContent, "bytes 4090-4095/4096", 4090, 4095},
		{"past end", "bytes=5000-", http.StatusRequestedRangeNotSatisfiable, "bytes */4096", 0, -1},
		{"zero suffix", "bytes=-0", http.StatusRequestedRangeNotSatisfiable, "bytes */4096", 0, -1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, target, nil, "Range", tc.rangeHeader)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if got := rec.Header().Get("Content-Range"); got != tc.wantRange {
				t.Fatalf("Content-Range = %q, want %q", got, tc.wantRange)
			}
			if tc.wantEnd < 0 {
				return
			}
			want := env.payload[tc.wantStart : tc.wantEnd+1]
			if !bytes.Equal(rec.Body.Bytes(), want) {
				t.Fatalf("body = %d bytes, want %d matching bytes", rec.Body.Len(), len(want))
			}
			if got := rec.Header().Get("Content-Length"); got != strconv.Itoa(len(want)) {
				t.Fatalf("Content-Length = %q, want %d", got, len(want))
			}
		})
	}
}

func TestStreamInvalidRange(t *testing.T) {
	env := newTestEnv(t)
	_, sid := env.activate(t, 0)

	rec := env.do(t, http.MethodGet, "/sessions/"+string(sid)+"/stream/0", nil, "Range", "items=0-1")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStreamHead(t *testing.T) {
	env := newTestEnv(t)
	_, sid := env.activate(t, 1)

	rec := env.do(t, http.MethodHead, "/sessions/"+string(sid)+"/stream/1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Length"); got != "1000" {
		t.Fatalf("Content-Length = %q, want 1000", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "video/mp4" {
		t.Fatalf("Content-Type = %q, want video/mp4", got)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("HEAD wrote %d body bytes", rec.Body.Len())
	}
}

func TestSessionErrors(t *testing.T) {
	env := newTestEnv(t)
	_, sid := env.activate(t, 0)

	tests := []struct {
		name       string
		method     string
		target     string
		wantStatus int
		wantCode   string
	}{
		{"unknown session", http.MethodGet, "/sessions/deadbeef/stream/0", http.StatusNotFound, "not_found"},
		{"file out of range", http.MethodGet, "/sessions/" + string(sid) + "/stream/9", http.StatusNotFound, "file_not_found"},
		{"bad file index", http.MethodGet, "/sessions/" + string(sid) + "/stream/x", http.StatusBadRequest, "invalid_request"},
		{"negative file index", http.MethodGet, "/sessions/" + string(sid) + "/stream/-1", http.StatusBadRequest, "invalid_request"},
		{"bad track", http.MethodGet, "/sessions/" + string(sid) + "/subtitles/0/x", http.StatusBadRequest, "invalid_request"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, tc.method, tc.target, nil)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if got := errorCode(t, rec); got != tc.wantCode {
				t.Fatalf("code = %q, want %q", got, tc.wantCode)
			}
		})
	}

	if rec := env.do(t, http.MethodPost, "/sessions/"+string(sid)+"/stream/0", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST stream status = %d, want 405", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/sessions/"+string(sid)+"/unknown/0", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown action status = %d, want 404", rec.Code)
	}
}

func TestMetadataEndpoint(t *testing.T) {
	env := newTestEnv(t)
	_, sid := env.activate(t, 0)

	rec := env.do(t, http.MethodGet, "/sessions/"+string(sid)+"/metadata/0", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var meta domain.MediaMetadata
	decodeJSON(t, rec, &meta)
	if len(meta.AudioTracks) != 1 || meta.AudioTracks[0].Language != "eng" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}

	env.meta.err = domain.ErrInsufficientData
	rec = env.do(t, http.MethodGet, "/sessions/"+string(sid)+"/metadata/0", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After = %q, want 2", got)
	}
}

func TestSubtitlesEndpoint(t *testing.T) {
	env := newTestEnv(t)
	_, sid := env.activate(t, 0)

	rec := env.do(t, http.MethodGet, "/sessions/"+string(sid)+"/subtitles/0/0", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/x-ssa; charset=utf-8" {
		t.Fatalf("Content-Type = %q", got)
	}
	if !strings.HasPrefix(rec.Body.String(), "[Script Info]") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestAudioStreamEndpoint(t *testing.T) {
	env := newTestEnv(t)
	_, sid := env.activate(t, 0)

	rec := env.do(t, http.MethodGet, "/sessions/"+string(sid)+"/audio-stream/0/0", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "audio/aac" {
		t.Fatalf("Content-Type = %q, want audio/aac", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-cache" {
		t.Fatalf("Cache-Control = %q, want no-cache", got)
	}
	want := append([]byte(transcodetest.Prefix), env.payload...)
	if !bytes.Equal(rec.Body.Bytes(), want) {
		t.Fatalf("body = %d bytes, want %d", rec.Body.Len(), len(want))
	}
}

func TestAudioStreamGrowsWithDownload(t *testing.T) {
	env := newTestEnv(t, memory.WithLazyData())
	h, sid := env.activate(t, 0)
	if err := env.engine.SetAvailable(sid, 0, 1024); err != nil {
		t.Fatalf("SetAvailable: %v", err)
	}
	ts := httptest.NewServer(env.server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sessions/"+string(sid)+"/audio-stream/0/0", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("GET audio-stream: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "audio/aac" {
		t.Fatalf("Content-Type = %q, want audio/aac", got)
	}

	// Each step of the download must reach the client before the next one.
	got := make([]byte, 0, len(transcodetest.Prefix)+len(env.payload))
	avail := int64(1024)
	for {
		want := len(transcodetest.Prefix) + int(avail)
		chunk := make([]byte, want-len(got))
		if _, err := io.ReadFull(resp.Body, chunk); err != nil {
			t.Fatalf("read with %d bytes downloaded: %v", avail, err)
		}
		got = append(got, chunk...)
		if avail == int64(len(env.payload)) {
			break
		}
		avail += 1024
		if err := env.engine.SetAvailable(sid, 0, avail); err != nil {
			t.Fatalf("SetAvailable: %v", err)
		}
	}
	if rest, err := io.ReadAll(resp.Body); err != nil || len(rest) != 0 {
		t.Fatalf("trailing body %d bytes, err %v", len(rest), err)
	}
	want := append([]byte(transcodetest.Prefix), env.payload...)
	if !bytes.Equal(got, want) {
		t.Fatalf("body = %d bytes, want %d", len(got), len(want))
	}

	// Finished pipe: the handle stays ready rather than going back to
	// transcoding.
	env.meta.meta = domain.MediaMetadata{
		AudioTracks:           []domain.AudioTrack{{Index: 0, Codec: "ac3", NeedsTranscoding: true}},
		NeedsAudioTranscoding: true,
	}
	rec := env.do(t, http.MethodGet, "/handles/"+strconv.FormatInt(int64(h), 10)+"/status/0", nil)
	var status domain.StreamStatus
	decodeJSON(t, rec, &status)
	if status.Status != domain.StreamReady {
		t.Fatalf("status after pipe finished = %q, want ready", status.Status)
	}
}

func TestAudioStreamFailsBeforeOutput(t *testing.T) {
	env := newTestEnv(t)
	_, sid := env.activate(t, 0)

	rec := env.do(t, http.MethodGet, "/sessions/"+string(sid)+"/audio-stream/0/5", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", got)
	}
}

// ---- handle endpoints ----

func TestHandleLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/handles", strings.NewReader(`{"uri":"`+testURI+`"}`))
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, want 201 (%s)", rec.Code, rec.Body.String())
	}
	var reg registerResponse
	decodeJSON(t, rec, &reg)
	if reg.Handle != 1 {
		t.Fatalf("handle = %d, want 1", reg.Handle)
	}

	rec = env.do(t, http.MethodGet, "/handles/1/status/0", nil)
	var status domain.StreamStatus
	decodeJSON(t, rec, &status)
	if rec.Code != http.StatusOK || status.Status != domain.StreamInitializing {
		t.Fatalf("status before activation = %d %+v", rec.Code, status)
	}

	rec = env.do(t, http.MethodPost, "/handles/1/activate", strings.NewReader(`{"fileIndex":0}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("activate status = %d (%s)", rec.Code, rec.Body.String())
	}
	var act activateResponse
	decodeJSON(t, rec, &act)
	if act.SessionID != memory.SessionIDFor(testURI) {
		t.Fatalf("sessionId = %q", act.SessionID)
	}

	rec = env.do(t, http.MethodGet, "/handles/1/status/0", nil)
	status = domain.StreamStatus{}
	decodeJSON(t, rec, &status)
	if status.Status != domain.StreamReady {
		t.Fatalf("status after activation = %+v", status)
	}
	wantURL := testBaseURL + "/sessions/" + string(act.SessionID) + "/stream/0"
	if status.StreamInfo == nil || status.StreamInfo.URL != wantURL {
		t.Fatalf("streamInfo = %+v, want url %s", status.StreamInfo, wantURL)
	}
	if status.StreamInfo.FileName != "movie.mkv" || status.StreamInfo.FileSize != 4096 {
		t.Fatalf("streamInfo = %+v", status.StreamInfo)
	}

	if rec := env.do(t, http.MethodPost, "/handles/1/pause", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("pause status = %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/handles/1", nil)
	var info domain.HandleInfo
	decodeJSON(t, rec, &info)
	if !info.Paused || info.State != domain.HandlePaused {
		t.Fatalf("info after pause = %+v", info)
	}
	if !strings.HasPrefix(info.Title, "Movie") || strings.Contains(info.Title, "1080p") {
		t.Fatalf("title = %q, want parsed release title", info.Title)
	}

	if rec := env.do(t, http.MethodPost, "/handles/1/resume", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("resume status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/handles/1/deactivate?purge=true", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("deactivate status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/handles/1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/handles/1", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestHandleStatusTranscoding(t *testing.T) {
	env := newTestEnv(t)
	h, _ := env.activate(t, 0)
	env.meta.meta = domain.MediaMetadata{
		AudioTracks:           []domain.AudioTrack{{Index: 0, Codec: "ac3", NeedsTranscoding: true}},
		NeedsAudioTranscoding: true,
	}

	rec := env.do(t, http.MethodGet, "/handles/"+strconv.FormatInt(int64(h), 10)+"/status/0", nil)
	var status domain.StreamStatus
	decodeJSON(t, rec, &status)
	if status.Status != domain.StreamTranscoding {
		t.Fatalf("status = %q, want transcoding", status.Status)
	}
	if status.StreamInfo == nil || status.StreamInfo.Metadata == nil || !status.StreamInfo.Metadata.NeedsAudioTranscoding {
		t.Fatalf("streamInfo = %+v", status.StreamInfo)
	}
}

func TestHandleRequestErrors(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, 0)

	tests := []struct {
		name       string
		method     string
		target     string
		body       string
		wantStatus int
	}{
		{"missing uri", http.MethodPost, "/handles", `{}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/handles", `{`, http.StatusBadRequest},
		{"unsupported source", http.MethodPost, "/handles", `{"uri":"ftp://example.org/x"}`, http.StatusBadGateway},
		{"unknown source", http.MethodPost, "/handles", `{"uri":"magnet:?xt=urn:btih:0000"}`, http.StatusBadGateway},
		{"invalid id", http.MethodGet, "/handles/abc", ``, http.StatusBadRequest},
		{"unknown handle", http.MethodGet, "/handles/99", ``, http.StatusNotFound},
		{"activate without file", http.MethodPost, "/handles/1/activate", `{}`, http.StatusBadRequest},
		{"activate out of range", http.MethodPost, "/handles/1/activate", `{"fileIndex":7}`, http.StatusNotFound},
		{"bad purge flag", http.MethodDelete, "/handles/1?purge=maybe", ``, http.StatusBadRequest},
		{"unknown action", http.MethodPost, "/handles/1/explode", ``, http.StatusNotFound},
		{"wrong method", http.MethodGet, "/handles/1/pause", ``, http.StatusMethodNotAllowed},
		{"status file out of range", http.MethodGet, "/handles/1/status/5", ``, http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var body io.Reader
			if tc.body != "" {
				body = strings.NewReader(tc.body)
			}
			rec := env.do(t, tc.method, tc.target, body)
			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tc.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestPreferencesKeyedBySource(t *testing.T) {
	env := newTestEnv(t)
	h, _ := env.activate(t, 0)
	target := "/handles/" + strconv.FormatInt(int64(h), 10) + "/preferences"

	rec := env.do(t, http.MethodGet, target, nil)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "{}" {
		t.Fatalf("empty preferences = %d %q", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPut, target, strings.NewReader(`{"audioTrackIndex":1,"subtitleLanguage":"fre"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d", rec.Code)
	}

	pref, err := env.library.GetPreference(context.Background(), testURI)
	if err != nil {
		t.Fatalf("GetPreference: %v", err)
	}
	if pref.AudioTrackIndex == nil || *pref.AudioTrackIndex != 1 || pref.SubtitleLanguage != "fre" {
		t.Fatalf("stored preference = %+v", pref)
	}

	rec = env.do(t, http.MethodPut, target, strings.NewReader(`{"subtitleTrackIndex":-2}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("negative track status = %d, want 400", rec.Code)
	}
}

// ---- library endpoints ----

func TestWatchHistoryEndpoints(t *testing.T) {
	env := newTestEnv(t)

	body := `{"sourceUri":"` + testURI + `","fileIndex":0,"position":120.5,"duration":5400,"title":"Movie","filePath":"Movie/movie.mkv"}`
	if rec := env.do(t, http.MethodPut, "/watch-history", strings.NewReader(body)); rec.Code != http.StatusNoContent {
		t.Fatalf("put status = %d (%s)", rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodGet, "/watch-history?limit=5", nil)
	var positions []domain.WatchPosition
	decodeJSON(t, rec, &positions)
	if len(positions) != 1 || positions[0].Position != 120.5 || positions[0].UpdatedAt.IsZero() {
		t.Fatalf("positions = %+v", positions)
	}

	target := "/watch-history?uri=" + strings.ReplaceAll(testURI, "&", "%26") + "&file=0"
	if rec := env.do(t, http.MethodDelete, target, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d (%s)", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodGet, "/watch-history", nil)
	positions = nil
	decodeJSON(t, rec, &positions)
	if len(positions) != 0 {
		t.Fatalf("positions after delete = %+v", positions)
	}

	tests := []struct {
		name   string
		method string
		target string
		body   string
	}{
		{"bad limit", http.MethodGet, "/watch-history?limit=0", ""},
		{"missing uri", http.MethodPut, "/watch-history", `{"fileIndex":0}`},
		{"negative position", http.MethodPut, "/watch-history", `{"sourceUri":"x","position":-1}`},
		{"delete without uri", http.MethodDelete, "/watch-history?file=0", ""},
		{"delete bad file", http.MethodDelete, "/watch-history?uri=x&file=a", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, tc.method, tc.target, strings.NewReader(tc.body))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestSettingsEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/settings", nil)
	var got domain.Settings
	decodeJSON(t, rec, &got)
	if got != domain.DefaultSettings() {
		t.Fatalf("defaults = %+v", got)
	}

	rec = env.do(t, http.MethodPut, "/settings", strings.NewReader(`{"hideRecommendations":true,"externalPlayer":"mpv"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d", rec.Code)
	}
	want := domain.DefaultSettings()
	want.HideRecommendations = true
	want.ExternalPlayer = "mpv"
	got = domain.Settings{}
	decodeJSON(t, rec, &got)
	if got != want {
		t.Fatalf("merged = %+v, want %+v", got, want)
	}
	stored, err := env.library.GetSettings(context.Background())
	if err != nil || stored != want {
		t.Fatalf("stored = %+v, %v", stored, err)
	}

	rec = env.do(t, http.MethodPut, "/settings", strings.NewReader(`{"externalPlayer":"  "}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty player status = %d, want 400", rec.Code)
	}
}

func TestUnconfiguredServices(t *testing.T) {
	s := NewServer(nil, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer s.Close()

	for _, target := range []string{"/settings", "/watch-history", "/handles", "/handles/1", "/fonts", "/sessions/abc/metadata/0"} {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusNotImplemented {
			t.Fatalf("%s status = %d, want 501", target, rec.Code)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.activate(t, 0)

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var health healthResponse
	decodeJSON(t, rec, &health)
	if health.Status != "ok" || health.Handles != 1 || health.ActiveSessions != 1 {
		t.Fatalf("health = %+v", health)
	}
}

func TestRecordSwarmMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.server.recordSwarmMetrics(context.Background())
	if v := testutil.ToFloat64(metrics.PeersConnected); v != 0 {
		t.Fatalf("peers without sessions = %v, want 0", v)
	}

	env.activate(t, 0)
	env.server.recordSwarmMetrics(context.Background())
	if v := testutil.ToFloat64(metrics.PeersConnected); v != 4 {
		t.Fatalf("peers = %v, want 4", v)
	}
}
