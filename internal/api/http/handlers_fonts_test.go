package apihttp

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"torrentcast/internal/domain"
)

func newFontServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "fonts")
	s := NewServer(nil, WithFontsDir(dir), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(s.Close)
	return s, dir
}

func serve(s *Server, method, target string, body io.Reader) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(method, target, body))
	return rec
}

func TestFontUploadListAndFetch(t *testing.T) {
	s, dir := newFontServer(t)
	payload := "not really a font but bytes are bytes"
	sum := md5.Sum([]byte(payload))
	wantHash := hex.EncodeToString(sum[:])

	rec := serve(s, http.MethodGet, "/fonts", nil)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("empty list = %d %q", rec.Code, rec.Body.String())
	}

	rec = serve(s, http.MethodPut, "/fonts/Noto%20Sans.ttf", strings.NewReader(payload))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d (%s)", rec.Code, rec.Body.String())
	}
	var uploaded domain.FontInfo
	decodeJSON(t, rec, &uploaded)
	if uploaded.Name != "Noto Sans.ttf" || uploaded.Hash != wantHash || uploaded.Size != int64(len(payload)) {
		t.Fatalf("uploaded = %+v", uploaded)
	}

	rec = serve(s, http.MethodPut, "/fonts/Noto%20Sans.ttf", strings.NewReader("other"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("overwrite status = %d, want 409", rec.Code)
	}
	if data, _ := os.ReadFile(filepath.Join(dir, "Noto Sans.ttf")); string(data) != payload {
		t.Fatalf("font was overwritten: %q", data)
	}

	rec = serve(s, http.MethodGet, "/fonts", nil)
	var fonts []domain.FontInfo
	decodeJSON(t, rec, &fonts)
	if len(fonts) != 1 || fonts[0].Hash != wantHash {
		t.Fatalf("fonts = %+v", fonts)
	}

	rec = serve(s, http.MethodGet, "/fonts/Noto%20Sans.ttf", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != payload {
		t.Fatalf("fetch = %d %q", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "font/ttf" {
		t.Fatalf("Content-Type = %q, want font/ttf", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp upload files left behind: %d entries", len(entries))
	}
}

func TestFontUploadRejectsBadNames(t *testing.T) {
	s, _ := newFontServer(t)
	for _, name := range []string{"evil.exe", ".hidden.ttf", "noext"} {
		rec := serve(s, http.MethodPut, "/fonts/"+name, strings.NewReader("x"))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("PUT %q status = %d, want 400", name, rec.Code)
		}
	}
	rec := serve(s, http.MethodPut, "/fonts/empty.otf", strings.NewReader(""))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty upload status = %d, want 400", rec.Code)
	}
}

func TestFontFetchConfined(t *testing.T) {
	s, _ := newFontServer(t)
	req := httptest.NewRequest(http.MethodGet, "/fonts/x", nil)
	req.URL.Path = "/fonts/../../etc/passwd"
	rec := httptest.NewRecorder()
	s.handleFontByName(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	rec = serve(s, http.MethodGet, "/fonts/missing.ttf", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing font status = %d, want 404", rec.Code)
	}
}

func TestSanitizeFontName(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"Roboto.woff2", "Roboto.woff2", false},
		{"dir/Roboto.OTF", "Roboto.OTF", false},
		{"../../Roboto.ttf", "Roboto.ttf", false},
		{"Ro;boto.ttf", "", true},
		{"Roboto.txt", "", true},
		{"", "", true},
	}
	for _, tc := range tests {
		got, err := sanitizeFontName(tc.raw)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("sanitizeFontName(%q) = %q, %v", tc.raw, got, err)
		}
	}
}
