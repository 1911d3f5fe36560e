package apihttp

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"torrentcast/internal/domain"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"handle not found", fmt.Errorf("%w: 3", domain.ErrHandleNotFound), http.StatusNotFound, "not_found"},
		{"session not found", domain.ErrSessionNotFound, http.StatusNotFound, "not_found"},
		{"file out of range", fmt.Errorf("%w: 9", domain.ErrFileIndexOutOfRange), http.StatusNotFound, "file_not_found"},
		{"unreachable", domain.ErrSourceUnreachable, http.StatusBadGateway, "source_unreachable"},
		{"insufficient", domain.ErrInsufficientData, http.StatusServiceUnavailable, "insufficient_data"},
		{"spawn", domain.ErrSubprocessSpawn, http.StatusInternalServerError, "subprocess_error"},
		{"exit", domain.ErrSubprocessFailed, http.StatusInternalServerError, "subprocess_error"},
		{"io", domain.ErrIO, http.StatusInternalServerError, "io_error"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, code, _ := classifyError(tc.err)
			if status != tc.wantStatus || code != tc.wantCode {
				t.Fatalf("classifyError = (%d, %q), want (%d, %q)", status, code, tc.wantStatus, tc.wantCode)
			}
		})
	}
}

func TestWriteDomainErrorRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	writeDomainError(rec, domain.ErrInsufficientData)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("Retry-After = %q", got)
	}

	rec = httptest.NewRecorder()
	writeDomainError(rec, domain.ErrIO)
	if got := rec.Header().Get("Retry-After"); got != "" {
		t.Fatalf("Retry-After on io error = %q", got)
	}
}

func TestParseByteRange(t *testing.T) {
	tests := []struct {
		name      string
		value     string
		size      int64
		wantStart int64
		wantEnd   int64
		wantErr   error
	}{
		{"full", "bytes=0-", 100, 0, 99, nil},
		{"closed", "bytes=10-19", 100, 10, 19, nil},
		{"case insensitive", "BYTES=0-0", 100, 0, 0, nil},
		{"clamped end", "bytes=90-500", 100, 90, 99, nil},
		{"suffix", "bytes=-10", 100, 90, 99, nil},
		{"suffix larger than file", "bytes=-500", 100, 0, 99, nil},
		{"zero suffix", "bytes=-0", 100, 0, 0, errRangeNotSatisfiable},
		{"start past end", "bytes=100-", 100, 0, 0, errRangeNotSatisfiable},
		{"empty file", "bytes=0-", 0, 0, 0, errRangeNotSatisfiable},
		{"wrong unit", "items=0-1", 100, 0, 0, errInvalidRange},
		{"multi range", "bytes=0-1,5-6", 100, 0, 0, errInvalidRange},
		{"no dash", "bytes=5", 100, 0, 0, errInvalidRange},
		{"reversed", "bytes=20-10", 100, 0, 0, errInvalidRange},
		{"garbage", "bytes=a-b", 100, 0, 0, errInvalidRange},
		{"bare dash", "bytes=-", 100, 0, 0, errInvalidRange},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			start, end, err := parseByteRange(tc.value, tc.size)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if tc.wantErr == nil && (start != tc.wantStart || end != tc.wantEnd) {
				t.Fatalf("range = %d-%d, want %d-%d", start, end, tc.wantStart, tc.wantEnd)
			}
		})
	}
}

func TestResolveConfinedPath(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"plain", "font.ttf", false},
		{"nested", "sub/font.ttf", false},
		{"parent escape", "../font.ttf", true},
		{"deep escape", "a/../../font.ttf", true},
		{"dir itself", ".", true},
		{"empty", "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolveConfinedPath(dir, tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("resolveConfinedPath(%q) = %q, want error", tc.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveConfinedPath(%q): %v", tc.input, err)
			}
			if want := filepath.Join(dir, filepath.FromSlash(tc.input)); got != want {
				t.Fatalf("got %q, want %q", got, want)
			}
		})
	}

	if _, err := resolveConfinedPath("  ", "font.ttf"); err == nil {
		t.Fatal("expected error for empty dir")
	}
}

func TestParseBoolQuery(t *testing.T) {
	tests := []struct {
		value   string
		want    bool
		wantErr bool
	}{
		{"", false, false},
		{"true", true, false},
		{"1", true, false},
		{"TRUE", true, false},
		{"false", false, false},
		{"0", false, false},
		{"yes", false, true},
	}
	for _, tc := range tests {
		got, err := parseBoolQuery(tc.value)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("parseBoolQuery(%q) = %v, %v", tc.value, got, err)
		}
	}
}

func TestFallbackContentType(t *testing.T) {
	tests := map[string]string{
		".mkv":  "video/x-matroska",
		".m2ts": "video/mp2t",
		".xyz":  "application/octet-stream",
	}
	for ext, want := range tests {
		if got := fallbackContentType(ext); got != want {
			t.Fatalf("fallbackContentType(%q) = %q, want %q", ext, got, want)
		}
	}
}
