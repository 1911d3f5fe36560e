package apihttp

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"torrentcast/internal/domain"
)

const maxFontBytes = 32 << 20

var fontNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 ._-]*$`)

var fontContentTypes = map[string]string{
	".ttf":   "font/ttf",
	".otf":   "font/otf",
	".ttc":   "font/collection",
	".woff":  "font/woff",
	".woff2": "font/woff2",
}

// sanitizeFontName reduces a client supplied name to a bare file name with a
// known font extension.
func sanitizeFontName(raw string) (string, error) {
	name := strings.TrimSpace(filepath.Base(filepath.FromSlash(raw)))
	if name == "." || name == string(filepath.Separator) || !fontNamePattern.MatchString(name) {
		return "", errors.New("invalid font name")
	}
	if _, ok := fontContentTypes[strings.ToLower(filepath.Ext(name))]; !ok {
		return "", errors.New("unsupported font type")
	}
	return name, nil
}

func (s *Server) handleFonts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.fontsDir == "" {
		writeError(w, http.StatusNotImplemented, "not_configured", "fonts directory not configured")
		return
	}
	fonts, err := listFonts(s.fontsDir)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fonts)
}

func listFonts(dir string) ([]domain.FontInfo, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []domain.FontInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read fonts dir: %v", domain.ErrIO, err)
	}
	fonts := make([]domain.FontInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := fontContentTypes[strings.ToLower(filepath.Ext(e.Name()))]; !ok {
			continue
		}
		size, sum, err := hashFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		fonts = append(fonts, domain.FontInfo{Name: e.Name(), Size: size, Hash: sum})
	}
	sort.Slice(fonts, func(i, j int) bool { return fonts[i].Name < fonts[j].Name })
	return fonts, nil
}

func hashFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", fmt.Errorf("%w: open font: %v", domain.ErrIO, err)
	}
	defer f.Close()
	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", fmt.Errorf("%w: hash font: %v", domain.ErrIO, err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func (s *Server) handleFontByName(w http.ResponseWriter, r *http.Request) {
	if s.fontsDir == "" {
		writeError(w, http.StatusNotImplemented, "not_configured", "fonts directory not configured")
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/fonts/")
	if name == "" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		path, err := resolveConfinedPath(s.fontsDir, name)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid font path")
			return
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			writeError(w, http.StatusNotFound, "not_found", "font not found")
			return
		}
		if ct, ok := fontContentTypes[strings.ToLower(filepath.Ext(path))]; ok {
			w.Header().Set("Content-Type", ct)
		}
		w.Header().Set("Cache-Control", "public, max-age=86400")
		http.ServeFile(w, r, path)
	case http.MethodPut:
		s.uploadFont(w, r, name)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) uploadFont(w http.ResponseWriter, r *http.Request, raw string) {
	name, err := sanitizeFontName(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := os.MkdirAll(s.fontsDir, 0o755); err != nil {
		writeDomainError(w, fmt.Errorf("%w: fonts dir: %v", domain.ErrIO, err))
		return
	}
	target := filepath.Join(s.fontsDir, name)

	tmp, err := os.CreateTemp(s.fontsDir, ".upload-*")
	if err != nil {
		writeDomainError(w, fmt.Errorf("%w: create temp font: %v", domain.ErrIO, err))
		return
	}
	defer os.Remove(tmp.Name())

	body := http.MaxBytesReader(w, r.Body, maxFontBytes)
	h := md5.New()
	n, copyErr := io.Copy(io.MultiWriter(tmp, h), body)
	closeErr := tmp.Close()
	if copyErr != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(copyErr, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "font exceeds "+strconv.Itoa(maxFontBytes)+" bytes")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read body")
		return
	}
	if closeErr != nil {
		writeDomainError(w, fmt.Errorf("%w: write font: %v", domain.ErrIO, closeErr))
		return
	}
	if n == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "empty font")
		return
	}

	// Link fails when target exists, so an existing font is never replaced.
	if err := os.Link(tmp.Name(), target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			writeError(w, http.StatusConflict, "already_exists", "font already exists")
			return
		}
		writeDomainError(w, fmt.Errorf("%w: store font: %v", domain.ErrIO, err))
		return
	}
	writeJSON(w, http.StatusCreated, domain.FontInfo{Name: name, Size: n, Hash: hex.EncodeToString(h.Sum(nil))})
}
