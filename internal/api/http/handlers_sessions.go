package apihttp

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"torrentcast/internal/domain"
)

// handleSessionByID serves /sessions/{sid}/{action}/{file}[/{track}].
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/sessions/"), "/"), "/")
	if len(parts) < 3 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	sid := domain.SessionID(parts[0])
	action := parts[1]
	fileIndex, err := parseIndex(parts[2])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid file index")
		return
	}

	track := -1
	switch action {
	case "subtitles", "audio-stream":
		if len(parts) != 4 {
			http.NotFound(w, r)
			return
		}
		track, err = parseIndex(parts[3])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid track index")
			return
		}
	default:
		if len(parts) != 3 {
			http.NotFound(w, r)
			return
		}
	}

	switch action {
	case "stream":
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleStream(w, r, sid, fileIndex)
	case "metadata":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleMetadata(w, r, sid, fileIndex)
	case "subtitles":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleSubtitles(w, r, sid, fileIndex, track)
	case "audio-stream":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.handleAudioStream(w, r, sid, fileIndex, track)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, sid domain.SessionID, fileIndex int) {
	if s.engine == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "engine not configured")
		return
	}
	session, err := s.engine.Get(r.Context(), sid)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	files := session.Files()
	if fileIndex >= len(files) {
		writeDomainError(w, fmt.Errorf("%w: %d", domain.ErrFileIndexOutOfRange, fileIndex))
		return
	}
	file := files[fileIndex]

	reader, err := session.Stream(fileIndex)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer reader.Close()
	// The reader blocks until pieces arrive; responsive mode would return
	// early EOFs and truncate the body.
	reader.SetContext(r.Context())
	reader.SetReadahead(s.readahead)

	ext := strings.ToLower(path.Ext(file.Path))
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = fallbackContentType(ext)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Accept-Ranges", "bytes")

	size := file.Length

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		return
	}

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		start, end, err := parseByteRange(rangeHeader, size)
		if errors.Is(err, errInvalidRange) {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid range")
			return
		}
		if errors.Is(err, errRangeNotSatisfiable) {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			return
		}

		if _, err := reader.Seek(start, io.SeekStart); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to seek stream")
			return
		}
		length := end - start + 1
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
		w.WriteHeader(http.StatusPartialContent)
		if _, err := io.CopyN(w, reader, length); err != nil {
			s.logger.Debug("stream range copy interrupted",
				slog.String("sessionId", string(sid)),
				slog.Int("fileIndex", fileIndex),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.CopyN(w, reader, size); err != nil {
		s.logger.Debug("stream copy interrupted",
			slog.String("sessionId", string(sid)),
			slog.Int("fileIndex", fileIndex),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request, sid domain.SessionID, fileIndex int) {
	if s.metadata == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "media probing not configured")
		return
	}
	meta, err := s.metadata.Metadata(r.Context(), sid, fileIndex)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleSubtitles(w http.ResponseWriter, r *http.Request, sid domain.SessionID, fileIndex, track int) {
	if s.subtitles == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "subtitle extraction not configured")
		return
	}
	data, err := s.subtitles.Extract(r.Context(), sid, fileIndex, track)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/x-ssa; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleAudioStream(w http.ResponseWriter, r *http.Request, sid domain.SessionID, fileIndex, track int) {
	if s.transcoder == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "audio transcoding not configured")
		return
	}
	out := &lazyHeaderWriter{w: w, header: func(h http.Header) {
		h.Set("Content-Type", "audio/aac")
		h.Set("Cache-Control", "no-cache")
		h.Set("X-Content-Type-Options", "nosniff")
	}}
	err := s.transcoder.StreamAudio(r.Context(), sid, fileIndex, track, out)
	if err == nil {
		if !out.wrote {
			out.commit()
		}
		return
	}
	if !out.wrote {
		writeDomainError(w, err)
		return
	}
	s.logger.Debug("audio stream interrupted",
		slog.String("sessionId", string(sid)),
		slog.Int("fileIndex", fileIndex),
		slog.Int("track", track),
		slog.String("error", err.Error()),
	)
}

// lazyHeaderWriter defers the 200 status until the first byte of output so a
// pipeline that fails before producing audio can still answer with an error.
type lazyHeaderWriter struct {
	w      http.ResponseWriter
	header func(http.Header)
	wrote  bool
}

func (l *lazyHeaderWriter) commit() {
	l.header(l.w.Header())
	l.w.WriteHeader(http.StatusOK)
	l.wrote = true
}

func (l *lazyHeaderWriter) Write(p []byte) (int, error) {
	if !l.wrote {
		l.commit()
	}
	return l.w.Write(p)
}

func (l *lazyHeaderWriter) Flush() {
	if !l.wrote {
		return
	}
	if f, ok := l.w.(http.Flusher); ok {
		f.Flush()
	}
}
