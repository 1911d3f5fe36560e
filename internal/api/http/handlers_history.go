package apihttp

import (
	"encoding/json"
	"net/http"
	"strings"

	"torrentcast/internal/domain"
)

func (s *Server) handleWatchHistory(w http.ResponseWriter, r *http.Request) {
	if s.library == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "watch history not configured")
		return
	}

	switch r.Method {
	case http.MethodGet:
		limit, err := parsePositiveInt(r.URL.Query().Get("limit"), true)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
			return
		}
		if limit <= 0 {
			limit = domain.WatchHistoryLimit
		}
		positions, err := s.library.List(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to list watch history")
			return
		}
		writeJSON(w, http.StatusOK, positions)

	case http.MethodPut:
		var body domain.WatchPosition
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
			return
		}
		body.SourceURI = strings.TrimSpace(body.SourceURI)
		if body.SourceURI == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "sourceUri is required")
			return
		}
		if body.FileIndex < 0 || body.Position < 0 || body.Duration < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "fileIndex, position and duration must be >= 0")
			return
		}
		if err := s.library.Upsert(r.Context(), body); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to save watch position")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		uri := strings.TrimSpace(r.URL.Query().Get("uri"))
		if uri == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "uri is required")
			return
		}
		fileIndex, err := parseIndex(r.URL.Query().Get("file"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid file")
			return
		}
		if err := s.library.Delete(r.Context(), uri, fileIndex); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete watch position")
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
