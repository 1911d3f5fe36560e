package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"torrentcast/internal/domain"
	"torrentcast/internal/usecase"
)

type registerRequest struct {
	URI string `json:"uri"`
}

type registerResponse struct {
	Handle domain.HandleID `json:"handle"`
}

type activateRequest struct {
	FileIndex *int `json:"fileIndex"`
}

type activateResponse struct {
	SessionID domain.SessionID `json:"sessionId"`
}

func (s *Server) handleHandles(w http.ResponseWriter, r *http.Request) {
	if s.handles == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "handle management not configured")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.handles.List(r.Context()))
	case http.MethodPost:
		var body registerRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
			return
		}
		if strings.TrimSpace(body.URI) == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "uri is required")
			return
		}
		h, err := s.handles.Register(r.Context(), body.URI)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, registerResponse{Handle: h})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleHandleByID serves /handles/{h}[/{action}[/{file}]].
func (s *Server) handleHandleByID(w http.ResponseWriter, r *http.Request) {
	if s.handles == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "handle management not configured")
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/handles/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid handle")
		return
	}
	h := domain.HandleID(id)

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			info, err := s.handles.Info(r.Context(), h)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, info)
		case http.MethodDelete:
			purge, err := parseBoolQuery(r.URL.Query().Get("purge"))
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request", "invalid purge flag")
				return
			}
			if err := s.handles.Remove(r.Context(), h, purge); err != nil {
				writeDomainError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	action := parts[1]
	switch action {
	case "status":
		if len(parts) != 3 {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		fileIndex, err := parseIndex(parts[2])
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid file index")
			return
		}
		s.handleStreamStatus(w, r, h, fileIndex)
		return
	case "preferences":
		s.handlePreferences(w, r, h)
		return
	}

	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	switch action {
	case "activate":
		var body activateRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
			return
		}
		if body.FileIndex == nil || *body.FileIndex < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "fileIndex is required")
			return
		}
		sid, err := s.handles.Activate(r.Context(), h, *body.FileIndex)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, activateResponse{SessionID: sid})
	case "deactivate":
		purge, err := parseBoolQuery(r.URL.Query().Get("purge"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid purge flag")
			return
		}
		if err := s.handles.Deactivate(r.Context(), h, purge); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "pause":
		if err := s.handles.Pause(r.Context(), h); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "resume":
		if err := s.handles.Resume(r.Context(), h); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request, h domain.HandleID, fileIndex int) {
	uc := usecase.StreamStatus{
		Handles:    s.handles,
		Engine:     s.engine,
		ReadyBytes: s.readyBytes,
		BaseURL:    s.baseURL(r),
	}
	if s.metadata != nil {
		uc.Metadata = s.metadata
	}
	if s.transcodes != nil {
		uc.Transcodes = s.transcodes
	}
	status, err := uc.Execute(r.Context(), h, fileIndex)
	if err != nil {
		// The handle exists but nothing has been activated yet.
		if errors.Is(err, domain.ErrSessionNotFound) {
			writeJSON(w, http.StatusOK, domain.StreamStatus{
				Status: domain.StreamInitializing,
				State:  domain.DownloadChecking,
			})
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) baseURL(r *http.Request) string {
	if s.publicBaseURL != "" {
		return s.publicBaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd == "http" || fwd == "https" {
		scheme = fwd
	}
	return scheme + "://" + r.Host
}

func (s *Server) handlePreferences(w http.ResponseWriter, r *http.Request, h domain.HandleID) {
	if s.library == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "library store not configured")
		return
	}
	handle, err := s.handles.Handle(h)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	uri := handle.Source.URI

	switch r.Method {
	case http.MethodGet:
		pref, err := s.library.GetPreference(r.Context(), uri)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load preferences")
			return
		}
		writeJSON(w, http.StatusOK, pref)
	case http.MethodPut:
		var pref domain.TrackPreference
		if err := json.NewDecoder(r.Body).Decode(&pref); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
			return
		}
		if (pref.AudioTrackIndex != nil && *pref.AudioTrackIndex < 0) ||
			(pref.SubtitleTrackIndex != nil && *pref.SubtitleTrackIndex < 0) {
			writeError(w, http.StatusBadRequest, "invalid_request", "track index must be >= 0")
			return
		}
		if err := s.library.SetPreference(r.Context(), uri, pref); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to save preferences")
			return
		}
		writeJSON(w, http.StatusOK, pref)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
