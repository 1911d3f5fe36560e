package apihttp

import (
	"encoding/json"
	"net/http"
	"strings"

	"torrentcast/internal/domain"
)

// settingsPatch carries only the fields a client chose to send.
type settingsPatch struct {
	ExternalPlayer       *string `json:"externalPlayer"`
	RememberPreferences  *bool   `json:"rememberPreferences"`
	ShowSkipPrompts      *bool   `json:"showSkipPrompts"`
	HideRecommendations  *bool   `json:"hideRecommendations"`
	ClearCacheAfterWatch *bool   `json:"clearCacheAfterWatch"`
	CheckForUpdates      *bool   `json:"checkForUpdates"`
}

func (p settingsPatch) apply(cur domain.Settings) domain.Settings {
	if p.ExternalPlayer != nil {
		cur.ExternalPlayer = strings.TrimSpace(*p.ExternalPlayer)
	}
	if p.RememberPreferences != nil {
		cur.RememberPreferences = *p.RememberPreferences
	}
	if p.ShowSkipPrompts != nil {
		cur.ShowSkipPrompts = *p.ShowSkipPrompts
	}
	if p.HideRecommendations != nil {
		cur.HideRecommendations = *p.HideRecommendations
	}
	if p.ClearCacheAfterWatch != nil {
		cur.ClearCacheAfterWatch = *p.ClearCacheAfterWatch
	}
	if p.CheckForUpdates != nil {
		cur.CheckForUpdates = *p.CheckForUpdates
	}
	return cur
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	if s.library == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "settings store not configured")
		return
	}
	switch r.Method {
	case http.MethodGet:
		settings, err := s.library.GetSettings(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load settings")
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut, http.MethodPatch:
		var patch settingsPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
			return
		}
		current, err := s.library.GetSettings(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load settings")
			return
		}
		next := patch.apply(current)
		if next.ExternalPlayer == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "externalPlayer must not be empty")
			return
		}
		if next != current {
			if err := s.library.SaveSettings(r.Context(), next); err != nil {
				writeError(w, http.StatusInternalServerError, "internal_error", "failed to save settings")
				return
			}
			s.wsHub.Broadcast("settings", next)
		}
		writeJSON(w, http.StatusOK, next)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
