package apihttp

import (
	"context"
	"net/http"
	"time"

	"torrentcast/internal/app"
)

type healthResponse struct {
	Status           string            `json:"status"`
	CheckedAt        time.Time         `json:"checkedAt"`
	Handles          int               `json:"handles"`
	ActiveSessions   int               `json:"activeSessions"`
	PausedSessions   int               `json:"pausedSessions"`
	ActiveTranscodes int               `json:"activeTranscodes"`
	WSClients        int               `json:"wsClients"`
	Storage          *app.StorageUsage `json:"storage,omitempty"`
}

func (s *Server) buildHealth(ctx context.Context) healthResponse {
	resp := healthResponse{
		Status:    "ok",
		CheckedAt: time.Now().UTC(),
	}
	if s.handles != nil {
		infos := s.handles.List(ctx)
		resp.Handles = len(infos)
		for _, info := range infos {
			if info.SessionID == "" {
				continue
			}
			if info.Paused {
				resp.PausedSessions++
			} else {
				resp.ActiveSessions++
			}
		}
	}
	if s.transcodes != nil {
		resp.ActiveTranscodes = s.transcodes.Active()
	}
	if s.wsHub != nil {
		resp.WSClients = s.wsHub.clientCount()
	}
	if s.storage != nil {
		usage := s.storage.Usage()
		resp.Storage = &usage
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.buildHealth(r.Context()))
}
