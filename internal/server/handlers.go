package server

import (
	"encoding/json"
	"net/http"

	"mailstore/internal/gc"
	"mailstore/internal/models"
)

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Volumes []models.Volume `json:"volumes"`
	Sweeper *gc.Stats       `json:"sweeper,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	infos := s.volumes.List()
	resp := StatusResponse{Volumes: make([]models.Volume, 0, len(infos))}
	for _, info := range infos {
		resp.Volumes = append(resp.Volumes, info.Volume)
	}
	if s.sweeper != nil {
		stats := s.sweeper.Stats()
		resp.Sweeper = &stats
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("write json response", "status", status, "error", err)
	}
}
