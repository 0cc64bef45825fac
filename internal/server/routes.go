package server

import (
	"net/http"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return mux
}
