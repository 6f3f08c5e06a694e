package api

import "net/http"

func (s *Server) handleListBackends(w http.ResponseWriter, r *http.Request) {
	backends := s.engine.Registry().List(r.Context())
	s.writeJSON(w, http.StatusOK, backends)
}
