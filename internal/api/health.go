package api

import "net/http"

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	healthy := 0
	for _, info := range s.engine.Registry().List(r.Context()) {
		if info.Healthy {
			healthy++
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"healthy_backends": healthy,
	})
}
