package httpapi

import (
	"net/http"
)

// HandleHealth Health check endpoint
// @Summary Health check
// @Description Returns service health status
// @Tags Health
// @Produce json
// @Success 200 {object} httpapi.HealthResponse
// @Router /health [GET]
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}
