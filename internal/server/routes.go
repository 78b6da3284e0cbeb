package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route for live job events
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Jobs
	mux.HandleFunc("/api/jobs", s.app.JobHandler.JobsHandler)          // POST (submit), GET (list)
	mux.HandleFunc("/api/jobs/types", s.app.JobHandler.JobTypesHandler) // GET - registered job types
	mux.HandleFunc("/api/jobs/", s.app.JobHandler.JobRoutes)           // GET /{id}, GET /{id}/tasks

	// API routes - Platform status
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler)
	mux.HandleFunc("/api/deadletters", s.app.StatusHandler.DeadLettersHandler)

	return mux
}
