package coordinator

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthzHandler)

	// Device API
	r.Post("/api/devices/heartbeat", s.heartbeatHandler)
	r.Get("/api/devices/poll", s.pollHandler)
	r.Post("/api/devices/poll", s.taskStatusHandler)
	r.Post("/api/devices/queue-task", s.queueTaskHandler)
	r.Get("/api/devices", s.listDevicesHandler)
	return r
}
