// Package api exposes the scheduler and audit log over HTTP.
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/nhle/mailagent/internal/store"
)

// NewRouter returns the control API router.
func NewRouter(c Controller, audit store.AuditStore, l *zap.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	RegisterRoutes(r, c, audit, l)
	return r
}

// RegisterRoutes mounts the control endpoints on r.
func RegisterRoutes(r chi.Router, c Controller, audit store.AuditStore, l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	handler := NewHandler(c, audit, l.With(zap.String("component", "ControlHTTPHandler")))

	r.Get("/status", handler.GetStatus)
	r.Get("/stats", handler.GetStats)
	r.Get("/runs", handler.GetRuns)
	r.Get("/audit", handler.GetAudit)

	r.Post("/run", handler.RunOnce)
	r.Post("/start", handler.Start)
	r.Post("/stop", handler.Stop)
	r.Put("/interval", handler.UpdateInterval)
}
