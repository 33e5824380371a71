package core

import (
	"net/http"
)

// Handler returns an http.Handler implementing the remote cache API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health checks and the landing page
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("pong"))
	})
	mux.Handle("GET /metrics", s.cfg.Metrics.Handler())

	// Artifact operations
	artifacts := http.NewServeMux()
	artifacts.HandleFunc("GET /v8/artifacts/status", s.handleStatus)
	artifacts.HandleFunc("POST /v8/artifacts", s.handleQueryArtifacts)
	artifacts.HandleFunc("POST /v8/artifacts/events", s.handleEvents)
	artifacts.HandleFunc("PUT /v8/artifacts/{artifactId}", func(w http.ResponseWriter, r *http.Request) {
		s.handleArtifactPut(w, r, r.PathValue("artifactId"))
	})
	// GET patterns also match HEAD
	artifacts.HandleFunc("GET /v8/artifacts/{artifactId}", func(w http.ResponseWriter, r *http.Request) {
		s.handleArtifactGet(w, r, r.PathValue("artifactId"))
	})

	// Maintenance operations
	artifacts.HandleFunc("POST /internal/delete-expired-objects", s.handleDeleteExpired)
	artifacts.HandleFunc("POST /internal/populate-random-objects", s.handlePopulate)
	artifacts.HandleFunc("GET /internal/count-objects", s.handleCountObjects)
	artifacts.HandleFunc("POST /internal/round-trip", s.handleRoundTrip)

	protected := s.RequireAuthentication(artifacts)
	mux.Handle("/v8/", protected)
	mux.Handle("/internal/", protected)

	// Add middleware
	handler := s.SlashFix(mux)
	handler = s.CORS(handler)
	handler = s.LogRequest(handler)
	handler = s.Recoverer(handler)
	return handler
}
