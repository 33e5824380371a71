// Package core serves the remote cache HTTP API on top of a storage.Storage.
package core

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eteran/stash/internal/expiry"
	"github.com/eteran/stash/internal/metrics"
	"github.com/eteran/stash/internal/storage"
)

// Server provides the Turborepo remote cache API.
type Server struct {
	cfg Config
}

// NewServer returns a Server for cfg. A nil Metrics gets a private registry.
func NewServer(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return &Server{cfg: cfg}
}

// Metrics returns the collectors the server records into.
func (s *Server) Metrics() *metrics.Metrics {
	return s.cfg.Metrics
}

// storage returns the active backend, or answers 500 and returns nil.
func (s *Server) storage(w http.ResponseWriter) storage.Storage {
	if s.cfg.Storage != nil {
		return s.cfg.Storage
	}

	err := s.cfg.StorageErr
	if err == nil {
		err = storage.ErrNoStorage
	}
	slog.Error("No storage backend", "err", err)
	writeJSONError(w, err.Error(), http.StatusInternalServerError)
	return nil
}

func (s *Server) writeStorageError(w http.ResponseWriter, op string, err error) {
	slog.Error("Storage operation failed", "operation", op, "err", err)
	s.cfg.Metrics.StorageErrors.WithLabelValues(op).Inc()
	writeJSONError(w, err.Error(), http.StatusInternalServerError)
}

// teamID resolves the team of a request: teamId, then slug, then the
// default team.
func teamID(r *http.Request) string {
	q := r.URL.Query()
	for _, name := range []string{"teamId", "slug"} {
		if team := strings.TrimSpace(q.Get(name)); team != "" {
			return team
		}
	}
	return storage.DefaultTeam
}

// validateClientHeaders rejects an x-artifact-client-interactive header
// outside [0, 1].
func validateClientHeaders(w http.ResponseWriter, r *http.Request) bool {
	raw := r.Header.Get(headerClientInteractive)
	if raw == "" {
		return true
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 1 {
		writeJSONError(w, "invalid "+headerClientInteractive+" header", http.StatusBadRequest)
		return false
	}
	return true
}

// uploadURL is where a client can fetch the artifact it just uploaded,
// resolved against the request URL.
func uploadURL(r *http.Request, artifactID string, team string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	base := &url.URL{Scheme: scheme, Host: r.Host, Path: r.URL.Path}
	ref := &url.URL{Path: artifactID, RawQuery: url.Values{"teamId": {team}}.Encode()}
	return base.ResolveReference(ref).String()
}

// sweep runs one expiry pass and records it. The pass is detached from the
// request so a disconnecting client does not abort it halfway.
func (s *Server) sweep(ctx context.Context, st storage.Storage, hours float64) (expiry.Result, error) {
	sched := expiry.Scheduler{
		Storage:     st,
		CutoffHours: hours,
		OnResult: func(result expiry.Result, elapsed time.Duration, err error) {
			s.cfg.Metrics.ObserveSweep(result.Deleted, elapsed, err)
		},
	}
	return sched.RunOnce(context.WithoutCancel(ctx))
}
