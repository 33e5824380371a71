package core

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/eteran/stash/internal/auth"
)

const (
	corsAllowMethods = "GET, HEAD, PUT, POST, OPTIONS"
	corsAllowHeaders = "Authorization, Content-Type, Content-Length, x-artifact-tag, x-artifact-duration, x-artifact-client-ci, x-artifact-client-interactive"
)

type (
	userKey     struct{}
	userSlotKey struct{}
)

// UserFromContext returns the user RequireAuthentication accepted.
func UserFromContext(ctx context.Context) *auth.User {
	user, _ := ctx.Value(userKey{}).(*auth.User)
	return user
}

// ResponseWriterWrapper is a wrapper around the default http.ResponseWriter.
// It intercepts the WriteHeader call and saves the response status code.
type ResponseWriterWrapper struct {
	http.ResponseWriter
	WrittenResponseCode int
}

// WriteHeader intercepts the status code and stores it, then calls the original WriteHeader.
func (w *ResponseWriterWrapper) WriteHeader(statusCode int) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write calls the underlying ResponseWriter's Write method.
func (w *ResponseWriterWrapper) Write(b []byte) (int, error) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *ResponseWriterWrapper) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

type LogEntry struct {
	IP         string
	User       string
	Method     string
	URL        string
	Proto      string
	DurationMS float64
	StatusCode int
}

func (e LogEntry) UserAttr() slog.Attr {
	return slog.Group("user", "ip", e.IP, "id", e.User)
}

func (e LogEntry) RequestAttr() slog.Attr {
	return slog.Group("request",
		"proto", e.Proto,
		"method", e.Method,
		"url", e.URL,
		"duration_ms", e.DurationMS,
		"status_code", e.StatusCode,
	)
}

// LogRequest is middleware that logs incoming HTTP requests.
func (s *Server) LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		entry := LogEntry{
			IP:     r.RemoteAddr,
			Method: r.Method,
			URL:    r.URL.Path,
			Proto:  r.Proto,
		}

		writer := ResponseWriterWrapper{ResponseWriter: w}

		// The authenticated user is only known after the inner handlers ran.
		var user *auth.User
		r = r.WithContext(context.WithValue(r.Context(), userSlotKey{}, &user))

		s.cfg.Metrics.RequestsInFlight.Inc()
		defer s.cfg.Metrics.RequestsInFlight.Dec()

		start := time.Now()
		next.ServeHTTP(&writer, r)
		elapsed := time.Since(start).Nanoseconds()

		entry.DurationMS = float64(elapsed) / float64(time.Millisecond)
		entry.StatusCode = writer.WrittenResponseCode
		if user != nil {
			entry.User = user.ID
		}

		switch {
		case writer.WrittenResponseCode >= 500:
			slog.Error("Request", entry.UserAttr(), entry.RequestAttr())
		case writer.WrittenResponseCode >= 400:
			slog.Warn("Request", entry.UserAttr(), entry.RequestAttr())
		default:
			slog.Info("Request", entry.UserAttr(), entry.RequestAttr())
		}
	})
}

// RequireAuthentication rejects requests the configured AuthEngine does not
// accept with 401.
func (s *Server) RequireAuthentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		ctx := r.Context()

		if s.cfg.Authenticator == nil {
			writeJSONError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		user, err := s.cfg.Authenticator.AuthenticateRequest(ctx, r)
		if err != nil {
			slog.Warn("Authentication failed", "err", err)
		}
		if user == nil || err != nil {
			writeJSONError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if slot, ok := ctx.Value(userSlotKey{}).(**auth.User); ok {
			*slot = user
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, userKey{}, user)))
	})
}

// CORS allows any origin and answers preflight requests itself.
func (s *Server) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
			if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
				w.Header().Set("Access-Control-Allow-Headers", requested)
			} else {
				w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
			}
			w.Header().Add("Vary", "Access-Control-Request-Headers")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) SlashFix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Replace all occurrences of "//" with "/" in the URL path
		r.URL.Path = strings.ReplaceAll(r.URL.Path, "//", "/")

		if r.URL.Path != "/" && strings.HasSuffix(r.URL.Path, "/") {
			r.URL.Path = strings.TrimSuffix(r.URL.Path, "/")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					// we don't recover http.ErrAbortHandler so the response
					// to the client is aborted, this should not be logged
					panic(rvr)
				}

				slog.Error("Internal Error in HTTP handler", "error", rvr)

				if r.Header.Get("Connection") != "Upgrade" {
					writeJSONError(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}
		}()

		next.ServeHTTP(w, r)
	})
}
