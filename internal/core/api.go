package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const (
	headerArtifactTag       = "x-artifact-tag"
	headerClientInteractive = "x-artifact-client-interactive"
	artifactTagMetadataKey  = "artifactTag"
	artifactCacheControl    = "max-age=300, stale-while-revalidate=300"
	contentTypeOctetStream  = "application/octet-stream"
	maxJSONBodyBytes        = 1 << 20
	countObjectsPageSize    = 999
	maxPopulateCount        = 1000
	populateConcurrency     = 16
	randomObjectPrefix      = "random-data/"
	roundTripTeam           = "performance-testing"
	roundTripContent        = "round-trip payload"
	statusEnabled           = "enabled"
	eventSourceLocal        = "LOCAL"
	eventSourceRemote       = "REMOTE"
	eventHit                = "HIT"
	eventMiss               = "MISS"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type UploadResponse struct {
	URLs []string `json:"urls"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
	Count   *int `json:"count,omitempty"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type RoundTripResponse struct {
	Content string `json:"content"`
}

type QueryArtifactsRequest struct {
	Hashes []string `json:"hashes"`
}

// ArtifactEvent is a cache HIT or MISS reported by a client.
type ArtifactEvent struct {
	SessionID string   `json:"sessionId"`
	Source    string   `json:"source"`
	Event     string   `json:"event"`
	Hash      string   `json:"hash"`
	Duration  *float64 `json:"duration,omitempty"`
}

func (e ArtifactEvent) validate() error {
	switch {
	case e.SessionID == "":
		return errors.New("sessionId is required")
	case e.Hash == "":
		return errors.New("hash is required")
	case e.Source != eventSourceLocal && e.Source != eventSourceRemote:
		return fmt.Errorf("invalid source %q", e.Source)
	case e.Event != eventHit && e.Event != eventMiss:
		return fmt.Errorf("invalid event %q", e.Event)
	}
	return nil
}

type DeleteExpiredRequest struct {
	ExpireInHours *float64 `json:"expireInHours"`
}

type PopulateRequest struct {
	Count int `json:"count"`
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode JSON response", "err", err)
	}
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	writeJSONResponse(w, status, ErrorResponse{Error: message})
}

// decodeJSONBody decodes the request body into v. An empty body decodes to
// the zero value when allowEmpty is set.
func decodeJSONBody(r *http.Request, v any, allowEmpty bool) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) && allowEmpty {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
