package core

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/eteran/stash/internal/storage"
)

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><meta name="viewport" content="width=device-width,initial-scale=1"><title>Turborepo Remote Cache</title></head>
<body><h1>Turborepo Remote Cache</h1><p>This server speaks the Turborepo remote cache API under <code>/v8/artifacts</code>.</p></body>
</html>
`

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, indexHTML)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, StatusResponse{Status: statusEnabled})
}

// handleQueryArtifacts validates the request and answers with an empty
// object; artifact queries are not tracked.
func (s *Server) handleQueryArtifacts(w http.ResponseWriter, r *http.Request) {
	var req QueryArtifactsRequest
	if err := decodeJSONBody(r, &req, false); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Hashes == nil {
		writeJSONError(w, "hashes is required", http.StatusBadRequest)
		return
	}

	slog.Debug("Artifact query", "team", teamID(r), "hashes", len(req.Hashes))
	writeJSONResponse(w, http.StatusOK, struct{}{})
}

// handleEvents validates cache usage events and discards them.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !validateClientHeaders(w, r) {
		return
	}

	var events []ArtifactEvent
	if err := decodeJSONBody(r, &events, false); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if events == nil {
		writeJSONError(w, "events must be an array", http.StatusBadRequest)
		return
	}
	for _, event := range events {
		if err := event.validate(); err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	slog.Debug("Artifact events", "team", teamID(r), "count", len(events))
	writeJSONResponse(w, http.StatusOK, struct{}{})
}

func (s *Server) handleArtifactPut(w http.ResponseWriter, r *http.Request, artifactID string) {

	if r.Header.Get("Content-Type") != contentTypeOctetStream {
		writeJSONError(w, "Content-Type must be "+contentTypeOctetStream, http.StatusBadRequest)
		return
	}
	if !validateClientHeaders(w, r) {
		return
	}

	st := s.storage(w)
	if st == nil {
		return
	}

	team := teamID(r)
	custom := map[string]string{}
	if tag := r.Header.Get(headerArtifactTag); tag != "" {
		custom[artifactTagMetadataKey] = tag
	}

	if err := st.Write(r.Context(), storage.Key(team, artifactID), storage.Stream(r.Body, r.ContentLength), custom); err != nil {
		s.writeStorageError(w, "write", err)
		return
	}

	s.cfg.Metrics.ArtifactUploads.Inc()
	if user := UserFromContext(r.Context()); user != nil {
		slog.Debug("Artifact uploaded", "user", user.ID, "team", team, "artifact", artifactID)
	}
	writeJSONResponse(w, http.StatusAccepted, UploadResponse{URLs: []string{uploadURL(r, artifactID, team)}})
}

func (s *Server) handleArtifactGet(w http.ResponseWriter, r *http.Request, artifactID string) {

	if !validateClientHeaders(w, r) {
		return
	}

	st := s.storage(w)
	if st == nil {
		return
	}

	obj, err := st.ReadWithMetadata(r.Context(), storage.Key(teamID(r), artifactID))
	if err != nil {
		s.writeStorageError(w, "read", err)
		return
	}

	if obj.Absent() {
		s.cfg.Metrics.ArtifactMisses.Inc()
		writeJSONResponse(w, http.StatusNotFound, struct{}{})
		return
	}
	defer obj.Data.Close()

	s.cfg.Metrics.ArtifactHits.Inc()

	w.Header().Set("Content-Type", contentTypeOctetStream)
	w.Header().Set("Cache-Control", artifactCacheControl)
	if obj.Metadata != nil {
		if tag := obj.Metadata.Custom[artifactTagMetadataKey]; tag != "" {
			w.Header().Set(headerArtifactTag, tag)
		}
	}
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}

	if _, err := io.Copy(w, obj.Data); err != nil {
		slog.Warn("Artifact download interrupted", "artifact", artifactID, "err", err)
	}
}
