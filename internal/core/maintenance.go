package core

import (
	"fmt"
	"math/rand/v2"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/eteran/stash/internal/storage"
)

var randomPayloads = []string{"🤪", "🤬", "😄", "🥶", "😆", "😅", "😂", "🤣", "😊", "😇"}

func (s *Server) handleDeleteExpired(w http.ResponseWriter, r *http.Request) {
	var req DeleteExpiredRequest
	if err := decodeJSONBody(r, &req, true); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	st := s.storage(w)
	if st == nil {
		return
	}

	hours := s.cfg.ExpirationHours
	if req.ExpireInHours != nil {
		hours = *req.ExpireInHours
	}

	if _, err := s.sweep(r.Context(), st, hours); err != nil {
		s.writeStorageError(w, "sweep", err)
		return
	}

	writeJSONResponse(w, http.StatusOK, SuccessResponse{Success: true})
}

func (s *Server) handlePopulate(w http.ResponseWriter, r *http.Request) {
	var req PopulateRequest
	if err := decodeJSONBody(r, &req, false); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Count < 1 || req.Count > maxPopulateCount {
		writeJSONError(w, fmt.Sprintf("count must be between 1 and %d", maxPopulateCount), http.StatusBadRequest)
		return
	}

	st := s.storage(w)
	if st == nil {
		return
	}

	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(populateConcurrency)
	for range req.Count {
		key := randomObjectPrefix + uuid.NewString()
		payload := randomPayloads[rand.IntN(len(randomPayloads))]
		g.Go(func() error {
			return st.Write(ctx, key, storage.String(payload), nil)
		})
	}
	if err := g.Wait(); err != nil {
		s.writeStorageError(w, "write", err)
		return
	}

	count := req.Count
	writeJSONResponse(w, http.StatusOK, SuccessResponse{Success: true, Count: &count})
}

func (s *Server) handleCountObjects(w http.ResponseWriter, r *http.Request) {
	st := s.storage(w)
	if st == nil {
		return
	}

	count := 0
	opts := storage.ListOptions{Limit: countObjectsPageSize}
	for {
		page, err := st.List(r.Context(), opts)
		if err != nil {
			s.writeStorageError(w, "list", err)
			return
		}
		count += len(page.Keys)
		if !page.Truncated || page.Cursor == "" {
			break
		}
		opts.Cursor = page.Cursor
	}

	writeJSONResponse(w, http.StatusOK, CountResponse{Count: count})
}

// handleRoundTrip writes an artifact and reads it back, for measuring
// backend latency.
func (s *Server) handleRoundTrip(w http.ResponseWriter, r *http.Request) {
	st := s.storage(w)
	if st == nil {
		return
	}

	ctx := r.Context()
	key := storage.Key(roundTripTeam, "existing-"+uuid.NewString())
	custom := map[string]string{artifactTagMetadataKey: "round-trip-" + uuid.NewString()}

	if err := st.Write(ctx, key, storage.String(roundTripContent), custom); err != nil {
		s.writeStorageError(w, "write", err)
		return
	}
	defer func() {
		if err := st.Delete(ctx, key); err != nil {
			s.cfg.Metrics.StorageErrors.WithLabelValues("delete").Inc()
		}
	}()

	rc, err := st.Read(ctx, key)
	if err != nil {
		s.writeStorageError(w, "read", err)
		return
	}
	if rc == nil {
		s.writeStorageError(w, "read", fmt.Errorf("round-trip object %s not found", key))
		return
	}

	content, err := storage.ReadText(rc)
	if err != nil {
		s.writeStorageError(w, "read", err)
		return
	}

	writeJSONResponse(w, http.StatusOK, RoundTripResponse{Content: content})
}
