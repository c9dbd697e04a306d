package server

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mykolastupakov-spsoft/crosstalk/internal/cache"
)

// handleCacheInvalidate drops every entry in all four caches and reports the
// per-cache removal counts.
func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	counts := map[string]int{}
	for name, store := range s.cacheStores() {
		n, err := store.InvalidateAll()
		if err != nil {
			s.log.Error("cache invalidation failed", "cache", name, "error", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		counts[name] = n
	}
	s.log.Info("caches invalidated", "counts", counts)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(map[string]any{"invalidated": counts})
}

// handleCacheExport streams a zip archive of every cache entry, one folder
// per cache.
func (s *Server) handleCacheExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition",
		`attachment; filename="crosstalk-cache-`+time.Now().UTC().Format("20060102-150405")+`.zip"`)

	zw := zip.NewWriter(w)
	for name, store := range s.cacheStores() {
		if err := store.ExportAll(zw, name); err != nil {
			// Headers are gone; log and abort the stream.
			s.log.Error("cache export failed", "cache", name, "error", err)
			return
		}
	}
	if err := zw.Close(); err != nil {
		s.log.Error("cache export close failed", "error", err)
	}
}

func (s *Server) cacheStores() map[string]*cache.Store {
	return map[string]*cache.Store{
		"diarization_results": s.caches.Diarization,
		"separation":          s.caches.Separation,
		"llm_responses":       s.caches.LLM,
		"role_analysis":       s.caches.Roles,
	}
}

// handleRunHistory lists recent runs, newest first. Available only when a
// history store is configured.
func (s *Server) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		writeError(w, http.StatusNotFound, errors.New("server: run history is not configured"))
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("server: invalid limit"))
			return
		}
		limit = n
	}
	records, err := s.hist.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(map[string]any{"runs": records})
}
