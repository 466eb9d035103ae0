package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	pipelineerrors "github.com/opsconductor/opsconductor/internal/errors"
	"github.com/opsconductor/opsconductor/pkg/cache"
)

type namespaceStats struct {
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	HitRatePercent float64 `json:"hit_rate_percent"`
	Entries        int     `json:"entries"`
}

type cacheStatsResponse struct {
	Enabled        bool                      `json:"enabled"`
	Connected      bool                      `json:"connected"`
	Hits           int64                     `json:"hits"`
	Misses         int64                     `json:"misses"`
	HitRatePercent float64                   `json:"hit_rate_percent"`
	ByNamespace    map[string]namespaceStats `json:"by_namespace"`
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	resp := cacheStatsResponse{
		Enabled:     s.cache.Enabled(),
		ByNamespace: make(map[string]namespaceStats, len(cache.Namespaces())),
	}

	var totalHits, totalMisses int64
	for _, ns := range cache.Namespaces() {
		stats := s.cache.Stats(ns)
		totalHits += stats.Hits
		totalMisses += stats.Misses
		resp.ByNamespace[string(ns)] = namespaceStats{
			Hits:           stats.Hits,
			Misses:         stats.Misses,
			HitRatePercent: stats.HitRate() * 100,
			Entries:        s.cache.Size(ns),
		}
	}

	resp.Hits = totalHits
	resp.Misses = totalMisses
	if totalHits+totalMisses > 0 {
		resp.HitRatePercent = float64(totalHits) / float64(totalHits+totalMisses) * 100
	}

	connected, _ := s.cache.Health(r.Context())
	resp.Connected = connected

	writeJSON(w, http.StatusOK, resp)
}

type cacheHealthResponse struct {
	OK        bool  `json:"ok"`
	RedisOK   bool  `json:"redis_ok"`
	LatencyMS int64 `json:"latency_ms"`
}

func (s *Server) handleCacheHealth(w http.ResponseWriter, r *http.Request) {
	connected, latency := s.cache.Health(r.Context())
	writeJSON(w, http.StatusOK, cacheHealthResponse{
		OK:        connected,
		RedisOK:   connected,
		LatencyMS: latency.Milliseconds(),
	})
}

type invalidateResponse struct {
	InvalidatedCount int `json:"invalidated_count"`
}

// handleCacheInvalidate drops every cached entry, in every namespace, whose
// key begins with the glob's literal prefix (the part before its first "*").
// The Cache Manager's L1 stores hash the request; it has no reverse index
// to match a full glob against, so this endpoint only supports prefix-style
// globs ("foo*"), which is the only pattern shape the Cache Manager's
// InvalidatePattern (spec §4.3) is built to answer efficiently.
func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		writeAppError(w, r, pipelineerrors.New(pipelineerrors.ErrorTypeValidation, "pattern query parameter is required"))
		return
	}
	prefix, _, _ := strings.Cut(pattern, "*")

	total := 0
	for _, ns := range cache.Namespaces() {
		total += s.cache.InvalidatePattern(ns, prefix)
	}
	writeJSON(w, http.StatusOK, invalidateResponse{InvalidatedCount: total})
}

func (s *Server) handleCacheInvalidateAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, invalidateResponse{InvalidatedCount: s.cache.InvalidateAll()})
}

var stageNamespaces = map[string]cache.Namespace{
	"stage_a": cache.NamespaceStageA,
	"stage_b": cache.NamespaceStageB,
	"stage_c": cache.NamespaceStageC,
}

func (s *Server) handleCacheInvalidateStage(w http.ResponseWriter, r *http.Request) {
	stage := chi.URLParam(r, "stage")
	ns, ok := stageNamespaces[stage]
	if !ok {
		writeAppError(w, r, pipelineerrors.New(pipelineerrors.ErrorTypeValidation, "stage must be one of stage_a, stage_b, stage_c"))
		return
	}
	count := s.cache.InvalidateNamespace(ns)
	writeJSON(w, http.StatusOK, invalidateResponse{InvalidatedCount: count})
}
