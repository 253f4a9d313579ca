// Package api is the HTTP surface: user registration, job enqueueing,
// job inspection, and cached read endpoints for snapshots and insights.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"spotify-insights/internal/cache"
	"spotify-insights/internal/config"
	"spotify-insights/internal/dispatch"
	"spotify-insights/internal/models"
	"spotify-insights/internal/queue"
	"spotify-insights/internal/ratelimit"
	"spotify-insights/internal/store"
	"spotify-insights/internal/telemetry"
)

const listLimit = 50

// Server wires the HTTP handlers.
type Server struct {
	cfg        config.Config
	store      *store.Store
	queue      *queue.RedisQueue
	dispatcher *dispatch.Dispatcher
	cache      *cache.Cache
	limiter    *ratelimit.TokenBucket
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.RedisQueue, d *dispatch.Dispatcher, c *cache.Cache, limiter *ratelimit.TokenBucket) *Server {
	return &Server{cfg: cfg, store: st, queue: q, dispatcher: d, cache: c, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/users", s.handleRegisterUser)
	r.Post("/ingestions", s.handleEnqueueIngestion)
	r.Post("/insights", s.handleEnqueueInsight)
	r.Post("/token-refreshes", s.handleEnqueueTokenRefresh)

	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/users/{id}/snapshots", s.handleListSnapshots)
	r.Get("/users/{id}/insights", s.handleListInsights)
	r.Get("/stats", s.handlePlatformStats)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type registerUserRequest struct {
	SpotifyUserID string  `json:"spotify_user_id"`
	DisplayName   string  `json:"display_name"`
	Email         *string `json:"email"`
	Country       *string `json:"country"`
	AccessToken   string  `json:"access_token"`
	RefreshToken  string  `json:"refresh_token"`
	ExpiresAt     string  `json:"expires_at"`
	Scope         string  `json:"scope"`
}

// handleRegisterUser upserts the user identity and stores the Spotify
// credential delivered by the OAuth front channel.
func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req registerUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.SpotifyUserID == "" {
		http.Error(w, "spotify_user_id is required", http.StatusBadRequest)
		return
	}
	if req.AccessToken == "" || req.RefreshToken == "" {
		http.Error(w, "access_token and refresh_token are required", http.StatusBadRequest)
		return
	}
	expiresAt, err := time.Parse(time.RFC3339, req.ExpiresAt)
	if err != nil {
		http.Error(w, "expires_at must be RFC 3339", http.StatusBadRequest)
		return
	}

	user, err := s.store.UpsertUser(r.Context(), req.SpotifyUserID, req.DisplayName, req.Email, req.Country)
	if err != nil {
		http.Error(w, "failed to register user", http.StatusInternalServerError)
		return
	}
	if err := s.store.SaveToken(r.Context(), user.ID, req.AccessToken, req.RefreshToken, expiresAt, req.Scope); err != nil {
		http.Error(w, "failed to store credential", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

type enqueueIngestionRequest struct {
	UserID    string `json:"user_id"`
	TimeRange string `json:"time_range"`
}

func (s *Server) handleEnqueueIngestion(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	var req enqueueIngestionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		http.Error(w, "user_id must be a uuid", http.StatusBadRequest)
		return
	}
	tr, err := models.ParseTimeRange(req.TimeRange)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job, err := s.dispatcher.EnqueueIngestion(r.Context(), userID, tr)
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

type enqueueInsightRequest struct {
	SnapshotID string `json:"snapshot_id"`
	Kind       string `json:"kind"`
	Tone       string `json:"tone"`
}

func (s *Server) handleEnqueueInsight(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	var req enqueueInsightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	snapshotID, err := uuid.Parse(req.SnapshotID)
	if err != nil {
		http.Error(w, "snapshot_id must be a uuid", http.StatusBadRequest)
		return
	}
	kind, err := models.ParseInsightKind(req.Kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// The referenced snapshot must exist before we queue work against it.
	if _, err := s.store.GetSnapshot(r.Context(), snapshotID); err != nil {
		if errors.Is(err, store.ErrSnapshotNotFound) {
			http.Error(w, "snapshot not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load snapshot", http.StatusInternalServerError)
		return
	}

	job, err := s.dispatcher.EnqueueInsight(r.Context(), snapshotID, kind, req.Tone)
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

type enqueueTokenRefreshRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleEnqueueTokenRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	var req enqueueTokenRefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		http.Error(w, "user_id must be a uuid", http.StatusBadRequest)
		return
	}

	job, err := s.dispatcher.EnqueueTokenRefresh(r.Context(), userID)
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "id must be a uuid", http.StatusBadRequest)
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleListSnapshots serves a user's snapshots through the cache:
// read-through on miss, push-invalidated by ingestion tasks.
func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "id must be a uuid", http.StatusBadRequest)
		return
	}

	key := cache.UserSnapshotsKey(userID.String())
	var cached []models.Snapshot
	if s.cache.GetJSON(r.Context(), key, &cached) {
		writeJSON(w, http.StatusOK, map[string]any{"snapshots": cached})
		return
	}

	snapshots, err := s.store.ListSnapshotsByUser(r.Context(), userID, listLimit)
	if err != nil {
		http.Error(w, "failed to load snapshots", http.StatusInternalServerError)
		return
	}
	s.cache.SetJSON(r.Context(), key, snapshots)
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snapshots})
}

func (s *Server) handleListInsights(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "id must be a uuid", http.StatusBadRequest)
		return
	}

	key := cache.UserInsightsKey(userID.String())
	var cached []models.Insight
	if s.cache.GetJSON(r.Context(), key, &cached) {
		writeJSON(w, http.StatusOK, map[string]any{"insights": cached})
		return
	}

	insights, err := s.store.ListInsightsByUser(r.Context(), userID, listLimit)
	if err != nil {
		http.Error(w, "failed to load insights", http.StatusInternalServerError)
		return
	}
	s.cache.SetJSON(r.Context(), key, insights)
	writeJSON(w, http.StatusOK, map[string]any{"insights": insights})
}

// handlePlatformStats serves the sweep-maintained aggregate counters,
// recomputing on a cold cache.
func (s *Server) handlePlatformStats(w http.ResponseWriter, r *http.Request) {
	var stats models.PlatformStats
	if s.cache.GetJSON(r.Context(), cache.PlatformStatsKey(), &stats) {
		writeJSON(w, http.StatusOK, stats)
		return
	}

	stats, err := s.store.PlatformStatistics(r.Context(), time.Now(), 30*24*time.Hour)
	if err != nil {
		http.Error(w, "failed to compute statistics", http.StatusInternalServerError)
		return
	}
	s.cache.SetJSON(r.Context(), cache.PlatformStatsKey(), stats)
	writeJSON(w, http.StatusOK, stats)
}

// handleDLQ returns the dead-letter queue contents (task ids only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// allow applies the shared token bucket to enqueue endpoints.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	key := fmt.Sprintf("rl:%s", callerFromRequest(r))
	allowed, _, err := s.limiter.Allow(r.Context(), key)
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func callerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Caller-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
