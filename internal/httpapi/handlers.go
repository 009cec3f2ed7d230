// Package httpapi exposes the timeline cache and prediction engine over HTTP
// and WebSocket. Handlers translate the wire shapes, delegate to the core
// components, and keep all policy (fallbacks, tolerances, admin auth) in one
// place.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crep/timeline/internal/cache"
	"crep/timeline/internal/earth2"
	"crep/timeline/internal/logging"
	"crep/timeline/internal/predict"
	"crep/timeline/internal/snapshot"
	"crep/timeline/internal/timeline"
)

// DefaultAtToleranceMs is the window for closest-entry lookups.
const DefaultAtToleranceMs = 60_000

// maxBatchQueries bounds the fan-out of one batch request.
const maxBatchQueries = 32

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// PredictionStorer persists prediction results; nil disables persistence.
type PredictionStorer interface {
	StorePredictions(ctx context.Context, result predict.Result, replaceExisting bool) error
}

// Archiver accumulates ingested entries for snapshot compaction; nil disables
// archival.
type Archiver interface {
	Record(entries []timeline.Entry)
}

// Options configures the Server.
type Options struct {
	Logger      *logging.Logger
	Cache       *cache.Manager
	Snapshots   *snapshot.Store
	Engine      *predict.Engine
	Predictions PredictionStorer
	Forecasts   *earth2.Adapter
	Archive     Archiver
	Hub         *Hub
	Registry    *prometheus.Registry
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// Server bundles the timeline service handlers.
type Server struct {
	log         *logging.Logger
	cache       *cache.Manager
	snapshots   *snapshot.Store
	engine      *predict.Engine
	predictions PredictionStorer
	forecasts   *earth2.Adapter
	archive     Archiver
	hub         *Hub
	registry    *prometheus.Registry
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
	started     time.Time
}

// NewServer constructs a Server using the provided options.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub(logger)
	}
	return &Server{
		log:         logger,
		cache:       opts.Cache,
		snapshots:   opts.Snapshots,
		engine:      opts.Engine,
		predictions: opts.Predictions,
		forecasts:   opts.Forecasts,
		archive:     opts.Archive,
		hub:         hub,
		registry:    opts.Registry,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
		started:     now(),
	}
}

// Router assembles the full route table.
func (s *Server) Router() chi.Router {
	router := chi.NewRouter()
	router.Use(logging.HTTPTraceMiddleware(s.log))

	router.Get("/livez", s.handleLiveness)
	router.Get("/readyz", s.handleReadiness)
	if s.registry != nil {
		router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	router.Route("/timeline", func(r chi.Router) {
		r.Get("/range", s.handleRange)
		r.Get("/entity/{type}/{id}", s.handleEntity)
		r.Get("/at", s.handleAt)
		r.Post("/batch", s.handleBatch)
		r.Post("/ingest", s.handleIngest)
		r.Delete("/cache", s.handleInvalidate)
		r.Get("/stats", s.handleStats)
		r.Get("/ws", s.hub.ServeHTTP)
	})

	router.Route("/prediction", func(r chi.Router) {
		r.Post("/batch", s.handlePredictBatch)
		r.Post("/{class}", s.handlePredict)
	})

	if s.forecasts != nil {
		router.Route("/forecast", func(r chi.Router) {
			r.Get("/point", s.handleWeatherForecast)
			r.Get("/wildfire", s.handleWildfireSpread)
		})
	}
	return router
}

// Hub returns the live-update hub so ingest paths outside HTTP can broadcast.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "alive",
		"timestamp": s.now().UTC().Format(time.RFC3339Nano),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status         string  `json:"status"`
		UptimeSeconds  float64 `json:"uptime_seconds"`
		RedisConnected bool    `json:"redis_connected"`
		WSClients      int     `json:"ws_clients"`
	}
	resp := response{
		Status:        "ok",
		UptimeSeconds: s.now().Sub(s.started).Seconds(),
		WSClients:     s.hub.ClientCount(),
	}
	if s.cache != nil {
		resp.RedisConnected = s.cache.GetStats(r.Context()).Redis.Connected
	}
	writeJSON(w, http.StatusOK, resp)
}

// rangeResponse is the common shape for timeline reads.
type rangeResponse struct {
	Entries   []timeline.Entry `json:"entries"`
	Count     int              `json:"count"`
	Source    string           `json:"source"`
	LatencyMs float64          `json:"latency_ms"`
	HasMore   bool             `json:"has_more"`
}

func (s *Server) handleRange(w http.ResponseWriter, r *http.Request) {
	query, err := queryFromParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.resolveRange(r.Context(), query))
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	entityType, err := timeline.ParseEntityType(chi.URLParam(r, "type"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	query, err := queryFromParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	query.EntityType = entityType
	query.EntityID = chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, s.resolveRange(r.Context(), query))
}

// resolveRange serves a query from the cache tiers and, for historical misses,
// falls through to the snapshot store.
func (s *Server) resolveRange(ctx context.Context, query timeline.Query) rangeResponse {
	limit := query.EffectiveLimit()
	//1.- Over-fetch by one so has_more reflects truncation on the cache tiers.
	lookup := query
	if limit < timeline.MaxQueryLimit {
		lookup.Limit = limit + 1
	}
	result := s.cache.Get(ctx, lookup)
	entries := result.Entries
	source := result.Tier

	if !result.Hit && query.StartMs != 0 && query.EntityType != "" && s.snapshots != nil {
		//2.- Historical windows outlive every cache TTL; answer from disk.
		endMs := query.EndMs
		if endMs == 0 {
			endMs = s.now().UnixMilli()
		}
		snapEntries := s.snapshots.Query(query.EntityType, query.StartMs, endMs)
		filtered := make([]timeline.Entry, 0, len(snapEntries))
		for _, entry := range snapEntries {
			if query.Matches(entry) {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
		source = "snapshot"
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}
	return rangeResponse{
		Entries:   entries,
		Count:     len(entries),
		Source:    source,
		LatencyMs: result.LatencyMs,
		HasMore:   hasMore,
	}
}

func (s *Server) handleAt(w http.ResponseWriter, r *http.Request) {
	query, err := queryFromParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	timestamp, err := int64Param(r, "timestamp")
	if err != nil || timestamp == 0 {
		http.Error(w, "timestamp is required", http.StatusBadRequest)
		return
	}
	tolerance, _ := int64Param(r, "tolerance_ms")
	if tolerance <= 0 {
		tolerance = DefaultAtToleranceMs
	}
	query.StartMs = timestamp - tolerance
	query.EndMs = timestamp + tolerance

	result := s.cache.Get(r.Context(), query)
	var closest *timeline.Entry
	var closestDelta int64
	for i := range result.Entries {
		entry := &result.Entries[i]
		delta := entry.TimestampMs - timestamp
		if delta < 0 {
			delta = -delta
		}
		if closest == nil || delta < closestDelta {
			closest = entry
			closestDelta = delta
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": closest, "source": result.Tier})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Queries []timeline.Query `json:"queries"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid batch body", http.StatusBadRequest)
		return
	}
	if len(request.Queries) == 0 || len(request.Queries) > maxBatchQueries {
		http.Error(w, "batch must contain between 1 and 32 queries", http.StatusBadRequest)
		return
	}

	//1.- Fan the queries out concurrently; order is preserved by index.
	started := s.now()
	responses := make([]rangeResponse, len(request.Queries))
	var wg sync.WaitGroup
	for i, query := range request.Queries {
		wg.Add(1)
		go func(i int, query timeline.Query) {
			defer wg.Done()
			responses[i] = s.resolveRange(r.Context(), query)
		}(i, query)
	}
	wg.Wait()

	writeJSON(w, http.StatusOK, map[string]any{
		"results":          responses,
		"total_latency_ms": float64(s.now().Sub(started).Microseconds()) / 1000.0,
	})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Points []timeline.Entry `json:"points"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid ingest body", http.StatusBadRequest)
		return
	}

	now := s.now().UnixMilli()
	accepted := make([]timeline.Entry, 0, len(request.Points))
	for _, point := range request.Points {
		if !point.EntityType.Valid() || point.EntityID == "" {
			http.Error(w, "every point needs a valid entity_type and entity_id", http.StatusBadRequest)
			return
		}
		if position := point.Data.Position; position != nil && !position.Valid() {
			http.Error(w, "position out of range", http.StatusBadRequest)
			return
		}
		if point.TimestampMs == 0 {
			point.TimestampMs = now
		}
		if point.Source == "" {
			point.Source = timeline.SourceLive
		}
		point.CreatedAtMs = now
		accepted = append(accepted, point)
	}

	//1.- Live points ride the fast path; everything else is write-through.
	live := accepted[:0:0]
	stored := accepted[:0:0]
	for _, entry := range accepted {
		if entry.Source == timeline.SourceLive {
			live = append(live, entry)
		} else {
			stored = append(stored, entry)
		}
	}
	if len(live) > 0 {
		s.cache.StoreLiveUpdate(r.Context(), live)
	}
	if len(stored) > 0 {
		s.cache.PutBatch(r.Context(), stored)
	}
	if s.archive != nil {
		s.archive.Record(accepted)
	}
	s.hub.Broadcast(accepted)

	writeJSON(w, http.StatusOK, map[string]any{"ingested": len(accepted)})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.log.With(
		logging.String("handler", "cache_invalidate"),
		logging.String("remote_addr", r.RemoteAddr),
	)
	if s.adminToken == "" {
		reqLogger.Warn("cache invalidate denied: admin auth disabled")
		http.Error(w, "admin authentication not configured", http.StatusForbidden)
		return
	}
	if !s.authorise(r) {
		reqLogger.Warn("cache invalidate denied: unauthorized request")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.Allow() {
		reqLogger.Warn("cache invalidate denied: rate limit exceeded")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	var entityType timeline.EntityType
	if raw := r.URL.Query().Get("entity_type"); raw != "" {
		parsed, err := timeline.ParseEntityType(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		entityType = parsed
	}
	removed := s.cache.Invalidate(r.Context(), entityType, r.URL.Query().Get("entity_id"))
	reqLogger.Info("cache invalidated", logging.Int("removed", removed))
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"cache":      s.cache.GetStats(r.Context()),
		"ws_clients": s.hub.ClientCount(),
	}
	if s.snapshots != nil {
		response["snapshots"] = s.snapshots.GetStats()
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	entityType, err := timeline.ParseEntityType(chi.URLParam(r, "class"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var request predict.Request
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid prediction body", http.StatusBadRequest)
		return
	}
	request.EntityType = entityType
	result, status, err := s.runPrediction(r.Context(), request, r.URL.Query().Get("store") == "true")
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePredictBatch(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Requests []predict.Request `json:"requests"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "invalid prediction batch body", http.StatusBadRequest)
		return
	}
	if len(request.Requests) == 0 || len(request.Requests) > maxBatchQueries {
		http.Error(w, "batch must contain between 1 and 32 requests", http.StatusBadRequest)
		return
	}
	store := r.URL.Query().Get("store") == "true"

	type batchItem struct {
		Result *predict.Result `json:"result,omitempty"`
		Error  string          `json:"error,omitempty"`
	}
	items := make([]batchItem, len(request.Requests))
	var wg sync.WaitGroup
	for i, req := range request.Requests {
		wg.Add(1)
		go func(i int, req predict.Request) {
			defer wg.Done()
			result, _, err := s.runPrediction(r.Context(), req, store)
			if err != nil {
				items[i] = batchItem{Error: err.Error()}
				return
			}
			items[i] = batchItem{Result: &result}
		}(i, req)
	}
	wg.Wait()
	writeJSON(w, http.StatusOK, map[string]any{"results": items})
}

func (s *Server) runPrediction(ctx context.Context, request predict.Request, store bool) (predict.Result, int, error) {
	predictor, ok := s.engine.For(request.EntityType)
	if !ok {
		return predict.Result{}, http.StatusBadRequest, errors.New("no predictor for entity type " + string(request.EntityType))
	}
	result, err := predictor.Predict(ctx, request)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, predict.ErrEntityTypeMismatch) ||
			errors.Is(err, predict.ErrInvalidWindow) ||
			errors.Is(err, predict.ErrInvalidResolution) {
			status = http.StatusBadRequest
		}
		return predict.Result{}, status, err
	}
	if len(result.Predictions) > 0 {
		//1.- Predictions flow back through the cache so range queries return
		// them alongside history; the tier guards keep ground truth intact.
		entries := make([]timeline.Entry, 0, len(result.Predictions))
		for _, prediction := range result.Predictions {
			entry := prediction.Entry
			if entry.Source == "" {
				entry.Source = prediction.PredictionSource
			}
			entries = append(entries, entry)
		}
		s.cache.PutBatch(ctx, entries)
	}
	if store && s.predictions != nil && len(result.Predictions) > 0 {
		if err := s.predictions.StorePredictions(ctx, result, true); err != nil {
			//2.- Persistence trouble must not hide a valid prediction.
			s.log.Error("prediction persistence failed", logging.Error(err))
		}
	}
	return result, http.StatusOK, nil
}

func (s *Server) handleWeatherForecast(w http.ResponseWriter, r *http.Request) {
	lat, errLat := floatParam(r, "lat")
	lng, errLng := floatParam(r, "lng")
	if errLat != nil || errLng != nil {
		http.Error(w, "lat and lng are required", http.StatusBadRequest)
		return
	}
	fromMs, _ := int64Param(r, "from_ms")
	toMs, _ := int64Param(r, "to_ms")
	if fromMs == 0 {
		fromMs = s.now().UnixMilli()
	}
	if toMs == 0 {
		toMs = fromMs + 24*3600_000
	}
	resolution, _ := int64Param(r, "resolution_hours")
	points := s.forecasts.GetWeatherForecast(r.Context(),
		timeline.GeoPoint{Lat: lat, Lng: lng}, fromMs, toMs, int(resolution), r.URL.Query().Get("model"))
	writeJSON(w, http.StatusOK, map[string]any{"points": points, "available": s.forecasts.Available()})
}

func (s *Server) handleWildfireSpread(w http.ResponseWriter, r *http.Request) {
	lat, errLat := floatParam(r, "lat")
	lng, errLng := floatParam(r, "lng")
	if errLat != nil || errLng != nil {
		http.Error(w, "lat and lng are required", http.StatusBadRequest)
		return
	}
	wind, _ := floatParam(r, "wind_speed_kmh")
	direction, _ := floatParam(r, "wind_direction")
	moisture, _ := floatParam(r, "fuel_moisture")
	hours, _ := int64Param(r, "hours_ahead")
	contours := s.forecasts.GetWildfireSpread(timeline.GeoPoint{Lat: lat, Lng: lng}, wind, direction, moisture, int(hours))
	writeJSON(w, http.StatusOK, map[string]any{"contours": contours})
}

func (s *Server) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) == 1
}

func queryFromParams(r *http.Request) (timeline.Query, error) {
	var query timeline.Query
	params := r.URL.Query()
	if raw := params.Get("entity_type"); raw != "" {
		entityType, err := timeline.ParseEntityType(raw)
		if err != nil {
			return query, err
		}
		query.EntityType = entityType
	}
	query.EntityID = params.Get("entity_id")
	start, err := int64Param(r, "start_time")
	if err != nil {
		return query, errors.New("start_time must be epoch milliseconds")
	}
	end, err := int64Param(r, "end_time")
	if err != nil {
		return query, errors.New("end_time must be epoch milliseconds")
	}
	query.StartMs, query.EndMs = start, end
	limit, err := int64Param(r, "limit")
	if err != nil || limit < 0 || limit > timeline.MaxQueryLimit {
		if err == nil {
			err = errors.New("limit out of range")
		}
		if params.Get("limit") != "" {
			return query, err
		}
	}
	query.Limit = int(limit)
	if raw := params.Get("source"); raw != "" {
		query.Source = timeline.Source(raw)
	}
	return query, nil
}

func int64Param(r *http.Request, name string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func floatParam(r *http.Request, name string) (float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, errors.New(name + " missing")
	}
	return strconv.ParseFloat(raw, 64)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
