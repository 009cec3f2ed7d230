package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"crep/timeline/internal/cache"
	"crep/timeline/internal/logging"
	"crep/timeline/internal/memcache"
	"crep/timeline/internal/predict"
	"crep/timeline/internal/rediscache"
	"crep/timeline/internal/snapshot"
	"crep/timeline/internal/timeline"
)

const testEpochMs = int64(1_700_000_000_000)

type testHarness struct {
	server    *Server
	cache     *cache.Manager
	snapshots *snapshot.Store
	http      *httptest.Server
}

func newHarness(t *testing.T, adminToken string) *testHarness {
	t.Helper()
	logger := logging.NewTestLogger()

	redisServer := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
	networked := rediscache.NewWithClient(client, time.Hour, logger)
	networked.Connect(context.Background())
	manager := cache.NewManager(memcache.New(1000, time.Minute), networked, logger,
		cache.WithMetrics(cache.NewMetrics(prometheus.NewRegistry())))

	snapshots, err := snapshot.New(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("snapshot store: %v", err)
	}

	engine := predict.NewEngine(predict.NewCacheStateProvider(manager), logger, time.Minute)
	server := NewServer(Options{
		Logger:      logger,
		Cache:       manager,
		Snapshots:   snapshots,
		Engine:      engine,
		Registry:    prometheus.NewRegistry(),
		AdminToken:  adminToken,
		RateLimiter: NewSlidingWindowLimiter(time.Minute, 2, nil),
	})
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)
	return &testHarness{server: server, cache: manager, snapshots: snapshots, http: ts}
}

func liveAircraft(id string, ts int64) timeline.Entry {
	return timeline.Entry{
		EntityType:  timeline.EntityAircraft,
		EntityID:    id,
		TimestampMs: ts,
		Source:      timeline.SourceLive,
		Data: timeline.EntryData{
			Position: &timeline.GeoPoint{Lat: 47.6, Lng: -122.3, Altitude: timeline.Float64(10000)},
			Velocity: &timeline.Velocity{Speed: 420, Heading: 90, Units: "kn"},
		},
	}
}

func getJSONBody(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp
}

func TestRangeServedFromCacheTiers(t *testing.T) {
	h := newHarness(t, "")
	h.cache.StoreLiveUpdate(context.Background(), []timeline.Entry{liveAircraft("N12345", testEpochMs)})

	var body rangeResponse
	resp := getJSONBody(t, h.http.URL+"/timeline/range?entity_type=aircraft&entity_id=N12345", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if body.Count != 1 || body.Source != cache.TierMemory {
		t.Fatalf("expected one memory-tier entry, got %+v", body)
	}
}

func TestRangeRejectsUnknownEntityType(t *testing.T) {
	h := newHarness(t, "")
	resp := getJSONBody(t, h.http.URL+"/timeline/range?entity_type=dragon", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRangeFallsBackToSnapshots(t *testing.T) {
	h := newHarness(t, "")
	entries := []timeline.Entry{
		liveAircraft("N777", testEpochMs-7_200_000),
		liveAircraft("N777", testEpochMs-7_100_000),
	}
	for i := range entries {
		entries[i].Source = timeline.SourceHistorical
	}
	if _, err := h.snapshots.Create(timeline.EntityAircraft, entries, testEpochMs-7_200_000); err != nil {
		t.Fatalf("snapshot create: %v", err)
	}

	url := h.http.URL + "/timeline/entity/aircraft/N777?start_time=" +
		intStr(testEpochMs-8_000_000) + "&end_time=" + intStr(testEpochMs-7_000_000)
	var body rangeResponse
	getJSONBody(t, url, &body)
	if body.Source != "snapshot" {
		t.Fatalf("expected a snapshot answer, got %q", body.Source)
	}
	if body.Count != 2 {
		t.Fatalf("expected 2 archived entries, got %d", body.Count)
	}
}

func TestAtReturnsClosestEntry(t *testing.T) {
	h := newHarness(t, "")
	h.cache.StoreLiveUpdate(context.Background(), []timeline.Entry{
		liveAircraft("N1", testEpochMs-30_000),
		liveAircraft("N1", testEpochMs+10_000),
	})

	var body struct {
		Entry *timeline.Entry `json:"entry"`
	}
	url := h.http.URL + "/timeline/at?entity_type=aircraft&entity_id=N1&timestamp=" + intStr(testEpochMs)
	getJSONBody(t, url, &body)
	if body.Entry == nil || body.Entry.TimestampMs != testEpochMs+10_000 {
		t.Fatalf("expected the 10s-away entry, got %+v", body.Entry)
	}

	//1.- Outside the tolerance window the endpoint reports null, not an error.
	url = h.http.URL + "/timeline/at?entity_type=aircraft&entity_id=N1&timestamp=" + intStr(testEpochMs+10_000_000)
	getJSONBody(t, url, &body)
	if body.Entry != nil {
		t.Fatalf("expected null outside tolerance, got %+v", body.Entry)
	}
}

func TestBatchPreservesQueryOrder(t *testing.T) {
	h := newHarness(t, "")
	h.cache.StoreLiveUpdate(context.Background(), []timeline.Entry{liveAircraft("N1", testEpochMs)})

	payload, _ := json.Marshal(map[string]any{"queries": []timeline.Query{
		{EntityType: timeline.EntityAircraft, EntityID: "N1"},
		{EntityType: timeline.EntityVessel, EntityID: "missing"},
	}})
	resp, err := http.Post(h.http.URL+"/timeline/batch", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Results        []rangeResponse `json:"results"`
		TotalLatencyMs float64         `json:"total_latency_ms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(body.Results))
	}
	if body.Results[0].Count != 1 || body.Results[1].Count != 0 {
		t.Fatalf("results out of order: %+v", body.Results)
	}
}

func TestIngestStoresAndValidates(t *testing.T) {
	h := newHarness(t, "")

	payload, _ := json.Marshal(map[string]any{"points": []timeline.Entry{liveAircraft("N9", testEpochMs)}})
	resp, err := http.Post(h.http.URL+"/timeline/ingest", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	result := h.cache.Get(context.Background(), timeline.Query{EntityType: timeline.EntityAircraft, EntityID: "N9"})
	if len(result.Entries) != 1 {
		t.Fatalf("ingested point not queryable: %+v", result)
	}

	bad, _ := json.Marshal(map[string]any{"points": []map[string]any{{"entity_type": "dragon", "entity_id": "x"}}})
	resp, err = http.Post(h.http.URL+"/timeline/ingest", "application/json", bytes.NewReader(bad))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid point, got %d", resp.StatusCode)
	}
}

func TestIngestRejectsOutOfRangeCoordinates(t *testing.T) {
	h := newHarness(t, "")

	point := liveAircraft("N5", testEpochMs)
	point.Data.Position = &timeline.GeoPoint{Lat: 500, Lng: -122.3}
	payload, _ := json.Marshal(map[string]any{"points": []timeline.Entry{point}})
	resp, err := http.Post(h.http.URL+"/timeline/ingest", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for lat=500, got %d", resp.StatusCode)
	}

	//1.- Nothing may reach the cache tiers from a rejected batch.
	result := h.cache.Get(context.Background(), timeline.Query{EntityType: timeline.EntityAircraft, EntityID: "N5"})
	if len(result.Entries) != 0 {
		t.Fatalf("rejected point leaked into the cache: %+v", result.Entries)
	}
}

func TestRangeReportsHasMore(t *testing.T) {
	h := newHarness(t, "")
	h.cache.StoreLiveUpdate(context.Background(), []timeline.Entry{
		liveAircraft("N1", testEpochMs),
		liveAircraft("N1", testEpochMs+1000),
		liveAircraft("N1", testEpochMs+2000),
	})

	var body rangeResponse
	getJSONBody(t, h.http.URL+"/timeline/range?entity_type=aircraft&entity_id=N1&limit=2", &body)
	if body.Count != 2 || !body.HasMore {
		t.Fatalf("expected a truncated page with has_more, got %+v", body)
	}

	getJSONBody(t, h.http.URL+"/timeline/range?entity_type=aircraft&entity_id=N1&limit=3", &body)
	if body.Count != 3 || body.HasMore {
		t.Fatalf("expected the full page without has_more, got %+v", body)
	}
}

func TestInvalidateRequiresAdminToken(t *testing.T) {
	h := newHarness(t, "sekrit")
	h.cache.StoreLiveUpdate(context.Background(), []timeline.Entry{liveAircraft("N1", testEpochMs)})

	do := func(token string) int {
		req, _ := http.NewRequest(http.MethodDelete, h.http.URL+"/timeline/cache?entity_type=aircraft", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("invalidate: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if status := do(""); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", status)
	}
	if status := do("wrong"); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong token, got %d", status)
	}
	if status := do("sekrit"); status != http.StatusOK {
		t.Fatalf("expected 200 for valid token, got %d", status)
	}
	//1.- The limiter allows two calls per window; the third must be rejected.
	do("sekrit")
	if status := do("sekrit"); status != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the window is exhausted, got %d", status)
	}
}

func TestInvalidateDisabledWithoutConfiguredToken(t *testing.T) {
	h := newHarness(t, "")
	req, _ := http.NewRequest(http.MethodDelete, h.http.URL+"/timeline/cache", nil)
	req.Header.Set("Authorization", "Bearer anything")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 when admin auth is unconfigured, got %d", resp.StatusCode)
	}
}

func TestPredictionEndpoint(t *testing.T) {
	h := newHarness(t, "")

	state := timeline.EntityState{
		EntityType:  timeline.EntityAircraft,
		EntityID:    "N555",
		TimestampMs: testEpochMs,
		Position:    timeline.GeoPoint{Lat: 47.6, Lng: -122.3, Altitude: timeline.Float64(10000)},
		Velocity:    &timeline.Velocity{Speed: 400, Heading: 90, Units: "kn"},
	}
	payload, _ := json.Marshal(predict.Request{
		EntityID:          "N555",
		FromMs:            testEpochMs,
		ToMs:              testEpochMs + 1_800_000,
		ResolutionSeconds: 300,
		State:             &state,
	})
	resp, err := http.Post(h.http.URL+"/prediction/aircraft", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var result predict.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(result.Predictions) != 7 {
		t.Fatalf("expected 7 ticks over 30min at 300s, got %d", len(result.Predictions))
	}
	if result.ModelVersion != "aircraft-v1" {
		t.Fatalf("unexpected model version %q", result.ModelVersion)
	}
}

func TestPredictionsQueryableFromTimeline(t *testing.T) {
	h := newHarness(t, "")

	//1.- Seed ground truth at the window start so the write-back tie can be
	// checked alongside the new forecast entries.
	truth := liveAircraft("N777", testEpochMs)
	truth.Source = timeline.SourceHistorical
	h.cache.PutBatch(context.Background(), []timeline.Entry{truth})

	state := timeline.EntityState{
		EntityType:  timeline.EntityAircraft,
		EntityID:    "N777",
		TimestampMs: testEpochMs,
		Position:    timeline.GeoPoint{Lat: 47.6, Lng: -122.3, Altitude: timeline.Float64(10000)},
		Velocity:    &timeline.Velocity{Speed: 400, Heading: 90, Units: "kn"},
	}
	payload, _ := json.Marshal(predict.Request{
		EntityID:          "N777",
		FromMs:            testEpochMs,
		ToMs:              testEpochMs + 1_800_000,
		ResolutionSeconds: 300,
		State:             &state,
	})
	resp, err := http.Post(h.http.URL+"/prediction/aircraft", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	//2.- The same timeline query must now return history plus predictions,
	// discriminated by source.
	url := h.http.URL + "/timeline/range?entity_type=aircraft&entity_id=N777&start_time=" +
		intStr(testEpochMs) + "&end_time=" + intStr(testEpochMs+1_800_000)
	var body rangeResponse
	getJSONBody(t, url, &body)
	if body.Source == cache.TierDatabase {
		t.Fatalf("predicted window should be served from a cache tier, got %+v", body)
	}
	if body.Count != 7 {
		t.Fatalf("expected 7 entries over the predicted window, got %d", body.Count)
	}
	forecasts := 0
	for _, entry := range body.Entries {
		if entry.TimestampMs == testEpochMs {
			if entry.Source != timeline.SourceHistorical {
				t.Fatalf("ground truth at the window start was overwritten: %q", entry.Source)
			}
			continue
		}
		if !entry.Source.Forecast() {
			t.Fatalf("expected a forecast source, got %q", entry.Source)
		}
		forecasts++
	}
	if forecasts != 6 {
		t.Fatalf("expected 6 forecast entries, got %d", forecasts)
	}
}

func TestPredictionEndpointRejectsBadInput(t *testing.T) {
	h := newHarness(t, "")

	resp, err := http.Post(h.http.URL+"/prediction/unicorn", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown class, got %d", resp.StatusCode)
	}

	payload, _ := json.Marshal(predict.Request{
		EntityID:          "N1",
		FromMs:            testEpochMs,
		ToMs:              testEpochMs - 1,
		ResolutionSeconds: 300,
	})
	resp, err = http.Post(h.http.URL+"/prediction/aircraft", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for inverted window, got %d", resp.StatusCode)
	}
}

func TestPredictionBatch(t *testing.T) {
	h := newHarness(t, "")

	state := timeline.EntityState{
		EntityType:  timeline.EntityVessel,
		EntityID:    "IMO-1",
		TimestampMs: testEpochMs,
		Position:    timeline.GeoPoint{Lat: 36.8, Lng: -75.9},
		Velocity:    &timeline.Velocity{Speed: 12, Heading: 180, Units: "kn"},
	}
	payload, _ := json.Marshal(map[string]any{"requests": []predict.Request{
		{
			EntityType:        timeline.EntityVessel,
			EntityID:          "IMO-1",
			FromMs:            testEpochMs,
			ToMs:              testEpochMs + 3_600_000,
			ResolutionSeconds: 600,
			State:             &state,
		},
		{
			EntityType:        timeline.EntityVessel,
			EntityID:          "IMO-1",
			FromMs:            testEpochMs,
			ToMs:              testEpochMs - 1,
			ResolutionSeconds: 600,
		},
	}})
	resp, err := http.Post(h.http.URL+"/prediction/batch", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("batch predict: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Results []struct {
			Result *predict.Result `json:"result"`
			Error  string          `json:"error"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Results) != 2 {
		t.Fatalf("expected 2 batch items, got %d", len(body.Results))
	}
	if body.Results[0].Result == nil || len(body.Results[0].Result.Predictions) == 0 {
		t.Fatalf("first item should carry predictions: %+v", body.Results[0])
	}
	if body.Results[1].Error == "" {
		t.Fatalf("second item should carry the window error")
	}
}

func TestStatsAndHealthEndpoints(t *testing.T) {
	h := newHarness(t, "")
	h.cache.StoreLiveUpdate(context.Background(), []timeline.Entry{liveAircraft("N1", testEpochMs)})
	h.cache.Get(context.Background(), timeline.Query{EntityType: timeline.EntityAircraft, EntityID: "N1"})

	var stats struct {
		Cache     cache.Stats    `json:"cache"`
		Snapshots snapshot.Stats `json:"snapshots"`
		WSClients int            `json:"ws_clients"`
	}
	getJSONBody(t, h.http.URL+"/timeline/stats", &stats)
	if stats.Cache.TotalQueries != 1 || stats.Cache.MemoryHits != 1 {
		t.Fatalf("unexpected cache stats %+v", stats.Cache)
	}

	if resp := getJSONBody(t, h.http.URL+"/livez", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("livez: %d", resp.StatusCode)
	}
	var ready struct {
		RedisConnected bool `json:"redis_connected"`
	}
	if resp := getJSONBody(t, h.http.URL+"/readyz", &ready); resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz: %d", resp.StatusCode)
	}
	if !ready.RedisConnected {
		t.Fatalf("readiness should see the test redis as connected")
	}
	if resp := getJSONBody(t, h.http.URL+"/metrics", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
}

func intStr(v int64) string {
	return strconv.FormatInt(v, 10)
}
