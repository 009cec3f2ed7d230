package predict

import (
	"context"
	"testing"

	"crep/timeline/internal/logging"
	"crep/timeline/internal/timeline"
)

type fakeQuerier struct {
	entries []timeline.Entry
}

func (f fakeQuerier) Get(ctx context.Context, query timeline.Query) timeline.QueryResult {
	return timeline.QueryResult{Entries: f.entries, Hit: len(f.entries) > 0}
}

func TestEngineRoutesEveryClass(t *testing.T) {
	engine := NewEngine(stubStates{}, logging.NewTestLogger(), 0)
	for _, entityType := range []timeline.EntityType{
		timeline.EntityAircraft, timeline.EntityVessel, timeline.EntitySatellite,
		timeline.EntityWildlife, timeline.EntityEarthquake, timeline.EntityWildfire, timeline.EntityStorm,
	} {
		predictor, ok := engine.For(entityType)
		if !ok || predictor.EntityType() != entityType {
			t.Fatalf("missing predictor for %s", entityType)
		}
	}
	if _, ok := engine.For(timeline.EntityWeather); ok {
		t.Fatalf("weather has no motion predictor")
	}
}

func TestCacheStateProviderPrefersGroundTruth(t *testing.T) {
	forecast := timeline.Entry{
		EntityType:  timeline.EntityAircraft,
		EntityID:    "N1",
		TimestampMs: 9000,
		Source:      timeline.SourceExtrapolation,
	}
	live := timeline.Entry{
		EntityType:  timeline.EntityAircraft,
		EntityID:    "N1",
		TimestampMs: 5000,
		Source:      timeline.SourceLive,
		Data: timeline.EntryData{
			Position: &timeline.GeoPoint{Lat: 47.6, Lng: -122.3},
			Metadata: map[string]any{
				"destination": "ussea",
				"species":     "gray_whale",
				"flight_plan": map[string]any{
					"waypoints": []any{map[string]any{"lat": 47.45, "lng": -122.3}},
				},
			},
		},
	}
	provider := NewCacheStateProvider(fakeQuerier{entries: []timeline.Entry{forecast, live}})

	state, ok := provider.CurrentState(context.Background(), timeline.EntityAircraft, "N1")
	if !ok {
		t.Fatalf("expected a state")
	}
	//1.- The newer forecast entry must not seed the prediction.
	if state.TimestampMs != 5000 {
		t.Fatalf("expected the live entry to win, got ts %d", state.TimestampMs)
	}
	if state.Destination != "ussea" || state.Species != "gray_whale" {
		t.Fatalf("metadata carry-ons missing: %+v", state)
	}
	if state.FlightPlan == nil || len(state.FlightPlan.Waypoints) != 1 {
		t.Fatalf("flight plan not decoded: %+v", state.FlightPlan)
	}
}

func TestCacheStateProviderWithoutGroundTruth(t *testing.T) {
	provider := NewCacheStateProvider(fakeQuerier{entries: []timeline.Entry{{
		EntityType: timeline.EntityAircraft, EntityID: "N1", TimestampMs: 1, Source: timeline.SourceForecast,
	}}})
	if _, ok := provider.CurrentState(context.Background(), timeline.EntityAircraft, "N1"); ok {
		t.Fatalf("forecast-only history must not produce a state")
	}
}
