package predict

import (
	"context"
	"encoding/json"
	"time"

	"crep/timeline/internal/logging"
	"crep/timeline/internal/timeline"
)

// TimelineQuerier is the slice of the cache manager the state provider needs.
type TimelineQuerier interface {
	Get(ctx context.Context, query timeline.Query) timeline.QueryResult
}

// CacheStateProvider resolves entity state from the freshest ground-truth
// entry held by the cache tiers.
type CacheStateProvider struct {
	cache TimelineQuerier
}

// NewCacheStateProvider wraps a timeline querier.
func NewCacheStateProvider(cache TimelineQuerier) *CacheStateProvider {
	return &CacheStateProvider{cache: cache}
}

// CurrentState returns the state lifted from the newest live or historical
// entry for the entity, or false when nothing usable is cached.
func (p *CacheStateProvider) CurrentState(ctx context.Context, entityType timeline.EntityType, entityID string) (*timeline.EntityState, bool) {
	if p == nil || p.cache == nil {
		return nil, false
	}
	result := p.cache.Get(ctx, timeline.Query{EntityType: entityType, EntityID: entityID})

	//1.- Pick the newest ground-truth entry; forecasts never seed a prediction.
	var newest *timeline.Entry
	for i := range result.Entries {
		entry := &result.Entries[i]
		if !entry.Source.GroundTruth() {
			continue
		}
		if newest == nil || entry.TimestampMs > newest.TimestampMs {
			newest = entry
		}
	}
	if newest == nil {
		return nil, false
	}
	state := timeline.StateFromEntry(*newest)

	//2.- Class-specific carry-ons ride in the metadata bag on ingest.
	state.Destination = state.MetaString("destination")
	state.TLELine1 = state.MetaString("tle_line1")
	state.TLELine2 = state.MetaString("tle_line2")
	state.Species = state.MetaString("species")
	if raw, ok := newest.Data.Metadata["flight_plan"]; ok {
		if plan := decodeFlightPlan(raw); plan != nil {
			state.FlightPlan = plan
		}
	}
	return state, true
}

// decodeFlightPlan tolerates the map shape JSON ingest produces for a nested
// flight plan document.
func decodeFlightPlan(raw any) *timeline.FlightPlan {
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var plan timeline.FlightPlan
	if err := json.Unmarshal(encoded, &plan); err != nil || len(plan.Waypoints) == 0 {
		return nil
	}
	return &plan
}

// Engine holds one predictor per entity class and routes requests by type.
type Engine struct {
	predictors map[timeline.EntityType]*Predictor
}

// NewEngine constructs the full predictor set over one state provider.
func NewEngine(states StateProvider, logger *logging.Logger, cacheTTL time.Duration, opts ...Option) *Engine {
	if cacheTTL > 0 {
		opts = append([]Option{WithCacheTTL(cacheTTL)}, opts...)
	}
	build := func(model Model) *Predictor {
		return NewPredictor(model, states, logger, opts...)
	}
	return &Engine{predictors: map[timeline.EntityType]*Predictor{
		timeline.EntityAircraft:   build(newAircraftModel()),
		timeline.EntityVessel:     build(newVesselModel()),
		timeline.EntitySatellite:  build(newSatelliteModel()),
		timeline.EntityWildlife:   build(newWildlifeModel()),
		timeline.EntityEarthquake: build(newHazardModel(timeline.EntityEarthquake)),
		timeline.EntityWildfire:   build(newHazardModel(timeline.EntityWildfire)),
		timeline.EntityStorm:      build(newHazardModel(timeline.EntityStorm)),
	}}
}

// For returns the predictor for an entity class.
func (e *Engine) For(entityType timeline.EntityType) (*Predictor, bool) {
	if e == nil {
		return nil, false
	}
	predictor, ok := e.predictors[entityType]
	return predictor, ok
}

// Types lists the classes the engine can predict, in no particular order.
func (e *Engine) Types() []timeline.EntityType {
	if e == nil {
		return nil
	}
	types := make([]timeline.EntityType, 0, len(e.predictors))
	for entityType := range e.predictors {
		types = append(types, entityType)
	}
	return types
}
