package timeline

import (
	"fmt"
	"strings"
	"time"
)

// EntityType identifies one of the closed set of tracked entity classes.
type EntityType string

const (
	EntityAircraft   EntityType = "aircraft"
	EntityVessel     EntityType = "vessel"
	EntitySatellite  EntityType = "satellite"
	EntityWildlife   EntityType = "wildlife"
	EntityEarthquake EntityType = "earthquake"
	EntityWildfire   EntityType = "wildfire"
	EntityStorm      EntityType = "storm"
	EntityWeather    EntityType = "weather"
)

var entityTypes = map[EntityType]struct{}{
	EntityAircraft:   {},
	EntityVessel:     {},
	EntitySatellite:  {},
	EntityWildlife:   {},
	EntityEarthquake: {},
	EntityWildfire:   {},
	EntityStorm:      {},
	EntityWeather:    {},
}

// Valid reports whether the entity type belongs to the closed enumeration.
func (t EntityType) Valid() bool {
	_, ok := entityTypes[t]
	return ok
}

// ParseEntityType normalises raw input into an EntityType or reports an error.
func ParseEntityType(raw string) (EntityType, error) {
	candidate := EntityType(strings.ToLower(strings.TrimSpace(raw)))
	if !candidate.Valid() {
		return "", fmt.Errorf("unknown entity type %q", raw)
	}
	return candidate, nil
}

// Source tags where a timeline entry originated.
type Source string

const (
	SourceLive             Source = "live"
	SourceHistorical       Source = "historical"
	SourceForecast         Source = "forecast"
	SourceCached           Source = "cached"
	SourcePrediction       Source = "prediction"
	SourceExtrapolation    Source = "extrapolation"
	SourceFlightPlan       Source = "flight_plan"
	SourceOrbitPropagation Source = "orbit_propagation"
	SourceRoutePlan        Source = "route_plan"
	SourceMigrationModel   Source = "migration_model"
	SourceEarth2Forecast   Source = "earth2_forecast"
	SourceStatistical      Source = "statistical"
	SourceHazardModel      Source = "hazard_model"
)

var forecastSources = map[Source]struct{}{
	SourceForecast:         {},
	SourcePrediction:       {},
	SourceExtrapolation:    {},
	SourceFlightPlan:       {},
	SourceOrbitPropagation: {},
	SourceRoutePlan:        {},
	SourceMigrationModel:   {},
	SourceEarth2Forecast:   {},
	SourceStatistical:      {},
	SourceHazardModel:      {},
}

// Forecast reports whether the source marks synthesized future data rather than
// ground truth.
func (s Source) Forecast() bool {
	_, ok := forecastSources[s]
	return ok
}

// GroundTruth reports whether an entry with this source must never be
// overwritten by prediction output.
func (s Source) GroundTruth() bool {
	return s == SourceLive || s == SourceHistorical
}

// ForecastSources lists every source tag in the forecast set, in a stable order
// suitable for SQL IN clauses.
func ForecastSources() []Source {
	return []Source{
		SourceForecast, SourcePrediction, SourceExtrapolation, SourceFlightPlan,
		SourceOrbitPropagation, SourceRoutePlan, SourceMigrationModel,
		SourceEarth2Forecast, SourceStatistical, SourceHazardModel,
	}
}

// GeoPoint is a WGS84 position. Altitude is metres and may be absent.
type GeoPoint struct {
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Altitude *float64 `json:"altitude,omitempty"`
}

// Valid reports whether the coordinates fall inside the WGS84 domain.
func (p GeoPoint) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// AltitudeOr returns the altitude when present, otherwise the fallback.
func (p GeoPoint) AltitudeOr(fallback float64) float64 {
	if p.Altitude == nil {
		return fallback
	}
	return *p.Altitude
}

// Float64 returns a pointer to v, easing optional field construction.
func Float64(v float64) *float64 { return &v }

// Velocity describes entity motion. Units is the speed unit written by the
// producing predictor: "kn" for aircraft and vessels, "mps" otherwise.
type Velocity struct {
	Speed     float64  `json:"speed"`
	Heading   float64  `json:"heading"`
	ClimbRate *float64 `json:"climb_rate,omitempty"`
	Units     string   `json:"units,omitempty"`
}

// EntryData is the structured payload carried by a timeline entry. The cache
// tiers treat it as opaque; by convention it holds position, velocity, and an
// arbitrary metadata bag.
type EntryData struct {
	Position *GeoPoint      `json:"position,omitempty"`
	Velocity *Velocity      `json:"velocity,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Entry is one timeline record for an entity at a single instant. Timestamps
// are epoch milliseconds UTC.
type Entry struct {
	EntityType  EntityType `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	TimestampMs int64      `json:"timestamp_ms"`
	Data        EntryData  `json:"data"`
	Source      Source     `json:"source"`
	CreatedAtMs int64      `json:"created_at_ms"`
	ExpiresAtMs int64      `json:"expires_at_ms,omitempty"`
}

// CacheKey derives the canonical cache key for the entry. The ':' separator is
// reserved across every tier.
func (e Entry) CacheKey() string {
	return EntryKey(e.EntityType, e.EntityID, e.TimestampMs)
}

// EntryKey builds the canonical per-entry cache key.
func EntryKey(entityType EntityType, entityID string, timestampMs int64) string {
	return fmt.Sprintf("timeline:%s:%s:%d", entityType, entityID, timestampMs)
}

// IndexKey builds the per-entity sorted-set time index key used by the
// networked cache tier.
func IndexKey(entityType EntityType, entityID string) string {
	return fmt.Sprintf("timeline:idx:%s:%s", entityType, entityID)
}

// Expired reports whether the entry's hard deadline has passed. Entries
// without an expiry never expire.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAtMs > 0 && now.UnixMilli() >= e.ExpiresAtMs
}

// UncertaintyCone bounds where the entity may actually be around a predicted
// position.
type UncertaintyCone struct {
	RadiusMeters   float64  `json:"radius_meters"`
	AltitudeMeters *float64 `json:"altitude_meters,omitempty"`
}

// PredictedPosition is a timeline entry synthesized by a predictor, carrying a
// calibrated confidence and an optional uncertainty cone.
type PredictedPosition struct {
	Entry
	Confidence       float64          `json:"confidence"`
	Uncertainty      *UncertaintyCone `json:"uncertainty,omitempty"`
	PredictionSource Source           `json:"prediction_source"`
	ModelVersion     string           `json:"model_version"`
}
