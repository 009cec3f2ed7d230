package timeline

// Waypoint is a single flight-plan or route point. TimeMs is optional.
type Waypoint struct {
	Lat      float64  `json:"lat"`
	Lng      float64  `json:"lng"`
	Altitude *float64 `json:"altitude,omitempty"`
	TimeMs   int64    `json:"time_ms,omitempty"`
}

// Point converts the waypoint into a GeoPoint.
func (w Waypoint) Point() GeoPoint {
	return GeoPoint{Lat: w.Lat, Lng: w.Lng, Altitude: w.Altitude}
}

// FlightPlan captures a filed route for an aircraft.
type FlightPlan struct {
	Waypoints []Waypoint `json:"waypoints"`
	Departure string     `json:"departure,omitempty"`
	Arrival   string     `json:"arrival,omitempty"`
}

// EntityState is the last-known ground-truth snapshot a predictor starts from.
// Class-specific fields stay in the same record and remain unused for other
// classes; there is deliberately no type hierarchy here.
type EntityState struct {
	EntityType  EntityType     `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	TimestampMs int64          `json:"timestamp_ms"`
	Position    GeoPoint       `json:"position"`
	Velocity    *Velocity      `json:"velocity,omitempty"`
	FlightPlan  *FlightPlan    `json:"flight_plan,omitempty"`
	Destination string         `json:"destination,omitempty"`
	TLELine1    string         `json:"tle_line1,omitempty"`
	TLELine2    string         `json:"tle_line2,omitempty"`
	Species     string         `json:"species,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// MetaFloat reads a numeric metadata value, tolerating the float64/int
// variants JSON decoding produces.
func (s *EntityState) MetaFloat(key string, fallback float64) float64 {
	if s == nil || s.Metadata == nil {
		return fallback
	}
	switch v := s.Metadata[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return fallback
	}
}

// MetaString reads a string metadata value.
func (s *EntityState) MetaString(key string) string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	if v, ok := s.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// StateFromEntry lifts a timeline entry into an EntityState so the newest
// cached observation can seed a prediction.
func StateFromEntry(e Entry) *EntityState {
	state := &EntityState{
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		TimestampMs: e.TimestampMs,
		Velocity:    e.Data.Velocity,
		Metadata:    e.Data.Metadata,
	}
	if e.Data.Position != nil {
		state.Position = *e.Data.Position
	}
	return state
}
