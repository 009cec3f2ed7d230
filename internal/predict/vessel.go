package predict

import (
	"strings"
	"time"

	"crep/timeline/internal/geo"
	"crep/timeline/internal/timeline"
)

const (
	// vesselDefaultSpeedKn is assumed when no velocity is reported.
	vesselDefaultSpeedKn = 12.0
	// vesselWaypointSpacingMeters spaces generated route waypoints.
	vesselWaypointSpacingMeters = 100_000.0
)

// knownPorts is the closed lookup table of destination codes. Extending it is
// a data change, not a code change.
var knownPorts = map[string]timeline.GeoPoint{
	"USSEA": {Lat: 47.6021, Lng: -122.3394},
	"USLAX": {Lat: 33.7292, Lng: -118.2620},
	"USNYC": {Lat: 40.6681, Lng: -74.0451},
	"NLRTM": {Lat: 51.9490, Lng: 4.1453},
	"DEHAM": {Lat: 53.5414, Lng: 9.9349},
	"SGSIN": {Lat: 1.2644, Lng: 103.8222},
	"CNSHA": {Lat: 31.3403, Lng: 121.6430},
	"JPTYO": {Lat: 35.6090, Lng: 139.7800},
}

type vesselModel struct{}

func newVesselModel() *vesselModel { return &vesselModel{} }

func (m *vesselModel) Params() Params {
	return Params{
		EntityType:            timeline.EntityVessel,
		ModelVersion:          "vessel-v1",
		InitialConfidence:     0.90,
		HalfLifeSeconds:       3600,
		MinimumConfidence:     0.3,
		MaxHorizon:            48 * time.Hour,
		BaseUncertaintyMeters: 200,
		UncertaintyGrowth:     0.2,
		MinResolutionSeconds:  60,
		MaxResolutionSeconds:  7200,
	}
}

// PredictPositions routes toward a known destination port when one is set,
// otherwise extrapolates the current track.
func (m *vesselModel) PredictPositions(state *timeline.EntityState, fromMs, toMs int64, resolutionSeconds int) ([]timeline.PredictedPosition, []string) {
	if port, ok := knownPorts[strings.ToUpper(strings.TrimSpace(state.Destination))]; ok {
		return m.routeToPort(state, port, fromMs, toMs, resolutionSeconds), nil
	}
	if state.Velocity == nil {
		return nil, []string{"vessel has no known destination and no velocity"}
	}
	return m.extrapolate(state, fromMs, toMs, resolutionSeconds), nil
}

// routeToPort walks a generated great-circle route with roughly one waypoint
// per 100 km.
func (m *vesselModel) routeToPort(state *timeline.EntityState, port timeline.GeoPoint, fromMs, toMs int64, resolutionSeconds int) []timeline.PredictedPosition {
	speedKn := vesselDefaultSpeedKn
	if state.Velocity != nil && state.Velocity.Speed > 0 {
		speedKn = state.Velocity.Speed
	}
	speedMps := speedKn * geo.KnotsToMps

	//1.- Lay out evenly spaced waypoints along the great circle to the port.
	total := geo.Distance(state.Position, port)
	segments := int(total/vesselWaypointSpacingMeters) + 1
	waypoints := make([]timeline.GeoPoint, 0, segments)
	for i := 1; i <= segments; i++ {
		waypoints = append(waypoints, geo.Interpolate(state.Position, port, float64(i)/float64(segments)))
	}

	current := state.Position
	target := 0
	ticks := tickTimes(fromMs, toMs, resolutionSeconds)
	predictions := make([]timeline.PredictedPosition, 0, len(ticks))
	lastHeading := geo.Bearing(current, port)
	for _, tick := range ticks {
		heading := lastHeading
		if target < len(waypoints) {
			heading = geo.Bearing(current, waypoints[target])
			lastHeading = heading
		}
		predictions = append(predictions, vesselPrediction(tick, current, speedKn, heading, timeline.SourceRoutePlan))

		//2.- A vessel that has reached port holds position.
		remaining := float64(resolutionSeconds)
		for remaining > 0 && target < len(waypoints) {
			segmentTime := geo.Distance(current, waypoints[target]) / speedMps
			if segmentTime <= remaining {
				current = waypoints[target]
				target++
				remaining -= segmentTime
				continue
			}
			current = geo.Interpolate(current, waypoints[target], remaining/segmentTime)
			remaining = 0
		}
	}
	return predictions
}

func (m *vesselModel) extrapolate(state *timeline.EntityState, fromMs, toMs int64, resolutionSeconds int) []timeline.PredictedPosition {
	velocity := state.Velocity
	speedMps := velocity.Speed * geo.KnotsToMps
	current := state.Position
	ticks := tickTimes(fromMs, toMs, resolutionSeconds)
	predictions := make([]timeline.PredictedPosition, 0, len(ticks))
	for i, tick := range ticks {
		if i > 0 {
			current = geo.Destination(current, velocity.Heading, speedMps*float64(resolutionSeconds))
		}
		predictions = append(predictions, vesselPrediction(tick, current, velocity.Speed, velocity.Heading, timeline.SourceExtrapolation))
	}
	return predictions
}

func vesselPrediction(tick int64, position timeline.GeoPoint, speedKn, heading float64, source timeline.Source) timeline.PredictedPosition {
	point := position
	point.Altitude = nil
	return timeline.PredictedPosition{
		Entry: timeline.Entry{
			TimestampMs: tick,
			Source:      source,
			Data: timeline.EntryData{
				Position: &point,
				Velocity: &timeline.Velocity{Speed: speedKn, Heading: heading, Units: "kn"},
			},
		},
		PredictionSource: source,
	}
}
