package predict

import (
	"fmt"
	"math"
	"time"

	"crep/timeline/internal/geo"
	"crep/timeline/internal/timeline"
)

const (
	// aircraftCeilingMeters caps extrapolated altitude at roughly 45,000 ft.
	aircraftCeilingMeters = 13716.0
	// aircraftDefaultSpeedKn seeds route-following when no velocity is known.
	aircraftDefaultSpeedKn = 250.0
)

type aircraftModel struct{}

func newAircraftModel() *aircraftModel { return &aircraftModel{} }

func (m *aircraftModel) Params() Params {
	return Params{
		EntityType:            timeline.EntityAircraft,
		ModelVersion:          "aircraft-v1",
		InitialConfidence:     0.95,
		HalfLifeSeconds:       600,
		MinimumConfidence:     0.2,
		MaxHorizon:            4 * time.Hour,
		BaseUncertaintyMeters: 50,
		UncertaintyGrowth:     0.5,
		MinResolutionSeconds:  30,
		MaxResolutionSeconds:  3600,
	}
}

// PredictPositions follows the filed flight plan when one exists, otherwise
// extrapolates the current velocity vector.
func (m *aircraftModel) PredictPositions(state *timeline.EntityState, fromMs, toMs int64, resolutionSeconds int) ([]timeline.PredictedPosition, []string) {
	if state.FlightPlan != nil && len(state.FlightPlan.Waypoints) > 0 {
		return m.followRoute(state, fromMs, toMs, resolutionSeconds)
	}
	if state.Velocity == nil {
		return nil, []string{fmt.Sprintf("aircraft %q has no flight plan and no velocity", state.EntityID)}
	}
	return m.extrapolate(state, fromMs, toMs, resolutionSeconds), nil
}

// followRoute walks the flight plan segment by segment, crossing waypoints
// mid-tick when the stride overshoots a segment boundary.
func (m *aircraftModel) followRoute(state *timeline.EntityState, fromMs, toMs int64, resolutionSeconds int) ([]timeline.PredictedPosition, []string) {
	waypoints := state.FlightPlan.Waypoints
	speedKn := aircraftDefaultSpeedKn
	if state.Velocity != nil && state.Velocity.Speed > 0 {
		speedKn = state.Velocity.Speed
	}
	speedMps := speedKn * geo.KnotsToMps

	//1.- Start from the waypoint closest to the last observed position.
	current := state.Position
	target := closestWaypointIndex(waypoints, current) + 1
	lastHeading := 90.0
	if state.Velocity != nil {
		lastHeading = state.Velocity.Heading
	}

	ticks := tickTimes(fromMs, toMs, resolutionSeconds)
	predictions := make([]timeline.PredictedPosition, 0, len(ticks))
	for _, tick := range ticks {
		heading := lastHeading
		var climbRate *float64
		if target < len(waypoints) {
			next := waypoints[target].Point()
			heading = geo.Bearing(current, next)
			if current.Altitude != nil && next.Altitude != nil {
				if segmentTime := geo.Distance(current, next) / speedMps; segmentTime > 0 {
					climbRate = timeline.Float64((*next.Altitude - *current.Altitude) / segmentTime)
				}
			}
		}
		lastHeading = heading
		predictions = append(predictions, routePrediction(tick, current, speedKn, heading, climbRate))

		//2.- Advance one tick along the route, consuming whole segments first.
		remaining := float64(resolutionSeconds)
		for remaining > 0 && target < len(waypoints) {
			next := waypoints[target].Point()
			segmentTime := geo.Distance(current, next) / speedMps
			if segmentTime <= remaining {
				carried := current.Altitude
				current = next
				if current.Altitude == nil {
					current.Altitude = carried
				}
				target++
				remaining -= segmentTime
				continue
			}
			fraction := remaining / segmentTime
			carried := current.Altitude
			current = geo.Interpolate(current, next, fraction)
			if current.Altitude == nil {
				current.Altitude = carried
			}
			remaining = 0
		}
		//3.- Past the last waypoint the track continues straight ahead.
		if remaining > 0 {
			current = geo.Destination(current, lastHeading, speedMps*remaining)
		}
	}
	return predictions, nil
}

func (m *aircraftModel) extrapolate(state *timeline.EntityState, fromMs, toMs int64, resolutionSeconds int) []timeline.PredictedPosition {
	velocity := state.Velocity
	speedMps := velocity.Speed * geo.KnotsToMps
	climbRate := 0.0
	if velocity.ClimbRate != nil {
		climbRate = *velocity.ClimbRate
	}

	current := state.Position
	altitude := current.AltitudeOr(0)
	ticks := tickTimes(fromMs, toMs, resolutionSeconds)
	predictions := make([]timeline.PredictedPosition, 0, len(ticks))
	for i, tick := range ticks {
		if i > 0 {
			current = geo.Destination(current, velocity.Heading, speedMps*float64(resolutionSeconds))
			altitude = math.Min(math.Max(altitude+climbRate*float64(resolutionSeconds), 0), aircraftCeilingMeters)
		}
		position := current
		position.Altitude = timeline.Float64(altitude)
		prediction := timeline.PredictedPosition{
			Entry: timeline.Entry{
				TimestampMs: tick,
				Source:      timeline.SourceExtrapolation,
				Data: timeline.EntryData{
					Position: &position,
					Velocity: &timeline.Velocity{Speed: velocity.Speed, Heading: velocity.Heading, ClimbRate: velocity.ClimbRate, Units: "kn"},
				},
			},
			PredictionSource: timeline.SourceExtrapolation,
		}
		predictions = append(predictions, prediction)
	}
	return predictions
}

func routePrediction(tick int64, position timeline.GeoPoint, speedKn, heading float64, climbRate *float64) timeline.PredictedPosition {
	point := position
	return timeline.PredictedPosition{
		Entry: timeline.Entry{
			TimestampMs: tick,
			Source:      timeline.SourceFlightPlan,
			Data: timeline.EntryData{
				Position: &point,
				Velocity: &timeline.Velocity{Speed: speedKn, Heading: heading, ClimbRate: climbRate, Units: "kn"},
			},
		},
		PredictionSource: timeline.SourceFlightPlan,
	}
}

func closestWaypointIndex(waypoints []timeline.Waypoint, position timeline.GeoPoint) int {
	closest := 0
	best := math.MaxFloat64
	for i, waypoint := range waypoints {
		if d := geo.Distance(position, waypoint.Point()); d < best {
			best = d
			closest = i
		}
	}
	return closest
}
