package predict

import (
	"context"
	"math"
	"testing"

	"crep/timeline/internal/logging"
	"crep/timeline/internal/timeline"
)

func TestAircraftFollowsFlightPlan(t *testing.T) {
	state := &timeline.EntityState{
		EntityType:  timeline.EntityAircraft,
		EntityID:    "N12345",
		TimestampMs: testT0,
		Position:    timeline.GeoPoint{Lat: 47.45, Lng: -122.30, Altitude: timeline.Float64(3000)},
		Velocity:    &timeline.Velocity{Speed: 250, Heading: 90, Units: "kn"},
		FlightPlan: &timeline.FlightPlan{Waypoints: []timeline.Waypoint{
			{Lat: 47.45, Lng: -122.30, Altitude: timeline.Float64(3000)},
			{Lat: 47.45, Lng: -100.00, Altitude: timeline.Float64(35000)},
			{Lat: 41.97, Lng: -87.90, Altitude: timeline.Float64(3000)},
		}},
	}
	predictor := NewPredictor(newAircraftModel(), stubStates{state: state}, logging.NewTestLogger())

	result, err := predictor.Predict(context.Background(), Request{
		EntityType:        timeline.EntityAircraft,
		EntityID:          "N12345",
		FromMs:            testT0,
		ToMs:              testT0 + 2*60*60*1000,
		ResolutionSeconds: 300,
	})
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}
	if len(result.Predictions) != 25 {
		t.Fatalf("expected 25 predictions over two hours at 300 s, got %d", len(result.Predictions))
	}

	first := result.Predictions[0]
	if d := distanceToState(first, state); d > 1000 {
		t.Fatalf("first prediction should sit near the current position, %f m away", d)
	}
	if heading := first.Data.Velocity.Heading; math.Abs(heading-90) > 15 {
		t.Fatalf("expected an eastbound first heading, got %f", heading)
	}

	//1.- The climb toward the cruise waypoint is monotone.
	previousAlt := -1.0
	for _, prediction := range result.Predictions {
		if prediction.PredictionSource != timeline.SourceFlightPlan {
			t.Fatalf("expected flight_plan source, got %q", prediction.PredictionSource)
		}
		alt := prediction.Data.Position.AltitudeOr(0)
		if alt < previousAlt {
			t.Fatalf("altitude descended on the climb segment: %f after %f", alt, previousAlt)
		}
		previousAlt = alt
	}
	if final := result.Predictions[24].Confidence; final < 0.2 {
		t.Fatalf("confidence fell below the floor: %f", final)
	}
}

func TestAircraftExtrapolatesWithoutPlan(t *testing.T) {
	state := &timeline.EntityState{
		EntityType:  timeline.EntityAircraft,
		EntityID:    "N2",
		TimestampMs: testT0,
		Position:    timeline.GeoPoint{Lat: 40.0, Lng: -105.0, Altitude: timeline.Float64(10000)},
		Velocity:    &timeline.Velocity{Speed: 400, Heading: 180, ClimbRate: timeline.Float64(10), Units: "kn"},
	}
	predictor := NewPredictor(newAircraftModel(), stubStates{state: state}, logging.NewTestLogger())

	result, err := predictor.Predict(context.Background(), Request{
		EntityType:        timeline.EntityAircraft,
		EntityID:          "N2",
		FromMs:            testT0,
		ToMs:              testT0 + 60*60*1000,
		ResolutionSeconds: 300,
	})
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}
	for i, prediction := range result.Predictions {
		if prediction.PredictionSource != timeline.SourceExtrapolation {
			t.Fatalf("expected extrapolation source, got %q", prediction.PredictionSource)
		}
		//1.- Southbound track: latitude strictly decreases after the first tick.
		if i > 0 && prediction.Data.Position.Lat >= result.Predictions[i-1].Data.Position.Lat {
			t.Fatalf("southbound latitude did not decrease at tick %d", i)
		}
		if alt := prediction.Data.Position.AltitudeOr(0); alt > aircraftCeilingMeters {
			t.Fatalf("altitude exceeded the ceiling: %f", alt)
		}
	}
	//2.- A sustained climb at 10 m/s hits the ceiling inside the hour.
	if final := result.Predictions[len(result.Predictions)-1].Data.Position.AltitudeOr(0); final != aircraftCeilingMeters {
		t.Fatalf("expected the ceiling clamp, got %f", final)
	}
}

func TestAircraftWithoutPlanOrVelocityWarns(t *testing.T) {
	state := &timeline.EntityState{
		EntityType:  timeline.EntityAircraft,
		EntityID:    "N3",
		TimestampMs: testT0,
		Position:    timeline.GeoPoint{Lat: 40.0, Lng: -105.0},
	}
	predictor := NewPredictor(newAircraftModel(), stubStates{state: state}, logging.NewTestLogger())

	result, err := predictor.Predict(context.Background(), Request{
		EntityType:        timeline.EntityAircraft,
		EntityID:          "N3",
		FromMs:            testT0,
		ToMs:              testT0 + 600_000,
		ResolutionSeconds: 60,
	})
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}
	if len(result.Predictions) != 0 || len(result.Warnings) == 0 {
		t.Fatalf("expected an empty warned result, got %+v", result)
	}
}

func distanceToState(prediction timeline.PredictedPosition, state *timeline.EntityState) float64 {
	dLat := (prediction.Data.Position.Lat - state.Position.Lat) * 111_320
	dLng := (prediction.Data.Position.Lng - state.Position.Lng) * 111_320 * math.Cos(state.Position.Lat*math.Pi/180)
	return math.Hypot(dLat, dLng)
}
