package predict

import (
	"context"
	"math"
	"testing"
	"time"

	"crep/timeline/internal/logging"
	"crep/timeline/internal/timeline"
)

const (
	issTLE1 = "1 25544U 98067A   24001.50000000  .00016717  00000-0  10270-3 0  9000"
	issTLE2 = "2 25544  51.6416 247.4627 0006703 130.5360 325.0288 15.49309239426000"

	flatTLE1 = "1 00001U 24001A   24001.00000000  .00000000  00000-0  00000-0 0    01"
	flatTLE2 = "2 00001  53.0000   0.0000 0001000   0.0000   0.0000 15.00000000    01"
)

func TestParseTLE(t *testing.T) {
	elements, err := parseTLE(issTLE1, issTLE2)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if math.Abs(elements.InclinationDeg-51.6416) > 1e-6 {
		t.Fatalf("bad inclination: %f", elements.InclinationDeg)
	}
	if math.Abs(elements.MeanMotionRevPerDay-15.49309239) > 1e-6 {
		t.Fatalf("bad mean motion: %f", elements.MeanMotionRevPerDay)
	}
	if math.Abs(elements.Eccentricity-0.0006703) > 1e-9 {
		t.Fatalf("bad eccentricity: %f", elements.Eccentricity)
	}
	wantEpoch := time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)
	if !elements.Epoch.Equal(wantEpoch) {
		t.Fatalf("bad epoch: %s", elements.Epoch)
	}

	if _, err := parseTLE("garbage", issTLE2); err == nil {
		t.Fatalf("expected short line rejection")
	}
}

func TestSatelliteGroundTrack(t *testing.T) {
	state := &timeline.EntityState{
		EntityType:  timeline.EntitySatellite,
		EntityID:    "ISS",
		TimestampMs: time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
		TLELine1:    issTLE1,
		TLELine2:    issTLE2,
	}
	predictor := NewPredictor(newSatelliteModel(), stubStates{state: state}, logging.NewTestLogger())

	from := state.TimestampMs
	result, err := predictor.Predict(context.Background(), Request{
		EntityType:        timeline.EntitySatellite,
		EntityID:          "ISS",
		FromMs:            from,
		ToMs:              from + 89*60*1000,
		ResolutionSeconds: 60,
	})
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}
	if len(result.Predictions) != 90 {
		t.Fatalf("expected 90 predictions, got %d", len(result.Predictions))
	}

	maxLat := 0.0
	for _, prediction := range result.Predictions {
		if prediction.PredictionSource != timeline.SourceOrbitPropagation {
			t.Fatalf("expected orbit_propagation source, got %q", prediction.PredictionSource)
		}
		lat := prediction.Data.Position.Lat
		if math.Abs(lat) > 51.65 {
			t.Fatalf("latitude exceeded the inclination bound: %f", lat)
		}
		if math.Abs(lat) > maxLat {
			maxLat = math.Abs(lat)
		}
		alt := prediction.Data.Position.AltitudeOr(0)
		if alt < 400_000 || alt > 420_000 {
			t.Fatalf("altitude outside the ISS band: %f", alt)
		}
	}
	//1.- One near-full orbit should swing latitude close to the inclination.
	if maxLat < 45 {
		t.Fatalf("latitude amplitude too small: %f", maxLat)
	}
	if result.ModelVersion != "orbit-v1-simplified" {
		t.Fatalf("expected the simplified model tag, got %q", result.ModelVersion)
	}
}

func TestSatelliteLongitudeRegression(t *testing.T) {
	//1.- At exactly 15 rev/day, one revolution is 5760 s, so successive ticks
	// at that stride revisit the same orbital phase and the longitude shifts
	// west purely by Earth rotation (~24 degrees).
	state := &timeline.EntityState{
		EntityType:  timeline.EntitySatellite,
		EntityID:    "FLAT",
		TimestampMs: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC).UnixMilli(),
		TLELine1:    flatTLE1,
		TLELine2:    flatTLE2,
	}
	from := state.TimestampMs
	model := newSatelliteModel()
	predictions, warnings := model.PredictPositions(state, from, from+2*5760*1000, 5760)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(predictions) != 3 {
		t.Fatalf("expected 3 per-revolution ticks, got %d", len(predictions))
	}
	for i := 1; i < len(predictions); i++ {
		delta := lngDelta(predictions[i-1].Data.Position.Lng, predictions[i].Data.Position.Lng)
		if math.Abs(delta+24.066) > 0.5 {
			t.Fatalf("expected ~24 degree westward regression, got %f", delta)
		}
	}
}

func TestSatelliteWithoutTLEWarns(t *testing.T) {
	state := &timeline.EntityState{
		EntityType:  timeline.EntitySatellite,
		EntityID:    "BARE",
		TimestampMs: testT0,
	}
	predictor := NewPredictor(newSatelliteModel(), stubStates{state: state}, logging.NewTestLogger())

	result, err := predictor.Predict(context.Background(), Request{
		EntityType:        timeline.EntitySatellite,
		EntityID:          "BARE",
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

func lngDelta(from, to float64) float64 {
	delta := to - from
	for delta > 180 {
		delta -= 360
	}
	for delta < -180 {
		delta += 360
	}
	return delta
}
