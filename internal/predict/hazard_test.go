package predict

import (
	"context"
	"testing"

	"crep/timeline/internal/logging"
	"crep/timeline/internal/timeline"
)

func hazardState(entityType timeline.EntityType, metadata map[string]any) *timeline.EntityState {
	return &timeline.EntityState{
		EntityType:  entityType,
		EntityID:    "HZ-1",
		TimestampMs: testT0,
		Position:    timeline.GeoPoint{Lat: 38.5, Lng: -120.5},
		Metadata:    metadata,
	}
}

func TestWildfireSpreadsDownwind(t *testing.T) {
	state := hazardState(timeline.EntityWildfire, map[string]any{
		"hazard_type":    HazardWildfire,
		"wind_speed_kmh": 40.0,
		"wind_direction": 180.0,
		"fuel_moisture":  0.1,
		"area_hectares":  10.0,
	})
	predictor := NewPredictor(newHazardModel(timeline.EntityWildfire), stubStates{state: state}, logging.NewTestLogger())

	result, err := predictor.Predict(context.Background(), Request{
		EntityType:        timeline.EntityWildfire,
		EntityID:          "HZ-1",
		FromMs:            testT0,
		ToMs:              testT0 + 60*60*1000,
		ResolutionSeconds: 300,
	})
	if err != nil {
		t.Fatalf("predict failed: %v", err)
	}
	if len(result.Predictions) != 13 {
		t.Fatalf("expected 13 predictions over an hour, got %d", len(result.Predictions))
	}

	previousArea := 0.0
	for i, prediction := range result.Predictions {
		if prediction.PredictionSource != timeline.SourceHazardModel {
			t.Fatalf("expected hazard_model source, got %q", prediction.PredictionSource)
		}
		//1.- Wind from the south pushes every centre north of the origin.
		if i > 0 && prediction.Data.Position.Lat <= state.Position.Lat {
			t.Fatalf("fire centre did not move north at tick %d", i)
		}
		area, ok := prediction.Data.Metadata["area_hectares"].(float64)
		if !ok {
			t.Fatalf("missing area at tick %d", i)
		}
		if area < previousArea {
			t.Fatalf("burned area shrank at tick %d: %f after %f", i, area, previousArea)
		}
		previousArea = area
	}
	if previousArea <= 10 {
		t.Fatalf("expected the fire to grow past its initial area, got %f", previousArea)
	}
}

func TestEarthquakeAftershockDecay(t *testing.T) {
	state := hazardState(timeline.EntityEarthquake, map[string]any{
		"hazard_type": HazardEarthquake,
		"magnitude":   6.5,
	})
	model := newHazardModel(timeline.EntityEarthquake)

	predictions, warnings := model.PredictPositions(state, testT0, testT0+24*60*60*1000, 3600)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(predictions) != 25 {
		t.Fatalf("expected 25 hourly aftershock ticks, got %d", len(predictions))
	}
	previousExpected := 1e18
	for i, prediction := range predictions {
		if prediction.PredictionSource != timeline.SourceStatistical {
			t.Fatalf("expected statistical source, got %q", prediction.PredictionSource)
		}
		if prediction.Confidence > 0.8 {
			t.Fatalf("aftershock confidence exceeded the cap: %f", prediction.Confidence)
		}
		magnitude := prediction.Data.Metadata["magnitude"].(float64)
		//1.- Bath's law: aftershocks trail the mainshock by at least 1.2 units.
		if magnitude < 2 || magnitude > 6.5-1.2 {
			t.Fatalf("aftershock magnitude out of range: %f", magnitude)
		}
		expected := prediction.Data.Metadata["expected_in_window"].(float64)
		if expected > previousExpected {
			t.Fatalf("omori rate increased at tick %d", i)
		}
		previousExpected = expected
	}
}

func TestStormRecurvesAboveTwentyFive(t *testing.T) {
	state := &timeline.EntityState{
		EntityType:  timeline.EntityStorm,
		EntityID:    "AL09",
		TimestampMs: testT0,
		Position:    timeline.GeoPoint{Lat: 26.0, Lng: -70.0},
		Velocity:    &timeline.Velocity{Speed: 8, Heading: 300, Units: "mps"},
		Metadata:    map[string]any{"hazard_type": HazardStorm, "intensity_kmh": 150.0},
	}
	model := newHazardModel(timeline.EntityStorm)

	predictions, _ := model.PredictPositions(state, testT0, testT0+24*60*60*1000, 3600)
	first := predictions[0].Data.Metadata["heading"].(float64)
	last := predictions[len(predictions)-1].Data.Metadata["heading"].(float64)
	//1.- Above 25 degrees the heading walks clockwise toward east.
	if lngDelta(first, last) <= 0 {
		t.Fatalf("expected the heading to rotate toward east: %f -> %f", first, last)
	}

	//2.- Intensity decays geometrically once the storm crosses 30 degrees.
	intensities := make([]float64, 0, len(predictions))
	for _, prediction := range predictions {
		intensities = append(intensities, prediction.Data.Metadata["intensity_kmh"].(float64))
	}
	if intensities[len(intensities)-1] > intensities[0] {
		t.Fatalf("intensity must not grow: %f -> %f", intensities[0], intensities[len(intensities)-1])
	}
}

func TestTsunamiEmitsTwelveAzimuths(t *testing.T) {
	state := hazardState(timeline.EntityEarthquake, map[string]any{"hazard_type": HazardTsunami})
	model := newHazardModel(timeline.EntityEarthquake)

	predictions, _ := model.PredictPositions(state, testT0, testT0+30*60*1000, 600)
	ticks := 4
	if len(predictions) != ticks*12 {
		t.Fatalf("expected %d wave-front markers, got %d", ticks*12, len(predictions))
	}
	//1.- The front radius grows linearly with elapsed time.
	for _, prediction := range predictions {
		elapsed := float64(prediction.TimestampMs-testT0) / 1000.0
		radius := prediction.Data.Metadata["radius_meters"].(float64)
		if radius != tsunamiWaveSpeedMps*elapsed {
			t.Fatalf("bad front radius at %d: %f", prediction.TimestampMs, radius)
		}
	}
}

func TestAshCloudDescendsToFloor(t *testing.T) {
	state := &timeline.EntityState{
		EntityType:  timeline.EntityWildfire,
		EntityID:    "VOLC-1",
		TimestampMs: testT0,
		Position:    timeline.GeoPoint{Lat: 19.4, Lng: -155.3, Altitude: timeline.Float64(12000)},
		Metadata: map[string]any{
			"hazard_type":    HazardVolcanicAsh,
			"wind_speed_kmh": 30.0,
			"wind_direction": 90.0,
		},
	}
	model := newHazardModel(timeline.EntityWildfire)

	predictions, _ := model.PredictPositions(state, testT0, testT0+48*60*60*1000, 3600)
	previousWidth := 0.0
	for i, prediction := range predictions {
		alt := prediction.Data.Position.AltitudeOr(0)
		if alt < ashFloorMeters {
			t.Fatalf("plume descended below the floor: %f", alt)
		}
		width := prediction.Data.Metadata["width_meters"].(float64)
		if width < previousWidth {
			t.Fatalf("cloud narrowed at tick %d", i)
		}
		previousWidth = width
		//1.- Wind from the east drifts the cloud west.
		if i > 0 && prediction.Data.Position.Lng >= predictions[i-1].Data.Position.Lng {
			t.Fatalf("cloud did not drift west at tick %d", i)
		}
	}
	if final := predictions[len(predictions)-1].Data.Position.AltitudeOr(0); final != ashFloorMeters {
		t.Fatalf("expected the plume to settle at the floor, got %f", final)
	}
}

func TestUnknownHazardKindWarns(t *testing.T) {
	state := hazardState(timeline.EntityEarthquake, map[string]any{"hazard_type": "locusts"})
	model := newHazardModel(timeline.EntityEarthquake)
	predictions, warnings := model.PredictPositions(state, testT0, testT0+600_000, 300)
	if len(predictions) != 0 || len(warnings) == 0 {
		t.Fatalf("expected an empty warned result")
	}
}
