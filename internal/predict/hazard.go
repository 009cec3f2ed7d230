package predict

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"crep/timeline/internal/geo"
	"crep/timeline/internal/timeline"
)

// Hazard sub-kinds dispatched on metadata.hazard_type.
const (
	HazardEarthquake  = "earthquake"
	HazardWildfire    = "wildfire"
	HazardStorm       = "storm"
	HazardTsunami     = "tsunami"
	HazardVolcanicAsh = "volcanic_ash"
)

const (
	// omoriC and omoriP are the standard Omori-law decay constants.
	omoriC = 0.1
	omoriP = 1.1
	// tsunamiWaveSpeedMps is a single averaged open-ocean wave speed.
	tsunamiWaveSpeedMps = 200.0
	tsunamiAzimuthStep  = 30.0
	// ash cloud evolution rates.
	ashWidthGrowthMetersPerHour = 2000.0
	ashDescentMetersPerHour     = 500.0
	ashFloorMeters              = 1000.0
)

type hazardModel struct {
	entityType timeline.EntityType
}

func newHazardModel(entityType timeline.EntityType) *hazardModel {
	return &hazardModel{entityType: entityType}
}

func (m *hazardModel) Params() Params {
	return Params{
		EntityType:            m.entityType,
		ModelVersion:          "hazard-v1",
		InitialConfidence:     0.60,
		HalfLifeSeconds:       1800,
		MinimumConfidence:     0.1,
		MaxHorizon:            72 * time.Hour,
		BaseUncertaintyMeters: 1000,
		UncertaintyGrowth:     0.5,
		MinResolutionSeconds:  60,
		MaxResolutionSeconds:  3600,
	}
}

// PredictPositions dispatches on the hazard sub-kind carried in metadata,
// falling back to the entity type when the tag is absent.
func (m *hazardModel) PredictPositions(state *timeline.EntityState, fromMs, toMs int64, resolutionSeconds int) ([]timeline.PredictedPosition, []string) {
	kind := state.MetaString("hazard_type")
	if kind == "" {
		kind = string(state.EntityType)
	}
	switch kind {
	case HazardEarthquake:
		return m.aftershocks(state, fromMs, toMs, resolutionSeconds), nil
	case HazardWildfire:
		return m.wildfireSpread(state, fromMs, toMs, resolutionSeconds), nil
	case HazardStorm:
		return m.stormTrack(state, fromMs, toMs, resolutionSeconds), nil
	case HazardTsunami:
		return m.tsunamiFront(state, fromMs, toMs, resolutionSeconds), nil
	case HazardVolcanicAsh:
		return m.ashCloud(state, fromMs, toMs, resolutionSeconds), nil
	default:
		return nil, []string{fmt.Sprintf("unknown hazard kind %q", kind)}
	}
}

// aftershocks synthesizes one aftershock per tick at the Omori rate
// n(t) = K/(c+t)^p with K = 10^(M-3.5). Magnitudes honour Bath's law: the
// largest aftershock trails the mainshock by roughly 1.2 units.
func (m *hazardModel) aftershocks(state *timeline.EntityState, fromMs, toMs int64, resolutionSeconds int) []timeline.PredictedPosition {
	magnitude := state.MetaFloat("magnitude", 5.0)
	k := math.Pow(10, magnitude-3.5)
	radiusKm := math.Max(10*(magnitude-4), 1)
	rng := rand.New(rand.NewSource(noiseSeed(state.EntityID, fromMs)))

	ticks := tickTimes(fromMs, toMs, resolutionSeconds)
	predictions := make([]timeline.PredictedPosition, 0, len(ticks))
	windowDays := float64(resolutionSeconds) / 86400.0
	for _, tick := range ticks {
		daysSinceMain := float64(tick-state.TimestampMs) / 1000.0 / 86400.0
		if daysSinceMain < 0 {
			daysSinceMain = 0
		}
		rate := k / math.Pow(omoriC+daysSinceMain, omoriP)
		expected := rate * windowDays

		//1.- Place one representative aftershock inside the rupture radius.
		low := math.Max(2, magnitude-3)
		high := magnitude - 1.2
		if high < low {
			high = low
		}
		aftershockMag := low + rng.Float64()*(high-low)
		bearing := rng.Float64() * 360.0
		distance := rng.Float64() * radiusKm * 1000.0
		position := geo.Destination(state.Position, bearing, distance)

		predictions = append(predictions, hazardPrediction(tick, position, timeline.SourceStatistical, map[string]any{
			"hazard_type":        HazardEarthquake,
			"magnitude":          aftershockMag,
			"mainshock":          magnitude,
			"expected_in_window": expected,
		}, math.Min(0.8, expected)))
	}
	return predictions
}

// wildfireSpread applies a Rothermel-inspired elliptical growth model: the
// fire runs downwind, widens crosswind, and creeps upwind.
func (m *hazardModel) wildfireSpread(state *timeline.EntityState, fromMs, toMs int64, resolutionSeconds int) []timeline.PredictedPosition {
	windKmh := state.MetaFloat("wind_speed_kmh", 10)
	windFromDeg := state.MetaFloat("wind_direction", 0)
	moisture := state.MetaFloat("fuel_moisture", 0.15)
	areaHectares := state.MetaFloat("area_hectares", 1)

	//1.- Spread rate in m/s; saturated fuels do not spread.
	rate := math.Max(0.1*(1+windKmh/30.0)*(1-2*moisture), 0)
	downwindBearing := normalizeHeading(windFromDeg + 180)
	dt := float64(resolutionSeconds)

	centre := state.Position
	var downwind, crosswind, upwind float64
	ticks := tickTimes(fromMs, toMs, resolutionSeconds)
	predictions := make([]timeline.PredictedPosition, 0, len(ticks))
	for i, tick := range ticks {
		if i > 0 {
			downStep := 1.5 * rate * dt
			downwind += downStep
			crosswind += 0.5 * rate * dt
			upwind += 0.1 * rate * dt
			//2.- The centre drifts downwind with the head of the fire.
			centre = geo.Destination(centre, downwindBearing, 0.3*downStep)
		}
		semiMajor := (downwind + upwind) / 2
		area := areaHectares + math.Pi*semiMajor*crosswind/10000.0
		predictions = append(predictions, hazardPrediction(tick, centre, timeline.SourceHazardModel, map[string]any{
			"hazard_type":      HazardWildfire,
			"area_hectares":    area,
			"spread_rate_mps":  rate,
			"downwind_meters":  downwind,
			"crosswind_meters": crosswind,
			"wind_speed_kmh":   windKmh,
			"wind_direction":   windFromDeg,
		}, 0))
	}
	return predictions
}

// stormTrack advances the storm on its current vector with a simplified
// recurve toward the east above 25 degrees latitude and geometric intensity
// decay above 30 degrees.
func (m *hazardModel) stormTrack(state *timeline.EntityState, fromMs, toMs int64, resolutionSeconds int) []timeline.PredictedPosition {
	speedMps := 8.0
	heading := 290.0
	if state.Velocity != nil {
		if state.Velocity.Speed > 0 {
			speedMps = state.Velocity.Speed
		}
		heading = state.Velocity.Heading
	}
	intensity := state.MetaFloat("intensity_kmh", 120)

	centre := state.Position
	dt := float64(resolutionSeconds)
	ticks := tickTimes(fromMs, toMs, resolutionSeconds)
	predictions := make([]timeline.PredictedPosition, 0, len(ticks))
	for i, tick := range ticks {
		if i > 0 {
			centre = geo.Destination(centre, heading, speedMps*dt)
			if math.Abs(centre.Lat) > 25 {
				//1.- Recurve: rotate the heading half a degree per tick toward east.
				heading = rotateToward(heading, 90, 0.5)
			}
			if math.Abs(centre.Lat) > 30 {
				intensity *= 0.99
			}
		}
		predictions = append(predictions, hazardPrediction(tick, centre, timeline.SourceHazardModel, map[string]any{
			"hazard_type":   HazardStorm,
			"intensity_kmh": intensity,
			"heading":       heading,
		}, 0))
	}
	return predictions
}

// tsunamiFront emits wave-front markers at twelve azimuths; the front radius
// is elapsed time at a single averaged wave speed.
func (m *hazardModel) tsunamiFront(state *timeline.EntityState, fromMs, toMs int64, resolutionSeconds int) []timeline.PredictedPosition {
	ticks := tickTimes(fromMs, toMs, resolutionSeconds)
	predictions := make([]timeline.PredictedPosition, 0, len(ticks)*12)
	for _, tick := range ticks {
		elapsedSeconds := float64(tick-state.TimestampMs) / 1000.0
		if elapsedSeconds < 0 {
			elapsedSeconds = 0
		}
		radius := tsunamiWaveSpeedMps * elapsedSeconds
		for azimuth := 0.0; azimuth < 360.0; azimuth += tsunamiAzimuthStep {
			marker := geo.Destination(state.Position, azimuth, radius)
			predictions = append(predictions, hazardPrediction(tick, marker, timeline.SourceHazardModel, map[string]any{
				"hazard_type":   HazardTsunami,
				"azimuth":       azimuth,
				"radius_meters": radius,
			}, 0))
		}
	}
	return predictions
}

// ashCloud drifts the cloud centre with the wind while the plume widens and
// settles toward its floor.
func (m *hazardModel) ashCloud(state *timeline.EntityState, fromMs, toMs int64, resolutionSeconds int) []timeline.PredictedPosition {
	windKmh := state.MetaFloat("wind_speed_kmh", 20)
	windFromDeg := state.MetaFloat("wind_direction", 270)
	widthMeters := state.MetaFloat("width_meters", 5000)
	altitude := state.Position.AltitudeOr(10000)

	driftBearing := normalizeHeading(windFromDeg + 180)
	windMps := windKmh / 3.6
	dtHours := float64(resolutionSeconds) / 3600.0

	centre := state.Position
	ticks := tickTimes(fromMs, toMs, resolutionSeconds)
	predictions := make([]timeline.PredictedPosition, 0, len(ticks))
	for i, tick := range ticks {
		if i > 0 {
			centre = geo.Destination(centre, driftBearing, windMps*float64(resolutionSeconds))
			widthMeters += ashWidthGrowthMetersPerHour * dtHours
			altitude = math.Max(altitude-ashDescentMetersPerHour*dtHours, ashFloorMeters)
		}
		point := centre
		point.Altitude = timeline.Float64(altitude)
		predictions = append(predictions, hazardPrediction(tick, point, timeline.SourceHazardModel, map[string]any{
			"hazard_type":  HazardVolcanicAsh,
			"width_meters": widthMeters,
		}, 0))
	}
	return predictions
}

func hazardPrediction(tick int64, position timeline.GeoPoint, source timeline.Source, metadata map[string]any, confidence float64) timeline.PredictedPosition {
	point := position
	return timeline.PredictedPosition{
		Entry: timeline.Entry{
			TimestampMs: tick,
			Source:      source,
			Data: timeline.EntryData{
				Position: &point,
				Metadata: metadata,
			},
		},
		PredictionSource: source,
		Confidence:       confidence,
	}
}

// rotateToward turns heading toward target by at most step degrees along the
// shorter arc.
func rotateToward(heading, target, step float64) float64 {
	diff := math.Mod(target-heading+540, 360) - 180
	if math.Abs(diff) <= step {
		return target
	}
	if diff > 0 {
		return normalizeHeading(heading + step)
	}
	return normalizeHeading(heading - step)
}
