package predict

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"crep/timeline/internal/timeline"
)

const (
	// earthMuKm3 is the geocentric gravitational constant in km^3/s^2.
	earthMuKm3 = 398600.4418
	// earthEquatorialRadiusKm converts semi-major axis to altitude.
	earthEquatorialRadiusKm = 6378.137
	// earthRotationDegPerDay is the sidereal rotation rate.
	earthRotationDegPerDay = 360.98564736629
)

// orbitalElements is the subset of a TLE the simplified propagator needs.
type orbitalElements struct {
	Epoch               time.Time
	InclinationDeg      float64
	RAANDeg             float64
	Eccentricity        float64
	ArgPerigeeDeg       float64
	MeanAnomalyDeg      float64
	MeanMotionRevPerDay float64
}

// parseTLE extracts orbital elements from the fixed-column TLE format.
// Checksums are not verified; feeds are trusted upstream.
func parseTLE(line1, line2 string) (orbitalElements, error) {
	var elements orbitalElements
	if len(line1) < 32 || len(line2) < 63 {
		return elements, fmt.Errorf("tle lines too short")
	}

	//1.- Line 1 carries the epoch as two-digit year plus fractional day.
	epochField := strings.TrimSpace(line1[18:32])
	year, err := strconv.Atoi(epochField[:2])
	if err != nil {
		return elements, fmt.Errorf("tle epoch year: %w", err)
	}
	if year < 57 {
		year += 2000
	} else {
		year += 1900
	}
	dayOfYear, err := strconv.ParseFloat(epochField[2:], 64)
	if err != nil {
		return elements, fmt.Errorf("tle epoch day: %w", err)
	}
	yearStart := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	elements.Epoch = yearStart.Add(time.Duration((dayOfYear - 1) * 24 * float64(time.Hour)))

	//2.- Line 2 carries the element set in fixed columns.
	fields := []struct {
		start, end int
		target     *float64
	}{
		{8, 16, &elements.InclinationDeg},
		{17, 25, &elements.RAANDeg},
		{34, 42, &elements.ArgPerigeeDeg},
		{43, 51, &elements.MeanAnomalyDeg},
		{52, 63, &elements.MeanMotionRevPerDay},
	}
	for _, field := range fields {
		value, err := strconv.ParseFloat(strings.TrimSpace(line2[field.start:field.end]), 64)
		if err != nil {
			return elements, fmt.Errorf("tle line 2 columns %d-%d: %w", field.start, field.end, err)
		}
		*field.target = value
	}
	//3.- Eccentricity has an implied leading decimal point.
	ecc, err := strconv.ParseFloat("0."+strings.TrimSpace(line2[26:33]), 64)
	if err != nil {
		return elements, fmt.Errorf("tle eccentricity: %w", err)
	}
	elements.Eccentricity = ecc
	if elements.MeanMotionRevPerDay <= 0 {
		return elements, fmt.Errorf("tle mean motion must be positive")
	}
	return elements, nil
}

type satelliteModel struct{}

func newSatelliteModel() *satelliteModel { return &satelliteModel{} }

func (m *satelliteModel) Params() Params {
	return Params{
		EntityType:            timeline.EntitySatellite,
		ModelVersion:          "orbit-v1-simplified",
		InitialConfidence:     0.99,
		HalfLifeSeconds:       86400,
		MinimumConfidence:     0.8,
		MaxHorizon:            7 * 24 * time.Hour,
		BaseUncertaintyMeters: 10,
		UncertaintyGrowth:     0.001,
		MinResolutionSeconds:  10,
		MaxResolutionSeconds:  3600,
	}
}

// PredictPositions runs the simplified two-body propagator: mean anomaly
// advances linearly, the orbit is treated as near-circular, and the ground
// track is projected with the sidereal rotation correction.
func (m *satelliteModel) PredictPositions(state *timeline.EntityState, fromMs, toMs int64, resolutionSeconds int) ([]timeline.PredictedPosition, []string) {
	elements, err := parseTLE(state.TLELine1, state.TLELine2)
	if err != nil {
		return nil, []string{fmt.Sprintf("satellite %q: %v", state.EntityID, err)}
	}

	//1.- Semi-major axis from the mean motion: n^2 = mu / a^3.
	meanMotionRadSec := elements.MeanMotionRevPerDay * 2 * math.Pi / 86400.0
	semiMajorKm := math.Cbrt(earthMuKm3 / (meanMotionRadSec * meanMotionRadSec))
	altitudeMeters := (semiMajorKm - earthEquatorialRadiusKm) * 1000.0

	inclination := radiansOf(elements.InclinationDeg)
	epochMs := elements.Epoch.UnixMilli()

	ticks := tickTimes(fromMs, toMs, resolutionSeconds)
	predictions := make([]timeline.PredictedPosition, 0, len(ticks))
	for _, tick := range ticks {
		elapsedSeconds := float64(tick-epochMs) / 1000.0

		//2.- Advance the mean anomaly linearly and take the argument of
		// latitude directly; near-circular orbits keep the error small.
		meanAnomalyDeg := math.Mod(elements.MeanAnomalyDeg+elements.MeanMotionRevPerDay*360.0*elapsedSeconds/86400.0, 360.0)
		argLat := radiansOf(elements.ArgPerigeeDeg + meanAnomalyDeg)

		latRad := math.Asin(math.Sin(inclination) * math.Sin(argLat))
		planeLngRad := math.Atan2(math.Cos(inclination)*math.Sin(argLat), math.Cos(argLat))

		//3.- Rotate the orbital-plane longitude into an Earth-fixed ground track.
		lng := elements.RAANDeg + degreesOf(planeLngRad) - earthRotationDegPerDay*elapsedSeconds/86400.0
		lng = normalizeLng(lng)

		position := timeline.GeoPoint{
			Lat:      degreesOf(latRad),
			Lng:      lng,
			Altitude: timeline.Float64(altitudeMeters),
		}
		groundSpeedMps := meanMotionRadSec * semiMajorKm * 1000.0
		predictions = append(predictions, timeline.PredictedPosition{
			Entry: timeline.Entry{
				TimestampMs: tick,
				Source:      timeline.SourceOrbitPropagation,
				Data: timeline.EntryData{
					Position: &position,
					Velocity: &timeline.Velocity{Speed: groundSpeedMps, Units: "mps"},
				},
			},
			PredictionSource: timeline.SourceOrbitPropagation,
		})
	}
	return predictions, nil
}

func radiansOf(deg float64) float64 { return deg * math.Pi / 180.0 }

func degreesOf(rad float64) float64 { return rad * 180.0 / math.Pi }

func normalizeLng(lng float64) float64 {
	lng = math.Mod(lng+180.0, 360.0)
	if lng < 0 {
		lng += 360.0
	}
	return lng - 180.0
}
