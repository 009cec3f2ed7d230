// Package earth2 adapts an external GPU-backed forecasting service. When the
// service is down the adapter degrades to a deterministic synthetic generator
// so clients receive representative data rather than empty results; synthetic
// records are labelled as such.
package earth2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"crep/timeline/internal/geo"
	"crep/timeline/internal/logging"
	"crep/timeline/internal/timeline"
)

const (
	// healthProbeTimeout bounds the startup availability probe.
	healthProbeTimeout = 5 * time.Second
	// requestTimeout bounds every forecast call to the service.
	requestTimeout = 30 * time.Second
	// DefaultModel is requested when the caller does not name one.
	DefaultModel = "fourcastnet"
)

// ForecastPoint is one forecast sample at a position and time.
type ForecastPoint struct {
	TimeMs           int64             `json:"time_ms"`
	Position         timeline.GeoPoint `json:"position"`
	TemperatureC     float64           `json:"temperature_c"`
	WindSpeedMps     float64           `json:"wind_speed_mps"`
	WindDirectionDeg float64           `json:"wind_direction_deg"`
	PrecipitationMm  float64           `json:"precipitation_mm"`
	PressureHpa      float64           `json:"pressure_hpa"`
	HumidityPct      float64           `json:"humidity_pct"`
	Model            string            `json:"model"`
	Synthetic        bool              `json:"synthetic"`
}

// StormTrack is one storm with its forecast positions.
type StormTrack struct {
	StormID      string          `json:"storm_id"`
	Name         string          `json:"name"`
	IntensityKmh float64         `json:"intensity_kmh"`
	Track        []ForecastPoint `json:"track"`
	Synthetic    bool            `json:"synthetic"`
}

// BoundingBox is a lat/lng query window.
type BoundingBox struct {
	MinLat float64 `json:"min_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLat float64 `json:"max_lat"`
	MaxLng float64 `json:"max_lng"`
}

// SpreadContour is one wildfire perimeter ring at a forecast hour.
type SpreadContour struct {
	HourAhead    int                 `json:"hour_ahead"`
	Ring         []timeline.GeoPoint `json:"ring"`
	AreaHectares float64             `json:"area_hectares"`
}

// Adapter talks to the forecasting gateway.
type Adapter struct {
	baseURL   string
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker
	log       *logging.Logger
	now       func() time.Time
	available atomic.Bool
}

// Option customises adapter construction.
type Option func(*Adapter)

// WithHTTPClient substitutes the transport; used by tests.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Adapter) {
		if client != nil {
			a.client = client
		}
	}
}

// WithClock overrides the adapter time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(a *Adapter) {
		if clock != nil {
			a.now = clock
		}
	}
}

// New constructs the adapter and probes the gateway's health endpoint. An
// unreachable gateway is not an error; the adapter starts in synthetic mode.
func New(ctx context.Context, baseURL string, logger *logging.Logger, opts ...Option) *Adapter {
	if logger == nil {
		logger = logging.L()
	}
	adapter := &Adapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: requestTimeout},
		log:     logger,
		now:     time.Now,
	}
	adapter.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "earth2",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("forecast gateway breaker state changed",
				logging.String("from", from.String()), logging.String("to", to.String()))
		},
	})
	for _, opt := range opts {
		if opt != nil {
			opt(adapter)
		}
	}
	adapter.probeHealth(ctx)
	return adapter
}

// Available reports whether the gateway answered its last health probe.
func (a *Adapter) Available() bool {
	return a != nil && a.available.Load()
}

func (a *Adapter) probeHealth(ctx context.Context) {
	probe, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probe, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		a.available.Store(false)
		return
	}
	resp, err := a.client.Do(req)
	if err != nil {
		a.available.Store(false)
		a.log.Warn("forecast gateway unreachable, falling back to synthetic data", logging.Error(err))
		return
	}
	defer resp.Body.Close()
	a.available.Store(resp.StatusCode == http.StatusOK)
	if resp.StatusCode != http.StatusOK {
		a.log.Warn("forecast gateway unhealthy", logging.Int("status", resp.StatusCode))
	}
}

func (a *Adapter) getJSON(ctx context.Context, path string, query url.Values, target any) error {
	_, err := a.breaker.Execute(func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		endpoint := a.baseURL + path
		if len(query) > 0 {
			endpoint += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("forecast gateway returned %d", resp.StatusCode)
		}
		return nil, json.NewDecoder(resp.Body).Decode(target)
	})
	return err
}

// GetWeatherForecast returns point forecasts between from and to at the hour
// resolution, falling back to the synthetic generator when the gateway cannot
// answer.
func (a *Adapter) GetWeatherForecast(ctx context.Context, point timeline.GeoPoint, fromMs, toMs int64, resolutionHours int, model string) []ForecastPoint {
	if resolutionHours <= 0 {
		resolutionHours = 1
	}
	if model == "" {
		model = DefaultModel
	}
	if a.Available() {
		query := url.Values{}
		query.Set("lat", fmt.Sprintf("%f", point.Lat))
		query.Set("lng", fmt.Sprintf("%f", point.Lng))
		query.Set("from_ms", fmt.Sprintf("%d", fromMs))
		query.Set("to_ms", fmt.Sprintf("%d", toMs))
		query.Set("resolution_hours", fmt.Sprintf("%d", resolutionHours))
		query.Set("model", model)
		var points []ForecastPoint
		if err := a.getJSON(ctx, "/forecast/point", query, &points); err == nil {
			return points
		} else {
			a.log.Warn("point forecast failed, serving synthetic", logging.Error(err))
		}
	}
	return a.syntheticForecast(point, fromMs, toMs, resolutionHours, model)
}

// GetStormTracks returns forecast storm tracks inside the bounding box.
func (a *Adapter) GetStormTracks(ctx context.Context, bbox BoundingBox, fromMs, toMs int64) []StormTrack {
	if a.Available() {
		query := url.Values{}
		query.Set("min_lat", fmt.Sprintf("%f", bbox.MinLat))
		query.Set("min_lng", fmt.Sprintf("%f", bbox.MinLng))
		query.Set("max_lat", fmt.Sprintf("%f", bbox.MaxLat))
		query.Set("max_lng", fmt.Sprintf("%f", bbox.MaxLng))
		query.Set("from_ms", fmt.Sprintf("%d", fromMs))
		query.Set("to_ms", fmt.Sprintf("%d", toMs))
		var tracks []StormTrack
		if err := a.getJSON(ctx, "/forecast/storms", query, &tracks); err == nil {
			return tracks
		} else {
			a.log.Warn("storm track fetch failed, serving synthetic", logging.Error(err))
		}
	}
	return a.syntheticStorms(bbox, fromMs, toMs)
}

// GetForecastTiles fetches one rendered overlay tile, or nil when the gateway
// cannot serve it. Tiles have no synthetic fallback.
func (a *Adapter) GetForecastTiles(ctx context.Context, variable string, timeMs int64, z, x, y int, model string) []byte {
	if !a.Available() {
		return nil
	}
	if model == "" {
		model = DefaultModel
	}
	var tile []byte
	_, err := a.breaker.Execute(func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		endpoint := fmt.Sprintf("%s/tiles/%s/%d/%d/%d/%d?model=%s", a.baseURL, url.PathEscape(variable), timeMs, z, x, y, url.QueryEscape(model))
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("tile fetch returned %d", resp.StatusCode)
		}
		tile, err = io.ReadAll(resp.Body)
		return nil, err
	})
	if err != nil {
		a.log.Warn("tile fetch failed", logging.Error(err))
		return nil
	}
	return tile
}

// GetWildfireSpread computes hourly spread contours with the local elliptical
// model. This never calls the gateway.
func (a *Adapter) GetWildfireSpread(origin timeline.GeoPoint, windSpeedKmh, windDirectionDeg, fuelMoisture float64, hoursAhead int) []SpreadContour {
	if hoursAhead <= 0 {
		hoursAhead = 1
	}
	rate := math.Max(0.1*(1+windSpeedKmh/30.0)*(1-2*fuelMoisture), 0)
	downwind := math.Mod(windDirectionDeg+180, 360)

	contours := make([]SpreadContour, 0, hoursAhead)
	for hour := 1; hour <= hoursAhead; hour++ {
		elapsed := float64(hour) * 3600.0
		headExtent := 1.5 * rate * elapsed
		flankExtent := 0.5 * rate * elapsed
		backExtent := 0.1 * rate * elapsed
		centre := geo.Destination(origin, downwind, 0.3*headExtent)

		//1.- Sample the elliptical perimeter every ten degrees.
		ring := make([]timeline.GeoPoint, 0, 36)
		for step := 0; step < 36; step++ {
			azimuth := float64(step) * 10.0
			relative := (azimuth - downwind) * math.Pi / 180.0
			along := math.Cos(relative)
			radius := flankExtent
			if along >= 0 {
				radius = flankExtent + (headExtent-flankExtent)*along*along
			} else {
				radius = flankExtent + (backExtent-flankExtent)*along*along
			}
			ring = append(ring, geo.Destination(centre, azimuth, radius))
		}
		area := math.Pi * ((headExtent + backExtent) / 2) * flankExtent / 10000.0
		contours = append(contours, SpreadContour{HourAhead: hour, Ring: ring, AreaHectares: area})
	}
	return contours
}

// syntheticForecast is the degraded-mode generator: deterministic sinusoids
// in latitude and time-of-day plus small seeded noise.
func (a *Adapter) syntheticForecast(point timeline.GeoPoint, fromMs, toMs int64, resolutionHours int, model string) []ForecastPoint {
	rng := rand.New(rand.NewSource(int64(point.Lat*1000)<<16 ^ int64(point.Lng*1000) ^ fromMs))
	stride := int64(resolutionHours) * 3600 * 1000
	points := make([]ForecastPoint, 0, (toMs-fromMs)/stride+1)
	for t := fromMs; t <= toMs; t += stride {
		hourOfDay := float64(time.UnixMilli(t).UTC().Hour())
		diurnal := math.Sin((hourOfDay - 9) / 24.0 * 2 * math.Pi)
		baseTemp := 27.0 - 0.45*math.Abs(point.Lat)
		points = append(points, ForecastPoint{
			TimeMs:           t,
			Position:         point,
			TemperatureC:     baseTemp + 6*diurnal + rng.NormFloat64()*0.8,
			WindSpeedMps:     5 + 3*math.Sin(point.Lng/30.0) + rng.Float64()*2,
			WindDirectionDeg: math.Mod(270+20*diurnal+rng.NormFloat64()*10+360, 360),
			PrecipitationMm:  math.Max(0, rng.NormFloat64()*1.5),
			PressureHpa:      1013 + 8*math.Sin(point.Lat/15.0) + rng.NormFloat64()*2,
			HumidityPct:      math.Min(100, math.Max(5, 60-10*diurnal+rng.NormFloat64()*8)),
			Model:            model + "-synthetic",
			Synthetic:        true,
		})
	}
	return points
}

// syntheticStorms fabricates a single representative storm crossing the box
// when the box plausibly spans storm latitudes, otherwise none.
func (a *Adapter) syntheticStorms(bbox BoundingBox, fromMs, toMs int64) []StormTrack {
	midLat := (bbox.MinLat + bbox.MaxLat) / 2
	if math.Abs(midLat) < 5 || math.Abs(midLat) > 45 {
		return nil
	}
	origin := timeline.GeoPoint{Lat: midLat, Lng: bbox.MaxLng}
	track := make([]ForecastPoint, 0, 8)
	stride := (toMs - fromMs) / 8
	if stride <= 0 {
		stride = 3600 * 1000
	}
	position := origin
	for i := 0; i < 8; i++ {
		track = append(track, ForecastPoint{
			TimeMs:       fromMs + int64(i)*stride,
			Position:     position,
			WindSpeedMps: 35,
			Model:        "synthetic-storm",
			Synthetic:    true,
		})
		position = geo.Destination(position, 290, 8*float64(stride)/1000.0)
	}
	return []StormTrack{{
		StormID:      fmt.Sprintf("synthetic-%d", fromMs),
		Name:         "SYNTHETIC",
		IntensityKmh: 130,
		Track:        track,
		Synthetic:    true,
	}}
}
