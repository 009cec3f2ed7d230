// Package predict implements the per-class position predictors. Every class
// shares one base contract: validate the request, serve repeats from a short
// TTL cache, fetch the entity's last known state, generate tick-by-tick
// positions, then apply confidence decay and uncertainty growth uniformly.
package predict

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"crep/timeline/internal/logging"
	"crep/timeline/internal/timeline"
)

// DefaultCacheTTL bounds how long a generated result may answer repeat
// requests for the same window.
const DefaultCacheTTL = 60 * time.Second

var (
	// ErrEntityTypeMismatch is returned when a request targets a predictor
	// built for a different entity class.
	ErrEntityTypeMismatch = errors.New("entity type does not match predictor")
	// ErrInvalidWindow is returned when the prediction window is empty or
	// inverted.
	ErrInvalidWindow = errors.New("prediction window must end after it starts")
	// ErrInvalidResolution is returned for a non-positive tick stride.
	ErrInvalidResolution = errors.New("resolution must be a positive number of seconds")
)

// Request asks for predicted positions over a window at a fixed tick stride.
// State may carry a fully-specified entity state for callers whose entities
// are not present in the cache.
type Request struct {
	EntityType         timeline.EntityType   `json:"entity_type"`
	EntityID           string                `json:"entity_id"`
	FromMs             int64                 `json:"from_ms"`
	ToMs               int64                 `json:"to_ms"`
	ResolutionSeconds  int                   `json:"resolution_seconds"`
	IncludeUncertainty bool                  `json:"include_uncertainty"`
	State              *timeline.EntityState `json:"state,omitempty"`
}

// Result is the ordered prediction list plus any warnings accumulated while
// generating it.
type Result struct {
	EntityType    timeline.EntityType          `json:"entity_type"`
	EntityID      string                       `json:"entity_id"`
	Predictions   []timeline.PredictedPosition `json:"predictions"`
	ModelVersion  string                       `json:"model_version"`
	Warnings      []string                     `json:"warnings,omitempty"`
	GeneratedAtMs int64                        `json:"generated_at_ms"`
}

// Params are the per-class constants a model declares.
type Params struct {
	EntityType            timeline.EntityType
	ModelVersion          string
	InitialConfidence     float64
	HalfLifeSeconds       float64
	MinimumConfidence     float64
	MaxHorizon            time.Duration
	BaseUncertaintyMeters float64
	// UncertaintyGrowth is metres of radius added per second of prediction age.
	UncertaintyGrowth    float64
	MinResolutionSeconds int
	MaxResolutionSeconds int
}

// Model generates raw positions for one entity class. Implementations may set
// a per-tick confidence (the base keeps the lower of theirs and the decayed
// value) and may pre-fill uncertainty altitude bounds.
type Model interface {
	Params() Params
	PredictPositions(state *timeline.EntityState, fromMs, toMs int64, resolutionSeconds int) ([]timeline.PredictedPosition, []string)
}

// StateProvider resolves the last known ground-truth state for an entity.
type StateProvider interface {
	CurrentState(ctx context.Context, entityType timeline.EntityType, entityID string) (*timeline.EntityState, bool)
}

// Predictor wraps a class model with the shared request pipeline.
type Predictor struct {
	model  Model
	states StateProvider
	log    *logging.Logger
	now    func() time.Time

	cacheTTL time.Duration
	group    singleflight.Group
	mu       sync.Mutex
	cache    map[string]Result
}

// Option customises predictor construction.
type Option func(*Predictor)

// WithClock overrides the predictor time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(p *Predictor) {
		if clock != nil {
			p.now = clock
		}
	}
}

// WithCacheTTL overrides the repeat-request cache lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(p *Predictor) {
		if ttl > 0 {
			p.cacheTTL = ttl
		}
	}
}

// NewPredictor wires a class model into the shared pipeline.
func NewPredictor(model Model, states StateProvider, logger *logging.Logger, opts ...Option) *Predictor {
	if logger == nil {
		logger = logging.L()
	}
	predictor := &Predictor{
		model:    model,
		states:   states,
		log:      logger,
		now:      time.Now,
		cacheTTL: DefaultCacheTTL,
		cache:    make(map[string]Result),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(predictor)
		}
	}
	return predictor
}

// EntityType reports the class this predictor serves.
func (p *Predictor) EntityType() timeline.EntityType {
	return p.model.Params().EntityType
}

// Predict runs the full pipeline for one request.
func (p *Predictor) Predict(ctx context.Context, req Request) (Result, error) {
	if p == nil {
		return Result{}, errors.New("predictor not configured")
	}
	params := p.model.Params()

	//1.- Validate and clamp the request before any work is keyed on it.
	if req.EntityType != params.EntityType {
		return Result{}, fmt.Errorf("%w: got %q, want %q", ErrEntityTypeMismatch, req.EntityType, params.EntityType)
	}
	if req.ResolutionSeconds <= 0 {
		return Result{}, ErrInvalidResolution
	}
	if req.ToMs <= req.FromMs {
		return Result{}, ErrInvalidWindow
	}
	var warnings []string
	horizonMs := params.MaxHorizon.Milliseconds()
	if req.ToMs-req.FromMs > horizonMs {
		req.ToMs = req.FromMs + horizonMs
		warnings = append(warnings, fmt.Sprintf("window clamped to the %s prediction horizon", params.MaxHorizon))
	}
	if params.MinResolutionSeconds > 0 && req.ResolutionSeconds < params.MinResolutionSeconds {
		req.ResolutionSeconds = params.MinResolutionSeconds
	}
	if params.MaxResolutionSeconds > 0 && req.ResolutionSeconds > params.MaxResolutionSeconds {
		req.ResolutionSeconds = params.MaxResolutionSeconds
	}

	//2.- Repeat requests for the same window are answered from the TTL cache.
	key := fmt.Sprintf("%s|%d|%d|%d", req.EntityID, req.FromMs, req.ToMs, req.ResolutionSeconds)
	if cached, ok := p.cachedResult(key); ok {
		return cached, nil
	}

	//3.- Collapse concurrent identical requests onto one generation.
	value, err, _ := p.group.Do(key, func() (any, error) {
		result := p.generate(ctx, req, warnings, params)
		p.storeResult(key, result)
		return result, nil
	})
	if err != nil {
		return Result{}, err
	}
	return value.(Result), nil
}

func (p *Predictor) cachedResult(key string) (Result, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	result, ok := p.cache[key]
	if !ok {
		return Result{}, false
	}
	if p.now().UnixMilli()-result.GeneratedAtMs > p.cacheTTL.Milliseconds() {
		delete(p.cache, key)
		return Result{}, false
	}
	return result, true
}

func (p *Predictor) storeResult(key string, result Result) {
	p.mu.Lock()
	//1.- Evict expired results on insert; scrubbing workloads never repeat a
	// key, so lookup-time eviction alone would grow the map without bound.
	cutoff := p.now().UnixMilli() - p.cacheTTL.Milliseconds()
	for cached, value := range p.cache {
		if value.GeneratedAtMs < cutoff {
			delete(p.cache, cached)
		}
	}
	p.cache[key] = result
	p.mu.Unlock()
}

func (p *Predictor) generate(ctx context.Context, req Request, warnings []string, params Params) Result {
	result := Result{
		EntityType:    req.EntityType,
		EntityID:      req.EntityID,
		ModelVersion:  params.ModelVersion,
		Warnings:      warnings,
		GeneratedAtMs: p.now().UnixMilli(),
	}

	//1.- Prefer the caller-supplied state; otherwise resolve the freshest one.
	state := req.State
	if state == nil && p.states != nil {
		if resolved, ok := p.states.CurrentState(ctx, req.EntityType, req.EntityID); ok {
			state = resolved
		}
	}
	if state == nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("no current state for %s %q", req.EntityType, req.EntityID))
		return result
	}

	predictions, modelWarnings := p.model.PredictPositions(state, req.FromMs, req.ToMs, req.ResolutionSeconds)
	result.Warnings = append(result.Warnings, modelWarnings...)

	//2.- Confidence decay and uncertainty growth are applied uniformly so the
	// class models only reason about motion.
	created := p.now().UnixMilli()
	for i := range predictions {
		prediction := &predictions[i]
		prediction.EntityType = req.EntityType
		prediction.EntityID = req.EntityID
		prediction.CreatedAtMs = created
		if prediction.ModelVersion == "" {
			prediction.ModelVersion = params.ModelVersion
		}
		ageSeconds := float64(prediction.TimestampMs-state.TimestampMs) / 1000.0
		if ageSeconds < 0 {
			ageSeconds = 0
		}
		decayed := params.InitialConfidence * math.Pow(0.5, ageSeconds/params.HalfLifeSeconds)
		if prediction.Confidence > 0 && prediction.Confidence < decayed {
			decayed = prediction.Confidence
		}
		prediction.Confidence = math.Max(decayed, params.MinimumConfidence)
		if req.IncludeUncertainty {
			radius := params.BaseUncertaintyMeters + params.UncertaintyGrowth*ageSeconds
			if prediction.Uncertainty == nil {
				prediction.Uncertainty = &timeline.UncertaintyCone{}
			}
			prediction.Uncertainty.RadiusMeters = radius
		} else {
			prediction.Uncertainty = nil
		}
	}
	result.Predictions = predictions
	return result
}

// tickTimes returns every tick in [fromMs, toMs] at the resolution stride,
// inclusive of both ends when they align.
func tickTimes(fromMs, toMs int64, resolutionSeconds int) []int64 {
	stride := int64(resolutionSeconds) * 1000
	ticks := make([]int64, 0, (toMs-fromMs)/stride+1)
	for t := fromMs; t <= toMs; t += stride {
		ticks = append(ticks, t)
	}
	return ticks
}
