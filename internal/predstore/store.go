// Package predstore persists predicted positions in the same per-class tables
// as ground-truth history, distinguished only by the source tag. The replace
// path is transactional and never touches live or historical rows.
package predstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"crep/timeline/internal/config"
	"crep/timeline/internal/logging"
	"crep/timeline/internal/predict"
	"crep/timeline/internal/timeline"
)

// tableNames maps each entity class to its timeline table.
var tableNames = map[timeline.EntityType]string{
	timeline.EntityAircraft:   "aircraft_timeline",
	timeline.EntityVessel:     "vessel_timeline",
	timeline.EntitySatellite:  "satellite_timeline",
	timeline.EntityWildlife:   "wildlife_timeline",
	timeline.EntityEarthquake: "earthquake_timeline",
	timeline.EntityWildfire:   "wildfire_timeline",
	timeline.EntityStorm:      "storm_timeline",
	timeline.EntityWeather:    "weather_timeline",
}

// Store is the prediction persistence layer over a pooled connection.
type Store struct {
	db  *sqlx.DB
	log *logging.Logger
	now func() time.Time
}

// Option customises store construction.
type Option func(*Store)

// WithClock overrides the store time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// New opens the pooled connection described by the postgres config.
func New(cfg config.PostgresConfig, logger *logging.Logger, opts ...Option) (*Store, error) {
	db, err := sqlx.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open prediction store: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return newStore(db, logger, opts...), nil
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(db *sql.DB, logger *logging.Logger, opts ...Option) *Store {
	return newStore(sqlx.NewDb(db, "pgx"), logger, opts...)
}

func newStore(db *sqlx.DB, logger *logging.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = logging.L()
	}
	store := &Store{db: db, log: logger, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// Ping verifies the pool can reach the database.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("prediction store not configured")
	}
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Tables returns a copy of the entity-class to table mapping; callers use it
// to iterate every persisted class.
func Tables() map[timeline.EntityType]string {
	tables := make(map[timeline.EntityType]string, len(tableNames))
	for entityType, table := range tableNames {
		tables[entityType] = table
	}
	return tables
}

func tableFor(entityType timeline.EntityType) (string, error) {
	table, ok := tableNames[entityType]
	if !ok {
		return "", fmt.Errorf("no timeline table for entity type %q", entityType)
	}
	return table, nil
}

func forecastSourceStrings() []string {
	sources := timeline.ForecastSources()
	out := make([]string, len(sources))
	for i, source := range sources {
		out[i] = string(source)
	}
	return out
}

// predictionRow is the flat table shape shared by every class table.
type predictionRow struct {
	EntityID          string          `db:"entity_id"`
	EntityType        string          `db:"entity_type"`
	Timestamp         int64           `db:"timestamp"`
	Lat               float64         `db:"lat"`
	Lng               float64         `db:"lng"`
	Altitude          sql.NullFloat64 `db:"altitude"`
	Speed             sql.NullFloat64 `db:"speed"`
	Heading           sql.NullFloat64 `db:"heading"`
	ClimbRate         sql.NullFloat64 `db:"climb_rate"`
	Confidence        float64         `db:"confidence"`
	UncertaintyRadius sql.NullFloat64 `db:"uncertainty_radius"`
	Source            string          `db:"source"`
	ModelVersion      string          `db:"model_version"`
	Metadata          []byte          `db:"metadata"`
	CreatedAt         int64           `db:"created_at"`
}

// StorePredictions writes one prediction batch. With replaceExisting the
// window's previous forecast rows are deleted first inside the same
// transaction; rows whose source is live or historical are never affected.
func (s *Store) StorePredictions(ctx context.Context, result predict.Result, replaceExisting bool) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("prediction store not configured")
	}
	if len(result.Predictions) == 0 {
		return nil
	}
	table, err := tableFor(result.EntityType)
	if err != nil {
		return err
	}

	batchID := uuid.NewString()
	fromMs := result.Predictions[0].TimestampMs
	toMs := result.Predictions[len(result.Predictions)-1].TimestampMs

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin prediction write: %w", err)
	}
	defer tx.Rollback()

	if replaceExisting {
		//1.- Clear the window's superseded forecasts; ground truth stays put.
		query, args, err := sqlx.In(
			`DELETE FROM `+table+` WHERE entity_id = ? AND timestamp BETWEEN ? AND ? AND source IN (?)`,
			result.EntityID, fromMs, toMs, forecastSourceStrings())
		if err != nil {
			return fmt.Errorf("build forecast delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("delete superseded forecasts: %w", err)
		}
	}

	insert := tx.Rebind(`INSERT INTO ` + table + `
		(entity_id, entity_type, timestamp, lat, lng, altitude, speed, heading, climb_rate,
		 confidence, uncertainty_radius, source, model_version, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_id, timestamp) DO UPDATE SET
		 lat = EXCLUDED.lat, lng = EXCLUDED.lng, altitude = EXCLUDED.altitude,
		 confidence = EXCLUDED.confidence, source = EXCLUDED.source
		WHERE ` + table + `.source NOT IN ('live', 'historical')`)

	createdAt := s.now().UnixMilli()
	for _, prediction := range result.Predictions {
		row, err := rowFromPrediction(result, prediction, batchID, createdAt)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insert,
			row.EntityID, row.EntityType, row.Timestamp, row.Lat, row.Lng, row.Altitude,
			row.Speed, row.Heading, row.ClimbRate, row.Confidence, row.UncertaintyRadius,
			row.Source, row.ModelVersion, row.Metadata, row.CreatedAt); err != nil {
			return fmt.Errorf("insert prediction at %d: %w", row.Timestamp, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit prediction write: %w", err)
	}
	s.log.Info("predictions stored",
		logging.String("entity_type", string(result.EntityType)),
		logging.String("entity_id", result.EntityID),
		logging.String("batch_id", batchID),
		logging.Int("count", len(result.Predictions)))
	return nil
}

func rowFromPrediction(result predict.Result, prediction timeline.PredictedPosition, batchID string, createdAt int64) (predictionRow, error) {
	row := predictionRow{
		EntityID:     result.EntityID,
		EntityType:   string(result.EntityType),
		Timestamp:    prediction.TimestampMs,
		Confidence:   prediction.Confidence,
		Source:       string(prediction.Source),
		ModelVersion: prediction.ModelVersion,
		CreatedAt:    createdAt,
	}
	if position := prediction.Data.Position; position != nil {
		row.Lat = position.Lat
		row.Lng = position.Lng
		if position.Altitude != nil {
			row.Altitude = sql.NullFloat64{Float64: *position.Altitude, Valid: true}
		}
	}
	if velocity := prediction.Data.Velocity; velocity != nil {
		row.Speed = sql.NullFloat64{Float64: velocity.Speed, Valid: true}
		row.Heading = sql.NullFloat64{Float64: velocity.Heading, Valid: true}
		if velocity.ClimbRate != nil {
			row.ClimbRate = sql.NullFloat64{Float64: *velocity.ClimbRate, Valid: true}
		}
	}
	if prediction.Uncertainty != nil {
		row.UncertaintyRadius = sql.NullFloat64{Float64: prediction.Uncertainty.RadiusMeters, Valid: true}
	}

	metadata := map[string]any{"batch_id": batchID}
	for key, value := range prediction.Data.Metadata {
		metadata[key] = value
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return row, fmt.Errorf("encode prediction metadata: %w", err)
	}
	row.Metadata = encoded
	return row, nil
}

// GetPredictions returns forecast-source rows in the window, ordered by
// timestamp.
func (s *Store) GetPredictions(ctx context.Context, entityType timeline.EntityType, entityID string, fromMs, toMs int64, limit int) ([]timeline.PredictedPosition, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("prediction store not configured")
	}
	table, err := tableFor(entityType)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = timeline.DefaultQueryLimit
	}

	query, args, err := sqlx.In(
		`SELECT entity_id, entity_type, timestamp, lat, lng, altitude, speed, heading, climb_rate,
		 confidence, uncertainty_radius, source, model_version, metadata, created_at
		 FROM `+table+` WHERE entity_id = ? AND timestamp BETWEEN ? AND ? AND source IN (?)
		 ORDER BY timestamp ASC LIMIT ?`,
		entityID, fromMs, toMs, forecastSourceStrings(), limit)
	if err != nil {
		return nil, fmt.Errorf("build prediction select: %w", err)
	}
	var rows []predictionRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("select predictions: %w", err)
	}

	predictions := make([]timeline.PredictedPosition, 0, len(rows))
	for _, row := range rows {
		predictions = append(predictions, predictionFromRow(row))
	}
	return predictions, nil
}

func predictionFromRow(row predictionRow) timeline.PredictedPosition {
	position := timeline.GeoPoint{Lat: row.Lat, Lng: row.Lng}
	if row.Altitude.Valid {
		position.Altitude = timeline.Float64(row.Altitude.Float64)
	}
	prediction := timeline.PredictedPosition{
		Entry: timeline.Entry{
			EntityType:  timeline.EntityType(row.EntityType),
			EntityID:    row.EntityID,
			TimestampMs: row.Timestamp,
			Source:      timeline.Source(row.Source),
			CreatedAtMs: row.CreatedAt,
			Data:        timeline.EntryData{Position: &position},
		},
		Confidence:       row.Confidence,
		PredictionSource: timeline.Source(row.Source),
		ModelVersion:     row.ModelVersion,
	}
	if row.Speed.Valid || row.Heading.Valid {
		velocity := &timeline.Velocity{Speed: row.Speed.Float64, Heading: row.Heading.Float64}
		if row.ClimbRate.Valid {
			velocity.ClimbRate = timeline.Float64(row.ClimbRate.Float64)
		}
		prediction.Data.Velocity = velocity
	}
	if row.UncertaintyRadius.Valid {
		prediction.Uncertainty = &timeline.UncertaintyCone{RadiusMeters: row.UncertaintyRadius.Float64}
	}
	if len(row.Metadata) > 0 {
		var metadata map[string]any
		if err := json.Unmarshal(row.Metadata, &metadata); err == nil {
			prediction.Data.Metadata = metadata
		}
	}
	return prediction
}

// CleanupOldPredictions deletes forecast-source rows older than the
// threshold and returns the count removed.
func (s *Store) CleanupOldPredictions(ctx context.Context, entityType timeline.EntityType, olderThanMs int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("prediction store not configured")
	}
	table, err := tableFor(entityType)
	if err != nil {
		return 0, err
	}
	query, args, err := sqlx.In(
		`DELETE FROM `+table+` WHERE timestamp < ? AND source IN (?)`,
		olderThanMs, forecastSourceStrings())
	if err != nil {
		return 0, fmt.Errorf("build prediction cleanup: %w", err)
	}
	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("cleanup predictions: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup rows affected: %w", err)
	}
	if removed > 0 {
		s.log.Info("old predictions removed",
			logging.String("entity_type", string(entityType)),
			logging.Int("removed", int(removed)))
	}
	return removed, nil
}
