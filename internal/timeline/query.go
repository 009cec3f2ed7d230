package timeline

// Query selects timeline entries by any combination of entity type, entity id,
// time range, and source. Zero values leave the corresponding dimension
// unbounded.
type Query struct {
	EntityType EntityType `json:"entity_type,omitempty"`
	EntityID   string     `json:"entity_id,omitempty"`
	StartMs    int64      `json:"start_time,omitempty"`
	EndMs      int64      `json:"end_time,omitempty"`
	Source     Source     `json:"source,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// DefaultQueryLimit caps result sizes when the caller does not specify one.
const DefaultQueryLimit = 1000

// MaxQueryLimit is the hard ceiling enforced at the API boundary.
const MaxQueryLimit = 10000

// EffectiveLimit returns the limit to enforce, applying the default and the
// hard ceiling.
func (q Query) EffectiveLimit() int {
	if q.Limit <= 0 {
		return DefaultQueryLimit
	}
	if q.Limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return q.Limit
}

// Matches reports whether the entry satisfies every bound dimension of the
// query.
func (q Query) Matches(e Entry) bool {
	if q.EntityType != "" && e.EntityType != q.EntityType {
		return false
	}
	if q.EntityID != "" && e.EntityID != q.EntityID {
		return false
	}
	if q.StartMs != 0 && e.TimestampMs < q.StartMs {
		return false
	}
	if q.EndMs != 0 && e.TimestampMs > q.EndMs {
		return false
	}
	if q.Source != "" && e.Source != q.Source {
		return false
	}
	return true
}

// QueryResult carries entries back from the cache manager together with the
// tier that answered and the observed latency.
type QueryResult struct {
	Entries   []Entry `json:"entries"`
	Tier      string  `json:"source"`
	Hit       bool    `json:"hit"`
	LatencyMs float64 `json:"latency_ms"`
}
