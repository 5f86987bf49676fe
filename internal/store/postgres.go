package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/storyatlas/resolve-cli/internal/db"
	"github.com/storyatlas/resolve-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool     db.Pool
	cacheTTL time.Duration
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, cacheTTL: DefaultCacheTTL}, nil
}

// Pool returns the underlying database pool for subsystems that need
// direct query access (e.g., bulk import).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS locations (
	id                  TEXT PRIMARY KEY,
	book_id             TEXT NOT NULL,
	place_name          TEXT NOT NULL,
	place_type          TEXT,
	note                TEXT,
	story_title         TEXT,
	story_summary       TEXT,
	company_hint        TEXT,
	year_hint           INTEGER,
	approx_lat          DOUBLE PRECISION,
	approx_lon          DOUBLE PRECISION,
	tier                TEXT,
	tier_confidence     DOUBLE PRECISION,
	tier_reason         TEXT,
	resolved_address    TEXT,
	resolved_lat        DOUBLE PRECISION,
	resolved_lon        DOUBLE PRECISION,
	resolved_precision  TEXT,
	resolved_confidence DOUBLE PRECISION,
	provenance          JSONB,
	resolved_at         TIMESTAMPTZ,
	resolution_hash     TEXT
);

CREATE TABLE IF NOT EXISTS resolution_cache (
	key        TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	hits       INTEGER NOT NULL DEFAULT 0,
	cached_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_locations_book_id ON locations(book_id);
CREATE INDEX IF NOT EXISTS idx_locations_hash ON locations(resolution_hash);
CREATE INDEX IF NOT EXISTS idx_resolution_cache_expires ON resolution_cache(expires_at);
CREATE INDEX IF NOT EXISTS idx_resolution_cache_cached ON resolution_cache(cached_at);
`

// postgresResolutionColumns mirrors resolutionColumns with Postgres types.
var postgresResolutionColumns = map[string]string{
	"tier":                "TEXT",
	"tier_confidence":     "DOUBLE PRECISION",
	"tier_reason":         "TEXT",
	"resolved_address":    "TEXT",
	"resolved_lat":        "DOUBLE PRECISION",
	"resolved_lon":        "DOUBLE PRECISION",
	"resolved_precision":  "TEXT",
	"resolved_confidence": "DOUBLE PRECISION",
	"provenance":          "JSONB",
	"resolved_at":         "TIMESTAMPTZ",
	"resolution_hash":     "TEXT",
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}

	missing, err := s.missingResolutionColumns(ctx)
	if err != nil {
		return err
	}
	for _, col := range missing {
		alter := fmt.Sprintf("ALTER TABLE locations ADD COLUMN %s %s", col, postgresResolutionColumns[col])
		if _, err := s.pool.Exec(ctx, alter); err != nil {
			return eris.Wrapf(err, "postgres: add column %s", col)
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO schema_meta (key, value) VALUES ('schema_version', $1)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		model.SchemaVersion,
	)
	return eris.Wrap(err, "postgres: set schema version")
}

func (s *PostgresStore) missingResolutionColumns(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_name = 'locations'`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: inspect columns")
	}
	defer rows.Close()

	present := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "postgres: scan column name")
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: inspect columns iterate")
	}

	var missing []string
	for col := range postgresResolutionColumns {
		if !present[col] {
			missing = append(missing, col)
		}
	}
	return missing, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const postgresLocationSelect = `SELECT id, book_id, place_name, place_type, note, story_title,
	story_summary, company_hint, year_hint, approx_lat, approx_lon,
	tier, tier_confidence, tier_reason, resolved_address, resolved_lat,
	resolved_lon, resolved_precision, resolved_confidence, provenance,
	resolved_at, resolution_hash
	FROM locations`

func (s *PostgresStore) ListUnresolved(ctx context.Context, filter Filter) ([]model.LocationRecord, error) {
	query := postgresLocationSelect + ` WHERE true`
	args := []any{}
	argIdx := 1

	if filter.BookID != "" {
		query += fmt.Sprintf(` AND book_id = $%d`, argIdx)
		args = append(args, filter.BookID)
		argIdx++
	}
	if !filter.Incremental {
		query += ` AND tier IS NULL`
	}
	query += ` ORDER BY book_id, id`

	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list locations")
	}
	defer rows.Close()

	var records []model.LocationRecord
	for rows.Next() {
		rec, err := scanPostgresLocation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list locations iterate")
}

func (s *PostgresStore) SaveResolution(ctx context.Context, id string, res *model.Resolution) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE locations SET
			tier = $1, tier_confidence = $2, tier_reason = $3,
			resolved_address = $4, resolved_lat = $5, resolved_lon = $6,
			resolved_precision = $7, resolved_confidence = $8,
			provenance = $9, resolved_at = $10, resolution_hash = $11
		 WHERE id = $12`,
		string(res.Tier), res.TierConfidence, res.TierReason,
		res.Address, res.Lat, res.Lon,
		nullableString(string(res.Precision)), res.Confidence,
		model.MarshalProvenance(res.Provenance), res.ResolvedAt.UTC(), res.Hash,
		id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save resolution %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("location not found: %s", id)
	}
	return nil
}

// ImportLocations bulk-loads records via COPY into a temp table and
// upserts, keeping any existing resolution columns intact.
func (s *PostgresStore) ImportLocations(ctx context.Context, records []model.LocationRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	columns := []string{
		"id", "book_id", "place_name", "place_type", "note",
		"story_title", "story_summary", "company_hint", "year_hint",
		"approx_lat", "approx_lon",
	}
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		rows = append(rows, []any{
			r.ID, r.BookID, r.PlaceName, r.PlaceType, r.Note,
			r.StoryTitle, r.StorySummary, r.CompanyHint, r.YearHint,
			r.ApproxLat, r.ApproxLon,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "locations",
		Columns:      columns,
		ConflictKeys: []string{"id"},
	}, rows)
	return n, eris.Wrap(err, "postgres: import locations")
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		TierCounts:        map[string]int{},
		ConfidenceBuckets: map[string]int{},
	}

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(tier) FROM locations`,
	).Scan(&stats.Total, &stats.Resolved)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats totals")
	}
	stats.Unresolved = stats.Total - stats.Resolved

	rows, err := s.pool.Query(ctx,
		`SELECT tier, COALESCE(resolved_confidence, 0) FROM locations WHERE tier IS NOT NULL`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats tiers")
	}
	defer rows.Close()
	for rows.Next() {
		var tier string
		var confidence float64
		if err := rows.Scan(&tier, &confidence); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stats row")
		}
		stats.TierCounts[tier]++
		stats.ConfidenceBuckets[confidenceBucket(confidence)]++
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: stats iterate")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(hits), 0) FROM resolution_cache`,
	).Scan(&stats.CacheEntries, &stats.CacheHits)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats cache")
	}
	if reads := stats.CacheHits + stats.CacheEntries; reads > 0 {
		stats.CacheHitRate = float64(stats.CacheHits) / float64(reads)
	}
	return stats, nil
}

func (s *PostgresStore) GetCache(ctx context.Context, key string) ([]byte, bool, error) {
	var payload string
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM resolution_cache
		 WHERE key = $1 AND expires_at > now()`,
		key,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: get cache")
	}

	if _, err := s.pool.Exec(ctx,
		`UPDATE resolution_cache SET hits = hits + 1 WHERE key = $1`, key,
	); err != nil {
		return nil, false, eris.Wrap(err, "postgres: bump cache hits")
	}
	return []byte(payload), true, nil
}

func (s *PostgresStore) SetCache(ctx context.Context, key string, payload []byte) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO resolution_cache (key, payload, hits, cached_at, expires_at)
		 VALUES ($1, $2, 0, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET
			payload = EXCLUDED.payload, cached_at = EXCLUDED.cached_at,
			expires_at = EXCLUDED.expires_at`,
		key, string(payload), now, now.Add(s.cacheTTL),
	)
	return eris.Wrap(err, "postgres: set cache")
}

func (s *PostgresStore) PurgeCache(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM resolution_cache WHERE cached_at <= $1`, cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: purge cache")
	}
	return int(tag.RowsAffected()), nil
}

func scanPostgresLocation(rows pgx.Rows) (*model.LocationRecord, error) {
	var rec model.LocationRecord
	var placeType, note, storyTitle, storySummary, companyHint *string
	var yearHint *int
	var tier, tierReason, address, precision, provenance, hash *string
	var tierConfidence, lat, lon, confidence *float64
	var resolvedAt *time.Time

	err := rows.Scan(
		&rec.ID, &rec.BookID, &rec.PlaceName, &placeType, &note,
		&storyTitle, &storySummary, &companyHint, &yearHint,
		&rec.ApproxLat, &rec.ApproxLon,
		&tier, &tierConfidence, &tierReason, &address, &lat, &lon,
		&precision, &confidence, &provenance, &resolvedAt, &hash,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan location")
	}

	rec.PlaceType = deref(placeType)
	rec.Note = deref(note)
	rec.StoryTitle = deref(storyTitle)
	rec.StorySummary = deref(storySummary)
	rec.CompanyHint = deref(companyHint)
	if yearHint != nil {
		rec.YearHint = *yearHint
	}

	if tier != nil {
		res := &model.Resolution{
			Tier:       model.Tier(*tier),
			TierReason: deref(tierReason),
			Address:    address,
			Lat:        lat,
			Lon:        lon,
			Precision:  model.Precision(deref(precision)),
			Provenance: model.UnmarshalProvenance(deref(provenance)),
			Hash:       deref(hash),
		}
		if tierConfidence != nil {
			res.TierConfidence = *tierConfidence
		}
		if confidence != nil {
			res.Confidence = *confidence
		}
		if resolvedAt != nil {
			res.ResolvedAt = *resolvedAt
		}
		rec.Resolution = res
	}
	return &rec, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
