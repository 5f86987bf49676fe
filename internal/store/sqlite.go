package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/storyatlas/resolve-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db       *sql.DB
	cacheTTL time.Duration
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, cacheTTL: DefaultCacheTTL}, nil
}

const sqliteMigration = `
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
	approx_lat          REAL,
	approx_lon          REAL,
	tier                TEXT,
	tier_confidence     REAL,
	tier_reason         TEXT,
	resolved_address    TEXT,
	resolved_lat        REAL,
	resolved_lon        REAL,
	resolved_precision  TEXT,
	resolved_confidence REAL,
	provenance          TEXT,
	resolved_at         DATETIME,
	resolution_hash     TEXT
);

CREATE TABLE IF NOT EXISTS resolution_cache (
	key        TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	hits       INTEGER NOT NULL DEFAULT 0,
	cached_at  DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
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

// resolutionColumns are the columns the current schema version requires on
// locations. Migrate checks the real table against this set, so a database
// whose version marker claims the current version but is missing columns
// still gets repaired.
var resolutionColumns = map[string]string{
	"tier":                "TEXT",
	"tier_confidence":     "REAL",
	"tier_reason":         "TEXT",
	"resolved_address":    "TEXT",
	"resolved_lat":        "REAL",
	"resolved_lon":        "REAL",
	"resolved_precision":  "TEXT",
	"resolved_confidence": "REAL",
	"provenance":          "TEXT",
	"resolved_at":         "DATETIME",
	"resolution_hash":     "TEXT",
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}

	missing, err := s.missingResolutionColumns(ctx)
	if err != nil {
		return err
	}
	for _, col := range missing {
		alter := fmt.Sprintf("ALTER TABLE locations ADD COLUMN %s %s", col, resolutionColumns[col])
		if _, err := s.db.ExecContext(ctx, alter); err != nil {
			return eris.Wrapf(err, "sqlite: add column %s", col)
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		model.SchemaVersion,
	)
	return eris.Wrap(err, "sqlite: set schema version")
}

// missingResolutionColumns compares the actual locations table against the
// current schema. The version marker alone is not trusted.
func (s *SQLiteStore) missingResolutionColumns(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(locations)`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: table_info")
	}
	defer rows.Close()

	present := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan table_info")
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: table_info iterate")
	}

	var missing []string
	for col := range resolutionColumns {
		if !present[col] {
			missing = append(missing, col)
		}
	}
	return missing, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const locationSelect = `SELECT id, book_id, place_name, place_type, note, story_title,
	story_summary, company_hint, year_hint, approx_lat, approx_lon,
	tier, tier_confidence, tier_reason, resolved_address, resolved_lat,
	resolved_lon, resolved_precision, resolved_confidence, provenance,
	resolved_at, resolution_hash
	FROM locations`

func (s *SQLiteStore) ListUnresolved(ctx context.Context, filter Filter) ([]model.LocationRecord, error) {
	query := locationSelect + ` WHERE 1=1`
	var args []any

	if filter.BookID != "" {
		query += ` AND book_id = ?`
		args = append(args, filter.BookID)
	}
	if !filter.Incremental {
		query += ` AND tier IS NULL`
	}
	query += ` ORDER BY book_id, id`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list locations")
	}
	defer rows.Close()

	var records []model.LocationRecord
	for rows.Next() {
		rec, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list locations iterate")
}

func (s *SQLiteStore) SaveResolution(ctx context.Context, id string, res *model.Resolution) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE locations SET
			tier = ?, tier_confidence = ?, tier_reason = ?,
			resolved_address = ?, resolved_lat = ?, resolved_lon = ?,
			resolved_precision = ?, resolved_confidence = ?,
			provenance = ?, resolved_at = ?, resolution_hash = ?
		 WHERE id = ?`,
		string(res.Tier), res.TierConfidence, res.TierReason,
		res.Address, res.Lat, res.Lon,
		nullableString(string(res.Precision)), res.Confidence,
		model.MarshalProvenance(res.Provenance), res.ResolvedAt.UTC(), res.Hash,
		id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save resolution %s", id)
	}
	return checkRowsAffected(result, "location", id)
}

func (s *SQLiteStore) ImportLocations(ctx context.Context, records []model.LocationRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	// Upsert keeps any existing resolution columns intact.
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO locations (id, book_id, place_name, place_type, note,
			story_title, story_summary, company_hint, year_hint, approx_lat, approx_lon)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			book_id = excluded.book_id, place_name = excluded.place_name,
			place_type = excluded.place_type, note = excluded.note,
			story_title = excluded.story_title, story_summary = excluded.story_summary,
			company_hint = excluded.company_hint, year_hint = excluded.year_hint,
			approx_lat = excluded.approx_lat, approx_lon = excluded.approx_lon`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: import prepare")
	}
	defer stmt.Close()

	var n int64
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.ID, r.BookID, r.PlaceName, r.PlaceType, r.Note,
			r.StoryTitle, r.StorySummary, r.CompanyHint, r.YearHint,
			r.ApproxLat, r.ApproxLon,
		); err != nil {
			return 0, eris.Wrapf(err, "sqlite: import location %s", r.ID)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: import commit")
	}
	return n, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		TierCounts:        map[string]int{},
		ConfidenceBuckets: map[string]int{},
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(tier) FROM locations`,
	).Scan(&stats.Total, &stats.Resolved)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats totals")
	}
	stats.Unresolved = stats.Total - stats.Resolved

	rows, err := s.db.QueryContext(ctx,
		`SELECT tier, resolved_confidence FROM locations WHERE tier IS NOT NULL`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats tiers")
	}
	defer rows.Close()
	for rows.Next() {
		var tier string
		var confidence sql.NullFloat64
		if err := rows.Scan(&tier, &confidence); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stats row")
		}
		stats.TierCounts[tier]++
		stats.ConfidenceBuckets[confidenceBucket(confidence.Float64)]++
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: stats iterate")
	}

	var hits sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(hits) FROM resolution_cache`,
	).Scan(&stats.CacheEntries, &hits)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: stats cache")
	}
	stats.CacheHits = int(hits.Int64)
	if reads := stats.CacheHits + stats.CacheEntries; reads > 0 {
		stats.CacheHitRate = float64(stats.CacheHits) / float64(reads)
	}
	return stats, nil
}

func (s *SQLiteStore) GetCache(ctx context.Context, key string) ([]byte, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM resolution_cache
		 WHERE key = ? AND expires_at > ?`,
		key, time.Now().UTC(),
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: get cache")
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE resolution_cache SET hits = hits + 1 WHERE key = ?`, key,
	); err != nil {
		return nil, false, eris.Wrap(err, "sqlite: bump cache hits")
	}
	return []byte(payload), true, nil
}

func (s *SQLiteStore) SetCache(ctx context.Context, key string, payload []byte) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resolution_cache (key, payload, hits, cached_at, expires_at)
		 VALUES (?, ?, 0, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			payload = excluded.payload, cached_at = excluded.cached_at,
			expires_at = excluded.expires_at`,
		key, string(payload), now, now.Add(s.cacheTTL),
	)
	return eris.Wrap(err, "sqlite: set cache")
}

func (s *SQLiteStore) PurgeCache(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM resolution_cache WHERE cached_at <= ?`, cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: purge cache")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type scannable interface {
	Scan(dest ...any) error
}

func scanLocation(row scannable) (*model.LocationRecord, error) {
	var rec model.LocationRecord
	var placeType, note, storyTitle, storySummary, companyHint sql.NullString
	var yearHint sql.NullInt64
	var approxLat, approxLon sql.NullFloat64
	var tier, tierReason, address, precision, provenance, hash sql.NullString
	var tierConfidence, lat, lon, confidence sql.NullFloat64
	var resolvedAt sql.NullTime

	err := row.Scan(
		&rec.ID, &rec.BookID, &rec.PlaceName, &placeType, &note,
		&storyTitle, &storySummary, &companyHint, &yearHint,
		&approxLat, &approxLon,
		&tier, &tierConfidence, &tierReason, &address, &lat, &lon,
		&precision, &confidence, &provenance, &resolvedAt, &hash,
	)
	if err != nil {
		return nil, eris.Wrap(err, "store: scan location")
	}

	rec.PlaceType = placeType.String
	rec.Note = note.String
	rec.StoryTitle = storyTitle.String
	rec.StorySummary = storySummary.String
	rec.CompanyHint = companyHint.String
	rec.YearHint = int(yearHint.Int64)
	if approxLat.Valid {
		rec.ApproxLat = &approxLat.Float64
	}
	if approxLon.Valid {
		rec.ApproxLon = &approxLon.Float64
	}

	if tier.Valid {
		res := &model.Resolution{
			Tier:           model.Tier(tier.String),
			TierConfidence: tierConfidence.Float64,
			TierReason:     tierReason.String,
			Precision:      model.Precision(precision.String),
			Confidence:     confidence.Float64,
			Provenance:     model.UnmarshalProvenance(provenance.String),
			ResolvedAt:     resolvedAt.Time,
			Hash:           hash.String,
		}
		if address.Valid {
			res.Address = &address.String
		}
		if lat.Valid {
			res.Lat = &lat.Float64
		}
		if lon.Valid {
			res.Lon = &lon.Float64
		}
		rec.Resolution = res
	}
	return &rec, nil
}
