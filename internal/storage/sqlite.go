package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rewired-gh/alphaterm/internal/models"
)

// SQLite wraps a SQLite database for all persistence operations.
type SQLite struct {
	db        *sql.DB
	maxEvents int
	offsets   []models.TimeframeOffset
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/alphaterm/data.db.
func NewSQLite(maxEvents int, dbPath string, opts ...Option) (*SQLite, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "alphaterm", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; also keeps one :memory: database
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	s := &SQLite{db: db, maxEvents: maxEvents, offsets: buildOptions(opts).offsets}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id         TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			label      TEXT NOT NULL,
			source     TEXT,
			url        TEXT,
			demo       INTEGER NOT NULL DEFAULT 0,
			country    TEXT,
			previous   REAL,
			forecast   REAL,
			actual     REAL,
			unit       TEXT,
			ts         INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS impacts (
			event_id       TEXT NOT NULL,
			asset          TEXT NOT NULL,
			baseline       REAL,
			score          REAL NOT NULL DEFAULT 0,
			direction      TEXT NOT NULL DEFAULT 'neutral',
			resolved_count INTEGER NOT NULL DEFAULT 0,
			updated_at     INTEGER NOT NULL,
			PRIMARY KEY (event_id, asset)
		)`,
		`CREATE TABLE IF NOT EXISTS impact_timeframes (
			event_id    TEXT NOT NULL,
			asset       TEXT NOT NULL,
			offset_key  TEXT NOT NULL,
			price       REAL,
			change_pct  REAL,
			resolved    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (event_id, asset, offset_key),
			FOREIGN KEY (event_id, asset) REFERENCES impacts(event_id, asset) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_impacts_score ON impacts(score DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) SaveEvent(ctx context.Context, e *models.Event) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events
			(id, kind, label, source, url, demo, country, previous, forecast, actual, unit, ts)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			previous = COALESCE(excluded.previous, events.previous),
			forecast = COALESCE(excluded.forecast, events.forecast),
			actual   = COALESCE(excluded.actual, events.actual)`,
		e.ID, string(e.Kind), e.Label, e.Source, e.URL, boolToInt(e.Demo), e.Country,
		nullFloat(e.Previous), nullFloat(e.Forecast), nullFloat(e.Actual), e.Unit,
		e.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

func (s *SQLite) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return e, nil
}

func (s *SQLite) ListEvents(ctx context.Context, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventCols+` FROM events ORDER BY ts DESC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	events := []models.Event{}
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// RotateEvents keeps at most maxEvents newest events and deletes impacts of the rest.
func (s *SQLite) RotateEvents(ctx context.Context) error {
	if s.maxEvents <= 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const stale = `SELECT id FROM events WHERE id NOT IN (
		SELECT id FROM events ORDER BY ts DESC, id ASC LIMIT ?)`
	if _, err := tx.ExecContext(ctx, `DELETE FROM impacts WHERE event_id IN (`+stale+`)`, s.maxEvents); err != nil {
		return fmt.Errorf("failed to rotate impacts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE id IN (`+stale+`)`, s.maxEvents); err != nil {
		return fmt.Errorf("failed to rotate events: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) GetImpact(ctx context.Context, eventID, asset string) (*models.ImpactResult, error) {
	r := models.ImpactResult{EventID: eventID, Asset: asset, Timeframes: map[string]models.TimeframeResult{}}
	var baseline sql.NullFloat64
	var direction string
	var updatedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT baseline, score, direction, updated_at FROM impacts WHERE event_id = ? AND asset = ?`,
		eventID, asset,
	).Scan(&baseline, &r.Score, &direction, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get impact: %w", err)
	}
	r.BaselinePrice = floatPtr(baseline)
	r.Direction = models.Direction(direction)
	r.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	r.Timeframes, err = queryTimeframes(ctx, s.db, eventID, asset)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryTimeframes(ctx context.Context, q sqlQuerier, eventID, asset string) (map[string]models.TimeframeResult, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT offset_key, price, change_pct, resolved FROM impact_timeframes
		WHERE event_id = ? AND asset = ?`, eventID, asset)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeframes: %w", err)
	}
	defer rows.Close()
	tfs := make(map[string]models.TimeframeResult)
	for rows.Next() {
		var key string
		var price, change sql.NullFloat64
		var resolved int
		if err := rows.Scan(&key, &price, &change, &resolved); err != nil {
			return nil, fmt.Errorf("failed to scan timeframe: %w", err)
		}
		tfs[key] = models.TimeframeResult{
			Price:    floatPtr(price),
			Change:   floatPtr(change),
			Resolved: resolved != 0,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read timeframes: %w", err)
	}
	return tfs, nil
}

// UpsertImpact merges r in one transaction. Resolved timeframe rows are
// guarded by the WHERE clause of the conflict update; score and direction
// are then re-aggregated from the rows that were kept.
func (s *SQLite) UpsertImpact(ctx context.Context, r models.ImpactResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO impacts (event_id, asset, baseline, score, direction, resolved_count, updated_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(event_id, asset) DO UPDATE SET
			baseline   = COALESCE(impacts.baseline, excluded.baseline),
			updated_at = MAX(impacts.updated_at, excluded.updated_at)`,
		r.EventID, r.Asset, nullFloat(r.BaselinePrice), r.Score, string(r.Direction),
		r.ResolvedCount(), r.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert impact: %w", err)
	}

	for key, tf := range r.Timeframes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO impact_timeframes (event_id, asset, offset_key, price, change_pct, resolved)
			VALUES (?,?,?,?,?,?)
			ON CONFLICT(event_id, asset, offset_key) DO UPDATE SET
				price = excluded.price, change_pct = excluded.change_pct, resolved = excluded.resolved
			WHERE impact_timeframes.resolved = 0`,
			r.EventID, r.Asset, key, nullFloat(tf.Price), nullFloat(tf.Change), boolToInt(tf.Resolved),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert timeframe %s: %w", key, err)
		}
	}

	merged := models.ImpactResult{EventID: r.EventID, Asset: r.Asset}
	if merged.Timeframes, err = queryTimeframes(ctx, tx, r.EventID, r.Asset); err != nil {
		return err
	}
	merged.Score, merged.Direction = models.Aggregate(merged.Timeframes, s.offsets)
	if _, err := tx.ExecContext(ctx, `
		UPDATE impacts SET score = ?, direction = ?, resolved_count = ?
		WHERE event_id = ? AND asset = ?`,
		merged.Score, string(merged.Direction), merged.ResolvedCount(), r.EventID, r.Asset); err != nil {
		return fmt.Errorf("failed to rescore impact: %w", err)
	}

	return tx.Commit()
}

const eventCols = `id, kind, label, source, url, demo, country, previous, forecast, actual, unit, ts`

func scanEvent(scan func(...any) error) (*models.Event, error) {
	var e models.Event
	var kind string
	var source, url, country, unit sql.NullString
	var demo int
	var previous, forecast, actual sql.NullFloat64
	var ts int64
	err := scan(&e.ID, &kind, &e.Label, &source, &url, &demo, &country,
		&previous, &forecast, &actual, &unit, &ts)
	if err != nil {
		return nil, err
	}
	e.Kind = models.EventKind(kind)
	e.Source = source.String
	e.URL = url.String
	e.Demo = demo != 0
	e.Country = country.String
	e.Unit = unit.String
	e.Previous = floatPtr(previous)
	e.Forecast = floatPtr(forecast)
	e.Actual = floatPtr(actual)
	e.Timestamp = time.UnixMilli(ts).UTC()
	return &e, nil
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	return models.Float(n.Float64)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
