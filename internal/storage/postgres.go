package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rewired-gh/alphaterm/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS events (
	id       TEXT PRIMARY KEY,
	kind     TEXT NOT NULL,
	label    TEXT NOT NULL,
	source   TEXT NOT NULL DEFAULT '',
	url      TEXT NOT NULL DEFAULT '',
	demo     BOOLEAN NOT NULL DEFAULT FALSE,
	country  TEXT NOT NULL DEFAULT '',
	previous DOUBLE PRECISION,
	forecast DOUBLE PRECISION,
	actual   DOUBLE PRECISION,
	unit     TEXT NOT NULL DEFAULT '',
	ts       BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts DESC);

CREATE TABLE IF NOT EXISTS impacts (
	event_id       TEXT NOT NULL,
	asset          TEXT NOT NULL,
	baseline       DOUBLE PRECISION,
	score          DOUBLE PRECISION NOT NULL DEFAULT 0,
	direction      TEXT NOT NULL DEFAULT 'neutral',
	resolved_count INTEGER NOT NULL DEFAULT 0,
	updated_at     BIGINT NOT NULL,
	PRIMARY KEY (event_id, asset)
);

CREATE TABLE IF NOT EXISTS impact_timeframes (
	event_id   TEXT NOT NULL,
	asset      TEXT NOT NULL,
	offset_key TEXT NOT NULL,
	price      DOUBLE PRECISION,
	change_pct DOUBLE PRECISION,
	resolved   BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (event_id, asset, offset_key),
	FOREIGN KEY (event_id, asset) REFERENCES impacts(event_id, asset) ON DELETE CASCADE
);
`

// Postgres stores events and impacts in PostgreSQL through a pgx pool.
type Postgres struct {
	pool      *pgxpool.Pool
	maxEvents int
	offsets   []models.TimeframeOffset
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects to dsn, verifies the connection and applies the schema.
func NewPostgres(ctx context.Context, dsn string, maxEvents int, opts ...Option) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Postgres{pool: pool, maxEvents: maxEvents, offsets: buildOptions(opts).offsets}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) SaveEvent(ctx context.Context, e *models.Event) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO events
			(id, kind, label, source, url, demo, country, previous, forecast, actual, unit, ts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			previous = COALESCE(EXCLUDED.previous, events.previous),
			forecast = COALESCE(EXCLUDED.forecast, events.forecast),
			actual   = COALESCE(EXCLUDED.actual, events.actual)`,
		e.ID, string(e.Kind), e.Label, e.Source, e.URL, e.Demo, e.Country,
		e.Previous, e.Forecast, e.Actual, e.Unit, e.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

func (p *Postgres) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+eventCols+` FROM events WHERE id = $1`, id)
	e, err := scanPgEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return e, nil
}

func (p *Postgres) ListEvents(ctx context.Context, limit int) ([]models.Event, error) {
	query := `SELECT ` + eventCols + ` FROM events ORDER BY ts DESC, id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := []models.Event{}
	for rows.Next() {
		e, err := scanPgEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (p *Postgres) RotateEvents(ctx context.Context) error {
	if p.maxEvents <= 0 {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	const stale = `SELECT id FROM events WHERE id NOT IN (
		SELECT id FROM events ORDER BY ts DESC, id ASC LIMIT $1)`
	if _, err := tx.Exec(ctx, `DELETE FROM impacts WHERE event_id IN (`+stale+`)`, p.maxEvents); err != nil {
		return fmt.Errorf("failed to rotate impacts: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM events WHERE id IN (`+stale+`)`, p.maxEvents); err != nil {
		return fmt.Errorf("failed to rotate events: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *Postgres) GetImpact(ctx context.Context, eventID, asset string) (*models.ImpactResult, error) {
	r := models.ImpactResult{EventID: eventID, Asset: asset, Timeframes: map[string]models.TimeframeResult{}}
	var direction string
	var updatedAt int64
	err := p.pool.QueryRow(ctx, `
		SELECT baseline, score, direction, updated_at FROM impacts WHERE event_id = $1 AND asset = $2`,
		eventID, asset,
	).Scan(&r.BaselinePrice, &r.Score, &direction, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get impact: %w", err)
	}
	r.Direction = models.Direction(direction)
	r.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	r.Timeframes, err = queryPgTimeframes(ctx, p.pool, eventID, asset)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryPgTimeframes(ctx context.Context, q pgQuerier, eventID, asset string) (map[string]models.TimeframeResult, error) {
	rows, err := q.Query(ctx, `
		SELECT offset_key, price, change_pct, resolved FROM impact_timeframes
		WHERE event_id = $1 AND asset = $2`, eventID, asset)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeframes: %w", err)
	}
	defer rows.Close()
	tfs := make(map[string]models.TimeframeResult)
	for rows.Next() {
		var key string
		var tf models.TimeframeResult
		if err := rows.Scan(&key, &tf.Price, &tf.Change, &tf.Resolved); err != nil {
			return nil, fmt.Errorf("failed to scan timeframe: %w", err)
		}
		tfs[key] = tf
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read timeframes: %w", err)
	}
	return tfs, nil
}

// UpsertImpact merges r under a row lock on the impact header so concurrent
// writers to the same key serialize. Score and direction are re-aggregated
// from the timeframe rows kept.
func (p *Postgres) UpsertImpact(ctx context.Context, r models.ImpactResult) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO impacts (event_id, asset, baseline, score, direction, resolved_count, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (event_id, asset) DO UPDATE SET
			baseline   = COALESCE(impacts.baseline, EXCLUDED.baseline),
			updated_at = GREATEST(impacts.updated_at, EXCLUDED.updated_at)`,
		r.EventID, r.Asset, r.BaselinePrice, r.Score, string(r.Direction),
		r.ResolvedCount(), r.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert impact: %w", err)
	}

	batch := &pgx.Batch{}
	for key, tf := range r.Timeframes {
		batch.Queue(`
			INSERT INTO impact_timeframes (event_id, asset, offset_key, price, change_pct, resolved)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (event_id, asset, offset_key) DO UPDATE SET
				price = EXCLUDED.price, change_pct = EXCLUDED.change_pct, resolved = EXCLUDED.resolved
			WHERE impact_timeframes.resolved = FALSE`,
			r.EventID, r.Asset, key, tf.Price, tf.Change, tf.Resolved)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to upsert timeframes: %w", err)
		}
	}

	merged := models.ImpactResult{EventID: r.EventID, Asset: r.Asset}
	if merged.Timeframes, err = queryPgTimeframes(ctx, tx, r.EventID, r.Asset); err != nil {
		return err
	}
	merged.Score, merged.Direction = models.Aggregate(merged.Timeframes, p.offsets)
	if _, err := tx.Exec(ctx, `
		UPDATE impacts SET score = $1, direction = $2, resolved_count = $3
		WHERE event_id = $4 AND asset = $5`,
		merged.Score, string(merged.Direction), merged.ResolvedCount(), r.EventID, r.Asset); err != nil {
		return fmt.Errorf("failed to rescore impact: %w", err)
	}

	return tx.Commit(ctx)
}

func scanPgEvent(row pgx.Row) (*models.Event, error) {
	var e models.Event
	var kind string
	var ts int64
	err := row.Scan(&e.ID, &kind, &e.Label, &e.Source, &e.URL, &e.Demo, &e.Country,
		&e.Previous, &e.Forecast, &e.Actual, &e.Unit, &ts)
	if err != nil {
		return nil, err
	}
	e.Kind = models.EventKind(kind)
	e.Timestamp = time.UnixMilli(ts).UTC()
	return &e, nil
}
