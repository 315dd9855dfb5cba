package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/oseitutunelson/samantha/models"
)

const (
	latestCycleKey = "matchfeed:cycle:latest"
	cycleCacheTTL  = 10 * time.Minute
)

// PostgresStore wraps PostgreSQL persistence with an optional Redis cache
// of the latest cycle.
type PostgresStore struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

// NewPostgres opens a pool on dsn and applies migrations. rdb may be nil.
func NewPostgres(ctx context.Context, dsn string, rdb *redis.Client) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second
	config.ConnConfig.RuntimeParams["statement_timeout"] = "30000"

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &PostgresStore{pool: pool, redis: rdb}
	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases database connections. The redis client belongs to the caller.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// SaveCycle inserts one cycle and refreshes the latest-cycle cache.
func (s *PostgresStore) SaveCycle(ctx context.Context, rec CycleRecord) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO ingestion_cycles (
			state, reason, attempted, added, skipped, on_chain_count,
			started_at, elapsed_ms, last_error, warnings, transitions, response, summary
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		rec.State, rec.Reason, rec.Attempted, rec.Added, rec.Skipped, rec.OnChainCount,
		rec.StartedAt.UTC(), rec.ElapsedMS, rec.LastError, nonNil(rec.Warnings), rec.Transitions, rec.Response, rec.Summary,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert cycle: %w", err)
	}

	rec.ID = id
	s.cacheLatest(ctx, rec)
	return id, nil
}

const pgCycleColumns = `id, state, reason, attempted, added, skipped, on_chain_count,
	started_at, elapsed_ms, last_error, warnings, transitions, response, summary`

// GetCycle returns one cycle by id.
func (s *PostgresStore) GetCycle(ctx context.Context, id int64) (*CycleRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgCycleColumns+` FROM ingestion_cycles WHERE id = $1`, id)
	return scanPgCycle(row)
}

// GetLatestCycle returns the most recent cycle, from Redis when cached.
func (s *PostgresStore) GetLatestCycle(ctx context.Context) (*CycleRecord, error) {
	if s.redis != nil {
		if cached, err := s.redis.Get(ctx, latestCycleKey).Bytes(); err == nil {
			var rec CycleRecord
			if json.Unmarshal(cached, &rec) == nil {
				return &rec, nil
			}
		}
	}

	row := s.pool.QueryRow(ctx, `SELECT `+pgCycleColumns+` FROM ingestion_cycles ORDER BY id DESC LIMIT 1`)
	rec, err := scanPgCycle(row)
	if err != nil {
		return nil, err
	}
	s.cacheLatest(ctx, *rec)
	return rec, nil
}

// ListCycles returns the newest cycles first.
func (s *PostgresStore) ListCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgCycleColumns+` FROM ingestion_cycles ORDER BY id DESC LIMIT $1`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CycleRecord
	for rows.Next() {
		rec, err := scanPgCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// SaveParsedMatches stores the records of a cycle using a batch insert.
func (s *PostgresStore) SaveParsedMatches(ctx context.Context, cycleID int64, records []models.MatchRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM parsed_matches WHERE cycle_id = $1`, cycleID); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for i, r := range records {
		batch.Queue(`
			INSERT INTO parsed_matches (
				cycle_id, position, external_id, home_team, away_team, kickoff_time, home_odds, draw_odds, away_odds
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			cycleID, i, r.ExternalID, r.HomeTeam, r.AwayTeam, r.KickoffTime.UTC(), r.HomeOdds, r.DrawOdds, r.AwayOdds)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert parsed matches: %w", err)
	}

	return tx.Commit(ctx)
}

// ListParsedMatches returns the records of one cycle in payload order.
func (s *PostgresStore) ListParsedMatches(ctx context.Context, cycleID int64) ([]models.MatchRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT external_id, home_team, away_team, kickoff_time, home_odds, draw_odds, away_odds
		FROM parsed_matches WHERE cycle_id = $1 ORDER BY position`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MatchRecord
	for rows.Next() {
		var r models.MatchRecord
		if err := rows.Scan(&r.ExternalID, &r.HomeTeam, &r.AwayTeam, &r.KickoffTime, &r.HomeOdds, &r.DrawOdds, &r.AwayOdds); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) cacheLatest(ctx context.Context, rec CycleRecord) {
	if s.redis == nil {
		return
	}
	if data, err := json.Marshal(rec); err == nil {
		s.redis.Set(ctx, latestCycleKey, data, cycleCacheTTL)
	}
}

func scanPgCycle(row pgx.Row) (*CycleRecord, error) {
	var rec CycleRecord
	err := row.Scan(
		&rec.ID, &rec.State, &rec.Reason, &rec.Attempted, &rec.Added, &rec.Skipped, &rec.OnChainCount,
		&rec.StartedAt, &rec.ElapsedMS, &rec.LastError, &rec.Warnings, &rec.Transitions, &rec.Response, &rec.Summary,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS ingestion_cycles (
		id BIGSERIAL PRIMARY KEY,
		state TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		attempted INTEGER NOT NULL DEFAULT 0,
		added INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		on_chain_count INTEGER NOT NULL DEFAULT -1,
		started_at TIMESTAMPTZ NOT NULL,
		elapsed_ms BIGINT NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		warnings TEXT[] NOT NULL DEFAULT '{}',
		transitions TEXT NOT NULL DEFAULT '',
		response TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_cycles_started ON ingestion_cycles(started_at DESC);

	CREATE TABLE IF NOT EXISTS parsed_matches (
		cycle_id BIGINT NOT NULL REFERENCES ingestion_cycles(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		external_id BIGINT NOT NULL,
		home_team TEXT NOT NULL,
		away_team TEXT NOT NULL,
		kickoff_time TIMESTAMPTZ NOT NULL,
		home_odds BIGINT NOT NULL,
		draw_odds BIGINT NOT NULL,
		away_odds BIGINT NOT NULL,
		PRIMARY KEY (cycle_id, position)
	);

	CREATE INDEX IF NOT EXISTS idx_parsed_matches_external ON parsed_matches(external_id);
	`

	// simple protocol allows several statements in one Exec
	if _, err := s.pool.Exec(ctx, schema, pgx.QueryExecModeSimpleProtocol); err != nil {
		return fmt.Errorf("postgres: run migrations: %w", err)
	}
	return nil
}
