package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oseitutunelson/samantha/models"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite persistence for ingestion cycles and parsed matches.
type Store struct {
	db *sql.DB
}

// New opens (and creates if needed) the SQLite database at dbPath.
func New(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("storage: db path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", filepath.Dir(dbPath), err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(0)

	store := &Store{db: db}
	if err := store.runMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveCycle inserts one cycle and returns its id.
func (s *Store) SaveCycle(ctx context.Context, rec CycleRecord) (int64, error) {
	warnings, err := json.Marshal(rec.Warnings)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, `
        INSERT INTO ingestion_cycles (
            state, reason, attempted, added, skipped, on_chain_count,
            started_at, elapsed_ms, last_error, warnings, transitions, response, summary
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.State, rec.Reason, rec.Attempted, rec.Added, rec.Skipped, rec.OnChainCount,
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.ElapsedMS, rec.LastError,
		string(warnings), rec.Transitions, rec.Response, rec.Summary,
	)
	if err != nil {
		return 0, fmt.Errorf("insert cycle: %w", err)
	}
	return res.LastInsertId()
}

const cycleColumns = `id, state, reason, attempted, added, skipped, on_chain_count,
        started_at, elapsed_ms, last_error, warnings, transitions, response, summary`

// GetCycle returns one cycle by id.
func (s *Store) GetCycle(ctx context.Context, id int64) (*CycleRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM ingestion_cycles WHERE id = ?`, id)
	rec, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// GetLatestCycle returns the most recent cycle.
func (s *Store) GetLatestCycle(ctx context.Context) (*CycleRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM ingestion_cycles ORDER BY id DESC LIMIT 1`)
	rec, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListCycles returns the newest cycles first.
func (s *Store) ListCycles(ctx context.Context, limit int) ([]CycleRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+cycleColumns+` FROM ingestion_cycles ORDER BY id DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CycleRecord
	for rows.Next() {
		rec, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// SaveParsedMatches stores the records parsed in a cycle, replacing any earlier copy.
func (s *Store) SaveParsedMatches(ctx context.Context, cycleID int64, records []models.MatchRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM parsed_matches WHERE cycle_id = ?`, cycleID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO parsed_matches (
            cycle_id, position, external_id, home_team, away_team, kickoff_time, home_odds, draw_odds, away_odds
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, r := range records {
		if _, err := stmt.ExecContext(ctx,
			cycleID, i, r.ExternalID, r.HomeTeam, r.AwayTeam,
			r.KickoffTime.UTC().Format(time.RFC3339), r.HomeOdds, r.DrawOdds, r.AwayOdds,
		); err != nil {
			return fmt.Errorf("insert parsed match %d: %w", r.ExternalID, err)
		}
	}

	return tx.Commit()
}

// ListParsedMatches returns the records of one cycle in payload order.
func (s *Store) ListParsedMatches(ctx context.Context, cycleID int64) ([]models.MatchRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT external_id, home_team, away_team, kickoff_time, home_odds, draw_odds, away_odds
        FROM parsed_matches WHERE cycle_id = ? ORDER BY position`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MatchRecord
	for rows.Next() {
		var (
			r       models.MatchRecord
			kickoff string
		)
		if err := rows.Scan(&r.ExternalID, &r.HomeTeam, &r.AwayTeam, &kickoff, &r.HomeOdds, &r.DrawOdds, &r.AwayOdds); err != nil {
			return nil, err
		}
		r.KickoffTime, _ = time.Parse(time.RFC3339, kickoff)
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCycle(row rowScanner) (*CycleRecord, error) {
	var (
		rec      CycleRecord
		started  string
		warnings string
	)
	if err := row.Scan(
		&rec.ID, &rec.State, &rec.Reason, &rec.Attempted, &rec.Added, &rec.Skipped, &rec.OnChainCount,
		&started, &rec.ElapsedMS, &rec.LastError, &warnings, &rec.Transitions, &rec.Response, &rec.Summary,
	); err != nil {
		return nil, err
	}
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if warnings != "" && warnings != "null" {
		if err := json.Unmarshal([]byte(warnings), &rec.Warnings); err != nil {
			return nil, fmt.Errorf("decode warnings of cycle %d: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

func (s *Store) runMigrations(ctx context.Context) error {
	const schema = `
    PRAGMA foreign_keys = ON;

    CREATE TABLE IF NOT EXISTS ingestion_cycles (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        state TEXT NOT NULL,
        reason TEXT NOT NULL DEFAULT '',
        attempted INTEGER NOT NULL DEFAULT 0,
        added INTEGER NOT NULL DEFAULT 0,
        skipped INTEGER NOT NULL DEFAULT 0,
        on_chain_count INTEGER NOT NULL DEFAULT -1,
        started_at TEXT NOT NULL,
        elapsed_ms INTEGER NOT NULL DEFAULT 0,
        last_error TEXT NOT NULL DEFAULT '',
        warnings TEXT NOT NULL DEFAULT '[]',
        transitions TEXT NOT NULL DEFAULT '',
        response TEXT NOT NULL DEFAULT '',
        summary TEXT NOT NULL DEFAULT ''
    );

    CREATE INDEX IF NOT EXISTS idx_cycles_started ON ingestion_cycles(started_at);

    CREATE TABLE IF NOT EXISTS parsed_matches (
        cycle_id INTEGER NOT NULL REFERENCES ingestion_cycles(id) ON DELETE CASCADE,
        position INTEGER NOT NULL,
        external_id INTEGER NOT NULL,
        home_team TEXT NOT NULL,
        away_team TEXT NOT NULL,
        kickoff_time TEXT NOT NULL,
        home_odds INTEGER NOT NULL,
        draw_odds INTEGER NOT NULL,
        away_odds INTEGER NOT NULL,
        PRIMARY KEY (cycle_id, position)
    );

    CREATE INDEX IF NOT EXISTS idx_parsed_matches_external ON parsed_matches(external_id);
    `

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("storage: run migrations: %w", err)
	}
	return nil
}
