package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oseitutunelson/samantha/models"
)

// ErrNotFound is returned when a cycle does not exist.
var ErrNotFound = errors.New("storage: not found")

// CycleRecord is the persisted form of one ingestion cycle outcome.
type CycleRecord struct {
	ID           int64     `json:"id"`
	State        string    `json:"state"`
	Reason       string    `json:"reason,omitempty"`
	Attempted    int       `json:"attempted"`
	Added        int       `json:"added"`
	Skipped      int       `json:"skipped"`
	OnChainCount int       `json:"on_chain_count"`
	StartedAt    time.Time `json:"started_at"`
	ElapsedMS    int64     `json:"elapsed_ms"`
	LastError    string    `json:"last_error,omitempty"`
	Warnings     []string  `json:"warnings,omitempty"`
	Transitions  string    `json:"transitions"`
	Response     string    `json:"response,omitempty"`
	Summary      string    `json:"summary"`
}

// FromOutcome converts an outcome for storage. Records are saved separately.
func FromOutcome(o models.CycleOutcome) CycleRecord {
	states := make([]string, len(o.Transitions))
	for i, s := range o.Transitions {
		states[i] = string(s)
	}
	return CycleRecord{
		State:        string(o.State),
		Reason:       o.Reason,
		Attempted:    o.Attempted,
		Added:        o.Added,
		Skipped:      o.Skipped,
		OnChainCount: o.OnChainCount,
		StartedAt:    o.StartedAt.UTC(),
		ElapsedMS:    o.Elapsed.Milliseconds(),
		LastError:    o.LastError,
		Warnings:     o.Warnings,
		Transitions:  strings.Join(states, ">"),
		Response:     o.Response,
		Summary:      o.Summary(),
	}
}

// DataStore defines the interface for storage backends
type DataStore interface {
	Close() error

	// Cycle history
	SaveCycle(ctx context.Context, rec CycleRecord) (int64, error)
	GetCycle(ctx context.Context, id int64) (*CycleRecord, error)
	GetLatestCycle(ctx context.Context) (*CycleRecord, error)
	ListCycles(ctx context.Context, limit int) ([]CycleRecord, error)

	// Parsed match audit copy
	SaveParsedMatches(ctx context.Context, cycleID int64, records []models.MatchRecord) error
	ListParsedMatches(ctx context.Context, cycleID int64) ([]models.MatchRecord, error)
}

// Ensure all implementations satisfy the interface
var (
	_ DataStore = (*Store)(nil)
	_ DataStore = (*PostgresStore)(nil)
	_ DataStore = (*MockStore)(nil)
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 500 {
		return 500
	}
	return limit
}
