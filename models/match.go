package models

import (
	"fmt"
	"time"
)

// MatchResult mirrors the contract's result enum.
type MatchResult uint8

const (
	ResultScheduled MatchResult = 0
	ResultHomeWin   MatchResult = 1
	ResultDraw      MatchResult = 2
	ResultAwayWin   MatchResult = 3
)

// String returns a display label for the result.
func (r MatchResult) String() string {
	switch r {
	case ResultScheduled:
		return "scheduled"
	case ResultHomeWin:
		return "home_win"
	case ResultDraw:
		return "draw"
	case ResultAwayWin:
		return "away_win"
	default:
		return "unknown"
	}
}

// Default odds (scaled by 100) used when a field of an oracle segment fails to parse.
const (
	DefaultHomeOdds int64 = 200
	DefaultDrawOdds int64 = 300
	DefaultAwayOdds int64 = 200

	DefaultHomeTeam = "Team A"
	DefaultAwayTeam = "Team B"
)

// FormatOdds renders fixed-point odds as a decimal (138 -> "1.38").
func FormatOdds(scaled int64) string {
	return fmt.Sprintf("%d.%02d", scaled/100, scaled%100)
}

// MatchRecord is one parsed match ready to be pushed on-chain.
// Odds are fixed-point decimals scaled by 100 (1.38 -> 138).
type MatchRecord struct {
	ExternalID  int64     `json:"external_id"`
	HomeTeam    string    `json:"home_team"`
	AwayTeam    string    `json:"away_team"`
	KickoffTime time.Time `json:"kickoff_time"`
	HomeOdds    int64     `json:"home_odds"`
	DrawOdds    int64     `json:"draw_odds"`
	AwayOdds    int64     `json:"away_odds"`
}

// OnChainMatch is a match as currently stored by the betting contract.
type OnChainMatch struct {
	ID          int64       `json:"id"`
	HomeTeam    string      `json:"home_team"`
	AwayTeam    string      `json:"away_team"`
	KickoffTime time.Time   `json:"kickoff_time"`
	Result      MatchResult `json:"result"`
	HomeOdds    int64       `json:"home_odds"`
	DrawOdds    int64       `json:"draw_odds"`
	AwayOdds    int64       `json:"away_odds"`
}

// Record drops the on-chain only fields.
func (m OnChainMatch) Record() MatchRecord {
	return MatchRecord{
		ExternalID:  m.ID,
		HomeTeam:    m.HomeTeam,
		AwayTeam:    m.AwayTeam,
		KickoffTime: m.KickoffTime,
		HomeOdds:    m.HomeOdds,
		DrawOdds:    m.DrawOdds,
		AwayOdds:    m.AwayOdds,
	}
}
