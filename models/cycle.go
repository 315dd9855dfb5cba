package models

import (
	"fmt"
	"strings"
	"time"
)

// CycleState is a step of one ingestion cycle.
type CycleState string

const (
	StateIdle             CycleState = "IDLE"
	StateRequested        CycleState = "REQUESTED"
	StateAwaitingResponse CycleState = "AWAITING_RESPONSE"
	StateParsing          CycleState = "PARSING"
	StateSyncing          CycleState = "SYNCING"
	StateFinalizing       CycleState = "FINALIZING"
	StateDone             CycleState = "DONE"
	StateFailed           CycleState = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s CycleState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Failure reasons reported on FAILED cycles.
const (
	ReasonRequestFailed   = "request failed"
	ReasonTimeout         = "timeout"
	ReasonNoMatchesParsed = "no matches parsed"
	ReasonNoMatchesAdded  = "no matches added"
	ReasonCancelled       = "cancelled"
)

// CycleOutcome is the single report produced by one ingestion cycle.
type CycleOutcome struct {
	State        CycleState    `json:"state"`
	Reason       string        `json:"reason,omitempty"`
	Attempted    int           `json:"attempted"`
	Added        int           `json:"added"`
	Skipped      int           `json:"skipped"`
	OnChainCount int           `json:"on_chain_count"` // -1 when not verified
	StartedAt    time.Time     `json:"started_at"`
	Elapsed      time.Duration `json:"elapsed"`
	LastError    string        `json:"last_error,omitempty"`
	Warnings     []string      `json:"warnings,omitempty"`
	Transitions  []CycleState  `json:"transitions"`
	Response     string        `json:"response,omitempty"`
	Records      []MatchRecord `json:"records,omitempty"`
}

// Succeeded reports whether the cycle reached DONE.
func (o CycleOutcome) Succeeded() bool {
	return o.State == StateDone
}

// Summary renders a one-line human readable report.
func (o CycleOutcome) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", o.State)
	if o.Reason != "" {
		fmt.Fprintf(&b, " (%s)", o.Reason)
	}
	fmt.Fprintf(&b, ": added %d/%d matches", o.Added, o.Attempted)
	if o.Skipped > 0 {
		fmt.Fprintf(&b, ", %d segments skipped", o.Skipped)
	}
	if o.OnChainCount >= 0 {
		fmt.Fprintf(&b, ", %d on-chain", o.OnChainCount)
	}
	fmt.Fprintf(&b, " in %s", o.Elapsed.Round(time.Millisecond))
	if len(o.Warnings) > 0 {
		fmt.Fprintf(&b, ", %d warnings", len(o.Warnings))
	}
	if o.LastError != "" {
		fmt.Fprintf(&b, ", last error: %s", o.LastError)
	}
	return b.String()
}
