package api

import (
	"context"
	"errors"
	"time"

	"github.com/oseitutunelson/samantha/models"
)

var (
	// ErrNotConnected is returned when the client has no chain connection.
	ErrNotConnected = errors.New("api: not connected")
	// ErrReadOnly is returned by writes on a client without a signing key.
	ErrReadOnly = errors.New("api: no signer configured")
	// ErrTooSoon is returned when the contract's request interval has not elapsed.
	ErrTooSoon = errors.New("api: match request interval not elapsed")
	// ErrMatchNotFound is returned for an id absent from the on-chain set.
	ErrMatchNotFound = errors.New("api: match not found")
)

// MatchContract is the capability the ingestion cycle drives. Each call is
// one blocking round-trip; writes return once the transaction is mined.
type MatchContract interface {
	// RequestNewData triggers the asynchronous oracle round-trip.
	RequestNewData(ctx context.Context) error
	// GetLatestResponse returns the last delivered oracle payload, "" before the first delivery.
	GetLatestResponse(ctx context.Context) (string, error)
	GetMatchCount(ctx context.Context) (int, error)

	ClearMatches(ctx context.Context) error
	AddMatch(ctx context.Context, rec models.MatchRecord) error
	// FinalizeMatches completes the batch and makes the contract emit MatchesFetched.
	FinalizeMatches(ctx context.Context) error
}

// MatchReader reads the on-chain match set.
type MatchReader interface {
	ListMatches(ctx context.Context) ([]models.OnChainMatch, error)
	GetMatch(ctx context.Context, id int64) (*models.OnChainMatch, error)
}

// RequestScheduler is implemented by contracts that throttle oracle requests.
type RequestScheduler interface {
	NextRequestAllowedAt(ctx context.Context) (time.Time, error)
}

// Ensure both implementations satisfy the interfaces
var (
	_ MatchContract    = (*ContractClient)(nil)
	_ MatchReader      = (*ContractClient)(nil)
	_ RequestScheduler = (*ContractClient)(nil)
	_ MatchContract    = (*MockContract)(nil)
	_ MatchReader      = (*MockContract)(nil)
	_ RequestScheduler = (*MockContract)(nil)
)
