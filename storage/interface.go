package storage

import (
	"context"
	"errors"
	"math/big"

	"trade-club-engine/models"
)

// ErrNotFound is returned when a referenced row does not exist. Callers in
// the engine treat it as a warning, not a failure.
var ErrNotFound = errors.New("storage: not found")

// CopyTradeApplication is the ledger mutation for one admitted copy trade.
// The three writes it implies (participant upsert, spend increment, trade
// insert) are applied as a single transaction by the store.
type CopyTradeApplication struct {
	MatchID         string
	DelegationID    int64
	DelegationHash  string
	FollowerAddress string
	FollowerFunded  *big.Int // funded amount if the participant row must be created
	CopyAmount      *big.Int
	Trade           models.Trade // ParticipantID/DelegationID filled in by the store
}

// DataStore defines the interface for storage backends.
type DataStore interface {
	Close() error

	// Match operations
	CreateMatch(ctx context.Context, match models.Match) error
	GetMatch(ctx context.Context, matchID string) (*models.Match, error)
	ListMatches(ctx context.Context, limit int) ([]models.Match, error)
	ListActiveMatchesForLeader(ctx context.Context, leader string) ([]models.Match, error)
	StartMatch(ctx context.Context, matchID string) error
	CompleteMatch(ctx context.Context, matchID, winner string) error

	// Participant operations
	GetParticipant(ctx context.Context, matchID, address string) (*models.Participant, error)
	ListMatchParticipants(ctx context.Context, matchID string) ([]models.Participant, error)
	// JoinMatch inserts the participant and adds their entry fee to the match
	// prize pool in one transaction.
	JoinMatch(ctx context.Context, p models.Participant) error
	UpdateParticipantPnL(ctx context.Context, matchID, address string, pnl *big.Int) error

	// Delegation operations
	CreateDelegation(ctx context.Context, d models.Delegation) error
	GetDelegation(ctx context.Context, hash string) (*models.Delegation, error)
	ListActiveDelegations(ctx context.Context, matchID, leader string) ([]models.Delegation, error)
	ListFollowerDelegations(ctx context.Context, follower string) ([]models.Delegation, error)
	DeactivateDelegation(ctx context.Context, hash string) error

	// Trade operations
	InsertTrade(ctx context.Context, trade models.Trade) (*models.Trade, error)
	ListMatchTrades(ctx context.Context, matchID string, limit int) ([]models.Trade, error)

	// ApplyCopyTrade performs the post-receipt ledger reconciliation for one
	// admitted copy trade: upsert follower participant, increment the
	// delegation's spent amount, append the FOLLOWER_COPY trade row.
	ApplyCopyTrade(ctx context.Context, app CopyTradeApplication) error
}

// Ensure all implementations satisfy the interface
var _ DataStore = (*PostgresStore)(nil)
var _ DataStore = (*Store)(nil)
var _ DataStore = (*MockStore)(nil)
