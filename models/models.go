package models

import (
	"math/big"
	"time"
)

// MatchStatus is the lifecycle state of a match.
type MatchStatus string

const (
	MatchCreated   MatchStatus = "CREATED"
	MatchActive    MatchStatus = "ACTIVE"
	MatchCompleted MatchStatus = "COMPLETED"
	MatchSettled   MatchStatus = "SETTLED"
)

// ParticipantRole is fixed at join time and never changes.
type ParticipantRole string

const (
	RoleLeader   ParticipantRole = "LEADER"   // the monachad being copied
	RoleFollower ParticipantRole = "FOLLOWER" // a supporter mirroring the leader
)

// TradeKind distinguishes a leader's own trade from a mirrored copy.
type TradeKind string

const (
	TradeKindLeader TradeKind = "LEADER_TRADE"
	TradeKindCopy   TradeKind = "FOLLOWER_COPY"
)

// Match is a timed copy-trading competition. Immutable once COMPLETED.
type Match struct {
	ID              string      `json:"id"`
	Status          MatchStatus `json:"status"`
	EntryMargin     *big.Int    `json:"entry_margin"`  // minimum leader stake, wei
	DurationSec     int64       `json:"duration_sec"`
	PrizePool       *big.Int    `json:"prize_pool"`    // monotonically non-decreasing
	MaxParticipants int         `json:"max_participants"`
	MaxSupporters   int         `json:"max_supporters"`
	AllowedVenues   []string    `json:"allowed_venues"`
	Creator         string      `json:"creator"`
	StartTime       time.Time   `json:"start_time"`
	EndTime         time.Time   `json:"end_time"`
	Winner          string      `json:"winner,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Participant is one address inside one match.
// Leaders carry margin + entry fee; followers carry funded capital + entry fee.
type Participant struct {
	ID           int64           `json:"id"`
	MatchID      string          `json:"match_id"`
	Address      string          `json:"address"`
	Role         ParticipantRole `json:"role"`
	MarginAmount *big.Int        `json:"margin_amount"` // leaders only
	FundedAmount *big.Int        `json:"funded_amount"` // followers only
	EntryFee     *big.Int        `json:"entry_fee"`
	PnL          *big.Int        `json:"pnl"` // signed, updated by settlement events
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Delegation is a follower's non-custodial authorization for one leader in one
// match. The signed payload is opaque to this engine; only the relay
// understands it. Invariants: SpentAmount <= SpendingLimit, and
// IsActive implies the delegation has not expired.
type Delegation struct {
	ID               int64     `json:"id"`
	DelegationHash   string    `json:"delegation_hash"` // stable identity
	FollowerAddress  string    `json:"follower_address"`
	LeaderAddress    string    `json:"leader_address"`
	MatchID          string    `json:"match_id"`
	Amount           *big.Int  `json:"amount"`         // authorized capital, wei
	SpendingLimit    *big.Int  `json:"spending_limit"` // cumulative cap, wei
	SpentAmount      *big.Int  `json:"spent_amount"`
	ExpiresAt        time.Time `json:"expires_at"`
	IsActive         bool      `json:"is_active"`
	SignedDelegation []byte    `json:"signed_delegation,omitempty"` // opaque capability blob
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Remaining returns the unspent budget of the delegation.
func (d *Delegation) Remaining() *big.Int {
	if d.SpendingLimit == nil || d.SpentAmount == nil {
		return new(big.Int)
	}
	return new(big.Int).Sub(d.SpendingLimit, d.SpentAmount)
}

// Expired reports whether the delegation has passed its expiry at the given time.
func (d *Delegation) Expired(now time.Time) bool {
	return !now.Before(d.ExpiresAt)
}

// Trade is an immutable execution record. Append-only.
type Trade struct {
	ID             int64     `json:"id"`
	MatchID        string    `json:"match_id"`
	ParticipantID  int64     `json:"participant_id"`
	DelegationID   *int64    `json:"delegation_id,omitempty"` // nil for leader trades
	Kind           TradeKind `json:"kind"`
	Venue          string    `json:"venue"`
	TokenIn        string    `json:"token_in,omitempty"`
	TokenOut       string    `json:"token_out,omitempty"`
	AmountIn       *big.Int  `json:"amount_in"`
	AmountOut      *big.Int  `json:"amount_out"`
	TargetContract string    `json:"target_contract"`
	BlockNumber    uint64    `json:"block_number"`
	TxHash         string    `json:"tx_hash"`
	CreatedAt      time.Time `json:"created_at"`
}
