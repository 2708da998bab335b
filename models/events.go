package models

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/math"
)

// EventType identifies an inbound webhook event kind.
type EventType string

const (
	EventTradeOpened     EventType = "trade_opened"
	EventTradeClosed     EventType = "trade_closed"
	EventMatchCreated    EventType = "match_created"
	EventMonachadJoined  EventType = "monachad_joined"
	EventSupporterJoined EventType = "supporter_joined"
	EventMatchStarted    EventType = "match_started"
	EventMatchCompleted  EventType = "match_completed"
	EventPnLUpdated      EventType = "pnl_updated"
)

// TradeCall is the opaque venue call produced upstream. The engine passes
// Data through unmodified; it has no venue-specific knowledge.
type TradeCall struct {
	Target string `json:"target"`
	Value  string `json:"value"` // wei, decimal string
	Data   string `json:"data"`  // 0x-prefixed calldata
}

// EventMetadata carries the loosely-typed extras of the webhook payload.
type EventMetadata struct {
	DEX                string `json:"dex,omitempty"`
	SizeToPortfolioBps string `json:"sizeToPortfolioBps,omitempty"`
	MatchID            string `json:"matchId,omitempty"`
	TokenIn            string `json:"tokenIn,omitempty"`
	TokenOut           string `json:"tokenOut,omitempty"`
}

// webhookEnvelope is the raw wire shape. It is resolved into a typed Event
// once at the router boundary and never threaded through the pipeline.
type webhookEnvelope struct {
	EventType       EventType      `json:"eventType"`
	MonachadAddress string         `json:"monachadAddress,omitempty"`
	Trade           *TradeCall     `json:"trade,omitempty"`
	Metadata        *EventMetadata `json:"metadata,omitempty"`
	Match           *MatchPayload  `json:"match,omitempty"`
	Participant     *JoinPayload   `json:"participant,omitempty"`
	Delegation      *GrantPayload  `json:"delegation,omitempty"`
	PnL             string         `json:"pnl,omitempty"`
	Winner          string         `json:"winner,omitempty"`
}

// MatchPayload describes a match being created.
type MatchPayload struct {
	MatchID         string   `json:"matchId"`
	EntryMargin     string   `json:"entryMargin"`
	DurationSec     int64    `json:"durationSec"`
	MaxParticipants int      `json:"maxParticipants"`
	MaxSupporters   int      `json:"maxSupporters"`
	AllowedVenues   []string `json:"allowedVenues"`
	Creator         string   `json:"creator"`
}

// Model resolves the payload into a Match row ready for insertion.
func (p *MatchPayload) Model() (Match, error) {
	margin, err := parseWei(p.EntryMargin)
	if err != nil {
		return Match{}, fmt.Errorf("entryMargin: %w", err)
	}
	return Match{
		ID:              p.MatchID,
		Status:          MatchCreated,
		EntryMargin:     margin,
		DurationSec:     p.DurationSec,
		PrizePool:       new(big.Int),
		MaxParticipants: p.MaxParticipants,
		MaxSupporters:   p.MaxSupporters,
		AllowedVenues:   p.AllowedVenues,
		Creator:         normalize(p.Creator),
	}, nil
}

// JoinPayload describes a participant joining a match.
type JoinPayload struct {
	Address  string `json:"address"`
	Amount   string `json:"amount"`   // margin for monachads, funded capital for supporters
	EntryFee string `json:"entryFee"`
}

// GrantPayload describes the delegation granted by a joining supporter.
type GrantPayload struct {
	DelegationHash   string `json:"delegationHash"`
	Amount           string `json:"amount"`
	SpendingLimit    string `json:"spendingLimit"`
	ExpiresAt        int64  `json:"expiresAt"` // unix seconds
	SignedDelegation string `json:"signedDelegation"`
}

// Event is one resolved webhook event. Each variant owns only the fields it
// needs; unknown kinds surface as ErrUnknownEvent from ParseEvent.
type Event interface {
	Kind() EventType
}

// TradeEvent is a leader opening or closing a position.
type TradeEvent struct {
	Type        EventType
	Leader      string
	Call        TradeCall
	DEX         string
	FractionBps string // raw bps string; sizing parses and may reject it
	MatchID     string // optional restriction to a single match
	TokenIn     string
	TokenOut    string
}

func (e TradeEvent) Kind() EventType { return e.Type }

// LifecycleEvent drives the match state machine.
type LifecycleEvent struct {
	Type    EventType
	MatchID string
	Match   *MatchPayload // set for match_created
	Winner  string        // set for match_completed when known
}

func (e LifecycleEvent) Kind() EventType { return e.Type }

// JoinEvent is a monachad or supporter entering a match. Supporter joins
// carry the delegation grant backing their participation.
type JoinEvent struct {
	Type     EventType
	MatchID  string
	Leader   string // leader being backed, for supporter joins
	Address  string
	Amount   *big.Int
	EntryFee *big.Int
	Grant    *DelegationGrant
}

func (e JoinEvent) Kind() EventType { return e.Type }

// DelegationGrant is the resolved form of GrantPayload.
type DelegationGrant struct {
	DelegationHash   string
	Amount           *big.Int
	SpendingLimit    *big.Int
	ExpiresAt        time.Time
	SignedDelegation []byte
}

// PnLEvent updates a participant's running profit/loss.
type PnLEvent struct {
	MatchID string
	Address string
	PnL     *big.Int
}

func (e PnLEvent) Kind() EventType { return EventPnLUpdated }

// ErrUnknownEvent marks event kinds this engine does not handle. The router
// logs and drops them; new venues integrate upstream, not here.
type ErrUnknownEvent struct {
	Type EventType
}

func (e ErrUnknownEvent) Error() string {
	return fmt.Sprintf("unknown event type %q", e.Type)
}

// ParseEvent decodes a raw webhook body into its typed variant.
func ParseEvent(body []byte) (Event, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("events: malformed payload: %w", err)
	}

	switch env.EventType {
	case EventTradeOpened, EventTradeClosed:
		if env.MonachadAddress == "" {
			return nil, fmt.Errorf("events: %s missing monachadAddress", env.EventType)
		}
		if env.Trade == nil {
			return nil, fmt.Errorf("events: %s missing trade call", env.EventType)
		}
		ev := TradeEvent{
			Type:   env.EventType,
			Leader: normalize(env.MonachadAddress),
			Call:   *env.Trade,
		}
		if env.Metadata != nil {
			ev.DEX = env.Metadata.DEX
			ev.FractionBps = env.Metadata.SizeToPortfolioBps
			ev.MatchID = env.Metadata.MatchID
			ev.TokenIn = env.Metadata.TokenIn
			ev.TokenOut = env.Metadata.TokenOut
		}
		return ev, nil

	case EventMatchCreated:
		if env.Match == nil || env.Match.MatchID == "" {
			return nil, fmt.Errorf("events: match_created missing match payload")
		}
		return LifecycleEvent{Type: env.EventType, MatchID: env.Match.MatchID, Match: env.Match}, nil

	case EventMatchStarted, EventMatchCompleted:
		matchID := metadataMatchID(env.Metadata)
		if matchID == "" {
			return nil, fmt.Errorf("events: %s missing matchId", env.EventType)
		}
		return LifecycleEvent{Type: env.EventType, MatchID: matchID, Winner: normalize(env.Winner)}, nil

	case EventMonachadJoined, EventSupporterJoined:
		matchID := metadataMatchID(env.Metadata)
		if matchID == "" {
			return nil, fmt.Errorf("events: %s missing matchId", env.EventType)
		}
		if env.Participant == nil || env.Participant.Address == "" {
			return nil, fmt.Errorf("events: %s missing participant", env.EventType)
		}
		amount, err := parseWei(env.Participant.Amount)
		if err != nil {
			return nil, fmt.Errorf("events: %s amount: %w", env.EventType, err)
		}
		fee, err := parseWei(env.Participant.EntryFee)
		if err != nil {
			return nil, fmt.Errorf("events: %s entryFee: %w", env.EventType, err)
		}
		ev := JoinEvent{
			Type:     env.EventType,
			MatchID:  matchID,
			Leader:   normalize(env.MonachadAddress),
			Address:  normalize(env.Participant.Address),
			Amount:   amount,
			EntryFee: fee,
		}
		if env.EventType == EventSupporterJoined {
			if env.Delegation == nil {
				return nil, fmt.Errorf("events: supporter_joined missing delegation")
			}
			grant, err := resolveGrant(env.Delegation)
			if err != nil {
				return nil, fmt.Errorf("events: supporter_joined delegation: %w", err)
			}
			ev.Grant = grant
		}
		return ev, nil

	case EventPnLUpdated:
		matchID := metadataMatchID(env.Metadata)
		if matchID == "" {
			return nil, fmt.Errorf("events: pnl_updated missing matchId")
		}
		addr := env.MonachadAddress
		if env.Participant != nil && env.Participant.Address != "" {
			addr = env.Participant.Address
		}
		if addr == "" {
			return nil, fmt.Errorf("events: pnl_updated missing address")
		}
		pnl, ok := new(big.Int).SetString(strings.TrimSpace(env.PnL), 10)
		if !ok {
			return nil, fmt.Errorf("events: pnl_updated bad pnl %q", env.PnL)
		}
		return PnLEvent{MatchID: matchID, Address: normalize(addr), PnL: pnl}, nil

	default:
		return nil, ErrUnknownEvent{Type: env.EventType}
	}
}

func metadataMatchID(m *EventMetadata) string {
	if m == nil {
		return ""
	}
	return m.MatchID
}

func resolveGrant(p *GrantPayload) (*DelegationGrant, error) {
	if p.DelegationHash == "" {
		return nil, fmt.Errorf("missing delegationHash")
	}
	amount, err := parseWei(p.Amount)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	limit, err := parseWei(p.SpendingLimit)
	if err != nil {
		return nil, fmt.Errorf("spendingLimit: %w", err)
	}
	if p.ExpiresAt <= 0 {
		return nil, fmt.Errorf("missing expiresAt")
	}
	return &DelegationGrant{
		DelegationHash:   strings.TrimSpace(p.DelegationHash),
		Amount:           amount,
		SpendingLimit:    limit,
		ExpiresAt:        time.Unix(p.ExpiresAt, 0).UTC(),
		SignedDelegation: []byte(p.SignedDelegation),
	}, nil
}

// parseWei parses a decimal or 0x-hex wei string into a non-negative big.Int.
func parseWei(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := math.ParseBig256(s)
	if !ok {
		return nil, fmt.Errorf("bad amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	return v, nil
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
