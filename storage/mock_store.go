package storage

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"trade-club-engine/models"
)

// MockStore is an in-memory implementation of DataStore for testing.
// A single mutex guards everything: track mutates Calls and ErrorOnNext,
// so even read methods take the write lock.
type MockStore struct {
	mu sync.Mutex

	Matches      map[string]*models.Match
	Participants map[string]*models.Participant // matchID:address
	Delegations  map[string]*models.Delegation  // delegation hash
	Trades       []models.Trade

	nextParticipantID int64
	nextDelegationID  int64
	nextTradeID       int64

	// Call tracking for assertions
	Calls map[string]int

	// Error injection for testing error paths
	ErrorOnNext map[string]error
}

// NewMockStore creates a new mock store
func NewMockStore() *MockStore {
	return &MockStore{
		Matches:      make(map[string]*models.Match),
		Participants: make(map[string]*models.Participant),
		Delegations:  make(map[string]*models.Delegation),
		Trades:       []models.Trade{},
		Calls:        make(map[string]int),
		ErrorOnNext:  make(map[string]error),
	}
}

func (m *MockStore) track(method string) error {
	m.Calls[method]++
	if err, ok := m.ErrorOnNext[method]; ok {
		delete(m.ErrorOnNext, method)
		return err
	}
	return nil
}

func participantKey(matchID, address string) string {
	return matchID + ":" + address
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error { return nil }

// --- Match operations ---

func (m *MockStore) CreateMatch(ctx context.Context, match models.Match) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("CreateMatch"); err != nil {
		return err
	}
	if _, exists := m.Matches[match.ID]; exists {
		return nil
	}
	match.Status = models.MatchCreated
	if match.PrizePool == nil {
		match.PrizePool = new(big.Int)
	}
	match.CreatedAt = time.Now().UTC()
	match.UpdatedAt = match.CreatedAt
	m.Matches[match.ID] = &match
	return nil
}

func (m *MockStore) GetMatch(ctx context.Context, matchID string) (*models.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetMatch"); err != nil {
		return nil, err
	}
	match, ok := m.Matches[matchID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *match
	return &cp, nil
}

func (m *MockStore) ListMatches(ctx context.Context, limit int) ([]models.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ListMatches"); err != nil {
		return nil, err
	}
	var matches []models.Match
	for _, match := range m.Matches {
		matches = append(matches, *match)
		if limit > 0 && len(matches) >= limit {
			break
		}
	}
	return matches, nil
}

func (m *MockStore) ListActiveMatchesForLeader(ctx context.Context, leader string) ([]models.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ListActiveMatchesForLeader"); err != nil {
		return nil, err
	}
	matches := []models.Match{}
	for _, match := range m.Matches {
		if match.Status != models.MatchActive {
			continue
		}
		p, ok := m.Participants[participantKey(match.ID, leader)]
		if ok && p.Role == models.RoleLeader {
			matches = append(matches, *match)
		}
	}
	return matches, nil
}

func (m *MockStore) StartMatch(ctx context.Context, matchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("StartMatch"); err != nil {
		return err
	}
	match, ok := m.Matches[matchID]
	if !ok {
		return ErrNotFound
	}
	if match.Status != models.MatchCreated {
		return nil
	}
	match.Status = models.MatchActive
	match.StartTime = time.Now().UTC()
	match.EndTime = match.StartTime.Add(time.Duration(match.DurationSec) * time.Second)
	match.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MockStore) CompleteMatch(ctx context.Context, matchID, winner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("CompleteMatch"); err != nil {
		return err
	}
	match, ok := m.Matches[matchID]
	if !ok {
		return ErrNotFound
	}
	if match.Status != models.MatchActive {
		return nil
	}
	match.Status = models.MatchCompleted
	match.Winner = winner
	match.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Participant operations ---

func (m *MockStore) GetParticipant(ctx context.Context, matchID, address string) (*models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetParticipant"); err != nil {
		return nil, err
	}
	p, ok := m.Participants[participantKey(matchID, address)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MockStore) ListMatchParticipants(ctx context.Context, matchID string) ([]models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ListMatchParticipants"); err != nil {
		return nil, err
	}
	var participants []models.Participant
	for _, p := range m.Participants {
		if p.MatchID == matchID {
			participants = append(participants, *p)
		}
	}
	return participants, nil
}

func (m *MockStore) JoinMatch(ctx context.Context, p models.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("JoinMatch"); err != nil {
		return err
	}
	match, ok := m.Matches[p.MatchID]
	if !ok {
		return ErrNotFound
	}
	key := participantKey(p.MatchID, p.Address)
	if _, exists := m.Participants[key]; exists {
		return nil
	}
	m.nextParticipantID++
	p.ID = m.nextParticipantID
	if p.PnL == nil {
		p.PnL = new(big.Int)
	}
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt
	m.Participants[key] = &p
	if p.EntryFee != nil && p.EntryFee.Sign() > 0 {
		match.PrizePool = new(big.Int).Add(match.PrizePool, p.EntryFee)
	}
	return nil
}

func (m *MockStore) UpdateParticipantPnL(ctx context.Context, matchID, address string, pnl *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("UpdateParticipantPnL"); err != nil {
		return err
	}
	p, ok := m.Participants[participantKey(matchID, address)]
	if !ok {
		return ErrNotFound
	}
	p.PnL = new(big.Int).Set(pnl)
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Delegation operations ---

func (m *MockStore) CreateDelegation(ctx context.Context, d models.Delegation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("CreateDelegation"); err != nil {
		return err
	}
	if _, exists := m.Delegations[d.DelegationHash]; exists {
		return nil
	}
	m.nextDelegationID++
	d.ID = m.nextDelegationID
	if d.SpentAmount == nil {
		d.SpentAmount = new(big.Int)
	}
	d.IsActive = true
	d.CreatedAt = time.Now().UTC()
	d.UpdatedAt = d.CreatedAt
	m.Delegations[d.DelegationHash] = &d
	return nil
}

func (m *MockStore) GetDelegation(ctx context.Context, hash string) (*models.Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("GetDelegation"); err != nil {
		return nil, err
	}
	d, ok := m.Delegations[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MockStore) ListActiveDelegations(ctx context.Context, matchID, leader string) ([]models.Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ListActiveDelegations"); err != nil {
		return nil, err
	}
	var delegations []models.Delegation
	for _, d := range m.Delegations {
		if d.MatchID == matchID && d.LeaderAddress == leader && d.IsActive {
			delegations = append(delegations, *d)
		}
	}
	return delegations, nil
}

func (m *MockStore) ListFollowerDelegations(ctx context.Context, follower string) ([]models.Delegation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ListFollowerDelegations"); err != nil {
		return nil, err
	}
	var delegations []models.Delegation
	for _, d := range m.Delegations {
		if d.FollowerAddress == follower {
			delegations = append(delegations, *d)
		}
	}
	return delegations, nil
}

func (m *MockStore) DeactivateDelegation(ctx context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("DeactivateDelegation"); err != nil {
		return err
	}
	d, ok := m.Delegations[hash]
	if !ok {
		return ErrNotFound
	}
	d.IsActive = false
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Trade operations ---

func (m *MockStore) InsertTrade(ctx context.Context, trade models.Trade) (*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("InsertTrade"); err != nil {
		return nil, err
	}
	m.nextTradeID++
	trade.ID = m.nextTradeID
	trade.CreatedAt = time.Now().UTC()
	m.Trades = append(m.Trades, trade)
	cp := trade
	return &cp, nil
}

func (m *MockStore) ListMatchTrades(ctx context.Context, matchID string, limit int) ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ListMatchTrades"); err != nil {
		return nil, err
	}
	var trades []models.Trade
	for i := len(m.Trades) - 1; i >= 0; i-- {
		if m.Trades[i].MatchID == matchID {
			trades = append(trades, m.Trades[i])
			if limit > 0 && len(trades) >= limit {
				break
			}
		}
	}
	return trades, nil
}

// --- Reconciliation ---

func (m *MockStore) ApplyCopyTrade(ctx context.Context, app CopyTradeApplication) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.track("ApplyCopyTrade"); err != nil {
		return err
	}

	d, ok := m.Delegations[app.DelegationHash]
	if !ok {
		return ErrNotFound
	}
	newSpent := new(big.Int).Add(d.SpentAmount, app.CopyAmount)
	if newSpent.Cmp(d.SpendingLimit) > 0 {
		return fmt.Errorf("mock: delegation %s over limit", app.DelegationHash)
	}

	key := participantKey(app.MatchID, app.FollowerAddress)
	p, exists := m.Participants[key]
	if !exists {
		m.nextParticipantID++
		p = &models.Participant{
			ID:           m.nextParticipantID,
			MatchID:      app.MatchID,
			Address:      app.FollowerAddress,
			Role:         models.RoleFollower,
			FundedAmount: app.FollowerFunded,
			EntryFee:     new(big.Int),
			PnL:          new(big.Int),
			CreatedAt:    time.Now().UTC(),
		}
		m.Participants[key] = p
	}

	d.SpentAmount = newSpent
	d.UpdatedAt = time.Now().UTC()

	trade := app.Trade
	trade.MatchID = app.MatchID
	trade.ParticipantID = p.ID
	delegationID := app.DelegationID
	trade.DelegationID = &delegationID
	m.nextTradeID++
	trade.ID = m.nextTradeID
	trade.CreatedAt = time.Now().UTC()
	m.Trades = append(m.Trades, trade)

	return nil
}
