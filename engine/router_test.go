package engine

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"trade-club-engine/api"
	"trade-club-engine/models"
	"trade-club-engine/storage"
)

const (
	testLeader   = "0x2222222222222222222222222222222222222222"
	testFollower = "0x1111111111111111111111111111111111111111"
)

func futureExpiry() time.Time {
	return time.Now().Add(24 * time.Hour)
}

type testRig struct {
	store  *storage.MockStore
	relay  *api.MockRelay
	router *Router
}

func newTestRig() *testRig {
	store := storage.NewMockStore()
	relay := api.NewMockRelay()
	exec := testExecutor(relay)
	return &testRig{
		store:  store,
		relay:  relay,
		router: NewRouter(store, NewValidator(store, nil), exec, NewReconciler(store)),
	}
}

func (r *testRig) seedActiveMatch(t *testing.T, matchID, leader string) {
	t.Helper()
	ctx := context.Background()
	err := r.store.CreateMatch(ctx, models.Match{
		ID:          matchID,
		EntryMargin: wei("1000000000000000000"),
		DurationSec: 3600,
	})
	if err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}
	err = r.store.JoinMatch(ctx, models.Participant{
		MatchID:      matchID,
		Address:      leader,
		Role:         models.RoleLeader,
		MarginAmount: wei("1000000000000000000"),
		EntryFee:     wei("10000000000000000"),
	})
	if err != nil {
		t.Fatalf("JoinMatch: %v", err)
	}
	if err := r.store.StartMatch(ctx, matchID); err != nil {
		t.Fatalf("StartMatch: %v", err)
	}
}

func (r *testRig) seedFollower(t *testing.T, matchID, hash, follower string, amount, limit *big.Int) {
	t.Helper()
	d := models.Delegation{
		DelegationHash:   hash,
		FollowerAddress:  follower,
		LeaderAddress:    testLeader,
		MatchID:          matchID,
		Amount:           amount,
		SpendingLimit:    limit,
		ExpiresAt:        futureExpiry(),
		SignedDelegation: []byte("signed"),
	}
	if err := r.store.CreateDelegation(context.Background(), d); err != nil {
		t.Fatalf("CreateDelegation: %v", err)
	}
}

func leaderTrade(bps, matchID string) models.TradeEvent {
	return models.TradeEvent{
		Type:        models.EventTradeOpened,
		Leader:      testLeader,
		Call:        models.TradeCall{Target: "0x000000000000000000000000000000000000dead", Value: "0", Data: "0x"},
		DEX:         "testdex",
		FractionBps: bps,
		MatchID:     matchID,
		TokenIn:     "0x000000000000000000000000000000000000aaa1",
		TokenOut:    "0x000000000000000000000000000000000000aaa2",
	}
}

func TestLeaderTradeReconcilesCopyTrades(t *testing.T) {
	rig := newTestRig()
	rig.seedActiveMatch(t, "match-1", testLeader)
	rig.seedFollower(t, "match-1", hashHex(0x10), testFollower, wei("500000000000000000"), wei("1000000000000000000"))

	if err := rig.router.HandleEvent(context.Background(), leaderTrade("5000", "")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	if len(rig.relay.Submitted) != 1 {
		t.Fatalf("relay submissions = %d, want 1", len(rig.relay.Submitted))
	}

	trades, err := rig.store.ListMatchTrades(context.Background(), "match-1", 0)
	if err != nil {
		t.Fatalf("ListMatchTrades: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(trades))
	}
	tr := trades[0]
	if tr.Kind != models.TradeKindCopy {
		t.Errorf("trade kind = %s, want %s", tr.Kind, models.TradeKindCopy)
	}
	if want := wei("250000000000000000"); tr.AmountIn.Cmp(want) != 0 {
		t.Errorf("trade amount = %s, want %s", tr.AmountIn, want)
	}
	if tr.TxHash != rig.relay.TxHash {
		t.Errorf("trade tx = %s, want %s", tr.TxHash, rig.relay.TxHash)
	}

	d, err := rig.store.GetDelegation(context.Background(), hashHex(0x10))
	if err != nil {
		t.Fatalf("GetDelegation: %v", err)
	}
	if want := wei("250000000000000000"); d.SpentAmount.Cmp(want) != 0 {
		t.Errorf("spent = %s, want %s", d.SpentAmount, want)
	}

	if _, err := rig.store.GetParticipant(context.Background(), "match-1", testFollower); err != nil {
		t.Errorf("follower participant not upserted: %v", err)
	}
}

func TestLeaderTradeBatchFailureLeavesLedgerUntouched(t *testing.T) {
	rig := newTestRig()
	rig.seedActiveMatch(t, "match-1", testLeader)
	rig.seedFollower(t, "match-1", hashHex(0x11), testFollower, wei("500000000000000000"), wei("1000000000000000000"))
	rig.relay.ErrorOnNext["SubmitUserOperation"] = errors.New("bundler unavailable")

	// A failed batch is logged and swallowed; the caller gets no error,
	// so the webhook sender never retries an event that may have landed
	// in other matches.
	if err := rig.router.HandleEvent(context.Background(), leaderTrade("5000", "")); err != nil {
		t.Fatalf("HandleEvent = %v, want nil for match-local failure", err)
	}

	trades, _ := rig.store.ListMatchTrades(context.Background(), "match-1", 0)
	if len(trades) != 0 {
		t.Errorf("trades recorded after failed batch: %d", len(trades))
	}
	d, _ := rig.store.GetDelegation(context.Background(), hashHex(0x11))
	if d.SpentAmount.Sign() != 0 {
		t.Errorf("spent amount moved after failed batch: %s", d.SpentAmount)
	}
	if rig.store.Calls["ApplyCopyTrade"] != 0 {
		t.Errorf("ApplyCopyTrade called %d times after failed batch", rig.store.Calls["ApplyCopyTrade"])
	}
}

func TestLeaderTradeCrossMatchIsolation(t *testing.T) {
	rig := newTestRig()
	rig.seedActiveMatch(t, "match-a", testLeader)
	rig.seedActiveMatch(t, "match-b", testLeader)
	rig.seedFollower(t, "match-a", hashHex(0x12), testFollower, wei("1000"), wei("1000"))
	rig.seedFollower(t, "match-b", hashHex(0x13), testFollower, wei("1000"), wei("1000"))

	// First submission fails, second succeeds; whichever match goes first
	// fails and must not drag the other down with it.
	rig.relay.ErrorOnNext["SubmitUserOperation"] = errors.New("bundler unavailable")

	if err := rig.router.HandleEvent(context.Background(), leaderTrade("5000", "")); err != nil {
		t.Fatalf("HandleEvent = %v, want nil for partial failure", err)
	}

	tradesA, _ := rig.store.ListMatchTrades(context.Background(), "match-a", 0)
	tradesB, _ := rig.store.ListMatchTrades(context.Background(), "match-b", 0)
	if len(tradesA)+len(tradesB) != 1 {
		t.Fatalf("trades = %d+%d, want exactly 1 across both matches", len(tradesA), len(tradesB))
	}

	dA, _ := rig.store.GetDelegation(context.Background(), hashHex(0x12))
	dB, _ := rig.store.GetDelegation(context.Background(), hashHex(0x13))
	spent := 0
	if dA.SpentAmount.Sign() > 0 {
		spent++
	}
	if dB.SpentAmount.Sign() > 0 {
		spent++
	}
	if spent != 1 {
		t.Errorf("delegations with spend = %d, want exactly 1", spent)
	}
}

func TestLeaderTradeMissingFractionAborts(t *testing.T) {
	rig := newTestRig()
	rig.seedActiveMatch(t, "match-1", testLeader)
	rig.seedFollower(t, "match-1", hashHex(0x14), testFollower, wei("1000"), wei("1000"))

	// A bad fraction aborts the match's batch but is still a match-local
	// condition: logged, swallowed, nothing submitted.
	if err := rig.router.HandleEvent(context.Background(), leaderTrade("", "")); err != nil {
		t.Fatalf("HandleEvent = %v, want nil for sizing abort", err)
	}
	if len(rig.relay.Submitted) != 0 {
		t.Errorf("relay submissions = %d, want 0", len(rig.relay.Submitted))
	}
	trades, _ := rig.store.ListMatchTrades(context.Background(), "match-1", 0)
	if len(trades) != 0 {
		t.Errorf("trades recorded despite sizing abort: %d", len(trades))
	}
}

func TestLeaderTradeMatchRestriction(t *testing.T) {
	rig := newTestRig()
	rig.seedActiveMatch(t, "match-1", testLeader)
	rig.seedActiveMatch(t, "match-2", testLeader)
	rig.seedFollower(t, "match-1", hashHex(0x15), testFollower, wei("1000"), wei("1000"))
	rig.seedFollower(t, "match-2", hashHex(0x16), testFollower, wei("1000"), wei("1000"))

	if err := rig.router.HandleEvent(context.Background(), leaderTrade("5000", "match-2")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	trades1, _ := rig.store.ListMatchTrades(context.Background(), "match-1", 0)
	trades2, _ := rig.store.ListMatchTrades(context.Background(), "match-2", 0)
	if len(trades1) != 0 {
		t.Errorf("unrestricted match received %d trades", len(trades1))
	}
	if len(trades2) != 1 {
		t.Errorf("restricted match trades = %d, want 1", len(trades2))
	}
}

func TestLeaderTradeUnknownRestrictedMatchDropped(t *testing.T) {
	rig := newTestRig()
	rig.seedActiveMatch(t, "match-1", testLeader)
	rig.seedFollower(t, "match-1", hashHex(0x17), testFollower, wei("1000"), wei("1000"))

	// A restriction to a match that does not exist is a warning, not a failure.
	if err := rig.router.HandleEvent(context.Background(), leaderTrade("5000", "no-such-match")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(rig.relay.Submitted) != 0 {
		t.Errorf("relay submissions = %d, want 0", len(rig.relay.Submitted))
	}
}

func TestLeaderTradeNoActiveMatchesIsNoOp(t *testing.T) {
	rig := newTestRig()
	if err := rig.router.HandleEvent(context.Background(), leaderTrade("5000", "")); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(rig.relay.Submitted) != 0 {
		t.Errorf("relay submissions = %d, want 0", len(rig.relay.Submitted))
	}
}

func TestMatchLifecycleIdempotentStart(t *testing.T) {
	rig := newTestRig()
	ctx := context.Background()

	created := models.LifecycleEvent{
		Type:    models.EventMatchCreated,
		MatchID: "match-1",
		Match: &models.MatchPayload{
			MatchID:     "match-1",
			EntryMargin: "1000000000000000000",
			DurationSec: 3600,
			Creator:     testLeader,
		},
	}
	if err := rig.router.HandleEvent(ctx, created); err != nil {
		t.Fatalf("match_created: %v", err)
	}

	started := models.LifecycleEvent{Type: models.EventMatchStarted, MatchID: "match-1"}
	if err := rig.router.HandleEvent(ctx, started); err != nil {
		t.Fatalf("match_started: %v", err)
	}
	first, _ := rig.store.GetMatch(ctx, "match-1")

	// Duplicate delivery changes nothing and does not fail.
	if err := rig.router.HandleEvent(ctx, started); err != nil {
		t.Fatalf("duplicate match_started: %v", err)
	}
	second, _ := rig.store.GetMatch(ctx, "match-1")
	if second.Status != models.MatchActive {
		t.Errorf("status = %s, want ACTIVE", second.Status)
	}
	if !second.StartTime.Equal(first.StartTime) {
		t.Errorf("duplicate start moved start time from %v to %v", first.StartTime, second.StartTime)
	}
}

func TestMatchLifecycleStartUnknownMatchWarns(t *testing.T) {
	rig := newTestRig()
	ev := models.LifecycleEvent{Type: models.EventMatchStarted, MatchID: "no-such-match"}
	if err := rig.router.HandleEvent(context.Background(), ev); err != nil {
		t.Errorf("start of unknown match should warn, got error: %v", err)
	}
}

func TestMatchLifecycleComplete(t *testing.T) {
	rig := newTestRig()
	rig.seedActiveMatch(t, "match-1", testLeader)

	ev := models.LifecycleEvent{Type: models.EventMatchCompleted, MatchID: "match-1", Winner: testLeader}
	if err := rig.router.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("match_completed: %v", err)
	}
	match, _ := rig.store.GetMatch(context.Background(), "match-1")
	if match.Status != models.MatchCompleted {
		t.Errorf("status = %s, want COMPLETED", match.Status)
	}
	if match.Winner != testLeader {
		t.Errorf("winner = %s, want %s", match.Winner, testLeader)
	}
}

func TestSupporterJoinCreatesDelegationAndFeedsPrizePool(t *testing.T) {
	rig := newTestRig()
	rig.seedActiveMatch(t, "match-1", testLeader)
	before, _ := rig.store.GetMatch(context.Background(), "match-1")

	ev := models.JoinEvent{
		Type:     models.EventSupporterJoined,
		MatchID:  "match-1",
		Leader:   testLeader,
		Address:  testFollower,
		Amount:   wei("500000000000000000"),
		EntryFee: wei("10000000000000000"),
		Grant: &models.DelegationGrant{
			DelegationHash:   hashHex(0x20),
			Amount:           wei("500000000000000000"),
			SpendingLimit:    wei("500000000000000000"),
			ExpiresAt:        futureExpiry(),
			SignedDelegation: []byte("signed"),
		},
	}
	if err := rig.router.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("supporter_joined: %v", err)
	}

	p, err := rig.store.GetParticipant(context.Background(), "match-1", testFollower)
	if err != nil {
		t.Fatalf("GetParticipant: %v", err)
	}
	if p.Role != models.RoleFollower {
		t.Errorf("role = %s, want FOLLOWER", p.Role)
	}
	if p.FundedAmount.Cmp(wei("500000000000000000")) != 0 {
		t.Errorf("funded = %s", p.FundedAmount)
	}

	d, err := rig.store.GetDelegation(context.Background(), hashHex(0x20))
	if err != nil {
		t.Fatalf("GetDelegation: %v", err)
	}
	if !d.IsActive {
		t.Error("new delegation not active")
	}
	if d.LeaderAddress != testLeader {
		t.Errorf("delegation leader = %s", d.LeaderAddress)
	}

	after, _ := rig.store.GetMatch(context.Background(), "match-1")
	grew := new(big.Int).Sub(after.PrizePool, before.PrizePool)
	if grew.Cmp(wei("10000000000000000")) != 0 {
		t.Errorf("prize pool grew by %s, want entry fee", grew)
	}
}

func TestJoinUnknownMatchWarns(t *testing.T) {
	rig := newTestRig()
	ev := models.JoinEvent{
		Type:     models.EventMonachadJoined,
		MatchID:  "no-such-match",
		Address:  testLeader,
		Amount:   wei("1000"),
		EntryFee: wei("10"),
	}
	if err := rig.router.HandleEvent(context.Background(), ev); err != nil {
		t.Errorf("join of unknown match should warn, got error: %v", err)
	}
}

func TestPnLUpdate(t *testing.T) {
	rig := newTestRig()
	rig.seedActiveMatch(t, "match-1", testLeader)

	pnl := new(big.Int).Neg(wei("50000000000000000"))
	ev := models.PnLEvent{MatchID: "match-1", Address: testLeader, PnL: pnl}
	if err := rig.router.HandleEvent(context.Background(), ev); err != nil {
		t.Fatalf("pnl_updated: %v", err)
	}
	p, _ := rig.store.GetParticipant(context.Background(), "match-1", testLeader)
	if p.PnL.Cmp(pnl) != 0 {
		t.Errorf("pnl = %s, want %s", p.PnL, pnl)
	}

	// Unknown participant is a warning, not a failure.
	unknown := models.PnLEvent{MatchID: "match-1", Address: testFollower, PnL: pnl}
	if err := rig.router.HandleEvent(context.Background(), unknown); err != nil {
		t.Errorf("pnl for unknown participant should warn, got error: %v", err)
	}
}
