package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"

	"trade-club-engine/models"
	"trade-club-engine/storage"
)

// Router dispatches resolved webhook events into the pipeline. Leader trades
// fan out across the leader's active matches sequentially; a failed batch in
// one match never touches another match's ledger.
type Router struct {
	store      storage.DataStore
	validator  *Validator
	executor   *BatchExecutor
	reconciler *Reconciler
}

// NewRouter wires the pipeline stages together.
func NewRouter(store storage.DataStore, validator *Validator, executor *BatchExecutor, reconciler *Reconciler) *Router {
	return &Router{store: store, validator: validator, executor: executor, reconciler: reconciler}
}

// HandleEvent routes one event to its handler. Unknown event kinds are logged
// and dropped; they are not errors at this boundary.
func (r *Router) HandleEvent(ctx context.Context, ev models.Event) error {
	switch e := ev.(type) {
	case models.TradeEvent:
		return r.handleLeaderTrade(ctx, e)
	case models.LifecycleEvent:
		return r.handleLifecycle(ctx, e)
	case models.JoinEvent:
		return r.handleJoin(ctx, e)
	case models.PnLEvent:
		return r.handlePnL(ctx, e)
	default:
		log.Printf("[Router] Dropping unhandled event kind %q", ev.Kind())
		return nil
	}
}

// handleLeaderTrade resolves the leader's target matches and runs the copy
// pipeline in each one. Matches are processed one at a time. Per-match
// failures (failed batch, bad sizing fraction) are logged and swallowed:
// they never surface to the webhook caller, since a retried delivery would
// re-run matches that already landed. Only resolution failures propagate.
func (r *Router) handleLeaderTrade(ctx context.Context, ev models.TradeEvent) error {
	matches, err := r.resolveMatches(ctx, ev)
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		log.Printf("[Router] No active matches for leader %s, dropping %s", ev.Leader, ev.Type)
		return nil
	}

	for _, match := range matches {
		if err := r.processMatch(ctx, match, ev); err != nil {
			log.Printf("[Router] Match %s: %s failed: %v", match.ID, ev.Type, err)
		}
	}
	return nil
}

// resolveMatches returns the matches the trade applies to. A matchId in the
// event metadata restricts to that single match; otherwise every ACTIVE match
// where the leader competes is targeted.
func (r *Router) resolveMatches(ctx context.Context, ev models.TradeEvent) ([]models.Match, error) {
	if ev.MatchID != "" {
		match, err := r.store.GetMatch(ctx, ev.MatchID)
		if errors.Is(err, storage.ErrNotFound) {
			log.Printf("[Router] Warning: %s targets unknown match %s, dropping", ev.Type, ev.MatchID)
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("router: resolve match %s: %w", ev.MatchID, err)
		}
		if match.Status != models.MatchActive {
			log.Printf("[Router] Warning: match %s is %s, not ACTIVE; dropping %s",
				match.ID, match.Status, ev.Type)
			return nil, nil
		}
		return []models.Match{*match}, nil
	}

	matches, err := r.store.ListActiveMatchesForLeader(ctx, ev.Leader)
	if err != nil {
		return nil, fmt.Errorf("router: list matches for %s: %w", ev.Leader, err)
	}
	return matches, nil
}

// processMatch runs the full pipeline for one match: validate, size, admit,
// execute as one batch, reconcile. An empty admitted set is a no-op, not an
// error.
func (r *Router) processMatch(ctx context.Context, match models.Match, ev models.TradeEvent) error {
	delegations, err := r.store.ListActiveDelegations(ctx, match.ID, ev.Leader)
	if err != nil {
		return fmt.Errorf("list delegations: %w", err)
	}

	valid := r.validator.FilterValid(ctx, delegations)
	if len(valid) == 0 {
		log.Printf("[Router] Match %s: no valid delegations for leader %s", match.ID, ev.Leader)
		return nil
	}

	sized, err := SizeCopyTrades(valid, ev.FractionBps)
	if err != nil {
		return err
	}

	admitted := AdmitWithinBudget(match.ID, sized)
	if len(admitted) == 0 {
		log.Printf("[Router] Match %s: no copy trades admitted", match.ID)
		return nil
	}

	items := make([]BatchItem, 0, len(admitted))
	for _, st := range admitted {
		items = append(items, BatchItem{
			Delegation: st.Delegation,
			CopyAmount: st.CopyAmount,
			Call:       ev.Call,
		})
	}

	receipt, err := r.executor.Execute(ctx, match.ID, items)
	if err != nil {
		return err
	}

	return r.reconciler.Reconcile(ctx, match.ID, ev, items, receipt)
}

// handleLifecycle drives the match state machine. Transitions are idempotent:
// a repeated start or completion logs a warning instead of failing.
func (r *Router) handleLifecycle(ctx context.Context, ev models.LifecycleEvent) error {
	switch ev.Type {
	case models.EventMatchCreated:
		match, err := ev.Match.Model()
		if err != nil {
			return fmt.Errorf("router: match_created: %w", err)
		}
		if err := r.store.CreateMatch(ctx, match); err != nil {
			return fmt.Errorf("router: create match %s: %w", match.ID, err)
		}
		log.Printf("[Router] Created match %s (margin=%s duration=%ds)",
			match.ID, match.EntryMargin, match.DurationSec)
		return nil

	case models.EventMatchStarted:
		err := r.store.StartMatch(ctx, ev.MatchID)
		if errors.Is(err, storage.ErrNotFound) {
			log.Printf("[Router] Warning: match_started for unknown match %s", ev.MatchID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("router: start match %s: %w", ev.MatchID, err)
		}
		return nil

	case models.EventMatchCompleted:
		err := r.store.CompleteMatch(ctx, ev.MatchID, ev.Winner)
		if errors.Is(err, storage.ErrNotFound) {
			log.Printf("[Router] Warning: match_completed for unknown match %s", ev.MatchID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("router: complete match %s: %w", ev.MatchID, err)
		}
		return nil

	default:
		log.Printf("[Router] Dropping unhandled lifecycle event %q", ev.Type)
		return nil
	}
}

// handleJoin records the participant and, for supporters, the delegation
// backing their entry. The entry fee flows into the prize pool inside
// JoinMatch's transaction.
func (r *Router) handleJoin(ctx context.Context, ev models.JoinEvent) error {
	p := models.Participant{
		MatchID:  ev.MatchID,
		Address:  ev.Address,
		EntryFee: ev.EntryFee,
		PnL:      new(big.Int),
	}
	switch ev.Type {
	case models.EventMonachadJoined:
		p.Role = models.RoleLeader
		p.MarginAmount = ev.Amount
	case models.EventSupporterJoined:
		p.Role = models.RoleFollower
		p.FundedAmount = ev.Amount
	default:
		log.Printf("[Router] Dropping unhandled join event %q", ev.Type)
		return nil
	}

	err := r.store.JoinMatch(ctx, p)
	if errors.Is(err, storage.ErrNotFound) {
		log.Printf("[Router] Warning: %s for unknown match %s", ev.Type, ev.MatchID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("router: join match %s: %w", ev.MatchID, err)
	}

	if ev.Type == models.EventSupporterJoined && ev.Grant != nil {
		if ev.Leader == "" {
			return fmt.Errorf("router: supporter_joined in match %s missing leader address", ev.MatchID)
		}
		d := models.Delegation{
			DelegationHash:   ev.Grant.DelegationHash,
			FollowerAddress:  ev.Address,
			LeaderAddress:    ev.Leader,
			MatchID:          ev.MatchID,
			Amount:           ev.Grant.Amount,
			SpendingLimit:    ev.Grant.SpendingLimit,
			SpentAmount:      new(big.Int),
			ExpiresAt:        ev.Grant.ExpiresAt,
			IsActive:         true,
			SignedDelegation: ev.Grant.SignedDelegation,
		}
		if err := r.store.CreateDelegation(ctx, d); err != nil {
			return fmt.Errorf("router: create delegation %s: %w", d.DelegationHash, err)
		}
		log.Printf("[Router] Supporter %s joined match %s backing %s (limit=%s)",
			ev.Address, ev.MatchID, ev.Leader, d.SpendingLimit)
	}
	return nil
}

// handlePnL updates a participant's running profit/loss.
func (r *Router) handlePnL(ctx context.Context, ev models.PnLEvent) error {
	err := r.store.UpdateParticipantPnL(ctx, ev.MatchID, ev.Address, ev.PnL)
	if errors.Is(err, storage.ErrNotFound) {
		log.Printf("[Router] Warning: pnl_updated for unknown participant %s in match %s",
			ev.Address, ev.MatchID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("router: update pnl for %s in %s: %w", ev.Address, ev.MatchID, err)
	}
	return nil
}
