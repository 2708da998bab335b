package engine

import (
	"context"
	"log"
	"time"

	"trade-club-engine/models"
	"trade-club-engine/storage"

	"github.com/ethereum/go-ethereum/common"
)

// LivenessChecker answers whether a delegation has been disabled on-chain.
// api.DelegationChecker implements it against the delegation manager contract.
type LivenessChecker interface {
	IsDelegationDisabled(ctx context.Context, hash common.Hash) (bool, error)
}

// Validator decides whether a delegation may still be redeemed. Expiry is
// detected lazily here; there is no background sweep.
type Validator struct {
	store   storage.DataStore
	checker LivenessChecker // optional; nil skips the on-chain check
	now     func() time.Time
}

// NewValidator creates a validator. checker may be nil.
func NewValidator(store storage.DataStore, checker LivenessChecker) *Validator {
	return &Validator{store: store, checker: checker, now: time.Now}
}

// Validate returns nil if the delegation may be redeemed, or a
// *DelegationInvalidError describing why not. Detected expiry or on-chain
// revocation flips is_active off as a side effect.
//
// An on-chain lookup failure never upgrades a delegation to valid: the
// off-chain state (is_active + expiry) has already been checked by the time
// the chain is consulted, and a chain error just leaves that verdict alone.
func (v *Validator) Validate(ctx context.Context, d *models.Delegation) error {
	if !d.IsActive {
		return &DelegationInvalidError{Hash: d.DelegationHash, Reason: "inactive"}
	}

	if d.Expired(v.now()) {
		if err := v.store.DeactivateDelegation(ctx, d.DelegationHash); err != nil {
			log.Printf("[Validator] Warning: failed to deactivate expired delegation %s: %v",
				d.DelegationHash, err)
		}
		d.IsActive = false
		return &DelegationInvalidError{Hash: d.DelegationHash, Reason: "expired"}
	}

	if v.checker != nil && isDelegationHash(d.DelegationHash) {
		disabled, err := v.checker.IsDelegationDisabled(ctx, common.HexToHash(d.DelegationHash))
		if err != nil {
			// Unknown on-chain state; the off-chain verdict stands
			log.Printf("[Validator] Warning: on-chain check failed for %s: %v", d.DelegationHash, err)
			return nil
		}
		if disabled {
			if err := v.store.DeactivateDelegation(ctx, d.DelegationHash); err != nil {
				log.Printf("[Validator] Warning: failed to deactivate disabled delegation %s: %v",
					d.DelegationHash, err)
			}
			d.IsActive = false
			return &DelegationInvalidError{Hash: d.DelegationHash, Reason: "disabled on-chain"}
		}
	}

	return nil
}

// FilterValid returns the subset of delegations that pass Validate, logging
// each rejection. One bad delegation never blocks the rest.
func (v *Validator) FilterValid(ctx context.Context, delegations []models.Delegation) []models.Delegation {
	valid := make([]models.Delegation, 0, len(delegations))
	for i := range delegations {
		if err := v.Validate(ctx, &delegations[i]); err != nil {
			log.Printf("[Validator] Skipping: %v", err)
			continue
		}
		valid = append(valid, delegations[i])
	}
	return valid
}

// isDelegationHash reports whether s is a well-formed 32-byte hex identifier.
func isDelegationHash(s string) bool {
	if len(s) != 66 || s[0] != '0' || (s[1] != 'x' && s[1] != 'X') {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
