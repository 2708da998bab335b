package engine

import (
	"fmt"
	"math/big"
)

// DelegationInvalidError marks a delegation that may no longer be redeemed.
// The delegation is skipped; siblings keep processing.
type DelegationInvalidError struct {
	Hash   string
	Reason string
}

func (e *DelegationInvalidError) Error() string {
	return fmt.Sprintf("delegation %s invalid: %s", e.Hash, e.Reason)
}

// SizingConfigError aborts the whole leader-trade event for one match: with
// no usable fraction there is no defensible copy size to guess.
type SizingConfigError struct {
	Raw    string
	Reason string
}

func (e *SizingConfigError) Error() string {
	return fmt.Sprintf("sizing fraction %q unusable: %s", e.Raw, e.Reason)
}

// SpendingLimitExceededError marks a sized trade that would overshoot the
// delegation's remaining budget. The trade is skipped, nothing is mutated.
type SpendingLimitExceededError struct {
	Hash      string
	Requested *big.Int
	Remaining *big.Int
}

func (e *SpendingLimitExceededError) Error() string {
	return fmt.Sprintf("delegation %s over budget: requested %s, remaining %s",
		e.Hash, e.Requested, e.Remaining)
}

// BatchExecutionError means the relay submission failed or the single receipt
// came back unsuccessful. No ledger mutation happened for the batch.
type BatchExecutionError struct {
	MatchID string
	BatchID string
	Err     error
}

func (e *BatchExecutionError) Error() string {
	return fmt.Sprintf("batch %s for match %s failed: %v", e.BatchID, e.MatchID, e.Err)
}

func (e *BatchExecutionError) Unwrap() error { return e.Err }
