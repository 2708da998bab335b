package engine

import (
	"log"
	"math/big"
	"strconv"
	"strings"

	"trade-club-engine/models"
)

// bpsDenominator converts basis points to a fraction (10000 bps = 100%).
const bpsDenominator = 10000

// SizedTrade is one follower's computed mirror of a leader trade.
type SizedTrade struct {
	Delegation models.Delegation
	CopyAmount *big.Int
}

// ParseFractionBps parses the sizeToPortfolioBps metadata string. A missing
// or unparsable fraction is a *SizingConfigError: the engine never guesses a
// default copy size.
func ParseFractionBps(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, &SizingConfigError{Raw: raw, Reason: "missing"}
	}
	bps, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, &SizingConfigError{Raw: raw, Reason: "not an integer"}
	}
	if bps <= 0 {
		return 0, &SizingConfigError{Raw: raw, Reason: "must be positive"}
	}
	return bps, nil
}

// CopyAmount computes delegationAmount × bps / 10000 in exact integer math,
// rounding down. The result is a fraction of the follower's own authorized
// capital, never of the leader's absolute trade size.
func CopyAmount(delegationAmount *big.Int, bps int64) *big.Int {
	if delegationAmount == nil || delegationAmount.Sign() <= 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(delegationAmount, big.NewInt(bps))
	return out.Div(out, big.NewInt(bpsDenominator))
}

// SizeCopyTrades sizes one leader-trade event across all valid delegations.
// A bad fraction aborts the whole event (no partial admission); zero-amount
// delegations are skipped, not errors.
func SizeCopyTrades(delegations []models.Delegation, rawBps string) ([]SizedTrade, error) {
	bps, err := ParseFractionBps(rawBps)
	if err != nil {
		return nil, err
	}

	sized := make([]SizedTrade, 0, len(delegations))
	for _, d := range delegations {
		amount := CopyAmount(d.Amount, bps)
		if amount.Sign() == 0 {
			log.Printf("[Sizing] Skipping zero-amount delegation %s", d.DelegationHash)
			continue
		}
		sized = append(sized, SizedTrade{Delegation: d, CopyAmount: amount})
	}
	return sized, nil
}
