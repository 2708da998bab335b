package engine

import (
	"log"
	"math/big"
)

// AdmitWithinBudget filters sized trades against each delegation's remaining
// budget: a trade is admitted only if spent + copy <= spending limit. Skips
// are logged and never block other followers. Admission happens before the
// batch is built; once a trade is inside the batch it shares the batch's fate.
func AdmitWithinBudget(matchID string, sized []SizedTrade) []SizedTrade {
	admitted := make([]SizedTrade, 0, len(sized))
	for _, st := range sized {
		d := st.Delegation
		projected := new(big.Int).Add(d.SpentAmount, st.CopyAmount)
		if projected.Cmp(d.SpendingLimit) > 0 {
			skip := &SpendingLimitExceededError{
				Hash:      d.DelegationHash,
				Requested: st.CopyAmount,
				Remaining: d.Remaining(),
			}
			log.Printf("[Spending] Match %s: skipping: %v", matchID, skip)
			continue
		}
		admitted = append(admitted, st)
	}
	return admitted
}
