package engine

import (
	"context"
	"fmt"
	"log"
	"math/big"

	"trade-club-engine/models"
	"trade-club-engine/storage"
)

// Reconciler applies ledger state after a successful batch receipt: for each
// trade in the batch it upserts the follower participant, increments the
// delegation's spent amount, and appends a FOLLOWER_COPY trade row. The
// three writes for one trade are a single transaction in the store; writes
// across different trades are independent of one another.
type Reconciler struct {
	store storage.DataStore
}

// NewReconciler creates a reconciler over the given store.
func NewReconciler(store storage.DataStore) *Reconciler {
	return &Reconciler{store: store}
}

// Reconcile records every trade of the batch. One trade failing to apply
// does not stop the others; failures are reported in the returned error.
func (r *Reconciler) Reconcile(ctx context.Context, matchID string, ev models.TradeEvent, items []BatchItem, receipt *BatchReceipt) error {
	var failed int
	for _, item := range items {
		app := storage.CopyTradeApplication{
			MatchID:         matchID,
			DelegationID:    item.Delegation.ID,
			DelegationHash:  item.Delegation.DelegationHash,
			FollowerAddress: item.Delegation.FollowerAddress,
			FollowerFunded:  item.Delegation.Amount,
			CopyAmount:      item.CopyAmount,
			Trade: models.Trade{
				Kind:           models.TradeKindCopy,
				Venue:          ev.DEX,
				TokenIn:        ev.TokenIn,
				TokenOut:       ev.TokenOut,
				AmountIn:       item.CopyAmount,
				AmountOut:      new(big.Int),
				TargetContract: item.Call.Target,
				BlockNumber:    receipt.BlockNumber,
				TxHash:         receipt.TxHash,
			},
		}
		if err := r.store.ApplyCopyTrade(ctx, app); err != nil {
			log.Printf("[Reconciler] Match %s: failed to apply copy trade for delegation %s: %v",
				matchID, item.Delegation.DelegationHash, err)
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("reconciler: %d/%d copy trades failed to apply for match %s",
			failed, len(items), matchID)
	}

	log.Printf("[Reconciler] Match %s: recorded %d copy trades (tx=%s block=%d)",
		matchID, len(items), receipt.TxHash, receipt.BlockNumber)
	return nil
}
