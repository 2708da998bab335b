package storage

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"trade-club-engine/models"
)

// Read methods bump the Calls counter, so concurrent reads mutate shared
// state. This test fails under the race detector if the mock ever guards
// reads with anything weaker than the write lock.
func TestMockStoreConcurrentAccess(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	if err := store.CreateMatch(ctx, models.Match{ID: "match-1", EntryMargin: big.NewInt(1), DurationSec: 60}); err != nil {
		t.Fatalf("CreateMatch: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			if _, err := store.GetMatch(ctx, "match-1"); err != nil {
				t.Errorf("GetMatch: %v", err)
			}
			if _, err := store.ListMatches(ctx, 0); err != nil {
				t.Errorf("ListMatches: %v", err)
			}
		}(i)
		go func(n int) {
			defer wg.Done()
			err := store.CreateDelegation(ctx, models.Delegation{
				DelegationHash:  fmt.Sprintf("0xhash-%d", n),
				FollowerAddress: "0x1111111111111111111111111111111111111111",
				LeaderAddress:   "0x2222222222222222222222222222222222222222",
				MatchID:         "match-1",
				Amount:          big.NewInt(100),
				SpendingLimit:   big.NewInt(100),
				ExpiresAt:       time.Now().Add(time.Hour),
			})
			if err != nil {
				t.Errorf("CreateDelegation: %v", err)
			}
			if _, err := store.ListActiveDelegations(ctx, "match-1", "0x2222222222222222222222222222222222222222"); err != nil {
				t.Errorf("ListActiveDelegations: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if store.Calls["GetMatch"] != 8 {
		t.Errorf("GetMatch calls = %d, want 8", store.Calls["GetMatch"])
	}
	if store.Calls["CreateDelegation"] != 8 {
		t.Errorf("CreateDelegation calls = %d, want 8", store.Calls["CreateDelegation"])
	}
}
