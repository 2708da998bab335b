package engine

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"trade-club-engine/models"
)

func wei(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad wei literal " + s)
	}
	return v
}

func delegationWith(hash string, amount, limit, spent *big.Int) models.Delegation {
	return models.Delegation{
		ID:               1,
		DelegationHash:   hash,
		FollowerAddress:  "0x1111111111111111111111111111111111111111",
		LeaderAddress:    "0x2222222222222222222222222222222222222222",
		MatchID:          "match-1",
		Amount:           amount,
		SpendingLimit:    limit,
		SpentAmount:      spent,
		ExpiresAt:        time.Now().Add(time.Hour),
		IsActive:         true,
		SignedDelegation: []byte("signed"),
	}
}

func TestCopyAmountExactMath(t *testing.T) {
	// 0.5 ether at 5000 bps must be exactly 0.25 ether
	got := CopyAmount(wei("500000000000000000"), 5000)
	want := wei("250000000000000000")
	if got.Cmp(want) != 0 {
		t.Errorf("CopyAmount = %s, want %s", got, want)
	}
}

func TestCopyAmountRoundsDown(t *testing.T) {
	tests := []struct {
		name   string
		amount *big.Int
		bps    int64
		want   *big.Int
	}{
		{"odd amount floors", big.NewInt(3), 5000, big.NewInt(1)},
		{"below one wei floors to zero", big.NewInt(1), 5000, big.NewInt(0)},
		{"full fraction", big.NewInt(1000), 10000, big.NewInt(1000)},
		{"nil amount", nil, 5000, big.NewInt(0)},
		{"zero amount", big.NewInt(0), 5000, big.NewInt(0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CopyAmount(tt.amount, tt.bps)
			if got.Cmp(tt.want) != 0 {
				t.Errorf("CopyAmount(%v, %d) = %s, want %s", tt.amount, tt.bps, got, tt.want)
			}
		})
	}
}

func TestParseFractionBpsRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing", ""},
		{"whitespace only", "   "},
		{"not an integer", "50.5"},
		{"garbage", "half"},
		{"zero", "0"},
		{"negative", "-100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFractionBps(tt.raw)
			var sizingErr *SizingConfigError
			if !errors.As(err, &sizingErr) {
				t.Fatalf("ParseFractionBps(%q) error = %v, want *SizingConfigError", tt.raw, err)
			}
		})
	}
}

func TestSizeCopyTradesAbortsOnMissingFraction(t *testing.T) {
	delegations := []models.Delegation{
		delegationWith("0xaaa", wei("1000000000000000000"), wei("1000000000000000000"), big.NewInt(0)),
	}
	sized, err := SizeCopyTrades(delegations, "")
	if err == nil {
		t.Fatal("expected error for missing fraction")
	}
	if sized != nil {
		t.Errorf("expected no sized trades on abort, got %d", len(sized))
	}
}

func TestSizeCopyTradesSkipsZeroAmounts(t *testing.T) {
	delegations := []models.Delegation{
		delegationWith("0xaaa", big.NewInt(1), wei("1000"), big.NewInt(0)), // floors to zero
		delegationWith("0xbbb", wei("1000000000000000000"), wei("1000000000000000000"), big.NewInt(0)),
	}
	sized, err := SizeCopyTrades(delegations, "5000")
	if err != nil {
		t.Fatalf("SizeCopyTrades: %v", err)
	}
	if len(sized) != 1 {
		t.Fatalf("expected 1 sized trade, got %d", len(sized))
	}
	if sized[0].Delegation.DelegationHash != "0xbbb" {
		t.Errorf("wrong delegation sized: %s", sized[0].Delegation.DelegationHash)
	}
	if want := wei("500000000000000000"); sized[0].CopyAmount.Cmp(want) != 0 {
		t.Errorf("CopyAmount = %s, want %s", sized[0].CopyAmount, want)
	}
}

func TestAdmitWithinBudgetEnforcesSpendBound(t *testing.T) {
	within := delegationWith("0xaaa", wei("1000"), wei("600"), wei("100"))
	over := delegationWith("0xbbb", wei("1000"), wei("500"), wei("100"))
	atLimit := delegationWith("0xccc", wei("1000"), wei("600"), wei("100"))

	sized := []SizedTrade{
		{Delegation: within, CopyAmount: wei("500")},  // 100+500 = 600 <= 600
		{Delegation: over, CopyAmount: wei("500")},    // 100+500 = 600 > 500
		{Delegation: atLimit, CopyAmount: wei("500")}, // exactly at the cap
	}

	admitted := AdmitWithinBudget("match-1", sized)
	if len(admitted) != 2 {
		t.Fatalf("expected 2 admitted, got %d", len(admitted))
	}
	for _, st := range admitted {
		if st.Delegation.DelegationHash == "0xbbb" {
			t.Error("over-limit delegation was admitted")
		}
	}
}
