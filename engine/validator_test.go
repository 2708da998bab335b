package engine

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"trade-club-engine/api"
	"trade-club-engine/models"
	"trade-club-engine/storage"

	"github.com/ethereum/go-ethereum/common"
)

func hashHex(b byte) string {
	return "0x" + strings.Repeat(string([]byte{hexDigit(b >> 4), hexDigit(b & 0xf)}), 32)
}

func hexDigit(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'a' + n - 10
}

func seedDelegation(t *testing.T, store *storage.MockStore, d models.Delegation) models.Delegation {
	t.Helper()
	if err := store.CreateDelegation(context.Background(), d); err != nil {
		t.Fatalf("CreateDelegation: %v", err)
	}
	created, err := store.GetDelegation(context.Background(), d.DelegationHash)
	if err != nil {
		t.Fatalf("GetDelegation: %v", err)
	}
	return *created
}

func TestValidateRejectsInactive(t *testing.T) {
	store := storage.NewMockStore()
	v := NewValidator(store, nil)

	d := delegationWith(hashHex(0x01), wei("1000"), wei("1000"), big.NewInt(0))
	d.IsActive = false

	err := v.Validate(context.Background(), &d)
	var invalid *DelegationInvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("error = %v, want *DelegationInvalidError", err)
	}
	if invalid.Reason != "inactive" {
		t.Errorf("reason = %q, want inactive", invalid.Reason)
	}
}

func TestValidateFlipsExpiredDelegation(t *testing.T) {
	store := storage.NewMockStore()
	v := NewValidator(store, nil)

	hash := hashHex(0x02)
	d := delegationWith(hash, wei("1000"), wei("1000"), big.NewInt(0))
	d.ExpiresAt = time.Now().Add(time.Hour)
	stored := seedDelegation(t, store, d)

	// Advance the validator's clock past expiry; no background sweep runs.
	v.now = func() time.Time { return stored.ExpiresAt.Add(time.Second) }

	err := v.Validate(context.Background(), &stored)
	var invalid *DelegationInvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("error = %v, want *DelegationInvalidError", err)
	}
	if invalid.Reason != "expired" {
		t.Errorf("reason = %q, want expired", invalid.Reason)
	}

	after, err := store.GetDelegation(context.Background(), hash)
	if err != nil {
		t.Fatalf("GetDelegation: %v", err)
	}
	if after.IsActive {
		t.Error("expired delegation still active in store")
	}
}

func TestValidateDeactivatesOnChainDisabled(t *testing.T) {
	store := storage.NewMockStore()
	checker := api.NewMockChecker()
	v := NewValidator(store, checker)

	hash := hashHex(0x03)
	stored := seedDelegation(t, store, delegationWith(hash, wei("1000"), wei("1000"), big.NewInt(0)))
	checker.Disabled[common.HexToHash(hash)] = true

	err := v.Validate(context.Background(), &stored)
	var invalid *DelegationInvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("error = %v, want *DelegationInvalidError", err)
	}

	after, _ := store.GetDelegation(context.Background(), hash)
	if after.IsActive {
		t.Error("on-chain disabled delegation still active in store")
	}
}

func TestValidateChainErrorKeepsOffChainVerdict(t *testing.T) {
	store := storage.NewMockStore()
	checker := api.NewMockChecker()
	checker.Err = errors.New("rpc timeout")
	v := NewValidator(store, checker)

	stored := seedDelegation(t, store, delegationWith(hashHex(0x04), wei("1000"), wei("1000"), big.NewInt(0)))

	// Off-chain state says valid; a chain error must not change that.
	if err := v.Validate(context.Background(), &stored); err != nil {
		t.Errorf("Validate = %v, want nil on chain error", err)
	}
	if checker.Calls != 1 {
		t.Errorf("checker calls = %d, want 1", checker.Calls)
	}
}

func TestFilterValidKeepsGoodDelegations(t *testing.T) {
	store := storage.NewMockStore()
	v := NewValidator(store, nil)

	good := seedDelegation(t, store, delegationWith(hashHex(0x05), wei("1000"), wei("1000"), big.NewInt(0)))
	expired := seedDelegation(t, store, delegationWith(hashHex(0x06), wei("1000"), wei("1000"), big.NewInt(0)))
	inactive := delegationWith(hashHex(0x07), wei("1000"), wei("1000"), big.NewInt(0))
	inactive.IsActive = false

	expired.ExpiresAt = time.Now().Add(-time.Hour)

	valid := v.FilterValid(context.Background(), []models.Delegation{good, expired, inactive})
	if len(valid) != 1 {
		t.Fatalf("expected 1 valid delegation, got %d", len(valid))
	}
	if valid[0].DelegationHash != good.DelegationHash {
		t.Errorf("wrong delegation kept: %s", valid[0].DelegationHash)
	}
}
