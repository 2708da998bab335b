package api

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MockRelay is an in-memory Relay for testing. Receipts are served
// immediately; errors and failed receipts can be injected per call.
type MockRelay struct {
	mu sync.Mutex

	Submitted []*UserOperation

	// ReceiptSuccess controls the success flag of served receipts.
	ReceiptSuccess bool
	// TxHash / BlockNumber stamped onto served receipts.
	TxHash      string
	BlockNumber uint64

	// Error injection for testing error paths
	ErrorOnNext map[string]error

	receipts map[common.Hash]*UserOperationReceipt
}

// NewMockRelay creates a relay that reports success for every submission.
func NewMockRelay() *MockRelay {
	return &MockRelay{
		ReceiptSuccess: true,
		TxHash:         "0x" + fmt.Sprintf("%064x", 0xabcdef),
		BlockNumber:    1234567,
		ErrorOnNext:    make(map[string]error),
		receipts:       make(map[common.Hash]*UserOperationReceipt),
	}
}

func (m *MockRelay) SubmitUserOperation(ctx context.Context, op *UserOperation) (common.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.ErrorOnNext["SubmitUserOperation"]; ok {
		delete(m.ErrorOnNext, "SubmitUserOperation")
		return common.Hash{}, err
	}

	m.Submitted = append(m.Submitted, op)
	hash := crypto.Keccak256Hash(op.CallData, big.NewInt(int64(len(m.Submitted))).Bytes())
	m.receipts[hash] = &UserOperationReceipt{
		UserOpHash:  hash,
		Success:     m.ReceiptSuccess,
		TxHash:      m.TxHash,
		BlockNumber: m.BlockNumber,
	}
	return hash, nil
}

func (m *MockRelay) GetUserOperationReceipt(ctx context.Context, userOpHash common.Hash) (*UserOperationReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.ErrorOnNext["GetUserOperationReceipt"]; ok {
		delete(m.ErrorOnNext, "GetUserOperationReceipt")
		return nil, err
	}
	return m.receipts[userOpHash], nil
}

var _ Relay = (*MockRelay)(nil)

// MockChecker is an in-memory delegation liveness checker.
type MockChecker struct {
	mu sync.Mutex

	Disabled map[common.Hash]bool
	Err      error // returned by every call when set
	Calls    int
}

// NewMockChecker creates a checker with no disabled delegations.
func NewMockChecker() *MockChecker {
	return &MockChecker{Disabled: make(map[common.Hash]bool)}
}

func (m *MockChecker) IsDelegationDisabled(ctx context.Context, hash common.Hash) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Err != nil {
		return false, m.Err
	}
	return m.Disabled[hash], nil
}

// MockNonceSource serves monotonically increasing account nonces.
type MockNonceSource struct {
	mu    sync.Mutex
	next  int64
	Err   error
	Calls int
}

func (m *MockNonceSource) AccountNonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Err != nil {
		return nil, m.Err
	}
	n := big.NewInt(m.next)
	m.next++
	return n, nil
}
