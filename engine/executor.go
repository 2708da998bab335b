package engine

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"trade-club-engine/api"
	"trade-club-engine/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// NonceSource serves the submitter account's entry-point nonce.
// api.ChainClient implements it; tests use api.MockNonceSource.
type NonceSource interface {
	AccountNonce(ctx context.Context, sender common.Address) (*big.Int, error)
}

// BatchItem is one admitted (delegation, copy amount, call) triple destined
// for the batch. The call data is opaque; it was produced upstream and is
// passed through unmodified.
type BatchItem struct {
	Delegation models.Delegation
	CopyAmount *big.Int
	Call       models.TradeCall
}

// BatchReceipt is the outcome of one successful batch submission. All items
// in the batch share the same block number and transaction hash.
type BatchReceipt struct {
	UserOpHash  string
	TxHash      string
	BlockNumber uint64
}

// ExecutorConfig holds the on-chain parameters of the batch executor.
type ExecutorConfig struct {
	Submitter            common.Address
	DelegationManager    common.Address
	EntryPoint           common.Address
	ChainID              *big.Int
	CallGasLimit         uint64
	VerificationGasLimit uint64
	PreVerificationGas   uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	ReceiptTimeout       time.Duration
	ReceiptPollInterval  time.Duration
}

// BatchExecutor turns admitted copy trades into one aggregated delegation
// redemption and submits it as a single account-abstraction operation.
// Either the whole operation lands or it reverts; there is no partial
// execution within a batch.
type BatchExecutor struct {
	relay  api.Relay
	nonces NonceSource
	signer *ecdsa.PrivateKey
	cfg    ExecutorConfig

	// One shared submitter account signs every batch; the mutex keeps it
	// from racing its own nonce across matches.
	mu sync.Mutex
}

// NewBatchExecutor creates a batch executor. signer may be nil in tests.
func NewBatchExecutor(relay api.Relay, nonces NonceSource, signer *ecdsa.PrivateKey, cfg ExecutorConfig) *BatchExecutor {
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 2 * time.Second
	}
	if cfg.ChainID == nil {
		cfg.ChainID = new(big.Int)
	}
	return &BatchExecutor{relay: relay, nonces: nonces, signer: signer, cfg: cfg}
}

// singleCallMode is the default execution mode for a single call.
var singleCallMode [32]byte

// Execute submits all items as one batch and blocks until the single receipt
// arrives or the timeout passes. Any failure is a *BatchExecutionError and
// means nothing in the batch executed.
func (e *BatchExecutor) Execute(ctx context.Context, matchID string, items []BatchItem) (*BatchReceipt, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("executor: empty batch for match %s", matchID)
	}

	callData, batchID, err := e.buildCallData(items)
	if err != nil {
		return nil, &BatchExecutionError{MatchID: matchID, BatchID: batchID, Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	nonce, err := e.nonces.AccountNonce(ctx, e.cfg.Submitter)
	if err != nil {
		return nil, &BatchExecutionError{MatchID: matchID, BatchID: batchID,
			Err: fmt.Errorf("fetch nonce: %w", err)}
	}

	op := &api.UserOperation{
		Sender:               e.cfg.Submitter,
		Nonce:                nonce,
		CallData:             callData,
		CallGasLimit:         new(big.Int).SetUint64(e.cfg.CallGasLimit),
		VerificationGasLimit: new(big.Int).SetUint64(e.cfg.VerificationGasLimit),
		PreVerificationGas:   new(big.Int).SetUint64(e.cfg.PreVerificationGas),
		MaxFeePerGas:         orZero(e.cfg.MaxFeePerGas),
		MaxPriorityFeePerGas: orZero(e.cfg.MaxPriorityFeePerGas),
	}
	if err := e.signUserOp(op); err != nil {
		return nil, &BatchExecutionError{MatchID: matchID, BatchID: batchID,
			Err: fmt.Errorf("sign: %w", err)}
	}

	log.Printf("[Executor] Match %s: submitting batch %s with %d copy trades (nonce=%s)",
		matchID, batchID, len(items), nonce)

	opHash, err := e.relay.SubmitUserOperation(ctx, op)
	if err != nil {
		return nil, &BatchExecutionError{MatchID: matchID, BatchID: batchID,
			Err: fmt.Errorf("submit: %w", err)}
	}

	receipt, err := e.awaitReceipt(ctx, opHash)
	if err != nil {
		return nil, &BatchExecutionError{MatchID: matchID, BatchID: batchID, Err: err}
	}
	if !receipt.Success {
		return nil, &BatchExecutionError{MatchID: matchID, BatchID: batchID,
			Err: fmt.Errorf("operation %s reverted in tx %s", opHash.Hex(), receipt.TxHash)}
	}

	log.Printf("[Executor] Match %s: batch %s landed in tx %s (block %d)",
		matchID, batchID, receipt.TxHash, receipt.BlockNumber)

	return &BatchReceipt{
		UserOpHash:  opHash.Hex(),
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber,
	}, nil
}

// buildCallData aggregates every item's redemption proof and execution into
// one redeemDelegations call, wrapped in the submitter account's execute.
// The returned batch id is a stable digest for log correlation; a manual
// retry of the same event produces the same id.
func (e *BatchExecutor) buildCallData(items []BatchItem) ([]byte, string, error) {
	contexts := make([][]byte, 0, len(items))
	modes := make([][32]byte, 0, len(items))
	executions := make([][]byte, 0, len(items))
	digest := make([]byte, 0, len(items)*64)

	for _, item := range items {
		if len(item.Delegation.SignedDelegation) == 0 {
			return nil, "", fmt.Errorf("delegation %s has no signed payload", item.Delegation.DelegationHash)
		}
		if !common.IsHexAddress(item.Call.Target) {
			return nil, "", fmt.Errorf("bad target %q", item.Call.Target)
		}
		target := common.HexToAddress(item.Call.Target)

		value := new(big.Int)
		if item.Call.Value != "" {
			v, ok := math.ParseBig256(item.Call.Value)
			if !ok || v.Sign() < 0 {
				return nil, "", fmt.Errorf("bad call value %q", item.Call.Value)
			}
			value = v
		}

		var data []byte
		if item.Call.Data != "" && item.Call.Data != "0x" {
			decoded, err := hexutil.Decode(item.Call.Data)
			if err != nil {
				return nil, "", fmt.Errorf("bad call data: %w", err)
			}
			data = decoded
		}

		contexts = append(contexts, item.Delegation.SignedDelegation)
		modes = append(modes, singleCallMode)
		executions = append(executions, packSingleExecution(target, value, data))

		digest = append(digest, common.HexToHash(item.Delegation.DelegationHash).Bytes()...)
		digest = append(digest, common.LeftPadBytes(item.CopyAmount.Bytes(), 32)...)
	}

	redeemData, err := api.DelegationManagerABI.Pack("redeemDelegations", contexts, modes, executions)
	if err != nil {
		return nil, "", fmt.Errorf("pack redeemDelegations: %w", err)
	}

	callData, err := api.SmartAccountABI.Pack("execute", e.cfg.DelegationManager, new(big.Int), redeemData)
	if err != nil {
		return nil, "", fmt.Errorf("pack execute: %w", err)
	}

	batchID := crypto.Keccak256Hash(digest).Hex()[:18]
	return callData, batchID, nil
}

// packSingleExecution encodes one execution descriptor as
// target(20) || value(32) || data.
func packSingleExecution(target common.Address, value *big.Int, data []byte) []byte {
	out := make([]byte, 0, 52+len(data))
	out = append(out, target.Bytes()...)
	out = append(out, common.LeftPadBytes(value.Bytes(), 32)...)
	out = append(out, data...)
	return out
}

// signUserOp signs the operation hash with the submitter's key.
func (e *BatchExecutor) signUserOp(op *api.UserOperation) error {
	if e.signer == nil {
		return nil
	}
	sig, err := crypto.Sign(e.userOpHash(op), e.signer)
	if err != nil {
		return err
	}
	sig[64] += 27
	op.Signature = sig
	return nil
}

// userOpHash binds the operation to the entry point and chain.
func (e *BatchExecutor) userOpHash(op *api.UserOperation) []byte {
	inner := crypto.Keccak256(
		op.Sender.Bytes(),
		common.LeftPadBytes(op.Nonce.Bytes(), 32),
		crypto.Keccak256(op.CallData),
		common.LeftPadBytes(op.CallGasLimit.Bytes(), 32),
		common.LeftPadBytes(op.VerificationGasLimit.Bytes(), 32),
		common.LeftPadBytes(op.PreVerificationGas.Bytes(), 32),
		common.LeftPadBytes(op.MaxFeePerGas.Bytes(), 32),
		common.LeftPadBytes(op.MaxPriorityFeePerGas.Bytes(), 32),
	)
	return crypto.Keccak256(
		inner,
		common.LeftPadBytes(e.cfg.EntryPoint.Bytes(), 32),
		common.LeftPadBytes(e.cfg.ChainID.Bytes(), 32),
	)
}

// awaitReceipt polls until the single receipt arrives or the timeout passes.
// There is no automatic re-submission: a batch that already landed must not
// be sent twice.
func (e *BatchExecutor) awaitReceipt(ctx context.Context, opHash common.Hash) (*api.UserOperationReceipt, error) {
	deadline := time.NewTimer(e.cfg.ReceiptTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.relay.GetUserOperationReceipt(ctx, opHash)
		if err != nil {
			log.Printf("[Executor] Receipt poll error for %s: %v", opHash.Hex(), err)
		} else if receipt != nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("no receipt for %s within %v", opHash.Hex(), e.cfg.ReceiptTimeout)
		case <-ticker.C:
		}
	}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
