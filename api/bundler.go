// Package api provides the on-chain facing clients: the account-abstraction
// bundler relay and the delegation-manager chain reader.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// UserOperation is the account-abstraction operation submitted to the relay.
// The engine only ever submits one of these per copy-trade batch.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	Signature            []byte
}

// MarshalJSON renders the bundler RPC wire shape (quantities as hex).
func (op UserOperation) MarshalJSON() ([]byte, error) {
	type wire struct {
		Sender               string `json:"sender"`
		Nonce                string `json:"nonce"`
		CallData             string `json:"callData"`
		CallGasLimit         string `json:"callGasLimit"`
		VerificationGasLimit string `json:"verificationGasLimit"`
		PreVerificationGas   string `json:"preVerificationGas"`
		MaxFeePerGas         string `json:"maxFeePerGas"`
		MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas"`
		Signature            string `json:"signature"`
	}
	return json.Marshal(wire{
		Sender:               op.Sender.Hex(),
		Nonce:                hexutil.EncodeBig(orZero(op.Nonce)),
		CallData:             hexutil.Encode(op.CallData),
		CallGasLimit:         hexutil.EncodeBig(orZero(op.CallGasLimit)),
		VerificationGasLimit: hexutil.EncodeBig(orZero(op.VerificationGasLimit)),
		PreVerificationGas:   hexutil.EncodeBig(orZero(op.PreVerificationGas)),
		MaxFeePerGas:         hexutil.EncodeBig(orZero(op.MaxFeePerGas)),
		MaxPriorityFeePerGas: hexutil.EncodeBig(orZero(op.MaxPriorityFeePerGas)),
		Signature:            hexutil.Encode(op.Signature),
	})
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// UserOperationReceipt is the single receipt the relay returns for one
// submitted operation. Success=false means the whole operation reverted.
type UserOperationReceipt struct {
	UserOpHash  common.Hash
	Success     bool
	TxHash      string
	BlockNumber uint64
}

// Relay submits user operations and fetches their receipts.
type Relay interface {
	SubmitUserOperation(ctx context.Context, op *UserOperation) (common.Hash, error)
	// GetUserOperationReceipt returns (nil, nil) while the operation is
	// still pending.
	GetUserOperationReceipt(ctx context.Context, userOpHash common.Hash) (*UserOperationReceipt, error)
}

// BundlerClient talks JSON-RPC to an ERC-4337 bundler endpoint.
type BundlerClient struct {
	endpoint   string
	entryPoint common.Address
	httpClient *http.Client
	reqID      atomic.Int64
}

// NewBundlerClient creates a bundler relay client.
func NewBundlerClient(endpoint string, entryPoint common.Address) *BundlerClient {
	return &BundlerClient{
		endpoint:   endpoint,
		entryPoint: entryPoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *BundlerClient) call(ctx context.Context, method string, params []any, result any) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("bundler: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("bundler: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bundler: %s: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("bundler: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bundler: %s: HTTP %d: %s", method, resp.StatusCode, string(body))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("bundler: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("bundler: %s: %w", method, rpcResp.Error)
	}
	if result != nil && len(rpcResp.Result) > 0 && string(rpcResp.Result) != "null" {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("bundler: decode result: %w", err)
		}
	}
	return nil
}

// SubmitUserOperation sends the operation to the bundler and returns its hash.
func (c *BundlerClient) SubmitUserOperation(ctx context.Context, op *UserOperation) (common.Hash, error) {
	var hashHex string
	if err := c.call(ctx, "eth_sendUserOperation", []any{op, c.entryPoint.Hex()}, &hashHex); err != nil {
		return common.Hash{}, err
	}
	if hashHex == "" {
		return common.Hash{}, fmt.Errorf("bundler: empty user operation hash")
	}
	return common.HexToHash(hashHex), nil
}

type receiptWire struct {
	UserOpHash string `json:"userOpHash"`
	Success    bool   `json:"success"`
	Receipt    struct {
		TransactionHash string `json:"transactionHash"`
		BlockNumber     string `json:"blockNumber"`
	} `json:"receipt"`
}

// GetUserOperationReceipt fetches the receipt; nil while pending.
func (c *BundlerClient) GetUserOperationReceipt(ctx context.Context, userOpHash common.Hash) (*UserOperationReceipt, error) {
	var wire *receiptWire
	if err := c.call(ctx, "eth_getUserOperationReceipt", []any{userOpHash.Hex()}, &wire); err != nil {
		return nil, err
	}
	if wire == nil {
		return nil, nil
	}

	var blockNumber uint64
	if wire.Receipt.BlockNumber != "" {
		bn, err := hexutil.DecodeUint64(wire.Receipt.BlockNumber)
		if err != nil {
			return nil, fmt.Errorf("bundler: bad block number %q: %w", wire.Receipt.BlockNumber, err)
		}
		blockNumber = bn
	}

	return &UserOperationReceipt{
		UserOpHash:  common.HexToHash(wire.UserOpHash),
		Success:     wire.Success,
		TxHash:      wire.Receipt.TransactionHash,
		BlockNumber: blockNumber,
	}, nil
}

var _ Relay = (*BundlerClient)(nil)
