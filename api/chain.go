package api

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const delegationManagerABIJSON = `[
	{"type":"function","name":"disabledDelegations","stateMutability":"view",
	 "inputs":[{"name":"delegationHash","type":"bytes32"}],
	 "outputs":[{"name":"disabled","type":"bool"}]},
	{"type":"function","name":"redeemDelegations","stateMutability":"nonpayable",
	 "inputs":[{"name":"permissionContexts","type":"bytes[]"},
	           {"name":"modes","type":"bytes32[]"},
	           {"name":"executionCallDatas","type":"bytes[]"}],
	 "outputs":[]}
]`

const smartAccountABIJSON = `[
	{"type":"function","name":"execute","stateMutability":"payable",
	 "inputs":[{"name":"target","type":"address"},
	           {"name":"value","type":"uint256"},
	           {"name":"data","type":"bytes"}],
	 "outputs":[]}
]`

const entryPointABIJSON = `[
	{"type":"function","name":"getNonce","stateMutability":"view",
	 "inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],
	 "outputs":[{"name":"nonce","type":"uint256"}]}
]`

var (
	// DelegationManagerABI encodes redemption and liveness calls.
	DelegationManagerABI = mustABI(delegationManagerABIJSON)
	// SmartAccountABI encodes the submitter account's execute wrapper.
	SmartAccountABI = mustABI(smartAccountABIJSON)
	entryPointABI   = mustABI(entryPointABIJSON)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("api: bad ABI: %v", err))
	}
	return parsed
}

// ChainClient reads delegation state from the delegation manager contract and
// account nonces from the entry point.
type ChainClient struct {
	client            *ethclient.Client
	delegationManager common.Address
	entryPoint        common.Address
}

// NewChainClient dials the RPC endpoint.
func NewChainClient(rpcURL string, delegationManager, entryPoint common.Address) (*ChainClient, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	return &ChainClient{
		client:            client,
		delegationManager: delegationManager,
		entryPoint:        entryPoint,
	}, nil
}

// Close releases the underlying RPC connection.
func (c *ChainClient) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// IsDelegationDisabled asks the delegation manager whether the delegation has
// been revoked on-chain.
func (c *ChainClient) IsDelegationDisabled(ctx context.Context, hash common.Hash) (bool, error) {
	data, err := DelegationManagerABI.Pack("disabledDelegations", hash)
	if err != nil {
		return false, fmt.Errorf("chain: pack disabledDelegations: %w", err)
	}

	out, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.delegationManager,
		Data: data,
	}, nil)
	if err != nil {
		return false, fmt.Errorf("chain: disabledDelegations: %w", err)
	}

	results, err := DelegationManagerABI.Unpack("disabledDelegations", out)
	if err != nil {
		return false, fmt.Errorf("chain: unpack disabledDelegations: %w", err)
	}
	disabled, ok := results[0].(bool)
	if !ok {
		return false, fmt.Errorf("chain: unexpected disabledDelegations result %T", results[0])
	}
	return disabled, nil
}

// AccountNonce fetches the submitter account's entry-point nonce (key 0).
func (c *ChainClient) AccountNonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	data, err := entryPointABI.Pack("getNonce", sender, new(big.Int))
	if err != nil {
		return nil, fmt.Errorf("chain: pack getNonce: %w", err)
	}

	out, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.entryPoint,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: getNonce: %w", err)
	}

	results, err := entryPointABI.Unpack("getNonce", out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack getNonce: %w", err)
	}
	nonce, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: unexpected getNonce result %T", results[0])
	}
	return nonce, nil
}
