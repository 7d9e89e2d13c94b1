package clients

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20ABI = `
[
  {
    "name": "balanceOf",
    "type": "function",
    "stateMutability": "view",
    "inputs": [{ "name": "owner", "type": "address" }],
    "outputs": [{ "name": "", "type": "uint256" }]
  },
  {
    "name": "allowance",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      { "name": "owner", "type": "address" },
      { "name": "spender", "type": "address" }
    ],
    "outputs": [{ "name": "", "type": "uint256" }]
  },
  {
    "name": "transferFrom",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "from", "type": "address" },
      { "name": "to", "type": "address" },
      { "name": "value", "type": "uint256" }
    ],
    "outputs": [{ "name": "", "type": "bool" }]
  },
  {
    "name": "decimals",
    "type": "function",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{ "name": "", "type": "uint8" }]
  }
]
`

// Broadcaster submits a prepared contract call to the network. Signing,
// gas strategy and broadcast stay outside the engine; the engine only
// prepares and pre-simulates the call.
type Broadcaster interface {
	Broadcast(ctx context.Context, to common.Address, data []byte) error
}

// ERC20Token is a Token backed by an ERC20 contract over an Ethereum RPC
// connection. Reads go through eth_call; TransferFrom is simulated first
// and then handed to the Broadcaster.
type ERC20Token struct {
	addr    common.Address
	spender common.Address
	client  *ethclient.Client
	b       Broadcaster
	abi     abi.ABI
}

func NewERC20Token(addr, spender common.Address, client *ethclient.Client, b Broadcaster) (*ERC20Token, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	return &ERC20Token{
		addr:    addr,
		spender: spender,
		client:  client,
		b:       b,
		abi:     parsed,
	}, nil
}

func (t *ERC20Token) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := t.abi.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	msg := ethereum.CallMsg{To: &t.addr, Data: data}
	out, err := t.client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	return t.abi.Unpack(method, out)
}

func (t *ERC20Token) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	out, err := t.call(ctx, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

func (t *ERC20Token) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	out, err := t.call(ctx, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

func (t *ERC20Token) Decimals(ctx context.Context) (uint8, error) {
	out, err := t.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	return *abi.ConvertType(out[0], new(uint8)).(*uint8), nil
}

// TransferFrom prepares a transferFrom call, simulates it from the
// spender's identity, and broadcasts on success. A simulation revert is
// surfaced as an error before anything is sent.
func (t *ERC20Token) TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error {
	data, err := t.abi.Pack("transferFrom", from, to, amount)
	if err != nil {
		return err
	}

	msg := ethereum.CallMsg{From: t.spender, To: &t.addr, Data: data}
	if _, err := t.client.CallContract(ctx, msg, nil); err != nil {
		return fmt.Errorf("transferFrom simulation reverted: %w", err)
	}

	if t.b == nil {
		return fmt.Errorf("no broadcaster configured for token %s", t.addr.Hex())
	}
	return t.b.Broadcast(ctx, t.addr, data)
}

// ERC20Source builds ERC20Token handles bound to a single spender, caching
// per token address.
type ERC20Source struct {
	mu      sync.Mutex
	spender common.Address
	client  *ethclient.Client
	b       Broadcaster
	tokens  map[common.Address]*ERC20Token
}

func NewERC20Source(spender common.Address, client *ethclient.Client, b Broadcaster) *ERC20Source {
	return &ERC20Source{
		spender: spender,
		client:  client,
		b:       b,
		tokens:  make(map[common.Address]*ERC20Token),
	}
}

func (s *ERC20Source) Token(addr common.Address) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tokens[addr]; ok {
		return t, nil
	}
	t, err := NewERC20Token(addr, s.spender, s.client, s.b)
	if err != nil {
		return nil, err
	}
	s.tokens[addr] = t
	return t, nil
}
