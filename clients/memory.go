package clients

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// MemoryToken is an in-memory Token with standard transfer-from
// semantics. It backs tests and local runs where no chain is available.
type MemoryToken struct {
	mu         sync.Mutex
	decimals   uint8
	spender    common.Address
	balances   map[common.Address]*big.Int
	allowances map[allowanceKey]*big.Int
	transfers  int
}

// NewMemoryToken creates a token with the given scale. spender is the
// identity charged against allowances on TransferFrom, normally the
// ledger address.
func NewMemoryToken(decimals uint8, spender common.Address) *MemoryToken {
	return &MemoryToken{
		decimals:   decimals,
		spender:    spender,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
	}
}

// Mint credits an account. Test setup only.
func (m *MemoryToken) Mint(addr common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[addr] = new(big.Int).Add(m.balance(addr), amount)
}

// Approve sets the token allowance an owner grants a spender.
func (m *MemoryToken) Approve(owner, spender common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[allowanceKey{owner, spender}] = new(big.Int).Set(amount)
}

// TransferCount reports how many transfers committed. Tests use it to
// assert that failed pulls moved nothing.
func (m *MemoryToken) TransferCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfers
}

func (m *MemoryToken) balance(addr common.Address) *big.Int {
	if b, ok := m.balances[addr]; ok {
		return b
	}
	return new(big.Int)
}

func (m *MemoryToken) allowance(owner, spender common.Address) *big.Int {
	if a, ok := m.allowances[allowanceKey{owner, spender}]; ok {
		return a
	}
	return new(big.Int)
}

func (m *MemoryToken) BalanceOf(_ context.Context, owner common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.balance(owner)), nil
}

func (m *MemoryToken) Allowance(_ context.Context, owner, spender common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.allowance(owner, spender)), nil
}

func (m *MemoryToken) Decimals(_ context.Context) (uint8, error) {
	return m.decimals, nil
}

func (m *MemoryToken) TransferFrom(_ context.Context, from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("negative transfer amount")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := m.allowance(from, m.spender)
	if allowed.Cmp(amount) < 0 {
		return fmt.Errorf("transfer amount exceeds allowance: need %s, have %s", amount, allowed)
	}
	bal := m.balance(from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("transfer amount exceeds balance: need %s, have %s", amount, bal)
	}

	m.allowances[allowanceKey{from, m.spender}] = new(big.Int).Sub(allowed, amount)
	m.balances[from] = new(big.Int).Sub(bal, amount)
	m.balances[to] = new(big.Int).Add(m.balance(to), amount)
	m.transfers++
	return nil
}

// MemoryTokenSource resolves registered MemoryTokens by address.
type MemoryTokenSource struct {
	mu     sync.Mutex
	tokens map[common.Address]*MemoryToken
}

func NewMemoryTokenSource() *MemoryTokenSource {
	return &MemoryTokenSource{tokens: make(map[common.Address]*MemoryToken)}
}

// Register binds a token to an address.
func (s *MemoryTokenSource) Register(addr common.Address, token *MemoryToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[addr] = token
}

func (s *MemoryTokenSource) Token(addr common.Address) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[addr]
	if !ok {
		return nil, fmt.Errorf("no token registered at %s", addr.Hex())
	}
	return t, nil
}
