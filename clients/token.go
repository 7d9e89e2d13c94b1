// Package clients provides the fungible token interface the settlement
// engine consumes, with an on-chain ERC20 implementation and an in-memory
// implementation for tests and local runs.
package clients

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Token is the consumed fungible-token surface. Amounts are raw native
// units; Decimals reports the token's own scale and is never assumed.
type Token interface {
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) error
	Decimals(ctx context.Context) (uint8, error)
}

// TokenSource resolves a token address to a Token bound to the ledger's
// spender identity.
type TokenSource interface {
	Token(addr common.Address) (Token, error)
}
