// Package allowance tracks the delegated allowance: an internal spending
// budget a user grants the payment ledger, denominated in the USD ledger
// unit and enforced in addition to the token's own allowance.
package allowance

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crynk/paysplit/types"
	"github.com/crynk/paysplit/units"
)

type key struct {
	owner   common.Address
	spender common.Address
}

// grant pairs the remaining budget with a generation counter bumped on
// every approval. The counter lets a refund detect that the owner made a
// fresh approval while the consumed amount was in flight.
type grant struct {
	amount units.USD18
	gen    uint64
}

// Ledger holds delegated allowances per (owner, spender) pair. All reads
// and writes of a grant happen under one lock, so a consume can never
// observe a stale value across its check-then-decrement.
type Ledger struct {
	mu     sync.Mutex
	grants map[key]grant
}

func NewLedger() *Ledger {
	return &Ledger{grants: make(map[key]grant)}
}

// Approve sets the allowance to amount, replacing any prior value. This
// matches token approve semantics: a fresh approval is a full statement of
// intent, not a top-up.
func (l *Ledger) Approve(owner, spender common.Address, amount units.USD18) error {
	if amount.Sign() < 0 {
		return &types.Error{Code: types.ErrMalformedInput, Message: "allowance: negative amount"}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{owner, spender}
	l.grants[k] = grant{amount: amount, gen: l.grants[k].gen + 1}
	return nil
}

// Consume decrements the allowance by amount. The allowance is a
// consumable budget rather than a per-transaction ceiling, which is what
// prevents a retried pull from spending the same grant twice. The returned
// generation identifies the approval the consumption was charged against;
// Refund requires it.
func (l *Ledger) Consume(owner, spender common.Address, amount units.USD18) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{owner, spender}
	g := l.grants[k]
	if g.amount.Cmp(amount) < 0 {
		return 0, &types.Error{
			Code:    types.ErrInsufficientDelegatedAllowance,
			Message: fmt.Sprintf("allowance: need %s, have %s", amount, g.amount),
		}
	}
	l.grants[k] = grant{amount: g.amount.Sub(amount), gen: g.gen}
	return g.gen, nil
}

// Refund returns a previously consumed amount to the grant it was charged
// against. Used when a pull consumed its budget but aborted before
// settling. If the owner approved again in the meantime, that approval is
// the full statement of intent and the refund is dropped.
func (l *Ledger) Refund(owner, spender common.Address, amount units.USD18, gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{owner, spender}
	g := l.grants[k]
	if g.gen != gen {
		return
	}
	l.grants[k] = grant{amount: g.amount.Add(amount), gen: g.gen}
}

// Peek returns the current allowance without mutating it.
func (l *Ledger) Peek(owner, spender common.Address) units.USD18 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.grants[key{owner, spender}].amount
}
