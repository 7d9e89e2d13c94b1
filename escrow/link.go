// Package escrow models the mutual link between the payment ledger and its
// companion escrow contract. Both sides hold a plain address pointer to the
// other; settlement is refused until the pointers agree.
package escrow

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crynk/paysplit/types"
)

// Link holds the two deployed identities and the pointer each side stores
// about the other. Pointers are values, not owning references, which keeps
// the payment/escrow cycle explicit and checkable.
type Link struct {
	mu    sync.RWMutex
	owner common.Address

	paymentAddr common.Address // deployed payment ledger identity
	escrowAddr  common.Address // deployed escrow identity

	escrowSidePtr  common.Address // payment address recorded on the escrow side
	paymentSidePtr common.Address // escrow address recorded on the payment side
}

func NewLink(owner, paymentAddr, escrowAddr common.Address) *Link {
	return &Link{
		owner:       owner,
		paymentAddr: paymentAddr,
		escrowAddr:  escrowAddr,
	}
}

// SetPaymentContract records, on the escrow side, which payment ledger it
// settles for.
func (l *Link) SetPaymentContract(caller, addr common.Address) error {
	if caller != l.owner {
		return &types.Error{Code: types.ErrUnauthorized, Message: "escrow link: caller is not the owner"}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.escrowSidePtr = addr
	return nil
}

// SetEscrowContract records, on the payment side, which escrow contract it
// trusts.
func (l *Link) SetEscrowContract(caller, addr common.Address) error {
	if caller != l.owner {
		return &types.Error{Code: types.ErrUnauthorized, Message: "escrow link: caller is not the owner"}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paymentSidePtr = addr
	return nil
}

// PaymentContract returns the pointer stored on the escrow side.
func (l *Link) PaymentContract() common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.escrowSidePtr
}

// EscrowContract returns the pointer stored on the payment side.
func (l *Link) EscrowContract() common.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.paymentSidePtr
}

// Verify reports whether both sides resolve to each other. This is
// checked, never assumed: cross-contract settlement stays disabled while
// it returns false.
func (l *Link) Verify() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.paymentAddr == (common.Address{}) || l.escrowAddr == (common.Address{}) {
		return false
	}
	return l.escrowSidePtr == l.paymentAddr && l.paymentSidePtr == l.escrowAddr
}
