// Package registry provides the two owner-gated registries the settlement
// engine consults: valid merchants and authorized pull delegates. Both are
// injected services so tests can substitute populated instances.
package registry

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crynk/paysplit/types"
)

// Merchants tracks merchant validity and payout addresses. Only the owner
// may mutate entries; flipping an entry invalid retains its history.
type Merchants struct {
	mu      sync.RWMutex
	owner   common.Address
	entries map[uint64]merchant
}

type merchant struct {
	payout common.Address
	valid  bool
}

func NewMerchants(owner common.Address) *Merchants {
	return &Merchants{
		owner:   owner,
		entries: make(map[uint64]merchant),
	}
}

// SetStatus marks a merchant id valid or invalid.
func (m *Merchants) SetStatus(caller common.Address, id uint64, valid bool) error {
	if caller != m.owner {
		return &types.Error{Code: types.ErrUnauthorized, Message: "merchant registry: caller is not the owner"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	e.valid = valid
	m.entries[id] = e
	return nil
}

// SetPayout records the address settlement transfers merchant funds to.
func (m *Merchants) SetPayout(caller common.Address, id uint64, payout common.Address) error {
	if caller != m.owner {
		return &types.Error{Code: types.ErrUnauthorized, Message: "merchant registry: caller is not the owner"}
	}
	if payout == (common.Address{}) {
		return &types.Error{Code: types.ErrMalformedInput, Message: "merchant registry: zero payout address"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[id]
	e.payout = payout
	m.entries[id] = e
	return nil
}

// IsValid reports whether the merchant id is registered and marked valid.
func (m *Merchants) IsValid(id uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[id].valid
}

// Payout resolves the payout address for a merchant id.
func (m *Merchants) Payout(id uint64) (common.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok || e.payout == (common.Address{}) {
		return common.Address{}, &types.Error{
			Code:    types.ErrUnknownMerchant,
			Message: fmt.Sprintf("merchant registry: no payout address for merchant %d", id),
		}
	}
	return e.payout, nil
}

// Delegates tracks the addresses authorized to execute fund pulls on
// behalf of users (the backend role).
type Delegates struct {
	mu         sync.RWMutex
	owner      common.Address
	authorized map[common.Address]bool
}

func NewDelegates(owner common.Address) *Delegates {
	return &Delegates{
		owner:      owner,
		authorized: make(map[common.Address]bool),
	}
}

// Set grants or revokes delegate authorization for an address.
func (d *Delegates) Set(caller, addr common.Address, authorized bool) error {
	if caller != d.owner {
		return &types.Error{Code: types.ErrUnauthorized, Message: "delegate registry: caller is not the owner"}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.authorized[addr] = authorized
	return nil
}

// IsAuthorized reports whether addr may execute fund pulls.
func (d *Delegates) IsAuthorized(addr common.Address) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.authorized[addr]
}
