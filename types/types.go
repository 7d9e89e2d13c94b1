// Package types holds the shared data model of the payment engine: payment
// records, lifecycle states, configuration, requests and events.
package types

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crynk/paysplit/units"
)

// PaymentStatus is the lifecycle state of a payment record. Transitions
// are monotonic: Pending may move to exactly one terminal state.
type PaymentStatus uint8

const (
	StatusPending PaymentStatus = iota
	StatusSettled
	StatusFailed
	StatusCancelled
)

func (s PaymentStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSettled:
		return "settled"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is allowed.
func (s PaymentStatus) Terminal() bool {
	return s == StatusSettled || s == StatusFailed || s == StatusCancelled
}

// PaymentID is the 256-bit identifier of a payment record, derived from
// payer, merchant, nonce and timestamp.
type PaymentID [32]byte

func (id PaymentID) Hex() string {
	return common.Hash(id).Hex()
}

func (id PaymentID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.Hex() + `"`), nil
}

func (id PaymentID) IsZero() bool {
	return id == PaymentID{}
}

// TokenLeg is one funding leg of a payment: a token and the merchant-bound
// amount in that token's native unit. Decimals are resolved from the token
// itself when the leg is normalized, never assumed.
type TokenLeg struct {
	Token  common.Address
	Amount units.Native
}

// Payment is an append-only record of a user-initiated purchase. Records
// are created Pending and mutated only by settlement; they are never
// deleted.
type Payment struct {
	ID          PaymentID
	User        common.Address
	MerchantID  uint64
	TotalAmount units.USD18
	PlatformFee units.USD18
	Legs        []TokenLeg
	Status      PaymentStatus
	CreatedAt   time.Time
}

// SettledLeg reports the native amounts actually transferred for one leg.
type SettledLeg struct {
	Token          common.Address
	Decimals       uint8
	MerchantAmount units.Native
	FeeAmount      units.Native
}

// PullResult is the outcome of a successful fund pull.
type PullResult struct {
	PaymentID PaymentID
	Legs      []SettledLeg
}

// InitiateRequest is the wire form of a payment initiation, as submitted
// by a front-end. Amounts are decimal integer strings: TotalAmount in the
// USD ledger unit, TokenAmounts in each token's native unit.
type InitiateRequest struct {
	MerchantID     uint64   `json:"merchantId" validate:"required"`
	TotalAmount    string   `json:"totalAmount" validate:"required"`
	TokenAddresses []string `json:"tokenAddresses" validate:"required,min=1,dive,eth_addr"`
	TokenAmounts   []string `json:"tokenAmounts" validate:"required,min=1"`
}

// Config contains the static configuration of the payment engine.
type Config struct {
	// Owner is the administrative identity gating registry and fee
	// mutations.
	Owner common.Address `json:"owner"`

	// FeeWallet receives the platform fee share of every settlement.
	FeeWallet common.Address `json:"feeWallet"`

	// FeeRateBps is the platform fee in basis points (100 = 1%).
	FeeRateBps uint32 `json:"feeRateBps"`

	// LedgerAddress is the on-chain identity of the payment ledger; it is
	// the spender recorded in delegated allowances and the token spender
	// for transfer-from calls.
	LedgerAddress common.Address `json:"ledgerAddress"`

	// EscrowAddress is the companion settlement contract this ledger links
	// against.
	EscrowAddress common.Address `json:"escrowAddress"`

	DefaultTimeout time.Duration `json:"defaultTimeout,omitempty"`
	LogLevel       string        `json:"logLevel,omitempty"`
	EnableMetrics  bool          `json:"enableMetrics,omitempty"`
}

// Validate checks the configuration for values that would make settlement
// unsafe.
func (c *Config) Validate() error {
	if c.Owner == (common.Address{}) {
		return &Error{Code: ErrMalformedInput, Message: "config: owner is required"}
	}
	if c.FeeWallet == (common.Address{}) {
		return &Error{Code: ErrMalformedInput, Message: "config: fee wallet is required"}
	}
	if c.LedgerAddress == (common.Address{}) {
		return &Error{Code: ErrMalformedInput, Message: "config: ledger address is required"}
	}
	if c.FeeRateBps > 10000 {
		return &Error{Code: ErrMalformedInput, Message: fmt.Sprintf("config: fee rate %d bps exceeds 10000", c.FeeRateBps)}
	}
	return nil
}
