// Package paysplit implements a two-contract settlement protocol: a
// payment ledger that records user-initiated purchases and a linked escrow
// role that later pulls funds on the user's behalf, splitting each pull
// between the merchant and a platform fee wallet.
package paysplit

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/crynk/paysplit/allowance"
	"github.com/crynk/paysplit/clients"
	"github.com/crynk/paysplit/escrow"
	"github.com/crynk/paysplit/ledger"
	"github.com/crynk/paysplit/logger"
	"github.com/crynk/paysplit/metrics"
	"github.com/crynk/paysplit/registry"
	"github.com/crynk/paysplit/types"
	"github.com/crynk/paysplit/units"
)

// Engine is the main entry point wiring the registries, the delegated
// allowance ledger, the escrow link and the payment ledger together.
type Engine struct {
	cfg *types.Config

	merchants  *registry.Merchants
	delegates  *registry.Delegates
	allowances *allowance.Ledger
	link       *escrow.Link
	ledger     *ledger.Ledger
	tokens     clients.TokenSource

	log     logger.Logger
	metrics metrics.Recorder
	sink    types.EventSink
	timeout time.Duration
	now     func() time.Time
}

// New creates an Engine from configuration and a token source.
func New(cfg *types.Config, tokens clients.TokenSource, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		merchants:  registry.NewMerchants(cfg.Owner),
		delegates:  registry.NewDelegates(cfg.Owner),
		allowances: allowance.NewLedger(),
		link:       escrow.NewLink(cfg.Owner, cfg.LedgerAddress, cfg.EscrowAddress),
		tokens:     tokens,
		log:        logger.NoopLogger{},
		metrics:    metrics.NoopRecorder{},
		timeout:    30 * time.Second,
		now:        time.Now,
	}
	if cfg.DefaultTimeout > 0 {
		e.timeout = cfg.DefaultTimeout
	}
	if cfg.LogLevel != "" {
		e.log = logger.NewZapLogger(cfg.LogLevel)
	}
	if cfg.EnableMetrics {
		e.metrics = metrics.NewPrometheusRecorder()
	}

	for _, opt := range opts {
		opt(e)
	}

	e.ledger = ledger.New(ledger.Params{
		Owner:      cfg.Owner,
		Self:       cfg.LedgerAddress,
		FeeWallet:  cfg.FeeWallet,
		FeeRateBps: cfg.FeeRateBps,
		Merchants:  e.merchants,
		Delegates:  e.delegates,
		Allowances: e.allowances,
		Link:       e.link,
		Tokens:     tokens,
		Logger:     e.log,
		Metrics:    e.metrics,
		Sink:       e.sink,
		Now:        e.now,
	})

	return e, nil
}

// InitiatePayment records a pending purchase for user. Amount strings in
// the wire form are decoded by utils.DecodeInitiateRequest; this method
// takes the typed arguments.
func (e *Engine) InitiatePayment(
	ctx context.Context,
	user common.Address,
	merchantID uint64,
	total units.USD18,
	tokens []common.Address,
	amounts []*big.Int,
) (types.PaymentID, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.ledger.InitiatePayment(ctx, user, merchantID, total, tokens, amounts)
}

// PullFunds settles a pending payment on behalf of its payer. caller must
// be an authorized delegate and the escrow link must verify.
func (e *Engine) PullFunds(ctx context.Context, caller common.Address, id types.PaymentID) (*types.PullResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	return e.ledger.PullFunds(ctx, caller, id)
}

// BatchPullResult pairs a pull outcome with its input position.
type BatchPullResult struct {
	Result *types.PullResult
	Err    error
}

// BatchPullFunds settles multiple payments concurrently. Individual
// failures are recorded per result; the batch itself only fails when the
// context does.
func (e *Engine) BatchPullFunds(ctx context.Context, caller common.Address, ids []types.PaymentID) ([]BatchPullResult, error) {
	results := make([]BatchPullResult, len(ids))

	type indexed struct {
		index  int
		result *types.PullResult
		err    error
	}
	resultChan := make(chan indexed, len(ids))

	for i, id := range ids {
		go func(index int, id types.PaymentID) {
			result, err := e.PullFunds(ctx, caller, id)
			resultChan <- indexed{index: index, result: result, err: err}
		}(i, id)
	}

	for range ids {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-resultChan:
			results[res.index] = BatchPullResult{Result: res.result, Err: res.err}
		}
	}

	return results, nil
}

// Cancel moves a pending payment to Cancelled. Payer or owner only.
func (e *Engine) Cancel(caller common.Address, id types.PaymentID) error {
	return e.ledger.Cancel(caller, id)
}

// ApproveDelegated sets (replaces) the delegated allowance owner grants
// the payment ledger, in the USD ledger unit.
func (e *Engine) ApproveDelegated(owner common.Address, amount units.USD18) error {
	return e.allowances.Approve(owner, e.cfg.LedgerAddress, amount)
}

// Administrative surface. All owner-gated; every successful mutation
// emits an AdminChanged event. The fee setters emit from the ledger.

func (e *Engine) emitAdmin(field, value string) {
	if e.sink == nil {
		return
	}
	e.sink.Emit(types.AdminChanged{
		Meta:  types.Meta{ID: uuid.NewString(), Time: e.now()},
		Field: field,
		Value: value,
	})
}

func (e *Engine) SetMerchantStatus(caller common.Address, id uint64, valid bool) error {
	if err := e.merchants.SetStatus(caller, id, valid); err != nil {
		return err
	}
	e.emitAdmin("merchant_status", fmt.Sprintf("%d=%t", id, valid))
	return nil
}

func (e *Engine) SetMerchantPayout(caller common.Address, id uint64, payout common.Address) error {
	if err := e.merchants.SetPayout(caller, id, payout); err != nil {
		return err
	}
	e.emitAdmin("merchant_payout", fmt.Sprintf("%d=%s", id, payout.Hex()))
	return nil
}

func (e *Engine) SetAuthorizedDelegate(caller, addr common.Address, authorized bool) error {
	if err := e.delegates.Set(caller, addr, authorized); err != nil {
		return err
	}
	e.emitAdmin("delegate", fmt.Sprintf("%s=%t", addr.Hex(), authorized))
	return nil
}

func (e *Engine) SetPaymentContract(caller, addr common.Address) error {
	if err := e.link.SetPaymentContract(caller, addr); err != nil {
		return err
	}
	e.emitAdmin("payment_contract", addr.Hex())
	return nil
}

func (e *Engine) SetEscrowContract(caller, addr common.Address) error {
	if err := e.link.SetEscrowContract(caller, addr); err != nil {
		return err
	}
	e.emitAdmin("escrow_contract", addr.Hex())
	return nil
}

func (e *Engine) SetFeeWallet(caller, wallet common.Address) error {
	return e.ledger.SetFeeWallet(caller, wallet)
}

func (e *Engine) SetFeeRateBps(caller common.Address, bps uint32) error {
	return e.ledger.SetFeeRateBps(caller, bps)
}

// Read surface.

func (e *Engine) GetPayment(id types.PaymentID) (types.Payment, error) {
	return e.ledger.GetPayment(id)
}

func (e *Engine) IsValidMerchant(id uint64) bool {
	return e.merchants.IsValid(id)
}

func (e *Engine) IsAuthorizedDelegate(addr common.Address) bool {
	return e.delegates.IsAuthorized(addr)
}

func (e *Engine) PeekDelegatedAllowance(owner common.Address) units.USD18 {
	return e.allowances.Peek(owner, e.cfg.LedgerAddress)
}

func (e *Engine) VerifyLink() bool {
	return e.link.Verify()
}

func (e *Engine) PaymentCount() uint64 {
	return e.ledger.PaymentCount()
}

func (e *Engine) FeeWallet() common.Address {
	return e.ledger.FeeWallet()
}

func (e *Engine) FeeRateBps() uint32 {
	return e.ledger.FeeRateBps()
}

// Version information.
const (
	Version         = "1.0.0"
	ProtocolVersion = 1
)
