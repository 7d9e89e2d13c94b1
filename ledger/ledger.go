// Package ledger implements the payment lifecycle state machine: record
// creation, the delegated fund pull, and the terminal transitions. It owns
// all payment records; everything else is consulted.
package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/crynk/paysplit/allowance"
	"github.com/crynk/paysplit/clients"
	"github.com/crynk/paysplit/escrow"
	"github.com/crynk/paysplit/logger"
	"github.com/crynk/paysplit/metrics"
	"github.com/crynk/paysplit/registry"
	"github.com/crynk/paysplit/types"
	"github.com/crynk/paysplit/units"
)

// Params carries the collaborators a Ledger needs. Registries, allowances
// and the link are injected so tests can substitute populated instances.
type Params struct {
	Owner      common.Address
	Self       common.Address // on-chain identity of the ledger; token spender
	FeeWallet  common.Address
	FeeRateBps uint32

	Merchants  *registry.Merchants
	Delegates  *registry.Delegates
	Allowances *allowance.Ledger
	Link       *escrow.Link
	Tokens     clients.TokenSource

	Logger  logger.Logger
	Metrics metrics.Recorder
	Sink    types.EventSink
	Now     func() time.Time
}

// Ledger is the payment state machine. Records are append-only: created
// Pending, moved to exactly one terminal state, never deleted.
type Ledger struct {
	owner common.Address
	self  common.Address

	mu       sync.Mutex
	payments map[types.PaymentID]*types.Payment
	inflight map[types.PaymentID]bool
	nonces   map[common.Address]uint64
	count    uint64

	feeMu      sync.RWMutex
	feeWallet  common.Address
	feeRateBps uint32

	merchants  *registry.Merchants
	delegates  *registry.Delegates
	allowances *allowance.Ledger
	link       *escrow.Link
	tokens     clients.TokenSource

	decMu    sync.Mutex
	decimals map[common.Address]uint8

	log     logger.Logger
	metrics metrics.Recorder
	sink    types.EventSink
	now     func() time.Time
}

func New(p Params) *Ledger {
	if p.Logger == nil {
		p.Logger = logger.NoopLogger{}
	}
	if p.Metrics == nil {
		p.Metrics = metrics.NoopRecorder{}
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Ledger{
		owner:      p.Owner,
		self:       p.Self,
		feeWallet:  p.FeeWallet,
		feeRateBps: p.FeeRateBps,
		payments:   make(map[types.PaymentID]*types.Payment),
		inflight:   make(map[types.PaymentID]bool),
		nonces:     make(map[common.Address]uint64),
		merchants:  p.Merchants,
		delegates:  p.Delegates,
		allowances: p.Allowances,
		link:       p.Link,
		tokens:     p.Tokens,
		decimals:   make(map[common.Address]uint8),
		log:        p.Logger,
		metrics:    p.Metrics,
		sink:       p.Sink,
		now:        p.Now,
	}
}

func (l *Ledger) emit(e types.Event) {
	if l.sink != nil {
		l.sink.Emit(e)
	}
}

func (l *Ledger) meta() types.Meta {
	return types.Meta{ID: uuid.NewString(), Time: l.now()}
}

// tokenDecimals reads a token's decimals() once and caches it; the scale
// is re-derived from the same cache at every later call site.
func (l *Ledger) tokenDecimals(ctx context.Context, token clients.Token, addr common.Address) (uint8, error) {
	l.decMu.Lock()
	if d, ok := l.decimals[addr]; ok {
		l.decMu.Unlock()
		return d, nil
	}
	l.decMu.Unlock()

	d, err := token.Decimals(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read decimals for %s: %w", addr.Hex(), err)
	}

	l.decMu.Lock()
	l.decimals[addr] = d
	l.decMu.Unlock()
	return d, nil
}

// deriveID produces the unique 256-bit payment identifier from payer,
// merchant, per-payer nonce and creation time.
func deriveID(user common.Address, merchantID, nonce uint64, ts time.Time) types.PaymentID {
	buf := make([]byte, 0, 20+8+8+8)
	buf = append(buf, user.Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, merchantID)
	buf = binary.BigEndian.AppendUint64(buf, nonce)
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts.UnixNano()))

	var id types.PaymentID
	copy(id[:], crypto.Keccak256(buf))
	return id
}

// InitiatePayment validates the request, computes the platform fee and
// records a Pending payment. No funds move here; the creation event is
// the only observable artifact besides the record.
func (l *Ledger) InitiatePayment(
	ctx context.Context,
	user common.Address,
	merchantID uint64,
	total units.USD18,
	tokenAddrs []common.Address,
	amounts []*big.Int,
) (types.PaymentID, error) {
	start := l.now()

	if !l.merchants.IsValid(merchantID) {
		return types.PaymentID{}, &types.Error{
			Code:    types.ErrUnknownMerchant,
			Message: fmt.Sprintf("merchant %d is not a valid merchant", merchantID),
		}
	}
	if len(tokenAddrs) == 0 || len(tokenAddrs) != len(amounts) {
		return types.PaymentID{}, &types.Error{
			Code:    types.ErrMalformedTokenList,
			Message: fmt.Sprintf("token list malformed: %d addresses, %d amounts", len(tokenAddrs), len(amounts)),
		}
	}
	if total.Sign() <= 0 {
		return types.PaymentID{}, &types.Error{
			Code:    types.ErrZeroAmount,
			Message: "total amount must be positive",
		}
	}

	// Normalize every leg into the ledger unit and require the legs to
	// fund the total exactly. Decimals come from the tokens themselves.
	legs := make([]types.TokenLeg, len(tokenAddrs))
	sum := units.USD18{}
	for i, addr := range tokenAddrs {
		token, err := l.tokens.Token(addr)
		if err != nil {
			return types.PaymentID{}, &types.Error{
				Code:    types.ErrMalformedTokenList,
				Message: fmt.Sprintf("unknown token %s: %v", addr.Hex(), err),
			}
		}
		dec, err := l.tokenDecimals(ctx, token, addr)
		if err != nil {
			// No transfer is in play at initiation; an unreadable token is
			// a problem with the submitted token list.
			return types.PaymentID{}, &types.Error{Code: types.ErrMalformedTokenList, Message: err.Error()}
		}
		native := units.NativeFromBig(amounts[i], dec)
		legUSD, err := units.ToUSD(native)
		if err != nil {
			return types.PaymentID{}, &types.Error{
				Code:    types.ErrUnsupportedScale,
				Message: fmt.Sprintf("token %s: %v", addr.Hex(), err),
			}
		}
		legs[i] = types.TokenLeg{Token: addr, Amount: native}
		sum = sum.Add(legUSD)
	}
	if !sum.Equal(total) {
		return types.PaymentID{}, &types.Error{
			Code:    types.ErrMalformedTokenList,
			Message: fmt.Sprintf("token legs sum to %s, total is %s", sum, total),
		}
	}

	l.feeMu.RLock()
	rate := l.feeRateBps
	l.feeMu.RUnlock()
	fee := units.PlatformFee(total, rate)

	l.mu.Lock()
	nonce := l.nonces[user]
	l.nonces[user] = nonce + 1
	ts := l.now()
	id := deriveID(user, merchantID, nonce, ts)
	if _, exists := l.payments[id]; exists {
		l.mu.Unlock()
		// A collision means the nonce/clock configuration is broken;
		// callers must treat this as fatal, not retry.
		l.log.Error("payment id collision", map[string]any{"paymentId": id.Hex(), "user": user.Hex()})
		return types.PaymentID{}, &types.Error{
			Code:    types.ErrIDCollision,
			Message: fmt.Sprintf("payment id %s already exists", id.Hex()),
		}
	}
	l.payments[id] = &types.Payment{
		ID:          id,
		User:        user,
		MerchantID:  merchantID,
		TotalAmount: total,
		PlatformFee: fee,
		Legs:        legs,
		Status:      types.StatusPending,
		CreatedAt:   ts,
	}
	l.count++
	l.mu.Unlock()

	l.emit(types.PaymentCreated{
		Meta:        l.meta(),
		PaymentID:   id,
		User:        user,
		MerchantID:  merchantID,
		TotalAmount: total,
		PlatformFee: fee,
	})
	l.log.Info("payment initiated", map[string]any{
		"paymentId":   id.Hex(),
		"user":        user.Hex(),
		"merchantId":  merchantID,
		"totalAmount": total.String(),
		"platformFee": fee.String(),
	})
	l.metrics.IncCounter("payment_initiated", map[string]string{"token": ""})
	l.metrics.ObserveLatency("initiate_payment", l.now().Sub(start), map[string]string{"token": ""})

	return id, nil
}

// pullLeg is one leg resolved for settlement: merchant-bound native amount
// plus the fee share converted to the leg's native unit at pull time.
type pullLeg struct {
	token     clients.Token
	addr      common.Address
	decimals  uint8
	amount    units.Native // merchant-bound portion
	feeNative units.Native // fee share in this token's unit
}

// PullFunds executes settlement for a pending payment on behalf of its
// payer. Every leg is validated before any transfer is committed, because
// external transfers cannot be rolled back once sent.
func (l *Ledger) PullFunds(ctx context.Context, caller common.Address, id types.PaymentID) (*types.PullResult, error) {
	start := l.now()

	if !l.delegates.IsAuthorized(caller) {
		return nil, &types.Error{
			Code:    types.ErrUnauthorized,
			Message: fmt.Sprintf("caller %s is not an authorized delegate", caller.Hex()),
		}
	}
	if !l.link.Verify() {
		return nil, &types.Error{
			Code:    types.ErrLinkNotEstablished,
			Message: "payment and escrow contracts are not mutually linked",
		}
	}

	// Claim the payment. The status check plus the in-flight marker
	// serializes racing pulls: exactly one proceeds, the rest observe
	// InvalidState.
	l.mu.Lock()
	p, ok := l.payments[id]
	if !ok || p.Status != types.StatusPending || l.inflight[id] {
		status := "missing"
		if ok {
			status = p.Status.String()
		}
		l.mu.Unlock()
		return nil, &types.Error{
			Code:    types.ErrInvalidState,
			Message: fmt.Sprintf("payment %s is not pullable (status %s)", id.Hex(), status),
		}
	}
	l.inflight[id] = true
	user := p.User
	merchantID := p.MerchantID
	total := p.TotalAmount
	fee := p.PlatformFee
	recordLegs := make([]types.TokenLeg, len(p.Legs))
	copy(recordLegs, p.Legs)
	l.mu.Unlock()

	release := func() {
		l.mu.Lock()
		delete(l.inflight, id)
		l.mu.Unlock()
	}

	payout, err := l.merchants.Payout(merchantID)
	if err != nil {
		release()
		return nil, err
	}

	l.feeMu.RLock()
	feeWallet := l.feeWallet
	l.feeMu.RUnlock()

	legs, err := l.resolveLegs(ctx, recordLegs, total, fee)
	if err != nil {
		release()
		return nil, err
	}

	// The delegated allowance covers the gross pull: merchant total plus
	// platform fee, all in the ledger unit.
	gross := total.Add(fee)
	gen, err := l.allowances.Consume(user, l.self, gross)
	if err != nil {
		release()
		l.log.Warn("delegated allowance insufficient", map[string]any{
			"paymentId": id.Hex(),
			"user":      user.Hex(),
			"required":  gross.String(),
		})
		return nil, err
	}

	// Pre-flight every leg before committing anything: a known-to-fail
	// transfer must not leave earlier legs already executed.
	if err := l.preflight(ctx, user, legs); err != nil {
		l.allowances.Refund(user, l.self, gross, gen)
		l.fail(id, err.Error())
		l.metrics.IncCounter("pull_failed", map[string]string{"token": ""})
		return nil, err
	}

	// Commit transfers, fee leg first. Zero amounts are skipped.
	settled := make([]types.SettledLeg, 0, len(legs))
	for _, leg := range legs {
		if leg.feeNative.Sign() > 0 {
			if err := leg.token.TransferFrom(ctx, user, feeWallet, leg.feeNative.BigInt()); err != nil {
				l.allowances.Refund(user, l.self, gross, gen)
				l.fail(id, err.Error())
				l.metrics.IncCounter("pull_failed", map[string]string{"token": leg.addr.Hex()})
				return nil, &types.Error{
					Code:    types.ErrTransferFailed,
					Message: fmt.Sprintf("fee transfer failed for %s: %v", leg.addr.Hex(), err),
				}
			}
		}
		if leg.amount.Sign() > 0 {
			if err := leg.token.TransferFrom(ctx, user, payout, leg.amount.BigInt()); err != nil {
				l.allowances.Refund(user, l.self, gross, gen)
				l.fail(id, err.Error())
				l.metrics.IncCounter("pull_failed", map[string]string{"token": leg.addr.Hex()})
				return nil, &types.Error{
					Code:    types.ErrTransferFailed,
					Message: fmt.Sprintf("merchant transfer failed for %s: %v", leg.addr.Hex(), err),
				}
			}
		}
		settled = append(settled, types.SettledLeg{
			Token:          leg.addr,
			Decimals:       leg.decimals,
			MerchantAmount: leg.amount,
			FeeAmount:      leg.feeNative,
		})
	}

	l.mu.Lock()
	l.payments[id].Status = types.StatusSettled
	delete(l.inflight, id)
	l.mu.Unlock()

	l.emit(types.PaymentSettled{Meta: l.meta(), PaymentID: id, Legs: settled})
	l.log.Info("payment settled", map[string]any{
		"paymentId": id.Hex(),
		"user":      user.Hex(),
		"legs":      len(settled),
	})
	l.metrics.IncCounter("payment_settled", map[string]string{"token": ""})
	l.metrics.ObserveLatency("pull_funds", l.now().Sub(start), map[string]string{"token": ""})

	return &types.PullResult{PaymentID: id, Legs: settled}, nil
}

// resolveLegs converts the stored record into executable legs. The fee is
// apportioned across legs pro rata in the ledger unit and converted into
// each token's native unit here, at transfer time; fee amounts are never
// stored in native units.
func (l *Ledger) resolveLegs(ctx context.Context, recordLegs []types.TokenLeg, total, fee units.USD18) ([]pullLeg, error) {
	legs := make([]pullLeg, len(recordLegs))
	assigned := units.USD18{}
	for i, rl := range recordLegs {
		token, err := l.tokens.Token(rl.Token)
		if err != nil {
			return nil, &types.Error{
				Code:    types.ErrTransferFailed,
				Message: fmt.Sprintf("unknown token %s: %v", rl.Token.Hex(), err),
			}
		}
		dec, err := l.tokenDecimals(ctx, token, rl.Token)
		if err != nil {
			return nil, &types.Error{Code: types.ErrTransferFailed, Message: err.Error()}
		}

		legUSD, err := units.ToUSD(rl.Amount)
		if err != nil {
			return nil, &types.Error{Code: types.ErrUnsupportedScale, Message: err.Error()}
		}

		// Last leg takes the remainder so the fee shares sum exactly.
		var feeShare units.USD18
		if i == len(recordLegs)-1 {
			feeShare = fee.Sub(assigned)
		} else {
			feeShare = units.Split(fee, legUSD, total)
			assigned = assigned.Add(feeShare)
		}
		feeNative, err := units.ToNative(feeShare, dec)
		if err != nil {
			return nil, &types.Error{Code: types.ErrUnsupportedScale, Message: err.Error()}
		}

		legs[i] = pullLeg{
			token:     token,
			addr:      rl.Token,
			decimals:  dec,
			amount:    rl.Amount,
			feeNative: feeNative,
		}
	}
	return legs, nil
}

// preflight verifies balance and token allowance for every leg before the
// first transfer is sent.
func (l *Ledger) preflight(ctx context.Context, user common.Address, legs []pullLeg) error {
	// Sum the required native amount per token first; one token may fund
	// several legs.
	required := make(map[common.Address]*big.Int)
	for _, leg := range legs {
		need := new(big.Int).Add(leg.amount.BigInt(), leg.feeNative.BigInt())
		if prev, ok := required[leg.addr]; ok {
			need.Add(need, prev)
		}
		required[leg.addr] = need
	}

	for _, leg := range legs {
		need, ok := required[leg.addr]
		if !ok {
			continue
		}
		delete(required, leg.addr)

		bal, err := leg.token.BalanceOf(ctx, user)
		if err != nil {
			return &types.Error{Code: types.ErrTransferFailed, Message: fmt.Sprintf("balance read failed for %s: %v", leg.addr.Hex(), err)}
		}
		if bal.Cmp(need) < 0 {
			return &types.Error{
				Code:    types.ErrTransferFailed,
				Message: fmt.Sprintf("insufficient balance for %s: need %s, have %s", leg.addr.Hex(), need, bal),
			}
		}

		allowed, err := leg.token.Allowance(ctx, user, l.self)
		if err != nil {
			return &types.Error{Code: types.ErrTransferFailed, Message: fmt.Sprintf("allowance read failed for %s: %v", leg.addr.Hex(), err)}
		}
		if allowed.Cmp(need) < 0 {
			return &types.Error{
				Code:    types.ErrInsufficientTokenAllowance,
				Message: fmt.Sprintf("insufficient token allowance for %s: need %s, have %s", leg.addr.Hex(), need, allowed),
			}
		}
	}
	return nil
}

// fail moves a claimed payment to Failed and emits the failure event.
func (l *Ledger) fail(id types.PaymentID, reason string) {
	l.mu.Lock()
	if p, ok := l.payments[id]; ok && p.Status == types.StatusPending {
		p.Status = types.StatusFailed
	}
	delete(l.inflight, id)
	l.mu.Unlock()

	l.emit(types.PaymentFailed{Meta: l.meta(), PaymentID: id, Reason: reason})
	l.log.Warn("payment failed", map[string]any{"paymentId": id.Hex(), "reason": reason})
}

// Cancel moves a pending payment to Cancelled. Only the payer or the
// owner may cancel; settled and failed records are immutable.
func (l *Ledger) Cancel(caller common.Address, id types.PaymentID) error {
	l.mu.Lock()
	p, ok := l.payments[id]
	if !ok {
		l.mu.Unlock()
		return &types.Error{Code: types.ErrInvalidState, Message: fmt.Sprintf("payment %s not found", id.Hex())}
	}
	if caller != p.User && caller != l.owner {
		l.mu.Unlock()
		return &types.Error{Code: types.ErrUnauthorized, Message: "only the payer or the owner may cancel"}
	}
	if p.Status != types.StatusPending || l.inflight[id] {
		l.mu.Unlock()
		return &types.Error{
			Code:    types.ErrInvalidState,
			Message: fmt.Sprintf("payment %s is not cancellable (status %s)", id.Hex(), p.Status),
		}
	}
	p.Status = types.StatusCancelled
	l.mu.Unlock()

	l.emit(types.PaymentCancelled{Meta: l.meta(), PaymentID: id, By: caller})
	l.log.Info("payment cancelled", map[string]any{"paymentId": id.Hex(), "by": caller.Hex()})
	return nil
}

// GetPayment returns a copy of the record.
func (l *Ledger) GetPayment(id types.PaymentID) (types.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[id]
	if !ok {
		return types.Payment{}, &types.Error{
			Code:    types.ErrInvalidState,
			Message: fmt.Sprintf("payment %s not found", id.Hex()),
		}
	}
	out := *p
	out.Legs = make([]types.TokenLeg, len(p.Legs))
	copy(out.Legs, p.Legs)
	return out, nil
}

// PaymentCount returns the total number of payments ever initiated.
func (l *Ledger) PaymentCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// SetFeeWallet updates the fee recipient. Owner only.
func (l *Ledger) SetFeeWallet(caller, wallet common.Address) error {
	if caller != l.owner {
		return &types.Error{Code: types.ErrUnauthorized, Message: "fee wallet: caller is not the owner"}
	}
	if wallet == (common.Address{}) {
		return &types.Error{Code: types.ErrMalformedInput, Message: "fee wallet: zero address"}
	}
	l.feeMu.Lock()
	l.feeWallet = wallet
	l.feeMu.Unlock()

	l.emit(types.AdminChanged{Meta: l.meta(), Field: "fee_wallet", Value: wallet.Hex()})
	return nil
}

// SetFeeRateBps updates the platform fee rate. Owner only; capped at
// 10000 bps. Applies to payments initiated afterwards; existing records
// keep the fee computed at initiation.
func (l *Ledger) SetFeeRateBps(caller common.Address, bps uint32) error {
	if caller != l.owner {
		return &types.Error{Code: types.ErrUnauthorized, Message: "fee rate: caller is not the owner"}
	}
	if bps > 10000 {
		return &types.Error{Code: types.ErrMalformedInput, Message: fmt.Sprintf("fee rate %d bps exceeds 10000", bps)}
	}
	l.feeMu.Lock()
	l.feeRateBps = bps
	l.feeMu.Unlock()

	l.emit(types.AdminChanged{Meta: l.meta(), Field: "fee_rate_bps", Value: fmt.Sprintf("%d", bps)})
	return nil
}

// FeeWallet returns the current fee recipient.
func (l *Ledger) FeeWallet() common.Address {
	l.feeMu.RLock()
	defer l.feeMu.RUnlock()
	return l.feeWallet
}

// FeeRateBps returns the current fee rate.
func (l *Ledger) FeeRateBps() uint32 {
	l.feeMu.RLock()
	defer l.feeMu.RUnlock()
	return l.feeRateBps
}
