package paysplit

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crynk/paysplit/clients"
	"github.com/crynk/paysplit/types"
	"github.com/crynk/paysplit/units"
)

var (
	owner      = common.HexToAddress("0x1000000000000000000000000000000000000001")
	ledgerAddr = common.HexToAddress("0x2000000000000000000000000000000000000002")
	escrowAddr = common.HexToAddress("0x3000000000000000000000000000000000000003")
	feeWallet  = common.HexToAddress("0x4000000000000000000000000000000000000004")
	payout     = common.HexToAddress("0x5000000000000000000000000000000000000005")
	backend    = common.HexToAddress("0x6000000000000000000000000000000000000006")
	alice      = common.HexToAddress("0xa00000000000000000000000000000000000000a")

	usdcAddr = common.HexToAddress("0xc000000000000000000000000000000000000001")
)

type memorySink struct {
	mu     sync.Mutex
	events []types.Event
}

func (s *memorySink) Emit(e types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// paymentEvents returns the lifecycle events, skipping admin changes.
func (s *memorySink) paymentEvents() []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Event
	for _, e := range s.events {
		if strings.HasPrefix(e.Kind(), "payment_") {
			out = append(out, e)
		}
	}
	return out
}

// adminFields returns the Field of every AdminChanged event in order.
func (s *memorySink) adminFields() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		if a, ok := e.(types.AdminChanged); ok {
			out = append(out, a.Field)
		}
	}
	return out
}

func testConfig() *types.Config {
	return &types.Config{
		Owner:         owner,
		FeeWallet:     feeWallet,
		FeeRateBps:    100,
		LedgerAddress: ledgerAddr,
		EscrowAddress: escrowAddr,
	}
}

// newEngine builds a fully linked engine with merchant 123 and one
// authorized backend delegate, plus a funded 6-decimal memory token.
func newEngine(t *testing.T) (*Engine, *clients.MemoryToken, *memorySink) {
	t.Helper()

	usdc := clients.NewMemoryToken(6, ledgerAddr)
	source := clients.NewMemoryTokenSource()
	source.Register(usdcAddr, usdc)

	sink := &memorySink{}
	e, err := New(testConfig(), source, WithEventSink(sink))
	require.NoError(t, err)

	require.NoError(t, e.SetMerchantStatus(owner, 123, true))
	require.NoError(t, e.SetMerchantPayout(owner, 123, payout))
	require.NoError(t, e.SetAuthorizedDelegate(owner, backend, true))
	require.NoError(t, e.SetPaymentContract(owner, ledgerAddr))
	require.NoError(t, e.SetEscrowContract(owner, escrowAddr))
	require.True(t, e.VerifyLink())

	return e, usdc, sink
}

func usd(t *testing.T, s string) units.USD18 {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok)
	return units.USD18FromBig(v)
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Owner = common.Address{}
	_, err := New(cfg, clients.NewMemoryTokenSource())
	assert.True(t, types.IsCode(err, types.ErrMalformedInput))

	cfg = testConfig()
	cfg.FeeRateBps = 10001
	_, err = New(cfg, clients.NewMemoryTokenSource())
	assert.True(t, types.IsCode(err, types.ErrMalformedInput))
}

func TestEndToEndSettlement(t *testing.T) {
	e, usdc, sink := newEngine(t)
	ctx := context.Background()

	id, err := e.InitiatePayment(ctx, alice, 123,
		usd(t, "10000000000000000000"),
		[]common.Address{usdcAddr}, []*big.Int{big.NewInt(10_000_000)})
	require.NoError(t, err)

	// Fund the payer and grant both allowance layers.
	usdc.Mint(alice, big.NewInt(20_000_000))
	usdc.Approve(alice, ledgerAddr, big.NewInt(10_100_000))
	require.NoError(t, e.ApproveDelegated(alice, usd(t, "10100000000000000000")))
	assert.Equal(t, "10100000000000000000", e.PeekDelegatedAllowance(alice).String())

	res, err := e.PullFunds(ctx, backend, id)
	require.NoError(t, err)
	require.Len(t, res.Legs, 1)
	assert.Equal(t, big.NewInt(10_000_000), res.Legs[0].MerchantAmount.BigInt())
	assert.Equal(t, big.NewInt(100_000), res.Legs[0].FeeAmount.BigInt())

	p, err := e.GetPayment(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSettled, p.Status)
	assert.Equal(t, 0, e.PeekDelegatedAllowance(alice).Sign())
	assert.Equal(t, uint64(1), e.PaymentCount())

	bal, _ := usdc.BalanceOf(ctx, payout)
	assert.Equal(t, big.NewInt(10_000_000), bal)
	bal, _ = usdc.BalanceOf(ctx, feeWallet)
	assert.Equal(t, big.NewInt(100_000), bal)

	events := sink.paymentEvents()
	require.Len(t, events, 2)
	assert.Equal(t, "payment_created", events[0].Kind())
	assert.Equal(t, "payment_settled", events[1].Kind())
	assert.NotEmpty(t, events[0].EventID())
}

func TestPullBlockedUntilLinked(t *testing.T) {
	usdc := clients.NewMemoryToken(6, ledgerAddr)
	source := clients.NewMemoryTokenSource()
	source.Register(usdcAddr, usdc)

	e, err := New(testConfig(), source)
	require.NoError(t, err)
	require.NoError(t, e.SetMerchantStatus(owner, 123, true))
	require.NoError(t, e.SetMerchantPayout(owner, 123, payout))
	require.NoError(t, e.SetAuthorizedDelegate(owner, backend, true))

	// Initiation works before linking; pulling does not.
	id, err := e.InitiatePayment(context.Background(), alice, 123,
		usd(t, "10000000000000000000"),
		[]common.Address{usdcAddr}, []*big.Int{big.NewInt(10_000_000)})
	require.NoError(t, err)
	assert.False(t, e.VerifyLink())

	_, err = e.PullFunds(context.Background(), backend, id)
	assert.True(t, types.IsCode(err, types.ErrLinkNotEstablished))
}

func TestBatchPullFunds(t *testing.T) {
	e, usdc, _ := newEngine(t)
	ctx := context.Background()

	ids := make([]types.PaymentID, 3)
	for i := range ids {
		id, err := e.InitiatePayment(ctx, alice, 123,
			usd(t, "10000000000000000000"),
			[]common.Address{usdcAddr}, []*big.Int{big.NewInt(10_000_000)})
		require.NoError(t, err)
		ids[i] = id
	}

	// Fund two settlements' worth; the third pull must fail on the
	// delegated allowance and stay Pending.
	usdc.Mint(alice, big.NewInt(100_000_000))
	usdc.Approve(alice, ledgerAddr, big.NewInt(100_000_000))
	require.NoError(t, e.ApproveDelegated(alice, usd(t, "20200000000000000000")))

	results, err := e.BatchPullFunds(ctx, backend, ids)
	require.NoError(t, err)
	require.Len(t, results, 3)

	settled, failed := 0, 0
	for i, r := range results {
		if r.Err == nil {
			settled++
			assert.Equal(t, ids[i], r.Result.PaymentID)
		} else {
			failed++
			assert.True(t, types.IsCode(r.Err, types.ErrInsufficientDelegatedAllowance))
		}
	}
	assert.Equal(t, 2, settled)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 0, e.PeekDelegatedAllowance(alice).Sign())
}

func TestCancelThroughEngine(t *testing.T) {
	e, _, sink := newEngine(t)

	id, err := e.InitiatePayment(context.Background(), alice, 123,
		usd(t, "10000000000000000000"),
		[]common.Address{usdcAddr}, []*big.Int{big.NewInt(10_000_000)})
	require.NoError(t, err)

	require.NoError(t, e.Cancel(alice, id))

	p, err := e.GetPayment(id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, p.Status)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "payment_cancelled", sink.events[len(sink.events)-1].Kind())
}

func TestAdminSurfaceOwnerGated(t *testing.T) {
	e, _, sink := newEngine(t)
	adminEventsBefore := len(sink.adminFields())

	assert.True(t, types.IsCode(e.SetMerchantStatus(alice, 7, true), types.ErrUnauthorized))
	assert.True(t, types.IsCode(e.SetAuthorizedDelegate(alice, backend, false), types.ErrUnauthorized))
	assert.True(t, types.IsCode(e.SetFeeWallet(alice, feeWallet), types.ErrUnauthorized))
	assert.True(t, types.IsCode(e.SetFeeRateBps(alice, 50), types.ErrUnauthorized))
	assert.True(t, types.IsCode(e.SetPaymentContract(alice, ledgerAddr), types.ErrUnauthorized))
	assert.True(t, types.IsCode(e.SetEscrowContract(alice, escrowAddr), types.ErrUnauthorized))

	// Nothing changed and nothing was announced.
	assert.False(t, e.IsValidMerchant(7))
	assert.True(t, e.IsAuthorizedDelegate(backend))
	assert.Equal(t, feeWallet, e.FeeWallet())
	assert.Equal(t, uint32(100), e.FeeRateBps())
	assert.Len(t, sink.adminFields(), adminEventsBefore)
}

func TestAdminMutationsEmitChangeEvents(t *testing.T) {
	e, _, sink := newEngine(t)

	// The five owner mutations in setup each announced themselves.
	assert.Equal(t, []string{
		"merchant_status",
		"merchant_payout",
		"delegate",
		"payment_contract",
		"escrow_contract",
	}, sink.adminFields())

	require.NoError(t, e.SetFeeRateBps(owner, 50))
	require.NoError(t, e.SetFeeWallet(owner, common.HexToAddress("0x7000000000000000000000000000000000000007")))

	fields := sink.adminFields()
	require.Len(t, fields, 7)
	assert.Equal(t, "fee_rate_bps", fields[5])
	assert.Equal(t, "fee_wallet", fields[6])
}

func TestRevokedDelegateCannotPull(t *testing.T) {
	e, usdc, _ := newEngine(t)
	ctx := context.Background()

	id, err := e.InitiatePayment(ctx, alice, 123,
		usd(t, "10000000000000000000"),
		[]common.Address{usdcAddr}, []*big.Int{big.NewInt(10_000_000)})
	require.NoError(t, err)

	usdc.Mint(alice, big.NewInt(20_000_000))
	usdc.Approve(alice, ledgerAddr, big.NewInt(10_100_000))
	require.NoError(t, e.ApproveDelegated(alice, usd(t, "10100000000000000000")))

	require.NoError(t, e.SetAuthorizedDelegate(owner, backend, false))

	_, err = e.PullFunds(ctx, backend, id)
	assert.True(t, types.IsCode(err, types.ErrUnauthorized))
	assert.Equal(t, 0, usdc.TransferCount())
}
