package allowance

import (
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crynk/paysplit/types"
	"github.com/crynk/paysplit/units"
)

var (
	alice   = common.HexToAddress("0xa000000000000000000000000000000000000001")
	spender = common.HexToAddress("0xb000000000000000000000000000000000000002")
)

func TestApproveReplacesPriorValue(t *testing.T) {
	l := NewLedger()

	require.NoError(t, l.Approve(alice, spender, units.USD18FromInt64(100)))
	require.NoError(t, l.Approve(alice, spender, units.USD18FromInt64(40)))

	// A fresh approval replaces, it does not top up.
	assert.Equal(t, "40", l.Peek(alice, spender).String())
}

func TestApproveRejectsNegative(t *testing.T) {
	l := NewLedger()
	err := l.Approve(alice, spender, units.USD18FromInt64(-1))
	assert.True(t, types.IsCode(err, types.ErrMalformedInput))
}

func TestConsumeDecrements(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Approve(alice, spender, units.USD18FromInt64(100)))

	_, err := l.Consume(alice, spender, units.USD18FromInt64(60))
	require.NoError(t, err)
	assert.Equal(t, "40", l.Peek(alice, spender).String())

	_, err = l.Consume(alice, spender, units.USD18FromInt64(40))
	require.NoError(t, err)
	assert.Equal(t, 0, l.Peek(alice, spender).Sign())
}

func TestConsumeInsufficient(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Approve(alice, spender, units.USD18FromInt64(50)))

	_, err := l.Consume(alice, spender, units.USD18FromInt64(51))
	assert.True(t, types.IsCode(err, types.ErrInsufficientDelegatedAllowance))
	// A failed consume leaves the grant untouched.
	assert.Equal(t, "50", l.Peek(alice, spender).String())
}

func TestConsumeUnknownPair(t *testing.T) {
	l := NewLedger()
	_, err := l.Consume(alice, spender, units.USD18FromInt64(1))
	assert.True(t, types.IsCode(err, types.ErrInsufficientDelegatedAllowance))
}

func TestRefundRestoresBudget(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Approve(alice, spender, units.USD18FromInt64(100)))
	gen, err := l.Consume(alice, spender, units.USD18FromInt64(100))
	require.NoError(t, err)

	l.Refund(alice, spender, units.USD18FromInt64(100), gen)
	assert.Equal(t, "100", l.Peek(alice, spender).String())
}

func TestRefundDroppedAfterInterveningApprove(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Approve(alice, spender, units.USD18FromInt64(101)))
	gen, err := l.Consume(alice, spender, units.USD18FromInt64(101))
	require.NoError(t, err)

	// The owner re-approves while the consumed amount is in flight. The
	// later refund must not stack on top of the fresh grant.
	require.NoError(t, l.Approve(alice, spender, units.USD18FromInt64(50)))

	l.Refund(alice, spender, units.USD18FromInt64(101), gen)
	assert.Equal(t, "50", l.Peek(alice, spender).String())
}

func TestRefundAppliesWithCurrentGeneration(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Approve(alice, spender, units.USD18FromInt64(100)))
	gen, err := l.Consume(alice, spender, units.USD18FromInt64(30))
	require.NoError(t, err)
	_, err = l.Consume(alice, spender, units.USD18FromInt64(20))
	require.NoError(t, err)

	// Consumes do not bump the generation, so a refund of the first one
	// still lands.
	l.Refund(alice, spender, units.USD18FromInt64(30), gen)
	assert.Equal(t, "80", l.Peek(alice, spender).String())
}

func TestConcurrentConsumeNeverOverspends(t *testing.T) {
	l := NewLedger()
	require.NoError(t, l.Approve(alice, spender, units.USD18FromInt64(10)))

	var wg sync.WaitGroup
	succeeded := make(chan struct{}, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Consume(alice, spender, units.USD18FromInt64(1)); err == nil {
				succeeded <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(succeeded)

	assert.Len(t, succeeded, 10)
	assert.Equal(t, 0, l.Peek(alice, spender).Sign())
}
