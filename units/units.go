// Package units defines the two units of account the protocol moves money
// in: the internal USD ledger unit (18-decimal fixed point) and a token's
// own native unit. The wrapper types exist so an amount can never cross
// from one unit to the other without a named conversion.
package units

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// LedgerDecimals is the fixed scale of the internal USD ledger unit.
const LedgerDecimals uint8 = 18

// ErrUnsupportedScale is returned when a token reports more decimals than
// the ledger unit carries.
var ErrUnsupportedScale = errors.New("unsupported token scale: decimals exceed ledger precision")

// USD18 is an amount in the internal USD ledger unit, scaled by 10^18.
// The zero value is zero USD.
type USD18 struct {
	v *big.Int
}

// USD18FromBig wraps a raw 18-decimal integer amount. The value is copied.
func USD18FromBig(v *big.Int) USD18 {
	if v == nil {
		return USD18{}
	}
	return USD18{v: new(big.Int).Set(v)}
}

// USD18FromInt64 wraps a raw 18-decimal integer amount.
func USD18FromInt64(v int64) USD18 {
	return USD18{v: big.NewInt(v)}
}

func (u USD18) big() *big.Int {
	if u.v == nil {
		return new(big.Int)
	}
	return u.v
}

// BigInt returns a copy of the raw 18-decimal integer.
func (u USD18) BigInt() *big.Int { return new(big.Int).Set(u.big()) }

func (u USD18) Sign() int          { return u.big().Sign() }
func (u USD18) Cmp(o USD18) int    { return u.big().Cmp(o.big()) }
func (u USD18) Add(o USD18) USD18  { return USD18{v: new(big.Int).Add(u.big(), o.big())} }
func (u USD18) Sub(o USD18) USD18  { return USD18{v: new(big.Int).Sub(u.big(), o.big())} }
func (u USD18) Equal(o USD18) bool { return u.Cmp(o) == 0 }
func (u USD18) String() string     { return u.big().String() }

// MarshalJSON renders the raw 18-decimal integer as a string, the same
// convention chain tooling uses for uint256 values.
func (u USD18) MarshalJSON() ([]byte, error) {
	return []byte(`"` + u.big().String() + `"`), nil
}

func (u *USD18) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return fmt.Errorf("invalid USD18 amount %q", s)
	}
	u.v = v
	return nil
}

// Native is an amount in a token's own smallest denomination, scaled by
// 10^decimals as reported by the token itself.
type Native struct {
	v        *big.Int
	decimals uint8
}

// NativeFromBig wraps a raw native-unit amount. The value is copied.
func NativeFromBig(v *big.Int, decimals uint8) Native {
	if v == nil {
		return Native{decimals: decimals}
	}
	return Native{v: new(big.Int).Set(v), decimals: decimals}
}

func (n Native) big() *big.Int {
	if n.v == nil {
		return new(big.Int)
	}
	return n.v
}

// BigInt returns a copy of the raw native-unit integer.
func (n Native) BigInt() *big.Int { return new(big.Int).Set(n.big()) }

func (n Native) Decimals() uint8 { return n.decimals }
func (n Native) Sign() int       { return n.big().Sign() }
func (n Native) String() string  { return n.big().String() }

func (n Native) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`{"amount":%q,"decimals":%d}`, n.big().String(), n.decimals)), nil
}

func (n *Native) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount   string `json:"amount"`
		Decimals uint8  `json:"decimals"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v, ok := new(big.Int).SetString(raw.Amount, 10)
	if !ok {
		return fmt.Errorf("invalid native amount %q", raw.Amount)
	}
	n.v = v
	n.decimals = raw.Decimals
	return nil
}

func pow10(exp uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}

// ToNative converts a USD ledger amount into a token's native unit by
// dividing by 10^(18-decimals). The division truncates: any remainder
// below the token's smallest denomination is lost, and callers that need
// the round trip to be exact must start from a multiple of the scale
// factor. Fails with ErrUnsupportedScale when the token is finer-grained
// than the ledger unit.
func ToNative(u USD18, decimals uint8) (Native, error) {
	if decimals > LedgerDecimals {
		return Native{}, ErrUnsupportedScale
	}
	if decimals == LedgerDecimals {
		return Native{v: u.BigInt(), decimals: decimals}, nil
	}
	q := new(big.Int).Quo(u.big(), pow10(LedgerDecimals-decimals))
	return Native{v: q, decimals: decimals}, nil
}

// ToUSD converts a native token amount into the USD ledger unit by
// multiplying by 10^(18-decimals). This direction is exact.
func ToUSD(n Native) (USD18, error) {
	if n.decimals > LedgerDecimals {
		return USD18{}, ErrUnsupportedScale
	}
	if n.decimals == LedgerDecimals {
		return USD18{v: n.BigInt()}, nil
	}
	m := new(big.Int).Mul(n.big(), pow10(LedgerDecimals-n.decimals))
	return USD18{v: m}, nil
}

// PlatformFee computes floor(total * bps / 10000) in the ledger unit.
// Flooring means the charged fee never exceeds the configured rate.
func PlatformFee(total USD18, bps uint32) USD18 {
	f := new(big.Int).Mul(total.big(), big.NewInt(int64(bps)))
	f.Quo(f, big.NewInt(10000))
	return USD18{v: f}
}

// Split apportions fee across a leg worth legUSD out of totalUSD, flooring.
// The caller assigns any rounding remainder to the final leg so the leg
// fees always sum back to the full fee.
func Split(fee, legUSD, totalUSD USD18) USD18 {
	if totalUSD.Sign() == 0 {
		return USD18{}
	}
	s := new(big.Int).Mul(fee.big(), legUSD.big())
	s.Quo(s, totalUSD.big())
	return USD18{v: s}
}
