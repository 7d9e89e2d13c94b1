package utils

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"

	"github.com/crynk/paysplit/types"
	"github.com/crynk/paysplit/units"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ParseInitiateRequest parses and validates an initiation request from
// JSON. Amount strings are not decoded here; DecodeInitiateRequest does
// that after structural validation passes.
func ParseInitiateRequest(data []byte) (*types.InitiateRequest, error) {
	var req types.InitiateRequest

	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &types.Error{
			Code:    types.ErrMalformedInput,
			Message: fmt.Sprintf("failed to parse initiate request: %v", err),
		}
	}

	if err := validate.Struct(&req); err != nil {
		return nil, &types.Error{
			Code:    types.ErrMalformedInput,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}

	return &req, nil
}

// DecodeInitiateRequest converts the wire form into typed arguments:
// addresses, a ledger-unit total and raw native leg amounts.
func DecodeInitiateRequest(req *types.InitiateRequest) (total units.USD18, tokens []common.Address, amounts []*big.Int, err error) {
	rawTotal, ok := new(big.Int).SetString(req.TotalAmount, 10)
	if !ok || rawTotal.Sign() < 0 {
		return units.USD18{}, nil, nil, &types.Error{
			Code:    types.ErrMalformedInput,
			Message: fmt.Sprintf("bad totalAmount %q", req.TotalAmount),
		}
	}

	tokens = make([]common.Address, len(req.TokenAddresses))
	for i, a := range req.TokenAddresses {
		if !common.IsHexAddress(a) {
			return units.USD18{}, nil, nil, &types.Error{
				Code:    types.ErrMalformedInput,
				Message: fmt.Sprintf("bad token address %q", a),
			}
		}
		tokens[i] = common.HexToAddress(a)
	}

	amounts = make([]*big.Int, len(req.TokenAmounts))
	for i, s := range req.TokenAmounts {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok || v.Sign() < 0 {
			return units.USD18{}, nil, nil, &types.Error{
				Code:    types.ErrMalformedInput,
				Message: fmt.Sprintf("bad token amount %q", s),
			}
		}
		amounts[i] = v
	}

	return units.USD18FromBig(rawTotal), tokens, amounts, nil
}

// SerializePayment converts a payment record to JSON for the read surface.
func SerializePayment(p *types.Payment) ([]byte, error) {
	return json.Marshal(p)
}
