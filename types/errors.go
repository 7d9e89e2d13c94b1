package types

import "errors"

// Error is the protocol error type. Code carries a stable machine-readable
// identifier; Message is human-readable context.
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Error codes.
const (
	ErrUnauthorized                   = "unauthorized"
	ErrInvalidState                   = "invalid_state"
	ErrMalformedInput                 = "malformed_input"
	ErrUnknownMerchant                = "unknown_merchant"
	ErrZeroAmount                     = "zero_amount"
	ErrMalformedTokenList             = "malformed_token_list"
	ErrInsufficientDelegatedAllowance = "insufficient_delegated_allowance"
	ErrInsufficientTokenAllowance     = "insufficient_token_allowance"
	ErrTransferFailed                 = "transfer_failed"
	ErrUnsupportedScale               = "unsupported_scale"
	ErrLinkNotEstablished             = "link_not_established"
	ErrIDCollision                    = "id_collision"
)

// CodeOf extracts the protocol error code from err, or "" when err is not
// a protocol error.
func CodeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsCode reports whether err is a protocol error carrying the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}
