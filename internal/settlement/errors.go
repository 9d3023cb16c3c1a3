package settlement

import "fmt"

// Code classifies terminal workflow failures. The presentation layer derives
// its status text from the code; the code is the contract.
type Code string

const (
	CodeAmountTooLow          Code = "amount_too_low"
	CodeAmountTooHigh         Code = "amount_too_high"
	CodeInsufficientLiquidity Code = "insufficient_liquidity"
	CodeInsufficientFunds     Code = "insufficient_funds"
	CodeInvalidAmount         Code = "invalid_amount"
	CodeUserRejected          Code = "user_rejected"
	CodeNetworkMismatch       Code = "network_mismatch"
	CodeTransaction           Code = "transaction_error"
	CodeRegistration          Code = "registration_error"
	CodeEntropy               Code = "entropy_unavailable"
)

// Error is a terminal workflow failure with a stable code.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func wrapError(code Code, err error, msg string) *Error {
	return &Error{Code: code, Msg: msg, Err: err}
}

// CodeOf extracts the classification from an error, if it carries one.
func CodeOf(err error) (Code, bool) {
	var e *Error
	for ; err != nil; err = unwrap(err) {
		if se, ok := err.(*Error); ok {
			e = se
			break
		}
	}
	if e == nil {
		return "", false
	}
	return e.Code, true
}

func unwrap(err error) error {
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return nil
	}
	return u.Unwrap()
}

// IsValidation reports whether the error blocked the workflow before any
// on-chain call was made.
func IsValidation(err error) bool {
	code, ok := CodeOf(err)
	if !ok {
		return false
	}
	switch code {
	case CodeAmountTooLow, CodeAmountTooHigh, CodeInsufficientLiquidity,
		CodeInsufficientFunds, CodeInvalidAmount:
		return true
	}
	return false
}
