package core

import "fmt"

// ErrorClass groups error codes by handling policy.
type ErrorClass int8

const (
	// ClassValidation rejects synchronously with no state change.
	ClassValidation ErrorClass = iota
	// ClassCapacity rejects synchronously (funds / limits).
	ClassCapacity
	// ClassNotFound rejects lookups of unknown entities.
	ClassNotFound
	// ClassTransient retries internally with backoff before surfacing.
	ClassTransient
	// ClassInvariant is fatal for the affected token: the owning actor
	// quarantines, resting orders cancel, funds stay locked.
	ClassInvariant
)

// Error is a coded error. The Code is the stable string surfaced on the
// wire; Message carries human detail. errors.Is matches on Code so derived
// instances (built with Errf) compare equal to their sentinel.
type Error struct {
	Code    string
	Class   ErrorClass
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Errf derives an instance of a sentinel with a formatted message.
func Errf(sentinel *Error, format string, args ...any) error {
	return &Error{Code: sentinel.Code, Class: sentinel.Class, Message: fmt.Sprintf(format, args...)}
}

// Validation errors.
var (
	ErrBadSignature           = &Error{Code: "BadSignature", Class: ClassValidation}
	ErrBadNonce               = &Error{Code: "BadNonce", Class: ClassValidation}
	ErrExpired                = &Error{Code: "Expired", Class: ClassValidation}
	ErrUnknownToken           = &Error{Code: "UnknownToken", Class: ClassValidation}
	ErrTokenNotTrading        = &Error{Code: "TokenNotTrading", Class: ClassValidation}
	ErrInvalidOrderParameters = &Error{Code: "InvalidOrderParameters", Class: ClassValidation}
	ErrPriceDeviationExceeded = &Error{Code: "PriceDeviationExceeded", Class: ClassValidation}
	ErrPriceNotOnTick         = &Error{Code: "PriceNotOnTick", Class: ClassValidation}
	ErrSizeBelowMinimum       = &Error{Code: "SizeBelowMinimum", Class: ClassValidation}
	ErrLeverageOutOfRange     = &Error{Code: "LeverageOutOfRange", Class: ClassValidation}
	ErrNoLiquidity            = &Error{Code: "NoLiquidity", Class: ClassValidation}
	ErrTokenQuarantined       = &Error{Code: "TokenQuarantined", Class: ClassValidation}
)

// Capacity errors.
var (
	ErrInsufficientBalance   = &Error{Code: "InsufficientBalance", Class: ClassCapacity}
	ErrPositionLimitExceeded = &Error{Code: "PositionLimitExceeded", Class: ClassCapacity}
)

// Not-found errors.
var (
	ErrOrderNotFound = &Error{Code: "OrderNotFound", Class: ClassNotFound}
	ErrPairNotFound  = &Error{Code: "PairNotFound", Class: ClassNotFound}
)

// Transient errors.
var (
	ErrRepositoryUnavailable   = &Error{Code: "RepositoryUnavailable", Class: ClassTransient}
	ErrChainGatewayUnavailable = &Error{Code: "ChainGatewayUnavailable", Class: ClassTransient}
)

// Invariant violations.
var (
	ErrZeroSumBroken      = &Error{Code: "ZeroSumBroken", Class: ClassInvariant}
	ErrNonceGap           = &Error{Code: "NonceGap", Class: ClassInvariant}
	ErrPairMismatched     = &Error{Code: "PairMismatched", Class: ClassInvariant}
	ErrArithmeticOverflow = &Error{Code: "ArithmeticOverflow", Class: ClassInvariant}
)

// CodeOf extracts the stable code from any error, or "Internal" when the
// error is not coded.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	if coded, ok := err.(*Error); ok {
		return coded.Code
	}
	// Walk wrapped chains.
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		if code := CodeOf(u.Unwrap()); code != "" && code != "Internal" {
			return code
		}
	}
	return "Internal"
}

// ClassOf extracts the handling class; uncoded errors are treated as
// transient so they retry rather than reject.
func ClassOf(err error) ErrorClass {
	if coded, ok := err.(*Error); ok {
		return coded.Class
	}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok && u.Unwrap() != nil {
		return ClassOf(u.Unwrap())
	}
	return ClassTransient
}

// IsInvariant reports whether err must quarantine the token.
func IsInvariant(err error) bool {
	return err != nil && ClassOf(err) == ClassInvariant
}
