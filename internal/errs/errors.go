// Package errs defines the caller-facing error taxonomy shared by the execution core.
package errs

import (
	"context"
	"errors"
	"fmt"

	bncommon "github.com/adshao/go-binance/v2/common"
)

// Kind is a stable, caller-facing error classification.
type Kind string

const (
	KindWeakPassphrase      Kind = "WeakPassphrase"
	KindInvalidPassphrase   Kind = "InvalidPassphrase"
	KindProfileNotFound     Kind = "ProfileNotFound"
	KindSymbolNotFound      Kind = "SymbolNotFound"
	KindSymbolNotTrading    Kind = "SymbolNotTrading"
	KindPriceOutOfRange     Kind = "PriceOutOfRange"
	KindQuantityOutOfRange  Kind = "QuantityOutOfRange"
	KindNotionalTooSmall    Kind = "NotionalTooSmall"
	KindLeverageTooHigh     Kind = "LeverageTooHigh"
	KindInvalidCallbackRate Kind = "InvalidCallbackRate"
	KindNoActiveProfile     Kind = "NoActiveProfile"
	KindLicenseRequired     Kind = "LicenseRequired"
	KindRequestTimeout      Kind = "RequestTimeout"
	KindConnectionFailed    Kind = "ConnectionFailed"
	KindVenueRejected       Kind = "VenueRejected"
	KindUnknown             Kind = "Unknown"
)

var (
	ErrWeakPassphrase      = errors.New("passphrase does not meet strength policy")
	ErrInvalidPassphrase   = errors.New("invalid passphrase")
	ErrProfileNotFound     = errors.New("profile not found")
	ErrSymbolNotFound      = errors.New("symbol not found")
	ErrSymbolNotTrading    = errors.New("symbol not trading")
	ErrPriceOutOfRange     = errors.New("price out of range")
	ErrQuantityOutOfRange  = errors.New("quantity out of range")
	ErrNotionalTooSmall    = errors.New("notional too small")
	ErrLeverageTooHigh     = errors.New("leverage too high")
	ErrInvalidCallbackRate = errors.New("invalid callback rate")
	ErrNoActiveProfile     = errors.New("no active profile")
	ErrLicenseRequired     = errors.New("license required")
	ErrRequestTimeout      = errors.New("request timeout")
	ErrConnectionFailed    = errors.New("connection failed")
)

var sentinelKinds = []struct {
	err  error
	kind Kind
}{
	{ErrWeakPassphrase, KindWeakPassphrase},
	{ErrInvalidPassphrase, KindInvalidPassphrase},
	{ErrProfileNotFound, KindProfileNotFound},
	{ErrSymbolNotFound, KindSymbolNotFound},
	{ErrSymbolNotTrading, KindSymbolNotTrading},
	{ErrPriceOutOfRange, KindPriceOutOfRange},
	{ErrQuantityOutOfRange, KindQuantityOutOfRange},
	{ErrNotionalTooSmall, KindNotionalTooSmall},
	{ErrLeverageTooHigh, KindLeverageTooHigh},
	{ErrInvalidCallbackRate, KindInvalidCallbackRate},
	{ErrNoActiveProfile, KindNoActiveProfile},
	{ErrLicenseRequired, KindLicenseRequired},
	{ErrRequestTimeout, KindRequestTimeout},
	{ErrConnectionFailed, KindConnectionFailed},
}

// KindOf classifies err. Venue rejections are recognised through *common.APIError.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, sk := range sentinelKinds {
		if errors.Is(err, sk.err) {
			return sk.kind
		}
	}
	if _, ok := AsVenueError(err); ok {
		return KindVenueRejected
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindRequestTimeout
	}
	return KindUnknown
}

// AsVenueError extracts the venue's {code,msg} rejection from err.
func AsVenueError(err error) (*bncommon.APIError, bool) {
	var apiErr *bncommon.APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// NewVenueError builds a venue rejection value.
func NewVenueError(code int64, msg string) *bncommon.APIError {
	return &bncommon.APIError{Code: code, Message: msg}
}

// IsValidation reports whether err is a local validation failure that never reaches the venue.
func IsValidation(err error) bool {
	return IsValidationKind(KindOf(err))
}

// IsValidationKind reports whether k is a local validation kind.
func IsValidationKind(k Kind) bool {
	switch k {
	case KindSymbolNotFound, KindSymbolNotTrading, KindPriceOutOfRange, KindQuantityOutOfRange,
		KindNotionalTooSmall, KindLeverageTooHigh, KindInvalidCallbackRate:
		return true
	}
	return false
}

// Result is the caller-facing outcome shape shared by the UI boundary and the proxy client.
type Result struct {
	Success         bool   `json:"success"`
	Data            any    `json:"data,omitempty"`
	Error           Kind   `json:"error,omitempty"`
	Message         string `json:"message,omitempty"`
	NeedsUserAction bool   `json:"needsUserAction,omitempty"`
	VenueCode       int64  `json:"venueCode,omitempty"`
}

// OK wraps data in a successful Result.
func OK(data any) Result {
	return Result{Success: true, Data: data}
}

// Fail converts err into a failed Result.
func Fail(err error) Result {
	r := Result{Success: false, Error: KindOf(err), Message: err.Error()}
	if apiErr, ok := AsVenueError(err); ok {
		r.VenueCode = apiErr.Code
		r.Message = fmt.Sprintf("venue rejected (%d): %s", apiErr.Code, apiErr.Message)
	}
	if IsValidation(err) {
		r.NeedsUserAction = true
	}
	return r
}
