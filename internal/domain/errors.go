package domain

import "errors"

var (
	ErrInvalidScope              = errors.New("invalid scope")
	ErrInvalidWindow             = errors.New("invalid validity window")
	ErrMandateExpired            = errors.New("mandate expired")
	ErrMandateInactive           = errors.New("mandate inactive")
	ErrMandateInvalidAtExecution = errors.New("mandate invalid at execution")
	ErrCapExceeded               = errors.New("cap exceeded")
	ErrDispatchError             = errors.New("dispatch error")
	ErrProviderLoginFailed       = errors.New("provider login failed")
	ErrProviderSubmitFailed      = errors.New("provider submit failed")
	ErrBillingFailed             = errors.New("billing failed")
	ErrRefundFailed              = errors.New("refund failed")
	ErrCancellationRejected      = errors.New("cancellation rejected")

	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflicting update")
	ErrInvalidState    = errors.New("invalid state")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrBeyondHorizon   = errors.New("beyond scheduling horizon")
	ErrChainBroken     = errors.New("audit chain broken")
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInvalidScope, "InvalidScope"},
	{ErrInvalidWindow, "InvalidWindow"},
	{ErrMandateExpired, "MandateExpired"},
	{ErrMandateInactive, "MandateInactive"},
	{ErrMandateInvalidAtExecution, "MandateInvalidAtExecution"},
	{ErrCapExceeded, "CapExceeded"},
	{ErrDispatchError, "DispatchError"},
	{ErrProviderLoginFailed, "ProviderLoginFailed"},
	{ErrProviderSubmitFailed, "ProviderSubmitFailed"},
	{ErrBillingFailed, "BillingFailed"},
	{ErrRefundFailed, "RefundFailed"},
	{ErrCancellationRejected, "CancellationRejected"},
	{ErrNotFound, "NotFound"},
	{ErrConflict, "Conflict"},
	{ErrInvalidState, "InvalidState"},
	{ErrInvalidArgument, "InvalidArgument"},
	{ErrBeyondHorizon, "BeyondHorizon"},
	{ErrChainBroken, "ChainBroken"},
}

// Code returns the taxonomy name of the first sentinel wrapped by err,
// or "Internal" when none matches. Code(nil) is "".
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}
