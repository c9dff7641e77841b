package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
	ErrUnauthorized = errors.New("unauthorized")
	ErrLockHeld     = errors.New("lock already held")

	// Pricing.
	ErrInvalidArgument = errors.New("invalid argument")

	// Session transport and authentication.
	ErrTransport        = errors.New("transport error")
	ErrNotConnected     = errors.New("not connected")
	ErrNotAuthenticated = errors.New("session not authenticated")
	ErrAuthentication   = errors.New("authentication failed")
	ErrTimeout          = errors.New("timed out")

	// Channel lifecycle.
	ErrOperationInProgress = errors.New("operation in progress")
	ErrChannelCreation     = errors.New("channel creation failed")
	ErrFundingTimeout      = errors.New("funding timed out")
	ErrResize              = errors.New("channel resize failed")
	ErrChannelClose        = errors.New("channel close failed")
	ErrTxReverted          = errors.New("transaction reverted")
	ErrInvalidProposal     = errors.New("invalid counterparty proposal")
)

// RemoteError carries the counterparty's raw reason string alongside one of
// the sentinel kinds above. errors.Is matches on the kind.
type RemoteError struct {
	Kind   error
	Reason string
}

func (e *RemoteError) Error() string {
	if e.Reason == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Reason
}

func (e *RemoteError) Unwrap() error { return e.Kind }

// Remote wraps kind with the counterparty's reason.
func Remote(kind error, reason string) error {
	return &RemoteError{Kind: kind, Reason: reason}
}

// ReasonOf returns the counterparty reason attached to err, if any.
func ReasonOf(err error) string {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ""
}
