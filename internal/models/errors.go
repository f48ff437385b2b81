package models

import "errors"

var (
	ErrInvalidAmount         = errors.New("amount must be a positive integer")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrSameAccount           = errors.New("source and destination accounts are the same")
	ErrConflict              = errors.New("concurrent modification")
	ErrTimeout               = errors.New("timed out waiting for account lock")
	ErrInvalidTransition     = errors.New("invalid session state transition")
	ErrAccountNotFound       = errors.New("account not found")
	ErrRefundExceedsOriginal = errors.New("refund exceeds original amount")
	ErrReferenceNotFound     = errors.New("reference not found")
	ErrInvalidRate           = errors.New("rate per minute must be positive")
	ErrSessionNotFound       = errors.New("session not found")
	ErrSessionExpired        = errors.New("session request expired")
	ErrInvalidAccount        = errors.New("account id is required")
	ErrNotRefundable         = errors.New("operation cannot be refunded")
	ErrDuplicateReference    = errors.New("reference id already used by a different operation")
	ErrInvalidKind           = errors.New("unknown entry kind")
	ErrInvalidState          = errors.New("unknown session state")
	ErrInvalidReference      = errors.New("reference id is reserved")
)

// IsRetryable reports whether err may be retried with the same reference id.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTimeout)
}
