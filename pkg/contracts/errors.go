package contracts

import "errors"

var (
	ErrValidation            = errors.New("validation failed")
	ErrAmbiguity             = errors.New("ambiguous reference")
	ErrLowConfidence         = errors.New("confidence below threshold")
	ErrStaleVersion          = errors.New("stale resource version")
	ErrAlreadyUndone         = errors.New("change already undone")
	ErrAlreadyApplied        = errors.New("intent already applied")
	ErrSignatureInvalid      = errors.New("signature invalid")
	ErrReplayDetected        = errors.New("replay detected")
	ErrDownstreamUnavailable = errors.New("downstream unavailable")
	ErrNotFound              = errors.New("not found")
	ErrNotPending            = errors.New("intent is not pending")
	ErrConfirmationExpired   = errors.New("confirmation expired")
	ErrTenantMismatch        = errors.New("tenant mismatch")
)
