package domain

import "errors"

var (
	// ErrRateLimited means a rolling-window ceiling rejected admission.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrMissingConfig means a campaign-linked action has no scheduling
	// configuration for its campaign.
	ErrMissingConfig = errors.New("campaign scheduling configuration missing")
	// ErrLockHeld means the coordination lock could not be acquired within
	// the retry budget.
	ErrLockHeld = errors.New("coordination lock held")
	// ErrNotFound means the referenced instruction or execution does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition means a state change was requested that the
	// instruction state machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)
