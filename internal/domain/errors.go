package domain

import "errors"

var (
	// ErrNotFound is returned by stores when a record does not exist or is
	// outside the caller's organization.
	ErrNotFound = errors.New("not found")
	// ErrStatusTransitionDenied is returned by stores when a status write
	// would leave a terminal state or skip a step. Callers treat it as
	// "someone else already handled this run".
	ErrStatusTransitionDenied = errors.New("status transition denied: run already advanced")
)
