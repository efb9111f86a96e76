package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrRateLimited        = errors.New("rate limited")
	ErrResponseTooLarge   = errors.New("response too large")
	ErrMalformedEvent     = errors.New("malformed event")
	ErrBadIdentifier      = errors.New("invalid market identifier")
	ErrResolutionConflict = errors.New("resolution sources conflict")
	ErrUnresolved         = errors.New("market unresolved")
	ErrGateFailed         = errors.New("consistency gate failed")
	ErrNoCurrentSnapshot  = errors.New("no current snapshot")
	ErrLockHeld           = errors.New("lock already held")
	ErrContextDone        = errors.New("context cancelled")
)
