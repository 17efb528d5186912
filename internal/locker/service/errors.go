package service

import "errors"

// Operation failures surfaced to callers.  Every mutating operation either
// succeeds fully or returns one of these; nothing is ever partially applied.
var (
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("locker or user not found")
	ErrAlreadyOccupied     = errors.New("locker already occupied")
	ErrTokenMismatch       = errors.New("verification token does not match locker")
	ErrUserAlreadyAssigned = errors.New("user already holds a locker")
	ErrNotOwner            = errors.New("caller does not hold this locker")
	ErrConflict            = errors.New("transaction lost a race")
	ErrUnavailable         = errors.New("store unavailable")

	ErrInvalidCommand  = errors.New("command must be LOCK or UNLOCK")
	ErrInvalidLockerID = errors.New("locker_id is required")
	ErrInvalidToken    = errors.New("qr_token is required")
	ErrLockerExists    = errors.New("locker already provisioned")
)

var sentinels = []error{
	ErrUnauthenticated, ErrForbidden, ErrNotFound, ErrAlreadyOccupied,
	ErrTokenMismatch, ErrUserAlreadyAssigned, ErrNotOwner, ErrConflict,
	ErrUnavailable, ErrInvalidCommand, ErrInvalidLockerID, ErrInvalidToken,
	ErrLockerExists,
}

func isServiceError(err error) bool {
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}
