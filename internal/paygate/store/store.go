package store

import "errors"

var (
	// ErrNotFound is returned when no row exists for the requested key.
	ErrNotFound = errors.New("not found")

	// ErrActiveGrant is returned by CreateGrant when the IP already has an
	// entry that has not been cleaned up.
	ErrActiveGrant = errors.New("ip already has an active grant")

	// ErrDuplicatePayment is returned by RecordPayment when the
	// transaction reference was consumed before.
	ErrDuplicatePayment = errors.New("transaction reference already recorded")
)
