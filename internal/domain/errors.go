package domain

import "errors"

// Storage errors. RecordStore and ConfigSynchronizer only ever surface these
// kinds (wrapped with context), never raw I/O errors.
var (
	ErrNotFound          = errors.New("record not found")
	ErrCorruptRecord     = errors.New("record is corrupt")
	ErrLockTimeout       = errors.New("timed out waiting for record lock")
	ErrWriteFailed       = errors.New("record write failed")
	ErrReplicationFailed = errors.New("replication to mirror failed")
	ErrStoreDraining     = errors.New("store is draining, writes are not accepted")
	ErrNoBackup          = errors.New("no usable backup")
	ErrLockLost          = errors.New("record lock lease expired before commit")
)

// Validation and game errors
var (
	ErrInvalidKey        = errors.New("invalid player key")
	ErrInvalidPatch      = errors.New("invalid player patch")
	ErrInvalidRecord     = errors.New("invalid player record")
	ErrInvalidVariant    = errors.New("unknown config variant")
	ErrInvalidEntity     = errors.New("invalid config entity")
	ErrUnknownUpgrade    = errors.New("unknown upgrade")
	ErrInvalidLevel      = errors.New("invalid upgrade level")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Request errors returned by the HTTP layer
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrInternalError  = errors.New("internal server error")
	ErrTryAgain       = errors.New("temporarily unavailable, try again")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnknownUpgrade)
}

// IsRetryable reports whether the failed operation left the previous value
// intact and can safely be attempted again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrWriteFailed)
}

// IsValidationError reports whether err was caused by bad caller input.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrInvalidPatch) ||
		errors.Is(err, ErrInvalidRecord) ||
		errors.Is(err, ErrInvalidVariant) ||
		errors.Is(err, ErrInvalidEntity) ||
		errors.Is(err, ErrInvalidLevel) ||
		errors.Is(err, ErrInsufficientFunds)
}
