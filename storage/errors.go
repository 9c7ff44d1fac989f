package storage

import "errors"

var (
	ErrNotFound    = errors.New("storage: not found")
	ErrInvalidCID  = errors.New("storage: invalid cid")
	ErrCIDMismatch = errors.New("storage: cid mismatch")
	ErrImmutable   = errors.New("storage: immutable object mismatch")
)

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsIntegrity reports errors that mean the bytes or the identifier are wrong,
// as opposed to the backend being unreachable.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrInvalidCID) || errors.Is(err, ErrCIDMismatch) || errors.Is(err, ErrImmutable)
}
