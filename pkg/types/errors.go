package types

import "errors"

// Error taxonomy shared across components. Callers wrap these with context and
// test them with errors.Is.
var (
	// ErrNotFound: person, template, record or artifact missing.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput: malformed ids or arguments.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUpstreamUnavailable: object store, queue or cache transient failure.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrLayout: the source image could not be decoded.
	ErrLayout = errors.New("layout error")
	// ErrIntegrityFault: a job references a correlation id with no record.
	ErrIntegrityFault = errors.New("integrity fault")
	// ErrDuplicate: a record with the same correlation id already exists.
	ErrDuplicate = errors.New("already exists")
)
