// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across relay/client layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden indicates the acting peer lacks the required role.
	ErrForbidden = errors.New("forbidden")

	// ErrAlreadyExists indicates an id collision (e.g., room id taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrBadRequest indicates a structurally invalid request payload.
	ErrBadRequest = errors.New("bad request")

	// ErrNoKey indicates no active room key is available for crypto operations.
	ErrNoKey = errors.New("no active room key")

	// ErrBadEnvelope indicates a key envelope could not be unwrapped.
	ErrBadEnvelope = errors.New("bad key envelope")
)
