package identity

import "errors"

// Error kinds returned by directories. API layers map them to status codes
// (invalid_input → 400, not_found → 403 or 404, conflict → 409).
var (
	ErrInvalidInput = errors.New("invalid_input")
	ErrNotFound     = errors.New("not_found")
	ErrConflict     = errors.New("conflict")
)
