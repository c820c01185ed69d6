package types

import "errors"

// ARCHITECTURAL DISCOVERY: Validation errors live next to the types they
// guard so every layer reports the same message for the same defect
var (
	ErrInvalidUUID     = errors.New("uuid must be 1-64 characters")
	ErrInvalidName     = errors.New("name must be 1-64 characters")
	ErrInvalidPosition = errors.New("position must contain finite coordinates")
	ErrInvalidCode     = errors.New("linking code must be 6 alphanumeric characters")
)
