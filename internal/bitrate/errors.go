package bitrate

import "errors"

var (
	ErrInvalidSample = errors.New("sample must be a finite non-negative number")
)
