package protocol

import "errors"

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownType    = errors.New("unknown message type")
	ErrFrameTooLarge  = errors.New("frame too large")
)
