package websocket

import "errors"

// Connection-related errors
var (
	ErrInvalidJSON = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection = errors.New("connection cannot be nil")
)

// Handler-related errors
var (
	ErrHandshakeThrottled = errors.New("too many connection attempts")
)
