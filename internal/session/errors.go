package session

import "errors"

// Session registry and linking errors
var (
	ErrServerFull         = errors.New("server is full")
	ErrPlayerNotFound     = errors.New("player not found")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrUnauthoritative    = errors.New("device is not the session's position source")
	ErrLinkingRequired    = errors.New("linking code required")
	ErrLinkingFailed      = errors.New("linking failed")
	ErrNoLinkingCode      = errors.New("no linking code generated")
	ErrLinkingCodeExpired = errors.New("linking code expired")
	ErrInvalidLinkingCode = errors.New("invalid linking code")
	ErrNotLocated         = errors.New("player has no known position")
)
