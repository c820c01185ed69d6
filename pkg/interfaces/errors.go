package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrConnectionClosed = errors.New("connection closed")
	ErrBanNotFound      = errors.New("ban not found")
)
