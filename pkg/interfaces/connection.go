package interfaces

import "proxvoice/pkg/types"

// Connection represents one attached device's transport
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// keeps the router testable with in-memory connections
type Connection interface {
	// ID returns a process-unique connection identifier
	ID() string

	// Send queues a frame for delivery without blocking
	// FUNCTIONAL DISCOVERY: A full outbound buffer drops the frame and
	// returns an error; one slow listener must never stall a fan-out
	Send(v interface{}) error

	// SendRaw queues an already-encoded frame. Broadcasts marshal once and
	// hand the same bytes to every recipient
	SendRaw(data []byte) error

	// Close closes the connection and cleans up resources
	Close() error

	// RemoteAddr returns the peer address used for admission throttling
	RemoteAddr() string

	// SetIdentity binds the connection to a registered device
	// TECHNICAL DISCOVERY: A connection carries exactly one device; binding
	// again replaces the previous identity
	SetIdentity(uuid, deviceID string, deviceType types.DeviceType)

	// Identity returns the bound session uuid and device id, ok=false before
	// a successful join or link
	Identity() (uuid, deviceID string, ok bool)

	// ClearIdentity forgets the bound device if it is still deviceID, so a
	// late cleanup never unbinds a device registered afterwards
	ClearIdentity(deviceID string)
}
