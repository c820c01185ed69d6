package interfaces

import "context"

// FrameHandler consumes decoded transport events for one connection
// ARCHITECTURAL DISCOVERY: The transport layer knows nothing about message
// semantics; it hands raw frames over in arrival order and reports closure
type FrameHandler interface {
	// HandleFrame processes one inbound text frame. Frames from a single
	// connection are delivered sequentially
	HandleFrame(ctx context.Context, conn Connection, data []byte)

	// HandleDisconnect runs exactly once after the read loop ends
	HandleDisconnect(conn Connection)
}
