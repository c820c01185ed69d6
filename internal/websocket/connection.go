package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"proxvoice/pkg/interfaces"
	"proxvoice/pkg/types"
)

// DefaultSendBuffer is the number of frames queued per connection before
// new frames are dropped.
const DefaultSendBuffer = 256

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions
// Interface boundary maintained - no business logic in connection wrapper
type Connection struct {
	id           string
	conn         *websocket.Conn
	remote       string
	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once

	mu         sync.RWMutex
	playerUUID string
	deviceID   string
	deviceType types.DeviceType

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewConnection wraps conn and starts its writer goroutine. buffer <= 0
// uses DefaultSendBuffer; writeTimeout <= 0 uses five seconds.
func NewConnection(conn *websocket.Conn, remote string, buffer int, writeTimeout time.Duration) *Connection {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.NewString(),
		conn:         conn,
		remote:       remote,
		writeCh:      make(chan []byte, buffer),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

// ARCHITECTURAL DISCOVERY: Single writer goroutine pattern eliminates races
// TECHNICAL DISCOVERY: writeCh is never closed; senders select on ctx so a
// send racing with Close cannot panic
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}
			c.sent.Add(1)

		case <-c.ctx.Done():
			return
		}
	}
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the peer host used for admission throttling.
func (c *Connection) RemoteAddr() string { return c.remote }

// Send marshals v and queues it.
func (c *Connection) Send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return c.SendRaw(data)
}

// SendRaw queues data without blocking.
// FUNCTIONAL DISCOVERY: A full buffer means the peer cannot keep up with
// real-time audio; the frame is dropped and counted instead of stalling
// the fan-out for every other listener
func (c *Connection) SendRaw(data []byte) error {
	select {
	case <-c.ctx.Done():
		return interfaces.ErrConnectionClosed
	default:
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return interfaces.ErrConnectionClosed
	default:
		c.dropped.Add(1)
		return interfaces.ErrSendBufferFull
	}
}

// Close stops the writer and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed when the connection shuts down.
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// SetIdentity binds the connection to a registered device.
func (c *Connection) SetIdentity(playerUUID, deviceID string, deviceType types.DeviceType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playerUUID = playerUUID
	c.deviceID = deviceID
	c.deviceType = deviceType
}

// Identity returns the bound device.
func (c *Connection) Identity() (string, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.playerUUID, c.deviceID, c.deviceID != ""
}

// ClearIdentity unbinds deviceID if it is still the bound device.
func (c *Connection) ClearIdentity(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deviceID != deviceID {
		return
	}
	c.playerUUID, c.deviceID, c.deviceType = "", "", ""
}

// DeviceType returns the bound device type, empty before a join.
func (c *Connection) DeviceType() types.DeviceType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceType
}

// Sent returns the number of frames written to the socket.
func (c *Connection) Sent() uint64 { return c.sent.Load() }

// Dropped returns the number of frames dropped on a full buffer.
func (c *Connection) Dropped() uint64 { return c.dropped.Load() }
