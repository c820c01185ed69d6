package app

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// voiceClient is a socket client for end-to-end tests. Frames are decoded
// into generic maps and queued until a test asks for them.
type voiceClient struct {
	t      *testing.T
	conn   *websocket.Conn
	frames chan map[string]interface{}
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func dialVoice(t *testing.T, serverURL, path string) *voiceClient {
	t.Helper()

	u, err := url.Parse(serverURL)
	if err != nil {
		t.Fatalf("invalid server URL: %v", err)
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = path

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}

	c := &voiceClient{
		t:      t,
		conn:   conn,
		frames: make(chan map[string]interface{}, 256),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	t.Cleanup(c.close)
	return c
}

func (c *voiceClient) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame map[string]interface{}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		select {
		case c.frames <- frame:
		default:
			// tests never need more than the buffer holds
		}
	}
}

func (c *voiceClient) send(frame map[string]interface{}) {
	c.t.Helper()
	if err := c.conn.WriteJSON(frame); err != nil {
		c.t.Fatalf("send %v: %v", frame["type"], err)
	}
}

// expect skips frames until one of type typ arrives.
func (c *voiceClient) expect(typ string) map[string]interface{} {
	c.t.Helper()
	return c.expectMatch(typ, func(map[string]interface{}) bool { return true })
}

func (c *voiceClient) expectMatch(typ string, match func(map[string]interface{}) bool) map[string]interface{} {
	c.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-c.frames:
			if f["type"] == typ && match(f) {
				return f
			}
		case <-c.done:
			c.t.Fatalf("connection closed while waiting for %s", typ)
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

// expectNone fails if a frame of type typ arrives within wait.
func (c *voiceClient) expectNone(typ string, wait time.Duration) {
	c.t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case f := <-c.frames:
			if f["type"] == typ {
				c.t.Fatalf("unexpected %s: %v", typ, f)
			}
		case <-deadline:
			return
		}
	}
}

func (c *voiceClient) join(uuid, deviceType string) map[string]interface{} {
	c.t.Helper()
	c.send(map[string]interface{}{
		"type":       "player_join",
		"uuid":       uuid,
		"name":       "name-" + uuid,
		"deviceType": deviceType,
	})
	confirm := c.expect("join_confirm")
	if ok, _ := confirm["success"].(bool); !ok {
		c.t.Fatalf("join %s failed: %v", uuid, confirm)
	}
	return confirm
}

func (c *voiceClient) moveTo(uuid string, x, z float64) {
	c.send(map[string]interface{}{
		"type":     "player_update",
		"uuid":     uuid,
		"position": map[string]float64{"x": x, "y": 64, "z": z},
	})
}

func (c *voiceClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = c.conn.Close()
}
