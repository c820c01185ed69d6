package websocket

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"proxvoice/pkg/interfaces"
)

// Options tunes transport behavior.
type Options struct {
	ReadTimeout         time.Duration
	PingInterval        time.Duration
	WriteTimeout        time.Duration
	SendBuffer          int
	MaxMessageBytes     int64
	HandshakesPerSecond float64
	HandshakeBurst      int
}

// DefaultOptions returns production settings.
func DefaultOptions() Options {
	return Options{
		ReadTimeout:         60 * time.Second,
		PingInterval:        30 * time.Second,
		WriteTimeout:        5 * time.Second,
		SendBuffer:          DefaultSendBuffer,
		MaxMessageBytes:     64 * 1024,
		HandshakesPerSecond: 2,
		HandshakeBurst:      10,
	}
}

// admission throttles upgrade attempts per remote host.
// TECHNICAL DISCOVERY: Throttling happens before the upgrade, so a host
// stuck in a reconnect loop is refused with a plain 429 and never reaches
// the session registry
type admission struct {
	mu    sync.Mutex
	limit rate.Limit
	burst int
	hosts map[string]*hostLimiter
	now   func() time.Time
}

type hostLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newAdmission(perSecond float64, burst int) *admission {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &admission{limit: limit, burst: burst, hosts: make(map[string]*hostLimiter), now: time.Now}
}

func (a *admission) allow(host string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	h, ok := a.hosts[host]
	if !ok {
		h = &hostLimiter{lim: rate.NewLimiter(a.limit, a.burst)}
		a.hosts[host] = h
	}
	h.lastSeen = now
	return h.lim.AllowN(now, 1)
}

func (a *admission) prune(idle time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-idle)
	n := 0
	for host, h := range a.hosts {
		if h.lastSeen.Before(cutoff) {
			delete(a.hosts, host)
			n++
		}
	}
	return n
}

// Handler upgrades HTTP requests and pumps frames into a FrameHandler
// ARCHITECTURAL DISCOVERY: Clean separation of WebSocket handling from business logic
type Handler struct {
	registry  *Registry
	frames    interfaces.FrameHandler
	opts      Options
	admission *admission
	upgrader  websocket.Upgrader
	log       *zap.SugaredLogger
}

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(registry *Registry, frames interfaces.FrameHandler, opts Options, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{
		registry:  registry,
		frames:    frames,
		opts:      opts,
		admission: newAdmission(opts.HandshakesPerSecond, opts.HandshakeBurst),
		upgrader: websocket.Upgrader{
			// FUNCTIONAL DISCOVERY: Game clients and desktop apps are not
			// browsers; origin checks add nothing for them
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// PruneAdmission forgets hosts idle for longer than idle.
func (h *Handler) PruneAdmission(idle time.Duration) int {
	return h.admission.prune(idle)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// HandleWebSocket upgrades the request and starts the connection pumps.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	host := remoteHost(r)
	if !h.admission.allow(host) {
		h.log.Warnw("handshake throttled", "remote", host)
		http.Error(w, ErrHandshakeThrottled.Error(), http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "remote", host, "error", err)
		return
	}

	wsConn := NewConnection(conn, host, h.opts.SendBuffer, h.opts.WriteTimeout)
	if err := h.registry.RegisterConnection(wsConn); err != nil {
		h.log.Errorw("failed to register connection", "error", err)
		_ = wsConn.Close()
		return
	}
	h.log.Debugw("connection opened", "conn", wsConn.ID(), "remote", host)

	go h.handleConnection(wsConn)
}

// handleConnection manages the connection lifecycle with heartbeat monitoring
// ARCHITECTURAL DISCOVERY: Single goroutine per connection reads frames in
// order, so every frame from one device is handled sequentially
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		// FUNCTIONAL DISCOVERY: Disconnect runs the same cleanup path as an
		// explicit leave, whatever ended the read loop
		h.frames.HandleDisconnect(conn)
		h.registry.UnregisterConnection(conn)
		_ = conn.Close()
		h.log.Debugw("connection closed", "conn", conn.ID())
	}()

	if h.opts.MaxMessageBytes > 0 {
		conn.conn.SetReadLimit(h.opts.MaxMessageBytes)
	}

	readTimeout := h.opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 60 * time.Second
	}
	if err := conn.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	if h.opts.PingInterval > 0 {
		go h.pingLoop(conn)
	}

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Infow("websocket read error", "conn", conn.ID(), "error", err)
			}
			return
		}
		// Any inbound traffic proves the peer is alive.
		_ = conn.conn.SetReadDeadline(time.Now().Add(readTimeout))

		if messageType != websocket.TextMessage {
			continue
		}
		h.frames.HandleFrame(conn.ctx, conn, data)
	}
}

func (h *Handler) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case <-conn.ctx.Done():
			return
		}
	}
}
