// Package api serves the read-mostly HTTP surface next to the voice socket:
// health, status, player and optimizer diagnostics, and rate-limit admin.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"proxvoice/internal/bitrate"
	"proxvoice/internal/config"
	"proxvoice/internal/distcache"
	"proxvoice/internal/hub"
	"proxvoice/internal/ratelimit"
	"proxvoice/internal/router"
	"proxvoice/internal/session"
	"proxvoice/internal/spatial"
	"proxvoice/internal/websocket"
	"proxvoice/pkg/interfaces"
)

// DefaultBanDuration applies when a ban request omits duration_ms.
const DefaultBanDuration = 5 * time.Minute

var ErrMissingSessions = errors.New("api server requires a session registry")

// Stats sources are interfaces so the server can be tested without a
// running hub or socket layer.
type (
	ConnectionStats interface{ GetStats() websocket.Stats }
	RouterStats     interface{ GetStats() router.Stats }
	HubStats        interface{ GetStats() hub.Stats }
)

// Deps lists what the HTTP surface reads from. Only Sessions is required.
type Deps struct {
	Sessions    *session.Registry
	Bitrate     *bitrate.Controller
	Limiter     *ratelimit.Limiter
	Bans        interfaces.BanStore
	Connections ConnectionStats
	Router      RouterStats
	Hub         HubStats
	Config      *config.Config

	// WebSocket is mounted at WebSocketPath outside the JSON middleware.
	WebSocket     http.Handler
	WebSocketPath string

	Now func() time.Time
	Log *zap.SugaredLogger
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	deps    Deps
	now     func() time.Time
	started time.Time
	log     *zap.SugaredLogger
	router  chi.Router
}

// NewServer wires every route.
func NewServer(d Deps) (*Server, error) {
	if d.Sessions == nil {
		return nil, ErrMissingSessions
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Log == nil {
		d.Log = zap.NewNop().Sugar()
	}
	s := &Server{
		deps:    d,
		now:     d.Now,
		started: d.Now(),
		log:     d.Log,
		router:  chi.NewRouter(),
	}
	s.setupRoutes()
	return s, nil
}

// ARCHITECTURAL DISCOVERY: Route setup follows REST conventions with proper middleware
// CORS and JSON middleware apply to the API group only; the socket upgrade
// must see the raw response writer
func (s *Server) setupRoutes() {
	r := s.router
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)

	if s.deps.WebSocket != nil {
		path := s.deps.WebSocketPath
		if path == "" {
			path = "/ws"
		}
		r.Handle(path, s.deps.WebSocket)
	}

	r.Group(func(r chi.Router) {
		r.Use(corsMiddleware)
		r.Use(jsonMiddleware)

		r.Get("/health", s.healthCheck)

		r.Route("/api", func(r chi.Router) {
			r.Get("/status", s.status)
			r.Get("/config", s.clientConfig)

			r.Route("/players", func(r chi.Router) {
				r.Get("/", s.listPlayers)
				r.Get("/{uuid}", s.getPlayer)
				r.Get("/{uuid}/nearby", s.nearbyPlayers)
			})

			r.Route("/optimizations", func(r chi.Router) {
				r.Get("/stats", s.optimizationStats)
				r.Get("/bitrate/{uuid}", s.playerBitrate)
			})

			r.Route("/rate-limits", func(r chi.Router) {
				r.Get("/stats", s.rateLimitStats)
				r.Get("/{uuid}", s.clientRateLimit)
				r.Post("/{uuid}/ban", s.banClient)
				r.Delete("/{uuid}/ban", s.unbanClient)
			})
		})
	})
}

// FUNCTIONAL DISCOVERY: Implement http.Handler interface for integration with standard HTTP server
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Database   string    `json:"database"`
	Players    int       `json:"players"`
	Goroutines int       `json:"goroutines"`
	UptimeSecs float64   `json:"uptime"`
}

type StatusResponse struct {
	Players     session.Stats    `json:"players"`
	Connections *websocket.Stats `json:"connections,omitempty"`
	Router      *router.Stats    `json:"router,omitempty"`
	Hub         *hub.Stats       `json:"hub,omitempty"`
	UptimeSecs  float64          `json:"uptime"`
	Timestamp   time.Time        `json:"timestamp"`
}

type NearbyPlayer struct {
	UUID     string  `json:"uuid"`
	Name     string  `json:"name"`
	Volume   float64 `json:"volume"`
	Distance float64 `json:"distance"`
}

type OptimizationStats struct {
	Spatial       spatial.Stats   `json:"spatialIndex"`
	DistanceCache distcache.Stats `json:"distanceCache"`
	Bitrate       bitrate.Stats   `json:"bitrate"`
}

type BanRequest struct {
	DurationMs int64  `json:"duration_ms"`
	Reason     string `json:"reason"`
}

type BanResponse struct {
	Identity    string    `json:"identity"`
	BannedUntil time.Time `json:"bannedUntil"`
	DurationMs  int64     `json:"durationMs"`
	Persisted   bool      `json:"persisted"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// FUNCTIONAL DISCOVERY: GET /health - 503 when the ban store is unreachable
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	status, dbStatus := "healthy", "disabled"
	if s.deps.Bans != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		dbStatus = "healthy"
		if err := s.deps.Bans.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = "error: " + err.Error()
		}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, HealthResponse{
		Status:     status,
		Timestamp:  s.now(),
		Database:   dbStatus,
		Players:    s.deps.Sessions.Count(),
		Goroutines: runtime.NumGoroutine(),
		UptimeSecs: s.now().Sub(s.started).Seconds(),
	})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Players:    s.deps.Sessions.GetStats(),
		UptimeSecs: s.now().Sub(s.started).Seconds(),
		Timestamp:  s.now(),
	}
	if s.deps.Connections != nil {
		st := s.deps.Connections.GetStats()
		resp.Connections = &st
	}
	if s.deps.Router != nil {
		st := s.deps.Router.GetStats()
		resp.Router = &st
	}
	if s.deps.Hub != nil {
		st := s.deps.Hub.GetStats()
		resp.Hub = &st
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// clientConfig reports the effective configuration with secrets removed.
func (s *Server) clientConfig(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Config == nil {
		s.sendError(w, "configuration unavailable", http.StatusNotFound)
		return
	}
	cfg := *s.deps.Config
	if cfg.Auth != nil {
		auth := *cfg.Auth
		if auth.Token != "" {
			auth.Token = "<redacted>"
		}
		cfg.Auth = &auth
	}
	s.writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) listPlayers(w http.ResponseWriter, _ *http.Request) {
	players := s.deps.Sessions.List()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"players": players,
		"count":   len(players),
	})
}

func (s *Server) getPlayer(w http.ResponseWriter, r *http.Request) {
	p, ok := s.deps.Sessions.Get(chi.URLParam(r, "uuid"))
	if !ok {
		s.sendError(w, "player not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

// nearbyPlayers lists who would hear the player if it spoke now.
func (s *Server) nearbyPlayers(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	audience, err := s.deps.Sessions.Nearby(uuid)
	if err != nil {
		if errors.Is(err, session.ErrPlayerNotFound) {
			s.sendError(w, "player not found", http.StatusNotFound)
			return
		}
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	nearby := make([]NearbyPlayer, 0, len(audience))
	for _, a := range audience {
		n := NearbyPlayer{UUID: a.UUID, Volume: a.Volume, Distance: a.Distance}
		if p, ok := s.deps.Sessions.Get(a.UUID); ok {
			n.Name = p.Name
		}
		nearby = append(nearby, n)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"uuid":   uuid,
		"nearby": nearby,
		"count":  len(nearby),
	})
}

func (s *Server) optimizationStats(w http.ResponseWriter, _ *http.Request) {
	resp := OptimizationStats{
		Spatial:       s.deps.Sessions.Index().Stats(),
		DistanceCache: s.deps.Sessions.Cache().Stats(),
	}
	if s.deps.Bitrate != nil {
		resp.Bitrate = s.deps.Bitrate.Stats()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) playerBitrate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bitrate == nil {
		s.sendError(w, "bitrate control disabled", http.StatusNotFound)
		return
	}
	uuid := chi.URLParam(r, "uuid")
	st, ok := s.deps.Bitrate.PlayerStats(uuid)
	if !ok {
		s.sendError(w, "no bitrate data for player", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"uuid": uuid, "stats": st})
}

func (s *Server) rateLimitStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Limiter == nil {
		s.sendError(w, "rate limiting disabled", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Limiter.GlobalStats())
}

func (s *Server) clientRateLimit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Limiter == nil {
		s.sendError(w, "rate limiting disabled", http.StatusNotFound)
		return
	}
	st, ok := s.deps.Limiter.Stats(chi.URLParam(r, "uuid"))
	if !ok {
		s.sendError(w, "client not tracked", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// banClient bans an identity in the limiter and, when a store is
// configured, persists the ban so it survives a restart.
// FUNCTIONAL DISCOVERY: An empty body means the default duration
func (s *Server) banClient(w http.ResponseWriter, r *http.Request) {
	if s.deps.Limiter == nil {
		s.sendError(w, "rate limiting disabled", http.StatusNotFound)
		return
	}
	id := chi.URLParam(r, "uuid")

	var req BanRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.sendError(w, "invalid JSON", http.StatusBadRequest)
			return
		}
	}
	if req.DurationMs < 0 {
		s.sendError(w, "duration_ms must not be negative", http.StatusBadRequest)
		return
	}
	d := time.Duration(req.DurationMs) * time.Millisecond
	if d == 0 {
		d = DefaultBanDuration
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	until := s.deps.Limiter.Ban(id, d)
	resp := BanResponse{Identity: id, BannedUntil: until, DurationMs: d.Milliseconds()}

	if s.deps.Bans != nil {
		err := s.deps.Bans.SaveBan(r.Context(), interfaces.Ban{
			Identity:  id,
			Reason:    req.Reason,
			CreatedAt: s.now(),
			ExpiresAt: until,
		})
		if err != nil {
			s.log.Errorw("persist ban failed", "identity", id, "error", err)
		} else {
			resp.Persisted = true
		}
	}
	s.log.Infow("identity banned", "identity", id, "until", until, "reason", req.Reason)
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) unbanClient(w http.ResponseWriter, r *http.Request) {
	if s.deps.Limiter == nil {
		s.sendError(w, "rate limiting disabled", http.StatusNotFound)
		return
	}
	id := chi.URLParam(r, "uuid")
	wasBanned := s.deps.Limiter.Unban(id)

	if s.deps.Bans != nil {
		if err := s.deps.Bans.DeleteBan(r.Context(), id); err != nil {
			s.log.Errorw("delete persisted ban failed", "identity", id, "error", err)
			s.sendError(w, "failed to delete persisted ban", http.StatusInternalServerError)
			return
		}
	}
	if !wasBanned {
		s.sendError(w, "identity is not banned", http.StatusNotFound)
		return
	}
	s.log.Infow("identity unbanned", "identity", id)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"identity": id, "banned": false})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debugw("write response failed", "error", err)
	}
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := s.now()
		next.ServeHTTP(ww, r)
		s.log.Debugw("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", s.now().Sub(start),
			"remote", r.RemoteAddr,
		)
	})
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables browser dashboards
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
