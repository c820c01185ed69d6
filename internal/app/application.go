// Package app wires the voice relay together: configuration, ban store,
// session registry, router, socket transport, periodic hub and HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"proxvoice/internal/api"
	"proxvoice/internal/auth"
	"proxvoice/internal/bitrate"
	"proxvoice/internal/codec"
	"proxvoice/internal/config"
	"proxvoice/internal/database"
	"proxvoice/internal/hub"
	"proxvoice/internal/protocol"
	"proxvoice/internal/ratelimit"
	"proxvoice/internal/router"
	"proxvoice/internal/session"
	"proxvoice/internal/volume"
	"proxvoice/internal/websocket"
	pkgdatabase "proxvoice/pkg/database"
	"proxvoice/pkg/interfaces"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config *config.Config
	log    *zap.SugaredLogger

	bans        interfaces.BanStore
	sessions    *session.Registry
	limiter     *ratelimit.Limiter
	bitrate     *bitrate.Controller
	codec       interfaces.Codec
	router      *router.Router
	connections *websocket.Registry
	wsHandler   *websocket.Handler
	hub         *hub.Hub
	apiServer   *api.Server
	httpServer  *http.Server

	mu       sync.Mutex
	listener net.Listener
	serveErr chan error
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Bans → Sessions → Limiter → Router → Transport → Hub → API → HTTP
func NewApplication(cfg *config.Config, log *zap.SugaredLogger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{config: cfg, log: log}

	// STEP 1: Ban store (optional)
	if cfg.Database.Path != "" {
		dbConfig := pkgdatabase.DefaultConfig()
		dbConfig.DatabasePath = cfg.Database.Path
		dbConfig.BusyTimeout = cfg.Database.Timeout.Std()
		store, err := database.NewManager(dbConfig, database.WithLogger(log.Named("database")))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ban store: %w", err)
		}
		app.bans = store
	}

	// STEP 2: Session registry with its spatial index, distance cache and linker
	app.sessions = session.NewRegistry(session.Options{
		MaxSessions: cfg.Voice.MaxSessions,
		Timeout:     cfg.Voice.SessionTimeout.Std(),
		CellSize:    cfg.Spatial.CellSize,
		CacheTTL:    cfg.Spatial.CacheTTL.Std(),
		CodeTTL:     cfg.Voice.LinkingCodeTTL.Std(),
		Volume: volume.Config{
			ProximityRange:    cfg.Voice.ProximityRange,
			MaxVolumeDistance: cfg.Voice.MaxVolumeDistance,
			MinVolume:         cfg.Voice.MinVolume,
			MaxVolume:         cfg.Voice.MaxVolume,
			Falloff:           cfg.Voice.Falloff,
			EnableTeamChat:    cfg.Voice.EnableTeamChat,
			EnableGlobalChat:  cfg.Voice.EnableGlobalChat,
		},
	}, nil, log.Named("session"))

	// STEP 3: Rate limiter, restoring persisted bans
	app.limiter = ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.MaxRequestsPerMinute,
		MaxAudioPerMinute:    cfg.RateLimit.MaxAudioPerMinute,
		MaxPerSecond:         cfg.RateLimit.MaxPerSecond,
		DefaultBan:           cfg.RateLimit.BanDuration.Std(),
	}, nil, log.Named("ratelimit"))
	if err := app.restoreBans(); err != nil {
		app.closeStore()
		return nil, err
	}

	app.bitrate = bitrate.New(bitrate.Config{
		MinBitrate:     cfg.Bitrate.Min,
		MaxBitrate:     cfg.Bitrate.Max,
		InitialBitrate: cfg.Bitrate.Initial,
		Step:           cfg.Bitrate.Step,
		TargetLatency:  cfg.Bitrate.TargetLatency.Std(),
		Cooldown:       cfg.Bitrate.Cooldown.Std(),
		SampleWindow:   cfg.Bitrate.SampleWindow,
		IncreaseAfter:  cfg.Bitrate.IncreaseAfter,
	}, nil, log.Named("bitrate"))

	var err error
	if app.codec, err = codec.New(cfg.Voice.Codec); err != nil {
		app.closeStore()
		return nil, fmt.Errorf("failed to initialize codec: %w", err)
	}

	validator, err := protocol.NewValidator(int(cfg.WebSocket.MaxMessageBytes))
	if err != nil {
		app.closeStore()
		return nil, fmt.Errorf("failed to compile frame schemas: %w", err)
	}

	// STEP 4: Frame router
	app.router, err = router.NewRouter(router.Deps{
		Sessions:  app.sessions,
		Limiter:   app.limiter,
		Bitrate:   app.bitrate,
		Codec:     app.codec,
		Validator: validator,
		Gate: auth.NewGate(auth.Config{
			Token:     cfg.Auth.Token,
			Whitelist: cfg.Auth.Whitelist,
			Blacklist: cfg.Auth.Blacklist,
		}),
		ClientConfig: protocol.ClientConfig{
			ProximityRange:   cfg.Voice.ProximityRange,
			MaxVolume:        cfg.Voice.MaxVolume,
			MinVolume:        cfg.Voice.MinVolume,
			EnableGlobalChat: cfg.Voice.EnableGlobalChat,
			EnableTeamChat:   cfg.Voice.EnableTeamChat,
			Codec:            app.codec.Name(),
			UpdateIntervalMs: cfg.Voice.UpdateInterval.Std().Milliseconds(),
		},
		Log: log.Named("router"),
	})
	if err != nil {
		app.closeStore()
		return nil, fmt.Errorf("failed to initialize router: %w", err)
	}

	// STEP 5: Socket transport
	app.connections = websocket.NewRegistry()
	app.wsHandler = websocket.NewHandler(app.connections, app.router, websocket.Options{
		ReadTimeout:         cfg.WebSocket.ReadTimeout.Std(),
		PingInterval:        cfg.WebSocket.PingInterval.Std(),
		WriteTimeout:        cfg.WebSocket.WriteTimeout.Std(),
		SendBuffer:          cfg.WebSocket.SendBuffer,
		MaxMessageBytes:     cfg.WebSocket.MaxMessageBytes,
		HandshakesPerSecond: cfg.WebSocket.HandshakesPerSec,
		HandshakeBurst:      cfg.WebSocket.HandshakeBurst,
	}, log.Named("websocket"))

	// STEP 6: Periodic hub
	app.hub, err = hub.NewHub(hub.Options{
		TickInterval:     cfg.Voice.UpdateInterval.Std(),
		SweepInterval:    cfg.Voice.SweepInterval.Std(),
		CleanupInterval:  cfg.RateLimit.CleanupInterval.Std(),
		BanPurgeInterval: cfg.Database.PurgeInterval.Std(),
		AdmissionIdle:    cfg.WebSocket.AdmissionIdleAfter.Std(),
	}, hub.Deps{
		Sessions:    app.sessions,
		Broadcaster: app.router,
		Limiter:     app.limiter,
		Admission:   app.wsHandler,
		Bans:        app.bans,
		Log:         log.Named("hub"),
	})
	if err != nil {
		app.closeStore()
		return nil, fmt.Errorf("failed to initialize hub: %w", err)
	}

	// STEP 7: HTTP surface with the socket endpoint mounted on it
	app.apiServer, err = api.NewServer(api.Deps{
		Sessions:      app.sessions,
		Bitrate:       app.bitrate,
		Limiter:       app.limiter,
		Bans:          app.bans,
		Connections:   app.connections,
		Router:        app.router,
		Hub:           app.hub,
		Config:        cfg,
		WebSocket:     http.HandlerFunc(app.wsHandler.HandleWebSocket),
		WebSocketPath: cfg.WebSocket.Path,
		Log:           log.Named("api"),
	})
	if err != nil {
		app.closeStore()
		return nil, fmt.Errorf("failed to initialize api: %w", err)
	}

	app.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout.Std(),
		WriteTimeout: cfg.HTTP.WriteTimeout.Std(),
	}
	return app, nil
}

// restoreBans loads unexpired bans into the limiter.
func (app *Application) restoreBans() error {
	if app.bans == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), app.config.Database.Timeout.Std())
	defer cancel()

	bans, err := app.bans.ActiveBans(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("failed to load persisted bans: %w", err)
	}
	for _, b := range bans {
		app.limiter.BanUntil(b.Identity, b.ExpiresAt)
	}
	if len(bans) > 0 {
		app.log.Infow("restored persisted bans", "count", len(bans))
	}
	return nil
}

func (app *Application) closeStore() {
	if app.bans == nil {
		return
	}
	if err := app.bans.Close(); err != nil {
		app.log.Warnw("ban store close failed", "error", err)
	}
}

// Handler exposes the HTTP surface, including the socket endpoint.
func (app *Application) Handler() http.Handler { return app.apiServer }

// Hub returns the periodic scheduler.
func (app *Application) Hub() *hub.Hub { return app.hub }

// Start begins application execution
// Startup coordination ensures all components ready before serving
// Hub starts first so the first joined player is already ticked, then the
// listener is bound synchronously so bind errors surface here
func (app *Application) Start(ctx context.Context) error {
	if err := app.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	ln, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.hub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	app.mu.Lock()
	app.listener = ln
	app.serveErr = make(chan error, 1)
	serveErr := app.serveErr
	app.mu.Unlock()

	go func() {
		if err := app.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.log.Errorw("http server stopped", "error", err)
			serveErr <- err
		}
		close(serveErr)
	}()

	app.log.Infow("voice relay listening",
		"addr", ln.Addr().String(),
		"websocket", app.config.WebSocket.Path,
		"codec", app.codec.Name(),
		"persistence", app.bans != nil,
	)
	return nil
}

// Done is closed when the HTTP server stops; it yields the error that
// stopped it, if any.
func (app *Application) Done() <-chan error {
	app.mu.Lock()
	defer app.mu.Unlock()
	return app.serveErr
}

// Addr returns the bound address once started, the configured one before.
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → sockets → Hub → Codec → Database
// FUNCTIONAL DISCOVERY: Shutdown does not close hijacked sockets, so open
// voice connections are closed explicitly; their read loops then detach
// every device through the normal leave path
func (app *Application) Stop(ctx context.Context) error {
	app.log.Info("shutting down voice relay")
	var errs []error

	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	if n := app.connections.CloseAll(); n > 0 {
		app.log.Infow("closed voice connections", "count", n)
	}

	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub stop: %w", err))
	}

	if z, ok := app.codec.(*codec.Zstd); ok {
		z.Close()
	}

	if app.bans != nil {
		if err := app.bans.Close(); err != nil {
			errs = append(errs, fmt.Errorf("ban store close: %w", err))
		}
	}

	app.log.Info("voice relay shutdown complete")
	return errors.Join(errs...)
}
