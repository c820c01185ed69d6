// Package hub drives the server's periodic work: the state broadcast tick
// and the coarse maintenance jobs (liveness sweep, cache and code sweeps,
// rate-limit cleanup, expired-ban purge).
package hub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"proxvoice/internal/ratelimit"
	"proxvoice/internal/session"
	"proxvoice/pkg/interfaces"
)

// Broadcaster pushes the current state of every session to its peers.
type Broadcaster interface {
	BroadcastState() int
}

// AdmissionPruner forgets handshake throttles of hosts that went quiet.
type AdmissionPruner interface {
	PruneAdmission(idle time.Duration) int
}

// Options sets the cadence of each job. A non-positive interval disables
// that job.
type Options struct {
	TickInterval     time.Duration
	SweepInterval    time.Duration
	CleanupInterval  time.Duration
	BanPurgeInterval time.Duration
	AdmissionIdle    time.Duration
}

// DefaultOptions mirrors the server defaults.
func DefaultOptions() Options {
	return Options{
		TickInterval:     100 * time.Millisecond,
		SweepInterval:    5 * time.Second,
		CleanupInterval:  time.Minute,
		BanPurgeInterval: 10 * time.Minute,
		AdmissionIdle:    5 * time.Minute,
	}
}

// Deps are the components the hub maintains. Only Sessions is required.
type Deps struct {
	Sessions    *session.Registry
	Broadcaster Broadcaster
	Limiter     *ratelimit.Limiter
	Admission   AdmissionPruner
	Bans        interfaces.BanStore
	Now         func() time.Time
	Log         *zap.SugaredLogger
}

// Hub schedules periodic work
// ARCHITECTURAL DISCOVERY: The broadcast tick runs on its own ticker
// goroutine because cron's resolution is one second; maintenance jobs go
// through cron with panic recovery so one failing job never stops the rest
type Hub struct {
	opts Options
	deps Deps

	// TECHNICAL DISCOVERY: RWMutex allows concurrent reads of running state
	mu        sync.RWMutex
	running   bool
	scheduler *cron.Cron
	cancel    context.CancelFunc
	done      chan struct{}

	ticks   atomic.Uint64
	sweeps  atomic.Uint64
	evicted atomic.Uint64
}

// NewHub creates a stopped hub.
func NewHub(opts Options, deps Deps) (*Hub, error) {
	if deps.Sessions == nil {
		return nil, ErrMissingSessions
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop().Sugar()
	}
	return &Hub{opts: opts, deps: deps}, nil
}

// cronLogger routes cron's own messages into zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}

func every(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}

// Start schedules every job and begins the broadcast tick.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}

	logger := cronLogger{log: h.deps.Log}
	scheduler := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	jobs := []struct {
		name     string
		interval time.Duration
		run      func()
	}{
		{"sweep", h.opts.SweepInterval, func() { h.Sweep() }},
		{"cleanup", h.opts.CleanupInterval, func() { h.Cleanup() }},
		{"ban-purge", h.opts.BanPurgeInterval, func() { _, _ = h.PurgeBans(ctx) }},
	}
	for _, j := range jobs {
		if j.interval <= 0 {
			continue
		}
		if _, err := scheduler.AddFunc(every(j.interval), j.run); err != nil {
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.scheduler = scheduler
	h.cancel = cancel
	h.done = make(chan struct{})
	h.running = true

	scheduler.Start()
	go h.run(runCtx, h.done)

	h.deps.Log.Infow("hub started", "tick", h.opts.TickInterval, "sweep", h.opts.SweepInterval,
		"cleanup", h.opts.CleanupInterval, "banPurge", h.opts.BanPurgeInterval)
	return nil
}

// Stop halts the tick and waits for running jobs to finish.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	cancel, done, scheduler := h.cancel, h.done, h.scheduler
	h.mu.Unlock()

	cancel()
	<-done
	<-scheduler.Stop().Done()

	h.deps.Log.Infow("hub stopped", "ticks", h.ticks.Load(), "evicted", h.evicted.Load())
	return nil
}

// Running reports whether Start has been called without a matching Stop.
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// run is the broadcast tick loop.
func (h *Hub) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if h.opts.TickInterval <= 0 || h.deps.Broadcaster == nil {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(h.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Tick()
		}
	}
}

// Tick runs one state broadcast and returns the number of frames queued.
func (h *Hub) Tick() int {
	h.ticks.Add(1)
	if h.deps.Broadcaster == nil {
		return 0
	}
	return h.deps.Broadcaster.BroadcastState()
}

// SweepResult counts what one sweep removed.
type SweepResult struct {
	Evicted   int
	Distances int
	Codes     int
}

// Sweep evicts stale sessions and drops expired distances and linking codes.
// FUNCTIONAL DISCOVERY: Eviction runs the same removal path as an explicit
// leave, so listeners get audio_stop and everyone gets the leave event
func (h *Hub) Sweep() SweepResult {
	h.sweeps.Add(1)
	evicted := h.deps.Sessions.SweepStale()
	res := SweepResult{
		Evicted:   len(evicted),
		Distances: h.deps.Sessions.Cache().Sweep(),
		Codes:     h.deps.Sessions.Linker().Sweep(),
	}
	h.evicted.Add(uint64(res.Evicted))

	for _, p := range evicted {
		h.deps.Log.Infow("session timed out", "player", p.UUID, "name", p.Name,
			"lastHeartbeat", p.LastHeartbeat)
	}
	return res
}

// Cleanup drops idle rate-limit state and handshake throttles.
func (h *Hub) Cleanup() (limits, hosts int) {
	if h.deps.Limiter != nil {
		limits = h.deps.Limiter.Cleanup()
	}
	if h.deps.Admission != nil && h.opts.AdmissionIdle > 0 {
		hosts = h.deps.Admission.PruneAdmission(h.opts.AdmissionIdle)
	}
	if limits > 0 || hosts > 0 {
		h.deps.Log.Debugw("rate-limit cleanup", "identities", limits, "hosts", hosts)
	}
	return limits, hosts
}

// PurgeBans deletes expired bans from the store.
func (h *Hub) PurgeBans(ctx context.Context) (int64, error) {
	if h.deps.Bans == nil {
		return 0, nil
	}
	n, err := h.deps.Bans.PurgeExpiredBans(ctx, h.deps.Now())
	if err != nil {
		h.deps.Log.Warnw("purge expired bans failed", "error", err)
		return 0, err
	}
	if n > 0 {
		h.deps.Log.Infow("purged expired bans", "count", n)
	}
	return n, nil
}

// Stats reports hub activity.
type Stats struct {
	Running bool   `json:"running"`
	Ticks   uint64 `json:"ticks"`
	Sweeps  uint64 `json:"sweeps"`
	Evicted uint64 `json:"evicted"`
	Jobs    int    `json:"scheduledJobs"`
}

// GetStats returns hub counters.
func (h *Hub) GetStats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	st := Stats{
		Running: h.running,
		Ticks:   h.ticks.Load(),
		Sweeps:  h.sweeps.Load(),
		Evicted: h.evicted.Load(),
	}
	if h.scheduler != nil && h.running {
		st.Jobs = len(h.scheduler.Entries())
	}
	return st
}
