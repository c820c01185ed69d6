// Package ratelimit guards inbound traffic per identity with a one-second
// flood window, per-minute category windows and timed bans.
package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Category selects which per-minute window a request counts against.
type Category int

const (
	CategoryGeneral Category = iota
	CategoryAudio
)

// Reason explains a rejection. The zero value means allowed.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonFlood        Reason = "flood"
	ReasonGeneralLimit Reason = "general_limit"
	ReasonAudioLimit   Reason = "audio_limit"
	ReasonBanned       Reason = "banned"
)

// Config holds the limits.
type Config struct {
	MaxRequestsPerMinute int
	MaxAudioPerMinute    int
	MaxPerSecond         int
	Window               time.Duration
	FloodWindow          time.Duration
	DefaultBan           time.Duration
}

// DefaultConfig mirrors the server defaults.
func DefaultConfig() Config {
	return Config{
		MaxRequestsPerMinute: 100,
		MaxAudioPerMinute:    500,
		MaxPerSecond:         20,
		Window:               time.Minute,
		FloodWindow:          time.Second,
		DefaultBan:           5 * time.Minute,
	}
}

// Decision is the outcome of Check.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
}

type window struct {
	count   int
	resetAt time.Time
}

// hit counts one request in w, reporting false when the limit is reached.
// TECHNICAL DISCOVERY: Rejected requests are not counted, so a client that
// keeps hammering a closed window does not push its own reset further out
func (w *window) hit(now time.Time, length time.Duration, limit int) (bool, time.Duration) {
	if !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(length)
	}
	if w.count >= limit {
		return false, w.resetAt.Sub(now)
	}
	w.count++
	return true, 0
}

// clientLimit tracks rate limiting for a single identity
type clientLimit struct {
	general     window
	audio       window
	recent      []time.Time
	bannedUntil time.Time
	lastSeen    time.Time
}

// Limiter is safe for concurrent use.
// ARCHITECTURAL DISCOVERY: Per-identity state with periodic cleanup keeps
// memory proportional to recently active identities only
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	clients map[string]*clientLimit
	now     func() time.Time
	log     *zap.SugaredLogger

	allowed  uint64
	rejected map[Reason]uint64
}

// New creates a limiter. A nil clock uses time.Now and a nil logger
// discards output.
func New(cfg Config, now func() time.Time, log *zap.SugaredLogger) *Limiter {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.FloodWindow <= 0 {
		cfg.FloodWindow = time.Second
	}
	return &Limiter{
		cfg:      cfg,
		clients:  make(map[string]*clientLimit),
		now:      now,
		log:      log,
		rejected: make(map[Reason]uint64),
	}
}

func (l *Limiter) client(id string) *clientLimit {
	c, ok := l.clients[id]
	if !ok {
		c = &clientLimit{}
		l.clients[id] = c
	}
	return c
}

// Check decides whether id may send one request of category cat.
// FUNCTIONAL DISCOVERY: Bans are checked before any window so a banned
// identity never consumes budget; flood is checked before the per-minute
// window so bursts report the shorter retry
func (l *Limiter) Check(id string, cat Category) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c := l.client(id)
	c.lastSeen = now

	if now.Before(c.bannedUntil) {
		return l.reject(ReasonBanned, c.bannedUntil.Sub(now))
	}

	cutoff := now.Add(-l.cfg.FloodWindow)
	kept := c.recent[:0]
	for _, ts := range c.recent {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.recent = kept
	if len(c.recent) >= l.cfg.MaxPerSecond {
		return l.reject(ReasonFlood, c.recent[0].Add(l.cfg.FloodWindow).Sub(now))
	}

	var (
		ok    bool
		retry time.Duration
	)
	switch cat {
	case CategoryAudio:
		if ok, retry = c.audio.hit(now, l.cfg.Window, l.cfg.MaxAudioPerMinute); !ok {
			return l.reject(ReasonAudioLimit, retry)
		}
	default:
		if ok, retry = c.general.hit(now, l.cfg.Window, l.cfg.MaxRequestsPerMinute); !ok {
			return l.reject(ReasonGeneralLimit, retry)
		}
	}

	c.recent = append(c.recent, now)
	l.allowed++
	return Decision{Allowed: true}
}

func (l *Limiter) reject(reason Reason, retry time.Duration) Decision {
	l.rejected[reason]++
	if retry < 0 {
		retry = 0
	}
	return Decision{Reason: reason, RetryAfter: retry}
}

// Ban bans id for d, or DefaultBan when d is not positive. It returns the
// expiry.
func (l *Limiter) Ban(id string, d time.Duration) time.Time {
	if d <= 0 {
		d = l.cfg.DefaultBan
	}
	until := l.now().Add(d)
	l.BanUntil(id, until)
	return until
}

// BanUntil bans id until the given instant. Used to restore persisted bans.
func (l *Limiter) BanUntil(id string, until time.Time) {
	l.mu.Lock()
	l.client(id).bannedUntil = until
	l.mu.Unlock()
	l.log.Infow("identity banned", "identity", id, "until", until)
}

// Unban lifts a ban. It reports whether id was banned.
func (l *Limiter) Unban(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[id]
	if !ok || !l.now().Before(c.bannedUntil) {
		return false
	}
	c.bannedUntil = time.Time{}
	return true
}

// IsBanned reports whether id is banned and until when.
func (l *Limiter) IsBanned(id string) (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[id]
	if !ok || !l.now().Before(c.bannedUntil) {
		return false, time.Time{}
	}
	return true, c.bannedUntil
}

// Release drops id's counters but keeps an active ban. Called when a
// session is destroyed.
func (l *Limiter) Release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[id]
	if !ok {
		return
	}
	if l.now().Before(c.bannedUntil) {
		c.general, c.audio, c.recent = window{}, window{}, nil
		return
	}
	delete(l.clients, id)
}

// Reset clears everything known about id, including bans.
func (l *Limiter) Reset(id string) {
	l.mu.Lock()
	delete(l.clients, id)
	l.mu.Unlock()
}

// Cleanup removes identities idle for longer than a full window that are
// not banned. It returns the number removed.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, c := range l.clients {
		if now.Before(c.bannedUntil) {
			continue
		}
		if now.Sub(c.lastSeen) <= l.cfg.Window {
			continue
		}
		delete(l.clients, id)
		removed++
	}
	return removed
}

// ClientStats is one identity's current usage.
type ClientStats struct {
	Identity      string    `json:"identity"`
	Requests      int       `json:"requests"`
	AudioChunks   int       `json:"audioChunks"`
	LastSecond    int       `json:"lastSecond"`
	Banned        bool      `json:"banned"`
	BannedUntil   time.Time `json:"bannedUntil,omitempty"`
	WindowResetAt time.Time `json:"windowResetAt,omitempty"`
}

// Stats returns id's usage, false when the identity is unknown.
func (l *Limiter) Stats(id string) (ClientStats, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.clients[id]
	if !ok {
		return ClientStats{}, false
	}
	now := l.now()
	s := ClientStats{Identity: id, WindowResetAt: c.general.resetAt}
	if now.Before(c.general.resetAt) {
		s.Requests = c.general.count
	}
	if now.Before(c.audio.resetAt) {
		s.AudioChunks = c.audio.count
	}
	cutoff := now.Add(-l.cfg.FloodWindow)
	for _, ts := range c.recent {
		if ts.After(cutoff) {
			s.LastSecond++
		}
	}
	if now.Before(c.bannedUntil) {
		s.Banned = true
		s.BannedUntil = c.bannedUntil
	}
	return s, true
}

// GlobalStats summarizes the limiter.
type GlobalStats struct {
	TrackedClients int               `json:"trackedClients"`
	BannedClients  int               `json:"bannedClients"`
	Allowed        uint64            `json:"allowed"`
	Rejected       map[Reason]uint64 `json:"rejected"`
	Limits         Config            `json:"-"`
}

// GlobalStats summarizes every tracked identity.
func (l *Limiter) GlobalStats() GlobalStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	g := GlobalStats{
		TrackedClients: len(l.clients),
		Allowed:        l.allowed,
		Rejected:       make(map[Reason]uint64, len(l.rejected)),
		Limits:         l.cfg,
	}
	for r, n := range l.rejected {
		g.Rejected[r] = n
	}
	for _, c := range l.clients {
		if now.Before(c.bannedUntil) {
			g.BannedClients++
		}
	}
	return g
}
