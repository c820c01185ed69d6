// Package bitrate adapts each speaker's target audio bitrate from reported
// latency and packet loss.
package bitrate

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Tier is a coarse quality label derived from the bitrate.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Config holds controller tuning.
type Config struct {
	MinBitrate     int
	MaxBitrate     int
	InitialBitrate int
	Step           int
	TargetLatency  time.Duration
	Cooldown       time.Duration
	SampleWindow   int
	// IncreaseAfter is the number of consecutive excellent evaluations
	// needed before stepping up.
	IncreaseAfter int
}

// DefaultConfig mirrors the server defaults.
func DefaultConfig() Config {
	return Config{
		MinBitrate:     32000,
		MaxBitrate:     128000,
		InitialBitrate: 64000,
		Step:           8000,
		TargetLatency:  100 * time.Millisecond,
		Cooldown:       2 * time.Second,
		SampleWindow:   10,
		IncreaseAfter:  3,
	}
}

type playerState struct {
	bitrate       int
	latency       *ring
	loss          *ring
	lastEvaluated time.Time
	goodStreak    int
	badStreak     int
}

// Controller tracks per-player bitrate state.
// ARCHITECTURAL DISCOVERY: Evaluation piggybacks on sample reports rather
// than running on a timer, so idle players cost nothing
type Controller struct {
	mu      sync.Mutex
	cfg     Config
	players map[string]*playerState
	now     func() time.Time
	log     *zap.SugaredLogger
}

// Stats summarizes all tracked players.
type Stats struct {
	ActivePlayers  int          `json:"activePlayers"`
	AverageBitrate int          `json:"averageBitrate"`
	Distribution   map[Tier]int `json:"qualityDistribution"`
}

// PlayerStats describes one player's state.
type PlayerStats struct {
	Bitrate           int     `json:"bitrate"`
	Quality           Tier    `json:"quality"`
	AverageLatencyMs  float64 `json:"averageLatency"`
	AveragePacketLoss float64 `json:"averagePacketLoss"`
	Samples           int     `json:"samples"`
}

// New creates a controller. A nil clock uses time.Now and a nil logger
// discards output.
func New(cfg Config, now func() time.Time, log *zap.SugaredLogger) *Controller {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.IncreaseAfter < 1 {
		cfg.IncreaseAfter = 1
	}
	return &Controller{
		cfg:     cfg,
		players: make(map[string]*playerState),
		now:     now,
		log:     log,
	}
}

func (c *Controller) state(uuid string) *playerState {
	st, ok := c.players[uuid]
	if !ok {
		st = &playerState{
			bitrate:       c.clamp(c.cfg.InitialBitrate),
			latency:       newRing(c.cfg.SampleWindow),
			loss:          newRing(c.cfg.SampleWindow),
			lastEvaluated: c.now(),
		}
		c.players[uuid] = st
	}
	return st
}

func validSample(v float64) bool {
	return v >= 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ReportLatency records a round-trip latency sample in milliseconds.
func (c *Controller) ReportLatency(uuid string, ms float64) error {
	if !validSample(ms) {
		return ErrInvalidSample
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(uuid)
	st.latency.push(ms)
	c.evaluate(uuid, st)
	return nil
}

// ReportPacketLoss records a loss sample in percent.
func (c *Controller) ReportPacketLoss(uuid string, pct float64) error {
	if !validSample(pct) {
		return ErrInvalidSample
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(uuid)
	st.loss.push(math.Min(pct, 100))
	c.evaluate(uuid, st)
	return nil
}

// evaluate adjusts st at most once per cooldown.
// FUNCTIONAL DISCOVERY: Degradation is immediate but improvement needs a
// streak of excellent evaluations; any other evaluation breaks the streak
func (c *Controller) evaluate(uuid string, st *playerState) {
	now := c.now()
	if now.Sub(st.lastEvaluated) < c.cfg.Cooldown {
		return
	}
	st.lastEvaluated = now

	target := float64(c.cfg.TargetLatency.Milliseconds())
	lat := st.latency.mean()
	loss := st.loss.mean()
	old := st.bitrate

	switch {
	case loss > 5 || lat > 2*target:
		st.bitrate = c.clamp(st.bitrate - 2*c.cfg.Step)
		st.goodStreak = 0
		st.badStreak++
	case lat > target:
		st.bitrate = c.clamp(st.bitrate - c.cfg.Step)
		st.goodStreak = 0
		st.badStreak++
	case lat < target/2 && loss < 1:
		st.badStreak = 0
		st.goodStreak++
		if st.goodStreak >= c.cfg.IncreaseAfter {
			st.bitrate = c.clamp(st.bitrate + c.cfg.Step)
			st.goodStreak = 0
		}
	default:
		st.goodStreak = 0
		st.badStreak = 0
	}

	if st.bitrate != old {
		c.log.Debugw("bitrate adjusted", "player", uuid, "from", old, "to", st.bitrate,
			"latencyMs", lat, "lossPct", loss)
	}
}

func (c *Controller) clamp(b int) int {
	if b < c.cfg.MinBitrate {
		return c.cfg.MinBitrate
	}
	if b > c.cfg.MaxBitrate {
		return c.cfg.MaxBitrate
	}
	return b
}

// BitrateFor returns the current target for uuid, or the initial bitrate
// for untracked players. It never creates state.
func (c *Controller) BitrateFor(uuid string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.players[uuid]; ok {
		return st.bitrate
	}
	return c.clamp(c.cfg.InitialBitrate)
}

// TierFor maps a bitrate onto its quality tier.
func TierFor(bitrate int) Tier {
	switch {
	case bitrate <= 48000:
		return TierLow
	case bitrate <= 96000:
		return TierMedium
	default:
		return TierHigh
	}
}

// QualityTier returns the tier of uuid's current bitrate.
func (c *Controller) QualityTier(uuid string) Tier {
	return TierFor(c.BitrateFor(uuid))
}

// RemovePlayer forgets uuid.
func (c *Controller) RemovePlayer(uuid string) {
	c.mu.Lock()
	delete(c.players, uuid)
	c.mu.Unlock()
}

// PlayerStats returns uuid's state, false when untracked.
func (c *Controller) PlayerStats(uuid string) (PlayerStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.players[uuid]
	if !ok {
		return PlayerStats{}, false
	}
	return PlayerStats{
		Bitrate:           st.bitrate,
		Quality:           TierFor(st.bitrate),
		AverageLatencyMs:  st.latency.mean(),
		AveragePacketLoss: st.loss.mean(),
		Samples:           st.latency.len() + st.loss.len(),
	}, true
}

// Stats summarizes every tracked player.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		ActivePlayers: len(c.players),
		Distribution:  map[Tier]int{TierLow: 0, TierMedium: 0, TierHigh: 0},
	}
	if len(c.players) == 0 {
		return s
	}
	total := 0
	for _, st := range c.players {
		total += st.bitrate
		s.Distribution[TierFor(st.bitrate)]++
	}
	s.AverageBitrate = total / len(c.players)
	return s
}
