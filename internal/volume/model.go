// Package volume decides who can hear whom and how loudly.
package volume

import (
	"math"
	"sort"

	"proxvoice/pkg/types"
)

// Party is the view of a session the model needs. Registry sessions and
// types.PlayerSnapshot both implement it.
type Party interface {
	ID() string
	Pos() types.Vec3
	Dim() string
	Team() string
	IsSelfMuted() bool
	HasMuted(uuid string) bool
}

// Config holds the hearing and attenuation parameters.
type Config struct {
	ProximityRange    float64
	MaxVolumeDistance float64
	MinVolume         float64
	MaxVolume         float64
	Falloff           float64
	EnableTeamChat    bool
	EnableGlobalChat  bool
}

// DefaultConfig mirrors the server defaults.
func DefaultConfig() Config {
	return Config{
		ProximityRange:    30,
		MaxVolumeDistance: 50,
		MinVolume:         0.1,
		MaxVolume:         1.0,
		Falloff:           1.5,
		EnableTeamChat:    true,
		EnableGlobalChat:  false,
	}
}

// DistanceFunc measures the distance between two parties. The registry
// supplies a cached implementation.
type DistanceFunc func(a, b Party) float64

// Euclidean is the plain 3D distance.
func Euclidean(a, b types.Vec3) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Model is stateless apart from its configuration and is safe for
// concurrent use.
type Model struct {
	cfg      Config
	distance DistanceFunc
}

// NewModel creates a model. A nil distance uses Euclidean.
func NewModel(cfg Config, distance DistanceFunc) *Model {
	if distance == nil {
		distance = func(a, b Party) float64 { return Euclidean(a.Pos(), b.Pos()) }
	}
	return &Model{cfg: cfg, distance: distance}
}

// Config returns the model parameters.
func (m *Model) Config() Config { return m.cfg }

// Distance measures listener-speaker distance with the configured function.
func (m *Model) Distance(a, b Party) float64 { return m.distance(a, b) }

// CanHear reports whether listener may receive speaker's audio.
// FUNCTIONAL DISCOVERY: A mute in either party's list cuts the pair off in
// both directions, and a self-muted player neither speaks nor listens
func (m *Model) CanHear(listener, speaker Party) bool {
	if listener.ID() == speaker.ID() {
		return false
	}
	if listener.IsSelfMuted() || speaker.IsSelfMuted() {
		return false
	}
	if listener.HasMuted(speaker.ID()) || speaker.HasMuted(listener.ID()) {
		return false
	}
	if listener.Dim() != speaker.Dim() {
		return false
	}
	if m.cfg.EnableGlobalChat {
		return true
	}
	if m.cfg.EnableTeamChat && speaker.Team() != "" && listener.Team() == speaker.Team() {
		return true
	}
	return m.distance(listener, speaker) <= m.cfg.ProximityRange
}

// VolumeFor returns the playback volume for listener, false when the
// speaker is beyond MaxVolumeDistance.
func (m *Model) VolumeFor(listener, speaker Party) (float64, bool) {
	return m.volumeAt(m.distance(listener, speaker))
}

func (m *Model) volumeAt(d float64) (float64, bool) {
	if d > m.cfg.MaxVolumeDistance {
		return 0, false
	}
	ratio := 1 - d/m.cfg.MaxVolumeDistance
	ratio = math.Max(0, math.Min(1, ratio))
	v := m.cfg.MaxVolume * math.Pow(ratio, m.cfg.Falloff)
	return math.Max(m.cfg.MinVolume, math.Min(m.cfg.MaxVolume, v)), true
}

// Audience is one resolved listener.
type Audience struct {
	UUID     string
	Volume   float64
	Distance float64
}

// Audible combines CanHear and VolumeFor, measuring distance once.
func (m *Model) Audible(listener, speaker Party) (Audience, bool) {
	if !m.CanHear(listener, speaker) {
		return Audience{}, false
	}
	d := m.distance(listener, speaker)
	v, ok := m.volumeAt(d)
	if !ok {
		return Audience{}, false
	}
	return Audience{UUID: listener.ID(), Volume: v, Distance: d}, true
}

// Listeners filters candidates down to those who hear speaker, nearest
// first. Candidates may contain duplicates and the speaker itself.
func (m *Model) Listeners(speaker Party, candidates []Party) []Audience {
	seen := make(map[string]struct{}, len(candidates))
	out := make([]Audience, 0, len(candidates))
	for _, c := range candidates {
		if _, dup := seen[c.ID()]; dup {
			continue
		}
		seen[c.ID()] = struct{}{}
		if a, ok := m.Audible(c, speaker); ok {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out
}
