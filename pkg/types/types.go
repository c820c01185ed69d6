package types

import (
	"strings"
	"time"
)

// ARCHITECTURAL DISCOVERY: Inbound message types are the complete set the
// router dispatches on; anything else is dropped before reaching a handler
const (
	MessageTypePlayerJoin        = "player_join"
	MessageTypePlayerLeave       = "player_leave"
	MessageTypePlayerUpdate      = "player_update"
	MessageTypeTeamChange        = "team_change"
	MessageTypeAudioStart        = "audio_start"
	MessageTypeAudioChunk        = "audio_chunk"
	MessageTypeAudioStop         = "audio_stop"
	MessageTypeMutePlayer        = "mute_player"
	MessageTypeUnmutePlayer      = "unmute_player"
	MessageTypeHeartbeat         = "heartbeat"
	MessageTypeReportLatency     = "report_latency"
	MessageTypeReportPacketLoss  = "report_packet_loss"
	MessageTypeSubmitLinkingCode = "submit_linking_code"
	MessageTypeGetLinkingCode    = "get_linking_code"
)

// Outbound-only message types
const (
	MessageTypeJoinConfirm       = "join_confirm"
	MessageTypeLinkingRequired   = "linking_required"
	MessageTypeLinkingResult     = "linking_result"
	MessageTypeLinkingCode       = "linking_code"
	MessageTypePlayerEvent       = "player_event"
	MessageTypeRateLimitExceeded = "rate_limit_exceeded"
	MessageTypeError             = "error"
)

// Player event names carried by player_event frames
const (
	PlayerEventJoin  = "join"
	PlayerEventLeave = "leave"
)

// DefaultDimension is assigned to sessions whose client never reported one.
const DefaultDimension = "overworld"

// DeviceType classifies an attached device. Only the world client is allowed
// to move a session's position.
type DeviceType string

const (
	DeviceWorldClient DeviceType = "world-client"
	DeviceDesktop     DeviceType = "desktop"
	DeviceMobile      DeviceType = "mobile"
	DeviceOther       DeviceType = "other"
)

// ParseDeviceType maps client-reported device names onto the four known
// classes. Legacy names sent by older clients are accepted.
func ParseDeviceType(s string) DeviceType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "world-client", "world", "minecraft", "game":
		return DeviceWorldClient
	case "desktop", "windows", "macos", "linux":
		return DeviceDesktop
	case "mobile", "android", "ios":
		return DeviceMobile
	default:
		return DeviceOther
	}
}

// Vec3 is a position in world coordinates.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Rotation is a player's look direction in degrees.
type Rotation struct {
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// DeviceInfo describes one attached device without exposing its connection.
type DeviceInfo struct {
	ID          string     `json:"id"`
	Type        DeviceType `json:"type"`
	ConnectedAt time.Time  `json:"connectedAt"`
	LastUpdate  time.Time  `json:"lastUpdate"`
}

// PlayerSnapshot is a point-in-time copy of a session. It shares no memory
// with the registry and can be read without locks.
// FUNCTIONAL DISCOVERY: MuteList is copied on every snapshot so that callers
// mutating the slice never touch live session state
type PlayerSnapshot struct {
	UUID          string       `json:"uuid"`
	Name          string       `json:"name"`
	Version       string       `json:"version,omitempty"`
	Position      Vec3         `json:"position"`
	Rotation      Rotation     `json:"rotation"`
	Dimension     string       `json:"dimension"`
	TeamID        string       `json:"teamId,omitempty"`
	IsSpeaking    bool         `json:"isSpeaking"`
	IsMuted       bool         `json:"isMuted"`
	Located       bool         `json:"located"`
	MuteList      []string     `json:"muteList,omitempty"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
	Devices       []DeviceInfo `json:"devices,omitempty"`
}

// ID returns the session uuid.
func (p PlayerSnapshot) ID() string { return p.UUID }

// Pos returns the last authoritative position.
func (p PlayerSnapshot) Pos() Vec3 { return p.Position }

// Dim returns the dimension the player is in.
func (p PlayerSnapshot) Dim() string { return p.Dimension }

// Team returns the team id, empty when the player has none.
func (p PlayerSnapshot) Team() string { return p.TeamID }

// IsSelfMuted reports whether the player muted their own microphone.
func (p PlayerSnapshot) IsSelfMuted() bool { return p.IsMuted }

// HasMuted reports whether uuid is in the player's mute list.
func (p PlayerSnapshot) HasMuted(uuid string) bool {
	for _, m := range p.MuteList {
		if m == uuid {
			return true
		}
	}
	return false
}

// PeerInfo is the compact player description sent in join_confirm and
// player_update frames.
type PeerInfo struct {
	UUID       string    `json:"uuid"`
	Name       string    `json:"name"`
	Position   Vec3      `json:"position"`
	Rotation   *Rotation `json:"rotation,omitempty"`
	Dimension  string    `json:"dimension,omitempty"`
	TeamID     string    `json:"teamId,omitempty"`
	IsSpeaking bool      `json:"isSpeaking"`
}

// Peer converts a snapshot into its wire description.
func (p PlayerSnapshot) Peer() PeerInfo {
	rot := p.Rotation
	return PeerInfo{
		UUID:       p.UUID,
		Name:       p.Name,
		Position:   p.Position,
		Rotation:   &rot,
		Dimension:  p.Dimension,
		TeamID:     p.TeamID,
		IsSpeaking: p.IsSpeaking,
	}
}
