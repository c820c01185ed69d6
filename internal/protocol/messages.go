package protocol

import (
	"encoding/json"

	"proxvoice/pkg/types"
)

// Envelope is the part of every frame the router dispatches on.
type Envelope struct {
	Type string
	UUID string
	Raw  []byte
}

// Bind decodes the full frame into dst.
func (e Envelope) Bind(dst any) error {
	return json.Unmarshal(e.Raw, dst)
}

// Inbound payloads.

type JoinFrame struct {
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	DeviceType  string `json:"deviceType"`
	LinkingCode string `json:"linkingCode"`
	Token       string `json:"token"`
}

type PlayerUpdateFrame struct {
	UUID       string          `json:"uuid"`
	DeviceType string          `json:"deviceType"`
	Position   *types.Vec3     `json:"position"`
	Rotation   *types.Rotation `json:"rotation"`
	Dimension  string          `json:"dimension"`
	TeamID     OptionalString  `json:"teamId"`
	IsMuted    *bool           `json:"isMuted"`
}

// OptionalString tells an absent field apart from an explicit null.
type OptionalString struct {
	Set   bool
	Value string
}

func (o *OptionalString) UnmarshalJSON(data []byte) error {
	o.Set = true
	if string(data) == "null" {
		o.Value = ""
		return nil
	}
	return json.Unmarshal(data, &o.Value)
}

// Ptr is nil when the field was absent; an explicit null yields "".
func (o OptionalString) Ptr() *string {
	if !o.Set {
		return nil
	}
	v := o.Value
	return &v
}

type TeamChangeFrame struct {
	UUID   string  `json:"uuid"`
	TeamID *string `json:"teamId"`
}

// AudioFrame carries base64 audio in JSON; []byte handles the encoding.
type AudioFrame struct {
	UUID      string `json:"uuid"`
	AudioData []byte `json:"audioData"`
}

type MuteFrame struct {
	UUID   string `json:"uuid"`
	Target string `json:"targetUuid"`
}

type LatencyFrame struct {
	UUID    string  `json:"uuid"`
	Latency float64 `json:"latency"`
}

type PacketLossFrame struct {
	UUID       string  `json:"uuid"`
	PacketLoss float64 `json:"packetLoss"`
}

type LinkingCodeFrame struct {
	UUID       string `json:"uuid"`
	DeviceType string `json:"deviceType"`
	Code       string `json:"code"`
}

// Outbound frames.

type ClientConfig struct {
	ProximityRange   float64 `json:"proximityRange"`
	MaxVolume        float64 `json:"maxVolume"`
	MinVolume        float64 `json:"minVolume"`
	EnableGlobalChat bool    `json:"enableGlobalChat"`
	EnableTeamChat   bool    `json:"enableTeamChat"`
	Codec            string  `json:"codec"`
	UpdateIntervalMs int64   `json:"updateInterval"`
}

type JoinConfirm struct {
	Type               string           `json:"type"`
	Success            bool             `json:"success"`
	Reason             string           `json:"reason,omitempty"`
	DeviceID           string           `json:"deviceId,omitempty"`
	DeviceType         types.DeviceType `json:"deviceType,omitempty"`
	LinkingCode        string           `json:"linkingCode,omitempty"`
	LinkingCodeExpires int64            `json:"linkingCodeExpires,omitempty"`
	Config             *ClientConfig    `json:"config,omitempty"`
	OtherPlayers       []types.PeerInfo `json:"otherPlayers,omitempty"`
}

type LinkingRequired struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

type LinkingResult struct {
	Type     string `json:"type"`
	Success  bool   `json:"success"`
	DeviceID string `json:"deviceId,omitempty"`
	Error    string `json:"error,omitempty"`
}

type LinkingCode struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	ExpiresIn int    `json:"expiresIn"`
}

type PlayerUpdate struct {
	Type   string         `json:"type"`
	Player types.PeerInfo `json:"player"`
}

type PlayerEventData struct {
	UUID         string `json:"uuid"`
	Name         string `json:"name"`
	TotalPlayers int    `json:"totalPlayers"`
}

type PlayerEvent struct {
	Type      string          `json:"type"`
	Event     string          `json:"event"`
	Data      PlayerEventData `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type Speaker struct {
	UUID     string     `json:"uuid"`
	Name     string     `json:"name"`
	Position types.Vec3 `json:"position"`
}

type AudioStart struct {
	Type      string  `json:"type"`
	Speaker   Speaker `json:"speaker"`
	Volume    float64 `json:"volume"`
	Distance  float64 `json:"distance"`
	AudioData []byte  `json:"audioData,omitempty"`
}

type AudioChunk struct {
	Type       string  `json:"type"`
	Speaker    Speaker `json:"speaker"`
	Volume     float64 `json:"volume"`
	Distance   float64 `json:"distance"`
	AudioChunk []byte  `json:"audioChunk"`
	Codec      string  `json:"codec"`
	Bitrate    int     `json:"bitrate"`
}

type AudioStop struct {
	Type    string  `json:"type"`
	Speaker Speaker `json:"speaker"`
}

type RateLimitExceeded struct {
	Type       string `json:"type"`
	Reason     string `json:"reason"`
	RetryAfter int64  `json:"retryAfter"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}
