package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"proxvoice/internal/logging"
)

// EnvPrefix prefixes every environment variable the server reads.
const EnvPrefix = "PROXVOICE_"

// Duration is a time.Duration written as a string ("30s", "100ms") in
// configuration files.
type Duration time.Duration

// Std converts d for use with the time package.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	HTTP      *HTTPConfig      `json:"http" yaml:"http"`
	WebSocket *WebSocketConfig `json:"websocket" yaml:"websocket"`
	Voice     *VoiceConfig     `json:"voice" yaml:"voice"`
	Spatial   *SpatialConfig   `json:"spatial" yaml:"spatial"`
	Bitrate   *BitrateConfig   `json:"bitrate" yaml:"bitrate"`
	RateLimit *RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Database  *DatabaseConfig  `json:"database" yaml:"database"`
	Logging   *LoggingConfig   `json:"logging" yaml:"logging"`
	Auth      *AuthConfig      `json:"auth" yaml:"auth"`
}

type HTTPConfig struct {
	Host            string   `json:"host" yaml:"host"`
	Port            int      `json:"port" yaml:"port"`
	ReadTimeout     Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Addr joins host and port.
func (h *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// FUNCTIONAL DISCOVERY: WebSocket limits bound per-connection memory; a slow
// listener loses frames once its send buffer is full
type WebSocketConfig struct {
	Path               string   `json:"path" yaml:"path"`
	PingInterval       Duration `json:"ping_interval" yaml:"ping_interval"`
	ReadTimeout        Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout       Duration `json:"write_timeout" yaml:"write_timeout"`
	SendBuffer         int      `json:"send_buffer" yaml:"send_buffer"`
	MaxMessageBytes    int64    `json:"max_message_bytes" yaml:"max_message_bytes"`
	HandshakesPerSec   float64  `json:"handshakes_per_second" yaml:"handshakes_per_second"`
	HandshakeBurst     int      `json:"handshake_burst" yaml:"handshake_burst"`
	AdmissionIdleAfter Duration `json:"admission_idle_after" yaml:"admission_idle_after"`
}

// VoiceConfig covers audibility, sessions and the periodic tick.
type VoiceConfig struct {
	ProximityRange    float64  `json:"proximity_range" yaml:"proximity_range"`
	MaxVolumeDistance float64  `json:"max_volume_distance" yaml:"max_volume_distance"`
	MinVolume         float64  `json:"min_volume" yaml:"min_volume"`
	MaxVolume         float64  `json:"max_volume" yaml:"max_volume"`
	Falloff           float64  `json:"falloff" yaml:"falloff"`
	EnableTeamChat    bool     `json:"enable_team_chat" yaml:"enable_team_chat"`
	EnableGlobalChat  bool     `json:"enable_global_chat" yaml:"enable_global_chat"`
	MaxSessions       int      `json:"max_sessions" yaml:"max_sessions"`
	UpdateInterval    Duration `json:"update_interval" yaml:"update_interval"`
	SessionTimeout    Duration `json:"session_timeout" yaml:"session_timeout"`
	SweepInterval     Duration `json:"sweep_interval" yaml:"sweep_interval"`
	LinkingCodeTTL    Duration `json:"linking_code_ttl" yaml:"linking_code_ttl"`
	Codec             string   `json:"codec" yaml:"codec"`
}

type SpatialConfig struct {
	CellSize float64  `json:"cell_size" yaml:"cell_size"`
	CacheTTL Duration `json:"cache_ttl" yaml:"cache_ttl"`
}

type BitrateConfig struct {
	Min           int      `json:"min" yaml:"min"`
	Max           int      `json:"max" yaml:"max"`
	Initial       int      `json:"initial" yaml:"initial"`
	Step          int      `json:"step" yaml:"step"`
	TargetLatency Duration `json:"target_latency" yaml:"target_latency"`
	Cooldown      Duration `json:"cooldown" yaml:"cooldown"`
	SampleWindow  int      `json:"sample_window" yaml:"sample_window"`
	IncreaseAfter int      `json:"increase_after" yaml:"increase_after"`
}

type RateLimitConfig struct {
	MaxRequestsPerMinute int      `json:"max_requests_per_minute" yaml:"max_requests_per_minute"`
	MaxAudioPerMinute    int      `json:"max_audio_per_minute" yaml:"max_audio_per_minute"`
	MaxPerSecond         int      `json:"max_per_second" yaml:"max_per_second"`
	BanDuration          Duration `json:"ban_duration" yaml:"ban_duration"`
	CleanupInterval      Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
}

// FUNCTIONAL DISCOVERY: Database configuration supports SQLite optimizations
// An empty path disables ban persistence
type DatabaseConfig struct {
	Path          string   `json:"path" yaml:"path"`
	Timeout       Duration `json:"timeout" yaml:"timeout"`
	PurgeInterval Duration `json:"purge_interval" yaml:"purge_interval"`
}

type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`
	File       string `json:"file" yaml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

type AuthConfig struct {
	Token     string   `json:"token" yaml:"token"`
	Whitelist []string `json:"whitelist" yaml:"whitelist"`
	Blacklist []string `json:"blacklist" yaml:"blacklist"`
}

// FUNCTIONAL DISCOVERY: Defaults reproduce the voice server's long-standing
// tuning: 30-block proximity, 50-block volume curve, 100ms tick
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(30 * time.Second),
		},
		WebSocket: &WebSocketConfig{
			Path:               "/ws",
			PingInterval:       Duration(30 * time.Second),
			ReadTimeout:        Duration(60 * time.Second),
			WriteTimeout:       Duration(5 * time.Second),
			SendBuffer:         256,
			MaxMessageBytes:    64 * 1024,
			HandshakesPerSec:   2,
			HandshakeBurst:     10,
			AdmissionIdleAfter: Duration(5 * time.Minute),
		},
		Voice: &VoiceConfig{
			ProximityRange:    30,
			MaxVolumeDistance: 50,
			MinVolume:         0.1,
			MaxVolume:         1.0,
			Falloff:           1.5,
			EnableTeamChat:    true,
			EnableGlobalChat:  false,
			MaxSessions:       100,
			UpdateInterval:    Duration(100 * time.Millisecond),
			SessionTimeout:    Duration(30 * time.Second),
			SweepInterval:     Duration(5 * time.Second),
			LinkingCodeTTL:    Duration(2 * time.Minute),
			Codec:             "pcm16",
		},
		Spatial: &SpatialConfig{
			CellSize: 50,
			CacheTTL: Duration(100 * time.Millisecond),
		},
		Bitrate: &BitrateConfig{
			Min:           32000,
			Max:           128000,
			Initial:       64000,
			Step:          8000,
			TargetLatency: Duration(100 * time.Millisecond),
			Cooldown:      Duration(2 * time.Second),
			SampleWindow:  10,
			IncreaseAfter: 3,
		},
		RateLimit: &RateLimitConfig{
			MaxRequestsPerMinute: 100,
			MaxAudioPerMinute:    500,
			MaxPerSecond:         20,
			BanDuration:          Duration(5 * time.Minute),
			CleanupInterval:      Duration(time.Minute),
		},
		Database: &DatabaseConfig{
			Path:          "./proxvoice.db",
			Timeout:       Duration(30 * time.Second),
			PurgeInterval: Duration(10 * time.Minute),
		},
		Logging: &LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Auth: &AuthConfig{},
	}
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
// Critical for preventing runtime failures in production deployment
func (c *Config) Validate() error {
	if c.HTTP == nil || c.WebSocket == nil || c.Voice == nil || c.Spatial == nil ||
		c.Bitrate == nil || c.RateLimit == nil || c.Database == nil || c.Logging == nil || c.Auth == nil {
		return fmt.Errorf("every configuration section is required")
	}

	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 0 and 65535 (0 picks a free port)")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP timeouts must be positive")
	}

	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		return fmt.Errorf("WebSocket path must start with /")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket intervals must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.ReadTimeout {
		return fmt.Errorf("WebSocket ping interval must be shorter than the read timeout")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("WebSocket send buffer must be positive")
	}
	if c.WebSocket.MaxMessageBytes <= 0 {
		return fmt.Errorf("WebSocket max message size must be positive")
	}

	v := c.Voice
	if v.ProximityRange <= 0 {
		return fmt.Errorf("voice proximity range must be positive")
	}
	if v.MaxVolumeDistance < v.ProximityRange {
		return fmt.Errorf("voice max volume distance must be at least the proximity range")
	}
	if v.MinVolume < 0 || v.MaxVolume > 1 || v.MinVolume > v.MaxVolume {
		return fmt.Errorf("voice volumes must satisfy 0 <= min <= max <= 1")
	}
	if v.Falloff <= 0 {
		return fmt.Errorf("voice falloff must be positive")
	}
	if v.MaxSessions <= 0 {
		return fmt.Errorf("voice max sessions must be positive")
	}
	if v.UpdateInterval <= 0 || v.SessionTimeout <= 0 || v.SweepInterval <= 0 || v.LinkingCodeTTL <= 0 {
		return fmt.Errorf("voice intervals must be positive")
	}

	if c.Spatial.CellSize <= 0 {
		return fmt.Errorf("spatial cell size must be positive")
	}
	if c.Spatial.CacheTTL <= 0 {
		return fmt.Errorf("spatial cache TTL must be positive")
	}

	b := c.Bitrate
	if b.Min <= 0 || b.Min > b.Max {
		return fmt.Errorf("bitrate bounds must satisfy 0 < min <= max")
	}
	if b.Initial < b.Min || b.Initial > b.Max {
		return fmt.Errorf("initial bitrate must lie within [min, max]")
	}
	if b.Step <= 0 || b.TargetLatency <= 0 || b.SampleWindow <= 0 || b.IncreaseAfter <= 0 {
		return fmt.Errorf("bitrate step, target latency, sample window and increase streak must be positive")
	}

	rl := c.RateLimit
	if rl.MaxRequestsPerMinute <= 0 || rl.MaxAudioPerMinute <= 0 || rl.MaxPerSecond <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if rl.BanDuration <= 0 || rl.CleanupInterval <= 0 {
		return fmt.Errorf("rate limit durations must be positive")
	}

	if c.Database.Path != "" && c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}

// FUNCTIONAL DISCOVERY: Environment variable configuration enables deployment flexibility
// Supports containerized deployments and configuration management systems
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config, os.LookupEnv); err != nil {
		return nil, err
	}
	return config, nil
}

type lookupFunc func(string) (string, bool)

// envBinding ties one variable, without the prefix, to a setter.
type envBinding struct {
	name string
	set  func(string) error
}

func stringVar(dst *string) func(string) error {
	return func(s string) error { *dst = s; return nil }
}

func intVar(dst *int) func(string) error {
	return func(s string) error {
		v, err := strconv.Atoi(s)
		if err == nil {
			*dst = v
		}
		return err
	}
}

func int64Var(dst *int64) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			*dst = v
		}
		return err
	}
}

func floatVar(dst *float64) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseFloat(s, 64)
		if err == nil {
			*dst = v
		}
		return err
	}
}

func boolVar(dst *bool) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseBool(s)
		if err == nil {
			*dst = v
		}
		return err
	}
}

func durationVar(dst *Duration) func(string) error {
	return func(s string) error { return dst.UnmarshalText([]byte(s)) }
}

func listVar(dst *[]string) func(string) error {
	return func(s string) error {
		var out []string
		for _, item := range strings.Split(s, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst = out
		return nil
	}
}

func (c *Config) envBindings() []envBinding {
	return []envBinding{
		{"HTTP_HOST", stringVar(&c.HTTP.Host)},
		{"HTTP_PORT", intVar(&c.HTTP.Port)},
		{"HTTP_READ_TIMEOUT", durationVar(&c.HTTP.ReadTimeout)},
		{"HTTP_WRITE_TIMEOUT", durationVar(&c.HTTP.WriteTimeout)},
		{"HTTP_SHUTDOWN_TIMEOUT", durationVar(&c.HTTP.ShutdownTimeout)},

		{"WEBSOCKET_PATH", stringVar(&c.WebSocket.Path)},
		{"WEBSOCKET_PING_INTERVAL", durationVar(&c.WebSocket.PingInterval)},
		{"WEBSOCKET_READ_TIMEOUT", durationVar(&c.WebSocket.ReadTimeout)},
		{"WEBSOCKET_WRITE_TIMEOUT", durationVar(&c.WebSocket.WriteTimeout)},
		{"WEBSOCKET_SEND_BUFFER", intVar(&c.WebSocket.SendBuffer)},
		{"WEBSOCKET_MAX_MESSAGE_BYTES", int64Var(&c.WebSocket.MaxMessageBytes)},
		{"WEBSOCKET_HANDSHAKES_PER_SECOND", floatVar(&c.WebSocket.HandshakesPerSec)},
		{"WEBSOCKET_HANDSHAKE_BURST", intVar(&c.WebSocket.HandshakeBurst)},

		{"VOICE_PROXIMITY_RANGE", floatVar(&c.Voice.ProximityRange)},
		{"VOICE_MAX_VOLUME_DISTANCE", floatVar(&c.Voice.MaxVolumeDistance)},
		{"VOICE_MIN_VOLUME", floatVar(&c.Voice.MinVolume)},
		{"VOICE_MAX_VOLUME", floatVar(&c.Voice.MaxVolume)},
		{"VOICE_FALLOFF", floatVar(&c.Voice.Falloff)},
		{"VOICE_ENABLE_TEAM_CHAT", boolVar(&c.Voice.EnableTeamChat)},
		{"VOICE_ENABLE_GLOBAL_CHAT", boolVar(&c.Voice.EnableGlobalChat)},
		{"VOICE_MAX_SESSIONS", intVar(&c.Voice.MaxSessions)},
		{"VOICE_UPDATE_INTERVAL", durationVar(&c.Voice.UpdateInterval)},
		{"VOICE_SESSION_TIMEOUT", durationVar(&c.Voice.SessionTimeout)},
		{"VOICE_SWEEP_INTERVAL", durationVar(&c.Voice.SweepInterval)},
		{"VOICE_LINKING_CODE_TTL", durationVar(&c.Voice.LinkingCodeTTL)},
		{"VOICE_CODEC", stringVar(&c.Voice.Codec)},

		{"SPATIAL_CELL_SIZE", floatVar(&c.Spatial.CellSize)},
		{"SPATIAL_CACHE_TTL", durationVar(&c.Spatial.CacheTTL)},

		{"BITRATE_MIN", intVar(&c.Bitrate.Min)},
		{"BITRATE_MAX", intVar(&c.Bitrate.Max)},
		{"BITRATE_INITIAL", intVar(&c.Bitrate.Initial)},
		{"BITRATE_STEP", intVar(&c.Bitrate.Step)},
		{"BITRATE_TARGET_LATENCY", durationVar(&c.Bitrate.TargetLatency)},

		{"RATE_LIMIT_MAX_REQUESTS_PER_MINUTE", intVar(&c.RateLimit.MaxRequestsPerMinute)},
		{"RATE_LIMIT_MAX_AUDIO_PER_MINUTE", intVar(&c.RateLimit.MaxAudioPerMinute)},
		{"RATE_LIMIT_MAX_PER_SECOND", intVar(&c.RateLimit.MaxPerSecond)},
		{"RATE_LIMIT_BAN_DURATION", durationVar(&c.RateLimit.BanDuration)},

		{"DATABASE_PATH", stringVar(&c.Database.Path)},
		{"DATABASE_TIMEOUT", durationVar(&c.Database.Timeout)},

		{"LOG_LEVEL", stringVar(&c.Logging.Level)},
		{"LOG_FILE", stringVar(&c.Logging.File)},

		{"AUTH_TOKEN", stringVar(&c.Auth.Token)},
		{"AUTH_WHITELIST", listVar(&c.Auth.Whitelist)},
		{"AUTH_BLACKLIST", listVar(&c.Auth.Blacklist)},
	}
}

// applyEnv overrides c with every variable present in lookup. A variable
// that is set but unparsable is an error rather than a silent default.
func applyEnv(c *Config, lookup lookupFunc) error {
	for _, b := range c.envBindings() {
		raw, ok := lookup(EnvPrefix + b.name)
		if !ok {
			continue
		}
		if err := b.set(strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, b.name, err)
		}
	}
	return nil
}

// FUNCTIONAL DISCOVERY: File-based configuration supports complex deployment scenarios
// JSON and YAML are both accepted, chosen by extension; keys absent from the
// file keep their current values
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := decodeFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func decodeFile(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	case ".json", "":
		err = json.Unmarshal(data, c)
	default:
		return fmt.Errorf("unsupported config file type %q", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// FUNCTIONAL DISCOVERY: Configuration precedence: file > environment > defaults
// Enables flexible deployment patterns while maintaining sane defaults
func LoadConfigWithPrecedence(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config, os.LookupEnv); err != nil {
		return nil, err
	}
	if path != "" {
		if err := decodeFile(config, path); err != nil {
			return nil, err
		}
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
