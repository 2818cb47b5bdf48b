package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Name conflict policies.
const (
	ConflictReject = "reject"
	ConflictSuffix = "suffix"
)

// FloodConfig bounds how many chat messages a session may send in a trailing window.
type FloodConfig struct {
	Threshold int           `mapstructure:"threshold" yaml:"threshold"`
	Window    time.Duration `mapstructure:"window" yaml:"window"`
	// DisconnectAfter closes a session after this many consecutive blocked
	// messages. Zero only warns.
	DisconnectAfter int `mapstructure:"disconnect_after" yaml:"disconnect_after"`
}

// FrameLimitConfig is the per-connection token bucket applied to every
// inbound frame, admin or not.
type FrameLimitConfig struct {
	PerSecond float64 `mapstructure:"per_second" yaml:"per_second"`
	Burst     int     `mapstructure:"burst" yaml:"burst"`
}

type HeartbeatConfig struct {
	Interval        time.Duration `mapstructure:"interval" yaml:"interval"`
	TimeoutMultiple int           `mapstructure:"timeout_multiple" yaml:"timeout_multiple"`
}

// Timeout is how long a session may stay silent before it is reaped.
func (h HeartbeatConfig) Timeout() time.Duration {
	return h.Interval * time.Duration(h.TimeoutMultiple)
}

type AdminConfig struct {
	RotationInterval time.Duration `mapstructure:"rotation_interval" yaml:"rotation_interval"`
	SecretPath       string        `mapstructure:"secret_path" yaml:"secret_path"`
	SecretLength     int           `mapstructure:"secret_length" yaml:"secret_length"`
}

type BansConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type RoomsConfig struct {
	MainRoom string `mapstructure:"main_room" yaml:"main_room"`
	// StorePath is the SQLite file for room metadata. Empty keeps rooms in memory.
	StorePath string `mapstructure:"store_path" yaml:"store_path"`
}

type NamesConfig struct {
	ConflictPolicy string `mapstructure:"conflict_policy" yaml:"conflict_policy"`
	FallbackPrefix string `mapstructure:"fallback_prefix" yaml:"fallback_prefix"`
	MinLength      int    `mapstructure:"min_length" yaml:"min_length"`
	MaxLength      int    `mapstructure:"max_length" yaml:"max_length"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

type DiscoveryConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Instance string `mapstructure:"instance" yaml:"instance"`
}

type TLSConfig struct {
	CertFile string `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file"`
}

// Enabled reports whether both halves of the key pair are configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// Config holds every runtime setting of the relay.
type Config struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	MaxMessageSize  int64         `mapstructure:"max_message_size" yaml:"max_message_size"`
	SendBuffer      int           `mapstructure:"send_buffer" yaml:"send_buffer"`
	EchoToSender    bool          `mapstructure:"echo_to_sender" yaml:"echo_to_sender"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"`

	Flood      FloodConfig      `mapstructure:"flood" yaml:"flood"`
	FrameLimit FrameLimitConfig `mapstructure:"frame_limit" yaml:"frame_limit"`
	Heartbeat  HeartbeatConfig  `mapstructure:"heartbeat" yaml:"heartbeat"`
	Admin      AdminConfig      `mapstructure:"admin" yaml:"admin"`
	Bans       BansConfig       `mapstructure:"bans" yaml:"bans"`
	Rooms      RoomsConfig      `mapstructure:"rooms" yaml:"rooms"`
	Names      NamesConfig      `mapstructure:"names" yaml:"names"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery" yaml:"discovery"`
	TLS        TLSConfig        `mapstructure:"tls" yaml:"tls"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Addr:            ":3333",
		AllowedOrigins:  []string{"*"},
		MaxMessageSize:  1 << 20,
		SendBuffer:      256,
		EchoToSender:    true,
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
		Flood: FloodConfig{
			Threshold: 30,
			Window:    60 * time.Second,
		},
		FrameLimit: FrameLimitConfig{
			PerSecond: 10,
			Burst:     20,
		},
		Heartbeat: HeartbeatConfig{
			Interval:        30 * time.Second,
			TimeoutMultiple: 3,
		},
		Admin: AdminConfig{
			RotationInterval: time.Hour,
			SecretPath:       "admin.txt",
			SecretLength:     12,
		},
		Bans: BansConfig{
			Path: "banned.txt",
		},
		Rooms: RoomsConfig{
			MainRoom: "main",
		},
		Names: NamesConfig{
			ConflictPolicy: ConflictReject,
			FallbackPrefix: "guest",
			MinLength:      2,
			MaxLength:      20,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Discovery: DiscoveryConfig{
			Instance: "relay",
		},
	}
}

// Sanitize replaces zero or out-of-range values with their defaults.
func (cfg Config) Sanitize() Config {
	def := DefaultConfig()

	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.Flood.Threshold <= 0 {
		cfg.Flood.Threshold = def.Flood.Threshold
	}
	if cfg.Flood.Window <= 0 {
		cfg.Flood.Window = def.Flood.Window
	}
	if cfg.Flood.DisconnectAfter < 0 {
		cfg.Flood.DisconnectAfter = 0
	}
	if cfg.FrameLimit.PerSecond <= 0 {
		cfg.FrameLimit.PerSecond = def.FrameLimit.PerSecond
	}
	if cfg.FrameLimit.Burst <= 0 {
		cfg.FrameLimit.Burst = def.FrameLimit.Burst
	}
	if cfg.Heartbeat.Interval <= 0 {
		cfg.Heartbeat.Interval = def.Heartbeat.Interval
	}
	if cfg.Heartbeat.TimeoutMultiple <= 0 {
		cfg.Heartbeat.TimeoutMultiple = def.Heartbeat.TimeoutMultiple
	}
	if cfg.Admin.RotationInterval <= 0 {
		cfg.Admin.RotationInterval = def.Admin.RotationInterval
	}
	if cfg.Admin.SecretPath == "" {
		cfg.Admin.SecretPath = def.Admin.SecretPath
	}
	if cfg.Admin.SecretLength < 8 {
		cfg.Admin.SecretLength = def.Admin.SecretLength
	}
	if cfg.Bans.Path == "" {
		cfg.Bans.Path = def.Bans.Path
	}
	if main, err := normalizeRoomName(cfg.Rooms.MainRoom); err == nil {
		cfg.Rooms.MainRoom = main
	} else {
		cfg.Rooms.MainRoom = def.Rooms.MainRoom
	}

	switch cfg.Names.ConflictPolicy {
	case ConflictReject, ConflictSuffix:
	default:
		cfg.Names.ConflictPolicy = def.Names.ConflictPolicy
	}
	if cfg.Names.FallbackPrefix == "" {
		cfg.Names.FallbackPrefix = def.Names.FallbackPrefix
	}
	if cfg.Names.MinLength <= 0 {
		cfg.Names.MinLength = def.Names.MinLength
	}
	if cfg.Names.MaxLength < cfg.Names.MinLength {
		cfg.Names.MaxLength = max(def.Names.MaxLength, cfg.Names.MinLength)
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = def.Metrics.Path
	}
	if cfg.Discovery.Instance == "" {
		cfg.Discovery.Instance = def.Discovery.Instance
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// SetDefaults registers every key of DefaultConfig with v so that env vars
// and config files can override any of them.
func SetDefaults(v *viper.Viper) {
	def := DefaultConfig()
	defaults := map[string]any{
		"addr":                       def.Addr,
		"allowed_origins":            def.AllowedOrigins,
		"max_message_size":           def.MaxMessageSize,
		"send_buffer":                def.SendBuffer,
		"echo_to_sender":             def.EchoToSender,
		"shutdown_timeout":           def.ShutdownTimeout,
		"log_level":                  def.LogLevel,
		"flood.threshold":            def.Flood.Threshold,
		"flood.window":               def.Flood.Window,
		"flood.disconnect_after":     def.Flood.DisconnectAfter,
		"frame_limit.per_second":     def.FrameLimit.PerSecond,
		"frame_limit.burst":          def.FrameLimit.Burst,
		"heartbeat.interval":         def.Heartbeat.Interval,
		"heartbeat.timeout_multiple": def.Heartbeat.TimeoutMultiple,
		"admin.rotation_interval":    def.Admin.RotationInterval,
		"admin.secret_path":          def.Admin.SecretPath,
		"admin.secret_length":        def.Admin.SecretLength,
		"bans.path":                  def.Bans.Path,
		"rooms.main_room":            def.Rooms.MainRoom,
		"rooms.store_path":           def.Rooms.StorePath,
		"names.conflict_policy":      def.Names.ConflictPolicy,
		"names.fallback_prefix":      def.Names.FallbackPrefix,
		"names.min_length":           def.Names.MinLength,
		"names.max_length":           def.Names.MaxLength,
		"metrics.enabled":            def.Metrics.Enabled,
		"metrics.path":               def.Metrics.Path,
		"discovery.enabled":          def.Discovery.Enabled,
		"discovery.instance":         def.Discovery.Instance,
		"tls.cert_file":              def.TLS.CertFile,
		"tls.key_file":               def.TLS.KeyFile,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// LoadConfig resolves the configuration from v. Values come, in increasing
// priority, from defaults, the config file already read into v, RELAY_*
// environment variables, and flags bound to v.
func LoadConfig(v *viper.Viper) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return cfg.Sanitize(), nil
}
