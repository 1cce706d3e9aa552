package capture

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/video-system/go-capture-encoder/pkg/encode"
	"github.com/video-system/go-capture-encoder/pkg/input"
)

// Config holds all capture configuration
type Config struct {
	// Single-channel mode
	Input  InputConfig  `yaml:"input"`
	Encode EncodeConfig `yaml:"encode"`
	Output OutputConfig `yaml:"output"`
	Buffer BufferConfig `yaml:"buffer"`

	// Multi-channel mode
	Channels []ChannelConfig `yaml:"channels"`

	// Shared configuration
	API      APIConfig      `yaml:"api"`
	Log      LogConfig      `yaml:"log"`
	Platform PlatformConfig `yaml:"platform"`
}

// IsMultiChannel returns true if multiple channels are configured
func (c *Config) IsMultiChannel() bool {
	return len(c.Channels) > 0
}

// InputConfig configures the raw frame source
type InputConfig struct {
	Type       string `yaml:"type"`       // testpattern, v4l2, avfoundation, dshow, screen, file, rtsp, srt
	Device     string `yaml:"device"`     // Device identifier or URL
	Resolution string `yaml:"resolution"` // 640x480
	Framerate  int    `yaml:"framerate"`  // 15
	Format     string `yaml:"format"`     // yuv420p, nv12; empty negotiates
}

// EncodeConfig configures the encoder session
type EncodeConfig struct {
	Type             string        `yaml:"type"`               // ffmpeg, loopback; empty picks by codec
	Codec            string        `yaml:"codec"`              // video/avc, video/hevc
	Bitrate          int           `yaml:"bitrate"`            // Target bitrate in bps
	Framerate        int           `yaml:"framerate"`          // Frame-rate hint
	KeyFrameInterval time.Duration `yaml:"key_frame_interval"` // 5s
	InputSlots       int           `yaml:"input_slots"`
	OutputSlots      int           `yaml:"output_slots"`
	InputTimeout     time.Duration `yaml:"input_timeout"` // wait for a free input slot; 0 drops the frame at once
}

// OutputConfig configures where encoded units go
type OutputConfig struct {
	Type        string `yaml:"type"`    // file, rtp, none
	Path        string `yaml:"path"`    // file: Annex-B output path
	Address     string `yaml:"address"` // rtp: host:port
	PayloadType uint8  `yaml:"payload_type"`
	MTU         int    `yaml:"mtu"`
}

// BufferConfig configures the ring buffer of recent units
type BufferConfig struct {
	Units    int           `yaml:"units"`    // Max units kept (300)
	Duration time.Duration `yaml:"duration"` // How long to keep (0 = by count only)
	Path     string        `yaml:"path"`     // Index directory (optional)
}

// APIConfig configures the status API
type APIConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// LogConfig configures structured logging
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// PlatformConfig configures optional status reporting
type PlatformConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	APIKey        string `yaml:"api_key"`
	AgentID       string `yaml:"agent_id"`
	HeartbeatSecs int    `yaml:"heartbeat_secs"`
}

// ChannelConfig holds per-channel configuration
type ChannelConfig struct {
	ID     string       `yaml:"id"`
	Input  InputConfig  `yaml:"input"`
	Encode EncodeConfig `yaml:"encode"`
	Output OutputConfig `yaml:"output"`
	Buffer BufferConfig `yaml:"buffer"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration, applies defaults and validates it
func ParseConfig(data []byte) (*Config, error) {
	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	// Single-channel settings are the defaults for every channel
	shared := ChannelConfig{Input: c.Input, Encode: c.Encode, Output: c.Output, Buffer: c.Buffer}
	shared.applyDefaults(ChannelConfig{})
	c.Input, c.Encode, c.Output, c.Buffer = shared.Input, shared.Encode, shared.Output, shared.Buffer

	for i := range c.Channels {
		c.Channels[i].applyDefaults(shared)
	}
}

func (ch *ChannelConfig) applyDefaults(base ChannelConfig) {
	in := &ch.Input
	if in.Type == "" {
		in.Type = or(base.Input.Type, "testpattern")
	}
	if in.Resolution == "" {
		in.Resolution = or(base.Input.Resolution, "640x480")
	}
	if in.Framerate == 0 {
		in.Framerate = orInt(base.Input.Framerate, 15)
	}
	if in.Format == "" {
		in.Format = base.Input.Format
	}

	enc := &ch.Encode
	if enc.Type == "" {
		enc.Type = base.Encode.Type
	}
	if enc.Codec == "" {
		enc.Codec = or(base.Encode.Codec, encode.MimeAVC)
	}
	if enc.Bitrate == 0 {
		enc.Bitrate = orInt(base.Encode.Bitrate, 125000)
	}
	if enc.Framerate == 0 {
		enc.Framerate = orInt(base.Encode.Framerate, in.Framerate)
	}
	if enc.KeyFrameInterval == 0 {
		enc.KeyFrameInterval = base.Encode.KeyFrameInterval
		if enc.KeyFrameInterval == 0 {
			enc.KeyFrameInterval = 5 * time.Second
		}
	}
	if enc.InputSlots == 0 {
		enc.InputSlots = base.Encode.InputSlots
	}
	if enc.OutputSlots == 0 {
		enc.OutputSlots = base.Encode.OutputSlots
	}
	if enc.InputTimeout == 0 {
		enc.InputTimeout = base.Encode.InputTimeout
	}

	out := &ch.Output
	if out.Type == "" {
		out.Type = or(base.Output.Type, "none")
	}
	if out.PayloadType == 0 {
		out.PayloadType = base.Output.PayloadType
	}
	if out.MTU == 0 {
		out.MTU = base.Output.MTU
	}

	if ch.Buffer.Units == 0 {
		ch.Buffer.Units = orInt(base.Buffer.Units, 300)
	}
	if ch.Buffer.Duration == 0 {
		ch.Buffer.Duration = base.Buffer.Duration
	}
	if ch.Buffer.Path == "" {
		ch.Buffer.Path = base.Buffer.Path
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if len(c.Channels) == 0 {
		return c.defaultChannel().Validate()
	}
	seen := make(map[string]bool)
	for _, ch := range c.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channel without id")
		}
		if seen[ch.ID] {
			return fmt.Errorf("duplicate channel id %q", ch.ID)
		}
		seen[ch.ID] = true
		if err := ch.Validate(); err != nil {
			return fmt.Errorf("channel %s: %w", ch.ID, err)
		}
	}
	return nil
}

// Validate checks one channel's configuration
func (ch ChannelConfig) Validate() error {
	if _, _, err := input.ParseResolution(ch.Input.Resolution); err != nil {
		return err
	}
	if ch.Input.Format != "" {
		if _, ok := input.FormatByName(ch.Input.Format); !ok {
			return fmt.Errorf("unknown pixel format %q", ch.Input.Format)
		}
	}
	if ch.Encode.Bitrate <= 0 || ch.Encode.Framerate <= 0 {
		return fmt.Errorf("%w: bitrate and framerate must be positive", encode.ErrUnsupportedConfig)
	}
	switch ch.Output.Type {
	case "none":
	case "file":
		if ch.Output.Path == "" {
			return fmt.Errorf("file output requires a path")
		}
	case "rtp":
		if ch.Output.Address == "" {
			return fmt.Errorf("rtp output requires an address")
		}
	default:
		return fmt.Errorf("unknown output type %q", ch.Output.Type)
	}
	if ch.Buffer.Units < 0 {
		return fmt.Errorf("buffer units must not be negative")
	}
	return nil
}

// ChannelConfigs returns the configured channels; single-channel mode
// yields one channel named "default".
func (c *Config) ChannelConfigs() []ChannelConfig {
	if len(c.Channels) > 0 {
		return c.Channels
	}
	return []ChannelConfig{c.defaultChannel()}
}

func (c *Config) defaultChannel() ChannelConfig {
	return ChannelConfig{
		ID:     "default",
		Input:  c.Input,
		Encode: c.Encode,
		Output: c.Output,
		Buffer: c.Buffer,
	}
}

func or(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}
