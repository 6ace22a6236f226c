// Package config loads and validates the YAML tuning file for a
// strobe-hub instance, following the same Load/Validate split as
// orion-prototipe's internal/config package.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the complete tuning configuration for one strobe-hub
// instance (it may host several channels).
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"`
	Audio            AudioConfig     `yaml:"audio"`
	Sync             SyncConfig      `yaml:"sync"`
	Buffer           BufferConfig    `yaml:"buffer"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Channels         []ChannelConfig `yaml:"channels"`
}

// ChannelConfig bootstraps one Channel with a playlist of raw,
// headerless PCM files (no codec decode — §1 Non-goal excludes PCM
// decode from a compressed/container format, not reading a raw PCM
// file already at the system's fixed sample rate).
type ChannelConfig struct {
	ID       string   `yaml:"id"`
	Playlist []string `yaml:"playlist"` // file paths; source id defaults to the base filename
}

// AudioConfig describes the fixed wire format: sample rate, frame size,
// and the derived stream interval.
type AudioConfig struct {
	SampleRateHz       int `yaml:"sample_rate_hz"`
	FrameSamples       int `yaml:"frame_samples"`
	BytesPerSamplePair int `yaml:"bytes_per_sample_pair"` // 4 = 16-bit stereo
}

// SyncConfig tunes the receiver time-sync protocol (§4.6).
type SyncConfig struct {
	SampleCount     int `yaml:"sample_count"`
	IntervalS       int `yaml:"interval_s"`
	RTTCeilingMs    int `yaml:"rtt_ceiling_ms"`
	OfflineAfterMul int `yaml:"offline_after_interval_multiplier"`
}

// BufferConfig tunes the broadcaster's pacing and headroom (§3, §4.4).
type BufferConfig struct {
	BufferLatencyMs  int `yaml:"buffer_latency_ms"`
	StartBufferSize  int `yaml:"start_buffer_frames"`
	StartPaceDivisor int `yaml:"start_pace_divisor"` // the "/4" fast-fill ratio, §4.4
	ProgressEveryMul int `yaml:"progress_every_tick_multiplier"`
	MaxSourceRetries int `yaml:"max_source_read_retries"`
}

// MQTTConfig points the event bus at a broker for the out-of-scope UI.
type MQTTConfig struct {
	Broker string          `yaml:"broker"`
	Topics MQTTTopics      `yaml:"topics"`
	QoS    map[string]byte `yaml:"qos"`
}

// MQTTTopics are topic prefixes; the event bus appends the channel id
// and event name.
type MQTTTopics struct {
	Events string `yaml:"events"`
}

// Load reads, parses, and validates a YAML config file, applying
// defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid: %w", err)
	}

	return &cfg, nil
}

// StreamIntervalMicros returns the real-time duration of one frame, per
// §6: stream_interval_us = (frame_samples / sample_rate) * 1_000_000.
func (a AudioConfig) StreamIntervalMicros() int64 {
	return int64(a.FrameSamples) * 1_000_000 / int64(a.SampleRateHz)
}

// BytesPerStep returns the fixed frame size in bytes.
func (a AudioConfig) BytesPerStep() int {
	return a.FrameSamples * a.BytesPerSamplePair
}

// Default returns a Config with every field set to the constants named
// in the spec (44.1kHz stereo 16-bit, 50ms buffer latency, 11-sample
// sync, stream_interval/4 pacing).
func Default() *Config {
	cfg := &Config{InstanceID: "default"}
	applyDefaults(cfg)
	return cfg
}
