package config

import "fmt"

// Validate checks cfg for correctness and fills in defaults for any
// field left at its zero value, mirroring orion-prototipe's
// Validate(cfg) — required fields error, tunables get sane defaults.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}

	applyDefaults(cfg)

	if cfg.Audio.SampleRateHz <= 0 {
		return fmt.Errorf("audio.sample_rate_hz must be > 0")
	}
	if cfg.Audio.FrameSamples <= 0 {
		return fmt.Errorf("audio.frame_samples must be > 0")
	}
	if cfg.Sync.SampleCount < 3 {
		return fmt.Errorf("sync.sample_count must be >= 3 (median filtering needs a few samples)")
	}
	if cfg.Buffer.StartPaceDivisor <= 0 {
		return fmt.Errorf("buffer.start_pace_divisor must be > 0")
	}

	return nil
}

// applyDefaults fills unset fields with the constants the spec names:
// 44.1kHz 16-bit stereo, 50ms buffer_latency, 11-sample median sync,
// stream_interval/4 fast-fill pacing, 1s RTT ceiling, 30s sync interval.
func applyDefaults(cfg *Config) {
	if cfg.Audio.SampleRateHz == 0 {
		cfg.Audio.SampleRateHz = 44100
	}
	if cfg.Audio.FrameSamples == 0 {
		cfg.Audio.FrameSamples = 1024
	}
	if cfg.Audio.BytesPerSamplePair == 0 {
		cfg.Audio.BytesPerSamplePair = 4 // 16-bit stereo
	}
	if cfg.Sync.SampleCount == 0 {
		cfg.Sync.SampleCount = 11
	}
	if cfg.Sync.IntervalS == 0 {
		cfg.Sync.IntervalS = 30
	}
	if cfg.Sync.RTTCeilingMs == 0 {
		cfg.Sync.RTTCeilingMs = 1000
	}
	if cfg.Sync.OfflineAfterMul == 0 {
		cfg.Sync.OfflineAfterMul = 3
	}
	if cfg.Buffer.BufferLatencyMs == 0 {
		cfg.Buffer.BufferLatencyMs = 50
	}
	if cfg.Buffer.StartBufferSize == 0 {
		cfg.Buffer.StartBufferSize = 32
	}
	if cfg.Buffer.StartPaceDivisor == 0 {
		cfg.Buffer.StartPaceDivisor = 4
	}
	if cfg.Buffer.ProgressEveryMul == 0 {
		cfg.Buffer.ProgressEveryMul = 3
	}
	if cfg.Buffer.MaxSourceRetries == 0 {
		cfg.Buffer.MaxSourceRetries = 4
	}
	if cfg.ShutdownTimeoutS == 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if cfg.MQTT.Topics.Events == "" {
		cfg.MQTT.Topics.Events = fmt.Sprintf("strobehub/%s/events", cfg.InstanceID)
	}
	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{"events": 0}
	}
}
