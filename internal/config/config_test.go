package config

import "testing"

func TestValidateAppliesDefaults(t *testing.T) {
	cfg := &Config{InstanceID: "node-1"}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Audio.SampleRateHz != 44100 {
		t.Errorf("SampleRateHz = %d, want 44100", cfg.Audio.SampleRateHz)
	}
	if cfg.Sync.SampleCount != 11 {
		t.Errorf("SampleCount = %d, want 11", cfg.Sync.SampleCount)
	}
	if cfg.Buffer.BufferLatencyMs != 50 {
		t.Errorf("BufferLatencyMs = %d, want 50", cfg.Buffer.BufferLatencyMs)
	}
	if cfg.Buffer.StartPaceDivisor != 4 {
		t.Errorf("StartPaceDivisor = %d, want 4", cfg.Buffer.StartPaceDivisor)
	}
}

func TestValidateRequiresInstanceID(t *testing.T) {
	cfg := &Config{}
	if err := Validate(cfg); err == nil {
		t.Error("Validate() expected error for missing instance_id")
	}
}

func TestValidateRejectsTinySyncSampleCount(t *testing.T) {
	cfg := &Config{InstanceID: "node-1", Sync: SyncConfig{SampleCount: 1}}
	if err := Validate(cfg); err == nil {
		t.Error("Validate() expected error for sync.sample_count < 3")
	}
}

func TestStreamIntervalMicros(t *testing.T) {
	tests := []struct {
		name       string
		audio      AudioConfig
		wantMicros int64
	}{
		{"default 44.1kHz/1024", AudioConfig{SampleRateHz: 44100, FrameSamples: 1024}, 23219},
		{"48kHz/960 (20ms frame)", AudioConfig{SampleRateHz: 48000, FrameSamples: 960}, 20000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.audio.StreamIntervalMicros()
			if got != tt.wantMicros {
				t.Errorf("StreamIntervalMicros() = %d, want %d", got, tt.wantMicros)
			}
		})
	}
}
