package cryptvol

import (
	"testing"
)

func TestParseCipherSuite(t *testing.T) {
	tests := []struct {
		in      string
		want    CipherSuite
		wantErr bool
	}{
		{"", CipherAuto, false},
		{"auto", CipherAuto, false},
		{"aes-256-gcm", CipherAES256GCM, false},
		{"aes", CipherAES256GCM, false},
		{"chacha20-poly1305", CipherChaCha20Poly1305, false},
		{"chacha20", CipherChaCha20Poly1305, false},
		{"des", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCipherSuite(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCipherSuite() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !IsValidationError(err) {
					t.Errorf("ParseCipherSuite() should return ValidationError, got %T", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("ParseCipherSuite() = %v, want %v", got, tt.want)
			}
			if tt.in != "" && tt.in != "aes" && tt.in != "chacha20" && got.String() != tt.in {
				t.Errorf("String() = %q, want %q", got.String(), tt.in)
			}
		})
	}
}

func TestVolumeStateString(t *testing.T) {
	tests := map[VolumeState]string{
		StateCreated:    "created",
		StateOpen:       "open",
		StateClosed:     "closed",
		VolumeState(99): "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("VolumeState(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestSnapshotConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *SnapshotConfig
		wantErr bool
	}{
		{"nil", nil, true},
		{"zero", &SnapshotConfig{}, false},
		{"defaults", DefaultSnapshotConfig(), false},
		{"unknown codec", &SnapshotConfig{Codec: Codec(9)}, true},
		{"negative level", &SnapshotConfig{CompressionLevel: -1}, true},
		{"level too high", &SnapshotConfig{CompressionLevel: 23}, true},
		{"bad parallel", &SnapshotConfig{Parallel: ParallelConfig{Enabled: true, MaxWorkers: -1}}, true},
		{"bad volume config", &SnapshotConfig{Volume: &Config{ProbeBlocks: -1}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error = %v", err)
	}
	if cfg.Logger == nil {
		t.Error("DefaultConfig() has no logger")
	}
	if cfg.ProbeBlocks != DefaultProbeBlocks {
		t.Errorf("ProbeBlocks = %d, want %d", cfg.ProbeBlocks, DefaultProbeBlocks)
	}
}
