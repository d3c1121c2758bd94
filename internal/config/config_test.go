package config

import "testing"

func validConfig() *Config {
	return &Config{
		Network:               "testnet",
		StateDir:              "./data",
		RebalanceThresholdPPM: 50_000,
		RebalanceAmountPPM:    200_000,
	}
}

func TestValidate_ValidMainnet(t *testing.T) {
	cfg := validConfig()
	cfg.Network = "mainnet"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}
}

func TestValidate_ValidTestnet(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v, want nil", err)
	}
}

func TestValidate_InvalidNetwork(t *testing.T) {
	tests := []struct {
		name    string
		network string
	}{
		{"empty", ""},
		{"foobar", "foobar"},
		{"Mainnet case sensitive", "Mainnet"},
		{"devnet", "devnet"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Network = tt.network
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate() expected error for network=%q, got nil", tt.network)
			}
		})
	}
}

func TestValidate_InvalidThresholdPPM(t *testing.T) {
	tests := []struct {
		name string
		ppm  int64
	}{
		{"zero", 0},
		{"negative", -1},
		{"over one million", 1_000_001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.RebalanceThresholdPPM = tt.ppm
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate() expected error for thresholdPPM=%d, got nil", tt.ppm)
			}
		})
	}
}

func TestValidate_InvalidAmountPPM(t *testing.T) {
	tests := []struct {
		name string
		ppm  int64
	}{
		{"zero", 0},
		{"negative", -1},
		{"over one million", 1_000_001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.RebalanceAmountPPM = tt.ppm
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate() expected error for amountPPM=%d, got nil", tt.ppm)
			}
		})
	}
}

func TestValidate_PPMBoundaries(t *testing.T) {
	tests := []int64{1, 500_000, 1_000_000}

	for _, ppm := range tests {
		cfg := validConfig()
		cfg.RebalanceThresholdPPM = ppm
		cfg.RebalanceAmountPPM = ppm
		if err := cfg.Validate(); err != nil {
			t.Fatalf("Validate() error = %v for ppm=%d, want nil", err, ppm)
		}
	}
}

func TestValidate_EmptyStateDir(t *testing.T) {
	cfg := validConfig()
	cfg.StateDir = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() expected error for empty state dir, got nil")
	}
}
