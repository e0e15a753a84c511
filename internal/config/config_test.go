package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.HardwareModel != "ModelX" || cfg.FirmwareVersion != "1.1" {
		t.Errorf("identity = %s/%s", cfg.HardwareModel, cfg.FirmwareVersion)
	}
	if cfg.MaxConnectRetries != 5 {
		t.Errorf("max-connect-retries = %d, want 5", cfg.MaxConnectRetries)
	}
	if cfg.HTTPTimeout != 30*time.Second {
		t.Errorf("http-timeout = %v", cfg.HTTPTimeout)
	}
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("OTA_SOAK_LOOPS", "50")
	t.Setenv("OTA_HASH_FINAL_BLOCK", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SoakLoops != 50 {
		t.Errorf("soak-loops = %d, want 50", cfg.SoakLoops)
	}
	if !cfg.HashFinalBlock {
		t.Error("hash-final-block not read from env")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			DBPath:          "ledger.db",
			FSMDBPath:       "fsm",
			RegionDir:       "regions",
			RegionSize:      4096,
			MaxResponseSize: 2048,
			HardwareModel:   "ModelX",
			FirmwareVersion: "1.1",
			KeyHex:          DefaultKeyHex,
			IVHex:           DefaultIVHex,
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty db path", func(c *Config) { c.DBPath = "" }},
		{"unaligned region", func(c *Config) { c.RegionSize = 100 }},
		{"negative retries", func(c *Config) { c.MaxConnectRetries = -1 }},
		{"bad key", func(c *Config) { c.KeyHex = "zz" }},
		{"short key", func(c *Config) { c.KeyHex = "0011" }},
		{"short iv", func(c *Config) { c.IVHex = "00" }},
		{"no hardware", func(c *Config) { c.HardwareModel = "" }},
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestRestartArgs(t *testing.T) {
	c := &Config{RestartCommand: "  systemctl   reboot "}
	got := c.RestartArgs()
	if len(got) != 2 || got[0] != "systemctl" || got[1] != "reboot" {
		t.Errorf("RestartArgs() = %q", got)
	}
}
