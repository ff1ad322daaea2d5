package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sbclinkd.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadOverridesOnlyGivenFields(t *testing.T) {
	path := writeConfig(t, `
[spi]
bus = 1
chip_select = 2

[job]
buffered_print_codes = 16
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SPI.Bus != 1 || cfg.SPI.ChipSelect != 2 {
		t.Errorf("SPI = %+v, want bus=1 cs=2", cfg.SPI)
	}
	if cfg.Job.BufferedPrintCodes != 16 {
		t.Errorf("BufferedPrintCodes = %d, want 16", cfg.Job.BufferedPrintCodes)
	}
	// Untouched fields keep their defaults.
	if cfg.SPI.SpeedHz != 4_000_000 {
		t.Errorf("SpeedHz = %d, want default 4000000", cfg.SPI.SpeedHz)
	}
	if cfg.Diagnostics.LockTimeout != 2*time.Second {
		t.Errorf("LockTimeout = %v, want default 2s", cfg.Diagnostics.LockTimeout)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `typo_field = true`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `
[job]
buffered_print_codes = 0
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for non-positive buffered_print_codes")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
