// Package config loads sbclinkd's own startup configuration, not the
// machine/kinematics configuration file, which stays an external
// collaborator. A single flat TOML document is decoded once at startup
// into a plain struct; there is no live-reload.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the daemon's own startup configuration.
type Config struct {
	SPI         SPIConfig         `toml:"spi"`
	Handshake   HandshakeConfig   `toml:"handshake"`
	Job         JobConfig         `toml:"job"`
	Diagnostics DiagnosticsConfig `toml:"diagnostics"`
	PluginList  string            `toml:"plugin_list_path"`
}

type SPIConfig struct {
	Bus        int `toml:"bus"`
	ChipSelect int `toml:"chip_select"`
	SpeedHz    int `toml:"speed_hz"`
}

type HandshakeConfig struct {
	ReadyGPIO         int `toml:"ready_gpio"`
	FirmwareReadyGPIO int `toml:"firmware_ready_gpio"`
	DirectionGPIO     int `toml:"direction_gpio"`
}

type JobConfig struct {
	BufferedPrintCodes int           `toml:"buffered_print_codes"`
	CodeReplyTimeout   time.Duration `toml:"code_reply_timeout"`
}

type DiagnosticsConfig struct {
	SocketPath  string        `toml:"socket_path"`
	LockTimeout time.Duration `toml:"lock_timeout"`
}

// Defaults returns the daemon's built-in defaults (BufferedPrintCodes=8,
// CodeReplyTimeout=30s, diagnostics lock timeout=2s) so a config file
// only needs to override what differs.
func Defaults() Config {
	return Config{
		SPI: SPIConfig{Bus: 0, ChipSelect: 0, SpeedHz: 4_000_000},
		Job: JobConfig{
			BufferedPrintCodes: 8,
			CodeReplyTimeout:   30 * time.Second,
		},
		Diagnostics: DiagnosticsConfig{
			SocketPath:  "/run/sbclinkd/diag.sock",
			LockTimeout: 2 * time.Second,
		},
		PluginList: "/var/lib/sbclinkd/plugins.list",
	}
}

// Load decodes path over Defaults(), so a config file only needs to
// name the fields it wants to change. Any error Load returns is a
// startup configuration error, distinct from the closed runtime error
// kinds in internal/linkerr, which describe failures after the daemon
// is up.
func Load(path string) (Config, error) {
	cfg := Defaults()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config: unknown keys in %s: %v", path, undecoded)
	}
	if cfg.Job.BufferedPrintCodes <= 0 {
		return Config{}, fmt.Errorf("config: job.buffered_print_codes must be positive")
	}
	if cfg.SPI.SpeedHz <= 0 {
		return Config{}, fmt.Errorf("config: spi.speed_hz must be positive")
	}
	return cfg, nil
}
