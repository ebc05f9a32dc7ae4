// Package boardconfig loads the pin and device mapping cmd/romble needs to
// open its serial bus, parallel bus, and console — wiring that is
// necessarily board-specific rather than something this module can fix.
//
// Uses gopkg.in/ini.v1, following the same load-then-walk-sections shape as
// pkg/od/parser_v1.go: ini.Load the whole file up front, then pull values
// out of named sections rather than a flat key list, so each hardware
// concern (serial flash, parallel flash, console) gets its own section.
package boardconfig

import (
	"fmt"

	"gopkg.in/ini.v1"
)

// Config is the fully parsed board wiring description.
type Config struct {
	SerialFlash SerialFlashConfig
	ParallelFlash ParallelFlashConfig
	Console     ConsoleConfig
	Timing      TimingConfig
}

// SerialFlashConfig describes the SPI bus the serial-flash driver opens.
type SerialFlashConfig struct {
	Device       string // e.g. "/dev/spidev0.0"
	ChipSelect   string // periph.io GPIO pin name
	SpeedHz      int64
}

// ParallelFlashConfig describes the GPIO chip and pin assignment the
// parallel-flash driver's 18 address lines, 8 data lines, and 3 control
// lines are fanned out across.
type ParallelFlashConfig struct {
	Chip    string // e.g. "gpiochip0", informational only for periph.io
	Address [18]string
	Data    [8]string
	CE      string
	OE      string
	WE      string
}

// ConsoleConfig describes the serial line cmd/romble's console runs over.
type ConsoleConfig struct {
	Device string
	Baud   int
}

// TimingConfig holds the overridable timing constants; zero means "use the
// driver's built-in default".
type TimingConfig struct {
	BusyTimeoutMillis  int
	TogglePollBound    int
}

// Load reads path as an INI file with [serialflash], [parallelflash],
// [console] and optional [timing] sections.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("boardconfig: load %q: %w", path, err)
	}

	cfg := &Config{}
	if err := parseSerialFlash(f, cfg); err != nil {
		return nil, err
	}
	if err := parseParallelFlash(f, cfg); err != nil {
		return nil, err
	}
	if err := parseConsole(f, cfg); err != nil {
		return nil, err
	}
	parseTiming(f, cfg)
	return cfg, nil
}

func parseSerialFlash(f *ini.File, cfg *Config) error {
	section, err := f.GetSection("serialflash")
	if err != nil {
		return fmt.Errorf("boardconfig: missing [serialflash] section: %w", err)
	}
	cfg.SerialFlash.Device = section.Key("device").MustString("/dev/spidev0.0")
	cfg.SerialFlash.ChipSelect = section.Key("chip_select").String()
	if cfg.SerialFlash.ChipSelect == "" {
		return fmt.Errorf("boardconfig: [serialflash] missing chip_select")
	}
	cfg.SerialFlash.SpeedHz = section.Key("speed_hz").MustInt64(20_000_000)
	return nil
}

func parseParallelFlash(f *ini.File, cfg *Config) error {
	section, err := f.GetSection("parallelflash")
	if err != nil {
		return fmt.Errorf("boardconfig: missing [parallelflash] section: %w", err)
	}
	cfg.ParallelFlash.Chip = section.Key("chip").MustString("gpiochip0")
	for i := 0; i < 18; i++ {
		key := fmt.Sprintf("address%d", i)
		cfg.ParallelFlash.Address[i] = section.Key(key).String()
		if cfg.ParallelFlash.Address[i] == "" {
			return fmt.Errorf("boardconfig: [parallelflash] missing %s", key)
		}
	}
	for i := 0; i < 8; i++ {
		key := fmt.Sprintf("data%d", i)
		cfg.ParallelFlash.Data[i] = section.Key(key).String()
		if cfg.ParallelFlash.Data[i] == "" {
			return fmt.Errorf("boardconfig: [parallelflash] missing %s", key)
		}
	}
	cfg.ParallelFlash.CE = section.Key("ce").String()
	cfg.ParallelFlash.OE = section.Key("oe").String()
	cfg.ParallelFlash.WE = section.Key("we").String()
	if cfg.ParallelFlash.CE == "" || cfg.ParallelFlash.OE == "" || cfg.ParallelFlash.WE == "" {
		return fmt.Errorf("boardconfig: [parallelflash] missing ce/oe/we")
	}
	return nil
}

func parseConsole(f *ini.File, cfg *Config) error {
	section, err := f.GetSection("console")
	if err != nil {
		return fmt.Errorf("boardconfig: missing [console] section: %w", err)
	}
	cfg.Console.Device = section.Key("device").MustString("/dev/ttyS0")
	cfg.Console.Baud = section.Key("baud").MustInt(115200)
	return nil
}

// parseTiming is optional; a missing [timing] section just leaves the
// zero-value overrides, meaning "use driver defaults".
func parseTiming(f *ini.File, cfg *Config) {
	section, err := f.GetSection("timing")
	if err != nil {
		return
	}
	cfg.Timing.BusyTimeoutMillis = section.Key("busy_timeout_ms").MustInt(0)
	cfg.Timing.TogglePollBound = section.Key("toggle_poll_bound").MustInt(0)
}
