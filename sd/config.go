package sd

import (
	"log/slog"
	"time"
)

// Clock dividers applied to the system clock once the card is initialised.
const (
	ClockDivInit               = 250
	ClockDivHighSpeed          = 2
	ClockDivDefault            = 3
	ClockDivOverclockHighSpeed = 3
	ClockDivOverclockDefault   = 5
)

// Config configures a Card. The zero value of each field selects its default.
type Config struct {
	// Logger receives protocol events. Nil disables logging.
	Logger *slog.Logger
	// CommandTimeout bounds a single command and response exchange.
	CommandTimeout time.Duration
	// DataTimeout bounds the data phase of a read or write transfer.
	DataTimeout time.Duration
	// BusyTimeout bounds waits for the card to release a busy line.
	BusyTimeout time.Duration
	// InitTimeout bounds the ACMD41 power up poll.
	InitTimeout time.Duration
	// InitClockDiv is the clock divider used during identification.
	InitClockDiv uint16
	// Overclock selects the dividers for a 250MHz system clock.
	Overclock bool
	// SkipCRC disables CRC verification of received data blocks.
	SkipCRC bool
}

// DefaultConfig returns the configuration used for boards with a 125MHz
// system clock.
func DefaultConfig() Config {
	return Config{
		CommandTimeout: 100 * time.Millisecond,
		DataTimeout:    500 * time.Millisecond,
		BusyTimeout:    time.Second,
		InitTimeout:    time.Second,
		InitClockDiv:   ClockDivInit,
	}
}

func (cfg *Config) setDefaults() {
	def := DefaultConfig()
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	if cfg.DataTimeout == 0 {
		cfg.DataTimeout = def.DataTimeout
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = def.BusyTimeout
	}
	if cfg.InitTimeout == 0 {
		cfg.InitTimeout = def.InitTimeout
	}
	if cfg.InitClockDiv == 0 {
		cfg.InitClockDiv = def.InitClockDiv
	}
}

func (cfg *Config) clockDiv(highSpeed bool) uint16 {
	switch {
	case cfg.Overclock && highSpeed:
		return ClockDivOverclockHighSpeed
	case cfg.Overclock:
		return ClockDivOverclockDefault
	case highSpeed:
		return ClockDivHighSpeed
	}
	return ClockDivDefault
}
