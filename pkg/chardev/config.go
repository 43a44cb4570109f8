package chardev

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultBufferCap is the buffer capacity used when none is configured.
	DefaultBufferCap = 1024
	// MaxBufferCap is the hard upper bound on buffer capacity.
	MaxBufferCap = 4096
	// DefaultDebugLevel is the verbosity used when the configured one is
	// out of range.
	DefaultDebugLevel = 1
	// DefaultName is the device name used when none is configured.
	DefaultName = "simplechar"
)

// Config holds device creation parameters.
type Config struct {
	// Name identifies the device (default "simplechar").
	Name string
	// BufferCap is the buffer capacity in bytes, in [1, MaxBufferCap].
	BufferCap int
	// DebugLevel is the logging verbosity, 0-3. Out-of-range values are
	// corrected to DefaultDebugLevel during verification.
	DebugLevel int
	// Meter, when set, instruments read/write operations with OTel
	// counters.
	Meter metric.Meter
	// Tracer, when set, wraps streaming copies in OTel spans.
	Tracer trace.Tracer
}

// DefaultConfig returns the configuration matching an unparameterized
// module load.
func DefaultConfig() *Config {
	return &Config{
		Name:       DefaultName,
		BufferCap:  DefaultBufferCap,
		DebugLevel: DefaultDebugLevel,
	}
}

// VerifyConfig validates cfg in place. An out-of-range buffer capacity is
// fatal. An out-of-range debug level is corrected to DefaultDebugLevel with
// a warning, and an empty name falls back to DefaultName.
func VerifyConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if cfg.BufferCap <= 0 || cfg.BufferCap > MaxBufferCap {
		return fmt.Errorf("%w: buffer capacity %d out of range [1, %d]",
			ErrInvalidConfig, cfg.BufferCap, MaxBufferCap)
	}
	if cfg.DebugLevel < 0 || cfg.DebugLevel > 3 {
		internalLogger.Warnf("debug level %d out of range, setting to %d",
			cfg.DebugLevel, DefaultDebugLevel)
		cfg.DebugLevel = DefaultDebugLevel
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	return nil
}
