package transcriber

import (
	"fmt"

	"github.com/yok-tottii/EzS2T-Stream/internal/recognition"
)

// Config describes the window geometry in samples at 16 kHz
type Config struct {
	// TargetSamples is how much audio must be buffered before a window is
	// worth processing, unless the producer stopped
	TargetSamples int
	// WindowSamples is the maximum length of one window
	WindowSamples int
	// OverlapSamples of finalized audio are kept in front of the next window
	OverlapSamples int
	// ReserveSamples at the live edge of a window are never finalized
	ReserveSamples int
}

// DefaultConfig returns the default window geometry
func DefaultConfig() Config {
	return Config{
		TargetSamples:  30 * recognition.SampleRate,
		WindowSamples:  31 * recognition.SampleRate,
		OverlapSamples: 20 * recognition.SamplesPerMillisecond,
		ReserveSamples: 2 * recognition.SampleRate,
	}
}

// ReadSamples is the number of samples read for one window
func (c Config) ReadSamples() int {
	return c.WindowSamples + c.OverlapSamples
}

// MinBufferSamples is the smallest buffer capacity that can hold a full read
func (c Config) MinBufferSamples() int {
	return c.ReadSamples()
}

// Validate checks the geometry against a buffer of the given capacity
func (c Config) Validate(capacity int) error {
	if c.TargetSamples <= 0 {
		return fmt.Errorf("target window must be positive")
	}
	if c.WindowSamples < c.TargetSamples {
		return fmt.Errorf("window (%d) must not be shorter than target (%d)", c.WindowSamples, c.TargetSamples)
	}
	if c.OverlapSamples < 0 || c.ReserveSamples < 0 {
		return fmt.Errorf("overlap and reserve must not be negative")
	}
	if c.OverlapSamples+c.ReserveSamples >= c.TargetSamples {
		return fmt.Errorf("overlap (%d) plus reserve (%d) must be shorter than target (%d)",
			c.OverlapSamples, c.ReserveSamples, c.TargetSamples)
	}
	if capacity < c.MinBufferSamples() {
		return fmt.Errorf("buffer capacity %d is smaller than one window (%d)", capacity, c.MinBufferSamples())
	}
	return nil
}
