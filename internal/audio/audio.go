package audio

import (
	"context"
	"errors"
)

// ErrNotRecording is returned when stopping a driver that is not recording
var ErrNotRecording = errors.New("not recording")

// ErrAlreadyRecording is returned when a recording or its flush is still in progress
var ErrAlreadyRecording = errors.New("already recording")

// Sink receives audio from a producer. Samples are 16 kHz mono int16.
// Store may block while the sink is full. SetStopped is called exactly once
// after the last Store of an utterance.
type Sink interface {
	Store(ctx context.Context, samples []int16) error
	SetStopped()
}

// Device represents an audio input device
type Device struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default"`
}

// LatencyMode defines the latency priority
type LatencyMode int

const (
	// LowLatency prioritizes low latency (real-time)
	LowLatency LatencyMode = iota
	// HighStability prioritizes stability (larger buffer)
	HighStability
)

// Config holds audio configuration
type Config struct {
	DeviceID        int
	SampleRate      int
	Channels        int
	Latency         LatencyMode
	FramesPerBuffer int
}

// DefaultConfig returns the default audio configuration
// Sample rate: 16kHz (Whisper recommended)
// Channels: 1 (mono)
// Latency: HighStability
func DefaultConfig() Config {
	return Config{
		DeviceID:        -1, // -1 means use default device
		SampleRate:      16000,
		Channels:        1,
		Latency:         HighStability,
		FramesPerBuffer: 1024,
	}
}

// AudioDriver is the interface for audio input
// This abstraction allows for future replacement of PortAudio with other libraries (e.g., miniaudio)
type AudioDriver interface {
	// ListDevices returns a list of available audio input devices
	ListDevices() ([]Device, error)

	// Initialize initializes the audio driver with the given configuration
	Initialize(config Config) error

	// StartRecording starts streaming captured audio into sink
	StartRecording(sink Sink) error

	// StopRecording stops capturing. Audio already captured is still
	// delivered to the sink, followed by SetStopped.
	StopRecording() error

	// Wait blocks until the current recording has been fully delivered and
	// returns the capture error that ended it, if any
	Wait() error

	// IsRecording returns whether recording is currently active
	IsRecording() bool

	// Close releases all resources
	Close() error
}
