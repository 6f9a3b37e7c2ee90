package recognition

import (
	"errors"
	"time"

	"github.com/yok-tottii/EzS2T-Stream/internal/models"
)

// SampleRate is the only sample rate the recognizer accepts
const SampleRate = 16000

// SamplesPerMillisecond converts segment timestamps to sample positions
const SamplesPerMillisecond = SampleRate / 1000

var (
	// ErrNotReady is returned when transcribing without a loaded model
	ErrNotReady = errors.New("model not loaded")
	// ErrEmptyAudio is returned for an empty transcription window
	ErrEmptyAudio = errors.New("audio data is empty")
	// ErrNativeUnavailable is returned when the binary was built without whisper.cpp
	ErrNativeUnavailable = errors.New("whisper.cpp support not compiled in")
)

// Recognizer is the interface for speech recognition over a window of samples
type Recognizer interface {
	// Ready reports whether a model is loaded
	Ready() bool
	// ModelChanged switches to the requested model, releasing the previous one if it
	// differs. A zero ModelSpec only releases. Returns true if a model is loaded
	// afterwards.
	ModelChanged(spec ModelSpec) bool
	// Transcribe runs recognition synchronously on req.Samples
	Transcribe(req Request) (Result, error)
	Close() error
}

// ModelSpec identifies the model to load and how to load it
type ModelSpec struct {
	ID     models.ID
	Path   string
	UseGPU bool
}

// IsZero reports whether no model is named
func (s ModelSpec) IsZero() bool {
	return s.ID == "" && s.Path == ""
}

// Request describes one recognition pass. Offset and Length are in samples
// and select the part of Samples that is transcribed; the rest is context.
type Request struct {
	Samples []float32
	Offset  int
	Length  int
	Prompt  string
	Threads int

	// OnProgress receives the completion percentage
	OnProgress func(percent int)
	// OnSegment receives the number of segments finalized so far
	OnSegment func(finalized int)
}

// Segment is one piece of recognized text. Start and End are measured
// from the first sample of the window.
type Segment struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
}

// Result is the output of a recognition pass
type Result struct {
	Segments []Segment
	// CommitOffset is the sample position within the window up to which
	// the output is final
	CommitOffset int
}

// Text concatenates all segment texts
func (r Result) Text() string {
	n := 0
	for _, s := range r.Segments {
		n += len(s.Text)
	}
	buf := make([]byte, 0, n)
	for _, s := range r.Segments {
		buf = append(buf, s.Text...)
	}
	return string(buf)
}

// Config holds recognition configuration
type Config struct {
	Language string // Default: "ja"
	Threads  int    // Number of threads, 0 = auto
}

// DefaultConfig returns the default recognition configuration
func DefaultConfig() Config {
	return Config{
		Language: "ja",
		Threads:  0, // Auto-detect
	}
}

// CommitOffset returns the end of the last segment that ends at or before
// limit samples, in samples. Segments past the limit overlap the trailing
// reserve and may still change.
func CommitOffset(segments []Segment, limit int) int {
	for i := len(segments) - 1; i >= 0; i-- {
		end := DurationToSamples(segments[i].End)
		if end <= limit {
			return end
		}
	}
	return 0
}

// DurationToSamples converts a duration to a sample count at SampleRate
func DurationToSamples(d time.Duration) int {
	return int(d/time.Millisecond) * SamplesPerMillisecond
}

// SamplesToDuration converts a sample count at SampleRate to a duration
func SamplesToDuration(n int) time.Duration {
	return time.Duration(n/SamplesPerMillisecond) * time.Millisecond
}

// Normalize converts 16-bit PCM samples to float32 in range [-1.0, 1.0)
func Normalize(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}
