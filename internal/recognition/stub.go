//go:build !whispercpp

package recognition

import (
	"github.com/yok-tottii/EzS2T-Stream/internal/logger"
)

// NativeAvailable reports whether whisper.cpp is compiled in
func NativeAvailable() bool { return false }

// WhisperRecognizer is a placeholder used when the binary is built without
// the whispercpp tag. It never loads a model.
type WhisperRecognizer struct {
	log *logger.Logger
}

// NewWhisperRecognizer creates a recognizer that reports ErrNativeUnavailable
func NewWhisperRecognizer(config Config, log *logger.Logger) *WhisperRecognizer {
	if log == nil {
		log = logger.Discard()
	}
	return &WhisperRecognizer{log: log}
}

// Ready always returns false
func (r *WhisperRecognizer) Ready() bool { return false }

// ModelChanged always fails
func (r *WhisperRecognizer) ModelChanged(spec ModelSpec) bool {
	if !spec.IsZero() {
		r.log.Error("モデルを読み込めません (%s): %v", spec.ID, ErrNativeUnavailable)
	}
	return false
}

// Transcribe always returns ErrNativeUnavailable
func (r *WhisperRecognizer) Transcribe(req Request) (Result, error) {
	return Result{}, ErrNativeUnavailable
}

// Close is a no-op
func (r *WhisperRecognizer) Close() error { return nil }
