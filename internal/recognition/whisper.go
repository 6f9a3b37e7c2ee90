//go:build whispercpp

package recognition

/*
#cgo CFLAGS: -I${SRCDIR}/../../whisper.cpp/include -I${SRCDIR}/../../whisper.cpp/ggml/include
#cgo LDFLAGS: -L${SRCDIR}/../../whisper.cpp/build/src -L${SRCDIR}/../../whisper.cpp/build/ggml/src -lwhisper -lggml -lm -Wl,-rpath,${SRCDIR}/../../whisper.cpp/build/src -Wl,-rpath,${SRCDIR}/../../whisper.cpp/build/ggml/src
#include "whisper.h"
#include <stdlib.h>

void whisperGoProgress(struct whisper_context * ctx, struct whisper_state * state, int progress, void * user_data);
void whisperGoNewSegment(struct whisper_context * ctx, struct whisper_state * state, int n_new, void * user_data);
*/
import "C"
import (
	"fmt"
	"os"
	"runtime/cgo"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/yok-tottii/EzS2T-Stream/internal/logger"
)

// NativeAvailable reports whether whisper.cpp is compiled in
func NativeAvailable() bool { return true }

// WhisperRecognizer implements Recognizer using Whisper.cpp
type WhisperRecognizer struct {
	ctx      *C.struct_whisper_context
	mu       sync.Mutex
	language string
	threads  int
	current  ModelSpec
	log      *logger.Logger
}

// NewWhisperRecognizer creates a new Whisper recognizer
func NewWhisperRecognizer(config Config, log *logger.Logger) *WhisperRecognizer {
	if log == nil {
		log = logger.Discard()
	}
	return &WhisperRecognizer{
		language: config.Language,
		threads:  config.Threads,
		log:      log,
	}
}

// Ready reports whether a model is loaded
func (r *WhisperRecognizer) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctx != nil
}

// ModelChanged frees the loaded model if it differs from the requested one and loads the new one
func (r *WhisperRecognizer) ModelChanged(spec ModelSpec) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx != nil && spec == r.current {
		return true
	}

	if r.ctx != nil {
		C.whisper_free(r.ctx)
		r.ctx = nil
	}
	r.current = ModelSpec{}

	if spec.IsZero() {
		return false
	}

	if err := r.loadLocked(spec); err != nil {
		r.log.Error("モデルの読み込みに失敗しました: %v", err)
		return false
	}
	r.current = spec
	return true
}

func (r *WhisperRecognizer) loadLocked(spec ModelSpec) error {
	if _, err := os.Stat(spec.Path); os.IsNotExist(err) {
		return fmt.Errorf("model file not found: %s", spec.Path)
	}

	cModelPath := C.CString(spec.Path)
	defer C.free(unsafe.Pointer(cModelPath))

	cParams := C.whisper_context_default_params()
	cParams.use_gpu = C.bool(spec.UseGPU)

	start := time.Now()
	ctx := C.whisper_init_from_file_with_params(cModelPath, cParams)
	if ctx == nil {
		return fmt.Errorf("failed to load model from: %s", spec.Path)
	}

	r.ctx = ctx
	r.log.Info("モデルを読み込みました: %s (gpu=%v, %v)", spec.ID, spec.UseGPU, time.Since(start).Round(time.Millisecond))
	return nil
}

type callbacks struct {
	onProgress func(int)
	onSegment  func(int)
	finalized  int
}

func callbacksFromHandle(userData unsafe.Pointer) *callbacks {
	if userData == nil {
		return nil
	}
	handle := *(*cgo.Handle)(userData)
	if handle == 0 {
		return nil
	}
	cb, _ := handle.Value().(*callbacks)
	return cb
}

//export whisperGoProgress
func whisperGoProgress(ctx *C.struct_whisper_context, state *C.struct_whisper_state, progress C.int, userData unsafe.Pointer) {
	if cb := callbacksFromHandle(userData); cb != nil && cb.onProgress != nil {
		cb.onProgress(int(progress))
	}
}

//export whisperGoNewSegment
func whisperGoNewSegment(ctx *C.struct_whisper_context, state *C.struct_whisper_state, nNew C.int, userData unsafe.Pointer) {
	if cb := callbacksFromHandle(userData); cb != nil {
		cb.finalized += int(nNew)
		if cb.onSegment != nil {
			cb.onSegment(cb.finalized)
		}
	}
}

// Transcribe performs speech recognition on req.Samples[req.Offset : req.Offset+req.Length]
func (r *WhisperRecognizer) Transcribe(req Request) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx == nil {
		return Result{}, ErrNotReady
	}

	if len(req.Samples) == 0 || req.Length <= 0 {
		return Result{}, ErrEmptyAudio
	}

	// Create whisper parameters
	params := C.whisper_full_default_params(C.WHISPER_SAMPLING_GREEDY)
	params.print_progress = C.bool(false)
	params.print_realtime = C.bool(false)
	params.print_timestamps = C.bool(false)
	params.translate = C.bool(false)
	params.single_segment = C.bool(false)
	params.offset_ms = C.int(req.Offset / SamplesPerMillisecond)
	params.duration_ms = C.int(req.Length / SamplesPerMillisecond)

	threads := req.Threads
	if threads <= 0 {
		threads = r.threads
	}
	if threads > 0 {
		params.n_threads = C.int(threads)
	}

	cLanguage := C.CString(r.language)
	defer C.free(unsafe.Pointer(cLanguage))
	params.language = cLanguage

	if prompt := strings.TrimSpace(req.Prompt); prompt != "" {
		cPrompt := C.CString(prompt)
		defer C.free(unsafe.Pointer(cPrompt))
		params.initial_prompt = cPrompt
	}

	handle := cgo.NewHandle(&callbacks{onProgress: req.OnProgress, onSegment: req.OnSegment})
	defer handle.Delete()
	params.progress_callback = (C.whisper_progress_callback)(C.whisperGoProgress)
	params.progress_callback_user_data = unsafe.Pointer(&handle)
	params.new_segment_callback = (C.whisper_new_segment_callback)(C.whisperGoNewSegment)
	params.new_segment_callback_user_data = unsafe.Pointer(&handle)

	// Run inference
	result := C.whisper_full(
		r.ctx,
		params,
		(*C.float)(unsafe.Pointer(&req.Samples[0])),
		C.int(len(req.Samples)),
	)

	if result != 0 {
		return Result{}, fmt.Errorf("whisper_full failed with code: %d", result)
	}

	nSegments := int(C.whisper_full_n_segments(r.ctx))
	segments := make([]Segment, 0, nSegments)
	for i := 0; i < nSegments; i++ {
		// timestamps are in units of 10 ms
		t0 := int64(C.whisper_full_get_segment_t0(r.ctx, C.int(i)))
		t1 := int64(C.whisper_full_get_segment_t1(r.ctx, C.int(i)))
		segments = append(segments, Segment{
			Start: time.Duration(t0) * 10 * time.Millisecond,
			End:   time.Duration(t1) * 10 * time.Millisecond,
			Text:  C.GoString(C.whisper_full_get_segment_text(r.ctx, C.int(i))),
		})
	}

	return Result{
		Segments:     segments,
		CommitOffset: CommitOffset(segments, req.Offset+req.Length),
	}, nil
}

// Close releases resources
func (r *WhisperRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ctx != nil {
		C.whisper_free(r.ctx)
		r.ctx = nil
	}
	r.current = ModelSpec{}

	return nil
}
