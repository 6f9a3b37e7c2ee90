package transcriber

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yok-tottii/EzS2T-Stream/internal/models"
	"github.com/yok-tottii/EzS2T-Stream/internal/recognition"
	"github.com/yok-tottii/EzS2T-Stream/internal/ringbuffer"
)

// block is the length of one fake segment: 100 ms
const block = 1600

// testConfig is a scaled down window geometry
func testConfig() Config {
	return Config{
		TargetSamples:  3200,
		WindowSamples:  3360,
		OverlapSamples: 32,
		ReserveSamples: 320,
	}
}

// fakeRecognizer emits one segment per block starting at the request
// offset. Each segment's text is the sample value at its start, so a
// transcript of blocks numbered 0..n proves nothing was skipped or repeated.
type fakeRecognizer struct {
	mu       sync.Mutex
	ready    bool
	failLoad bool
	loads    []recognition.ModelSpec
	requests []recognition.Request
	err      error
	silent   bool
	commitAt int // when set, commit this many samples past the offset
}

func (f *fakeRecognizer) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeRecognizer) ModelChanged(spec recognition.ModelSpec) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, spec)
	f.ready = !spec.IsZero() && !f.failLoad
	return f.ready
}

func (f *fakeRecognizer) Transcribe(req recognition.Request) (recognition.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, recognition.Request{Offset: req.Offset, Length: req.Length, Samples: make([]float32, len(req.Samples))})
	err := f.err
	silent := f.silent
	commitAt := f.commitAt
	f.mu.Unlock()

	if err != nil {
		return recognition.Result{}, err
	}
	if req.OnProgress != nil {
		req.OnProgress(50)
	}

	var segments []recognition.Segment
	if !silent {
		for start := req.Offset; start < len(req.Samples); start += block {
			end := start + block
			if end > len(req.Samples) {
				end = len(req.Samples)
			}
			value := int(math.Round(float64(req.Samples[start]) * 32768))
			segments = append(segments, recognition.Segment{
				Start: recognition.SamplesToDuration(start),
				End:   recognition.SamplesToDuration(end),
				Text:  fmt.Sprintf("%d ", value),
			})
			if req.OnSegment != nil {
				req.OnSegment(len(segments))
			}
		}
	}

	commit := recognition.CommitOffset(segments, req.Offset+req.Length)
	if commitAt > 0 {
		commit = req.Offset + commitAt
	}
	return recognition.Result{
		Segments:     segments,
		CommitOffset: commit,
	}, nil
}

func (f *fakeRecognizer) Close() error { return nil }

func (f *fakeRecognizer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// blocks returns n blocks of samples, block i filled with the value from+i
func blocks(from, n int) []int16 {
	out := make([]int16, 0, n*block)
	for i := 0; i < n; i++ {
		for j := 0; j < block; j++ {
			out = append(out, int16(from+i))
		}
	}
	return out
}

func expectedText(from, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%d ", from+i)
	}
	return b.String()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

type fixture struct {
	engine     *Engine
	buffer     *ringbuffer.Buffer
	recognizer *fakeRecognizer
	controller *models.Controller
	dir        string
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()

	dir := t.TempDir()
	buffer := ringbuffer.New(capacity)
	recognizer := &fakeRecognizer{}
	controller := models.NewController(models.NewStore(dir))

	engine, err := New(testConfig(), buffer, recognizer, controller, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	})

	return &fixture{engine: engine, buffer: buffer, recognizer: recognizer, controller: controller, dir: dir}
}

func (f *fixture) loadModel(t *testing.T, id models.ID) {
	t.Helper()
	m, _ := models.Lookup(id)
	if err := os.WriteFile(filepath.Join(f.dir, m.FileName), []byte("ggml"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := f.controller.Select(id); err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	eventually(t, "model instantiation", func() bool {
		return f.controller.State(id) == models.Instantiated
	})
}

func TestNewRejectsSmallBuffer(t *testing.T) {
	_, err := New(testConfig(), ringbuffer.New(1000), &fakeRecognizer{}, models.NewController(models.NewStore(t.TempDir())), nil, nil)
	if err == nil {
		t.Error("Expected error for a buffer smaller than one window")
	}
}

func TestModelChangeInstantiates(t *testing.T) {
	f := newFixture(t, 8000)
	f.engine.SetOptions(Options{UseGPU: true})

	f.loadModel(t, models.Tiny)

	if !f.controller.Ready() {
		t.Error("Expected controller to be ready")
	}
	f.recognizer.mu.Lock()
	loads := append([]recognition.ModelSpec(nil), f.recognizer.loads...)
	f.recognizer.mu.Unlock()
	if len(loads) != 1 || loads[0].ID != models.Tiny || !loads[0].UseGPU {
		t.Errorf("Unexpected loads %+v", loads)
	}
	for id, state := range f.controller.States() {
		if id != models.Tiny && state != models.DoesNotExist {
			t.Errorf("Model %s changed to %s", id, state)
		}
	}
}

func TestModelChangeFailure(t *testing.T) {
	f := newFixture(t, 8000)
	f.recognizer.mu.Lock()
	f.recognizer.failLoad = true
	f.recognizer.mu.Unlock()

	m, _ := models.Lookup(models.Base)
	os.WriteFile(filepath.Join(f.dir, m.FileName), []byte("ggml"), 0644)
	if err := f.controller.Select(models.Base); err != nil {
		t.Fatal(err)
	}

	eventually(t, "instantiation failure", func() bool {
		return f.controller.State(models.Base) == models.InstantiationFailed
	})
	if f.controller.Ready() {
		t.Error("Controller must not be ready after a failed load")
	}
}

func TestNoTranscriptionWithoutModel(t *testing.T) {
	f := newFixture(t, 8000)

	if err := f.buffer.Store(context.Background(), blocks(0, 3)); err != nil {
		t.Fatal(err)
	}
	f.buffer.SetStopped()

	time.Sleep(50 * time.Millisecond)
	if n := f.recognizer.calls(); n != 0 {
		t.Fatalf("Expected no recognizer calls without a model, got %d", n)
	}

	f.loadModel(t, models.Tiny)
	eventually(t, "buffered audio to be transcribed", func() bool {
		return f.engine.Transcript() == expectedText(0, 3)
	})
}

func TestShortTailIsFlushed(t *testing.T) {
	f := newFixture(t, 8000)
	f.loadModel(t, models.Tiny)

	// well below the target window
	if err := f.buffer.Store(context.Background(), blocks(7, 1)); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if n := f.recognizer.calls(); n != 0 {
		t.Fatalf("Expected no pass before the target is reached, got %d", n)
	}

	f.buffer.SetStopped()

	eventually(t, "tail flush", func() bool {
		return f.engine.Transcript() == "7 " && f.buffer.Size() == 0
	})

	f.recognizer.mu.Lock()
	req := f.recognizer.requests[0]
	f.recognizer.mu.Unlock()
	if req.Offset != 0 || req.Length != block {
		t.Errorf("Expected full tail without reserve, got offset %d length %d", req.Offset, req.Length)
	}
	if p := f.engine.Progress(); p.Passes != 1 {
		t.Errorf("Expected 1 pass, got %d", p.Passes)
	}
}

func TestStreamingTranscribesEverythingOnce(t *testing.T) {
	f := newFixture(t, 8000)
	f.loadModel(t, models.Tiny)

	events, cancel := f.engine.Subscribe()
	defer cancel()

	const n = 20
	errCh := make(chan error, 1)
	go func() {
		audio := blocks(0, n)
		// chunks of 10 ms like a capture callback
		for i := 0; i < len(audio); i += 160 {
			if err := f.buffer.Store(context.Background(), audio[i:i+160]); err != nil {
				errCh <- err
				return
			}
		}
		f.buffer.SetStopped()
		errCh <- nil
	}()

	if err := <-errCh; err != nil {
		t.Fatalf("Producer failed: %v", err)
	}

	eventually(t, "full transcript", func() bool {
		return f.engine.Transcript() == expectedText(0, n) && f.buffer.Size() == 0
	})

	segments := f.engine.Segments()
	if len(segments) != n {
		t.Fatalf("Expected %d segments, got %d", n, len(segments))
	}
	for i, s := range segments {
		wantStart := time.Duration(i) * 100 * time.Millisecond
		if s.Start != wantStart || s.End != wantStart+100*time.Millisecond {
			t.Errorf("Segment %d at %v-%v, want %v", i, s.Start, s.End, wantStart)
		}
	}
	if got := f.engine.Offset(); got != n*100*time.Millisecond {
		t.Errorf("Expected offset %v, got %v", n*100*time.Millisecond, got)
	}

	f.recognizer.mu.Lock()
	for _, req := range f.recognizer.requests {
		if req.Offset > testConfig().OverlapSamples {
			t.Errorf("Offset %d exceeds overlap", req.Offset)
		}
		if len(req.Samples) > testConfig().ReadSamples() {
			t.Errorf("Window of %d samples exceeds read size", len(req.Samples))
		}
	}
	f.recognizer.mu.Unlock()

	sawTranscript := false
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventTranscript {
				sawTranscript = true
			}
			continue
		default:
		}
		break
	}
	if !sawTranscript {
		t.Error("Expected transcript events")
	}
}

func TestSilenceDoesNotStallProducer(t *testing.T) {
	f := newFixture(t, 4000)
	f.recognizer.mu.Lock()
	f.recognizer.silent = true
	f.recognizer.mu.Unlock()
	f.loadModel(t, models.Tiny)

	// more than twice the capacity; only finishes if windows are retired
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.buffer.Store(ctx, blocks(0, 6)); err != nil {
		t.Fatalf("Producer stalled: %v", err)
	}
	f.buffer.SetStopped()

	eventually(t, "buffer to drain", func() bool {
		return f.buffer.Size() == 0
	})
	if f.engine.Transcript() != "" {
		t.Errorf("Expected empty transcript, got %q", f.engine.Transcript())
	}
}

func TestCommitInsideOverlapDoesNotStallMinimalBuffer(t *testing.T) {
	f := newFixture(t, testConfig().ReadSamples())
	f.recognizer.mu.Lock()
	f.recognizer.commitAt = 16
	f.recognizer.mu.Unlock()
	f.loadModel(t, models.Tiny)

	samples := make([]int16, 3*f.buffer.Capacity())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.buffer.Store(ctx, samples); err != nil {
		t.Fatalf("Producer stalled: %v (size %d/%d, passes %d)",
			err, f.buffer.Size(), f.buffer.Capacity(), len(f.engine.Passes()))
	}
	f.buffer.SetStopped()

	eventually(t, "buffer to drain", func() bool {
		return f.buffer.Size() == 0
	})
}

func TestSegmentCallbackReachesProgress(t *testing.T) {
	f := newFixture(t, 8000)
	f.loadModel(t, models.Tiny)

	events, cancel := f.engine.Subscribe()
	defer cancel()

	f.buffer.Store(context.Background(), blocks(0, 2))
	f.buffer.SetStopped()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Kind == EventProgress && event.Progress.Segments == 2 {
				return
			}
		case <-deadline:
			t.Fatalf("Expected a progress event with 2 segments, last progress %+v", f.engine.Progress())
		}
	}
}

func TestRecognizerErrorKeepsAudio(t *testing.T) {
	f := newFixture(t, 8000)
	f.loadModel(t, models.Tiny)

	f.recognizer.mu.Lock()
	f.recognizer.err = errors.New("inference failed")
	f.recognizer.mu.Unlock()

	if err := f.buffer.Store(context.Background(), blocks(0, 1)); err != nil {
		t.Fatal(err)
	}
	f.buffer.SetStopped()

	eventually(t, "failed pass", func() bool {
		passes := f.engine.Passes()
		return len(passes) == 1 && passes[0].Error != ""
	})

	if f.buffer.Size() != block {
		t.Errorf("Failed window must stay buffered, size %d", f.buffer.Size())
	}
	if !strings.HasPrefix(f.engine.Progress().Text, "error:") {
		t.Errorf("Expected error progress, got %q", f.engine.Progress().Text)
	}

	time.Sleep(30 * time.Millisecond)
	if n := f.recognizer.calls(); n != 1 {
		t.Errorf("Failed window must not be retried without new audio, got %d calls", n)
	}
}

func TestReset(t *testing.T) {
	f := newFixture(t, 8000)
	f.loadModel(t, models.Tiny)

	f.buffer.Store(context.Background(), blocks(0, 1))
	f.buffer.SetStopped()
	eventually(t, "first utterance", func() bool { return f.engine.Transcript() == "0 " })

	f.engine.Reset()
	if f.engine.Transcript() != "" || len(f.engine.Segments()) != 0 || len(f.engine.Passes()) != 0 {
		t.Error("Reset should clear transcript and logs")
	}

	f.buffer.Store(context.Background(), blocks(5, 1))
	f.buffer.SetStopped()
	eventually(t, "second utterance", func() bool { return f.engine.Transcript() == "5 " })

	if s := f.engine.Segments(); s[0].Start != 0 {
		t.Errorf("Segments should restart at session time 0, got %v", s[0].Start)
	}
}

func TestOptionsForwarded(t *testing.T) {
	f := newFixture(t, 8000)
	f.engine.SetOptions(Options{Threads: 3, Prompt: "議事録"})
	if got := f.engine.Options(); got.Threads != 3 || got.Prompt != "議事録" {
		t.Errorf("Unexpected options %+v", got)
	}
}

func TestReleaseModel(t *testing.T) {
	f := newFixture(t, 8000)
	f.loadModel(t, models.Tiny)

	if err := f.controller.Deselect(); err != nil {
		t.Fatal(err)
	}
	eventually(t, "release", func() bool {
		return f.controller.State(models.Tiny) == models.Downloaded && !f.recognizer.Ready()
	})
}
