package transcriber

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yok-tottii/EzS2T-Stream/internal/logger"
	"github.com/yok-tottii/EzS2T-Stream/internal/metrics"
	"github.com/yok-tottii/EzS2T-Stream/internal/models"
	"github.com/yok-tottii/EzS2T-Stream/internal/recognition"
	"github.com/yok-tottii/EzS2T-Stream/internal/ringbuffer"
)

const subscriberQueueSize = 64

// ModelReporter is the part of the model controller the engine talks to
type ModelReporter interface {
	Requests() <-chan models.ChangeRequest
	Report(id models.ID, state models.State) error
	Released()
}

// Options are tuning parameters forwarded to the recognizer
type Options struct {
	Threads int    `json:"threads"`
	Prompt  string `json:"prompt"`
	UseGPU  bool   `json:"use_gpu"`
}

// Segment is a finalized piece of text positioned in session time
type Segment struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
	Text  string        `json:"text"`
	Pass  string        `json:"pass"`
}

// Pass records one recognizer invocation
type Pass struct {
	ID        string                `json:"id"`
	Segments  []recognition.Segment `json:"segments"`
	Before    int                   `json:"before"` // buffered samples before the pass
	After     int                   `json:"after"`  // buffered samples after the pass
	Committed int                   `json:"committed"`
	Duration  time.Duration         `json:"duration"`
	Error     string                `json:"error,omitempty"`
}

// Progress is the numeric and textual progress indicator
type Progress struct {
	Passes   int    `json:"passes"`
	Percent  int    `json:"percent"`
	Segments int    `json:"segments"` // segments the recognizer has produced in the current pass
	Text     string `json:"text"`
}

// EventKind identifies the payload of an Event
type EventKind string

const (
	// EventTranscript carries newly finalized text
	EventTranscript EventKind = "transcript"
	// EventSegment carries one finalized segment
	EventSegment EventKind = "segment"
	// EventProgress carries the progress indicator
	EventProgress EventKind = "progress"
)

// Event is published to subscribers whenever the engine makes progress
type Event struct {
	Kind     EventKind `json:"kind"`
	Text     string    `json:"text,omitempty"`
	Segment  *Segment  `json:"segment,omitempty"`
	Progress *Progress `json:"progress,omitempty"`
}

// Engine is the single consumer of the audio buffer. It runs the recognizer
// over overlapping windows and retires only the audio the recognizer has
// finalized.
type Engine struct {
	config     Config
	buffer     *ringbuffer.Buffer
	recognizer recognition.Recognizer
	models     ModelReporter
	log        *logger.Logger
	metrics    *metrics.Metrics

	mu         sync.Mutex
	generation int
	options    Options
	transcript strings.Builder
	segments   []Segment
	passes     []Pass
	progress   Progress
	subs       map[int]chan Event
	nextSub    int

	// window state, owned by Run and reset by Reset
	startPadding int
	minSize      int
	consumed     int
	draining     bool
}

// New creates an engine. m may be nil.
func New(config Config, buffer *ringbuffer.Buffer, recognizer recognition.Recognizer, reporter ModelReporter, log *logger.Logger, m *metrics.Metrics) (*Engine, error) {
	if err := config.Validate(buffer.Capacity()); err != nil {
		return nil, fmt.Errorf("invalid window configuration: %w", err)
	}
	if log == nil {
		log = logger.Discard()
	}

	return &Engine{
		config:     config,
		buffer:     buffer,
		recognizer: recognizer,
		models:     reporter,
		log:        log,
		metrics:    m,
		subs:       make(map[int]chan Event),
	}, nil
}

// Run processes actions until ctx is cancelled
func (e *Engine) Run(ctx context.Context) error {
	for {
		action, err := e.next(ctx)
		if err != nil {
			return err
		}

		switch a := action.(type) {
		case ModelChange:
			e.changeModel(a.Request)
		case DataReady:
			e.processWindow()
		}
	}
}

// next waits for the first of a model change request or enough buffered
// data. Data is only waited for while a model is loaded.
func (e *Engine) next(ctx context.Context) (Action, error) {
	requests := e.models.Requests()

	if !e.recognizer.Ready() {
		select {
		case req := <-requests:
			return ModelChange{Request: req}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	threshold := e.threshold()
	ready := make(chan error, 1)
	go func() {
		ready <- e.buffer.WaitForMoreThan(waitCtx, threshold)
	}()

	select {
	case req := <-requests:
		return ModelChange{Request: req}, nil
	case err := <-ready:
		if err != nil {
			return nil, err
		}
		return DataReady{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// threshold is the buffer size the next window waits to exceed
func (e *Engine) threshold() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.draining {
		return 0
	}
	threshold := e.config.TargetSamples - 1
	if e.minSize > threshold {
		threshold = e.minSize
	}
	return threshold
}

func (e *Engine) changeModel(req models.ChangeRequest) {
	if req.ID == "" {
		e.recognizer.ModelChanged(recognition.ModelSpec{})
		e.models.Released()
		e.log.Info("モデルを解放しました")
		return
	}

	if err := e.models.Report(req.ID, models.Instantiating); err != nil {
		e.log.Warn("モデル状態を更新できません: %v", err)
		return
	}

	e.mu.Lock()
	useGPU := e.options.UseGPU
	e.mu.Unlock()

	start := time.Now()
	state := models.InstantiationFailed
	if e.recognizer.ModelChanged(recognition.ModelSpec{ID: req.ID, Path: req.Path, UseGPU: useGPU}) {
		state = models.Instantiated
		if e.metrics != nil {
			e.metrics.RecordModelLoad(time.Since(start).Seconds())
		}
	}

	if err := e.models.Report(req.ID, state); err != nil {
		e.log.Warn("モデル状態を更新できません: %v", err)
	}
	e.log.Info("モデル %s: %s", req.ID, state)
}

// processWindow runs one recognition pass over the head of the buffer
func (e *Engine) processWindow() {
	if !e.recognizer.Ready() {
		return
	}

	e.mu.Lock()
	generation := e.generation
	if e.buffer.IsStopped() {
		e.draining = true
	}
	draining := e.draining
	startPadding := e.startPadding
	options := e.options
	e.mu.Unlock()

	size := e.buffer.Size()
	if !draining && size < e.config.TargetSamples {
		return
	}

	if draining && size <= startPadding {
		// only already finalized context is left
		e.finishUtterance(generation, size)
		return
	}

	window := e.buffer.Read(e.config.ReadSamples())
	total := len(window)
	full := total == e.config.ReadSamples()
	atEnd := draining && total == size

	reserve := e.config.ReserveSamples
	if atEnd {
		reserve = 0
	}
	length := total - startPadding - reserve
	if length <= 0 {
		e.mu.Lock()
		e.minSize = total
		e.mu.Unlock()
		return
	}

	passID := uuid.NewString()
	passes := e.updateProgress(func(p *Progress) {
		p.Passes++
		p.Percent = 0
		p.Segments = 0
		p.Text = fmt.Sprintf("current: %d", total)
	})
	e.log.Debug("パス %d 開始: %d サンプル (offset=%d, length=%d)", passes, total, startPadding, length)

	start := time.Now()
	result, err := e.recognizer.Transcribe(recognition.Request{
		Samples: recognition.Normalize(window),
		Offset:  startPadding,
		Length:  length,
		Prompt:  options.Prompt,
		Threads: options.Threads,
		OnProgress: func(percent int) {
			e.updateProgress(func(p *Progress) { p.Percent = percent })
		},
		OnSegment: func(finalized int) {
			e.updateProgress(func(p *Progress) { p.Segments = finalized })
		},
	})
	elapsed := time.Since(start)

	if err != nil {
		e.failPass(generation, passID, size, elapsed, err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if generation != e.generation {
		// reset while the recognizer was running
		return
	}

	p := planCommit(result.CommitOffset, startPadding, length, total, e.config.OverlapSamples, full, atEnd)

	stopped, err := e.buffer.Advance(p.seek)
	if err != nil {
		e.log.Error("バッファのシークに失敗しました: %v", err)
		return
	}
	if stopped {
		e.draining = true
	}

	windowStart := e.consumed
	e.consumed += p.seek
	e.startPadding = p.padding
	e.minSize = total - p.seek
	if atEnd {
		// a producer that restarted during the pass starts a new utterance
		e.draining = stopped && e.buffer.Size() > 0
		e.minSize = 0
	}

	var text strings.Builder
	var committed []Segment
	for _, s := range result.Segments {
		end := recognition.DurationToSamples(s.End)
		if !atEnd && end > p.commit {
			break
		}
		seg := Segment{
			Start: recognition.SamplesToDuration(windowStart) + s.Start,
			End:   recognition.SamplesToDuration(windowStart) + s.End,
			Text:  s.Text,
			Pass:  passID,
		}
		committed = append(committed, seg)
		text.WriteString(s.Text)
	}

	e.transcript.WriteString(text.String())
	e.segments = append(e.segments, committed...)
	e.passes = append(e.passes, Pass{
		ID:        passID,
		Segments:  result.Segments,
		Before:    size,
		After:     e.buffer.Size(),
		Committed: committedSamples(p, startPadding),
		Duration:  elapsed,
	})
	e.progress.Percent = 100
	e.progress.Text = fmt.Sprintf("minSize: %d", e.minSize)
	progress := e.progress

	if e.metrics != nil {
		e.metrics.RecordWindow(total, p.seek, len(committed), elapsed.Seconds())
	}

	for i := range committed {
		e.publishLocked(Event{Kind: EventSegment, Segment: &committed[i]})
	}
	if text.Len() > 0 {
		e.publishLocked(Event{Kind: EventTranscript, Text: text.String()})
	}
	e.publishLocked(Event{Kind: EventProgress, Progress: &progress})

	e.log.Debug("パス %d 完了: commit=%d seek=%d padding=%d (%v)", progress.Passes, p.commit, p.seek, p.padding, elapsed.Round(time.Millisecond))
}

func committedSamples(p plan, startPadding int) int {
	if p.commit <= startPadding {
		return 0
	}
	return p.commit - startPadding
}

// finishUtterance drops the leftover context once a stopped producer's
// audio has been fully transcribed
func (e *Engine) finishUtterance(generation, size int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if generation != e.generation {
		return
	}
	if _, err := e.buffer.Advance(size); err != nil {
		e.log.Error("バッファのシークに失敗しました: %v", err)
		return
	}
	e.consumed += size
	e.startPadding = 0
	e.minSize = 0
	e.draining = false
}

func (e *Engine) failPass(generation int, passID string, size int, elapsed time.Duration, err error) {
	e.log.Error("文字起こしに失敗しました: %v", err)
	if e.metrics != nil {
		e.metrics.RecordTranscriptionFailure()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if generation != e.generation {
		return
	}

	// the window stays buffered; wait for new audio before retrying and
	// give up on flushing the current utterance
	e.draining = false
	e.minSize = size
	if _, seekErr := e.buffer.Advance(0); seekErr != nil {
		e.log.Warn("停止フラグをクリアできません: %v", seekErr)
	}

	e.passes = append(e.passes, Pass{
		ID:       passID,
		Before:   size,
		After:    e.buffer.Size(),
		Duration: elapsed,
		Error:    err.Error(),
	})
	e.progress.Text = fmt.Sprintf("error: %v", err)
	progress := e.progress
	e.publishLocked(Event{Kind: EventProgress, Progress: &progress})
}

func (e *Engine) updateProgress(update func(p *Progress)) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	update(&e.progress)
	progress := e.progress
	e.publishLocked(Event{Kind: EventProgress, Progress: &progress})
	return progress.Passes
}

func (e *Engine) publishLocked(event Event) {
	for _, ch := range e.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a stream of engine events and a function to stop it
func (e *Engine) Subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextSub
	e.nextSub++
	ch := make(chan Event, subscriberQueueSize)
	e.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Transcript returns the running transcript
func (e *Engine) Transcript() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transcript.String()
}

// Segments returns a copy of the finalized segment log
func (e *Engine) Segments() []Segment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Segment(nil), e.segments...)
}

// Passes returns a copy of the transcription log
func (e *Engine) Passes() []Pass {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Pass(nil), e.passes...)
}

// Progress returns the current progress indicator
func (e *Engine) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// Offset returns the session time up to which audio has been finalized
func (e *Engine) Offset() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return recognition.SamplesToDuration(e.consumed + e.startPadding)
}

// Options returns the current tuning parameters
func (e *Engine) Options() Options {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.options
}

// SetOptions replaces the tuning parameters. UseGPU takes effect at the
// next model load.
func (e *Engine) SetOptions(options Options) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.options = options
}

// Reset starts a new session: buffered audio, transcript and logs are
// discarded. A pass still running is dropped when it returns.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.generation++
	e.buffer.Reset()
	e.transcript.Reset()
	e.segments = nil
	e.passes = nil
	e.progress = Progress{}
	e.startPadding = 0
	e.minSize = 0
	e.consumed = 0
	e.draining = false

	progress := e.progress
	e.publishLocked(Event{Kind: EventProgress, Progress: &progress})
}
