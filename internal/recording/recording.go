package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yok-tottii/EzS2T-Stream/internal/audio"
	"github.com/yok-tottii/EzS2T-Stream/internal/hotkey"
	"github.com/yok-tottii/EzS2T-Stream/internal/logger"
	"github.com/yok-tottii/EzS2T-Stream/internal/metrics"
)

var (
	// ErrModelNotReady is returned when no model is loaded yet
	ErrModelNotReady = errors.New("model is not ready")
	// ErrBusy is returned when another producer is still active
	ErrBusy = errors.New("another recording or decode is in progress")
	// ErrNotActive is returned when stopping while idle
	ErrNotActive = errors.New("not recording or decoding")
)

// State represents the current recording state
type State int

const (
	// Idle means no producer is active
	Idle State = iota
	// Recording means the microphone is feeding the buffer
	Recording
	// Flushing means capture stopped and the last frames are being stored
	Flushing
	// Decoding means an audio file is feeding the buffer
	Decoding
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Recording:
		return "Recording"
	case Flushing:
		return "Flushing"
	case Decoding:
		return "Decoding"
	default:
		return "Unknown"
	}
}

// Source names the producer of a session
type Source string

const (
	SourceMicrophone Source = "microphone"
	SourceFile       Source = "file"
)

// Gate reports whether audio may be produced. The model controller
// satisfies it: recording is only allowed once the selected model is loaded.
type Gate interface {
	Ready() bool
}

// Manager runs at most one producer at a time and feeds its audio into sink
type Manager struct {
	mu          sync.Mutex
	state       State
	source      Source
	driver      audio.AudioDriver
	decoder     *audio.Decoder
	sink        audio.Sink
	gate        Gate
	maxDuration time.Duration
	stopTimer   *time.Timer
	cancel      context.CancelFunc
	errChan     chan error
	onChange    func(State)
	log         *logger.Logger
	metrics     *metrics.Metrics

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Config holds configuration for the recording manager
type Config struct {
	// MaxDuration stops a microphone recording automatically; 0 disables it
	MaxDuration time.Duration
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		MaxDuration: 60 * time.Second,
	}
}

// New creates a new recording manager. driver may be nil when no
// microphone is available; file decoding still works.
func New(driver audio.AudioDriver, decoder *audio.Decoder, sink audio.Sink, gate Gate, config Config, log *logger.Logger, m *metrics.Metrics) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	if decoder == nil {
		decoder = audio.NewDecoder(log)
	}
	return &Manager{
		state:       Idle,
		driver:      driver,
		decoder:     decoder,
		sink:        &meteredSink{sink: sink, metrics: m},
		gate:        gate,
		maxDuration: config.MaxDuration,
		errChan:     make(chan error, 8),
		log:         log,
		metrics:     m,
		stopChan:    make(chan struct{}),
	}
}

// meteredSink counts stored samples
type meteredSink struct {
	sink    audio.Sink
	metrics *metrics.Metrics
}

func (s *meteredSink) Store(ctx context.Context, samples []int16) error {
	err := s.sink.Store(ctx, samples)
	if err == nil && s.metrics != nil {
		s.metrics.RecordSamplesStored(len(samples))
	}
	return err
}

func (s *meteredSink) SetStopped() {
	s.sink.SetStopped()
}

// HandleHotkey turns hotkey events into start/stop commands until Close
func (m *Manager) HandleHotkey(events <-chan hotkey.Event) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}

				switch event.Type {
				case hotkey.Pressed:
					if err := m.StartRecording(); err != nil {
						m.log.Warn("録音を開始できません: %v", err)
						m.report(err)
					}
				case hotkey.Released:
					if err := m.StopRecording(); err != nil && !errors.Is(err, ErrNotActive) {
						m.log.Warn("録音を停止できません: %v", err)
						m.report(err)
					}
				}

			case <-m.stopChan:
				return
			}
		}
	}()
}

// beginLocked checks the preconditions shared by every producer
func (m *Manager) beginLocked() error {
	if m.state != Idle {
		return fmt.Errorf("%w (current state: %s)", ErrBusy, m.state)
	}
	if m.gate != nil && !m.gate.Ready() {
		return ErrModelNotReady
	}
	return nil
}

// StartRecording starts streaming the microphone into the buffer
func (m *Manager) StartRecording() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.beginLocked(); err != nil {
		return err
	}
	if m.driver == nil {
		return fmt.Errorf("no audio input available")
	}

	if err := m.driver.StartRecording(m.sink); err != nil {
		return fmt.Errorf("failed to start audio recording: %w", err)
	}

	m.setStateLocked(Recording)
	m.source = SourceMicrophone
	if m.metrics != nil {
		m.metrics.RecordProducer(string(SourceMicrophone))
	}
	m.log.Info("録音を開始しました")

	if m.maxDuration > 0 {
		m.stopTimer = time.AfterFunc(m.maxDuration, func() {
			m.log.Info("最大録音時間に達したため録音を停止します")
			if err := m.StopRecording(); err != nil && !errors.Is(err, ErrNotActive) {
				m.log.Error("自動停止に失敗しました: %v", err)
				m.report(err)
			}
		})
	}

	return nil
}

// TranscribeFile decodes path into the buffer in the background
func (m *Manager) TranscribeFile(path string) error {
	if !audio.IsSupported(path) {
		return fmt.Errorf("%w: %s", audio.ErrUnsupportedFormat, path)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.beginLocked(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.setStateLocked(Decoding)
	m.source = SourceFile
	if m.metrics != nil {
		m.metrics.RecordProducer(string(SourceFile))
	}
	m.log.Info("ファイルの文字起こしを開始しました: %s", path)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		n, err := m.decoder.DecodeFile(ctx, path, m.sink)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.log.Error("ファイルのデコードに失敗しました: %v", err)
			m.report(fmt.Errorf("failed to decode %s: %w", path, err))
		} else {
			m.log.Info("ファイルのデコードが完了しました (%d サンプル)", n)
		}
		m.finish(Decoding)
	}()

	return nil
}

// StopRecording ends the active producer. A microphone recording keeps
// delivering captured frames in the background; a decode is cancelled.
func (m *Manager) StopRecording() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Recording:
		if m.stopTimer != nil {
			m.stopTimer.Stop()
			m.stopTimer = nil
		}

		m.setStateLocked(Flushing)
		// the driver blocks until the capture goroutine exits
		m.mu.Unlock()
		err := m.driver.StopRecording()
		m.mu.Lock()

		if err != nil && !errors.Is(err, audio.ErrNotRecording) {
			m.setStateLocked(Idle)
			return fmt.Errorf("failed to stop audio recording: %w", err)
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.driver.Wait(); err != nil {
				m.log.Error("録音データの受け渡しに失敗しました: %v", err)
				m.report(err)
			}
			m.finish(Flushing)
		}()
		m.log.Info("録音を停止しました")
		return nil

	case Decoding:
		if m.cancel != nil {
			m.cancel()
		}
		return nil

	default:
		return ErrNotActive
	}
}

// Toggle starts a recording when idle and stops the active producer otherwise
func (m *Manager) Toggle() error {
	if m.GetState() == Idle {
		return m.StartRecording()
	}
	return m.StopRecording()
}

func (m *Manager) finish(from State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == from {
		m.setStateLocked(Idle)
		m.source = ""
		m.cancel = nil
	}
}

// OnStateChange registers fn to be called on every state change. fn runs
// with the manager locked and must not call back into it.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Manager) setStateLocked(state State) {
	if m.state == state {
		return
	}
	m.state = state
	if m.onChange != nil {
		m.onChange(state)
	}
}

func (m *Manager) report(err error) {
	select {
	case m.errChan <- err:
	default:
		m.log.Warn("エラー通知キューが満杯です: %v", err)
	}
}

// Errors returns asynchronous producer errors
func (m *Manager) Errors() <-chan error {
	return m.errChan
}

// GetState returns the current recording state
func (m *Manager) GetState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Source returns the active producer, or "" when idle
func (m *Manager) Source() Source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source
}

// Close stops any active producer and waits for background work
func (m *Manager) Close() error {
	var err error
	if state := m.GetState(); state == Recording || state == Decoding {
		err = m.StopRecording()
	}

	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
	return err
}
