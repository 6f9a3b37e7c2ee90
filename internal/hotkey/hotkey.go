package hotkey

import (
	"fmt"
	"sync"

	"golang.design/x/hotkey"
)

// RecordingMode defines how the hotkey triggers recording
type RecordingMode int

const (
	// PressToHold mode: record while key is held down
	PressToHold RecordingMode = iota
	// Toggle mode: first press starts, second press stops
	Toggle
)

// String returns the configuration name of the mode
func (m RecordingMode) String() string {
	if m == Toggle {
		return "toggle"
	}
	return "press-to-hold"
}

// EventType represents the type of hotkey event
type EventType int

const (
	// Pressed asks to start recording
	Pressed EventType = iota
	// Released asks to stop recording
	Released
)

// Event represents a start or stop command derived from the hotkey
type Event struct {
	Type EventType
}

// Config holds hotkey configuration
type Config struct {
	Modifiers []hotkey.Modifier
	Key       hotkey.Key
	Mode      RecordingMode
}

// DefaultConfig returns Ctrl+Option+Space in toggle mode
func DefaultConfig() Config {
	return Config{
		Modifiers: []hotkey.Modifier{hotkey.ModCtrl, hotkey.ModOption},
		Key:       hotkey.KeySpace,
		Mode:      Toggle,
	}
}

// Manager manages global hotkey registration and turns key presses into
// start/stop commands
type Manager struct {
	hk        *hotkey.Hotkey
	config    Config
	eventChan chan Event
	stopChan  chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
}

// New creates a new hotkey manager with default configuration
func New() *Manager {
	return &Manager{
		config:    DefaultConfig(),
		eventChan: make(chan Event, 10),
		stopChan:  make(chan struct{}),
	}
}

// Register registers the hotkey with the system
func (m *Manager) Register(config Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("hotkey is already running, call Close() first")
	}

	hk := hotkey.New(config.Modifiers, config.Key)
	if err := hk.Register(); err != nil {
		return fmt.Errorf("failed to register hotkey %s: %w", config.Format(), err)
	}

	m.config = config
	m.hk = hk
	// Close() で閉じられている可能性があるため作り直す
	m.stopChan = make(chan struct{})
	m.eventChan = make(chan Event, 10)
	m.running = true

	m.wg.Add(1)
	go m.listen(hk, config.Mode, m.eventChan, m.stopChan)

	return nil
}

// listen converts key transitions into events until stopped
func (m *Manager) listen(hk *hotkey.Hotkey, mode RecordingMode, events chan<- Event, stop <-chan struct{}) {
	defer m.wg.Done()

	active := false
	send := func(t EventType) {
		select {
		case events <- Event{Type: t}:
		case <-stop:
		}
	}

	for {
		select {
		case <-hk.Keydown():
			switch mode {
			case PressToHold:
				send(Pressed)
			case Toggle:
				if active {
					send(Released)
				} else {
					send(Pressed)
				}
				active = !active
			}

		case <-hk.Keyup():
			if mode == PressToHold {
				send(Released)
			}

		case <-stop:
			return
		}
	}
}

// Events returns the event channel for the current registration
func (m *Manager) Events() <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eventChan
}

// Close unregisters the hotkey and stops listening. The event channel is
// closed so consumers can exit.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	close(m.stopChan)
	m.wg.Wait()

	// 注意: エラーが発生しても続行し、必ずクリーンアップを実行する
	var unregisterErr error
	if err := m.hk.Unregister(); err != nil {
		unregisterErr = fmt.Errorf("failed to unregister hotkey: %w", err)
	}

	close(m.eventChan)
	// Unregister() が失敗しても次の Register() が可能になる
	m.running = false

	return unregisterErr
}

// IsRunning returns whether the hotkey is currently registered and running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// GetConfig returns a copy of the current hotkey configuration
func (m *Manager) GetConfig() Config {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.config
	c.Modifiers = append([]hotkey.Modifier(nil), m.config.Modifiers...)
	return c
}
