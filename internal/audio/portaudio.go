package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
)

// frameQueueSize bounds how many captured frames wait for a full sink
const frameQueueSize = 256

// PortAudioDriver implements AudioDriver using a blocking PortAudio stream.
// A capture goroutine reads frames from the device and a pump goroutine
// stores them into the sink, so a full sink never blocks the device read.
type PortAudioDriver struct {
	config      Config
	stream      *portaudio.Stream
	frame       []int16
	mu          sync.Mutex
	recording   bool
	initialized bool

	stopCh    chan struct{}
	captureCh chan struct{} // closed when the capture goroutine exits
	doneCh    chan struct{} // closed when all frames reached the sink
	err       error
	overflows int
}

// NewPortAudioDriver creates a new PortAudio driver
func NewPortAudioDriver() (*PortAudioDriver, error) {
	// Initialize PortAudio
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	return &PortAudioDriver{}, nil
}

// ListDevices returns a list of available audio input devices
func (d *PortAudioDriver) ListDevices() ([]Device, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	defaultInput, err := portaudio.DefaultInputDevice()
	if err != nil {
		// If we can't get the default device, continue without marking any as default
		defaultInput = nil
	}

	var result []Device
	for i, dev := range devices {
		// Only include devices with input channels
		if dev.MaxInputChannels > 0 {
			isDefault := false
			if defaultInput != nil && dev.Name == defaultInput.Name {
				isDefault = true
			}

			result = append(result, Device{
				ID:        i,
				Name:      dev.Name,
				IsDefault: isDefault,
			})
		}
	}

	return result, nil
}

// Initialize opens a blocking input stream with the given configuration
func (d *PortAudioDriver) Initialize(config Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.recording || d.flushingLocked() {
		return fmt.Errorf("cannot initialize while recording")
	}

	if config.Channels != 1 {
		return fmt.Errorf("only mono capture is supported, got %d channels", config.Channels)
	}
	if config.FramesPerBuffer <= 0 {
		config.FramesPerBuffer = DefaultConfig().FramesPerBuffer
	}

	// Close existing stream if any
	if d.stream != nil {
		if err := d.stream.Close(); err != nil {
			return fmt.Errorf("failed to close existing stream: %w", err)
		}
		d.stream = nil
	}

	// Get the device
	var device *portaudio.DeviceInfo
	var err error

	if config.DeviceID == -1 {
		// Use default input device
		device, err = portaudio.DefaultInputDevice()
		if err != nil {
			return fmt.Errorf("failed to get default input device: %w", err)
		}
	} else {
		// Use specified device
		devices, err := portaudio.Devices()
		if err != nil {
			return fmt.Errorf("failed to list devices: %w", err)
		}

		if config.DeviceID < 0 || config.DeviceID >= len(devices) {
			return fmt.Errorf("invalid device ID: %d", config.DeviceID)
		}

		device = devices[config.DeviceID]
	}

	// Validate device has input channels
	if device.MaxInputChannels <= 0 {
		return fmt.Errorf("selected device '%s' (ID: %d) has no input channels (output-only device)",
			device.Name, config.DeviceID)
	}

	// Set latency
	var latency time.Duration
	switch config.Latency {
	case LowLatency:
		latency = device.DefaultLowInputLatency
	default:
		latency = device.DefaultHighInputLatency
	}

	streamParams := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   device,
			Channels: config.Channels,
			Latency:  latency,
		},
		SampleRate:      float64(config.SampleRate),
		FramesPerBuffer: config.FramesPerBuffer,
	}

	// A buffer argument instead of a callback opens the stream in blocking mode
	frame := make([]int16, config.FramesPerBuffer)
	stream, err := portaudio.OpenStream(streamParams, frame)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}

	d.stream = stream
	d.frame = frame
	d.config = config
	d.initialized = true

	return nil
}

func (d *PortAudioDriver) flushingLocked() bool {
	if d.doneCh == nil {
		return false
	}
	select {
	case <-d.doneCh:
		return false
	default:
		return true
	}
}

// StartRecording starts capturing into sink
func (d *PortAudioDriver) StartRecording(sink Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized {
		return fmt.Errorf("driver not initialized")
	}

	if d.recording || d.flushingLocked() {
		return ErrAlreadyRecording
	}

	if err := d.stream.Start(); err != nil {
		return fmt.Errorf("failed to start stream: %w", err)
	}

	frames := make(chan []int16, frameQueueSize)
	d.stopCh = make(chan struct{})
	d.captureCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.err = nil
	d.overflows = 0
	d.recording = true

	go d.capture(d.stream, d.frame, frames, d.stopCh, d.captureCh)
	go d.pump(sink, frames, d.doneCh)

	return nil
}

// capture reads frames until stopped or the device fails
func (d *PortAudioDriver) capture(stream *portaudio.Stream, frame []int16, frames chan<- []int16, stopCh, captureCh chan struct{}) {
	defer close(captureCh)
	defer close(frames)

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		err := stream.Read()
		if errors.Is(err, portaudio.InputOverflowed) {
			// samples were lost in the device while the sink was full
			d.mu.Lock()
			d.overflows++
			d.mu.Unlock()
			err = nil
		}
		if err != nil {
			d.mu.Lock()
			d.err = fmt.Errorf("failed to read audio: %w", err)
			d.recording = false
			d.mu.Unlock()
			stream.Stop()
			return
		}

		captured := make([]int16, len(frame))
		copy(captured, frame)

		select {
		case frames <- captured:
		case <-stopCh:
			frames <- captured
			return
		}
	}
}

// pump stores every captured frame, then marks the end of the utterance
func (d *PortAudioDriver) pump(sink Sink, frames <-chan []int16, doneCh chan struct{}) {
	defer close(doneCh)

	ctx := context.Background()
	for samples := range frames {
		if err := sink.Store(ctx, samples); err != nil {
			d.mu.Lock()
			d.err = fmt.Errorf("failed to store audio: %w", err)
			d.mu.Unlock()
			for range frames {
			}
			break
		}
	}
	sink.SetStopped()
}

// StopRecording stops capturing. It returns once the device is stopped;
// captured frames are still being delivered until Wait returns.
func (d *PortAudioDriver) StopRecording() error {
	d.mu.Lock()
	if !d.recording {
		d.mu.Unlock()
		return ErrNotRecording
	}
	d.recording = false
	close(d.stopCh)
	captureCh := d.captureCh
	stream := d.stream
	d.mu.Unlock()

	// the capture goroutine returns after at most one frame
	<-captureCh

	if err := stream.Stop(); err != nil {
		return fmt.Errorf("failed to stop stream: %w", err)
	}
	return nil
}

// Wait blocks until the last recording has been delivered to its sink
func (d *PortAudioDriver) Wait() error {
	d.mu.Lock()
	doneCh := d.doneCh
	d.mu.Unlock()

	if doneCh == nil {
		return nil
	}
	<-doneCh

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Overflows returns how many device overflows the last recording had
func (d *PortAudioDriver) Overflows() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overflows
}

// IsRecording returns whether recording is currently active
func (d *PortAudioDriver) IsRecording() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recording
}

// Close releases all resources
func (d *PortAudioDriver) Close() error {
	if d.IsRecording() {
		if err := d.StopRecording(); err != nil {
			return err
		}
	}
	d.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()

	// Close stream
	if d.stream != nil {
		if err := d.stream.Close(); err != nil {
			return fmt.Errorf("failed to close stream: %w", err)
		}
		d.stream = nil
	}

	// Terminate PortAudio
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate PortAudio: %w", err)
	}

	d.initialized = false
	return nil
}
