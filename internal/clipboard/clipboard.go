package clipboard

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/go-vgo/robotgo"
)

// backend is the system clipboard and keyboard
type backend interface {
	ReadAll() (string, error)
	WriteAll(text string) error
	PasteShortcut() error
}

type robotgoBackend struct{}

func (robotgoBackend) ReadAll() (string, error)   { return robotgo.ReadAll() }
func (robotgoBackend) WriteAll(text string) error { return robotgo.WriteAll(text) }
func (robotgoBackend) PasteShortcut() error       { return robotgo.KeyTap("v", "cmd") }

// Manager copies the transcript to the clipboard or pastes it into the
// active application, restoring the previous clipboard afterwards
type Manager struct {
	sys            backend
	restoreTimeout time.Duration
	splitSize      int
	splitInterval  time.Duration
}

// Config holds clipboard manager configuration
type Config struct {
	RestoreTimeout time.Duration // Wait before restoring the clipboard (default: 500ms)
	SplitSize      int           // Maximum characters per paste operation (default: 500)
	SplitInterval  time.Duration // Interval between split pastes (default: 50ms)
}

// DefaultConfig returns the default clipboard configuration
func DefaultConfig() Config {
	return Config{
		RestoreTimeout: 500 * time.Millisecond,
		SplitSize:      500,
		SplitInterval:  50 * time.Millisecond,
	}
}

// NewManager creates a new clipboard manager backed by robotgo
func NewManager(config Config) *Manager {
	return newManager(config, robotgoBackend{})
}

func newManager(config Config, sys backend) *Manager {
	if config.SplitSize <= 0 {
		config.SplitSize = DefaultConfig().SplitSize
	}
	return &Manager{
		sys:            sys,
		restoreTimeout: config.RestoreTimeout,
		splitSize:      config.SplitSize,
		splitInterval:  config.SplitInterval,
	}
}

// Copy places text on the clipboard
func (m *Manager) Copy(text string) error {
	if err := m.sys.WriteAll(text); err != nil {
		return fmt.Errorf("failed to write clipboard: %w", err)
	}
	return nil
}

// Paste types text into the active application through the clipboard.
// Long text is pasted in chunks. The previous clipboard content is restored
// unless something else changed the clipboard in the meantime.
func (m *Manager) Paste(text string) error {
	saved, err := m.sys.ReadAll()
	if err != nil {
		return fmt.Errorf("failed to read clipboard: %w", err)
	}

	chunks := m.splitText(text)
	for i, chunk := range chunks {
		if err := m.sys.WriteAll(chunk); err != nil {
			return fmt.Errorf("failed to write clipboard: %w", err)
		}
		// クリップボードの更新を待つ
		time.Sleep(10 * time.Millisecond)

		if err := m.sys.PasteShortcut(); err != nil {
			return fmt.Errorf("failed to paste chunk %d: %w", i, err)
		}

		if i < len(chunks)-1 {
			time.Sleep(m.splitInterval)
		}
	}

	time.Sleep(m.restoreTimeout)

	current, err := m.sys.ReadAll()
	if err != nil || current != chunks[len(chunks)-1] {
		// ユーザーが途中でクリップボードを変更したので復元しない
		return nil
	}
	return m.sys.WriteAll(saved)
}

// splitText splits text into chunks of at most splitSize characters,
// preferring sentence boundaries (。、. ,) within the last 50 characters
func (m *Manager) splitText(text string) []string {
	if utf8.RuneCountInString(text) <= m.splitSize {
		return []string{text}
	}

	var chunks []string
	runes := []rune(text)
	start := 0

	for start < len(runes) {
		end := start + m.splitSize
		if end > len(runes) {
			end = len(runes)
		}

		if end < len(runes) {
			searchStart := end - 50
			if searchStart < start {
				searchStart = start
			}

			for i := end - 1; i >= searchStart; i-- {
				ch := runes[i]
				if ch == '。' || ch == '、' || ch == '.' || ch == ',' || ch == '\n' {
					end = i + 1
					break
				}
			}
		}

		chunks = append(chunks, string(runes[start:end]))
		start = end
	}

	return chunks
}
