package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Recording modes
const (
	ModePressToHold = "press-to-hold"
	ModeToggle      = "toggle"
)

// Config holds application configuration
type Config struct {
	ModelsDir     string `json:"models_dir"`     // empty means the per-app default
	SelectedModel string `json:"selected_model"` // catalog ID, e.g. "large-v3-turbo"
	LoadAtStartup bool   `json:"load_at_startup"`
	Threads       int    `json:"threads"` // 0 lets the recognizer decide
	UseGPU        bool   `json:"use_gpu"`
	Prompt        string `json:"prompt"`
	Language      string `json:"language"` // "auto" for automatic detection, or specific language code

	AudioDeviceID int `json:"audio_device_id"`
	MaxRecordTime int `json:"max_record_time"` // seconds, 0 disables the limit

	WindowSeconds int `json:"window_seconds"` // audio per full transcription pass
	OverlapMs     int `json:"overlap_ms"`     // audio kept before the commit point
	ReserveMs     int `json:"reserve_ms"`     // trailing audio left untranscribed while recording
	BufferSeconds int `json:"buffer_seconds"` // ring buffer capacity

	Hotkey         HotkeyConfig `json:"hotkey"`
	RecordingMode  string       `json:"recording_mode"` // "press-to-hold" or "toggle"
	ServerPort     int          `json:"server_port"`
	LogLevel       string       `json:"log_level"`
	PasteSplitSize int          `json:"paste_split_size"` // characters
	mu             sync.RWMutex
}

// HotkeyConfig holds hotkey configuration
type HotkeyConfig struct {
	Ctrl  bool   `json:"ctrl"`
	Shift bool   `json:"shift"`
	Alt   bool   `json:"alt"`
	Cmd   bool   `json:"cmd"`
	Key   string `json:"key"` // e.g., "Space"
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		LoadAtStartup: true,
		UseGPU:        true,
		Language:      "ja",
		AudioDeviceID: -1, // -1 means use system default device
		MaxRecordTime: 0,
		WindowSeconds: 30,
		OverlapMs:     20,
		ReserveMs:     2000,
		BufferSeconds: 60,
		Hotkey: HotkeyConfig{
			Ctrl: true,
			Alt:  true,
			Key:  "Space",
		},
		RecordingMode:  ModeToggle,
		ServerPort:     18765,
		LogLevel:       "INFO",
		PasteSplitSize: 500,
	}
}

// Load loads configuration from the specified path. Missing fields keep
// their default values.
func Load(path string) (*Config, error) {
	// If file doesn't exist, return default config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// ホットキー設定の検証と修正
	if config.Hotkey.Key == "" {
		config.Hotkey.Key = "Space"
	}

	return config, nil
}

// Save saves configuration to the specified path
func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// 書き込み途中のファイルを読まないよう一時ファイル経由で置き換える
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, "Library", "Application Support", "EzS2T-Stream", "config.json")
}

// Update applies a JSON-decoded partial update. Values are validated as a
// whole; on error the configuration is left unchanged.
func (c *Config) Update(updates map[string]interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.cloneLocked()

	for key, value := range updates {
		switch key {
		case "models_dir":
			if v, ok := value.(string); ok {
				next.ModelsDir = v
			}
		case "selected_model":
			if v, ok := value.(string); ok {
				next.SelectedModel = v
			}
		case "load_at_startup":
			if v, ok := value.(bool); ok {
				next.LoadAtStartup = v
			}
		case "threads":
			if v, ok := value.(float64); ok {
				next.Threads = int(v)
			}
		case "use_gpu":
			if v, ok := value.(bool); ok {
				next.UseGPU = v
			}
		case "prompt":
			if v, ok := value.(string); ok {
				next.Prompt = v
			}
		case "language":
			if v, ok := value.(string); ok {
				// Whisper.cpp supports 100+ languages; "auto" enables detection
				next.Language = v
			}
		case "audio_device_id":
			if v, ok := value.(float64); ok {
				next.AudioDeviceID = int(v)
			}
		case "max_record_time":
			if v, ok := value.(float64); ok {
				next.MaxRecordTime = int(v)
			}
		case "window_seconds":
			if v, ok := value.(float64); ok {
				next.WindowSeconds = int(v)
			}
		case "overlap_ms":
			if v, ok := value.(float64); ok {
				next.OverlapMs = int(v)
			}
		case "reserve_ms":
			if v, ok := value.(float64); ok {
				next.ReserveMs = int(v)
			}
		case "buffer_seconds":
			if v, ok := value.(float64); ok {
				next.BufferSeconds = int(v)
			}
		case "recording_mode":
			if v, ok := value.(string); ok {
				next.RecordingMode = v
			}
		case "server_port":
			if v, ok := value.(float64); ok {
				next.ServerPort = int(v)
			}
		case "log_level":
			if v, ok := value.(string); ok {
				next.LogLevel = strings.ToUpper(v)
			}
		case "paste_split_size":
			if v, ok := value.(float64); ok {
				next.PasteSplitSize = int(v)
			}
		case "hotkey":
			if v, ok := value.(map[string]interface{}); ok {
				// HotkeyConfigの各フィールドを更新
				if ctrl, ok := v["ctrl"].(bool); ok {
					next.Hotkey.Ctrl = ctrl
				}
				if shift, ok := v["shift"].(bool); ok {
					next.Hotkey.Shift = shift
				}
				if alt, ok := v["alt"].(bool); ok {
					next.Hotkey.Alt = alt
				}
				if cmd, ok := v["cmd"].(bool); ok {
					next.Hotkey.Cmd = cmd
				}
				if key, ok := v["key"].(string); ok {
					next.Hotkey.Key = key
				}
			}
		default:
			return fmt.Errorf("unknown setting: %s", key)
		}
	}

	if err := next.validateLocked(); err != nil {
		return err
	}

	c.copyFrom(next)
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cloneLocked()
}

func (c *Config) cloneLocked() *Config {
	next := &Config{}
	next.copyFrom(c)
	return next
}

// copyFrom copies every field except the lock
func (c *Config) copyFrom(src *Config) {
	c.ModelsDir = src.ModelsDir
	c.SelectedModel = src.SelectedModel
	c.LoadAtStartup = src.LoadAtStartup
	c.Threads = src.Threads
	c.UseGPU = src.UseGPU
	c.Prompt = src.Prompt
	c.Language = src.Language
	c.AudioDeviceID = src.AudioDeviceID
	c.MaxRecordTime = src.MaxRecordTime
	c.WindowSeconds = src.WindowSeconds
	c.OverlapMs = src.OverlapMs
	c.ReserveMs = src.ReserveMs
	c.BufferSeconds = src.BufferSeconds
	c.Hotkey = src.Hotkey
	c.RecordingMode = src.RecordingMode
	c.ServerPort = src.ServerPort
	c.LogLevel = src.LogLevel
	c.PasteSplitSize = src.PasteSplitSize
}

// ExpandPath expands ~ to home directory in file paths
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	return absPath, nil
}

// GetModelsDir returns the expanded models directory, or "" for the default
func (c *Config) GetModelsDir() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ExpandPath(c.ModelsDir)
}

// Validate validates all configuration fields
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validateLocked()
}

func (c *Config) validateLocked() error {
	if c.RecordingMode != ModePressToHold && c.RecordingMode != ModeToggle {
		return fmt.Errorf("invalid recording_mode: %s (must be 'press-to-hold' or 'toggle')", c.RecordingMode)
	}

	if c.Language == "" {
		return fmt.Errorf("language cannot be empty")
	}

	if c.Threads < 0 || c.Threads > 64 {
		return fmt.Errorf("invalid threads: %d (must be between 0 and 64)", c.Threads)
	}

	if c.MaxRecordTime < 0 || c.MaxRecordTime > 3600 {
		return fmt.Errorf("invalid max_record_time: %d (must be between 0 and 3600 seconds)", c.MaxRecordTime)
	}

	if c.WindowSeconds < 1 || c.WindowSeconds > 30 {
		return fmt.Errorf("invalid window_seconds: %d (must be between 1 and 30)", c.WindowSeconds)
	}

	if c.OverlapMs < 0 || c.OverlapMs > 1000 {
		return fmt.Errorf("invalid overlap_ms: %d (must be between 0 and 1000)", c.OverlapMs)
	}

	if c.ReserveMs < 0 {
		return fmt.Errorf("invalid reserve_ms: %d", c.ReserveMs)
	}

	if c.OverlapMs+c.ReserveMs >= c.WindowSeconds*1000 {
		return fmt.Errorf("overlap_ms + reserve_ms must be shorter than window_seconds")
	}

	// the buffer must hold a full window plus the one second lookahead
	if c.BufferSeconds < c.WindowSeconds+2 {
		return fmt.Errorf("invalid buffer_seconds: %d (must be at least window_seconds + 2)", c.BufferSeconds)
	}

	if c.ServerPort < 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server_port: %d", c.ServerPort)
	}

	switch c.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}

	if c.PasteSplitSize <= 0 || c.PasteSplitSize > 10000 {
		return fmt.Errorf("invalid paste_split_size: %d (must be between 1 and 10000 characters)", c.PasteSplitSize)
	}

	if c.Hotkey.Key == "" {
		return fmt.Errorf("hotkey key cannot be empty")
	}

	return nil
}
