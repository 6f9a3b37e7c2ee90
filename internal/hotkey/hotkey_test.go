package hotkey

import (
	"testing"
	"time"

	"golang.design/x/hotkey"
)

func TestNew(t *testing.T) {
	m := New()

	config := m.GetConfig()
	if len(config.Modifiers) != 2 {
		t.Errorf("Expected 2 modifiers, got %d", len(config.Modifiers))
	}

	if config.Key != hotkey.KeySpace {
		t.Errorf("Expected KeySpace, got %v", config.Key)
	}

	if config.Mode != Toggle {
		t.Errorf("Expected Toggle mode, got %v", config.Mode)
	}
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		name     string
		expected hotkey.Key
		wantErr  bool
	}{
		{"Space", hotkey.KeySpace, false},
		{"space", hotkey.KeySpace, false},
		{"r", hotkey.KeyR, false},
		{"F5", hotkey.KeyF5, false},
		{"escape", hotkey.KeyEscape, false},
		{"7", hotkey.Key7, false},
		{"Hyper", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParseKey(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseKey(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if !tt.wantErr && key != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, key)
			}
		})
	}
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode("press-to-hold"); err != nil || m != PressToHold {
		t.Errorf("Expected PressToHold, got %v (%v)", m, err)
	}
	if m, err := ParseMode("toggle"); err != nil || m != Toggle {
		t.Errorf("Expected Toggle, got %v (%v)", m, err)
	}
	if _, err := ParseMode("hold"); err == nil {
		t.Error("Expected error for unknown mode")
	}
	if Toggle.String() != "toggle" || PressToHold.String() != "press-to-hold" {
		t.Error("Mode names should round-trip")
	}
}

func TestNewConfig(t *testing.T) {
	config, err := NewConfig(true, false, true, false, "Space", "toggle")
	if err != nil {
		t.Fatalf("NewConfig failed: %v", err)
	}
	if len(config.Modifiers) != 2 || config.Key != hotkey.KeySpace || config.Mode != Toggle {
		t.Errorf("Unexpected config %+v", config)
	}

	if _, err := NewConfig(false, false, false, false, "Space", "toggle"); err == nil {
		t.Error("Expected error without modifiers")
	}
	if _, err := NewConfig(true, false, false, false, "Nope", "toggle"); err == nil {
		t.Error("Expected error for unknown key")
	}
}

func TestCheckConflicts(t *testing.T) {
	tests := []struct {
		name           string
		config         Config
		expectConflict bool
	}{
		{
			name:           "Spotlight conflict (Cmd+Space)",
			config:         Config{Modifiers: []hotkey.Modifier{hotkey.ModCmd}, Key: hotkey.KeySpace},
			expectConflict: true,
		},
		{
			name:           "No conflict (Ctrl+Option+Space)",
			config:         DefaultConfig(),
			expectConflict: false,
		},
		{
			name:           "Force Quit conflict in different order",
			config:         Config{Modifiers: []hotkey.Modifier{hotkey.ModOption, hotkey.ModCmd}, Key: hotkey.KeyEscape},
			expectConflict: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conflicts := CheckConflicts(tt.config)
			hasConflict := len(conflicts) > 0

			if hasConflict != tt.expectConflict {
				t.Errorf("Expected conflict=%v, got conflict=%v (found %d conflicts)",
					tt.expectConflict, hasConflict, len(conflicts))
			}
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected string
	}{
		{"Ctrl+Option+Space", DefaultConfig(), "⌃⌥Space"},
		{"Cmd+Shift+A", Config{Modifiers: []hotkey.Modifier{hotkey.ModCmd, hotkey.ModShift}, Key: hotkey.KeyA}, "⌘⇧A"},
		{"Ctrl+F12", Config{Modifiers: []hotkey.Modifier{hotkey.ModCtrl}, Key: hotkey.KeyF12}, "⌃F12"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := tt.config.Format(); result != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestManagerLifecycle(t *testing.T) {
	m := New()

	if m.IsRunning() {
		t.Error("Manager should not be running initially")
	}

	// Close should be safe on non-running manager
	if err := m.Close(); err != nil {
		t.Errorf("Close() on non-running manager returned error: %v", err)
	}

	// Registration needs accessibility permissions and is not exercised here
}

func TestEventChannel(t *testing.T) {
	m := New()

	eventChan := m.Events()
	if eventChan == nil {
		t.Fatal("Events() returned nil channel")
	}

	select {
	case <-eventChan:
		t.Error("Events channel should be empty initially")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestGetConfigReturnsCopy(t *testing.T) {
	m := New()

	config := m.GetConfig()
	config.Modifiers[0] = hotkey.ModCmd

	if m.GetConfig().Modifiers[0] != hotkey.ModCtrl {
		t.Error("Mutating the returned config changed the manager")
	}
}
