package tray

import (
	"strings"
	"testing"
	"time"

	"github.com/yok-tottii/EzS2T-Stream/internal/models"
)

func TestNewManager(t *testing.T) {
	toggled := false
	selected := models.ID("")

	manager := NewManager(Config{
		OnToggleRecording: func() { toggled = true },
		OnSelectModel:     func(id models.ID) { selected = id },
	})

	if manager == nil {
		t.Fatal("Expected manager to be created")
	}

	if manager.GetState() != StateIdle {
		t.Errorf("Expected initial state to be StateIdle, got %v", manager.GetState())
	}

	call(manager.config.OnToggleRecording)
	if !toggled {
		t.Error("Expected OnToggleRecording callback to be called")
	}

	manager.config.OnSelectModel(models.Tiny)
	if selected != models.Tiny {
		t.Errorf("Expected selected model tiny, got %q", selected)
	}
}

func TestCallbacksNil(t *testing.T) {
	manager := NewManager(Config{})

	// nil callbacks must be safe to invoke
	call(manager.config.OnCopyTranscript)
	call(manager.config.OnPasteTranscript)
	call(manager.config.OnRescanModels)
	call(manager.config.OnQuit)
}

func TestStateBeforeReady(t *testing.T) {
	manager := NewManager(Config{})

	// no systray calls happen until the menu is built
	manager.SetState(StateRecording)
	manager.SetProgress("3 セグメント")
	manager.SetModelReady(true)
	manager.UpdateModelMenu([]ModelItem{{ID: models.Tiny, Label: "Tiny", Size: "75 MB", State: models.Instantiated, Selected: true}})
	manager.UpdateDeviceMenu([]Device{{ID: 0, Name: "Built-in Microphone", IsDefault: true}})

	if manager.GetState() != StateRecording {
		t.Errorf("Expected StateRecording, got %v", manager.GetState())
	}
	if len(manager.models) != 1 || len(manager.devices) != 1 {
		t.Errorf("Expected cached menu contents, got %d models / %d devices", len(manager.models), len(manager.devices))
	}
}

func TestTooltip(t *testing.T) {
	manager := NewManager(Config{})

	if got := manager.tooltipLocked(); got != "EzS2T-Stream - 待機中 - モデル未読み込み" {
		t.Errorf("Unexpected tooltip %q", got)
	}

	manager.modelOK = true
	manager.state = StateRecording
	manager.progress = "12.0s"
	if got := manager.tooltipLocked(); got != "EzS2T-Stream - 録音中 (12.0s)" {
		t.Errorf("Unexpected tooltip %q", got)
	}

	if got := State(42).Tooltip(); got != "EzS2T-Stream" {
		t.Errorf("Expected bare app name for unknown state, got %q", got)
	}
}

func TestRecordTitle(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateIdle, "録音開始"},
		{StateRecording, "録音停止"},
		{StateProcessing, "文字起こしを中止"},
	}

	for _, tt := range tests {
		if got := recordTitle(tt.state); got != tt.expected {
			t.Errorf("State %d: expected %q, got %q", tt.state, tt.expected, got)
		}
	}
}

func TestModelTitle(t *testing.T) {
	tests := []struct {
		state    models.State
		expected string
	}{
		{models.DoesNotExist, "Tiny (75 MB) [未ダウンロード]"},
		{models.Downloaded, "Tiny (75 MB)"},
		{models.Instantiating, "Tiny (75 MB) [読み込み中]"},
		{models.Instantiated, "Tiny (75 MB) [使用中]"},
		{models.InstantiationFailed, "Tiny (75 MB) [読み込み失敗]"},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			got := modelTitle(ModelItem{ID: models.Tiny, Label: "Tiny", Size: "75 MB", State: tt.state})
			if got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestSelectable(t *testing.T) {
	tests := []struct {
		state    models.State
		expected bool
	}{
		{models.DoesNotExist, false},
		{models.DownloadTriggered, false},
		{models.Downloaded, true},
		{models.DownloadFailed, false},
		{models.Instantiating, false},
		{models.Instantiated, true},
		{models.InstantiationFailed, true},
	}

	for _, tt := range tests {
		if got := selectable(tt.state); got != tt.expected {
			t.Errorf("%s: expected %v, got %v", tt.state, tt.expected, got)
		}
	}
}

func TestDeviceTitle(t *testing.T) {
	if got := deviceTitle(Device{Name: "USB Mic", IsCurrent: true}); got != "✓ USB Mic" {
		t.Errorf("Expected checkmark prefix, got %q", got)
	}
	if got := deviceTitle(Device{Name: "USB Mic"}); got != "USB Mic" {
		t.Errorf("Expected plain name, got %q", got)
	}
}

func TestIconFunctions(t *testing.T) {
	idleIcon := getIdleFallback()
	recordingIcon := getRecordingFallback()
	processingIcon := getProcessingFallback()

	for _, icon := range [][]byte{idleIcon, recordingIcon, processingIcon} {
		if len(icon) < 8 || string(icon[1:4]) != "PNG" {
			t.Error("Expected fallback icon to be a PNG")
		}
	}

	if string(idleIcon) == string(recordingIcon) || string(recordingIcon) == string(processingIcon) {
		t.Error("Expected fallback icons to be different")
	}

	manager := NewManager(Config{})
	if len(manager.iconIdle) == 0 || len(manager.iconRecording) == 0 || len(manager.iconProcessing) == 0 {
		t.Error("Expected icons to be loaded or fall back")
	}
}

func TestEscapeAppleScript(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"plain", "plain"},
		{`say "hi"`, `say \"hi\"`},
		{`C:\path`, `C:\\path`},
		{"line1\nline2", `line1\nline2`},
		{"a\tb\r", `a\tb\r`},
	}

	for _, tt := range tests {
		if got := escapeAppleScript(tt.input); got != tt.expected {
			t.Errorf("escapeAppleScript(%q): expected %q, got %q", tt.input, tt.expected, got)
		}
	}
}

func TestNotificationScript(t *testing.T) {
	script := notificationScript("EzS2T-Stream", `モデル "tiny" を読み込みました`)

	if !strings.HasPrefix(script, "display notification ") {
		t.Errorf("Unexpected script %q", script)
	}
	if !strings.Contains(script, `\"tiny\"`) {
		t.Errorf("Expected quotes to be escaped, got %q", script)
	}
	if !strings.HasSuffix(script, `with title "EzS2T-Stream"`) {
		t.Errorf("Expected title at the end, got %q", script)
	}
}

func TestConcurrentStateUpdates(t *testing.T) {
	manager := NewManager(Config{})

	done := make(chan bool)

	for i := 0; i < 10; i++ {
		go func() {
			manager.SetState(StateRecording)
			time.Sleep(1 * time.Millisecond)
			manager.SetState(StateProcessing)
			time.Sleep(1 * time.Millisecond)
			manager.SetState(StateIdle)
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	if manager.GetState() != StateIdle {
		t.Errorf("Expected final state StateIdle, got %v", manager.GetState())
	}
}
