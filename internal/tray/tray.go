package tray

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/getlantern/systray"

	"github.com/yok-tottii/EzS2T-Stream/internal/logger"
	"github.com/yok-tottii/EzS2T-Stream/internal/models"
)

const appName = "EzS2T-Stream"

// State represents the current application state
type State int

const (
	StateIdle State = iota
	StateRecording
	StateProcessing
)

var stateTooltips = map[State]string{
	StateIdle:       "待機中",
	StateRecording:  "録音中",
	StateProcessing: "文字起こし中",
}

// Tooltip returns the tray tooltip for the state
func (s State) Tooltip() string {
	if label, ok := stateTooltips[s]; ok {
		return appName + " - " + label
	}
	return appName
}

// ModelItem is one entry of the model submenu
type ModelItem struct {
	ID       models.ID
	Label    string
	Size     string
	State    models.State
	Selected bool
}

// Device represents an audio device for the menu
type Device struct {
	ID        int
	Name      string
	IsDefault bool
	IsCurrent bool
}

// Config holds tray manager configuration
type Config struct {
	OnReady           func() // Called when systray is ready for initialization
	OnToggleRecording func()
	OnTranscribeFile  func(path string)
	OnCopyTranscript  func()
	OnPasteTranscript func() // types the transcript into the frontmost app
	OnResetTranscript func()
	OnSelectModel     func(id models.ID)
	OnRescanModels    func()
	OnOpenSettings    func()
	OnDeviceChange    func(deviceID int) // Called when user selects a device
	OnQuit            func()
	Log               *logger.Logger
}

// Manager manages the system tray icon and menu
type Manager struct {
	config Config
	log    *logger.Logger

	mu       sync.Mutex
	state    State
	ready    bool // systray menu has been built
	modelOK  bool // a model is loaded and recording is allowed
	progress string
	models   []ModelItem
	devices  []Device

	menuRecord      *systray.MenuItem
	menuFile        *systray.MenuItem
	menuCopy        *systray.MenuItem
	menuPaste       *systray.MenuItem
	menuReset       *systray.MenuItem
	menuModels      *systray.MenuItem
	menuRescan      *systray.MenuItem
	menuDevices     *systray.MenuItem
	menuSettings    *systray.MenuItem
	menuQuit        *systray.MenuItem
	modelMenuItems  map[models.ID]*systray.MenuItem
	deviceMenuItems []*systray.MenuItem
	deviceCancel    context.CancelFunc

	// Icon cache
	iconIdle       []byte
	iconRecording  []byte
	iconProcessing []byte
}

// NewManager creates a new tray manager
func NewManager(config Config) *Manager {
	log := config.Log
	if log == nil {
		log = logger.Discard()
	}

	m := &Manager{
		config:         config,
		log:            log,
		state:          StateIdle,
		modelMenuItems: make(map[models.ID]*systray.MenuItem),
	}

	// Load icons once at initialization
	m.iconIdle = loadIconData(log, "speech_to_text_32dp_E3E3E3_FILL0_wght400_GRAD0_opsz40.png", getIdleFallback())
	m.iconRecording = loadIconData(log, "graphic_eq_32dp_F19E39_FILL0_wght400_GRAD0_opsz40.png", getRecordingFallback())
	m.iconProcessing = loadIconData(log, "hourglass_empty_32dp_75FB4C_FILL0_wght400_GRAD0_opsz40.png", getProcessingFallback())

	return m
}

// Run starts the system tray (blocking call)
func (m *Manager) Run() {
	systray.Run(m.onReady, m.onExit)
}

// onReady is called when systray is ready
func (m *Manager) onReady() {
	m.mu.Lock()

	m.menuRecord = systray.AddMenuItem("録音開始", "Start or stop recording")
	m.menuFile = systray.AddMenuItem("ファイルを文字起こし...", "Transcribe a WAV or Ogg Opus file")
	systray.AddSeparator()
	m.menuCopy = systray.AddMenuItem("文字起こし結果をコピー", "Copy the transcript to the clipboard")
	m.menuPaste = systray.AddMenuItem("前面のアプリに貼り付け", "Paste the transcript into the active application")
	m.menuReset = systray.AddMenuItem("文字起こし結果をクリア", "Clear the transcript")
	systray.AddSeparator()
	m.menuModels = systray.AddMenuItem("モデル", "Select the Whisper model")
	for _, model := range models.Catalog {
		item := m.menuModels.AddSubMenuItemCheckbox(model.Label, model.Size, false)
		m.modelMenuItems[model.ID] = item
		go m.watchModelItem(model.ID, item)
	}
	m.menuRescan = systray.AddMenuItem("モデルを再スキャン", "Rescan the models directory")
	m.menuDevices = systray.AddMenuItem("入力デバイス", "Select input device")
	systray.AddSeparator()
	m.menuSettings = systray.AddMenuItem("設定を開く...", "Open settings page")
	m.menuQuit = systray.AddMenuItem("終了", "Quit the application")

	m.ready = true
	m.applyStateLocked()
	m.applyModelsLocked()
	m.applyDevicesLocked()
	m.mu.Unlock()

	// Start event loop
	go m.handleMenuEvents()

	// Call the OnReady callback if provided
	if m.config.OnReady != nil {
		m.config.OnReady()
	}
}

// onExit is called when systray is exiting
func (m *Manager) onExit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deviceCancel != nil {
		m.deviceCancel()
		m.deviceCancel = nil
	}
}

// handleMenuEvents handles menu item clicks
func (m *Manager) handleMenuEvents() {
	for {
		select {
		case <-m.menuRecord.ClickedCh:
			call(m.config.OnToggleRecording)
		case <-m.menuFile.ClickedCh:
			// ファイル選択ダイアログはメニューのイベントループを止めないよう別goroutineで開く
			go m.chooseAndTranscribe()
		case <-m.menuCopy.ClickedCh:
			call(m.config.OnCopyTranscript)
		case <-m.menuPaste.ClickedCh:
			call(m.config.OnPasteTranscript)
		case <-m.menuReset.ClickedCh:
			call(m.config.OnResetTranscript)
		case <-m.menuRescan.ClickedCh:
			call(m.config.OnRescanModels)
		case <-m.menuSettings.ClickedCh:
			call(m.config.OnOpenSettings)
		case <-m.menuQuit.ClickedCh:
			call(m.config.OnQuit)
			systray.Quit()
			return
		}
	}
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}

func (m *Manager) watchModelItem(id models.ID, item *systray.MenuItem) {
	for range item.ClickedCh {
		if m.config.OnSelectModel != nil {
			m.config.OnSelectModel(id)
		}
	}
}

func (m *Manager) chooseAndTranscribe() {
	path, err := chooseFile()
	if err != nil {
		m.log.Warn("ファイル選択に失敗しました: %v", err)
		return
	}
	if path == "" || m.config.OnTranscribeFile == nil {
		return
	}
	m.config.OnTranscribeFile(path)
}

// SetState updates the tray icon based on the current state
func (m *Manager) SetState(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
	m.applyStateLocked()
}

// GetState returns the current tray state
func (m *Manager) GetState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetProgress sets the short progress text shown after the state in the tooltip
func (m *Manager) SetProgress(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = text
	m.applyStateLocked()
}

// SetModelReady enables or disables the recording entries
func (m *Manager) SetModelReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modelOK = ready
	m.applyStateLocked()
}

func (m *Manager) tooltipLocked() string {
	tooltip := m.state.Tooltip()
	if m.progress != "" {
		tooltip += " (" + m.progress + ")"
	}
	if !m.modelOK {
		tooltip += " - モデル未読み込み"
	}
	return tooltip
}

// applyStateLocked pushes the cached state to systray once the menu exists
func (m *Manager) applyStateLocked() {
	if !m.ready {
		return
	}

	switch m.state {
	case StateIdle:
		systray.SetIcon(m.iconIdle)
	case StateRecording:
		systray.SetIcon(m.iconRecording)
	case StateProcessing:
		systray.SetIcon(m.iconProcessing)
	}
	systray.SetTooltip(m.tooltipLocked())

	m.menuRecord.SetTitle(recordTitle(m.state))
	if m.modelOK || m.state != StateIdle {
		m.menuRecord.Enable()
	} else {
		m.menuRecord.Disable()
	}
	if m.modelOK && m.state == StateIdle {
		m.menuFile.Enable()
		m.menuReset.Enable()
	} else {
		m.menuFile.Disable()
		m.menuReset.Disable()
	}
}

func recordTitle(state State) string {
	switch state {
	case StateRecording:
		return "録音停止"
	case StateProcessing:
		return "文字起こしを中止"
	default:
		return "録音開始"
	}
}

// UpdateModelMenu refreshes the model submenu with the current lifecycle states
func (m *Manager) UpdateModelMenu(items []ModelItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.models = append([]ModelItem(nil), items...)
	m.applyModelsLocked()
}

func (m *Manager) applyModelsLocked() {
	if !m.ready {
		return
	}

	for _, model := range m.models {
		item, ok := m.modelMenuItems[model.ID]
		if !ok {
			continue
		}
		item.SetTitle(modelTitle(model))
		if model.Selected {
			item.Check()
		} else {
			item.Uncheck()
		}
		if selectable(model.State) {
			item.Enable()
		} else {
			item.Disable()
		}
	}
}

var modelStateLabels = map[models.State]string{
	models.DoesNotExist:        "未ダウンロード",
	models.DownloadTriggered:   "ダウンロード中",
	models.Downloaded:          "",
	models.DownloadFailed:      "ダウンロード失敗",
	models.Instantiating:       "読み込み中",
	models.Instantiated:        "使用中",
	models.InstantiationFailed: "読み込み失敗",
}

// modelTitle formats a model submenu entry, e.g. "Tiny (75 MB) [使用中]"
func modelTitle(item ModelItem) string {
	title := fmt.Sprintf("%s (%s)", item.Label, item.Size)
	if label := modelStateLabels[item.State]; label != "" {
		title += " [" + label + "]"
	}
	return title
}

// selectable reports whether clicking the entry can start a load
func selectable(state models.State) bool {
	switch state {
	case models.Downloaded, models.Instantiated, models.InstantiationFailed:
		return true
	}
	return false
}

// UpdateDeviceMenu updates the device submenu with available devices
func (m *Manager) UpdateDeviceMenu(devices []Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = append([]Device(nil), devices...)
	m.applyDevicesLocked()
}

func (m *Manager) applyDevicesLocked() {
	if !m.ready {
		return
	}

	// Cancel existing device menu goroutines
	if m.deviceCancel != nil {
		m.deviceCancel()
		m.deviceCancel = nil
	}

	// systray cannot remove items; hide the old ones
	for _, item := range m.deviceMenuItems {
		item.Hide()
	}
	m.deviceMenuItems = nil

	ctx, cancel := context.WithCancel(context.Background())
	m.deviceCancel = cancel

	for _, device := range m.devices {
		tooltip := ""
		if device.IsDefault {
			tooltip = "System default device"
		}

		item := m.menuDevices.AddSubMenuItem(deviceTitle(device), tooltip)
		m.deviceMenuItems = append(m.deviceMenuItems, item)

		go func(id int, item *systray.MenuItem) {
			for {
				select {
				case <-ctx.Done():
					return
				case <-item.ClickedCh:
					if m.config.OnDeviceChange != nil {
						m.config.OnDeviceChange(id)
					}
				}
			}
		}(device.ID, item)
	}
}

func deviceTitle(device Device) string {
	if device.IsCurrent {
		return "✓ " + device.Name
	}
	return device.Name
}

// Quit quits the system tray
func (m *Manager) Quit() {
	systray.Quit()
}

// loadIconData loads an icon from the assets directory
// If the file cannot be loaded, it returns a fallback placeholder icon
func loadIconData(log *logger.Logger, filename string, fallback []byte) []byte {
	// Get executable directory
	exe, err := os.Executable()
	if err != nil {
		log.Warn("実行ファイルのパスを取得できませんでした: %v", err)
		return fallback
	}
	exeDir := filepath.Dir(exe)

	// Try to load icon from assets/icon/ relative to executable
	iconPath := filepath.Join(exeDir, "assets", "icon", filename)
	data, err := os.ReadFile(iconPath)
	if err != nil {
		log.Debug("アイコンファイルを読み込めませんでした (%s): %v", iconPath, err)
		return fallback
	}

	return data
}

// getIdleFallback returns the fallback icon data for idle state
func getIdleFallback() []byte {
	return []byte{
		0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
		0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
		0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x10,
		0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0xf3, 0xff,
		0x61, 0x00, 0x00, 0x00, 0x19, 0x74, 0x45, 0x58,
		0x74, 0x53, 0x6f, 0x66, 0x74, 0x77, 0x61, 0x72,
		0x65, 0x00, 0x41, 0x64, 0x6f, 0x62, 0x65, 0x20,
		0x49, 0x6d, 0x61, 0x67, 0x65, 0x52, 0x65, 0x61,
		0x64, 0x79, 0x71, 0xc9, 0x65, 0x3c, 0x00, 0x00,
		0x00, 0x18, 0x49, 0x44, 0x41, 0x54, 0x78, 0xda,
		0x62, 0xfc, 0xff, 0xff, 0x3f, 0x03, 0x00, 0x00,
		0x00, 0xff, 0xff, 0x03, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x49, 0x45, 0x4e, 0x44, 0xae, 0x42, 0x60,
		0x82,
	}
}

// getRecordingFallback returns the fallback icon data for recording state
func getRecordingFallback() []byte {
	return []byte{
		0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
		0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
		0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x10,
		0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0xf3, 0xff,
		0x61, 0x00, 0x00, 0x00, 0x19, 0x74, 0x45, 0x58,
		0x74, 0x53, 0x6f, 0x66, 0x74, 0x77, 0x61, 0x72,
		0x65, 0x00, 0x41, 0x64, 0x6f, 0x62, 0x65, 0x20,
		0x49, 0x6d, 0x61, 0x67, 0x65, 0x52, 0x65, 0x61,
		0x64, 0x79, 0x71, 0xc9, 0x65, 0x3c, 0x00, 0x00,
		0x00, 0x20, 0x49, 0x44, 0x41, 0x54, 0x78, 0xda,
		0x62, 0xfc, 0xcf, 0xc0, 0xc0, 0xc0, 0xf0, 0x9f,
		0x81, 0x81, 0x81, 0x81, 0xff, 0x19, 0x18, 0x18,
		0x18, 0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0x03,
		0x00, 0x0c, 0x10, 0x02, 0x01, 0x8b, 0xd5, 0xf8,
		0x23, 0x00, 0x00, 0x00, 0x00, 0x49, 0x45, 0x4e,
		0x44, 0xae, 0x42, 0x60, 0x82,
	}
}

// getProcessingFallback returns the fallback icon data for processing state
func getProcessingFallback() []byte {
	return []byte{
		0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
		0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
		0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x10,
		0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0xf3, 0xff,
		0x61, 0x00, 0x00, 0x00, 0x19, 0x74, 0x45, 0x58,
		0x74, 0x53, 0x6f, 0x66, 0x74, 0x77, 0x61, 0x72,
		0x65, 0x00, 0x41, 0x64, 0x6f, 0x62, 0x65, 0x20,
		0x49, 0x6d, 0x61, 0x67, 0x65, 0x52, 0x65, 0x61,
		0x64, 0x79, 0x71, 0xc9, 0x65, 0x3c, 0x00, 0x00,
		0x00, 0x20, 0x49, 0x44, 0x41, 0x54, 0x78, 0xda,
		0x62, 0xfc, 0xcf, 0xf0, 0x9f, 0xc1, 0xc8, 0xc0,
		0xc0, 0xc0, 0xff, 0x0c, 0x0c, 0x0c, 0xfc, 0xcf,
		0xc0, 0xc0, 0xc0, 0x00, 0x00, 0x00, 0x00, 0xff,
		0xff, 0x03, 0x00, 0x0c, 0x50, 0x02, 0x01, 0x3e,
		0x0a, 0xe4, 0x5b, 0x00, 0x00, 0x00, 0x00, 0x49,
		0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
	}
}

// chooseFile asks the user for an audio file and returns its POSIX path.
// An empty path means the dialog was cancelled.
func chooseFile() (string, error) {
	script := `POSIX path of (choose file with prompt "文字起こしする音声ファイルを選択" of type {"wav", "ogg", "opus"})`
	out, err := exec.Command("osascript", "-e", script).Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && strings.Contains(string(exitErr.Stderr), "-128") {
			// ユーザーによるキャンセル
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// ShowNotification shows a notification using macOS Notification Center
func (m *Manager) ShowNotification(title, message string) {
	m.log.Info("通知: %s - %s", title, message)

	// macOS通知センターを使用
	script := notificationScript(title, message)
	if err := exec.Command("osascript", "-e", script).Run(); err != nil {
		m.log.Debug("通知の表示に失敗しました: %v", err)
	}
}

func notificationScript(title, message string) string {
	return fmt.Sprintf(`display notification "%s" with title "%s"`,
		escapeAppleScript(message),
		escapeAppleScript(title))
}

// escapeAppleScript escapes special characters for AppleScript
func escapeAppleScript(s string) string {
	// Escape backslashes first to avoid double-escaping
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\r", `\r`)
	s = strings.ReplaceAll(s, "\t", `\t`)
	return s
}

// ShowError shows an error notification
func (m *Manager) ShowError(message string) {
	m.ShowNotification(appName+" エラー", message)
}

// ShowSuccess shows a success notification
func (m *Manager) ShowSuccess(message string) {
	m.ShowNotification(appName, message)
}
