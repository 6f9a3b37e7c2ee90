package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/yok-tottii/EzS2T-Stream/internal/audio"
	"github.com/yok-tottii/EzS2T-Stream/internal/config"
	"github.com/yok-tottii/EzS2T-Stream/internal/hotkey"
	"github.com/yok-tottii/EzS2T-Stream/internal/logger"
	"github.com/yok-tottii/EzS2T-Stream/internal/models"
	"github.com/yok-tottii/EzS2T-Stream/internal/recording"
	"github.com/yok-tottii/EzS2T-Stream/internal/transcriber"
)

// Transcriber is the read side of the transcription engine
type Transcriber interface {
	Transcript() string
	Segments() []transcriber.Segment
	Passes() []transcriber.Pass
	Progress() transcriber.Progress
	Reset()
	Subscribe() (<-chan transcriber.Event, func())
}

// Recorder starts and stops audio producers
type Recorder interface {
	StartRecording() error
	StopRecording() error
	TranscribeFile(path string) error
	GetState() recording.State
}

// Paster types text into the frontmost application
type Paster interface {
	Paste(text string) error
}

// Handler manages API endpoints
type Handler struct {
	config            *config.Config
	configPath        string
	controller        *models.Controller
	engine            Transcriber
	recorder          Recorder
	audioDriver       audio.AudioDriver
	paster            Paster
	log               *logger.Logger
	onSettingsChanged func(previous *config.Config) error
}

// New creates a new API handler
func New(cfg *config.Config, controller *models.Controller, engine Transcriber, recorder Recorder, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Discard()
	}
	return &Handler{
		config:     cfg,
		controller: controller,
		engine:     engine,
		recorder:   recorder,
		log:        log,
	}
}

// SetAudioDriver sets the audio driver used to list input devices
func (h *Handler) SetAudioDriver(driver audio.AudioDriver) {
	h.audioDriver = driver
}

// SetPaster enables POST /api/transcript/paste
func (h *Handler) SetPaster(p Paster) {
	h.paster = p
}

// SetConfigPath enables persisting settings changes to path
func (h *Handler) SetConfigPath(path string) {
	h.configPath = path
}

// OnSettingsChanged registers a callback run after settings were updated.
// It receives the configuration as it was before the update.
func (h *Handler) OnSettingsChanged(fn func(previous *config.Config) error) {
	h.onSettingsChanged = fn
}

// RegisterRoutes registers all API routes on the given mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/settings", h.handleSettings)
	mux.HandleFunc("/api/hotkey/validate", h.handleHotkeyValidate)
	mux.HandleFunc("/api/devices", h.handleDevices)
	mux.HandleFunc("/api/models", h.handleModels)
	mux.HandleFunc("/api/models/select", h.handleModelsSelect)
	mux.HandleFunc("/api/models/rescan", h.handleModelsRescan)
	mux.HandleFunc("/api/recording", h.handleRecording)
	mux.HandleFunc("/api/recording/start", h.handleRecordingStart)
	mux.HandleFunc("/api/recording/stop", h.handleRecordingStop)
	mux.HandleFunc("/api/transcribe/file", h.handleTranscribeFile)
	mux.HandleFunc("/api/transcript", h.handleTranscript)
	mux.HandleFunc("/api/transcript/reset", h.handleTranscriptReset)
	mux.HandleFunc("/api/transcript/paste", h.handleTranscriptPaste)
	mux.HandleFunc("/api/segments", h.handleSegments)
	mux.HandleFunc("/api/passes", h.handlePasses)
	mux.HandleFunc("/api/progress", h.handleProgress)
	mux.HandleFunc("/api/events", h.handleEvents)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// handleSettings handles GET and PUT /api/settings
func (h *Handler) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.config.Clone())
	case http.MethodPut:
		h.putSettings(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// putSettings updates the configuration
func (h *Handler) putSettings(w http.ResponseWriter, r *http.Request) {
	var updates map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	previous := h.config.Clone()
	if err := h.config.Update(updates); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("failed to update config: %w", err))
		return
	}

	if h.configPath != "" {
		if err := h.config.Save(h.configPath); err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to save config: %w", err))
			return
		}
	}

	if h.onSettingsChanged != nil {
		if err := h.onSettingsChanged(previous); err != nil {
			// 設定は保存済みなので部分的成功として返す
			h.log.Warn("設定の反映に失敗しました: %v", err)
			writeJSON(w, http.StatusOK, map[string]string{
				"status":  "partial",
				"message": fmt.Sprintf("Settings saved but could not be applied: %v", err),
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// handleHotkeyValidate handles POST /api/hotkey/validate
func (h *Handler) handleHotkeyValidate(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var request config.HotkeyConfig
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	hk, err := hotkey.NewConfig(request.Ctrl, request.Shift, request.Alt, request.Cmd, request.Key, h.config.Clone().RecordingMode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	conflictNames := []string{}
	for _, c := range hotkey.CheckConflicts(hk) {
		conflictNames = append(conflictNames, c.Name)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"display":   hk.Format(),
		"conflicts": conflictNames,
	})
}

// handleDevices handles GET /api/devices
func (h *Handler) handleDevices(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}

	// マイクが使えない場合もシステムデフォルトは選べる
	devices := []audio.Device{{ID: -1, Name: "システムデフォルト", IsDefault: true}}
	if h.audioDriver != nil {
		list, err := h.audioDriver.ListDevices()
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to list audio devices: %w", err))
			return
		}
		devices = append(devices, list...)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": devices})
}

// Model is a catalog entry together with its lifecycle state
type Model struct {
	models.Model
	URL      string       `json:"url"`
	FileSize string       `json:"file_size,omitempty"` // size on disk, empty when absent
	State    models.State `json:"state"`
	Selected bool         `json:"selected"`
}

func (h *Handler) modelList() map[string]interface{} {
	states := h.controller.States()
	selected := h.controller.Selected()

	list := make([]Model, 0, len(models.Catalog))
	store := h.controller.Store()
	for _, m := range models.Catalog {
		entry := Model{
			Model:    m,
			URL:      m.URL(),
			State:    states[m.ID],
			Selected: m.ID == selected,
		}
		if size, ok := store.FileSize(m.ID); ok {
			entry.FileSize = models.FormatSize(size)
		}
		list = append(list, entry)
	}

	return map[string]interface{}{
		"models":    list,
		"directory": h.controller.Store().Dir(),
		"ready":     h.controller.Ready(),
	}
}

// handleModels handles GET /api/models
func (h *Handler) handleModels(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.modelList())
}

// handleModelsRescan handles POST /api/models/rescan
func (h *Handler) handleModelsRescan(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	h.controller.Scan()
	writeJSON(w, http.StatusOK, h.modelList())
}

// handleModelsSelect handles POST /api/models/select. An empty id releases
// the loaded model.
func (h *Handler) handleModelsSelect(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var request struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var err error
	if request.ID == "" {
		err = h.controller.Deselect()
	} else {
		err = h.controller.Select(models.ID(request.ID))
	}

	switch {
	case errors.Is(err, models.ErrUnknownModel):
		writeError(w, http.StatusNotFound, err)
		return
	case errors.Is(err, models.ErrModelNotDownloaded), errors.Is(err, models.ErrDownloadInProgress):
		writeError(w, http.StatusConflict, err)
		return
	case errors.Is(err, models.ErrBusy):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	// 選択したモデルを次回起動時にも使う
	if err := h.config.Update(map[string]interface{}{"selected_model": request.ID}); err == nil && h.configPath != "" {
		if err := h.config.Save(h.configPath); err != nil {
			h.log.Warn("設定の保存に失敗しました: %v", err)
		}
	}

	writeJSON(w, http.StatusAccepted, h.modelList())
}

func (h *Handler) recordingStatus() map[string]interface{} {
	return map[string]interface{}{
		"state": h.recorder.GetState().String(),
	}
}

// handleRecording handles GET /api/recording
func (h *Handler) handleRecording(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.recordingStatus())
}

func (h *Handler) writeRecorderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, recording.ErrModelNotReady), errors.Is(err, recording.ErrBusy), errors.Is(err, recording.ErrNotActive):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, audio.ErrUnsupportedFormat):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// handleRecordingStart handles POST /api/recording/start
func (h *Handler) handleRecordingStart(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if err := h.recorder.StartRecording(); err != nil {
		h.writeRecorderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.recordingStatus())
}

// handleRecordingStop handles POST /api/recording/stop
func (h *Handler) handleRecordingStop(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if err := h.recorder.StopRecording(); err != nil {
		h.writeRecorderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.recordingStatus())
}

// handleTranscribeFile handles POST /api/transcribe/file
func (h *Handler) handleTranscribeFile(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}

	var request struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.Path == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	path, err := config.ExpandPath(request.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.recorder.TranscribeFile(path); err != nil {
		h.writeRecorderError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.recordingStatus())
}

// handleTranscript handles GET /api/transcript
func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"text":     h.engine.Transcript(),
		"progress": h.engine.Progress(),
	})
}

// handleTranscriptReset handles POST /api/transcript/reset
func (h *Handler) handleTranscriptReset(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if state := h.recorder.GetState(); state != recording.Idle {
		writeError(w, http.StatusConflict, fmt.Errorf("cannot reset while %s", state))
		return
	}
	h.engine.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// handleTranscriptPaste handles POST /api/transcript/paste
func (h *Handler) handleTranscriptPaste(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if h.paster == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("paste is not available"))
		return
	}

	text := h.engine.Transcript()
	if strings.TrimSpace(text) == "" {
		writeError(w, http.StatusConflict, errors.New("transcript is empty"))
		return
	}

	if err := h.paster.Paste(text); err != nil {
		h.log.Error("貼り付けに失敗しました: %v", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "success",
		"characters": utf8.RuneCountInString(text),
	})
}

// handleSegments handles GET /api/segments
func (h *Handler) handleSegments(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	segments := h.engine.Segments()
	if segments == nil {
		segments = []transcriber.Segment{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"segments": segments})
}

// handlePasses handles GET /api/passes
func (h *Handler) handlePasses(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	passes := h.engine.Passes()
	if passes == nil {
		passes = []transcriber.Pass{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"passes": passes})
}

// handleProgress handles GET /api/progress
func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Progress())
}
