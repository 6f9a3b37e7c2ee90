package main

import (
	"fmt"
	"strings"

	"github.com/yok-tottii/EzS2T-Stream/internal/config"
	"github.com/yok-tottii/EzS2T-Stream/internal/logger"
	"github.com/yok-tottii/EzS2T-Stream/internal/recording"
)

// restartRequired lists the settings that changed between previous and
// current but only take effect after a restart
func restartRequired(previous, current *config.Config) []string {
	var keys []string
	check := func(changed bool, key string) {
		if changed {
			keys = append(keys, key)
		}
	}

	check(previous.ModelsDir != current.ModelsDir, "models_dir")
	check(previous.Language != current.Language, "language")
	check(previous.MaxRecordTime != current.MaxRecordTime, "max_record_time")
	check(previous.WindowSeconds != current.WindowSeconds, "window_seconds")
	check(previous.OverlapMs != current.OverlapMs, "overlap_ms")
	check(previous.ReserveMs != current.ReserveMs, "reserve_ms")
	check(previous.BufferSeconds != current.BufferSeconds, "buffer_seconds")
	check(previous.ServerPort != current.ServerPort, "server_port")
	check(previous.PasteSplitSize != current.PasteSplitSize, "paste_split_size")
	return keys
}

func hotkeyChanged(previous, current *config.Config) bool {
	return previous.Hotkey != current.Hotkey || previous.RecordingMode != current.RecordingMode
}

// applySettings brings the running components in line with the saved
// configuration. previous is the configuration before the update.
func (a *App) applySettings(previous *config.Config) error {
	current := a.config.Clone()
	var failures []string

	if level, err := logger.ParseLevel(current.LogLevel); err == nil && current.LogLevel != previous.LogLevel {
		a.logger.SetLevel(level)
		a.logger.Info("ログレベルを変更しました: %s", level)
	}

	options := engineOptions(current)
	if options != engineOptions(previous) {
		a.engine.SetOptions(options)
		a.logger.Info("文字起こしオプションを更新しました (threads=%d, use_gpu=%v)", options.Threads, options.UseGPU)
	}

	// use_gpu はモデル読み込み時にのみ反映されるため、読み込み済みなら再読み込みする
	switch {
	case current.SelectedModel != previous.SelectedModel && current.SelectedModel != "":
		a.selectModel(current.SelectedModel)
	case current.UseGPU != previous.UseGPU && a.controller.Instantiated() != "":
		selected := a.controller.Selected()
		if err := a.controller.Deselect(); err != nil {
			failures = append(failures, fmt.Sprintf("model reload: %v", err))
		} else if selected != "" {
			a.selectModel(string(selected))
		}
	}

	if current.AudioDeviceID != previous.AudioDeviceID && a.audioDriver != nil {
		if a.recorder.GetState() != recording.Idle {
			failures = append(failures, "audio_device_id: recording in progress")
		} else if err := a.audioDriver.Initialize(a.audioConfig()); err != nil {
			failures = append(failures, fmt.Sprintf("audio_device_id: %v", err))
		} else {
			a.logger.Info("入力デバイスを変更しました: %d", current.AudioDeviceID)
		}
		a.refreshDeviceMenu()
	}

	if hotkeyChanged(previous, current) && a.hotkeyMgr != nil {
		if err := a.registerHotkey(current); err != nil {
			failures = append(failures, fmt.Sprintf("hotkey: %v", err))
		} else {
			a.trayMgr.ShowNotification("ホットキー変更", fmt.Sprintf("新しいホットキー: %s", a.hotkeyMgr.GetConfig().Format()))
		}
	}

	if keys := restartRequired(previous, current); len(keys) > 0 {
		a.logger.Info("再起動後に反映される設定: %s", strings.Join(keys, ", "))
		failures = append(failures, "restart required for "+strings.Join(keys, ", "))
	}

	if len(failures) > 0 {
		return fmt.Errorf("%s", strings.Join(failures, "; "))
	}
	return nil
}
