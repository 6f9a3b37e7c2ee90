package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/yok-tottii/EzS2T-Stream/internal/api"
	"github.com/yok-tottii/EzS2T-Stream/internal/audio"
	"github.com/yok-tottii/EzS2T-Stream/internal/clipboard"
	"github.com/yok-tottii/EzS2T-Stream/internal/config"
	"github.com/yok-tottii/EzS2T-Stream/internal/hotkey"
	"github.com/yok-tottii/EzS2T-Stream/internal/logger"
	"github.com/yok-tottii/EzS2T-Stream/internal/metrics"
	"github.com/yok-tottii/EzS2T-Stream/internal/models"
	"github.com/yok-tottii/EzS2T-Stream/internal/permissions"
	"github.com/yok-tottii/EzS2T-Stream/internal/recognition"
	"github.com/yok-tottii/EzS2T-Stream/internal/recording"
	"github.com/yok-tottii/EzS2T-Stream/internal/ringbuffer"
	"github.com/yok-tottii/EzS2T-Stream/internal/server"
	"github.com/yok-tottii/EzS2T-Stream/internal/transcriber"
	"github.com/yok-tottii/EzS2T-Stream/internal/tray"
)

const version = "0.1.0"

// App holds all application state
type App struct {
	logger     *logger.Logger
	config     *config.Config
	configPath string
	metrics    *metrics.Metrics
	perms      permissions.Report

	buffer     *ringbuffer.Buffer
	controller *models.Controller
	watcher    *models.Watcher
	recognizer recognition.Recognizer
	engine     *transcriber.Engine
	cancel     context.CancelFunc
	engineDone chan struct{}

	audioDriver audio.AudioDriver
	recorder    *recording.Manager
	hotkeyMgr   *hotkey.Manager
	clipboard   *clipboard.Manager
	apiHandler  *api.Handler
	httpServer  *server.Server
	trayMgr     *tray.Manager

	hotkeyMu sync.Mutex
	quitOnce sync.Once
}

func init() {
	// macOSのCGO呼び出しにはメインスレッドが必要
	runtime.LockOSThread()
}

func main() {
	app := &App{}

	// ロガーの初期化
	var err error
	app.logger, err = logger.New(logger.DefaultConfig())
	if err != nil {
		log.Fatalf("ロガーの初期化に失敗: %v", err)
	}
	defer app.logger.Close()

	app.logger.Info("EzS2T-Stream v%s 起動", version)

	// 設定ファイルの読み込み
	app.configPath = config.GetConfigPath()
	app.config, err = config.Load(app.configPath)
	if err != nil {
		app.logger.Error("設定ファイルの読み込みに失敗: %v", err)
		log.Fatalf("設定ファイルの読み込みに失敗: %v", err)
	}
	if err := app.config.Validate(); err != nil {
		app.logger.Warn("設定が不正なためデフォルト設定で起動します: %v", err)
		app.config = config.DefaultConfig()
	}
	app.logger.Info("設定ファイルを読み込みました: %s", app.configPath)

	if level, err := logger.ParseLevel(app.config.LogLevel); err == nil {
		app.logger.SetLevel(level)
	}

	app.metrics = metrics.NewMetrics()

	if err := app.initPipeline(); err != nil {
		app.logger.Error("文字起こしパイプラインの初期化に失敗: %v", err)
		log.Fatalf("文字起こしパイプラインの初期化に失敗: %v", err)
	}

	// 権限チェック
	app.perms = permissions.Check()
	if msg := app.perms.Message(); msg != "" {
		app.logger.Warn("%s", msg)
	}

	app.initProducers()

	// HTTPサーバーの初期化
	serverConfig := server.DefaultConfig()
	serverConfig.Port = app.config.ServerPort
	app.httpServer = server.New(serverConfig, app.logger, app.metrics)

	app.apiHandler = api.New(app.config, app.controller, app.engine, app.recorder, app.logger)
	app.apiHandler.SetConfigPath(app.configPath)
	app.apiHandler.OnSettingsChanged(app.applySettings)
	if app.audioDriver != nil {
		app.apiHandler.SetAudioDriver(app.audioDriver)
	}
	app.apiHandler.SetPaster(app.clipboard)
	app.apiHandler.RegisterRoutes(app.httpServer.GetMux())
	app.logger.Info("APIルート登録完了")

	// システムトレイマネージャーの作成
	app.trayMgr = tray.NewManager(tray.Config{
		OnReady:           app.onReady,
		OnToggleRecording: app.handleToggleRecording,
		OnTranscribeFile:  app.handleTranscribeFile,
		OnCopyTranscript:  app.handleCopyTranscript,
		OnPasteTranscript: app.handlePasteTranscript,
		OnResetTranscript: app.handleResetTranscript,
		OnSelectModel:     app.handleSelectModel,
		OnRescanModels:    app.handleRescanModels,
		OnOpenSettings:    app.handleOpenSettings,
		OnDeviceChange:    app.handleDeviceChange,
		OnQuit:            app.handleQuit,
		Log:               app.logger,
	})

	app.recorder.OnStateChange(app.onRecordingState)
	go app.watchModels()
	go app.watchEngine()
	go app.watchRecorderErrors()

	// 前回選択したモデルを読み込む
	if app.config.LoadAtStartup && app.config.SelectedModel != "" {
		app.selectModel(app.config.SelectedModel)
	}

	app.logger.Info("systray初期化開始")

	// systray.Run()を呼び出し - これはブロッキング呼び出し
	app.trayMgr.Run()
}

// windowConfig converts the configured geometry into samples
func windowConfig(cfg *config.Config) transcriber.Config {
	target := cfg.WindowSeconds * recognition.SampleRate
	return transcriber.Config{
		TargetSamples:  target,
		WindowSamples:  target + recognition.SampleRate,
		OverlapSamples: cfg.OverlapMs * recognition.SamplesPerMillisecond,
		ReserveSamples: cfg.ReserveMs * recognition.SamplesPerMillisecond,
	}
}

func engineOptions(cfg *config.Config) transcriber.Options {
	return transcriber.Options{
		Threads: cfg.Threads,
		Prompt:  cfg.Prompt,
		UseGPU:  cfg.UseGPU,
	}
}

// initPipeline builds the buffer, model controller and transcription engine
// and starts the engine loop
func (a *App) initPipeline() error {
	a.buffer = ringbuffer.New(a.config.BufferSeconds * recognition.SampleRate)
	a.buffer.SetObserver(a.metrics.ObserveBuffer)

	dir, err := a.config.GetModelsDir()
	if err != nil {
		return err
	}
	if dir == "" {
		dir = models.DefaultDir()
	}
	a.controller = models.NewController(models.NewStore(dir))
	a.controller.Scan()
	a.logger.Info("モデルディレクトリ: %s", dir)

	a.watcher, err = models.NewWatcher(a.controller, 0, func(err error) {
		a.logger.Warn("モデルディレクトリの監視エラー: %v", err)
	})
	if err != nil {
		a.logger.Warn("モデルディレクトリを監視できません: %v", err)
	} else {
		a.watcher.Start()
	}

	if !recognition.NativeAvailable() {
		a.logger.Warn("whisper.cpp なしでビルドされています (-tags whispercpp)")
	}
	a.recognizer = recognition.NewWhisperRecognizer(recognition.Config{
		Language: a.config.Language,
		Threads:  a.config.Threads,
	}, a.logger)

	a.engine, err = transcriber.New(windowConfig(a.config), a.buffer, a.recognizer, a.controller, a.logger, a.metrics)
	if err != nil {
		return err
	}
	a.engine.SetOptions(engineOptions(a.config))

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.engineDone = make(chan struct{})
	go func() {
		defer close(a.engineDone)
		if err := a.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("文字起こしエンジンが停止しました: %v", err)
		}
	}()

	return nil
}

// initProducers creates the microphone driver and the recording manager.
// Without microphone permission only file transcription is available.
func (a *App) initProducers() {
	if a.perms.Granted(permissions.Microphone) {
		driver, err := audio.NewPortAudioDriver()
		if err != nil {
			a.logger.Error("PortAudioドライバの作成に失敗: %v", err)
		} else if err := driver.Initialize(a.audioConfig()); err != nil {
			a.logger.Error("オーディオドライバの初期化に失敗: %v", err)
			driver.Close()
		} else {
			a.logger.Info("オーディオドライバ初期化完了 (デバイスID: %d)", a.config.AudioDeviceID)
			a.audioDriver = driver
		}
	} else {
		a.logger.Warn("マイク権限: 未許可 - 録音機能が無効化されます")
	}

	recordingConfig := recording.Config{
		MaxDuration: time.Duration(a.config.MaxRecordTime) * time.Second,
	}
	a.recorder = recording.New(a.audioDriver, audio.NewDecoder(a.logger), a.buffer, a.controller, recordingConfig, a.logger, a.metrics)

	clipboardConfig := clipboard.DefaultConfig()
	clipboardConfig.SplitSize = a.config.PasteSplitSize
	a.clipboard = clipboard.NewManager(clipboardConfig)
}

func (a *App) audioConfig() audio.Config {
	audioConfig := audio.DefaultConfig()
	// -1の場合はシステムデフォルト
	audioConfig.DeviceID = a.config.AudioDeviceID
	return audioConfig
}

// onReady は systray が初期化完了後に呼ばれる
func (a *App) onReady() {
	a.logger.Info("systray初期化完了 - アプリケーション初期化開始")

	if msg := a.perms.Message(); msg != "" {
		a.trayMgr.ShowError(msg)
	}

	a.trayMgr.UpdateModelMenu(a.modelItems())
	a.trayMgr.SetModelReady(a.controller.Ready())
	a.refreshDeviceMenu()

	// ホットキーの登録（アクセシビリティ権限がある場合のみ）
	if a.perms.Granted(permissions.Accessibility) {
		a.hotkeyMgr = hotkey.New()
		if err := a.registerHotkey(a.config.Clone()); err != nil {
			a.logger.Error("ホットキーの登録に失敗: %v", err)
			a.trayMgr.ShowError(fmt.Sprintf("ホットキーの登録に失敗: %v", err))
		}
	} else {
		a.logger.Warn("アクセシビリティ権限: 未許可 - ホットキーが無効化されます")
	}

	// HTTPサーバーを起動
	if err := a.httpServer.Start(); err != nil {
		a.logger.Error("HTTPサーバーの起動に失敗: %v", err)
		a.trayMgr.ShowError("APIサーバーの起動に失敗しました")
	}

	// シグナルハンドリングを設定（Ctrl+Cでの適切な終了処理）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		a.logger.Info("終了シグナルを受信しました")
		a.handleQuit()
		a.trayMgr.Quit()
	}()

	a.logger.Info("アプリケーション初期化完了")

	fmt.Println("\n" + "==========================================================")
	fmt.Println("[起動] EzS2T-Stream が起動しました")
	fmt.Println("==========================================================")
	fmt.Printf("[API] %s/api/transcript\n", a.httpServer.URL())
	fmt.Printf("[API] ws://127.0.0.1:%d/api/events\n", a.httpServer.Port())
	if a.hotkeyMgr != nil && a.hotkeyMgr.IsRunning() {
		fmt.Printf("[設定] ホットキー: %s (%s)\n", a.hotkeyMgr.GetConfig().Format(), a.config.RecordingMode)
	}
	fmt.Printf("[終了] Ctrl+C またはメニューから「終了」\n")
	fmt.Println("==========================================================" + "\n")
}

// registerHotkey registers the hotkey described by cfg and routes its
// events to the recording manager
func (a *App) registerHotkey(cfg *config.Config) error {
	a.hotkeyMu.Lock()
	defer a.hotkeyMu.Unlock()

	hk := cfg.Hotkey
	hotkeyConfig, err := hotkey.NewConfig(hk.Ctrl, hk.Shift, hk.Alt, hk.Cmd, hk.Key, cfg.RecordingMode)
	if err != nil {
		return err
	}

	for _, conflict := range hotkey.CheckConflicts(hotkeyConfig) {
		a.logger.Warn("ホットキー %s はシステムのショートカットと競合します: %s", hotkeyConfig.Format(), conflict.Name)
	}

	// 既存のホットキーを解除（イベントチャネルが閉じられ、旧ループは終了する）
	var previous *hotkey.Config
	if a.hotkeyMgr.IsRunning() {
		old := a.hotkeyMgr.GetConfig()
		previous = &old
		if err := a.hotkeyMgr.Close(); err != nil {
			return fmt.Errorf("failed to unregister old hotkey: %w", err)
		}
	}

	if err := a.hotkeyMgr.Register(hotkeyConfig); err != nil {
		// ロールバック: 旧ホットキーを再登録
		if previous != nil {
			a.logger.Warn("ロールバック: 旧ホットキーを再登録します")
			if rollbackErr := a.hotkeyMgr.Register(*previous); rollbackErr != nil {
				a.trayMgr.ShowError("ホットキーの登録に失敗しました。アプリケーションを再起動してください。")
				return fmt.Errorf("failed to register new hotkey and rollback failed: %w, rollback error: %v", err, rollbackErr)
			}
			a.recorder.HandleHotkey(a.hotkeyMgr.Events())
		}
		return err
	}

	a.recorder.HandleHotkey(a.hotkeyMgr.Events())
	a.logger.Info("ホットキー登録完了: %s (%s)", hotkeyConfig.Format(), hotkeyConfig.Mode)
	return nil
}

// onRecordingState mirrors the producer state in the tray icon. It runs
// with the recording manager locked.
func (a *App) onRecordingState(state recording.State) {
	switch state {
	case recording.Recording:
		a.trayMgr.SetState(tray.StateRecording)
	case recording.Flushing, recording.Decoding:
		a.trayMgr.SetState(tray.StateProcessing)
	default:
		a.trayMgr.SetState(tray.StateIdle)
	}
}

// watchModels forwards model lifecycle changes to metrics and the tray
func (a *App) watchModels() {
	changes, cancel := a.controller.Subscribe()
	defer cancel()

	for change := range changes {
		a.metrics.RecordModelState(string(change.ID), change.State.String())
		a.trayMgr.UpdateModelMenu(a.modelItems())
		a.trayMgr.SetModelReady(a.controller.Ready())

		switch change.State {
		case models.Instantiated:
			a.trayMgr.ShowSuccess(fmt.Sprintf("モデル %s を読み込みました", change.ID))
		case models.InstantiationFailed:
			a.trayMgr.ShowError(fmt.Sprintf("モデル %s の読み込みに失敗しました", change.ID))
		}
	}
}

// watchEngine shows the engine progress in the tray tooltip
func (a *App) watchEngine() {
	events, cancel := a.engine.Subscribe()
	defer cancel()

	for event := range events {
		if event.Kind == transcriber.EventProgress && event.Progress != nil {
			a.trayMgr.SetProgress(event.Progress.Text)
		}
	}
}

func (a *App) watchRecorderErrors() {
	for err := range a.recorder.Errors() {
		a.trayMgr.ShowError(err.Error())
	}
}

func (a *App) modelItems() []tray.ModelItem {
	states := a.controller.States()
	selected := a.controller.Selected()

	items := make([]tray.ModelItem, 0, len(models.Catalog))
	for _, m := range models.Catalog {
		items = append(items, tray.ModelItem{
			ID:       m.ID,
			Label:    m.Label,
			Size:     m.Size,
			State:    states[m.ID],
			Selected: m.ID == selected,
		})
	}
	return items
}

func (a *App) refreshDeviceMenu() {
	if a.audioDriver == nil {
		return
	}

	devices, err := a.audioDriver.ListDevices()
	if err != nil {
		a.logger.Warn("オーディオデバイス一覧の取得に失敗: %v", err)
		return
	}

	current := a.config.Clone().AudioDeviceID
	items := []tray.Device{{ID: -1, Name: "システムデフォルト", IsDefault: true, IsCurrent: current == -1}}
	for _, d := range devices {
		items = append(items, tray.Device{ID: d.ID, Name: d.Name, IsDefault: d.IsDefault, IsCurrent: d.ID == current})
	}
	a.trayMgr.UpdateDeviceMenu(items)
}

// selectModel asks the controller to load id
func (a *App) selectModel(name string) {
	id, err := models.ParseID(name)
	if err != nil {
		a.logger.Warn("不明なモデルが設定されています: %v", err)
		return
	}

	if err := a.controller.Select(id); err != nil {
		a.logger.Warn("モデルを選択できません: %v", err)
		if errors.Is(err, models.ErrModelNotDownloaded) {
			m, _ := models.Lookup(id)
			a.trayMgr.ShowError(fmt.Sprintf("%s が見つかりません。%s に配置してください。", m.FileName, a.controller.Store().Dir()))
		} else if errors.Is(err, models.ErrDownloadInProgress) {
			a.trayMgr.ShowError(fmt.Sprintf("%s はダウンロード中です", id))
		}
		return
	}
	a.logger.Info("モデルの読み込みを要求しました: %s", id)
}

// handleToggleRecording はマイク録音の開始・停止を切り替える
func (a *App) handleToggleRecording() {
	if err := a.recorder.Toggle(); err != nil {
		a.logger.Warn("録音の切り替えに失敗: %v", err)
		if errors.Is(err, recording.ErrModelNotReady) {
			a.trayMgr.ShowError("モデルが読み込まれていません。メニューからモデルを選択してください。")
			return
		}
		a.trayMgr.ShowError(fmt.Sprintf("録音の切り替えに失敗: %v", err))
	}
}

// handleTranscribeFile は音声ファイルの文字起こしを開始する
func (a *App) handleTranscribeFile(path string) {
	a.logger.Info("ファイル文字起こし要求: %s", path)
	if err := a.recorder.TranscribeFile(path); err != nil {
		a.logger.Warn("ファイル文字起こしを開始できません: %v", err)
		a.trayMgr.ShowError(fmt.Sprintf("ファイル文字起こしを開始できません: %v", err))
	}
}

// handleCopyTranscript は文字起こし結果をクリップボードにコピーする
func (a *App) handleCopyTranscript() {
	text := a.engine.Transcript()
	if text == "" {
		a.trayMgr.ShowNotification("EzS2T-Stream", "文字起こし結果が空です")
		return
	}

	if err := a.clipboard.Copy(text); err != nil {
		a.logger.Error("クリップボードへのコピーに失敗: %v", err)
		a.trayMgr.ShowError(fmt.Sprintf("コピーに失敗: %v", err))
		return
	}
	a.trayMgr.ShowSuccess("文字起こし結果をコピーしました")
}

// handlePasteTranscript は文字起こし結果を前面のアプリに貼り付ける
func (a *App) handlePasteTranscript() {
	text := a.engine.Transcript()
	if text == "" {
		a.trayMgr.ShowNotification("EzS2T-Stream", "文字起こし結果が空です")
		return
	}

	// 貼り付けは分割送信とクリップボード復元で待つのでメニューを止めない
	go func() {
		if err := a.clipboard.Paste(text); err != nil {
			a.logger.Error("貼り付けに失敗: %v", err)
			a.trayMgr.ShowError(fmt.Sprintf("貼り付けに失敗: %v", err))
			return
		}
		a.logger.Info("文字起こし結果を貼り付けました (%d文字)", utf8.RuneCountInString(text))
	}()
}

// handleResetTranscript は文字起こし結果を破棄する
func (a *App) handleResetTranscript() {
	if a.recorder.GetState() != recording.Idle {
		a.trayMgr.ShowError("録音中はクリアできません")
		return
	}
	a.engine.Reset()
	a.trayMgr.SetProgress("")
	a.logger.Info("文字起こし結果をクリアしました")
}

// handleSelectModel はメニューから選ばれたモデルを読み込む
func (a *App) handleSelectModel(id models.ID) {
	a.selectModel(string(id))

	// 選択したモデルを次回起動時にも使う
	if err := a.config.Update(map[string]interface{}{"selected_model": string(id)}); err != nil {
		return
	}
	if err := a.config.Save(a.configPath); err != nil {
		a.logger.Warn("設定の保存に失敗: %v", err)
	}
}

// handleRescanModels はモデルディレクトリを再スキャン
func (a *App) handleRescanModels() {
	a.logger.Info("モデル再スキャン要求")
	a.controller.Scan()
	a.trayMgr.UpdateModelMenu(a.modelItems())
}

// handleOpenSettings は設定ファイルをテキストエディタで開く
func (a *App) handleOpenSettings() {
	if _, err := os.Stat(a.configPath); os.IsNotExist(err) {
		if err := a.config.Save(a.configPath); err != nil {
			a.logger.Error("設定ファイルの作成に失敗: %v", err)
			a.trayMgr.ShowError(fmt.Sprintf("設定ファイルの作成に失敗: %v", err))
			return
		}
	}

	a.logger.Info("設定ファイルを開きます: %s", a.configPath)
	go func() {
		if err := exec.Command("open", "-t", a.configPath).Run(); err != nil {
			a.logger.Error("設定ファイルを開けません: %v", err)
			fmt.Printf("[情報] 設定ファイル: %s\n", a.configPath)
			return
		}
		a.trayMgr.ShowNotification("EzS2T-Stream", "設定ファイルの変更は PUT /api/settings または再起動で反映されます")
	}()
}

// handleDeviceChange は入力デバイスを切り替える
func (a *App) handleDeviceChange(deviceID int) {
	a.logger.Info("入力デバイス変更要求: %d", deviceID)

	previous := a.config.Clone()
	if err := a.config.Update(map[string]interface{}{"audio_device_id": float64(deviceID)}); err != nil {
		a.trayMgr.ShowError(fmt.Sprintf("デバイスを変更できません: %v", err))
		return
	}
	if err := a.config.Save(a.configPath); err != nil {
		a.logger.Warn("設定の保存に失敗: %v", err)
	}
	if err := a.applySettings(previous); err != nil {
		a.trayMgr.ShowError(err.Error())
	}
}

// handleQuit はアプリケーションを終了
func (a *App) handleQuit() {
	a.quitOnce.Do(func() {
		a.logger.Info("終了要求")

		if a.httpServer != nil && a.httpServer.IsRunning() {
			if err := a.httpServer.Stop(); err != nil {
				a.logger.Error("HTTPサーバーの停止に失敗: %v", err)
			}
		}

		if a.hotkeyMgr != nil {
			a.hotkeyMgr.Close()
		}

		// 録音中のデータを流し切ってから停止する
		if a.recorder != nil {
			if err := a.recorder.Close(); err != nil {
				a.logger.Warn("録音の停止に失敗: %v", err)
			}
		}

		if a.watcher != nil {
			a.watcher.Stop()
		}

		a.cancel()
		<-a.engineDone
		a.recognizer.Close()

		if a.audioDriver != nil {
			a.audioDriver.Close()
		}

		a.logger.Info("アプリケーション終了")
	})
}
