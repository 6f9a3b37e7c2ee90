package models

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeModel(t *testing.T, dir string, id ID) {
	t.Helper()
	m, ok := Lookup(id)
	if !ok {
		t.Fatalf("unknown model %s", id)
	}
	if err := os.WriteFile(filepath.Join(dir, m.FileName), []byte("ggml"), 0644); err != nil {
		t.Fatal(err)
	}
}

func drain(ch <-chan StateChange, id ID) []State {
	var out []State
	for {
		select {
		case c := <-ch:
			if c.ID == id {
				out = append(out, c.State)
			}
		default:
			return out
		}
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{DoesNotExist, "DoesNotExist"},
		{DownloadTriggered, "DownloadTriggered"},
		{Downloaded, "Downloaded"},
		{DownloadFailed, "DownloadFailed"},
		{Instantiating, "Instantiating"},
		{Instantiated, "Instantiated"},
		{InstantiationFailed, "InstantiationFailed"},
		{State(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestState_UnmarshalText(t *testing.T) {
	var s State
	if err := s.UnmarshalText([]byte("Instantiated")); err != nil {
		t.Fatal(err)
	}
	if s != Instantiated {
		t.Errorf("Expected Instantiated, got %s", s)
	}
	if err := s.UnmarshalText([]byte("Bogus")); err == nil {
		t.Error("Expected error for unknown state")
	}
}

func TestSelectInstantiates(t *testing.T) {
	dir := t.TempDir()
	c := NewController(NewStore(dir))
	events, cancel := c.Subscribe()
	defer cancel()

	writeModel(t, dir, Tiny)

	if err := c.Select(Tiny); err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	select {
	case req := <-c.Requests():
		if req.ID != Tiny {
			t.Errorf("Expected request for %s, got %s", Tiny, req.ID)
		}
		if filepath.Base(req.Path) != "ggml-tiny.bin" {
			t.Errorf("Unexpected model path %s", req.Path)
		}
	default:
		t.Fatal("Select did not queue a change request")
	}

	if err := c.Report(Tiny, Instantiating); err != nil {
		t.Fatal(err)
	}
	if err := c.Report(Tiny, Instantiated); err != nil {
		t.Fatal(err)
	}

	got := drain(events, Tiny)
	want := []State{Downloaded, Instantiating, Instantiated}
	if len(got) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Transition %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	for id, state := range c.States() {
		if id != Tiny && state != DoesNotExist {
			t.Errorf("Model %s changed to %s", id, state)
		}
	}

	if !c.Ready() {
		t.Error("Expected controller to be ready")
	}
	if c.Instantiated() != Tiny {
		t.Errorf("Expected %s instantiated, got %q", Tiny, c.Instantiated())
	}
}

func TestSelectSameModelIsNoop(t *testing.T) {
	dir := t.TempDir()
	c := NewController(NewStore(dir))
	writeModel(t, dir, Base)

	if err := c.Select(Base); err != nil {
		t.Fatal(err)
	}
	<-c.Requests()
	c.Report(Base, Instantiating)
	c.Report(Base, Instantiated)

	if err := c.Select(Base); err != nil {
		t.Fatal(err)
	}
	select {
	case req := <-c.Requests():
		t.Errorf("Reselecting the loaded model queued %+v", req)
	default:
	}
	if c.State(Base) != Instantiated {
		t.Errorf("Expected Instantiated, got %s", c.State(Base))
	}
}

func TestSwitchModelReleasesPrevious(t *testing.T) {
	dir := t.TempDir()
	c := NewController(NewStore(dir))
	writeModel(t, dir, Base)
	writeModel(t, dir, Small)
	c.Scan()

	c.Select(Base)
	<-c.Requests()
	c.Report(Base, Instantiating)
	c.Report(Base, Instantiated)

	if err := c.Select(Small); err != nil {
		t.Fatal(err)
	}
	<-c.Requests()
	if err := c.Report(Small, Instantiating); err != nil {
		t.Fatal(err)
	}

	if c.State(Base) != Downloaded {
		t.Errorf("Previous model should be Downloaded, got %s", c.State(Base))
	}
	c.Report(Small, Instantiated)

	count := 0
	for _, s := range c.States() {
		if s == Instantiated {
			count++
		}
	}
	if count != 1 {
		t.Errorf("Expected exactly one instantiated model, got %d", count)
	}
}

func TestSelectMissingFile(t *testing.T) {
	c := NewController(NewStore(t.TempDir()))

	err := c.Select(Medium)
	if !errors.Is(err, ErrModelNotDownloaded) {
		t.Fatalf("Expected ErrModelNotDownloaded, got %v", err)
	}
	if c.State(Medium) != DoesNotExist {
		t.Errorf("Expected DoesNotExist, got %s", c.State(Medium))
	}
	if c.Selected() != Medium {
		t.Errorf("Expected selection to be recorded, got %q", c.Selected())
	}
	select {
	case <-c.Requests():
		t.Error("No request should be queued for a missing file")
	default:
	}
}

func TestSelectUnknown(t *testing.T) {
	c := NewController(NewStore(t.TempDir()))
	if err := c.Select("huge-v9"); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("Expected ErrUnknownModel, got %v", err)
	}
}

func TestInstantiationFailedRequiresReselect(t *testing.T) {
	dir := t.TempDir()
	c := NewController(NewStore(dir))
	writeModel(t, dir, Tiny)

	c.Select(Tiny)
	<-c.Requests()
	c.Report(Tiny, Instantiating)
	if err := c.Report(Tiny, InstantiationFailed); err != nil {
		t.Fatal(err)
	}

	c.Scan()
	if c.State(Tiny) != InstantiationFailed {
		t.Errorf("Scan must not clear a failed load, got %s", c.State(Tiny))
	}
	if c.Ready() {
		t.Error("Controller must not be ready after a failed load")
	}

	if err := c.Select(Tiny); err != nil {
		t.Fatal(err)
	}
	if c.State(Tiny) != Downloaded {
		t.Errorf("Reselect should return to Downloaded, got %s", c.State(Tiny))
	}
	select {
	case <-c.Requests():
	default:
		t.Error("Reselect should queue a new request")
	}
}

func TestDownloadHooks(t *testing.T) {
	dir := t.TempDir()
	c := NewController(NewStore(dir))

	if err := c.MarkDownloadTriggered(Small); err != nil {
		t.Fatal(err)
	}
	if c.State(Small) != DownloadTriggered {
		t.Fatalf("Expected DownloadTriggered, got %s", c.State(Small))
	}

	c.Scan()
	if c.State(Small) != DownloadTriggered {
		t.Errorf("Scan must not interrupt a download, got %s", c.State(Small))
	}

	if err := c.MarkDownloaded(Small); !errors.Is(err, ErrModelNotDownloaded) {
		t.Errorf("Expected ErrModelNotDownloaded without a file, got %v", err)
	}
	if c.State(Small) != DownloadFailed {
		t.Errorf("Expected DownloadFailed, got %s", c.State(Small))
	}

	if err := c.MarkDownloadTriggered(Small); err != nil {
		t.Fatal(err)
	}
	writeModel(t, dir, Small)
	if err := c.MarkDownloaded(Small); err != nil {
		t.Fatal(err)
	}
	if c.State(Small) != Downloaded {
		t.Errorf("Expected Downloaded, got %s", c.State(Small))
	}
}

func TestSelectDuringDownload(t *testing.T) {
	dir := t.TempDir()
	c := NewController(NewStore(dir))

	if err := c.MarkDownloadTriggered(Base); err != nil {
		t.Fatal(err)
	}
	// partially written file
	writeModel(t, dir, Base)

	if err := c.Select(Base); !errors.Is(err, ErrDownloadInProgress) {
		t.Errorf("Expected ErrDownloadInProgress, got %v", err)
	}
	if c.State(Base) != DownloadTriggered {
		t.Errorf("Expected DownloadTriggered, got %s", c.State(Base))
	}
	if c.Selected() != "" {
		t.Errorf("Expected no selection, got %q", c.Selected())
	}
	select {
	case req := <-c.Requests():
		t.Errorf("Unexpected change request %+v", req)
	default:
	}

	if err := c.MarkDownloaded(Base); err != nil {
		t.Fatal(err)
	}
	if err := c.Select(Base); err != nil {
		t.Errorf("Select after download failed: %v", err)
	}
}

func TestStoreFileSize(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	if _, ok := s.FileSize(Tiny); ok {
		t.Error("Expected no size for a missing file")
	}
	writeModel(t, dir, Tiny)
	if size, ok := s.FileSize(Tiny); !ok || size != 4 {
		t.Errorf("Expected size 4, got %d (%v)", size, ok)
	}
	if _, ok := s.FileSize("nope"); ok {
		t.Error("Expected no size for an unknown model")
	}
}

func TestInvalidTransition(t *testing.T) {
	c := NewController(NewStore(t.TempDir()))

	if err := c.Report(Tiny, Instantiated); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
	if err := c.Report(Tiny, Downloaded); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Engine must not report Downloaded, got %v", err)
	}
}

func TestDeselectReleases(t *testing.T) {
	dir := t.TempDir()
	c := NewController(NewStore(dir))
	writeModel(t, dir, Tiny)

	c.Select(Tiny)
	<-c.Requests()
	c.Report(Tiny, Instantiating)
	c.Report(Tiny, Instantiated)

	if err := c.Deselect(); err != nil {
		t.Fatal(err)
	}
	req := <-c.Requests()
	if req.ID != "" {
		t.Errorf("Expected release request, got %+v", req)
	}
	c.Released()

	if c.State(Tiny) != Downloaded {
		t.Errorf("Expected Downloaded after release, got %s", c.State(Tiny))
	}
	if c.Selected() != "" || c.Instantiated() != "" {
		t.Error("Expected no selected or instantiated model")
	}
}

func TestScanDetectsFiles(t *testing.T) {
	dir := t.TempDir()
	c := NewController(NewStore(dir))
	c.Scan()

	if c.State(Base) != DoesNotExist {
		t.Fatalf("Expected DoesNotExist, got %s", c.State(Base))
	}

	writeModel(t, dir, Base)
	c.Scan()
	if c.State(Base) != Downloaded {
		t.Errorf("Expected Downloaded, got %s", c.State(Base))
	}

	m, _ := Lookup(Base)
	os.Remove(filepath.Join(dir, m.FileName))
	c.Scan()
	if c.State(Base) != DoesNotExist {
		t.Errorf("Expected DoesNotExist after removal, got %s", c.State(Base))
	}
}

func TestWatcherRescans(t *testing.T) {
	dir := t.TempDir()
	c := NewController(NewStore(dir))
	c.Scan()

	w, err := NewWatcher(c, 20*time.Millisecond, nil)
	if err != nil {
		t.Skipf("file watching not available: %v", err)
	}
	w.Start()
	defer w.Stop()

	writeModel(t, dir, Tiny)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State(Tiny) == Downloaded {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("Watcher did not pick up the new model file, state %s", c.State(Tiny))
}

func TestParseID(t *testing.T) {
	id, err := ParseID(" large-v3-turbo ")
	if err != nil || id != LargeV3Turbo {
		t.Errorf("ParseID returned %q, %v", id, err)
	}
	if _, err := ParseID("nope"); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("Expected ErrUnknownModel, got %v", err)
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{142 * 1024 * 1024, "142.0 MB"},
	}
	for _, tt := range tests {
		if got := FormatSize(tt.bytes); got != tt.want {
			t.Errorf("FormatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}
