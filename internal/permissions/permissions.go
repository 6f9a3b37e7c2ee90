package permissions

import (
	"fmt"
	"os/exec"
	"strings"
)

// Status is the authorization state of a system permission
type Status int

const (
	// NotDetermined means the user hasn't been asked yet
	NotDetermined Status = 0
	// Restricted means the permission is restricted by parental controls
	Restricted Status = 1
	// Denied means the user has explicitly denied the permission
	Denied Status = 2
	// Authorized means the user has authorized the permission
	Authorized Status = 3
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case NotDetermined:
		return "NotDetermined"
	case Restricted:
		return "Restricted"
	case Denied:
		return "Denied"
	case Authorized:
		return "Authorized"
	default:
		return "Unknown"
	}
}

// Kind names a permission the app depends on
type Kind string

const (
	// Microphone is required by the live recording producer
	Microphone Kind = "microphone"
	// Accessibility is required by the global hotkey and paste
	Accessibility Kind = "accessibility"
)

var kindLabels = map[Kind]string{
	Microphone:    "マイク (Microphone)",
	Accessibility: "アクセシビリティ (Accessibility)",
}

var settingsURLs = map[Kind]string{
	Microphone:    "x-apple.systempreferences:com.apple.preference.security?Privacy_Microphone",
	Accessibility: "x-apple.systempreferences:com.apple.preference.security?Privacy_Accessibility",
}

// Report is a snapshot of every permission the app depends on
type Report struct {
	Microphone    Status `json:"microphone"`
	Accessibility Status `json:"accessibility"`
}

// Check queries the current permission state
func Check() Report {
	return Report{
		Microphone:    microphoneStatus(),
		Accessibility: accessibilityStatus(),
	}
}

// Granted reports whether kind is authorized
func (r Report) Granted(kind Kind) bool {
	switch kind {
	case Microphone:
		return r.Microphone == Authorized
	case Accessibility:
		return r.Accessibility == Authorized
	}
	return false
}

// Missing lists the permissions that are not authorized
func (r Report) Missing() []Kind {
	var missing []Kind
	for _, kind := range []Kind{Microphone, Accessibility} {
		if !r.Granted(kind) {
			missing = append(missing, kind)
		}
	}
	return missing
}

// Message returns a user-facing list of missing permissions, or "" when
// everything is authorized
func (r Report) Message() string {
	missing := r.Missing()
	if len(missing) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("以下の権限が必要です:\n")
	for _, kind := range missing {
		b.WriteString("  • " + kindLabels[kind] + "\n")
	}
	return b.String()
}

// OpenSettings opens the System Settings pane for kind
func OpenSettings(kind Kind) error {
	url, ok := settingsURLs[kind]
	if !ok {
		return fmt.Errorf("unknown permission: %q", kind)
	}
	return exec.Command("open", url).Run()
}
