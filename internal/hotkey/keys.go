package hotkey

import (
	"fmt"
	"strings"

	"golang.design/x/hotkey"
)

// keyNames maps configuration names to key codes. Key codes on macOS are
// not contiguous, so letters and digits are listed explicitly.
var keyNames = map[string]hotkey.Key{
	"Space": hotkey.KeySpace, "Return": hotkey.KeyReturn, "Esc": hotkey.KeyEscape,
	"Tab": hotkey.KeyTab, "Delete": hotkey.KeyDelete,
	"A": hotkey.KeyA, "B": hotkey.KeyB, "C": hotkey.KeyC, "D": hotkey.KeyD, "E": hotkey.KeyE,
	"F": hotkey.KeyF, "G": hotkey.KeyG, "H": hotkey.KeyH, "I": hotkey.KeyI, "J": hotkey.KeyJ,
	"K": hotkey.KeyK, "L": hotkey.KeyL, "M": hotkey.KeyM, "N": hotkey.KeyN, "O": hotkey.KeyO,
	"P": hotkey.KeyP, "Q": hotkey.KeyQ, "R": hotkey.KeyR, "S": hotkey.KeyS, "T": hotkey.KeyT,
	"U": hotkey.KeyU, "V": hotkey.KeyV, "W": hotkey.KeyW, "X": hotkey.KeyX, "Y": hotkey.KeyY,
	"Z": hotkey.KeyZ,
	"0": hotkey.Key0, "1": hotkey.Key1, "2": hotkey.Key2, "3": hotkey.Key3, "4": hotkey.Key4,
	"5": hotkey.Key5, "6": hotkey.Key6, "7": hotkey.Key7, "8": hotkey.Key8, "9": hotkey.Key9,
	"F1": hotkey.KeyF1, "F2": hotkey.KeyF2, "F3": hotkey.KeyF3, "F4": hotkey.KeyF4,
	"F5": hotkey.KeyF5, "F6": hotkey.KeyF6, "F7": hotkey.KeyF7, "F8": hotkey.KeyF8,
	"F9": hotkey.KeyF9, "F10": hotkey.KeyF10, "F11": hotkey.KeyF11, "F12": hotkey.KeyF12,
}

// ParseKey resolves a key name such as "Space", "r" or "F5"
func ParseKey(name string) (hotkey.Key, error) {
	name = strings.TrimSpace(name)
	switch strings.ToLower(name) {
	case "escape":
		name = "Esc"
	case "enter":
		name = "Return"
	}

	for n, key := range keyNames {
		if strings.EqualFold(n, name) {
			return key, nil
		}
	}
	return 0, fmt.Errorf("unsupported key: %q", name)
}

// ParseMode converts the configured recording mode
func ParseMode(mode string) (RecordingMode, error) {
	switch mode {
	case "press-to-hold":
		return PressToHold, nil
	case "toggle":
		return Toggle, nil
	default:
		return 0, fmt.Errorf("invalid recording mode: %q", mode)
	}
}

// NewConfig builds a hotkey configuration from modifier flags, a key name and a mode
func NewConfig(ctrl, shift, alt, cmd bool, key, mode string) (Config, error) {
	k, err := ParseKey(key)
	if err != nil {
		return Config{}, err
	}
	m, err := ParseMode(mode)
	if err != nil {
		return Config{}, err
	}

	var mods []hotkey.Modifier
	if ctrl {
		mods = append(mods, hotkey.ModCtrl)
	}
	if shift {
		mods = append(mods, hotkey.ModShift)
	}
	if alt {
		mods = append(mods, hotkey.ModOption)
	}
	if cmd {
		mods = append(mods, hotkey.ModCmd)
	}
	if len(mods) == 0 {
		return Config{}, fmt.Errorf("at least one modifier is required")
	}

	return Config{Modifiers: mods, Key: k, Mode: m}, nil
}

// Conflict is a system shortcut that a hotkey would shadow
type Conflict struct {
	Name      string
	Modifiers []hotkey.Modifier
	Key       hotkey.Key
}

// knownConflicts are macOS shortcuts commonly bound by the system or launchers
var knownConflicts = []Conflict{
	{Name: "Spotlight", Modifiers: []hotkey.Modifier{hotkey.ModCmd}, Key: hotkey.KeySpace},
	{Name: "Input source switch", Modifiers: []hotkey.Modifier{hotkey.ModCtrl}, Key: hotkey.KeySpace},
	{Name: "Character viewer", Modifiers: []hotkey.Modifier{hotkey.ModCtrl, hotkey.ModCmd}, Key: hotkey.KeySpace},
	{Name: "Force Quit", Modifiers: []hotkey.Modifier{hotkey.ModCmd, hotkey.ModOption}, Key: hotkey.KeyEscape},
	{Name: "Screenshot", Modifiers: []hotkey.Modifier{hotkey.ModCmd, hotkey.ModShift}, Key: hotkey.Key4},
}

// CheckConflicts returns the known shortcuts that config would shadow
func CheckConflicts(config Config) []Conflict {
	var conflicts []Conflict
	for _, known := range knownConflicts {
		if known.Key == config.Key && sameModifiers(known.Modifiers, config.Modifiers) {
			conflicts = append(conflicts, known)
		}
	}
	return conflicts
}

func sameModifiers(a, b []hotkey.Modifier) bool {
	var maskA, maskB hotkey.Modifier
	for _, m := range a {
		maskA |= m
	}
	for _, m := range b {
		maskB |= m
	}
	return maskA == maskB
}

// Format returns a human-readable representation such as "⌃⌥Space"
func (c Config) Format() string {
	var b strings.Builder
	for _, mod := range c.Modifiers {
		switch mod {
		case hotkey.ModCtrl:
			b.WriteString("⌃")
		case hotkey.ModShift:
			b.WriteString("⇧")
		case hotkey.ModOption:
			b.WriteString("⌥")
		case hotkey.ModCmd:
			b.WriteString("⌘")
		}
	}

	for name, key := range keyNames {
		if key == c.Key {
			b.WriteString(name)
			return b.String()
		}
	}
	b.WriteString("?")
	return b.String()
}
