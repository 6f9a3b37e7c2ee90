package models

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a single model
type State int

const (
	// DoesNotExist means the model file is not on disk
	DoesNotExist State = iota
	// DownloadTriggered means an external acquirer started fetching the file
	DownloadTriggered
	// Downloaded means the model file is present but not loaded
	Downloaded
	// DownloadFailed means the last acquisition attempt failed
	DownloadFailed
	// Instantiating means the recognizer is loading the model
	Instantiating
	// Instantiated means the model is loaded and ready for transcription
	Instantiated
	// InstantiationFailed means the native load failed; reselect to retry
	InstantiationFailed
)

var stateNames = map[State]string{
	DoesNotExist:        "DoesNotExist",
	DownloadTriggered:   "DownloadTriggered",
	Downloaded:          "Downloaded",
	DownloadFailed:      "DownloadFailed",
	Instantiating:       "Instantiating",
	Instantiated:        "Instantiated",
	InstantiationFailed: "InstantiationFailed",
}

// String returns the string representation of the state
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "Unknown"
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown model state: %q", text)
}

// transitions lists the allowed target states for each state.
// File presence can move any idle state to Downloaded or DoesNotExist.
var transitions = map[State][]State{
	DoesNotExist:        {DownloadTriggered, Downloaded},
	DownloadTriggered:   {Downloaded, DownloadFailed},
	DownloadFailed:      {DownloadTriggered, Downloaded, DoesNotExist},
	Downloaded:          {Instantiating, DoesNotExist, DownloadTriggered},
	Instantiating:       {Instantiated, InstantiationFailed},
	Instantiated:        {Downloaded},
	InstantiationFailed: {Downloaded, Instantiating, DoesNotExist},
}

// CanTransition reports whether moving from one state to another is allowed
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateChange is published whenever a model changes state
type StateChange struct {
	ID    ID        `json:"id"`
	State State     `json:"state"`
	At    time.Time `json:"at"`
}
