package models

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrUnknownModel is returned for identifiers not in the catalog
	ErrUnknownModel = errors.New("unknown model")
	// ErrModelNotDownloaded is returned when selecting a model whose file is missing
	ErrModelNotDownloaded = errors.New("model file not downloaded")
	// ErrInvalidTransition is returned when a state change is not allowed
	ErrInvalidTransition = errors.New("invalid model state transition")
	// ErrDownloadInProgress is returned when selecting a model whose file is
	// still being written
	ErrDownloadInProgress = errors.New("model download in progress")
	// ErrBusy is returned when too many model changes are pending
	ErrBusy = errors.New("too many pending model changes")
)

const (
	requestQueueSize    = 8
	subscriberQueueSize = 32
)

// ChangeRequest asks the transcription engine to switch the loaded model.
// An empty ID releases the current model.
type ChangeRequest struct {
	ID   ID
	Path string
}

// Controller tracks the lifecycle state of every catalog model and emits
// change requests for the transcription engine. State is mutated only through
// its methods.
type Controller struct {
	mu       sync.Mutex
	store    *Store
	states   map[ID]State
	selected ID
	loaded   ID // model currently instantiating or instantiated
	requests chan ChangeRequest
	subs     map[int]chan StateChange
	nextSub  int
	now      func() time.Time
}

// NewController creates a controller backed by store. Call Scan to pick up
// model files already on disk.
func NewController(store *Store) *Controller {
	return &Controller{
		store:    store,
		states:   make(map[ID]State),
		requests: make(chan ChangeRequest, requestQueueSize),
		subs:     make(map[int]chan StateChange),
		now:      time.Now,
	}
}

// Store returns the underlying model store
func (c *Controller) Store() *Store {
	return c.store
}

// Requests returns the queue of pending model changes
func (c *Controller) Requests() <-chan ChangeRequest {
	return c.requests
}

// Scan refreshes file-derived states. Models that are loading, loaded, being
// downloaded or failed to load keep their state.
func (c *Controller) Scan() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, m := range Catalog {
		current := c.states[m.ID]
		switch current {
		case Instantiating, Instantiated, DownloadTriggered:
			continue
		}

		next := c.store.FileState(m.ID)
		if next == DoesNotExist && current == DownloadFailed {
			continue
		}
		if next == Downloaded && current == InstantiationFailed {
			continue
		}
		if _, seen := c.states[m.ID]; seen && current == next {
			continue
		}
		c.setLocked(m.ID, next)
	}
}

// Select makes id the selected model and queues a change request for the
// engine. Reselecting the model that is already loaded is a no-op. A model
// whose download is still in progress cannot be selected.
func (c *Controller) Select(id ID) error {
	if _, ok := Lookup(id); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}

	c.mu.Lock()
	state := c.states[id]
	if id == c.loaded && (state == Instantiated || state == Instantiating) {
		c.selected = id
		c.mu.Unlock()
		return nil
	}

	if state == DownloadTriggered {
		// the file may be partial until MarkDownloaded
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDownloadInProgress, id)
	}

	c.selected = id
	if !c.store.Exists(id) {
		c.forceLocked(id, DoesNotExist)
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrModelNotDownloaded, id)
	}

	if err := c.transitionLocked(id, Downloaded); err != nil {
		c.mu.Unlock()
		return err
	}
	path, _ := c.store.Path(id)
	c.mu.Unlock()

	return c.enqueue(ChangeRequest{ID: id, Path: path})
}

// Deselect clears the selection and asks the engine to release the loaded model
func (c *Controller) Deselect() error {
	c.mu.Lock()
	c.selected = ""
	c.mu.Unlock()

	return c.enqueue(ChangeRequest{})
}

func (c *Controller) enqueue(req ChangeRequest) error {
	select {
	case c.requests <- req:
		return nil
	default:
		return ErrBusy
	}
}

// Report records a state published by the engine for a model change.
// Starting to instantiate a model returns the previously loaded one to
// Downloaded, so at most one model is ever Instantiated.
func (c *Controller) Report(id ID, state State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch state {
	case Instantiating:
		if c.loaded != "" && c.loaded != id {
			c.releaseLocked()
		}
		if err := c.transitionLocked(id, Instantiating); err != nil {
			return err
		}
		c.loaded = id
		return nil

	case Instantiated, InstantiationFailed:
		if err := c.transitionLocked(id, state); err != nil {
			return err
		}
		if state == InstantiationFailed && c.loaded == id {
			c.loaded = ""
		}
		return nil
	}

	return fmt.Errorf("%w: engine cannot report %s", ErrInvalidTransition, state)
}

// Released records that the engine freed the loaded model without loading another
func (c *Controller) Released() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
}

func (c *Controller) releaseLocked() {
	if c.loaded == "" {
		return
	}
	c.forceLocked(c.loaded, c.store.FileState(c.loaded))
	c.loaded = ""
}

// MarkDownloadTriggered records that an external acquirer started fetching id
func (c *Controller) MarkDownloadTriggered(id ID) error {
	return c.transition(id, DownloadTriggered)
}

// MarkDownloaded records a finished acquisition. The file must be present.
func (c *Controller) MarkDownloaded(id ID) error {
	if !c.store.Exists(id) {
		if err := c.transition(id, DownloadFailed); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrModelNotDownloaded, id)
	}
	return c.transition(id, Downloaded)
}

// MarkDownloadFailed records a failed acquisition
func (c *Controller) MarkDownloadFailed(id ID) error {
	return c.transition(id, DownloadFailed)
}

func (c *Controller) transition(id ID, state State) error {
	if _, ok := Lookup(id); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitionLocked(id, state)
}

func (c *Controller) transitionLocked(id ID, state State) error {
	current := c.states[id]
	if !CanTransition(current, state) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, current, state)
	}
	if current != state {
		c.setLocked(id, state)
	}
	return nil
}

// forceLocked applies a file-derived state without consulting the transition table
func (c *Controller) forceLocked(id ID, state State) {
	if current, ok := c.states[id]; ok && current == state {
		return
	}
	c.setLocked(id, state)
}

func (c *Controller) setLocked(id ID, state State) {
	c.states[id] = state

	change := StateChange{ID: id, State: state, At: c.now()}
	for _, ch := range c.subs {
		select {
		case ch <- change:
		default:
			// slow subscribers miss intermediate states; State() stays authoritative
		}
	}
}

// State returns the current state of id
func (c *Controller) State(id ID) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[id]
}

// States returns a snapshot of all catalog model states
func (c *Controller) States() map[ID]State {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[ID]State, len(Catalog))
	for _, m := range Catalog {
		out[m.ID] = c.states[m.ID]
	}
	return out
}

// Selected returns the selected model, or "" if none
func (c *Controller) Selected() ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Instantiated returns the model that is loaded and ready, or "" if none
func (c *Controller) Instantiated() ID {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded != "" && c.states[c.loaded] == Instantiated {
		return c.loaded
	}
	return ""
}

// Ready reports whether the selected model is loaded
func (c *Controller) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.selected != "" && c.selected == c.loaded && c.states[c.selected] == Instantiated
}

// Subscribe returns a stream of state changes and a function to stop it
func (c *Controller) Subscribe() (<-chan StateChange, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan StateChange, subscriberQueueSize)
	c.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
