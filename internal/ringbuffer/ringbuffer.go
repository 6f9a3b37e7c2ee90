package ringbuffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidSeek is returned when Seek is asked to skip more samples than are buffered
var ErrInvalidSeek = errors.New("ringbuffer: seek beyond buffered data")

// Observer is notified with the buffer fill level after every store and seek
type Observer func(size, capacity int)

// Buffer is a fixed-capacity ring of 16-bit PCM samples shared by exactly one
// producer and one consumer.
//
// The producer blocks in Store while the ring is full; the consumer frees space
// with Seek. Reading does not consume. Both sides sleep on single-slot signals
// and re-check their condition under the lock after every wake-up.
type Buffer struct {
	mu       sync.Mutex
	values   []int16
	start    int
	end      int
	full     bool
	stopped  bool
	observer Observer

	stored chan struct{} // data was appended
	freed  chan struct{} // space was released by Seek
}

// New creates a buffer holding up to capacity samples
func New(capacity int) *Buffer {
	if capacity <= 0 {
		panic(fmt.Sprintf("ringbuffer: invalid capacity %d", capacity))
	}

	return &Buffer{
		values: make([]int16, capacity),
		stored: make(chan struct{}, 1),
		freed:  make(chan struct{}, 1),
	}
}

// SetObserver installs a fill-level observer. It is called with the lock held
// and must not call back into the buffer.
func (b *Buffer) SetObserver(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = o
}

// Capacity returns the maximum number of samples the buffer can hold
func (b *Buffer) Capacity() int {
	return len(b.values)
}

// Size returns the number of unconsumed samples
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size()
}

// Free returns the number of samples that can be stored without blocking
func (b *Buffer) Free() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.values) - b.size()
}

func (b *Buffer) size() int {
	if b.full {
		return len(b.values)
	}
	n := b.end - b.start
	if n < 0 {
		n += len(b.values)
	}
	return n
}

// Store appends samples in order. When there is not enough free space it
// stores what fits and waits for the consumer to Seek before continuing.
// Unread samples are never overwritten. If ctx is cancelled while waiting the
// samples already appended stay in the buffer and ctx.Err() is returned.
func (b *Buffer) Store(ctx context.Context, samples []int16) error {
	offset := 0
	for offset < len(samples) {
		b.mu.Lock()
		n := b.appendLocked(samples[offset:])
		b.mu.Unlock()

		if n > 0 {
			offset += n
			notify(b.stored)
			continue
		}

		select {
		case <-b.freed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// appendLocked copies as many samples as fit and returns how many were stored
func (b *Buffer) appendLocked(samples []int16) int {
	capacity := len(b.values)
	n := capacity - b.size()
	if n > len(samples) {
		n = len(samples)
	}
	if n == 0 {
		return 0
	}

	first := copy(b.values[b.end:], samples[:n])
	if first < n {
		copy(b.values, samples[first:n])
	}
	b.end = (b.end + n) % capacity
	b.full = b.end == b.start
	b.stopped = false

	if b.observer != nil {
		b.observer(b.size(), capacity)
	}
	return n
}

// Read returns a copy of the oldest maxLen unconsumed samples without
// advancing the read cursor. Fewer are returned only if fewer are buffered.
func (b *Buffer) Read(maxLen int) []int16 {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.size()
	if maxLen < n {
		n = maxLen
	}
	if n <= 0 {
		return []int16{}
	}

	out := make([]int16, n)
	first := copy(out, b.values[b.start:])
	if first < n {
		copy(out[first:], b.values)
	}
	return out
}

// Seek consumes n samples. It fails with ErrInvalidSeek when n is negative or
// larger than Size. A successful seek clears the stopped flag and wakes a
// blocked writer.
func (b *Buffer) Seek(n int) error {
	_, err := b.Advance(n)
	return err
}

// Advance is Seek that also reports whether the stopped flag was set at the
// moment it was cleared, so a consumer cannot lose an end-of-utterance mark
// set while it was processing.
func (b *Buffer) Advance(n int) (wasStopped bool, err error) {
	b.mu.Lock()
	size := b.size()
	if n < 0 || n > size {
		b.mu.Unlock()
		return false, fmt.Errorf("%w: seek %d with %d buffered", ErrInvalidSeek, n, size)
	}

	if n > 0 {
		b.start = (b.start + n) % len(b.values)
		b.full = false
	}
	wasStopped = b.stopped
	b.stopped = false
	if b.observer != nil {
		b.observer(b.size(), len(b.values))
	}
	b.mu.Unlock()

	notify(b.freed)
	return wasStopped, nil
}

// WaitForMoreThan blocks until more than minSize samples are buffered or the
// producer has marked the end of an utterance.
func (b *Buffer) WaitForMoreThan(ctx context.Context, minSize int) error {
	for {
		b.mu.Lock()
		done := b.size() > minSize || b.stopped
		b.mu.Unlock()

		if done {
			return nil
		}

		select {
		case <-b.stored:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SetStopped marks that no more data will arrive until the next Store
func (b *Buffer) SetStopped() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()

	// a consumer waiting for data must re-check the stopped flag
	notify(b.stored)
}

// IsStopped reports whether the producer marked the end of an utterance
func (b *Buffer) IsStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// Reset discards all buffered samples and clears the stopped flag
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.start = 0
	b.end = 0
	b.full = false
	b.stopped = false
	if b.observer != nil {
		b.observer(0, len(b.values))
	}
	b.mu.Unlock()

	notify(b.freed)
}

// notify performs a non-blocking send on a single-slot signal channel
func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
