// Package buffer implements the Rolling Buffer: a bounded FIFO of
// decrypted chunks shared between one producer (a decryption loop) and
// one consumer (a pull-read adapter). It is the sole synchronization
// point between the two; callers never hold its mutex across I/O.
package buffer

import (
	"sync"
	"time"
)

// MaxEntries is the buffer capacity: the producer blocks on Push once
// this many entries are queued.
const MaxEntries = 20

// Entry is one decrypted chunk awaiting consumption. ReadCursor tracks
// how much of Plaintext the consumer has already taken.
type Entry struct {
	ChunkIndex uint32
	Plaintext  []byte
	ReadCursor int
}

// Remaining returns the unread tail of the entry's plaintext.
func (e Entry) Remaining() []byte {
	return e.Plaintext[e.ReadCursor:]
}

// RollingBuffer is a bounded producer/consumer queue of Entry values,
// grounded on the mutex+condition-variable pattern: a single lock
// guards both the queue and the seek/stop flags, with separate
// condition variables for "not full" (producer waits) and "not empty"
// (consumer waits).
type RollingBuffer struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond

	entries []Entry

	stopRequested   bool
	seekRequested   bool
	seekTargetChunk uint32
}

// New returns an empty RollingBuffer ready for one producer and one
// consumer.
func New() *RollingBuffer {
	b := &RollingBuffer{entries: make([]Entry, 0, MaxEntries)}
	b.notFull = sync.NewCond(&b.mu)
	b.notEmpty = sync.NewCond(&b.mu)
	return b
}

// Push appends entry to the back of the buffer, blocking the producer
// while the buffer is at MaxEntries. It returns false without pushing
// if a stop or seek was requested while waiting, so the producer can
// re-check state instead of pushing stale data.
func (b *RollingBuffer) Push(entry Entry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.entries) >= MaxEntries && !b.stopRequested && !b.seekRequested {
		b.notFull.Wait()
	}
	if b.stopRequested || b.seekRequested {
		return false
	}

	b.entries = append(b.entries, entry)
	b.notEmpty.Signal()
	return true
}

// PeekFront returns the front entry without removing it. ok is false
// when the buffer is empty.
func (b *RollingBuffer) PeekFront() (entry Entry, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return Entry{}, false
	}
	return b.entries[0], true
}

// PopFront removes and returns the front entry, waking the producer if
// it was blocked on a full buffer. ok is false when the buffer is
// empty.
func (b *RollingBuffer) PopFront() (entry Entry, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return Entry{}, false
	}
	entry = b.entries[0]
	b.entries = b.entries[1:]
	b.notFull.Signal()
	return entry, true
}

// UpdateFrontCursor advances the read cursor of the front entry in
// place, without popping it. Used by the adapter when a read consumes
// part, but not all, of the front entry.
func (b *RollingBuffer) UpdateFrontCursor(cursor int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return
	}
	// A seek target derived from an assumed full-size final chunk can
	// overshoot the front entry's actual plaintext length (the last
	// chunk of a track is usually shorter than ChunkSize); clamp
	// rather than let Remaining() slice out of range.
	if max := len(b.entries[0].Plaintext); cursor > max {
		cursor = max
	}
	if cursor < 0 {
		cursor = 0
	}
	b.entries[0].ReadCursor = cursor
}

// BufferedRange reports the chunk indices of the front and back queued
// entries. ok is false when the buffer is empty. Used to test whether
// a seek target falls inside what's already buffered, so it can be
// served by popping ahead instead of restarting the producer.
func (b *RollingBuffer) BufferedRange() (front, back uint32, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) == 0 {
		return 0, 0, false
	}
	return b.entries[0].ChunkIndex, b.entries[len(b.entries)-1].ChunkIndex, true
}

// PopUntil discards entries off the front until the new front's
// ChunkIndex equals targetChunk, leaving it in place. It reports false,
// without modifying the buffer, if targetChunk is not among the queued
// entries (the caller should fall back to the slow path).
func (b *RollingBuffer) PopUntil(targetChunk uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.entries {
		if entry.ChunkIndex == targetChunk {
			if i > 0 {
				b.entries = b.entries[i:]
				b.notFull.Signal()
			}
			return true
		}
	}
	return false
}

// Clear empties the buffer and wakes the producer, used when a seek
// discards everything buffered so far.
func (b *RollingBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = b.entries[:0]
	b.notFull.Broadcast()
}

// Len reports the current number of queued entries.
func (b *RollingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// WaitForNonEmpty blocks the consumer until an entry is available, a
// stop or seek is requested, or timeout elapses. It reports which
// woke it.
func (b *RollingBuffer) WaitForNonEmpty(timeout time.Duration) (nonEmpty, stopped, seeking bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) > 0 {
		return true, b.stopRequested, b.seekRequested
	}
	if b.stopRequested || b.seekRequested {
		return false, b.stopRequested, b.seekRequested
	}

	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		b.mu.Lock()
		close(done)
		b.notEmpty.Broadcast()
		b.mu.Unlock()
	})
	defer timer.Stop()

	for len(b.entries) == 0 && !b.stopRequested && !b.seekRequested {
		select {
		case <-done:
			return false, b.stopRequested, b.seekRequested
		default:
			b.notEmpty.Wait()
		}
	}
	return len(b.entries) > 0, b.stopRequested, b.seekRequested
}

// RequestStop signals the producer and consumer to unwind and wakes
// every waiter.
func (b *RollingBuffer) RequestStop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopRequested = true
	b.notFull.Broadcast()
	b.notEmpty.Broadcast()
}

// IsStopRequested reports whether RequestStop has been called.
func (b *RollingBuffer) IsStopRequested() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopRequested
}

// RequestSeek signals the producer to reposition to targetChunk,
// clearing the buffer for it and waking every waiter. It does not
// clear seekRequested itself; the producer does that via
// AcknowledgeSeek once repositioned.
func (b *RollingBuffer) RequestSeek(targetChunk uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seekRequested = true
	b.seekTargetChunk = targetChunk
	b.entries = b.entries[:0]
	b.notFull.Broadcast()
	b.notEmpty.Broadcast()
}

// PendingSeek reports whether a seek is outstanding and its target.
func (b *RollingBuffer) PendingSeek() (targetChunk uint32, pending bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seekTargetChunk, b.seekRequested
}

// AcknowledgeSeek clears seekRequested once the producer has
// repositioned the decoder to the requested chunk.
func (b *RollingBuffer) AcknowledgeSeek() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seekRequested = false
}
