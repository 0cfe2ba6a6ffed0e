// Package stream presents container-backed tracks as a byte-oriented
// io.ReadSeeker for the audio decoder, built on top of the Rolling
// Buffer (internal/buffer) and a background producer goroutine that
// drives internal/decryptor one chunk at a time.
package stream

import (
	"fmt"
	"io"
	"time"

	"github.com/kenchrcum/abby/internal/buffer"
	"github.com/kenchrcum/abby/internal/container"
	"github.com/kenchrcum/abby/internal/decryptor"
)

const (
	// minReadWait and maxReadWait bound how long Read blocks waiting
	// for the producer before returning a short read.
	minReadWait = 100 * time.Millisecond
	maxReadWait = 500 * time.Millisecond
	// seekWait bounds how long Seek waits for the producer to land on
	// the requested chunk during a slow-path seek.
	seekWait = 3 * time.Second
)

// Whence mirrors io.Seeker's origin constants; re-exported so callers
// of this package don't need to import "io" just for SeekStart et al.
const (
	SeekStart   = io.SeekStart
	SeekCurrent = io.SeekCurrent
	SeekEnd     = io.SeekEnd
)

// Adapter streams decrypted bytes from a single open track, flattening
// its chunks into one contiguous byte space of length N*CHUNK.
type Adapter struct {
	dec    *decryptor.Decryptor
	buf    *buffer.RollingBuffer
	chunks uint32

	producerDone chan struct{}

	// position is the adapter's logical read position. It does not
	// necessarily match the producer's current chunk during a seek in
	// flight.
	position int64

	// terminal records why the producer stopped, for callers (the
	// daemon's status command) that need to tell a clean end of stream
	// apart from an authentication failure.
	terminal    decryptor.Status
	terminalErr error
}

// Open starts a background producer for the local file at path under
// devID and returns an Adapter ready to Read from byte offset 0.
func Open(path, devID string) (*Adapter, error) {
	dec, err := decryptor.Open(path, devID)
	if err != nil {
		return nil, err
	}
	return newAdapter(dec), nil
}

// OpenSource is Open for a track obtained from a non-local TrackSource
// (e.g. the catalog's S3-backed source), where the caller already has
// a seekable handle rather than a filesystem path.
func OpenSource(src io.ReadSeeker, closer io.Closer, devID string) (*Adapter, error) {
	dec, err := decryptor.OpenSource(src, closer, devID)
	if err != nil {
		return nil, err
	}
	return newAdapter(dec), nil
}

func newAdapter(dec *decryptor.Decryptor) *Adapter {
	a := &Adapter{
		dec:          dec,
		buf:          buffer.New(),
		chunks:       dec.TotalChunks(),
		producerDone: make(chan struct{}),
	}
	go a.produce()
	return a
}

// totalBytes is the flat byte-space length, N*CHUNK.
func (a *Adapter) totalBytes() int64 {
	return int64(a.chunks) * int64(container.ChunkSize)
}

// produce is the producer loop: check stop, reposition on seek, wait
// on a full buffer, decrypt one chunk, push. It runs until the
// decryptor reports EOF or AuthFailed, or a stop is requested.
func (a *Adapter) produce() {
	defer close(a.producerDone)

	for {
		if a.buf.IsStopRequested() {
			return
		}

		if target, pending := a.buf.PendingSeek(); pending {
			if err := a.dec.Seek(target); err != nil {
				a.buf.AcknowledgeSeek()
				return
			}
			a.buf.AcknowledgeSeek()
		}

		chunk, status, err := a.dec.DecryptNext()
		switch status {
		case decryptor.StatusOK:
			entry := buffer.Entry{ChunkIndex: a.dec.CurrentChunk() - 1, Plaintext: chunk}
			if !a.buf.Push(entry) {
				// a stop or seek interrupted the blocked push; loop
				// around to re-check state rather than dropping the
				// chunk silently.
				continue
			}
		case decryptor.StatusEOF, decryptor.StatusAuthFailed, decryptor.StatusIOError:
			a.terminal = status
			a.terminalErr = err
			return
		}
	}
}

// Err reports why the producer stopped: StatusEOF for a clean end of
// stream, StatusAuthFailed if a chunk failed to authenticate (fatal -
// the track is not playable under this device id), or StatusIOError
// for a transient read failure. Valid only after producerDone closes.
func (a *Adapter) Err() (decryptor.Status, error) {
	return a.terminal, a.terminalErr
}

// Read fills p by draining the front buffer entry, waiting up to
// maxReadWait for the producer if the buffer is momentarily empty. A
// short read (including zero bytes) is legal and signals underrun or
// end of stream to the caller.
func (a *Adapter) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	total := 0
	for total < len(p) {
		entry, ok := a.buf.PeekFront()
		if !ok {
			nonEmpty, stopped, seeking := a.buf.WaitForNonEmpty(maxReadWait)
			if stopped || seeking {
				break
			}
			if !nonEmpty {
				break
			}
			continue
		}

		remaining := entry.Remaining()
		if len(remaining) == 0 {
			a.buf.PopFront()
			continue
		}

		n := copy(p[total:], remaining)
		total += n
		a.position += int64(n)

		if n == len(remaining) {
			a.buf.PopFront()
		} else {
			a.buf.UpdateFrontCursor(entry.ReadCursor + n)
		}

		if total >= len(p) {
			break
		}
	}

	if total == 0 {
		select {
		case <-a.producerDone:
			return 0, io.EOF
		default:
		}
	}
	return total, nil
}

// Seek repositions the adapter per the fast-path/slow-path rules: a
// target chunk anywhere inside the currently buffered range [front,
// back] is served by discarding the entries ahead of it and setting
// the new front's cursor, with no producer restart; otherwise the
// buffer is cleared and the producer repositioned, with a bounded wait
// for it to land on the target chunk.
func (a *Adapter) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = a.position + offset
	case io.SeekEnd:
		target = a.totalBytes() + offset
	default:
		return 0, fmt.Errorf("stream: invalid whence %d", whence)
	}

	if target < 0 {
		target = 0
	}
	if max := a.totalBytes(); target > max {
		target = max
	}

	targetChunk := uint32(target / int64(container.ChunkSize))
	offsetInChunk := int(target % int64(container.ChunkSize))

	if front, back, ok := a.buf.BufferedRange(); ok && targetChunk >= front && targetChunk <= back {
		a.buf.PopUntil(targetChunk)
		a.buf.UpdateFrontCursor(offsetInChunk)
		a.position = target
		return target, nil
	}

	a.buf.RequestSeek(targetChunk)
	deadline := time.Now().Add(seekWait)
	for {
		if entry, ok := a.buf.PeekFront(); ok && entry.ChunkIndex == targetChunk {
			a.buf.UpdateFrontCursor(offsetInChunk)
			a.position = target
			return target, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, fmt.Errorf("stream: seek timed out waiting for producer")
		}
		wait := remaining
		if wait > minReadWait {
			wait = minReadWait
		}
		a.buf.WaitForNonEmpty(wait)
	}
}

// Close stops the producer and releases the underlying decryptor.
func (a *Adapter) Close() error {
	a.buf.RequestStop()
	<-a.producerDone
	return a.dec.Close()
}
