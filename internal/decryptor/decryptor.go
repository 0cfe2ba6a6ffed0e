// Package decryptor owns the lifetime of a single open track: deriving
// the device key, walking the container chunk-by-chunk, and latching
// into a terminal failure state the instant any chunk fails to
// authenticate. internal/container deals only in header and record
// framing; this package is the one place that holds key material and
// decides what "the track is playable" means.
package decryptor

import (
	"fmt"
	"io"
	"os"

	"github.com/kenchrcum/abby/internal/aead"
	"github.com/kenchrcum/abby/internal/container"
	"github.com/kenchrcum/abby/internal/keyderiv"
)

// Status reports the outcome of a decrypt attempt.
type Status int

const (
	// StatusOK indicates a chunk was decrypted successfully.
	StatusOK Status = iota
	// StatusEOF indicates every chunk has already been returned.
	StatusEOF
	// StatusAuthFailed indicates a chunk failed authentication. Once
	// returned, the Decryptor is permanently unusable.
	StatusAuthFailed
	// StatusIOError indicates an underlying I/O failure reading the
	// container source.
	StatusIOError
)

// Decryptor streams the decrypted chunks of a single container-v2
// track, bound to one device id for its whole lifetime.
type Decryptor struct {
	closer io.Closer
	reader *container.Reader
	cipher *aead.Cipher
	key    *keyderiv.Key

	failed bool
}

// Open opens path on the local filesystem, then derives the device key
// for devID and validates the container header through OpenSource, and
// returns a Decryptor ready to stream chunk 0.
func Open(path string, devID string) (*Decryptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("decryptor: open %s: %w", path, err)
	}

	d, err := OpenSource(f, f, devID)
	if err != nil {
		return nil, fmt.Errorf("decryptor: %s: %w", path, err)
	}
	return d, nil
}

// OpenSource derives the device key for devID and validates src's
// container header, for callers (the catalog's S3 track source, in
// particular) whose track isn't a plain local file. closer is released
// alongside the key on Close or on any failure in this constructor.
func OpenSource(src io.ReadSeeker, closer io.Closer, devID string) (*Decryptor, error) {
	key := keyderiv.Derive(devID)

	cipher, err := aead.New(key.Bytes())
	if err != nil {
		closer.Close()
		key.Destroy()
		return nil, fmt.Errorf("decryptor: build cipher: %w", err)
	}

	reader, err := container.Open(src)
	if err != nil {
		closer.Close()
		key.Destroy()
		return nil, err
	}

	return &Decryptor{closer: closer, reader: reader, cipher: cipher, key: key}, nil
}

// TotalChunks returns the number of chunks in the track.
func (d *Decryptor) TotalChunks() uint32 {
	return d.reader.TotalChunks()
}

// CurrentChunk returns the index of the next chunk DecryptNext will
// return.
func (d *Decryptor) CurrentChunk() uint32 {
	return d.reader.CurrentChunk()
}

// Seek repositions the decryptor to chunk index, clearing no failure
// state: a decryptor that has already latched StatusAuthFailed stays
// unusable regardless of seeks.
func (d *Decryptor) Seek(index uint32) error {
	if d.failed {
		return fmt.Errorf("decryptor: cannot seek, session already failed authentication")
	}
	return d.reader.SeekTo(index)
}

// DecryptNext decrypts and returns the next chunk's plaintext. Once
// StatusAuthFailed is returned, every subsequent call returns it again
// without touching the underlying source.
func (d *Decryptor) DecryptNext() ([]byte, Status, error) {
	if d.failed {
		return nil, StatusAuthFailed, aead.ErrAuthFailed
	}

	nonce, ct, err := d.reader.ReadNext()
	if err != nil {
		if err == io.EOF {
			return nil, StatusEOF, nil
		}
		return nil, StatusIOError, err
	}

	plaintext, err := d.cipher.Open(nonce, ct)
	if err != nil {
		d.failed = true
		return nil, StatusAuthFailed, err
	}
	return plaintext, StatusOK, nil
}

// Close releases the underlying file handle and zeroizes the derived
// key. The Decryptor must not be used afterward.
func (d *Decryptor) Close() error {
	d.key.Destroy()
	return d.closer.Close()
}
