// Package container implements the "container v2" on-disk format: a
// track stored as a fixed 13-byte header followed by a sequence of
// independently authenticated chunks. See the package-level constants
// for the exact layout.
package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kenchrcum/abby/internal/aead"
)

const (
	// Magic identifies a container v2 file.
	Magic = "PIRA"
	// Version is the only format version this package understands.
	Version = 2
	// HeaderLen is the exact size of the header in bytes:
	// magic(4) + version(1) + n_chunks(4) + chunk_size(4).
	HeaderLen = 13

	// ChunkSize is the logical plaintext size of every chunk but the
	// last: one second of 44.1kHz stereo 16-bit PCM-equivalent audio.
	// The container format itself is payload-agnostic.
	ChunkSize = 176_400

	recordOverhead = aead.NonceSize + aead.TagSize
)

// Sentinel errors surfaced by Open/decode. These are wrapped into
// OpenFailed by higher layers (internal/decryptor) but are exported
// here so tests and callers can match on them directly.
var (
	ErrBadMagic    = errors.New("container: bad magic")
	ErrBadVersion  = errors.New("container: unsupported version")
	ErrTruncated   = errors.New("container: truncated header")
	ErrSourceEmpty = errors.New("container: source is empty")
)

// Header is the decoded container header.
type Header struct {
	NChunks   uint32
	ChunkSize uint32
}

// DecodeHeader reads and validates the 13-byte header from r. It
// returns ErrBadMagic, ErrBadVersion, or ErrTruncated for any
// malformed header, including a chunk_size field that does not equal
// the ChunkSize constant; a handle built on a failed header must never
// become usable.
func DecodeHeader(r io.Reader) (Header, error) {
	buf := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Header{}, ErrTruncated
		}
		return Header{}, fmt.Errorf("container: read header: %w", err)
	}

	if string(buf[0:4]) != Magic {
		return Header{}, ErrBadMagic
	}
	if buf[4] != Version {
		return Header{}, ErrBadVersion
	}

	h := Header{
		NChunks:   binary.LittleEndian.Uint32(buf[5:9]),
		ChunkSize: binary.LittleEndian.Uint32(buf[9:13]),
	}
	if h.NChunks < 1 {
		return Header{}, ErrTruncated
	}
	if h.ChunkSize != ChunkSize {
		return Header{}, ErrBadVersion
	}
	return h, nil
}

// EncodeHeader writes the 13-byte header for a container with nChunks
// chunks of the given logical chunk size.
func EncodeHeader(w io.Writer, nChunks uint32) error {
	buf := make([]byte, HeaderLen)
	copy(buf[0:4], Magic)
	buf[4] = Version
	binary.LittleEndian.PutUint32(buf[5:9], nChunks)
	binary.LittleEndian.PutUint32(buf[9:13], uint32(ChunkSize))
	_, err := w.Write(buf)
	return err
}

// Encode reads all of src, splits it into ChunkSize plaintext slices
// (the final slice may be shorter), encrypts each with a fresh nonce
// under cipher, and writes header||chunk_0||...||chunk_{n-1} to dst.
//
// Errors are one of ErrSourceEmpty (src yielded zero bytes),
// a wrapped write error, or a wrapped encrypt error.
func Encode(dst io.Writer, src io.Reader, cipher *aead.Cipher) error {
	plaintext, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("container: read source: %w", err)
	}
	if len(plaintext) == 0 {
		return ErrSourceEmpty
	}

	nChunks := (len(plaintext) + ChunkSize - 1) / ChunkSize
	if err := EncodeHeader(dst, uint32(nChunks)); err != nil {
		return fmt.Errorf("container: write header: %w", err)
	}

	for i := 0; i < nChunks; i++ {
		start := i * ChunkSize
		end := start + ChunkSize
		if end > len(plaintext) {
			end = len(plaintext)
		}

		record, err := cipher.Seal(plaintext[start:end])
		if err != nil {
			return fmt.Errorf("container: encrypt chunk %d: %w", i, err)
		}
		if _, err := dst.Write(record); err != nil {
			return fmt.Errorf("container: write chunk %d: %w", i, err)
		}
	}
	return nil
}

// ChunkOffset returns the byte offset of chunk i's encrypted record
// (nonce||tag||ciphertext) within the container file:
// HEADER_LEN + i*(12+16+chunk_size).
func ChunkOffset(i uint32) int64 {
	return HeaderLen + int64(i)*(int64(recordOverhead)+ChunkSize)
}

// RecordSize returns the on-disk size of a full (non-final) chunk
// record, i.e. nonce+tag+ciphertext for ChunkSize plaintext bytes.
func RecordSize() int64 {
	return int64(recordOverhead) + ChunkSize
}
