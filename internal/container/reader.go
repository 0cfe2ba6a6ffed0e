package container

import (
	"fmt"
	"io"

	"github.com/kenchrcum/abby/internal/aead"
)

// Reader provides random-access reads over the chunk records of an
// already-open container v2 source. It validates the header once at
// construction and otherwise deals only in raw (nonce||tag||
// ciphertext) records; decrypting and authenticating those records is
// internal/decryptor's job.
type Reader struct {
	src          io.ReadSeeker
	header       Header
	currentChunk uint32
}

// Open validates the container header read from src and returns a
// Reader positioned at chunk 0. On any header validation failure the
// returned Reader is nil and the error is one of ErrBadMagic,
// ErrBadVersion, or ErrTruncated: the source never becomes usable.
func Open(src io.ReadSeeker) (*Reader, error) {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("container: seek to header: %w", err)
	}
	header, err := DecodeHeader(src)
	if err != nil {
		return nil, err
	}
	return &Reader{src: src, header: header}, nil
}

// TotalChunks returns the number of chunks recorded in the header.
func (r *Reader) TotalChunks() uint32 {
	return r.header.NChunks
}

// CurrentChunk returns the index of the next chunk ReadNext will
// return.
func (r *Reader) CurrentChunk() uint32 {
	return r.currentChunk
}

// SeekTo repositions the reader so the next ReadNext call returns
// chunk index. index must be <= TotalChunks(); index == TotalChunks()
// is valid and simply puts the reader at end-of-stream.
func (r *Reader) SeekTo(index uint32) error {
	if index > r.header.NChunks {
		return fmt.Errorf("container: seek target %d exceeds total chunks %d", index, r.header.NChunks)
	}
	offset := ChunkOffset(index)
	if _, err := r.src.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("container: seek: %w", err)
	}
	r.currentChunk = index
	return nil
}

// ReadNext reads the next chunk's raw record (nonce || tag ||
// ciphertext) and advances the cursor. It returns io.EOF once every
// chunk has been read. The final chunk's ciphertext may be shorter
// than ChunkSize; this is read to end-of-file exactly rather than
// assuming a fixed trailing size.
func (r *Reader) ReadNext() (nonce, tagAndCiphertext []byte, err error) {
	if r.currentChunk >= r.header.NChunks {
		return nil, nil, io.EOF
	}

	nonce = make([]byte, aead.NonceSize)
	if _, err := io.ReadFull(r.src, nonce); err != nil {
		return nil, nil, fmt.Errorf("container: read nonce for chunk %d: %w", r.currentChunk, wrapIOErr(err))
	}

	isLast := r.currentChunk == r.header.NChunks-1
	if !isLast {
		buf := make([]byte, aead.TagSize+ChunkSize)
		if _, err := io.ReadFull(r.src, buf); err != nil {
			return nil, nil, fmt.Errorf("container: read chunk %d: %w", r.currentChunk, wrapIOErr(err))
		}
		r.currentChunk++
		return nonce, buf, nil
	}

	// Final chunk: read to EOF exactly rather than assuming a fixed
	// size, since its plaintext (and therefore ciphertext) length may
	// be anywhere in 1..=ChunkSize.
	rest, err := io.ReadAll(r.src)
	if err != nil {
		return nil, nil, fmt.Errorf("container: read final chunk %d: %w", r.currentChunk, err)
	}
	if len(rest) < aead.TagSize+1 {
		return nil, nil, fmt.Errorf("container: final chunk %d shorter than tag size: %w", r.currentChunk, ErrTruncated)
	}
	r.currentChunk++
	return nonce, rest, nil
}

func wrapIOErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrTruncated
	}
	return err
}
