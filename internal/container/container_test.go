package container

import (
	"bytes"
	"io"
	"testing"

	"github.com/kenchrcum/abby/internal/aead"
	"github.com/kenchrcum/abby/internal/keyderiv"
)

func testCipher(t *testing.T, devID string) *aead.Cipher {
	t.Helper()
	k := keyderiv.Derive(devID)
	t.Cleanup(k.Destroy)
	c, err := aead.New(k.Bytes())
	if err != nil {
		t.Fatalf("aead.New: %v", err)
	}
	return c
}

func TestEncodeDecodeHeaderRoundTrip(t *testing.T) {
	cipher := testCipher(t, "MACHINE_a")
	plaintext := bytes.Repeat([]byte("x"), ChunkSize*2+1234)

	var buf bytes.Buffer
	if err := Encode(&buf, bytes.NewReader(plaintext), cipher); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	r, err := Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if r.TotalChunks() != 3 {
		t.Fatalf("expected 3 chunks, got %d", r.TotalChunks())
	}
}

func TestReadNextRoundTripsAllChunks(t *testing.T) {
	cipher := testCipher(t, "MACHINE_b")
	plaintext := bytes.Repeat([]byte("abcdefgh"), (ChunkSize*2+500)/8+1)

	var buf bytes.Buffer
	if err := Encode(&buf, bytes.NewReader(plaintext), cipher); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	r, err := Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var recovered []byte
	for i := uint32(0); i < r.TotalChunks(); i++ {
		nonce, ct, err := r.ReadNext()
		if err != nil {
			t.Fatalf("ReadNext chunk %d: %v", i, err)
		}
		pt, err := cipher.Open(nonce, ct)
		if err != nil {
			t.Fatalf("decrypt chunk %d: %v", i, err)
		}
		recovered = append(recovered, pt...)
	}

	if _, _, err := r.ReadNext(); err != io.EOF {
		t.Fatalf("expected io.EOF after final chunk, got %v", err)
	}
	if !bytes.Equal(recovered, plaintext) {
		t.Fatalf("recovered plaintext does not match source")
	}
}

func TestWrongDeviceProducesAuthFailed(t *testing.T) {
	cipher := testCipher(t, "MACHINE_owner")
	wrongCipher := testCipher(t, "MACHINE_intruder")

	var buf bytes.Buffer
	if err := Encode(&buf, bytes.NewReader([]byte("track bytes")), cipher); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	r, err := Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	nonce, ct, err := r.ReadNext()
	if err != nil {
		t.Fatalf("ReadNext: %v", err)
	}
	if _, err := wrongCipher.Open(nonce, ct); err != aead.ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed for wrong device key, got %v", err)
	}
}

func TestTamperedChunkFailsAuth(t *testing.T) {
	cipher := testCipher(t, "MACHINE_c")

	var buf bytes.Buffer
	if err := Encode(&buf, bytes.NewReader([]byte("tamper test payload")), cipher); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xFF // flip a bit in the last chunk's tag/ciphertext

	r, err := Open(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	nonce, ct, err := r.ReadNext()
	if err != nil {
		t.Fatalf("ReadNext: %v", err)
	}
	if _, err := cipher.Open(nonce, ct); err != aead.ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed for tampered record, got %v", err)
	}
}

func TestDecodeHeaderRejectsBadMagic(t *testing.T) {
	bad := []byte("XXXX\x02\x01\x00\x00\x00\x04\x00\x00\x00")
	if _, err := DecodeHeader(bytes.NewReader(bad)); err != ErrBadMagic {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestDecodeHeaderRejectsBadVersion(t *testing.T) {
	bad := []byte("PIRA\x09\x01\x00\x00\x00\x04\x00\x00\x00")
	if _, err := DecodeHeader(bytes.NewReader(bad)); err != ErrBadVersion {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
}

func TestDecodeHeaderRejectsTruncated(t *testing.T) {
	bad := []byte("PIRA\x02")
	if _, err := DecodeHeader(bytes.NewReader(bad)); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestEncodeRejectsEmptySource(t *testing.T) {
	cipher := testCipher(t, "MACHINE_d")
	var buf bytes.Buffer
	if err := Encode(&buf, bytes.NewReader(nil), cipher); err != ErrSourceEmpty {
		t.Fatalf("expected ErrSourceEmpty, got %v", err)
	}
}

func TestSeekToRepositionsReader(t *testing.T) {
	cipher := testCipher(t, "MACHINE_e")
	plaintext := bytes.Repeat([]byte("y"), ChunkSize*3)

	var buf bytes.Buffer
	if err := Encode(&buf, bytes.NewReader(plaintext), cipher); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	r, err := Open(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := r.SeekTo(2); err != nil {
		t.Fatalf("SeekTo: %v", err)
	}
	if r.CurrentChunk() != 2 {
		t.Fatalf("expected current chunk 2, got %d", r.CurrentChunk())
	}
	nonce, ct, err := r.ReadNext()
	if err != nil {
		t.Fatalf("ReadNext: %v", err)
	}
	pt, err := cipher.Open(nonce, ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if len(pt) != ChunkSize {
		t.Fatalf("expected final chunk length %d, got %d", ChunkSize, len(pt))
	}
}

func TestChunkOffsetMatchesLayout(t *testing.T) {
	want := int64(HeaderLen)
	if got := ChunkOffset(0); got != want {
		t.Fatalf("ChunkOffset(0) = %d, want %d", got, want)
	}
	want = int64(HeaderLen) + RecordSize()
	if got := ChunkOffset(1); got != want {
		t.Fatalf("ChunkOffset(1) = %d, want %d", got, want)
	}
}
