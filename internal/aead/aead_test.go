package aead

import (
	"bytes"
	"testing"

	"github.com/kenchrcum/abby/internal/keyderiv"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	k := keyderiv.Derive("MACHINE_test")
	t.Cleanup(k.Destroy)
	return k.Bytes()
}

func TestSealOpenRoundTrip(t *testing.T) {
	c, err := New(testKey(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	plaintext := bytes.Repeat([]byte("hello world"), 100)
	record, err := c.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	nonce, rest := record[:NonceSize], record[NonceSize:]
	got, err := c.Open(nonce, rest)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch")
	}
}

func TestOpenWrongKeyFails(t *testing.T) {
	c1, _ := New(testKey(t))
	k2 := keyderiv.Derive("MACHINE_other")
	defer k2.Destroy()
	c2, _ := New(k2.Bytes())

	record, err := c1.Seal([]byte("secret payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	nonce, rest := record[:NonceSize], record[NonceSize:]
	if _, err := c2.Open(nonce, rest); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestTamperDetected(t *testing.T) {
	c, _ := New(testKey(t))
	record, err := c.Seal([]byte("tamper me"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	tampered := make([]byte, len(record))
	copy(tampered, record)
	tampered[len(tampered)-1] ^= 0xFF

	nonce, rest := tampered[:NonceSize], tampered[NonceSize:]
	if _, err := c.Open(nonce, rest); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed for tampered ciphertext, got %v", err)
	}
}

func TestNoncesAreDistinctAcrossSeals(t *testing.T) {
	c, _ := New(testKey(t))
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		record, err := c.Seal([]byte("x"))
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		nonce := string(record[:NonceSize])
		if seen[nonce] {
			t.Fatalf("nonce collision detected across %d seals", i+1)
		}
		seen[nonce] = true
	}
}
