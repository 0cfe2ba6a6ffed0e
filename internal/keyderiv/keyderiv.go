// Package keyderiv derives the per-device content key used by the
// container codec (internal/container) and the streaming decryptor
// (internal/decryptor) from a device identifier.
package keyderiv

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the length in bytes of the derived content key (AES-256).
	KeySize = 32

	// iterations matches the reference implementation's PBKDF2 work
	// factor. Changing it would invalidate every container already
	// bound to a device under the old value.
	iterations = 10000
)

// obfuscatedSalt is the PBKDF2 salt, XOR-obfuscated with xorKey so the
// literal ("PIRAMID_SALT_2024") does not appear as a plain string in
// the binary. This is a cosmetic anti-strings measure only: it adds no
// cryptographic strength, since the key and the deobfuscation routine
// ship together. Do not change this value; doing so breaks every
// container already bound to a device under the current salt.
var obfuscatedSalt = []byte{
	0x05, 0x1c, 0x07, 0x14, 0x18, 0x1c, 0x11, 0x0a,
	0x06, 0x14, 0x19, 0x01, 0x0a, 0x67, 0x65, 0x67,
	0x61,
}

const xorKey = 0x55

// salt deobfuscates the PBKDF2 salt constant. The XOR is applied fresh
// on every call so no deobfuscated copy lingers beyond its use.
func salt() []byte {
	s := make([]byte, len(obfuscatedSalt))
	for i, b := range obfuscatedSalt {
		s[i] = b ^ xorKey
	}
	return s
}

// Key is a derived content key. It must be zeroized via Destroy once
// the holder is done with it; the zero value is not a valid key.
type Key struct {
	bytes [KeySize]byte
}

// Bytes returns the raw key material. The returned slice aliases the
// Key's internal storage and must not be retained past a call to
// Destroy.
func (k *Key) Bytes() []byte {
	return k.bytes[:]
}

// Destroy overwrites the key material with zeros. Safe to call more
// than once.
func (k *Key) Destroy() {
	for i := range k.bytes {
		k.bytes[i] = 0
	}
}

// Derive computes K = PBKDF2-HMAC-SHA256(password=devID, salt=S,
// iters=10_000, dkLen=32). It is a pure function of devID: calling it
// twice with the same identifier yields the same key, and nothing is
// persisted as a side effect.
func Derive(devID string) *Key {
	s := salt()
	defer zeroize(s)

	derived := pbkdf2.Key([]byte(devID), s, iterations, KeySize, sha256.New)
	defer zeroize(derived)

	k := &Key{}
	copy(k.bytes[:], derived)
	return k
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
