// Package token validates capability tokens presented to the Command
// Broker: three base64url segments, a SHA-256 signature over the
// header and payload segments, and an expiry/permission check against
// the decoded payload.
//
// No signed-token library (JWT or otherwise) appears anywhere in the
// example pack, so this is built directly on crypto/rsa, crypto/ecdsa,
// and encoding/base64 (see DESIGN.md for the standard-library
// justification).
package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ryanuber/go-glob"
)

// Validation errors, surfaced to the broker for its reply text.
var (
	ErrMalformed        = errors.New("token: malformed, expected 3 segments")
	ErrMalformedPayload = errors.New("token: malformed payload encoding")
	ErrInvalidSignature = errors.New("token: invalid signature")
	ErrExpired          = errors.New("token: expired")
)

// Payload is the decoded claim set of a validated token.
type Payload struct {
	Expiry      int64           `json:"exp"`
	Permissions []string        `json:"permissions"`
	Raw         json.RawMessage `json:"-"`
}

// HasPermission reports whether required matches one of the token's
// granted permissions. Matching is glob-aware (e.g. "tracks.*" grants
// "tracks.jazz") to mirror how the catalog's required-permission
// strings are authored.
func (p Payload) HasPermission(required string) bool {
	if required == "" {
		return true
	}
	for _, granted := range p.Permissions {
		if glob.Glob(granted, required) {
			return true
		}
	}
	return false
}

// Validator verifies tokens against a single configured public key.
// The key's concrete type (RSA or ECDSA) dictates the verification
// scheme; callers never need to know which one is in use.
type Validator struct {
	rsaKey *rsa.PublicKey
	ecKey  *ecdsa.PublicKey
}

// NewValidator parses a PEM-encoded public key (RSA or EC) and returns
// a Validator bound to it.
func NewValidator(pemBytes []byte) (*Validator, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("token: no PEM block found in public key")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("token: parse public key: %w", err)
	}

	v := &Validator{}
	switch key := pub.(type) {
	case *rsa.PublicKey:
		v.rsaKey = key
	case *ecdsa.PublicKey:
		v.ecKey = key
	default:
		return nil, fmt.Errorf("token: unsupported public key type %T", pub)
	}
	return v, nil
}

// Validate parses raw, verifies its signature, and checks expiry. On
// success it returns the decoded Payload with now already compared
// against exp.
func (v *Validator) Validate(raw string, now time.Time) (Payload, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return Payload{}, ErrMalformed
	}
	headerSeg, payloadSeg, sigSeg := parts[0], parts[1], parts[2]

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadSeg)
	if err != nil {
		return Payload{}, ErrMalformedPayload
	}

	sig, err := base64.RawURLEncoding.DecodeString(sigSeg)
	if err != nil {
		return Payload{}, ErrMalformedPayload
	}

	signingInput := headerSeg + "." + payloadSeg
	if err := v.verify([]byte(signingInput), sig); err != nil {
		return Payload{}, ErrInvalidSignature
	}

	var p Payload
	if err := json.Unmarshal(payloadJSON, &p); err != nil {
		return Payload{}, ErrMalformedPayload
	}
	p.Raw = payloadJSON

	if p.Expiry != 0 && now.Unix() > p.Expiry {
		return p, ErrExpired
	}
	return p, nil
}

// verify checks sig against the SHA-256 digest of signingInput using
// whichever key type this Validator was constructed with.
func (v *Validator) verify(signingInput, sig []byte) error {
	digest := sha256.Sum256(signingInput)

	if v.rsaKey != nil {
		if err := rsa.VerifyPKCS1v15(v.rsaKey, crypto.SHA256, digest[:], sig); err != nil {
			return ErrInvalidSignature
		}
		return nil
	}
	if !ecdsa.VerifyASN1(v.ecKey, digest[:], sig) {
		return ErrInvalidSignature
	}
	return nil
}
