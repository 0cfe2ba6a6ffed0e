package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"
	"time"
)

func marshalPublicKeyPEM(t *testing.T, pub any) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func buildRSAToken(t *testing.T, priv *rsa.PrivateKey, payloadJSON string) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(payloadJSON))
	signingInput := header + "." + payload
	digest := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("SignPKCS1v15: %v", err)
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func buildECToken(t *testing.T, priv *ecdsa.PrivateKey, payloadJSON string) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"ES256"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(payloadJSON))
	signingInput := header + "." + payload
	digest := sha256.Sum256([]byte(signingInput))
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		t.Fatalf("SignASN1: %v", err)
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func TestValidateRSAValidToken(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	v, err := NewValidator(marshalPublicKeyPEM(t, &priv.PublicKey))
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	now := time.Unix(1000, 0)
	raw := buildRSAToken(t, priv, `{"exp":2000,"permissions":["tracks.*"]}`)

	p, err := v.Validate(raw, now)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !p.HasPermission("tracks.jazz") {
		t.Fatalf("expected glob permission match")
	}
}

func TestValidateECDSAValidToken(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	v, err := NewValidator(marshalPublicKeyPEM(t, &priv.PublicKey))
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	now := time.Unix(1000, 0)
	raw := buildECToken(t, priv, `{"exp":2000,"permissions":["vip"]}`)

	p, err := v.Validate(raw, now)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !p.HasPermission("vip") {
		t.Fatalf("expected exact permission match")
	}
}

func TestValidateExpiredToken(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	v, _ := NewValidator(marshalPublicKeyPEM(t, &priv.PublicKey))

	raw := buildRSAToken(t, priv, `{"exp":500}`)
	_, err := v.Validate(raw, time.Unix(1000, 0))
	if err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestValidateMalformedSegments(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	v, _ := NewValidator(marshalPublicKeyPEM(t, &priv.PublicKey))

	_, err := v.Validate("only.two", time.Now())
	if err != ErrMalformed {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestValidateTamperedSignatureFails(t *testing.T) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)
	v, _ := NewValidator(marshalPublicKeyPEM(t, &priv.PublicKey))

	raw := buildRSAToken(t, priv, `{"exp":2000}`)
	tampered := raw[:len(raw)-2] + "xx"

	_, err := v.Validate(tampered, time.Unix(1000, 0))
	if err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestValidateWrongKeyFails(t *testing.T) {
	signer, _ := rsa.GenerateKey(rand.Reader, 2048)
	other, _ := rsa.GenerateKey(rand.Reader, 2048)
	v, _ := NewValidator(marshalPublicKeyPEM(t, &other.PublicKey))

	raw := buildRSAToken(t, signer, `{"exp":2000}`)
	_, err := v.Validate(raw, time.Unix(1000, 0))
	if err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature for wrong key, got %v", err)
	}
}
