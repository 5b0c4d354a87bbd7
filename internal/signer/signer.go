// Package signer implements the credential signing protocol: RSA-4096 key
// pairs, canonical serialization, and the two-pass sign-then-embed format
// that disconnected clients verify with nothing but the product public key.
package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/keygatehq/keygate/internal/model"
)

// keyBits is fixed: every credential ever issued was signed with a 4096-bit
// modulus, and offline verifiers hard-code that expectation. Not configurable.
const keyBits = 4096

// GenerateKeyPair produces a new RSA-4096 key pair as PEM strings
// (PKCS#1 private, PKIX public).
func GenerateKeyPair() (privPEM, pubPEM string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return "", "", fmt.Errorf("generate rsa key: %w", err)
	}

	privPEM = string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM = string(pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubDER,
	}))

	return privPEM, pubPEM, nil
}

// canonicalBytes is the single canonical serialization used as signing input
// and as the transported payload. It is called twice per Sign: once with the
// signature cleared to compute the signature, once after embedding it.
func canonicalBytes(c *model.Credential) ([]byte, error) {
	return json.Marshal(c)
}

// Sign signs cred with the product private key and returns the transport-safe
// blob: base64 over the canonical JSON, which itself embeds the base64
// PKCS#1 v1.5 signature computed over the record with its signature cleared.
// cred.Signature is populated as a side effect.
func Sign(cred *model.Credential, privPEM string) (string, error) {
	key, err := parsePrivateKey(privPEM)
	if err != nil {
		return "", model.CryptoErr("decode private key", err)
	}

	cred.Signature = ""
	unsigned, err := canonicalBytes(cred)
	if err != nil {
		return "", model.CryptoErr("serialize credential", err)
	}

	digest := sha256.Sum256(unsigned)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", model.CryptoErr("sign credential", err)
	}
	cred.Signature = base64.StdEncoding.EncodeToString(sig)

	payload, err := canonicalBytes(cred)
	if err != nil {
		return "", model.CryptoErr("serialize signed credential", err)
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

// Reason tags a verification outcome. Every failure path maps to exactly one
// reason so callers and tests can distinguish a mangled file from a forged one.
type Reason string

const (
	ReasonOK               Reason = "ok"
	ReasonFormat           Reason = "format_error"
	ReasonUnsigned         Reason = "unsigned"
	ReasonTampered         Reason = "tampered"
	ReasonExpired          Reason = "expired"
	ReasonHardwareMismatch Reason = "hardware_mismatch"
)

// Result is the outcome of a Verify call. Verification never panics or
// returns a bare error past this boundary: failures are tagged results.
type Result struct {
	Valid      bool
	Reason     Reason
	Credential *model.Credential
	Err        error
}

// Verify reverses the outer encoding, checks the embedded signature over the
// canonical form with the signature field cleared, then applies the policy
// checks in order: expiration, then hardware binding. currentHardwareID may
// be empty to skip the hardware check (offline tooling, admin inspection).
func Verify(blob, pubPEM, currentHardwareID string, now time.Time) Result {
	pub, err := parsePublicKey(pubPEM)
	if err != nil {
		return Result{Reason: ReasonFormat, Err: err}
	}

	payload, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return Result{Reason: ReasonFormat, Err: fmt.Errorf("outer decode: %w", err)}
	}

	var cred model.Credential
	if err := json.Unmarshal(payload, &cred); err != nil {
		return Result{Reason: ReasonFormat, Err: fmt.Errorf("decode credential: %w", err)}
	}

	if cred.Signature == "" {
		return Result{Reason: ReasonUnsigned, Credential: &cred}
	}
	sig, err := base64.StdEncoding.DecodeString(cred.Signature)
	if err != nil {
		return Result{Reason: ReasonFormat, Credential: &cred, Err: fmt.Errorf("decode signature: %w", err)}
	}

	embedded := cred.Signature
	cred.Signature = ""
	unsigned, err := canonicalBytes(&cred)
	cred.Signature = embedded
	if err != nil {
		return Result{Reason: ReasonFormat, Credential: &cred, Err: err}
	}

	digest := sha256.Sum256(unsigned)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return Result{Reason: ReasonTampered, Credential: &cred}
	}

	if cred.ExpirationDate != nil && cred.ExpirationDate.Before(now) {
		return Result{Reason: ReasonExpired, Credential: &cred}
	}

	if cred.HardwareID != "" && currentHardwareID != "" {
		if model.NormalizeHardwareID(cred.HardwareID) != model.NormalizeHardwareID(currentHardwareID) {
			return Result{Reason: ReasonHardwareMismatch, Credential: &cred}
		}
	}

	return Result{Valid: true, Reason: ReasonOK, Credential: &cred}
}

func parsePrivateKey(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("no PEM block in private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	// Older exports used PKCS#8 wrapping.
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return key, nil
}

func parsePublicKey(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, errors.New("no PEM block in public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		// PKCS#1 public keys appear in keys migrated from other tooling.
		if pk1, err1 := x509.ParsePKCS1PublicKey(block.Bytes); err1 == nil {
			return pk1, nil
		}
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return pub, nil
}
