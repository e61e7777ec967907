// Package vault encrypts and decrypts tenant bot credentials at rest.
//
// Ciphertext is stored as a self-describing envelope:
//
//	enc:v1:<base64(nonce || sealed)>
//
// where sealed is the XChaCha20-Poly1305 output (ciphertext plus the
// 16-byte authentication tag). Whether a stored value is ciphertext is a
// parse of the envelope marker, never a guess from its shape.
package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const envelopePrefix = "enc:v1:"

var (
	// ErrNotEnvelope means the value carries no envelope marker at all.
	ErrNotEnvelope = errors.New("vault: value is not a credential envelope")
	// ErrMalformedEnvelope means the marker is present but the payload is not
	// well-formed (bad base64, or too short to hold nonce and tag).
	ErrMalformedEnvelope = errors.New("vault: malformed credential envelope")
	// ErrDecryptFailed means authentication failed; the envelope was tampered
	// with or sealed under a different key.
	ErrDecryptFailed = errors.New("vault: credential decryption failed")
	// ErrInvalidToken means the decrypted plaintext does not look like a bot
	// API token.
	ErrInvalidToken = errors.New("vault: decrypted value is not a valid bot token")
	// ErrSelfTest means the startup round-trip check failed and the vault
	// must not be used.
	ErrSelfTest = errors.New("vault: self test failed")
)

// Bot API tokens are "<numeric id>:<30+ chars of [A-Za-z0-9_-]>".
var tokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]{30,}$`)

// Vault seals and opens bot credentials with a process-wide master key.
// It holds no mutable state and is safe for concurrent use.
type Vault struct {
	key []byte
}

// New builds a Vault from a hex-encoded 32-byte master key.
func New(masterKeyHex string) (*Vault, error) {
	key, err := hex.DecodeString(strings.TrimSpace(masterKeyHex))
	if err != nil {
		return nil, fmt.Errorf("vault: decode master key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("vault: master key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Vault{key: key}, nil
}

// Encrypt seals a plaintext bot token into an envelope string.
func (v *Vault) Encrypt(token string) (string, error) {
	token = strings.TrimSpace(token)
	if !tokenPattern.MatchString(token) {
		return "", ErrInvalidToken
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, []byte(token), nil)
	payload := append(nonce, sealed...)
	return envelopePrefix + base64.StdEncoding.EncodeToString(payload), nil
}

// Decrypt opens an envelope produced by Encrypt and returns the plaintext
// token. It fails closed: any malformed envelope, authentication failure,
// or implausible plaintext yields an error and an empty string.
func (v *Vault) Decrypt(envelope string) (string, error) {
	payload, err := parseEnvelope(envelope)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: init cipher: %w", err)
	}
	nonce := payload[:aead.NonceSize()]
	sealed := payload[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	token := string(plain)
	if !tokenPattern.MatchString(token) {
		return "", ErrInvalidToken
	}
	return token, nil
}

// IsEnvelope reports whether the value parses as a credential envelope.
func IsEnvelope(value string) bool {
	_, err := parseEnvelope(value)
	return err == nil
}

// SelfTest encrypts and decrypts a known token and verifies the round trip.
// A vault that fails this check must not be used to materialize credentials.
func (v *Vault) SelfTest() error {
	const probe = "10000000:AAEStartupSelfTestProbeValue0000000"
	envelope, err := v.Encrypt(probe)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSelfTest, err)
	}
	got, err := v.Decrypt(envelope)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSelfTest, err)
	}
	if got != probe {
		return ErrSelfTest
	}
	return nil
}

func parseEnvelope(envelope string) ([]byte, error) {
	envelope = strings.TrimSpace(envelope)
	if !strings.HasPrefix(envelope, envelopePrefix) {
		return nil, ErrNotEnvelope
	}
	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(envelope, envelopePrefix))
	if err != nil {
		return nil, ErrMalformedEnvelope
	}
	// Nonce plus at least the Poly1305 tag.
	if len(payload) <= chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, ErrMalformedEnvelope
	}
	return payload, nil
}
