package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	kdfIterations = 100000
	kdfSalt       = "social_media_automation"
)

var (
	// ErrEncryption is returned when a key is absent or malformed, or sealing fails.
	ErrEncryption = errors.New("encryption error")
	// ErrDecryption is returned when ciphertext is corrupt or sealed under an unknown key.
	ErrDecryption = errors.New("decryption error")
)

// Keyring holds every key the gateway may use. Ciphertexts are always produced with ActiveID;
// the remaining keys are kept so older records stay readable after a rotation.
type Keyring struct {
	ActiveID string
	Keys     map[string][]byte
}

// DeriveKey stretches a passphrase into a 32-byte key using PBKDF2-HMAC-SHA256.
func DeriveKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: empty passphrase", ErrEncryption)
	}
	return pbkdf2.Key([]byte(passphrase), []byte(kdfSalt), kdfIterations, KeySize, sha256.New), nil
}

// Gateway encrypts and decrypts token material with AES-256-GCM. A Gateway is immutable after
// New and safe for concurrent use.
type Gateway struct {
	activeID string
	aeads    map[string]cipher.AEAD
}

// New validates the keyring and prepares one AEAD per key.
func New(ring Keyring) (*Gateway, error) {
	if ring.ActiveID == "" {
		return nil, fmt.Errorf("%w: no active key id", ErrEncryption)
	}
	if _, ok := ring.Keys[ring.ActiveID]; !ok {
		return nil, fmt.Errorf("%w: active key %q is not in the keyring", ErrEncryption, ring.ActiveID)
	}

	g := &Gateway{activeID: ring.ActiveID, aeads: make(map[string]cipher.AEAD, len(ring.Keys))}
	for id, key := range ring.Keys {
		if id == "" || strings.Contains(id, ":") {
			return nil, fmt.Errorf("%w: invalid key id %q", ErrEncryption, id)
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("%w: key %q must be %d bytes, got %d", ErrEncryption, id, KeySize, len(key))
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
		}
		g.aeads[id] = aead
	}
	return g, nil
}

// ActiveKeyID returns the id that prefixes newly produced ciphertexts.
func (g *Gateway) ActiveKeyID() string { return g.activeID }

// Encrypt seals plaintext under the active key.
// Output format: "<keyID>:<base64url(nonce || ciphertext || tag)>".
func (g *Gateway) Encrypt(plaintext string) (string, error) {
	aead := g.aeads[g.activeID]
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generate nonce: %v", ErrEncryption, err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(g.activeID))
	return g.activeID + ":" + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt under any key in the keyring.
func (g *Gateway) Decrypt(ciphertext string) (string, error) {
	id, payload, ok := strings.Cut(ciphertext, ":")
	if !ok {
		return "", fmt.Errorf("%w: missing key id prefix", ErrDecryption)
	}
	aead, ok := g.aeads[id]
	if !ok {
		return "", fmt.Errorf("%w: unknown key id %q", ErrDecryption, id)
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, []byte(id))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return string(plain), nil
}
