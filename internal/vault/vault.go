package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	envelopeVersion = "v1"
	keySize         = 32
	nonceSize       = 12
	tagSize         = 16
	hintSuffixLen   = 4
	hintMask        = "****"
)

// ErrCredentialNotFound indicates no usable secret exists for the requested
// (user, provider) pair. Integrity failures on a stored envelope surface as
// this same error so callers never learn why decryption failed.
var ErrCredentialNotFound = errors.New("credential not found")

// ErrEnvelopeFormat indicates a stored envelope does not match the versioned
// four-field shape.
var ErrEnvelopeFormat = errors.New("malformed credential envelope")

// Record describes one stored credential. It never carries plaintext; Hint
// is the only representation of the secret ever returned to callers.
type Record struct {
	UserID    string    `json:"-"`
	Provider  string    `json:"provider"`
	Envelope  string    `json:"-"`
	Hint      string    `json:"hint"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Vault encrypts, stores and retrieves provider credentials. The encryption
// key is process-wide configuration fixed at construction; Vault is safe for
// concurrent use when its Store is.
type Vault struct {
	aead  cipher.AEAD
	store Store
}

// ParseMasterKey decodes a master key supplied as 64 hex characters or as
// base64 of 32 bytes. A malformed or wrong-length key is a startup error.
func ParseMasterKey(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("master key must not be empty")
	}

	if decoded, err := hex.DecodeString(trimmed); err == nil && len(decoded) == keySize {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil && len(decoded) == keySize {
		return decoded, nil
	}
	return nil, fmt.Errorf("master key must decode to %d bytes of hex or base64", keySize)
}

// New constructs a Vault from a 32-byte master key and a backing store.
func New(key []byte, store Store) (*Vault, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keySize, len(key))
	}
	if store == nil {
		return nil, errors.New("store must not be nil")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initialise cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initialise GCM: %w", err)
	}

	return &Vault{aead: aead, store: store}, nil
}

// Save encrypts plaintext and upserts the record for (userID, provider),
// replacing any previous envelope and hint atomically.
func (v *Vault) Save(userID, provider, plaintext string) (Record, error) {
	if strings.TrimSpace(plaintext) == "" {
		return Record{}, fmt.Errorf("empty credential for provider %s", provider)
	}

	envelope, err := v.seal(plaintext)
	if err != nil {
		return Record{}, fmt.Errorf("encrypt credential for provider %s: %w", provider, err)
	}

	now := time.Now().UTC()
	record := Record{
		UserID:    userID,
		Provider:  provider,
		Envelope:  envelope,
		Hint:      Hint(plaintext),
		CreatedAt: now,
		UpdatedAt: now,
	}

	stored, err := v.store.Put(record)
	if err != nil {
		return Record{}, fmt.Errorf("store credential for provider %s: %w", provider, err)
	}
	return stored, nil
}

// Load decrypts and returns the plaintext credential for (userID, provider).
// Absence, envelope corruption and integrity failures all report
// ErrCredentialNotFound.
func (v *Vault) Load(userID, provider string) (string, error) {
	record, err := v.store.Get(userID, provider)
	if err != nil {
		return "", fmt.Errorf("provider %s, user %s: %w", provider, userID, ErrCredentialNotFound)
	}

	plaintext, err := v.open(record.Envelope)
	if err != nil {
		// Deliberately indistinguishable from a missing credential.
		return "", fmt.Errorf("provider %s, user %s: %w", provider, userID, ErrCredentialNotFound)
	}
	return plaintext, nil
}

// Delete removes the credential for (userID, provider).
func (v *Vault) Delete(userID, provider string) error {
	if err := v.store.Delete(userID, provider); err != nil {
		return fmt.Errorf("provider %s, user %s: %w", provider, userID, ErrCredentialNotFound)
	}
	return nil
}

// List returns all records stored for userID, hints only.
func (v *Vault) List(userID string) ([]Record, error) {
	return v.store.List(userID)
}

// seal produces the versioned colon-delimited envelope
// "v1:<b64 nonce>:<b64 tag>:<b64 ciphertext>".
func (v *Vault) seal(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	b64 := base64.StdEncoding
	return strings.Join([]string{
		envelopeVersion,
		b64.EncodeToString(nonce),
		b64.EncodeToString(tag),
		b64.EncodeToString(ciphertext),
	}, ":"), nil
}

// open validates and decrypts an envelope produced by seal. Unknown versions
// fail closed.
func (v *Vault) open(envelope string) (string, error) {
	fields := strings.Split(envelope, ":")
	if len(fields) != 4 {
		return "", fmt.Errorf("%w: expected 4 fields, got %d", ErrEnvelopeFormat, len(fields))
	}
	if fields[0] != envelopeVersion {
		return "", fmt.Errorf("%w: unknown version %q", ErrEnvelopeFormat, fields[0])
	}

	b64 := base64.StdEncoding
	nonce, err := b64.DecodeString(fields[1])
	if err != nil || len(nonce) != nonceSize {
		return "", fmt.Errorf("%w: bad nonce", ErrEnvelopeFormat)
	}
	tag, err := b64.DecodeString(fields[2])
	if err != nil || len(tag) != tagSize {
		return "", fmt.Errorf("%w: bad tag", ErrEnvelopeFormat)
	}
	ciphertext, err := b64.DecodeString(fields[3])
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext", ErrEnvelopeFormat)
	}

	plaintext, err := v.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", errors.New("envelope integrity check failed")
	}
	return string(plaintext), nil
}

// Hint computes the non-reversible display form of a secret: a redaction
// marker keeping only a short suffix. Secrets no longer than the suffix are
// fully masked.
func Hint(plaintext string) string {
	if len(plaintext) <= hintSuffixLen {
		return hintMask
	}
	return hintMask + plaintext[len(plaintext)-hintSuffixLen:]
}
