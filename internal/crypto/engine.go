package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// EnvelopeVersion tags the ciphertext wire format. Reserved for future
// key/algorithm migrations; decryption rejects anything else.
const EnvelopeVersion = "v1"

const (
	dataKeyContext   = "phi-data-v1"
	searchKeyContext = "phi-search-v1"

	nonceSize = 12
	tagSize   = 16
)

var (
	// ErrKeyNotConfigured means no usable master key was provided.
	// Fatal at startup; there is no "encryption optional" mode for PHI.
	ErrKeyNotConfigured = errors.New("encryption key not configured")

	// ErrInvalidEnvelope means the ciphertext is not a well-formed
	// versioned envelope (corruption or not our format).
	ErrInvalidEnvelope = errors.New("invalid ciphertext envelope")

	// ErrAuthenticationFailed means the authentication tag did not
	// verify: wrong key or tampered data. Always fail closed.
	ErrAuthenticationFailed = errors.New("ciphertext authentication failed")

	// ErrCryptoFailure wraps unexpected cipher-layer errors.
	ErrCryptoFailure = errors.New("cipher operation failed")
)

// KeySource supplies the 32-byte master key from the trusted
// configuration source. Called at most once per Engine.
type KeySource func() ([]byte, error)

// HexKeySource adapts a 64-hex-character key string.
func HexKeySource(hexKey string) KeySource {
	return func() ([]byte, error) {
		if hexKey == "" {
			return nil, ErrKeyNotConfigured
		}
		key, err := hex.DecodeString(strings.TrimSpace(hexKey))
		if err != nil {
			return nil, fmt.Errorf("%w: master key is not valid hex", ErrKeyNotConfigured)
		}
		return key, nil
	}
}

// Engine performs field-level authenticated encryption of PHI.
// Stateless after the one-time key load; safe for unbounded concurrent
// use. Construct one at process start and share it by reference.
type Engine struct {
	source KeySource

	once         sync.Once
	initErr      error
	aead         cipher.AEAD
	searchPepper []byte
}

// NewEngine creates an Engine over the given key source. The key is
// loaded lazily on first use; call Ready to force loading at startup.
func NewEngine(source KeySource) *Engine {
	return &Engine{source: source}
}

// Ready loads the key if not yet loaded and reports whether the engine
// can operate. The process should treat an error here as fatal.
func (e *Engine) Ready() error {
	e.init()
	return e.initErr
}

func (e *Engine) init() {
	e.once.Do(func() {
		key, err := e.source()
		if err != nil {
			e.initErr = err
			return
		}
		if len(key) != 32 {
			e.initErr = fmt.Errorf("%w: need 32 bytes, got %d", ErrKeyNotConfigured, len(key))
			return
		}
		dataKey, err := deriveSubkey(key, dataKeyContext)
		if err != nil {
			e.initErr = fmt.Errorf("%w: %v", ErrCryptoFailure, err)
			return
		}
		pepper, err := deriveSubkey(key, searchKeyContext)
		if err != nil {
			e.initErr = fmt.Errorf("%w: %v", ErrCryptoFailure, err)
			return
		}
		block, err := aes.NewCipher(dataKey)
		if err != nil {
			e.initErr = fmt.Errorf("%w: %v", ErrCryptoFailure, err)
			return
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			e.initErr = fmt.Errorf("%w: %v", ErrCryptoFailure, err)
			return
		}
		e.aead = aead
		e.searchPepper = pepper
	})
}

// deriveSubkey derives a 32-byte subkey from the master key using
// HKDF-SHA256 with a fixed context string.
func deriveSubkey(master []byte, context string) ([]byte, error) {
	sub := make([]byte, 32)
	r := hkdf.New(sha256.New, master, nil, []byte(context))
	if _, err := io.ReadFull(r, sub); err != nil {
		return nil, fmt.Errorf("deriving %s subkey: %w", context, err)
	}
	return sub, nil
}

// Encrypt seals plaintext into a versioned envelope
// "v1:<nonce-hex>:<tag-hex>:<ciphertext-hex>". Empty input yields
// empty output: absence is never encrypted as empty-string ciphertext.
func (e *Engine) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	e.init()
	if e.initErr != nil {
		return "", e.initErr
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generating nonce: %v", ErrCryptoFailure, err)
	}
	sealed := e.aead.Seal(nil, nonce, []byte(plaintext), nil)
	// gcm.Seal appends the tag; split it out so the envelope carries
	// nonce, tag and ciphertext as distinct fields.
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return fmt.Sprintf("%s:%s:%s:%s",
		EnvelopeVersion,
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ct),
	), nil
}

// Decrypt opens a versioned envelope. Empty input yields empty output.
// Malformed envelopes fail with ErrInvalidEnvelope; tag mismatches fail
// closed with ErrAuthenticationFailed so callers can tell "wrong key or
// tampered data" from "not our format".
func (e *Engine) Decrypt(envelope string) (string, error) {
	if envelope == "" {
		return "", nil
	}
	e.init()
	if e.initErr != nil {
		return "", e.initErr
	}

	nonce, tag, ct, err := parseEnvelope(envelope)
	if err != nil {
		return "", err
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrAuthenticationFailed
	}
	return string(plaintext), nil
}

func parseEnvelope(envelope string) (nonce, tag, ct []byte, err error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 4 {
		return nil, nil, nil, fmt.Errorf("%w: want 4 fields, got %d", ErrInvalidEnvelope, len(parts))
	}
	if parts[0] != EnvelopeVersion {
		return nil, nil, nil, fmt.Errorf("%w: unrecognized version %q", ErrInvalidEnvelope, parts[0])
	}
	if nonce, err = hex.DecodeString(parts[1]); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: nonce is not valid hex", ErrInvalidEnvelope)
	}
	if len(nonce) != nonceSize {
		return nil, nil, nil, fmt.Errorf("%w: nonce must be %d bytes", ErrInvalidEnvelope, nonceSize)
	}
	if tag, err = hex.DecodeString(parts[2]); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: tag is not valid hex", ErrInvalidEnvelope)
	}
	if len(tag) != tagSize {
		return nil, nil, nil, fmt.Errorf("%w: tag must be %d bytes", ErrInvalidEnvelope, tagSize)
	}
	if ct, err = hex.DecodeString(parts[3]); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: ciphertext is not valid hex", ErrInvalidEnvelope)
	}
	return nonce, tag, ct, nil
}

// SearchHash derives a deterministic, non-reversible digest of a PHI
// value for equality lookups without decryption. The value is trimmed
// and lower-cased first, so "Foo " and "foo" produce the same digest.
// Empty input yields empty output.
func (e *Engine) SearchHash(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	e.init()
	if e.initErr != nil {
		return "", e.initErr
	}

	normalized := strings.ToLower(strings.TrimSpace(value))
	h := sha256.New()
	h.Write(e.searchPepper)
	h.Write([]byte(normalized))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// GenerateMasterKey generates a fresh 32-byte master key and returns it
// hex-encoded for placement in the key configuration source.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generating master key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
