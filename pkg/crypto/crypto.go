package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnknownKEK is returned when a key is wrapped with a label the ring
// does not hold
var ErrUnknownKEK = errors.New("unknown kek label")

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// VerifyPassword verifies a password against a hash
func VerifyPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// GenerateRandomBytes generates random bytes
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// Encrypt encrypts data using AES-GCM. The nonce is prepended to the
// ciphertext.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts data produced by Encrypt
func Decrypt(key, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// KEKRing holds key-encryption keys by label
type KEKRing struct {
	keys map[string][]byte
}

// NewKEKRing decodes the hex encoded keys. Every key must be a valid AES
// key size.
func NewKEKRing(keys map[string]string) (*KEKRing, error) {
	r := &KEKRing{keys: make(map[string][]byte, len(keys))}
	for label, s := range keys {
		k, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("kek %s: %w", label, err)
		}
		switch len(k) {
		case 16, 24, 32:
		default:
			return nil, fmt.Errorf("kek %s: invalid key size %d", label, len(k))
		}
		r.keys[label] = k
	}
	return r, nil
}

// Wrap encrypts key with the KEK of the label
func (r *KEKRing) Wrap(label string, key []byte) ([]byte, error) {
	kek, ok := r.keys[label]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKEK, label)
	}
	return Encrypt(kek, key)
}

// Unwrap decrypts a key wrapped with the KEK of the label
func (r *KEKRing) Unwrap(label string, wrapped []byte) ([]byte, error) {
	kek, ok := r.keys[label]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKEK, label)
	}
	key, err := Decrypt(kek, wrapped)
	if err != nil {
		return nil, fmt.Errorf("unwrap key: %w", err)
	}
	return key, nil
}
