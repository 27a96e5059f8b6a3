package kvstore

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// Encrypted wraps a Store and seals every blob with nacl secretbox. Devices
// that hold business data offline (queued writes, cached rosters) can demand
// at-rest protection; keys stay plaintext so prefix enumeration still works.
type Encrypted struct {
	inner Store
	key   [32]byte
}

// NewEncrypted derives a secretbox key from passphrase and wraps inner.
func NewEncrypted(inner Store, passphrase string) *Encrypted {
	return &Encrypted{inner: inner, key: sha256.Sum256([]byte(passphrase))}
}

func (e *Encrypted) SetBytes(key string, blob []byte) error {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("kvstore: nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], blob, &nonce, &e.key)
	return e.inner.SetBytes(key, sealed)
}

func (e *Encrypted) GetBytes(key string) ([]byte, bool, error) {
	sealed, ok, err := e.inner.GetBytes(key)
	if err != nil || !ok {
		return nil, ok, err
	}
	if len(sealed) < 24 {
		return nil, false, fmt.Errorf("kvstore: sealed blob under %q too short", key)
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	blob, valid := secretbox.Open(nil, sealed[24:], &nonce, &e.key)
	if !valid {
		return nil, false, fmt.Errorf("kvstore: blob under %q failed authentication", key)
	}
	return blob, true, nil
}

func (e *Encrypted) RemoveKey(key string) error { return e.inner.RemoveKey(key) }

func (e *Encrypted) AllKeys() ([]string, error) { return e.inner.AllKeys() }

func (e *Encrypted) Close() error { return e.inner.Close() }
