package crypto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
)

// Cipher is the decrypt/encrypt capability consumed by the update
// dispatcher. It holds the master secret and the per-scope data keys
// (sessions and artifacts share the scope-id keyed map).
//
// Decrypt methods fail soft: a nil/false result means "cannot apply yet"
// (missing key, ciphertext from a newer client, corruption) and must never
// be treated as a fatal error by callers.
type Cipher struct {
	mu       sync.Mutex
	master   []byte
	dataKeys map[string][]byte
}

// NewCipher creates a cipher from the 32-byte master secret.
func NewCipher(masterSecret []byte) (*Cipher, error) {
	if len(masterSecret) != 32 {
		return nil, fmt.Errorf("master secret must be 32 bytes, got %d", len(masterSecret))
	}
	master := make([]byte, 32)
	copy(master, masterSecret)
	return &Cipher{
		master:   master,
		dataKeys: make(map[string][]byte),
	}, nil
}

// SetDataKey stores a raw 32-byte data encryption key for a scope id.
func (c *Cipher) SetDataKey(scopeID string, key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("data key must be 32 bytes, got %d", len(key))
	}
	stored := make([]byte, 32)
	copy(stored, key)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dataKeys[scopeID] = stored
	return nil
}

// UnwrapDataKey decrypts a wrapped dataEncryptionKey and stores it for the
// scope. Raw base64 32-byte keys are accepted as a legacy fallback.
func (c *Cipher) UnwrapDataKey(scopeID, encryptedB64 string) error {
	c.mu.Lock()
	master := c.master
	c.mu.Unlock()

	decrypted, err := DecryptDataEncryptionKey(encryptedB64, master)
	if err != nil {
		raw, decodeErr := base64.StdEncoding.DecodeString(encryptedB64)
		if decodeErr != nil || len(raw) != 32 {
			return fmt.Errorf("decrypt data key: %w", err)
		}
		decrypted = raw
	}
	return c.SetDataKey(scopeID, decrypted)
}

// HasDataKey reports whether a data key is cached for the scope.
func (c *Cipher) HasDataKey(scopeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dataKeys[scopeID]) == 32
}

// Decrypt decrypts a base64 payload for a scope and returns the plaintext
// JSON. The second return is false when no applicable key can open the
// payload.
func (c *Cipher) Decrypt(scopeID, dataB64 string) (json.RawMessage, bool) {
	encrypted, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil || len(encrypted) == 0 {
		return nil, false
	}

	c.mu.Lock()
	dataKey := c.dataKeys[scopeID]
	master := c.master
	c.mu.Unlock()

	// AES-GCM format has version byte 0 and a 12-byte nonce.
	if encrypted[0] == 0 && len(encrypted) >= 1+12+16 {
		key := dataKey
		if len(key) != 32 {
			key = master
		}
		var result json.RawMessage
		if err := DecryptWithDataKey(encrypted, key, &result); err == nil {
			return result, true
		}
		// Fall through to legacy decoding: a SecretBox nonce can also start
		// with a 0 byte.
	}

	var secretKey [32]byte
	if len(dataKey) == 32 {
		copy(secretKey[:], dataKey)
	} else {
		copy(secretKey[:], master)
	}

	var result json.RawMessage
	if err := DecryptLegacy(encrypted, &secretKey, &result); err != nil {
		return nil, false
	}
	return result, true
}

// DecryptEnvelope decrypts an {t:"encrypted", c:...} envelope for a scope.
// Returns (nil, false) when the envelope is absent, not encrypted, or
// cannot be opened.
func (c *Cipher) DecryptEnvelope(scopeID, envelopeType, cipherB64 string) (json.RawMessage, bool) {
	if envelopeType != "encrypted" || cipherB64 == "" {
		return nil, false
	}
	return c.Decrypt(scopeID, cipherB64)
}

// Encrypt encrypts plaintext for a scope and returns base64 ciphertext.
// The scope's data key is preferred; the master secret is used for scopes
// without one (legacy SecretBox format).
func (c *Cipher) Encrypt(scopeID string, data []byte) (string, error) {
	c.mu.Lock()
	dataKey := c.dataKeys[scopeID]
	master := c.master
	c.mu.Unlock()

	var encrypted []byte
	var err error
	if len(dataKey) == 32 {
		encrypted, err = EncryptWithDataKey(json.RawMessage(data), dataKey)
	} else {
		var secretKey [32]byte
		copy(secretKey[:], master)
		encrypted, err = EncryptLegacy(json.RawMessage(data), &secretKey)
	}
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}
