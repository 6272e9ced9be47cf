package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// EncryptBox encrypts data for a recipient's public key using TweetNaCl Box.
// Format: [ephemeral public key (32 bytes)][nonce (24 bytes)][encrypted data]
func EncryptBox(data []byte, recipientPublicKey *[32]byte) ([]byte, error) {
	ephemeralPublic, ephemeralPrivate, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral keypair: %w", err)
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	encrypted := box.Seal(nil, data, &nonce, recipientPublicKey, ephemeralPrivate)

	// Bundle: ephemeral pubkey + nonce + encrypted
	result := make([]byte, 32+24+len(encrypted))
	copy(result[0:32], ephemeralPublic[:])
	copy(result[32:56], nonce[:])
	copy(result[56:], encrypted)

	return result, nil
}

// DecryptBox decrypts data encrypted with EncryptBox.
func DecryptBox(encrypted []byte, recipientSecretKey *[32]byte) ([]byte, error) {
	if len(encrypted) < 32+24 {
		return nil, fmt.Errorf("encrypted data too short")
	}

	var ephemeralPublic [32]byte
	copy(ephemeralPublic[:], encrypted[0:32])

	var nonce [24]byte
	copy(nonce[:], encrypted[32:56])

	ciphertext := encrypted[56:]

	decrypted, ok := box.Open(nil, ciphertext, &nonce, &ephemeralPublic, recipientSecretKey)
	if !ok {
		return nil, fmt.Errorf("decryption failed")
	}

	return decrypted, nil
}

// GenerateBoxKeyPair generates a new X25519 key pair for crypto_box encryption.
// Returns (publicKey, privateKey, error).
func GenerateBoxKeyPair() (*[32]byte, *[32]byte, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate box keypair: %w", err)
	}
	return publicKey, privateKey, nil
}
