/*
Package security provides AES-256-GCM encryption for environment variable
maps and credential generation for provisioned resources.

Environment maps are encrypted before they are written to the state store and
decrypted only when a container environment list is being assembled. The
encryption key is derived from a configured passphrase hashed with SHA-256,
producing a 32-byte key for AES-256. Each encryption uses a fresh random
nonce, which is prepended to the ciphertext before base64 encoding.

Usage Example:

	cipher, err := security.EncryptEnvVars("mysecret", map[string]string{"API_KEY": "abc"})
	if err != nil {
	    log.Fatal(err)
	}

	env, err := security.DecryptEnvVars("mysecret", cipher)
	if err != nil {
	    log.Fatal(err)
	}
*/
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

// EncryptEnvVars encrypts an environment variable map using AES-256-GCM.
//
// The map is serialized to JSON, sealed with a key derived from the
// passphrase via SHA-256, and returned as base64 text suitable for storage
// in a database column. A nil or empty map encrypts to a valid ciphertext
// that round-trips back to an empty map.
//
// Returns an error if serialization or encryption fails.
func EncryptEnvVars(pass string, env map[string]string) (string, error) {
	if env == nil {
		env = map[string]string{}
	}
	plaintext, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to serialize env vars: %w", err)
	}

	key := sha256.Sum256([]byte(pass)) // 32 bytes = AES-256 key
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return "", err
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ciphertext := aesGCM.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptEnvVars decrypts a base64 ciphertext produced by EncryptEnvVars
// back into an environment variable map.
//
// The key is derived from the passphrase via SHA-256. GCM verifies
// authenticity and integrity, so a wrong passphrase or tampered ciphertext
// returns an error rather than garbage. An empty ciphertext decrypts to an
// empty map so callers can treat unset columns uniformly.
func DecryptEnvVars(pass, encoded string) (map[string]string, error) {
	if encoded == "" {
		return map[string]string{}, nil
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	key := sha256.Sum256([]byte(pass))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := aesGCM.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := aesGCM.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt env vars: %w", err)
	}

	env := map[string]string{}
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return nil, fmt.Errorf("failed to deserialize env vars: %w", err)
	}
	return env, nil
}

const (
	alphaNumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	lowerAlpha   = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// GeneratePassword returns a random alphanumeric credential of the given
// length using crypto/rand. Used for database admin passwords and bucket
// secret keys.
func GeneratePassword(length int) (string, error) {
	return randomString(alphaNumeric, length)
}

// GenerateAccessKey returns a random uppercase-friendly access key of the
// given length.
func GenerateAccessKey(length int) (string, error) {
	return randomString(alphaNumeric, length)
}

// GenerateSlug returns a random lowercase slug of the given length, safe
// for use in DNS subdomains and public URL paths.
func GenerateSlug(length int) (string, error) {
	return randomString(lowerAlpha, length)
}

func randomString(charset string, length int) (string, error) {
	if length <= 0 {
		return "", errors.New("length must be positive")
	}
	max := big.NewInt(int64(len(charset)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = charset[n.Int64()]
	}
	return string(out), nil
}
