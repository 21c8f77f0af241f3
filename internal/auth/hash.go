package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id cost for operator API keys. Stored hashes are "salt$key", both
// standard base64.
const (
	keyTime    = 1
	keyMemory  = 64 * 1024 // KiB
	keyThreads = 4
	keyLen     = 32
	saltLen    = 16
)

var errHashFormat = errors.New("auth: malformed operator key hash")

func deriveKey(apiKey string, salt []byte) []byte {
	return argon2.IDKey([]byte(apiKey), salt, keyTime, keyMemory, keyThreads, keyLen)
}

// HashAPIKey hashes an operator API key for the operators table.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	enc := base64.StdEncoding
	return enc.EncodeToString(salt) + "$" + enc.EncodeToString(deriveKey(apiKey, salt)), nil
}

// DummyVerify spends the same work as VerifyAPIKey. The token endpoint calls
// it for unknown operators and operators without a key so both paths take as
// long as a wrong key.
func DummyVerify() {
	_ = deriveKey("", make([]byte, saltLen))
}

// VerifyAPIKey reports whether apiKey matches a hash from HashAPIKey.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	saltPart, keyPart, ok := strings.Cut(encoded, "$")
	if !ok {
		return false, errHashFormat
	}
	salt, err := base64.StdEncoding.DecodeString(saltPart)
	if err != nil {
		return false, fmt.Errorf("%w: salt: %v", errHashFormat, err)
	}
	want, err := base64.StdEncoding.DecodeString(keyPart)
	if err != nil {
		return false, fmt.Errorf("%w: key: %v", errHashFormat, err)
	}
	return subtle.ConstantTimeCompare(want, deriveKey(apiKey, salt)) == 1, nil
}
