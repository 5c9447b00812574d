package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const keyPrefix = "sbi"
const keyVersion = "v1"

// ParseAPIKey extracts key_id and random_data from API key format.
// Format: sbi-v1-<key_id>-<random_data>, key_id 32 hex chars, random_data 64.
func ParseAPIKey(key string) (keyID, randomData string, err error) {
	parts := strings.Split(key, "-")
	if len(parts) != 4 || parts[0] != keyPrefix || parts[1] != keyVersion {
		return "", "", ErrInvalidKeyFormat
	}

	keyID = parts[2]
	randomData = parts[3]
	if len(keyID) != 32 || len(randomData) != 64 {
		return "", "", ErrInvalidKeyFormat
	}
	for _, c := range keyID + randomData {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", "", ErrInvalidKeyFormat
		}
	}
	return keyID, randomData, nil
}

// ComputeHMAC computes HMAC-SHA256 signature of API key using secret.
func ComputeHMAC(secret []byte, apiKey string) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(apiKey))
	return h.Sum(nil)
}

// VerifyHMAC compares two signatures in constant time.
func VerifyHMAC(expectedHash, computedHash []byte) bool {
	return hmac.Equal(expectedHash, computedHash)
}

// FormatAPIKey constructs API key from components.
func FormatAPIKey(keyID, randomData string) string {
	return fmt.Sprintf("%s-%s-%s-%s", keyPrefix, keyVersion, keyID, randomData)
}

// GenerateAPIKey returns a new key. The key id is a UUID without hyphens.
func GenerateAPIKey() (string, error) {
	random := make([]byte, 32)
	if _, err := rand.Read(random); err != nil {
		return "", fmt.Errorf("failed to read random data: %w", err)
	}
	keyID := strings.ReplaceAll(uuid.NewString(), "-", "")
	return FormatAPIKey(keyID, hex.EncodeToString(random)), nil
}
