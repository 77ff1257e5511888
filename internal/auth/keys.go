package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// API keys have the form "tsugi_<key_id>_<secret>". The key id is stored
// in clear for lookup; only the secret is hashed.
const keyPrefix = "tsugi"

// GenerateAPIKey creates a new API key and returns the full key along
// with its public key id.
func GenerateAPIKey() (key, keyID string, err error) {
	idBytes := make([]byte, 6)
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(idBytes); err != nil {
		return "", "", fmt.Errorf("auth: generate key id: %w", err)
	}
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("auth: generate key secret: %w", err)
	}
	keyID = base64.RawURLEncoding.EncodeToString(idBytes)
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	return fmt.Sprintf("%s_%s_%s", keyPrefix, keyID, secret), keyID, nil
}

// SplitAPIKey extracts the key id and secret from a full API key.
func SplitAPIKey(key string) (keyID, secret string, err error) {
	parts := strings.SplitN(key, "_", 3)
	if len(parts) != 3 || parts[0] != keyPrefix || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("auth: malformed api key")
	}
	return parts[1], parts[2], nil
}
