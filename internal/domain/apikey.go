package domain

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// GenerateDeviceAPIKey generates a new random bearer credential for a
// device. The returned value is shown to the caller exactly once; only
// its bcrypt hash is persisted (see Device.APIKeyHash).
func GenerateDeviceAPIKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	key := strings.TrimRight(base64.URLEncoding.EncodeToString(raw), "=")
	return "dvk_" + key, nil
}

// ValidateDeviceAPIKeyFormat performs a cheap shape check before an
// expensive bcrypt comparison is attempted.
func ValidateDeviceAPIKeyFormat(key string) error {
	if len(key) < 20 {
		return fmt.Errorf("device API key too short")
	}
	if !strings.HasPrefix(key, "dvk_") {
		return fmt.Errorf("invalid device API key prefix")
	}
	return nil
}
