package utils

import (
	"fmt"
	"math/rand"
	"os"
)

// GetEnv returns the value of an environment variable or a fallback default.
func GetEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}

// CreateFolder creates a directory (and parents) if it does not already exist.
func CreateFolder(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("failed to create folder %s: %w", path, err)
		}
	}
	return nil
}

// GenerateUniqueID returns a random 32-bit identifier suitable for tagging
// records emitted within one session.
func GenerateUniqueID() uint32 {
	return rand.Uint32()
}
