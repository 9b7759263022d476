package support

import (
	"encoding/hex"
	"os"
	"strconv"
	"strings"

	"golang.org/x/crypto/blake2b"
)

func GetEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func GetEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func GetEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

// HashKey returns a hex blake2b-256 digest of input, used to build cache keys
// that do not expose the raw address.
func HashKey(input string) string {
	sum := blake2b.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
