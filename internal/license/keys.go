package license

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// DefaultKeyPrefix is used when no prefix is configured.
const DefaultKeyPrefix = "LIC"

// KeyPattern matches XXX-XXXX-XXXX-XXXX format
var KeyPattern = regexp.MustCompile(`^[A-Z0-9]{3}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

const (
	keyAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	keySalt     = "LICENSE_SERVER_KEY_V1"
)

// GenerateKey generates a new license key. The last group is a checksum
// over the first twelve characters.
func GenerateKey(prefix string) (string, error) {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if len(prefix) != 3 || !isAlphanumeric(prefix) {
		return "", fmt.Errorf("key prefix must be 3 alphanumeric characters, got %q", prefix)
	}

	part2, err := randomAlphanumeric(4)
	if err != nil {
		return "", err
	}
	part3, err := randomAlphanumeric(4)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s-%s-%s-%s", prefix, part2, part3, keyChecksum(prefix+part2+part3)), nil
}

// NormalizeKey trims and upper-cases a client-presented key.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// ValidKeyFormat reports whether key has the expected layout and checksum.
func ValidKeyFormat(key string) bool {
	key = NormalizeKey(key)
	if !KeyPattern.MatchString(key) {
		return false
	}
	parts := strings.Split(key, "-")
	return parts[3] == keyChecksum(parts[0]+parts[1]+parts[2])
}

func keyChecksum(payload string) string {
	hash := sha256.Sum256([]byte(payload + keySalt))
	return strings.ToUpper(hex.EncodeToString(hash[:])[:4])
}

func randomAlphanumeric(length int) (string, error) {
	max := big.NewInt(int64(len(keyAlphabet)))
	result := make([]byte, length)
	for i := range result {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		result[i] = keyAlphabet[n.Int64()]
	}
	return string(result), nil
}

func isAlphanumeric(s string) bool {
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
