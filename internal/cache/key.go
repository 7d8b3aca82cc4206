package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// MaxNormalizedLength bounds the normalized message prefix (in runes) that
// takes part in cache and dedup keys.
const MaxNormalizedLength = 100

// Key identifies a cached reply: the normalized message, the response mode
// and the token budget the reply was generated with.
type Key struct {
	Mode        string
	TokenBudget int
	Normalized  string
}

// NewKey normalizes message and builds the key for (message, mode, budget).
func NewKey(message, mode string, tokenBudget int) Key {
	return Key{
		Mode:        strings.ToLower(strings.TrimSpace(mode)),
		TokenBudget: tokenBudget,
		Normalized:  NormalizeMessage(message),
	}
}

// NormalizeMessage lowercases, trims, collapses whitespace runs and
// truncates to MaxNormalizedLength runes. It is idempotent.
func NormalizeMessage(message string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(message)), " ")

	runes := []rune(normalized)
	if len(runes) > MaxNormalizedLength {
		normalized = strings.TrimSpace(string(runes[:MaxNormalizedLength]))
	}
	return normalized
}

// String converts the structured key into the string used by the backends.
func (k Key) String() string {
	// reply:<MODE>:<BUDGET>:<HASH_HEX>
	return fmt.Sprintf("reply:%s:%d:%s", k.Mode, k.TokenBudget, k.Hash())
}

// Hash is the first 8 bytes of sha256(normalized message), hex encoded.
func (k Key) Hash() string {
	sum := sha256.Sum256([]byte(k.Normalized))
	return hex.EncodeToString(sum[:8])
}

type keyParts struct {
	mode   string
	budget int
	hash   string
}

// parseKey splits a Key.String() back into its parts for log fields.
func parseKey(key string) (keyParts, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != "reply" {
		return keyParts{}, false
	}
	budget, err := strconv.Atoi(parts[2])
	if err != nil {
		return keyParts{}, false
	}
	return keyParts{mode: parts[1], budget: budget, hash: parts[3]}, true
}
