package contextstore

import (
	"math"
	"regexp"
	"strings"

	"github.com/swarmguard/modelrt/internal/types"
)

// whitespaceRun matches one contiguous run of whitespace.
var whitespaceRun = regexp.MustCompile(`\s+`)

// specialChar matches one rune that is neither a word character nor
// whitespace.
var specialChar = regexp.MustCompile(`[^\w\s]`)

// TokenCost is the pinned approximate token-cost formula. Do not tune
// the constants without updating the test vectors: callers on both the
// admission path (resource.Manager) and the optimization path
// (Store.Optimize) depend on the same deterministic, monotone function.
func TokenCost(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += messageTokenCost(m)
	}
	return total
}

func messageTokenCost(m types.Message) int {
	content := strings.TrimSpace(m.Content)
	chars := len([]rune(content))
	charTokens := int(math.Ceil(float64(chars) / 2.0))
	whitespace := len(whitespaceRun.FindAllString(content, -1))
	specials := len(specialChar.FindAllString(content, -1))
	role := 0
	if m.Role != "" {
		role = 5
	}
	raw := charTokens + whitespace + specials + role
	return int(math.Ceil(float64(raw) * 0.75))
}
