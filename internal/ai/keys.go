package ai

import (
	"fmt"
	"strings"
)

// NormalizeAPIKey strips formatting noise that commonly appears in env-var values.
func NormalizeAPIKey(raw string) string {
	key := strings.TrimSpace(raw)
	if key == "" {
		return ""
	}

	key = strings.Trim(key, `"'`)
	key = strings.TrimSpace(key)
	if len(key) >= len("bearer ") && strings.EqualFold(key[:len("bearer ")], "bearer ") {
		key = strings.TrimSpace(key[len("bearer "):])
	}

	// Strip both literal escapes and actual control characters.
	key = strings.ReplaceAll(key, `\r`, "")
	key = strings.ReplaceAll(key, `\n`, "")
	key = strings.ReplaceAll(key, "\r", "")
	key = strings.ReplaceAll(key, "\n", "")
	key = strings.ReplaceAll(key, "\t", "")

	// Keep only visible ASCII bytes to avoid malformed Authorization headers.
	filtered := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		b := key[i]
		if b >= 33 && b <= 126 {
			filtered = append(filtered, b)
		}
	}

	return strings.TrimSpace(string(filtered))
}

// CheckAPIKey validates the shape of a provider key after normalization.
// The replay provider needs no key.
func CheckAPIKey(provider, raw string) error {
	key := NormalizeAPIKey(raw)
	switch provider {
	case ProviderReplay:
		return nil
	case ProviderClaude:
		if key == "" {
			return fmt.Errorf("claude: API key is required")
		}
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("claude: API key should start with sk-ant-")
		}
	case ProviderGemini:
		if key == "" {
			return fmt.Errorf("gemini: API key is required")
		}
		if len(key) < 20 {
			return fmt.Errorf("gemini: API key looks truncated")
		}
	default:
		return fmt.Errorf("unknown provider %q", provider)
	}
	return nil
}
