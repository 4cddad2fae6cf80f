package shared

import (
	"regexp"
	"sort"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns match credentials a worker may echo into its output. A
// pattern with two groups keeps the first (the label) and hides the second.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Anthropic and OpenAI style keys.
	regexp.MustCompile(`sk-(?:ant-)?[A-Za-z0-9_\-]{20,}`),
	// GitHub tokens; workers push branches and open PRs.
	regexp.MustCompile(`\b(?:ghp|gho|ghs|ghu|github_pat)_[A-Za-z0-9_]{20,}`),
	// Credentials embedded in git remote URLs.
	regexp.MustCompile(`(https?://[^/\s:@]+:)([^@\s]+)@`),
	// Telegram bot tokens.
	regexp.MustCompile(`\b[0-9]{8,10}:[A-Za-z0-9_\-]{35}\b`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				suffix := ""
				if strings.HasSuffix(match, "@") {
					suffix = "@"
				}
				return submatch[1] + redactedPlaceholder + suffix
			}
			return redactedPlaceholder
		})
	}
	return result
}

var sensitiveKeys = []string{"api_key", "apikey", "secret", "token", "password", "credential"}

// RedactEnvValue returns value, or the placeholder when key names a secret.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}

// RedactEnv renders env as sorted KEY=value pairs safe to log.
func RedactEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+RedactEnvValue(k, v))
	}
	sort.Strings(out)
	return out
}
