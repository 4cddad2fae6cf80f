// Package safety screens operator-supplied text before it is handed to
// worker sessions.
package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// Action indicates the recommended response to a finding.
type Action int

const (
	// ActionAllow means the text is safe to inject.
	ActionAllow Action = iota
	// ActionWarn means something suspicious was found but the text may proceed.
	ActionWarn
	// ActionBlock means the text must be rejected.
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionWarn:
		return "warn"
	case ActionBlock:
		return "block"
	default:
		return "allow"
	}
}

// CheckResult is the outcome of a guard check.
type CheckResult struct {
	Action  Action
	Reason  string
	Pattern string // which pattern matched (for logging)
}

// Err returns an error if the result blocks the text.
func (r CheckResult) Err() error {
	if r.Action == ActionBlock {
		return fmt.Errorf("operator context rejected: %s", r.Reason)
	}
	return nil
}

type rule struct {
	re     *regexp.Regexp
	action Action
	reason string
}

// Operator context is pasted verbatim into every worker prompt, so anything
// that reads as a credential would end up in session transcripts.
var secretRules = []rule{
	{
		re:     regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
		action: ActionBlock,
		reason: "credential: API key",
	},
	{
		re:     regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`),
		action: ActionBlock,
		reason: "credential: bearer token",
	},
	{
		re:     regexp.MustCompile(`\bsk-(ant-)?[A-Za-z0-9_\-]{20,}`),
		action: ActionBlock,
		reason: "credential: provider API key",
	},
	{
		re:     regexp.MustCompile(`\b(ghp|gho|ghs|github_pat)_[A-Za-z0-9_]{20,}`),
		action: ActionBlock,
		reason: "credential: GitHub token",
	},
	{
		re:     regexp.MustCompile(`-----BEGIN\s+([A-Z]+\s+)?PRIVATE\s+KEY-----`),
		action: ActionBlock,
		reason: "credential: private key",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`),
		action: ActionWarn,
		reason: "credential: password assignment",
	},
}

var injectionRules = []rule{
	{
		re:     regexp.MustCompile(`(?i)\b(ignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?))\b`),
		action: ActionBlock,
		reason: "instruction override: ignore previous instructions",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(override\s+(system\s+)?prompt|system\s+prompt\s+override)\b`),
		action: ActionBlock,
		reason: "instruction override: system prompt",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(mark|report)\s+(every|all)\s+features?\s+(as\s+)?pass(ing|ed)?\b`),
		action: ActionBlock,
		reason: "instruction override: blanket pass",
	},
	{
		re:     regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`),
		action: ActionWarn,
		reason: "injection marker: [SYSTEM] tag",
	},
	{
		re:     regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`),
		action: ActionWarn,
		reason: "injection marker: chat template tag",
	},
}

// Guard checks operator context before it is stored.
type Guard struct {
	maxLen int
	rules  []rule
}

// DefaultMaxContextLen bounds operator context. Workers receive it on every
// session, so a runaway paste is rejected rather than truncated.
const DefaultMaxContextLen = 16 << 10

// NewGuard returns a Guard with the built-in rules. maxLen <= 0 uses
// DefaultMaxContextLen.
func NewGuard(maxLen int) *Guard {
	if maxLen <= 0 {
		maxLen = DefaultMaxContextLen
	}
	rules := make([]rule, 0, len(secretRules)+len(injectionRules))
	rules = append(rules, secretRules...)
	rules = append(rules, injectionRules...)
	return &Guard{maxLen: maxLen, rules: rules}
}

// Check returns the most severe finding for text. Blocking rules win over
// warnings regardless of order.
func (g *Guard) Check(text string) CheckResult {
	if strings.TrimSpace(text) == "" {
		return CheckResult{Action: ActionAllow}
	}
	if len(text) > g.maxLen {
		return CheckResult{
			Action: ActionBlock,
			Reason: fmt.Sprintf("too long: %d bytes exceeds %d", len(text), g.maxLen),
		}
	}

	best := CheckResult{Action: ActionAllow}
	for _, r := range g.rules {
		if r.action <= best.Action {
			continue
		}
		if r.re.MatchString(text) {
			best = CheckResult{Action: r.action, Reason: r.reason, Pattern: r.re.String()}
			if best.Action == ActionBlock {
				break
			}
		}
	}
	return best
}
