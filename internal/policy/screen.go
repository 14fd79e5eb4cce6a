package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/lucavalli/reelforge/internal/reliability"
)

// Decision is the outcome of screening a generation prompt before any
// work is scheduled for it.
type Decision struct {
	Allowed bool
	Reason  string
}

const (
	minPromptLen = 3
	maxPromptLen = 4000
)

var blockedPromptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(child|minor|underage)\b.*\b(sexual|nude|explicit)\b`),
	regexp.MustCompile(`(?i)\b(sexual|nude|explicit)\b.*\b(child|minor|underage)\b`),
	regexp.MustCompile(`(?i)\bhow to (build|make|assemble)\b.*\b(bomb|explosive|nerve agent)\b`),
	regexp.MustCompile(`(?i)\b(behead|dismember|torture)\b.*\b(real|actual|live)\b`),
}

var flaggedKeywords = []string{
	"deepfake", "impersonate", "revenge",
}

// ScreenPrompt validates a video generation prompt. Rejections are
// permanent: retrying the same prompt can never succeed, so callers
// must not schedule retries for them.
func ScreenPrompt(prompt string) Decision {
	p := strings.TrimSpace(prompt)
	if len(p) < minPromptLen {
		return Decision{Reason: "prompt is too short"}
	}
	if len(p) > maxPromptLen {
		return Decision{Reason: fmt.Sprintf("prompt exceeds %d characters", maxPromptLen)}
	}

	for _, re := range blockedPromptPatterns {
		if re.MatchString(p) {
			return Decision{Reason: "prompt contains disallowed content"}
		}
	}

	lower := strings.ToLower(p)
	for _, kw := range flaggedKeywords {
		if strings.Contains(lower, kw) {
			return Decision{Reason: fmt.Sprintf("prompt contains flagged term %q", kw)}
		}
	}

	return Decision{Allowed: true}
}

// CheckPrompt wraps ScreenPrompt into an error for pipeline use.
func CheckPrompt(prompt string) error {
	d := ScreenPrompt(prompt)
	if d.Allowed {
		return nil
	}
	return reliability.Permanent(fmt.Errorf("prompt rejected: %s", d.Reason))
}
