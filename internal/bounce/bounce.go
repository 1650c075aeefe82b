// Package bounce turns provider delivery errors into a bounce taxonomy and
// records bounce and complaint events, feeding domain reputation scoring and
// address-level suppression.
package bounce

import (
	"strings"

	"github.com/outflowhq/outflow/internal/store"
)

// Bounce types. A hard bounce is a permanent failure that disqualifies the
// address; a soft bounce is transient and tolerated up to a threshold.
const (
	TypeHard = store.BounceHard
	TypeSoft = store.BounceSoft
)

// Bounce categories.
const (
	CategoryInvalidEmail    = "INVALID_EMAIL"
	CategoryMailboxFull     = "MAILBOX_FULL"
	CategoryMessageTooLarge = "MESSAGE_TOO_LARGE"
	CategoryBlocked         = "BLOCKED"
	CategoryOther           = "OTHER"
)

// Classification is the outcome of parsing a provider error string.
type Classification struct {
	Type     string `json:"bounce_type"`
	Category string `json:"category"`
}

// Rule maps error-text phrases to a classification. Rules are evaluated in
// order and the first matching phrase wins.
type Rule struct {
	Phrases  []string
	Type     string
	Category string
}

// DefaultRules returns the built-in rule set, a best-effort heuristic over
// the error strings common providers return. Deployments whose providers
// phrase errors differently can replace it through configuration.
func DefaultRules() []Rule {
	return []Rule{
		{
			Phrases:  []string{"invalid", "does not exist", "no such user", "user unknown", "address rejected"},
			Type:     TypeHard,
			Category: CategoryInvalidEmail,
		},
		{
			Phrases:  []string{"mailbox full", "quota exceeded", "over quota"},
			Type:     TypeSoft,
			Category: CategoryMailboxFull,
		},
		{
			Phrases:  []string{"too large", "message size"},
			Type:     TypeSoft,
			Category: CategoryMessageTooLarge,
		},
		{
			Phrases:  []string{"blocked", "spam"},
			Type:     TypeHard,
			Category: CategoryBlocked,
		},
	}
}

// Classifier matches raw provider errors against an ordered rule set.
type Classifier struct {
	rules []Rule
}

// NewClassifier builds a classifier from rules, falling back to
// DefaultRules when none are given. Phrases are normalized to lower case so
// matching stays case-insensitive regardless of how rules were written.
func NewClassifier(rules []Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	normalized := make([]Rule, len(rules))
	for i, r := range rules {
		phrases := make([]string, len(r.Phrases))
		for j, p := range r.Phrases {
			phrases[j] = strings.ToLower(p)
		}
		normalized[i] = Rule{Phrases: phrases, Type: r.Type, Category: r.Category}
	}
	return &Classifier{rules: normalized}
}

// Classify maps a raw provider error to a bounce type and category by
// case-insensitive substring search. Text matching no rule is treated as a
// soft bounce of unknown category.
func (c *Classifier) Classify(raw string) Classification {
	text := strings.ToLower(raw)
	for _, rule := range c.rules {
		for _, phrase := range rule.Phrases {
			if phrase != "" && strings.Contains(text, phrase) {
				return Classification{Type: rule.Type, Category: rule.Category}
			}
		}
	}
	return Classification{Type: TypeSoft, Category: CategoryOther}
}
