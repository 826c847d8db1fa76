// Package safety classifies prompts and races that verdict against the
// provider call.
package safety

import (
	"context"
	"fmt"
	"math"
	"regexp"

	"github.com/upb/llm-gateway/internal/prompt"
)

// Verdict categories
const (
	CategorySafe             = "SAFE"
	CategoryJailbreak        = "JAILBREAK_INTERCEPT"
	CategoryPromptInjection  = "PROMPT_INJECTION"
	CategoryAnomalousEntropy = "ANOMALOUS_ENTROPY"
)

const (
	DefaultEntropyThreshold = 4.8
	DefaultEntropyMinLength = 40
)

// Verdict is the outcome of one classification
type Verdict struct {
	Safe     bool
	Category string
	Detail   string
}

// Classifier judges a prompt
type Classifier interface {
	Classify(ctx context.Context, text string) (Verdict, error)
}

// RuleClassifier combines the injection guard with an entropy check for
// encoded or random payloads.
type RuleClassifier struct {
	EntropyThreshold float64
	EntropyMinLength int
}

// NewRuleClassifier returns a classifier with default thresholds
func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{
		EntropyThreshold: DefaultEntropyThreshold,
		EntropyMinLength: DefaultEntropyMinLength,
	}
}

// Classify implements Classifier
func (c *RuleClassifier) Classify(ctx context.Context, text string) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}

	if d, ok := prompt.Strongest(text); ok {
		category := CategoryPromptInjection
		if d.Type == prompt.InjectionTypeJailbreak {
			category = CategoryJailbreak
		}
		return Verdict{Category: category, Detail: string(d.Type)}, nil
	}

	if len([]rune(text)) > c.EntropyMinLength {
		if e := ShannonEntropy(text); e > c.EntropyThreshold {
			return Verdict{Category: CategoryAnomalousEntropy, Detail: fmt.Sprintf("entropy %.2f", e)}, nil
		}
	}

	return Verdict{Safe: true, Category: CategorySafe}, nil
}

// ShannonEntropy returns bits per character
func ShannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	total := 0
	for _, r := range s {
		counts[r]++
		total++
	}
	var h float64
	for _, n := range counts {
		p := float64(n) / float64(total)
		h -= p * math.Log2(p)
	}
	return h
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`AS-KEY-[A-Z0-9]{12}`),
	regexp.MustCompile(`CONFIDENTIAL-PROJECT-[A-Z]+`),
	regexp.MustCompile(`(?i)\b[A-Z0-9._%+-]+@company-internal\.com\b`),
}

// RedactSecrets masks internal secrets in model output
func RedactSecrets(text string) (string, bool) {
	leaked := false
	for _, p := range secretPatterns {
		if p.MatchString(text) {
			text = p.ReplaceAllString(text, "[SECRET_REDACTED]")
			leaked = true
		}
	}
	return text, leaked
}
