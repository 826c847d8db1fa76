package prompt

import (
	"regexp"
	"sort"
	"strings"
)

// PIIType represents different types of PII that can be detected
type PIIType string

const (
	PIITypeEmail      PIIType = "email"
	PIITypePhone      PIIType = "phone"
	PIITypeSSN        PIIType = "ssn"
	PIITypeCreditCard PIIType = "credit_card"
	PIITypeIPAddress  PIIType = "ip_address"
)

// PIIDetection represents a detected PII instance
type PIIDetection struct {
	Type     PIIType
	Value    string
	StartPos int
	EndPos   int
}

type piiDetector struct {
	kind        PIIType
	placeholder string
	patterns    []*regexp.Regexp
	valid       func(string) bool
}

// earlier detectors win when matches overlap
var detectors = []piiDetector{
	{
		kind:        PIITypeEmail,
		placeholder: "[EMAIL_REDACTED]",
		patterns:    compile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
	},
	{
		kind:        PIITypeCreditCard,
		placeholder: "[CC_REDACTED]",
		patterns: compile(
			`\b4[0-9]{12}(?:[0-9]{3})?\b`,
			`\b5[1-5][0-9]{14}\b`,
			`\b3[47][0-9]{13}\b`,
			`\b6(?:011|5[0-9]{2})[0-9]{12}\b`,
			`\b(?:[0-9]{4}[ -]){3}[0-9]{4}\b`,
		),
		valid: luhnCheck,
	},
	{
		kind:        PIITypeSSN,
		placeholder: "[SSN_REDACTED]",
		patterns:    compile(`\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`, `\b[0-9]{9}\b`),
		valid:       looksLikeSSN,
	},
	{
		kind:        PIITypePhone,
		placeholder: "[PHONE_REDACTED]",
		patterns: compile(
			`(?:\+?1[-.\s]?)?(?:\([0-9]{3}\)\s?|\b[0-9]{3}[-.\s])[0-9]{3}[-.\s][0-9]{4}\b`,
			`\+[0-9]{1,3}[-.\s]?[0-9]{2,4}[-.\s]?[0-9]{3,4}[-.\s]?[0-9]{3,4}\b`,
		),
	},
	{
		kind:        PIITypeIPAddress,
		placeholder: "[IP_REDACTED]",
		patterns: compile(
			`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\.){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`,
			`\b(?:[0-9a-fA-F]{1,4}:){7}[0-9a-fA-F]{1,4}\b`,
		),
	},
}

// DetectAllPII returns non-overlapping detections ordered by position
func DetectAllPII(prompt string) []PIIDetection {
	var all []PIIDetection
	for _, d := range detectors {
		for _, p := range d.patterns {
			for _, m := range p.FindAllStringIndex(prompt, -1) {
				value := prompt[m[0]:m[1]]
				if d.valid != nil && !d.valid(value) {
					continue
				}
				all = append(all, PIIDetection{Type: d.kind, Value: value, StartPos: m[0], EndPos: m[1]})
			}
		}
	}

	sort.SliceStable(all, func(i, j int) bool { return all[i].StartPos < all[j].StartPos })

	out := all[:0]
	end := -1
	for _, d := range all {
		if d.StartPos < end {
			continue
		}
		out = append(out, d)
		end = d.EndPos
	}
	return out
}

// DetectPII returns true if the prompt likely contains PII.
func DetectPII(prompt string) bool {
	return len(DetectAllPII(prompt)) > 0
}

// Redact replaces every detection with its placeholder and reports the kinds found
func Redact(prompt string) (string, []PIIType) {
	detections := DetectAllPII(prompt)
	if len(detections) == 0 {
		return prompt, nil
	}

	var b strings.Builder
	seen := make(map[PIIType]bool)
	var kinds []PIIType
	last := 0
	for _, d := range detections {
		b.WriteString(prompt[last:d.StartPos])
		b.WriteString(placeholder(d.Type))
		last = d.EndPos
		if !seen[d.Type] {
			seen[d.Type] = true
			kinds = append(kinds, d.Type)
		}
	}
	b.WriteString(prompt[last:])
	return b.String(), kinds
}

// RedactPII redacts all detected PII in the prompt
func RedactPII(prompt string) string {
	out, _ := Redact(prompt)
	return out
}

func placeholder(kind PIIType) string {
	for _, d := range detectors {
		if d.kind == kind {
			return d.placeholder
		}
	}
	return "[REDACTED]"
}

// looksLikeSSN rejects numbers the SSA never issues
func looksLikeSSN(s string) bool {
	s = strings.ReplaceAll(s, "-", "")
	if len(s) != 9 {
		return false
	}
	if s[:3] == "000" || s[3:5] == "00" || s[5:] == "0000" {
		return false
	}
	return !strings.HasPrefix(s, "666") && !strings.HasPrefix(s, "9")
}

// luhnCheck validates a credit card number using the Luhn algorithm
func luhnCheck(cardNumber string) bool {
	cardNumber = strings.NewReplacer(" ", "", "-", "").Replace(cardNumber)
	if len(cardNumber) < 13 || len(cardNumber) > 19 {
		return false
	}

	sum := 0
	double := false
	for i := len(cardNumber) - 1; i >= 0; i-- {
		digit := int(cardNumber[i] - '0')
		if digit < 0 || digit > 9 {
			return false
		}
		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		double = !double
	}
	return sum%10 == 0
}
