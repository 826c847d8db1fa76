package prompt

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// InjectionType represents different types of prompt injection attacks
type InjectionType string

const (
	InjectionTypeSystemPromptLeak    InjectionType = "system_prompt_leak"
	InjectionTypeRoleManipulation    InjectionType = "role_manipulation"
	InjectionTypeInstructionOverride InjectionType = "instruction_override"
	InjectionTypeDataExfiltration    InjectionType = "data_exfiltration"
	InjectionTypeJailbreak           InjectionType = "jailbreak"
	InjectionTypeDelimiterAttack     InjectionType = "delimiter_attack"
	InjectionTypeEncodingAttack      InjectionType = "encoding_attack"
)

// BlockConfidence is the confidence at which a detection rejects a prompt
const BlockConfidence = 0.8

// InjectionDetection represents a detected injection attempt
type InjectionDetection struct {
	Type        InjectionType
	Pattern     string
	Confidence  float64
	StartPos    int
	EndPos      int
	Description string
}

type patternGroup struct {
	kind        InjectionType
	confidence  float64
	weight      float64
	description string
	patterns    []*regexp.Regexp
}

func compile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

var groups = []patternGroup{
	{
		kind: InjectionTypeSystemPromptLeak, confidence: 0.9, weight: 1.5,
		description: "Attempt to reveal system prompt",
		patterns: compile(
			`(?i)ignore\s+(previous|all|above|prior)\s+(instructions?|prompts?|commands?)`,
			`(?i)(show|print|repeat|reveal)\s+(me\s+)?(your|the)\s+(system|original|initial|hidden|secret)\s+(prompt|instructions?)`,
			`(?i)what\s+(is|are|was|were)\s+(your|the)\s+(system|original|initial)\s+(prompt|instructions?)`,
		),
	},
	{
		kind: InjectionTypeRoleManipulation, confidence: 0.85, weight: 1,
		description: "Attempt to manipulate AI role or identity",
		patterns: compile(
			`(?i)(you|your)\s+(are|role|identity)\s+(now|is|changed)`,
			`(?i)assume\s+(the\s+)?(role|identity)\s+of`,
			`(?i)pretend\s+(to\s+)?be\s+(a|an)`,
			`(?i)act\s+as\s+(if\s+)?(you|you're|you\s+are)`,
			`(?i)from\s+now\s+on[,]?\s+(you|your)\s+(are|will)`,
		),
	},
	{
		kind: InjectionTypeInstructionOverride, confidence: 0.9, weight: 1.5,
		description: "Attempt to override system instructions",
		patterns: compile(
			`(?i)(disregard|cancel)\s+(all|previous|above|any)\s+(instructions?|rules|commands?)`,
			`(?i)(system\s*override|override\s+(all|previous|system)\s+(instructions?|rules|settings?))`,
			`(?i)forget\s+(everything|all\s+previous|what\s+you\s+learned)`,
			`(?i)start\s+over\s+with\s+new\s+instructions?`,
		),
	},
	{
		kind: InjectionTypeDataExfiltration, confidence: 0.95, weight: 2,
		description: "Attempt to execute code or exfiltrate data",
		patterns: compile(
			`(?i)(execute|run)\s+(this|the\s+following)\s+(code|script|command)`,
			`(?i)\b(eval|exec|system)\s*\(`,
			`(?i)import\s+(os|sys|subprocess|socket)\b`,
			`(?i)send\s+(data|information|content)\s+to\s+https?://`,
		),
	},
	{
		kind: InjectionTypeJailbreak, confidence: 0.95, weight: 2,
		description: "Known jailbreak pattern detected",
		patterns: compile(
			`(?i)\bdan\s*mode\b`,
			`(?i)jailbreak`,
			`(?i)you\s*are\s*now\s*unfiltered`,
			`(?i)(developer|unrestricted|god)\s+mode`,
			`(?i)without\s+(any|ethical|moral)\s+(restrictions?|limitations?|guidelines?)`,
		),
	},
	{
		kind: InjectionTypeDelimiterAttack, confidence: 0.8, weight: 1,
		description: "Attempt to manipulate prompt delimiters",
		patterns: compile(
			`\[/?(SYSTEM|USER|ASSISTANT)\]`,
			`<\|(system|user|assistant|end)\|>`,
			`###\s*(SYSTEM|USER|ASSISTANT|INSTRUCTION)`,
		),
	},
	{
		kind: InjectionTypeEncodingAttack, confidence: 0.7, weight: 1,
		description: "Potential encoded payload detected",
		patterns: compile(
			`(?i)base64\s*[:=]?\s*[A-Za-z0-9+/]{20,}={0,2}`,
			`(?:\\x[0-9a-fA-F]{2}){10,}`,
		),
	},
}

// DetectInjections returns every match ordered by position
func DetectInjections(prompt string) []InjectionDetection {
	var detections []InjectionDetection
	for _, g := range groups {
		for _, p := range g.patterns {
			for _, m := range p.FindAllStringIndex(prompt, -1) {
				detections = append(detections, InjectionDetection{
					Type:        g.kind,
					Pattern:     p.String(),
					Confidence:  g.confidence,
					StartPos:    m[0],
					EndPos:      m[1],
					Description: g.description,
				})
			}
		}
	}
	sort.SliceStable(detections, func(i, j int) bool {
		return detections[i].StartPos < detections[j].StartPos
	})
	return detections
}

// Strongest returns the highest-confidence detection at or above BlockConfidence
func Strongest(prompt string) (InjectionDetection, bool) {
	var best InjectionDetection
	found := false
	for _, d := range DetectInjections(prompt) {
		if d.Confidence >= BlockConfidence && (!found || d.Confidence > best.Confidence) {
			best, found = d, true
		}
	}
	return best, found
}

// GuardAgainstPromptInjection returns the prompt unchanged if it is safe
func GuardAgainstPromptInjection(prompt string) (string, error) {
	if d, ok := Strongest(prompt); ok {
		return "", fmt.Errorf("potential prompt injection detected: %s (confidence: %.2f)", d.Type, d.Confidence)
	}
	return prompt, nil
}

// IsInjectionAttempt reports a high-confidence detection
func IsInjectionAttempt(prompt string) bool {
	_, ok := Strongest(prompt)
	return ok
}

// SanitizePrompt replaces high-confidence matches with [REMOVED]
func SanitizePrompt(prompt string) string {
	var b strings.Builder
	last := 0
	for _, d := range DetectInjections(prompt) {
		if d.Confidence < 0.85 || d.StartPos < last {
			continue
		}
		b.WriteString(prompt[last:d.StartPos])
		b.WriteString("[REMOVED]")
		last = d.EndPos
	}
	b.WriteString(prompt[last:])
	return b.String()
}

// GetInjectionRiskScore is the weighted mean confidence of all detections, 0 when clean
func GetInjectionRiskScore(prompt string) float64 {
	weights := make(map[InjectionType]float64, len(groups))
	for _, g := range groups {
		weights[g.kind] = g.weight
	}

	var total, weight float64
	for _, d := range DetectInjections(prompt) {
		w := weights[d.Type]
		total += d.Confidence * w
		weight += w
	}
	if weight == 0 {
		return 0
	}
	return total / weight
}

// ValidatePromptSafety rejects prompts whose risk score reaches maxRiskScore
func ValidatePromptSafety(prompt string, maxRiskScore float64) error {
	score := GetInjectionRiskScore(prompt)
	if score < maxRiskScore || score == 0 {
		return nil
	}

	var types []string
	seen := make(map[InjectionType]bool)
	for _, d := range DetectInjections(prompt) {
		if !seen[d.Type] {
			seen[d.Type] = true
			types = append(types, string(d.Type))
		}
	}
	return fmt.Errorf("prompt safety validation failed: risk score %.2f (threshold: %.2f), detected: %s",
		score, maxRiskScore, strings.Join(types, ", "))
}
