package arbitrage

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/upb/llm-gateway/services/providers"
	"go.uber.org/zap"
)

// JudgeModel is the low-cost model that scores prompt complexity
const JudgeModel = "groq/llama3-8b-8192"

// MaxScore is also the score assigned when classification fails
const MaxScore = 100

// judgePromptLimit is counted in runes
const judgePromptLimit = 500

// Classifier scores prompt complexity from 0 (trivial) to 100 (complex)
type Classifier interface {
	Score(ctx context.Context, prompt string) (int, error)
}

// Resolver resolves "provider/model" references
type Resolver interface {
	Resolve(ref string) (providers.Provider, string, error)
}

// JudgeClassifier asks a cheap LLM for a complexity score
type JudgeClassifier struct {
	resolver Resolver
	ref      string
	timeout  time.Duration
	logger   *zap.Logger
}

// NewJudgeClassifier creates a classifier backed by the judge model ref
func NewJudgeClassifier(resolver Resolver, ref string, timeout time.Duration, logger *zap.Logger) *JudgeClassifier {
	if ref == "" {
		ref = JudgeModel
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &JudgeClassifier{resolver: resolver, ref: ref, timeout: timeout, logger: logger}
}

var firstInt = regexp.MustCompile(`\d+`)

// truncateRunes cuts s to at most n runes without splitting one
func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// Score implements Classifier
func (c *JudgeClassifier) Score(ctx context.Context, prompt string) (int, error) {
	provider, model, err := c.resolver.Resolve(c.ref)
	if err != nil {
		return MaxScore, err
	}

	prompt = truncateRunes(prompt, judgePromptLimit)

	resp, err := provider.ChatCompletion(ctx, &providers.ChatRequest{
		Model: model,
		Messages: []providers.Message{{
			Role: "system",
			Content: "Analyze prompt complexity. Return JSON:\n" +
				"- score (0-100): 0=trivial, 100=complex.\n" +
				"Prompt: " + prompt,
		}},
		MaxTokens: 32,
		Timeout:   c.timeout,
	})
	if err != nil {
		return MaxScore, err
	}

	score, err := parseScore(resp.Content)
	if err != nil {
		return MaxScore, err
	}
	return score, nil
}

func parseScore(content string) (int, error) {
	var payload struct {
		Score *float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &payload); err == nil && payload.Score != nil {
		return clampScore(int(*payload.Score)), nil
	}
	if m := firstInt.FindString(content); m != "" {
		n, err := strconv.Atoi(m)
		if err == nil {
			return clampScore(n), nil
		}
	}
	return MaxScore, fmt.Errorf("unparseable complexity score %q", content)
}

func clampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxScore {
		return MaxScore
	}
	return n
}

// HeuristicClassifier scores prompts locally, for deployments without a judge provider
type HeuristicClassifier struct{}

var (
	codeMarkers      = []string{"```", "func ", "def ", "class ", "select ", "{", "};"}
	reasoningMarkers = []string{"prove", "analyze", "analyse", "derive", "step by step", "compare", "architecture", "optimize", "why"}
)

// Score implements Classifier
func (HeuristicClassifier) Score(_ context.Context, prompt string) (int, error) {
	lower := strings.ToLower(prompt)
	score := 10

	switch n := len(prompt); {
	case n > 4000:
		score += 50
	case n > 1000:
		score += 30
	case n > 200:
		score += 15
	}

	for _, m := range codeMarkers {
		if strings.Contains(lower, m) {
			score += 25
			break
		}
	}
	hits := 0
	for _, m := range reasoningMarkers {
		if strings.Contains(lower, m) {
			hits++
		}
	}
	score += 15 * hits
	return clampScore(score), nil
}
