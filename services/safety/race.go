package safety

import (
	"context"
	"time"

	"github.com/upb/llm-gateway/services"
	"go.uber.org/zap"
)

const (
	DefaultTimeout = 200 * time.Millisecond

	// a verdict that misses the race is still awaited this long for auditing
	lateWindow = 5 * time.Second
)

// LateHandler receives unsafe verdicts that arrived after the response was released
type LateHandler func(ctx context.Context, v Verdict)

// Guard races classification against the provider call
type Guard struct {
	classifier Classifier
	timeout    time.Duration
	onLate     LateHandler
	logger     *zap.Logger
}

// NewGuard creates a guard. onLate may be nil.
func NewGuard(classifier Classifier, timeout time.Duration, onLate LateHandler, logger *zap.Logger) *Guard {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Guard{classifier: classifier, timeout: timeout, onLate: onLate, logger: logger}
}

type classified struct {
	verdict Verdict
	err     error
}

type outcome[T any] struct {
	value T
	err   error
}

// Race starts classification of text and call together. An unsafe verdict
// inside the timeout cancels call and fails with a security violation. A
// verdict that misses the timeout is handed to the late handler and the
// call's result is returned unchanged. Classifier errors are logged and
// treated as safe.
func Race[T any](ctx context.Context, g *Guard, text string, call func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	verdicts := make(chan classified, 1)
	classifyCtx, cancelClassify := context.WithTimeout(context.WithoutCancel(ctx), lateWindow)
	go func() {
		defer cancelClassify()
		v, err := g.classifier.Classify(classifyCtx, text)
		verdicts <- classified{verdict: v, err: err}
	}()

	results := make(chan outcome[T], 1)
	go func() {
		v, err := call(callCtx)
		results <- outcome[T]{value: v, err: err}
	}()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	pending := verdicts
	deadline := timer.C
	var res outcome[T]
	callDone := false

	for !callDone || pending != nil {
		select {
		case c := <-pending:
			pending, deadline = nil, nil
			if c.err != nil {
				g.logger.Warn("safety classification failed, continuing", zap.Error(c.err))
				continue
			}
			if !c.verdict.Safe {
				cancel()
				g.logger.Info("request blocked by safety classifier",
					zap.String("category", c.verdict.Category),
					zap.String("detail", c.verdict.Detail))
				return zero, services.NewDomainError(services.ErrorTypeSecurityViolation, "Request blocked by safety classifier", nil).
					WithDetail("category", c.verdict.Category)
			}

		case <-deadline:
			pending, deadline = nil, nil
			go g.awaitLate(ctx, verdicts)

		case res = <-results:
			results = nil
			callDone = true

		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return res.value, res.err
}

func (g *Guard) awaitLate(ctx context.Context, verdicts <-chan classified) {
	c := <-verdicts
	if c.err != nil || c.verdict.Safe {
		return
	}
	g.logger.Warn("unsafe verdict arrived after response was released",
		zap.String("category", c.verdict.Category),
		zap.String("detail", c.verdict.Detail))
	if g.onLate != nil {
		g.onLate(context.WithoutCancel(ctx), c.verdict)
	}
}
