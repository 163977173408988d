// Package evaluator scores primary artifacts before they reach the user.
// A deterministic rule set covers performance, completeness and data
// quality; an optional grader contributes correctness and relevance verdicts.
// The weighted aggregate gates acceptance in the regeneration loop.
package evaluator

import (
	"context"
	"fmt"
	"log"

	queryscale "github.com/ZanzyTHEbar/queryscale"
)

// ConfidenceEvaluator implements the Evaluator contract.
type ConfidenceEvaluator struct {
	grader queryscale.Grader
	cfg    queryscale.Config
}

// EvaluatorOption configures a ConfidenceEvaluator.
type EvaluatorOption func(*ConfidenceEvaluator)

// WithGrader attaches an external grader whose verdict is merged with the
// rule set. Without one, only the deterministic dimensions are scored.
func WithGrader(grader queryscale.Grader) EvaluatorOption {
	return func(e *ConfidenceEvaluator) { e.grader = grader }
}

// New creates an evaluator using cfg's dimension weights, thresholds and
// performance bounds.
func New(cfg queryscale.Config, options ...EvaluatorOption) *ConfidenceEvaluator {
	e := &ConfidenceEvaluator{cfg: cfg}
	for _, option := range options {
		option(e)
	}
	return e
}

// Evaluate scores one artifact against the question. The returned confidence
// is always in [0,100]; any critical issue caps it strictly below the
// acceptance threshold so a critically flawed answer can never be accepted
// on aggregate score alone. Evaluate itself fails only on cancellation: a
// grader failure degrades to a zero-confidence verdict instead.
func (e *ConfidenceEvaluator) Evaluate(ctx context.Context, question string, artifact *queryscale.Artifact) (*queryscale.Evaluation, error) {
	if artifact == nil {
		return nil, queryscale.NewEvaluationError("no artifact to evaluate", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	eval := &queryscale.Evaluation{
		Dimensions: make(map[queryscale.Dimension]float64),
	}
	e.applyRules(question, artifact, eval)

	if e.grader != nil {
		verdict, err := e.grader.Grade(ctx, question, artifact)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// An unassessed answer must never be accepted.
			log.Printf("Grader failed, forcing zero confidence: %v", err)
			return &queryscale.Evaluation{
				Confidence: 0,
				Feedback:   fmt.Sprintf("Analysis failed: %v", err),
				Issues: []queryscale.Issue{{
					Type:        queryscale.IssueAnalysisError,
					Severity:    queryscale.SeverityCritical,
					Description: fmt.Sprintf("Analysis error: %v", err),
				}},
			}, nil
		}
		mergeVerdict(eval, verdict)
	}

	eval.Confidence = e.aggregate(eval.Dimensions)
	if len(eval.CriticalIssues()) > 0 && eval.Confidence >= e.cfg.AcceptanceThreshold {
		eval.Confidence = e.cfg.AcceptanceThreshold - 1
	}
	eval.Confidence = clamp(eval.Confidence, 0, 100)

	if eval.Feedback == "" {
		eval.Feedback = summarize(eval)
	}
	return eval, nil
}

// mergeVerdict folds the grader's verdict into the rule-based evaluation.
// Dimensions the rules already scored take the lower of the two values: the
// deterministic checks cannot be argued away by the grader.
func mergeVerdict(eval *queryscale.Evaluation, verdict *queryscale.Evaluation) {
	if verdict == nil {
		return
	}
	for dim, score := range verdict.Dimensions {
		score = clamp(score, 0, 100)
		if existing, ok := eval.Dimensions[dim]; ok && existing < score {
			continue
		}
		eval.Dimensions[dim] = score
	}
	eval.Issues = append(eval.Issues, verdict.Issues...)
	eval.Suggestions = append(eval.Suggestions, verdict.Suggestions...)
	if verdict.Feedback != "" {
		eval.Feedback = verdict.Feedback
	}
}

// aggregate computes the weighted mean over the dimensions actually present.
// Absent dimensions are excluded rather than treated as zero, so an
// evaluation without a grader is not unfairly penalized.
func (e *ConfidenceEvaluator) aggregate(dimensions map[queryscale.Dimension]float64) float64 {
	var weightedSum, weightTotal float64
	for dim, score := range dimensions {
		weight, ok := e.cfg.DimensionWeights[dim]
		if !ok || weight <= 0 {
			continue
		}
		weightedSum += clamp(score, 0, 100) * weight
		weightTotal += weight
	}
	if weightTotal == 0 {
		return 0
	}
	return weightedSum / weightTotal
}

func summarize(eval *queryscale.Evaluation) string {
	critical := len(eval.CriticalIssues())
	switch {
	case critical > 0:
		return fmt.Sprintf("Found %d critical issue(s) and %d issue(s) overall.", critical, len(eval.Issues))
	case len(eval.Issues) > 0:
		return fmt.Sprintf("Found %d non-critical issue(s).", len(eval.Issues))
	default:
		return "No issues found."
	}
}

func clamp(value, low, high float64) float64 {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}
