package queryscale

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/ZanzyTHEbar/queryscale/internal/eventbus"
)

// regenComponents bundles the collaborators the transition functions close
// over. The state machine itself stays free of component wiring.
type regenComponents struct {
	generator Generator
	executor  Executor
	evaluator Evaluator
	planCache Cache // Optional; nil disables plan caching
	cfg       Config

	// schemas supplies the current tool definitions for the generator prompt.
	schemas func() map[string]map[string]interface{}
}

// CreateRegenMachine builds the regeneration state machine with the standard
// transitions: drafting -> evaluating -> (accepted | retrying | exhausted),
// retrying -> drafting.
func CreateRegenMachine(bus eventbus.Bus, components regenComponents) *RegenMachine {
	sm := NewRegenMachine(bus)
	sm.RegisterTransition(StateDrafting, components.draftingTransition)
	sm.RegisterTransition(StateEvaluating, components.evaluatingTransition)
	sm.RegisterTransition(StateRetrying, components.retryingTransition)
	return sm
}

// draftingTransition drafts an execution plan and runs it, producing one
// attempt. Only the initial draft consults the plan cache: regeneration
// drafts carry feedback that makes them unique to the failing flow.
func (rc regenComponents) draftingTransition(ctx context.Context, bus eventbus.Bus, tape *RegenContext) (RegenState, error) {
	attemptIndex := tape.AttemptIndex()
	bus.Publish(ctx, eventbus.New(eventbus.EventPlanDraftStarted, tape.Question, "regen_machine",
		map[string]interface{}{"attempt": attemptIndex}))

	schemas := rc.schemas()
	plan, cached := rc.cachedPlan(ctx, tape, schemas)
	if plan == nil {
		var err error
		plan, err = rc.generator.DraftPlan(ctx, GeneratorInput{
			Question:   tape.Question,
			ToolSchema: schemas,
			Feedback:   tape.Feedback,
			Attempt:    attemptIndex,
		})
		if err != nil {
			bus.Publish(ctx, eventbus.New(eventbus.EventPlanDraftFailure, err.Error(), "regen_machine",
				map[string]interface{}{"attempt": attemptIndex}))
			if len(tape.Attempts) > 0 {
				// A regeneration draft failed; fall back to the best attempt
				// already in hand rather than discarding the whole flow.
				log.Printf("Plan regeneration failed, keeping best prior attempt (attempt: %d): %v", attemptIndex, err)
				return StateExhausted, nil
			}
			return StateFailed, NewPlanGenerationError(err)
		}
		rc.storePlan(ctx, tape, schemas, plan)
	}

	if cached {
		bus.Publish(ctx, eventbus.New(eventbus.EventPlanCacheHit, tape.Question, "regen_machine", nil))
	} else {
		bus.Publish(ctx, eventbus.New(eventbus.EventPlanDraftSuccess, len(plan.Steps), "regen_machine",
			map[string]interface{}{"attempt": attemptIndex}))
	}

	bus.Publish(ctx, eventbus.New(eventbus.EventAttemptStarted, attemptIndex, "regen_machine", nil))

	attempt := &Attempt{Index: attemptIndex, Plan: plan}
	attempt.Bundle, attempt.Err = rc.executor.ExecutePlan(ctx, plan, tape.Call)
	if attempt.Err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return StateCancelled, ctxErr
		}
		log.Printf("Plan execution failed (attempt: %d): %v", attemptIndex, attempt.Err)
	}
	tape.RecordAttempt(attempt)

	return StateEvaluating, nil
}

// evaluatingTransition scores the latest attempt and decides the next state.
// A fatal execution failure is treated as a zero-confidence evaluation with a
// critical issue, so failed attempts consume regeneration rounds exactly like
// low-scoring ones.
func (rc regenComponents) evaluatingTransition(ctx context.Context, bus eventbus.Bus, tape *RegenContext) (RegenState, error) {
	attempt := tape.LastAttempt()
	if attempt == nil {
		return StateFailed, NewInternalError("evaluating", "no attempt available to evaluate", nil)
	}

	switch {
	case attempt.Err != nil || attempt.Bundle == nil || attempt.Bundle.Primary == nil:
		attempt.Evaluation = failureEvaluation(attempt)
	default:
		eval, err := rc.evaluator.Evaluate(ctx, tape.Question, attempt.Bundle.Primary)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return StateCancelled, ctxErr
			}
			// The evaluator itself failed; never accept an unassessed answer.
			log.Printf("Evaluation failed (attempt: %d): %v", attempt.Index, err)
			eval = &Evaluation{
				Confidence: 0,
				Feedback:   fmt.Sprintf("Analysis failed: %v", err),
				Issues: []Issue{{
					Type:        IssueAnalysisError,
					Severity:    SeverityCritical,
					Description: fmt.Sprintf("Analysis error: %v", err),
				}},
			}
		}
		attempt.Evaluation = eval
	}

	// Refresh the best-of-N pointer now that the score is known.
	if tape.Best == nil || attempt.Score() > tape.Best.Score() {
		tape.Best = attempt
	}

	bus.Publish(ctx, eventbus.New(eventbus.EventAttemptEvaluated, attempt.Evaluation.Confidence, "regen_machine",
		map[string]interface{}{
			"attempt":         attempt.Index,
			"critical_issues": len(attempt.Evaluation.CriticalIssues()),
		}))

	accepted := attempt.Err == nil &&
		attempt.Evaluation.Confidence >= rc.cfg.AcceptanceThreshold &&
		len(attempt.Evaluation.CriticalIssues()) == 0
	if accepted {
		tape.Accepted = true
		bus.Publish(ctx, eventbus.New(eventbus.EventFlowAccepted, attempt.Evaluation.Confidence, "regen_machine",
			map[string]interface{}{"attempt": attempt.Index}))
		return StateAccepted, nil
	}

	if rc.cfg.EnableAutoRetry && tape.RegenerationCount() < rc.cfg.MaxRegenerations {
		return StateRetrying, nil
	}

	bus.Publish(ctx, eventbus.New(eventbus.EventFlowExhausted, tape.Best.Score(), "regen_machine",
		map[string]interface{}{"attempts": len(tape.Attempts)}))
	return StateExhausted, nil
}

// retryingTransition folds the latest evaluation into structured feedback for
// the next drafting round.
func (rc regenComponents) retryingTransition(ctx context.Context, bus eventbus.Bus, tape *RegenContext) (RegenState, error) {
	attempt := tape.LastAttempt()
	if attempt == nil || attempt.Evaluation == nil {
		return StateFailed, NewInternalError("retrying", "no evaluated attempt to derive feedback from", nil)
	}

	tape.Feedback = append(tape.Feedback, feedbackFromEvaluation(attempt.Evaluation, rc.cfg.AcceptanceThreshold))

	nextAttempt := tape.AttemptIndex() + 1
	totalAttempts := rc.cfg.MaxRegenerations + 1
	bus.Publish(ctx, eventbus.New(eventbus.EventRegenerationTriggered, attempt.Evaluation.Confidence, "regen_machine",
		map[string]interface{}{"next_attempt": nextAttempt}))
	bus.Publish(ctx, eventbus.New(eventbus.EventStatusUpdate,
		fmt.Sprintf("Refining query (attempt %d/%d)...", nextAttempt, totalAttempts), "regen_machine", nil))

	return StateDrafting, nil
}

// failureEvaluation synthesizes the zero-confidence verdict for an attempt
// whose plan aborted before producing an artifact.
func failureEvaluation(attempt *Attempt) *Evaluation {
	reason := "plan produced no primary artifact"
	if attempt.Err != nil {
		reason = attempt.Err.Error()
	}
	return &Evaluation{
		Confidence: 0,
		Feedback:   fmt.Sprintf("Plan execution failed: %s", reason),
		Issues: []Issue{{
			Type:        IssueLogic,
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("Plan execution aborted: %s", reason),
		}},
	}
}

// feedbackFromEvaluation renders one evaluation as a structured note the
// generator can act on in the next round.
func feedbackFromEvaluation(eval *Evaluation, threshold float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Previous attempt scored %.1f (threshold %.1f).", eval.Confidence, threshold)
	for _, issue := range eval.Issues {
		if issue.Severity == SeverityInfo {
			continue
		}
		fmt.Fprintf(&b, " [%s/%s] %s.", issue.Severity, issue.Type, issue.Description)
	}
	for _, suggestion := range eval.Suggestions {
		fmt.Fprintf(&b, " Suggestion: %s.", suggestion.Text)
	}
	return b.String()
}

// cachedPlan probes the plan cache for an initial draft of this question.
// Cached plans are stored as step slices and rehydrated into a fresh
// ExecutionPlan, since per-step runtime state must never be shared across
// flows.
func (rc regenComponents) cachedPlan(ctx context.Context, tape *RegenContext, schemas map[string]map[string]interface{}) (*ExecutionPlan, bool) {
	if rc.planCache == nil || tape.AttemptIndex() > 0 || len(tape.Feedback) > 0 {
		return nil, false
	}
	value, err := rc.planCache.Get(ctx, planCacheKey(tape.Question, schemas))
	if err != nil || value == nil {
		return nil, false
	}
	var steps []PlanStep
	switch v := value.(type) {
	case []PlanStep:
		// The cached slice is shared between every flow that hits this key;
		// hydrate a private copy so per-step runtime state stays local.
		steps = copyPlanSteps(v)
	case json.RawMessage:
		// Persistent caches hand back the stored JSON encoding.
		if err := json.Unmarshal(v, &steps); err != nil {
			return nil, false
		}
	default:
		return nil, false
	}
	if len(steps) == 0 {
		return nil, false
	}
	return NewExecutionPlan(steps), true
}

func (rc regenComponents) storePlan(ctx context.Context, tape *RegenContext, schemas map[string]map[string]interface{}, plan *ExecutionPlan) {
	if rc.planCache == nil || tape.AttemptIndex() > 0 || len(tape.Feedback) > 0 {
		return
	}
	steps := copyPlanSteps(plan.Steps)
	if err := rc.planCache.Set(ctx, planCacheKey(tape.Question, schemas), steps); err != nil {
		log.Printf("Failed to cache drafted plan: %v", err)
	}
}

// copyPlanSteps copies the declarative fields of each step. Runtime state
// (status, results, done channels) never crosses flows.
func copyPlanSteps(steps []PlanStep) []PlanStep {
	out := make([]PlanStep, 0, len(steps))
	for i := range steps {
		step := &steps[i]
		out = append(out, PlanStep{
			ID:        step.ID,
			ToolName:  step.ToolName,
			Args:      step.Args,
			DependsOn: step.DependsOn,
			Fatal:     step.Fatal,
			Primary:   step.Primary,
		})
	}
	return out
}

// planCacheKey derives a stable cache key from the question and the tool
// schema set, so a registry change invalidates prior drafts.
func planCacheKey(question string, schemas map[string]map[string]interface{}) string {
	hasher := sha1.New()
	hasher.Write([]byte(question))
	if encoded, err := json.Marshal(schemas); err == nil {
		hasher.Write(encoded)
	}
	return fmt.Sprintf("plan:%x", hasher.Sum(nil))
}
