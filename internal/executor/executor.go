// Package executor runs execution plans step by step against the tool
// protocol, threading earlier step outputs into later step arguments.
package executor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sourcegraph/conc/pool"

	queryscale "github.com/ZanzyTHEbar/queryscale"
	"github.com/ZanzyTHEbar/queryscale/internal/eventbus"
)

// ToolCaller invokes one named tool on behalf of a caller. In production this
// is the protocol client; tests substitute a local fake.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]interface{}, call queryscale.CallContext) (map[string]interface{}, error)
}

// PlanExecutor executes plans wave by wave: every step whose dependencies
// have all completed runs concurrently with the rest of its wave, bounded by
// the worker limit. A failed non-fatal step skips its dependents and the
// rest of the plan continues; a failed fatal step aborts the whole plan.
type PlanExecutor struct {
	caller        ToolCaller
	maxConcurrent int
	stepTimeout   time.Duration
	bus           eventbus.Bus

	metrics Metrics
}

// ExecutorOption configures a PlanExecutor.
type ExecutorOption func(*PlanExecutor)

// WithMaxConcurrent bounds how many steps run at once.
func WithMaxConcurrent(n int) ExecutorOption {
	return func(e *PlanExecutor) {
		if n > 0 {
			e.maxConcurrent = n
		}
	}
}

// WithStepTimeout sets the per-step execution timeout.
func WithStepTimeout(timeout time.Duration) ExecutorOption {
	return func(e *PlanExecutor) {
		if timeout > 0 {
			e.stepTimeout = timeout
		}
	}
}

// WithBus sets the event bus per-step lifecycle events are published on.
func WithBus(bus eventbus.Bus) ExecutorOption {
	return func(e *PlanExecutor) {
		if bus != nil {
			e.bus = bus
		}
	}
}

// NewPlanExecutor creates an executor that invokes tools through caller.
func NewPlanExecutor(caller ToolCaller, options ...ExecutorOption) *PlanExecutor {
	e := &PlanExecutor{
		caller:        caller,
		maxConcurrent: 4,
		stepTimeout:   time.Second * 30,
		bus:           eventbus.NewNopBus(),
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// ExecutePlan runs the plan to completion and returns the outcome of every
// step plus the primary artifact. The returned error is non-nil only when
// the plan aborted (fatal step failure or cancellation); non-fatal failures
// are reported through the bundle.
func (e *PlanExecutor) ExecutePlan(ctx context.Context, plan *queryscale.ExecutionPlan, call queryscale.CallContext) (*queryscale.ResultBundle, error) {
	if err := validatePlan(plan); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	startTime := time.Now()
	log.Printf("Starting plan execution (total_steps: %d, user: %s)", len(plan.Steps), call.UserID)
	e.resetMetrics()

	var abortErr error
	for abortErr == nil {
		wave := readySteps(plan)
		if len(wave) == 0 {
			break
		}

		workerPool := pool.New().WithMaxGoroutines(e.maxConcurrent)
		for _, step := range wave {
			step.UpdateStatus(queryscale.StepStatusReady, nil)
			workerPool.Go(func() {
				e.runStep(execCtx, step, plan, call)
			})
		}
		workerPool.Wait()

		for _, step := range wave {
			e.recordStepMetrics(step)
			switch step.GetStatus() {
			case queryscale.StepStatusCompleted:
				// Dependents become eligible in the next wave.
			case queryscale.StepStatusFailed:
				if step.Fatal {
					abortErr = queryscale.NewPlanExecutionError(
						fmt.Sprintf("fatal step '%s' failed", step.ID), step.Err)
					cancel()
				} else {
					e.skipDependents(ctx, plan, step.ID)
				}
			case queryscale.StepStatusCancelled:
				if abortErr == nil {
					abortErr = queryscale.NewCancelledError("execution", execCtx.Err())
				}
			}
		}

		if err := execCtx.Err(); err != nil && abortErr == nil {
			abortErr = queryscale.NewCancelledError("execution", err)
		}
	}

	if abortErr != nil {
		// Everything still pending will never run.
		plan.StateMutex.Lock()
		for _, step := range plan.StepMap {
			status := step.GetStatus()
			if status == queryscale.StepStatusPending || status == queryscale.StepStatusReady {
				step.UpdateStatus(queryscale.StepStatusCancelled, abortErr)
				step.SetErrContext("plan execution aborted")
			}
		}
		plan.StateMutex.Unlock()
	}

	bundle := e.buildBundle(plan, abortErr != nil)
	log.Printf("Plan execution finished (steps: %d, successful: %d, failed: %d, skipped: %d, duration: %v)",
		len(plan.Steps), e.metrics.StepsSuccessful, e.metrics.StepsFailed, e.metrics.StepsSkipped,
		time.Since(startTime))

	if abortErr != nil {
		return bundle, abortErr
	}
	return bundle, nil
}

// runStep resolves arguments and invokes the step's tool once, with the
// per-step timeout applied. Retries live in the protocol client, which only
// repeats transport failures; a tool that answered with an error answered.
func (e *PlanExecutor) runStep(ctx context.Context, step *queryscale.PlanStep, plan *queryscale.ExecutionPlan, call queryscale.CallContext) {
	select {
	case <-ctx.Done():
		step.UpdateStatus(queryscale.StepStatusCancelled, ctx.Err())
		step.SetErrContext("step cancelled before execution started")
		return
	default:
	}

	step.UpdateStatus(queryscale.StepStatusRunning, nil)
	log.Printf("Starting step execution (step_id: %s, tool: %s)", step.ID, step.ToolName)
	e.bus.Publish(ctx, eventbus.New(eventbus.EventStepStarted, step.ID, "executor",
		map[string]interface{}{"tool": step.ToolName}))

	resolvedArgs, err := resolveArguments(step, plan)
	if err != nil {
		step.UpdateStatus(queryscale.StepStatusFailed, err)
		step.SetErrContext("argument resolution failed")
		e.publishStepFailure(ctx, step, err)
		return
	}

	stepCtx, cancelTimeout := context.WithTimeout(ctx, e.stepTimeout)
	result, err := e.caller.CallTool(stepCtx, step.ToolName, resolvedArgs, call)
	cancelTimeout()

	if err != nil {
		if stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = queryscale.NewTimeoutError("execution",
				fmt.Errorf("step '%s' exceeded %v: %w", step.ID, e.stepTimeout, err))
		} else if ctx.Err() != nil {
			step.UpdateStatus(queryscale.StepStatusCancelled, ctx.Err())
			step.SetErrContext("cancelled during execution")
			return
		} else if !queryscale.IsQueryScaleError(err) {
			err = queryscale.NewToolExecutionError("execution", step.ToolName, err)
		}
		step.UpdateStatus(queryscale.StepStatusFailed, err)
		step.SetErrContext(fmt.Sprintf("execution failed: %v", err))
		log.Printf("Step execution failed (step_id: %s, tool: %s, fatal: %t): %v",
			step.ID, step.ToolName, step.Fatal, err)
		e.publishStepFailure(ctx, step, err)
		return
	}

	if result == nil {
		err := queryscale.NewInternalError("execution", "tool returned a nil result map", nil)
		step.UpdateStatus(queryscale.StepStatusFailed, err)
		step.SetErrContext("tool returned nil result")
		e.publishStepFailure(ctx, step, err)
		return
	}

	step.Result = result
	plan.SetResult(step.ID, result)
	step.UpdateStatus(queryscale.StepStatusCompleted, nil)
	log.Printf("Step execution completed (step_id: %s, tool: %s, duration: %v)",
		step.ID, step.ToolName, step.Duration())
	e.bus.Publish(ctx, eventbus.New(eventbus.EventStepSuccess, step.ID, "executor",
		map[string]interface{}{"tool": step.ToolName, "duration_ms": step.Duration().Milliseconds()}))
}

func (e *PlanExecutor) publishStepFailure(ctx context.Context, step *queryscale.PlanStep, err error) {
	e.bus.Publish(ctx, eventbus.New(eventbus.EventStepFailure, step.ID, "executor",
		map[string]interface{}{"tool": step.ToolName, "fatal": step.Fatal, "error": err.Error()}))
}

// skipDependents marks every transitive dependent of failedID as skipped.
func (e *PlanExecutor) skipDependents(ctx context.Context, plan *queryscale.ExecutionPlan, failedID string) {
	plan.StateMutex.Lock()
	defer plan.StateMutex.Unlock()

	frontier := []string{failedID}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, depID := range plan.Dependents[current] {
			step := plan.StepMap[depID]
			if step.GetStatus() != queryscale.StepStatusPending {
				continue
			}
			step.UpdateStatus(queryscale.StepStatusSkipped,
				queryscale.NewPlanExecutionError(
					fmt.Sprintf("step '%s' skipped: dependency '%s' did not complete", depID, current), nil))
			step.SetErrContext(fmt.Sprintf("dependency '%s' failed or was skipped", current))
			e.metrics.recordSkip()
			e.bus.Publish(ctx, eventbus.New(eventbus.EventStepSkipped, depID, "executor",
				map[string]interface{}{"dependency": current}))
			frontier = append(frontier, depID)
		}
	}
}

// readySteps returns all pending steps whose dependencies have completed.
func readySteps(plan *queryscale.ExecutionPlan) []*queryscale.PlanStep {
	plan.StateMutex.RLock()
	defer plan.StateMutex.RUnlock()

	var ready []*queryscale.PlanStep
	for i := range plan.Steps {
		s := plan.StepMap[plan.Steps[i].ID]
		if s.GetStatus() != queryscale.StepStatusPending {
			continue
		}
		eligible := true
		for _, depID := range s.DependsOn {
			dep, exists := plan.StepMap[depID]
			if !exists || dep.GetStatus() != queryscale.StepStatusCompleted {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, s)
		}
	}
	return ready
}

// validatePlan checks referential integrity and rejects cyclic plans before
// any step runs.
func validatePlan(plan *queryscale.ExecutionPlan) error {
	if plan == nil || len(plan.Steps) == 0 {
		return queryscale.NewPlanExecutionError("plan contains no steps", nil)
	}

	for i := range plan.Steps {
		step := &plan.Steps[i]
		for _, depID := range step.DependsOn {
			if _, exists := plan.StepMap[depID]; !exists {
				return queryscale.NewPlanExecutionError(
					fmt.Sprintf("step '%s' depends on unknown step '%s'", step.ID, depID), nil)
			}
		}
	}

	// Kahn-style cycle detection.
	indegree := make(map[string]int, len(plan.Steps))
	for i := range plan.Steps {
		indegree[plan.Steps[i].ID] = len(plan.Steps[i].DependsOn)
	}
	var queue []string
	for id, degree := range indegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++
		for _, depID := range plan.Dependents[current] {
			indegree[depID]--
			if indegree[depID] == 0 {
				queue = append(queue, depID)
			}
		}
	}
	if visited != len(plan.Steps) {
		return queryscale.NewPlanExecutionError("plan contains a dependency cycle", nil)
	}
	return nil
}

// buildBundle assembles per-step outcomes in plan order plus the primary
// artifact, parsed from the primary step's result when it completed.
func (e *PlanExecutor) buildBundle(plan *queryscale.ExecutionPlan, aborted bool) *queryscale.ResultBundle {
	bundle := &queryscale.ResultBundle{Aborted: aborted}
	for i := range plan.Steps {
		s := plan.StepMap[plan.Steps[i].ID]
		bundle.Outcomes = append(bundle.Outcomes, queryscale.StepOutcome{
			StepID:   s.ID,
			ToolName: s.ToolName,
			Status:   s.GetStatus(),
			Result:   s.Result,
			Err:      s.Err,
			Elapsed:  s.Duration(),
		})
	}

	primary := plan.PrimaryStep()
	if primary != nil {
		p := plan.StepMap[primary.ID]
		if p.GetStatus() == queryscale.StepStatusCompleted {
			bundle.Primary = parseArtifact(p.Result)
		}
	}
	return bundle
}

// parseArtifact maps a tool result onto the artifact shape. Tools that
// produce tabular answers use the conventional keys; anything missing is
// left zero.
func parseArtifact(result map[string]interface{}) *queryscale.Artifact {
	artifact := &queryscale.Artifact{Success: true}

	if v, ok := result["query"].(string); ok {
		artifact.Query = v
	}
	if v, ok := result["columns"].([]interface{}); ok {
		for _, col := range v {
			if s, ok := col.(string); ok {
				artifact.Columns = append(artifact.Columns, s)
			}
		}
	} else if v, ok := result["columns"].([]string); ok {
		artifact.Columns = v
	}
	if v, ok := result["rows"].([]interface{}); ok {
		for _, row := range v {
			if m, ok := row.(map[string]interface{}); ok {
				artifact.Rows = append(artifact.Rows, m)
			}
		}
	} else if v, ok := result["rows"].([]map[string]interface{}); ok {
		artifact.Rows = v
	}
	if v, ok := toInt(result["row_count"]); ok {
		artifact.RowCount = v
	} else {
		artifact.RowCount = len(artifact.Rows)
	}
	if v, ok := toInt(result["elapsed_ms"]); ok {
		artifact.ElapsedMS = int64(v)
	}
	if v, ok := result["success"].(bool); ok {
		artifact.Success = v
	}
	if v, ok := result["error"].(string); ok {
		artifact.Error = v
	}
	return artifact
}

func toInt(value interface{}) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
