// Package queryscale turns natural-language questions into validated data
// answers. A generator drafts a multi-step tool plan, an executor runs it
// through the tool protocol, and a confidence evaluator gates the result;
// low-confidence answers are regenerated with structured feedback until they
// pass or the retry budget runs out. Every completed question leaves one
// immutable audit record.
package queryscale

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/ZanzyTHEbar/queryscale/internal/eventbus"
)

// QueryScale is the main entry point for the question-answering runtime.
type QueryScale struct {
	generator Generator
	executor  Executor
	evaluator Evaluator
	recorder  Recorder
	planCache Cache
	eventBus  eventbus.Bus
	cfg       Config

	// schemas yields the registered tool definitions for generator prompting.
	schemas func() map[string]map[string]interface{}

	asyncFlows      map[string]*asyncFlow
	asyncFlowsMutex sync.RWMutex
}

// Option defines a functional option for configuring QueryScale.
type Option func(*QueryScale)

// WithGenerator sets the plan generator.
func WithGenerator(generator Generator) Option {
	return func(qs *QueryScale) { qs.generator = generator }
}

// WithExecutor sets the plan executor.
func WithExecutor(executor Executor) Option {
	return func(qs *QueryScale) { qs.executor = executor }
}

// WithEvaluator sets the confidence evaluator.
func WithEvaluator(evaluator Evaluator) Option {
	return func(qs *QueryScale) { qs.evaluator = evaluator }
}

// WithRecorder sets the audit recorder. Without one, completed questions are
// not persisted.
func WithRecorder(recorder Recorder) Option {
	return func(qs *QueryScale) { qs.recorder = recorder }
}

// WithPlanCache sets the cache used for initial plan drafts.
func WithPlanCache(cache Cache) Option {
	return func(qs *QueryScale) { qs.planCache = cache }
}

// WithEventBus sets the lifecycle event bus.
func WithEventBus(bus eventbus.Bus) Option {
	return func(qs *QueryScale) { qs.eventBus = bus }
}

// WithConfig sets the runtime configuration.
func WithConfig(cfg Config) Option {
	return func(qs *QueryScale) { qs.cfg = cfg }
}

// WithToolSchemas sets the provider of tool definitions handed to the
// generator. Typically registry.Schemas from the tool registry.
func WithToolSchemas(schemas func() map[string]map[string]interface{}) Option {
	return func(qs *QueryScale) { qs.schemas = schemas }
}

// New creates a new QueryScale instance with the given options.
// Generator, executor and evaluator are required; recorder, plan cache and
// event bus are optional.
func New(ctx context.Context, options ...Option) (*QueryScale, error) {
	qs := &QueryScale{
		cfg:        DefaultConfig(),
		asyncFlows: make(map[string]*asyncFlow),
	}
	for _, option := range options {
		option(qs)
	}

	if qs.generator == nil {
		return nil, NewConfigurationError("generator is required", nil)
	}
	if qs.executor == nil {
		return nil, NewConfigurationError("executor is required", nil)
	}
	if qs.evaluator == nil {
		return nil, NewConfigurationError("evaluator is required", nil)
	}
	if err := qs.cfg.Validate(); err != nil {
		return nil, err
	}
	if qs.schemas == nil {
		qs.schemas = func() map[string]map[string]interface{} { return nil }
	}
	if qs.eventBus == nil {
		if qs.cfg.EnableEventBus {
			qs.eventBus = eventbus.NewChannelBus(
				eventbus.WithBufferSize(qs.cfg.EventBusBufferSize),
				eventbus.WithWorkerCount(qs.cfg.EventBusWorkerCount),
			)
		} else {
			qs.eventBus = eventbus.NewNopBus()
		}
	}
	return qs, nil
}

// EventBus exposes the runtime's event bus for subscriber wiring.
func (qs *QueryScale) EventBus() eventbus.Bus {
	return qs.eventBus
}

// Process answers one natural-language question for one caller. It runs the
// draft-execute-evaluate loop until an attempt is accepted or the retry
// budget is exhausted, writes the audit record, and returns the answer. An
// exhausted flow still returns the best attempt seen, flagged with a caveat;
// an error is returned only when no artifact could be produced at all.
func (qs *QueryScale) Process(ctx context.Context, call CallContext, question string) (*Answer, error) {
	if question == "" {
		return nil, NewValidationError("processing", "question cannot be empty", nil)
	}

	log.Printf("Processing question (user: %s): %s", call.UserID, question)

	tape := NewRegenContext(question, call)
	return qs.process(ctx, tape)
}

// process drives one prepared tape through the state machine to completion.
func (qs *QueryScale) process(ctx context.Context, tape *RegenContext) (*Answer, error) {
	machine := CreateRegenMachine(qs.eventBus, regenComponents{
		generator: qs.generator,
		executor:  qs.executor,
		evaluator: qs.evaluator,
		planCache: qs.planCache,
		cfg:       qs.cfg,
		schemas:   qs.schemas,
	})

	attempt, err := machine.Execute(ctx, tape)
	if err != nil {
		if tape.CurrentState == StateCancelled {
			// Cancelled flows leave no record: there is no final outcome to audit.
			qs.eventBus.Publish(context.Background(),
				eventbus.New(eventbus.EventFlowCancelled, tape.Question, "queryscale", nil))
			return nil, NewCancelledError(tape.ErrorStage, err)
		}
		qs.eventBus.Publish(context.Background(),
			eventbus.New(eventbus.EventFlowFailed, err.Error(), "queryscale", nil))
		return nil, err
	}

	if attempt == nil || attempt.Bundle == nil || attempt.Bundle.Primary == nil {
		qs.eventBus.Publish(context.Background(),
			eventbus.New(eventbus.EventFlowFailed, tape.Question, "queryscale", nil))
		reason := "no attempt produced a primary artifact"
		if attempt != nil && attempt.Err != nil {
			return nil, NewPlanExecutionError(reason, attempt.Err)
		}
		return nil, NewPlanExecutionError(reason, nil)
	}

	record := qs.buildRecord(tape, attempt)
	qs.writeRecord(ctx, record)

	answer := &Answer{
		Artifact:          attempt.Bundle.Primary,
		Confidence:        attempt.Score(),
		Accepted:          tape.Accepted,
		RegenerationCount: tape.RegenerationCount(),
	}
	if record != nil {
		answer.RecordID = record.ID
	}
	if attempt.Evaluation != nil {
		answer.EvaluationFeedback = attempt.Evaluation.Feedback
	}
	if !tape.Accepted {
		answer.NotFullyValidated = true
		answer.Caveat = fmt.Sprintf(
			"This answer scored %.1f out of 100 after %d attempt(s) and did not pass validation; treat the results with caution.",
			attempt.Score(), len(tape.Attempts))
	}

	log.Printf("Question processed (user: %s, accepted: %t, confidence: %.1f, regenerations: %d, duration: %v)",
		tape.Call.UserID, answer.Accepted, answer.Confidence, answer.RegenerationCount, tape.TotalDuration())
	return answer, nil
}

// buildRecord assembles the immutable audit record for a finished flow.
func (qs *QueryScale) buildRecord(tape *RegenContext, attempt *Attempt) *EvaluationRecord {
	artifact := attempt.Bundle.Primary

	record := NewEvaluationRecord(tape.Call.UserID, tape.Question, artifact.Query)
	record.ConfidenceScore = attempt.Score()
	record.RegenerationCount = tape.RegenerationCount()
	record.FinalAccepted = tape.Accepted
	if attempt.Evaluation != nil {
		record.DimensionScores = attempt.Evaluation.Dimensions
		record.Issues = attempt.Evaluation.Issues
		record.Suggestions = attempt.Evaluation.Suggestions
		record.Notes = attempt.Evaluation.Feedback
	}

	success := artifact.Success && attempt.Err == nil
	record.ExecutionSuccess = &success
	elapsed := artifact.ElapsedMS
	record.ExecutionTimeMS = &elapsed
	count := artifact.RowCount
	record.ResultCount = &count
	return record
}

// writeRecord persists the audit record best-effort. Recording failures are
// logged and published, never surfaced to the caller.
func (qs *QueryScale) writeRecord(ctx context.Context, record *EvaluationRecord) {
	if qs.recorder == nil || record == nil {
		return
	}
	if err := record.Validate(qs.cfg.MaxRegenerations); err != nil {
		log.Printf("Audit record failed validation, not persisted (record_id: %s): %v", record.ID, err)
		qs.eventBus.Publish(ctx, eventbus.New(eventbus.EventRecordWriteFailed, record.ID, "queryscale", nil))
		return
	}
	if err := qs.recorder.Record(ctx, record); err != nil {
		log.Printf("Failed to persist audit record (record_id: %s): %v", record.ID, err)
		qs.eventBus.Publish(ctx, eventbus.New(eventbus.EventRecordWriteFailed, record.ID, "queryscale", nil))
		return
	}
	qs.eventBus.Publish(ctx, eventbus.New(eventbus.EventRecordWritten, record.ID, "queryscale", nil))
}

// Shutdown releases runtime resources.
func (qs *QueryScale) Shutdown() {
	if qs.eventBus != nil {
		qs.eventBus.Close()
	}
}
