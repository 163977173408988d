package queryscale

import "context"

// Generator drafts an execution plan for a user question. It wraps the
// external text-generation collaborator; QueryScale only depends on this
// contract, never on how the text is produced.
type Generator interface {
	DraftPlan(ctx context.Context, input GeneratorInput) (*ExecutionPlan, error)
}

// Tool is one named backend capability invoked uniformly through the
// protocol layer.
type Tool interface {
	// Name returns the tool's unique name.
	Name() string

	// Describe returns the tool's definition, including the JSON input
	// schema used for argument validation and generator prompting.
	Describe() ToolDefinition

	// Invoke performs the tool's action. args contains resolved arguments;
	// call carries the caller identity for per-user authorization.
	Invoke(ctx context.Context, args map[string]interface{}, call CallContext) (map[string]interface{}, error)

	// Validate checks if the provided args are valid for this tool.
	// Returns nil if valid, error otherwise.
	Validate(args map[string]interface{}) error
}

// Executor runs execution plans against the tool protocol.
type Executor interface {
	ExecutePlan(ctx context.Context, plan *ExecutionPlan, call CallContext) (*ResultBundle, error)
}

// Evaluator scores a primary artifact against the original question.
type Evaluator interface {
	Evaluate(ctx context.Context, question string, artifact *Artifact) (*Evaluation, error)
}

// Grader is the external generator acting as a judge of the artifact. The
// confidence evaluator merges its verdict with the deterministic rule set.
type Grader interface {
	Grade(ctx context.Context, question string, artifact *Artifact) (*Evaluation, error)
}

// Recorder persists one immutable audit record per completed question.
// Recording is best-effort: failures are logged by callers, never surfaced
// to the user.
type Recorder interface {
	Record(ctx context.Context, record *EvaluationRecord) error
}

// Cache provides storage for frequently accessed data, like drafted plans.
type Cache interface {
	Get(ctx context.Context, key string) (interface{}, error)
	Set(ctx context.Context, key string, value interface{}) error
}
