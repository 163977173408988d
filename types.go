package queryscale

import (
	"sync"
	"time"
)

// StepStatus represents the possible states of a plan step.
type StepStatus string

const (
	// StepStatusPending indicates the step is waiting for dependencies.
	StepStatusPending StepStatus = "pending"
	// StepStatusReady indicates the step is ready to be executed.
	StepStatusReady StepStatus = "ready"
	// StepStatusRunning indicates the step is currently executing.
	StepStatusRunning StepStatus = "running"
	// StepStatusCompleted indicates the step has completed successfully.
	StepStatusCompleted StepStatus = "completed"
	// StepStatusFailed indicates the step has failed.
	StepStatusFailed StepStatus = "failed"
	// StepStatusSkipped indicates the step was skipped because a dependency failed.
	StepStatusSkipped StepStatus = "skipped"
	// StepStatusCancelled indicates the step was cancelled.
	StepStatusCancelled StepStatus = "cancelled"
)

// ArgumentSourceType defines the type of source for a step argument.
type ArgumentSourceType string

const (
	// ArgumentSourceLiteral indicates the argument value is a literal value.
	ArgumentSourceLiteral ArgumentSourceType = "literal"

	// ArgumentSourceStepOutput indicates the argument value comes from the output of an earlier step.
	ArgumentSourceStepOutput ArgumentSourceType = "stepOutput"

	// ArgumentSourceExpression indicates the argument value is computed from an expression.
	ArgumentSourceExpression ArgumentSourceType = "expression"
)

// ArgumentSource defines where a step argument's value comes from.
type ArgumentSource struct {
	Type         ArgumentSourceType `json:"type"`
	Value        interface{}        `json:"value,omitempty"`       // Used for literal values
	StepID       string             `json:"stepId,omitempty"`      // Step providing the output
	OutputField  string             `json:"outputField,omitempty"` // Key in the providing step's result map
	Expression   string             `json:"expression,omitempty"`  // Expression to evaluate
	Required     bool               `json:"required,omitempty"`
	DefaultValue interface{}        `json:"defaultValue,omitempty"` // Used if resolution fails and not required
}

// PlanStep represents a single tool invocation in the execution plan.
type PlanStep struct {
	ID        string                    `json:"id"`
	ToolName  string                    `json:"tool_name"`
	Args      map[string]ArgumentSource `json:"args"`
	DependsOn []string                  `json:"depends_on,omitempty"`
	Fatal     bool                      `json:"fatal,omitempty"`   // Failure of this step aborts the plan
	Primary   bool                      `json:"primary,omitempty"` // This step's output is the primary artifact

	// Internal execution state (not serialized)
	status     StepStatus             `json:"-"`
	Result     map[string]interface{} `json:"-"`
	Err        error                  `json:"-"`
	ErrContext string                 `json:"-"`
	mutex      sync.Mutex             `json:"-"`
	DoneCh     chan struct{}          `json:"-"` // Closed when the step reaches a terminal status

	StartTime time.Time `json:"-"`
	EndTime   time.Time `json:"-"`
}

// ExecutionPlan represents the ordered set of steps answering one question.
// Steps form a DAG via DependsOn; the plan is immutable once execution begins.
type ExecutionPlan struct {
	Steps      []PlanStep                        `json:"steps"`
	StepMap    map[string]*PlanStep              `json:"-"` // Populated for quick lookup during execution
	Results    map[string]map[string]interface{} `json:"-"` // Full result map of completed steps, keyed by step ID
	Dependents map[string][]string               `json:"-"` // Reverse dependency index
	StateMutex sync.RWMutex                      `json:"-"`
}

// NewExecutionPlan creates a new execution plan and initializes internal maps.
func NewExecutionPlan(steps []PlanStep) *ExecutionPlan {
	plan := &ExecutionPlan{
		Steps:      steps,
		StepMap:    make(map[string]*PlanStep, len(steps)),
		Results:    make(map[string]map[string]interface{}),
		Dependents: make(map[string][]string, len(steps)),
	}
	for i := range steps {
		step := &plan.Steps[i]
		step.status = StepStatusPending
		step.DoneCh = make(chan struct{})
		plan.StepMap[step.ID] = step
		for _, depID := range step.DependsOn {
			plan.Dependents[depID] = append(plan.Dependents[depID], step.ID)
		}
	}
	return plan
}

// PrimaryStep returns the step flagged as primary, falling back to the first
// step when the generator did not flag one.
func (ep *ExecutionPlan) PrimaryStep() *PlanStep {
	for i := range ep.Steps {
		if ep.Steps[i].Primary {
			return &ep.Steps[i]
		}
	}
	if len(ep.Steps) > 0 {
		return &ep.Steps[0]
	}
	return nil
}

// GetResult safely retrieves a result for a given step ID.
func (ep *ExecutionPlan) GetResult(stepID string) (map[string]interface{}, bool) {
	ep.StateMutex.RLock()
	defer ep.StateMutex.RUnlock()
	result, ok := ep.Results[stepID]
	return result, ok
}

// SetResult safely sets the result for a given step ID.
func (ep *ExecutionPlan) SetResult(stepID string, result map[string]interface{}) {
	ep.StateMutex.Lock()
	defer ep.StateMutex.Unlock()
	ep.Results[stepID] = result
}

// GetStep safely retrieves a step by ID.
func (ep *ExecutionPlan) GetStep(stepID string) (*PlanStep, bool) {
	ep.StateMutex.RLock()
	defer ep.StateMutex.RUnlock()
	step, ok := ep.StepMap[stepID]
	return step, ok
}

// GetStatus safely retrieves the step's current status.
func (s *PlanStep) GetStatus() StepStatus {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.status
}

// UpdateStatus safely updates the step's status and related information.
func (s *PlanStep) UpdateStatus(newStatus StepStatus, err error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	oldStatus := s.status
	s.status = newStatus

	now := time.Now()
	if newStatus == StepStatusRunning && oldStatus != StepStatusRunning {
		s.StartTime = now
	}
	if isTerminalStepStatus(newStatus) && !isTerminalStepStatus(oldStatus) {
		s.EndTime = now
		close(s.DoneCh)
	}

	if err != nil {
		s.Err = err
	}
}

// SetErrContext sets additional context for an error.
func (s *PlanStep) SetErrContext(context string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.ErrContext = context
}

// Duration returns the execution duration of the step.
func (s *PlanStep) Duration() time.Duration {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.StartTime.IsZero() {
		return 0
	}
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

func isTerminalStepStatus(status StepStatus) bool {
	switch status {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	}
	return false
}

// CallContext carries the caller identity through every tool call boundary.
// The protocol client forwards it opaquely; only the server and handlers
// inspect it for per-user authorization.
type CallContext struct {
	UserID string `json:"user_id"`
	Group  string `json:"group,omitempty"`
}

// StepOutcome captures the terminal status of one plan step.
type StepOutcome struct {
	StepID   string                 `json:"step_id"`
	ToolName string                 `json:"tool_name"`
	Status   StepStatus             `json:"status"`
	Result   map[string]interface{} `json:"result,omitempty"`
	Err      error                  `json:"-"`
	Elapsed  time.Duration          `json:"elapsed"`
}

// ResultBundle aggregates the per-step outcomes of one plan execution
// together with the primary artifact, when the primary step succeeded.
type ResultBundle struct {
	Outcomes []StepOutcome `json:"outcomes"` // In plan order
	Primary  *Artifact     `json:"primary,omitempty"`
	Aborted  bool          `json:"aborted"` // A fatal step failed and the plan stopped early
}

// Outcome returns the outcome slot for a step ID, or nil.
func (rb *ResultBundle) Outcome(stepID string) *StepOutcome {
	for i := range rb.Outcomes {
		if rb.Outcomes[i].StepID == stepID {
			return &rb.Outcomes[i]
		}
	}
	return nil
}

// Artifact is the primary artifact produced by a plan: the generated query
// together with its execution outcome. It is what the confidence evaluator
// scores against the original question.
type Artifact struct {
	Query     string                   `json:"query"`
	Columns   []string                 `json:"columns,omitempty"`
	Rows      []map[string]interface{} `json:"rows,omitempty"`
	RowCount  int                      `json:"row_count"`
	ElapsedMS int64                    `json:"elapsed_ms"`
	Success   bool                     `json:"success"`
	Error     string                   `json:"error,omitempty"`
}

// Dimension names one independent quality dimension of an evaluation.
type Dimension string

const (
	DimensionCorrectness  Dimension = "correctness"
	DimensionRelevance    Dimension = "relevance"
	DimensionCompleteness Dimension = "completeness"
	DimensionPerformance  Dimension = "performance"
	DimensionDataQuality  Dimension = "data_quality"
)

// IssueSeverity classifies how serious an evaluation issue is.
type IssueSeverity string

const (
	SeverityCritical IssueSeverity = "critical"
	SeverityWarning  IssueSeverity = "warning"
	SeverityInfo     IssueSeverity = "info"
)

// IssueType classifies what kind of problem an evaluation issue describes.
type IssueType string

const (
	IssueSyntax         IssueType = "syntax"
	IssueLogic          IssueType = "logic"
	IssuePerformance    IssueType = "performance"
	IssueDataQuality    IssueType = "data_quality"
	IssueSchemaMismatch IssueType = "schema_mismatch"
	IssueAnalysisError  IssueType = "analysis_error"
)

// Issue is one structured problem found during evaluation.
type Issue struct {
	Type        IssueType     `json:"type"`
	Severity    IssueSeverity `json:"severity"`
	Description string        `json:"description"`
}

// Suggestion is one actionable improvement emitted by the evaluator.
type Suggestion struct {
	Text     string `json:"text"`
	Priority string `json:"priority,omitempty"`
}

// Evaluation is the scored assessment of one primary artifact.
// Dimensions holds only the dimensions that could actually be assessed; an
// absent dimension is excluded from the weighted aggregate, not zeroed.
type Evaluation struct {
	Confidence  float64               `json:"confidence_score"` // 0-100
	Feedback    string                `json:"feedback,omitempty"`
	Dimensions  map[Dimension]float64 `json:"dimensions,omitempty"` // Each normalized to 0-100
	Issues      []Issue               `json:"issues,omitempty"`
	Suggestions []Suggestion          `json:"suggestions,omitempty"`
}

// CriticalIssues returns the subset of issues with critical severity.
func (e *Evaluation) CriticalIssues() []Issue {
	var critical []Issue
	for _, issue := range e.Issues {
		if issue.Severity == SeverityCritical {
			critical = append(critical, issue)
		}
	}
	return critical
}

// Attempt is one complete draft-execute-evaluate round for a question.
type Attempt struct {
	Index      int // 0 for the initial draft, 1.. for regenerations
	Plan       *ExecutionPlan
	Bundle     *ResultBundle
	Evaluation *Evaluation
	Err        error // Set when the plan aborted before producing an artifact
}

// Score returns the attempt's confidence score, 0 when not evaluated.
func (a *Attempt) Score() float64 {
	if a == nil || a.Evaluation == nil {
		return 0
	}
	return a.Evaluation.Confidence
}

// Answer is the user-visible outcome of one processed question.
type Answer struct {
	Artifact           *Artifact `json:"artifact,omitempty"`
	Confidence         float64   `json:"confidence_score"`
	Accepted           bool      `json:"accepted"`
	Caveat             string    `json:"caveat,omitempty"` // Set when the answer is not fully validated
	RegenerationCount  int       `json:"regeneration_count"`
	RecordID           string    `json:"record_id,omitempty"`
	NotFullyValidated  bool      `json:"not_fully_validated,omitempty"`
	EvaluationFeedback string    `json:"evaluation_feedback,omitempty"`
}

// GeneratorInput contains the information needed by the Generator to draft a plan.
type GeneratorInput struct {
	Question   string                            `json:"question"`
	ToolSchema map[string]map[string]interface{} `json:"tool_schema"`        // Map tool name to its full schema map
	Feedback   []string                          `json:"feedback,omitempty"` // Structured notes from prior failed attempts
	Attempt    int                               `json:"attempt"`            // 0 for the initial draft
}

// ToolDefinition describes one registered tool: its unique name, a
// human-readable description, and the JSON input schema its arguments are
// validated against. Immutable after registry construction.
type ToolDefinition struct {
	Name          string                 `json:"name"`
	Description   string                 `json:"description"`
	InputSchema   map[string]interface{} `json:"inputSchema"`
	AllowedGroups []string               `json:"allowedGroups,omitempty"` // Empty means any caller
}
