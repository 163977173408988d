package queryscale

import "fmt"

// Error codes for specific failure types
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeToolNotFound   = "TOOL_NOT_FOUND"
	ErrCodeDuplicateTool  = "DUPLICATE_TOOL"
	ErrCodeToolExecution  = "TOOL_EXECUTION_ERROR"
	ErrCodeArgResolution  = "ARGUMENT_RESOLUTION_ERROR"
	ErrCodePlanGeneration = "PLAN_GENERATION_ERROR"
	ErrCodePlanExecution  = "PLAN_EXECUTION_ERROR"
	ErrCodeEvaluation     = "EVALUATION_ERROR"
	ErrCodeTransport      = "TRANSPORT_ERROR"
	ErrCodeProtocol       = "PROTOCOL_ERROR"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeConfiguration  = "CONFIGURATION_ERROR"
	ErrCodeCancelled      = "EXECUTION_CANCELLED"
	ErrCodeTimeout        = "EXECUTION_TIMEOUT"
	ErrCodeRecord         = "RECORD_ERROR"
	ErrCodeCache          = "CACHE_ERROR"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// QueryScaleError is a custom error type for QueryScale specific errors.
type QueryScaleError struct {
	Code    string // A machine-readable error code (e.g., ErrCodeToolNotFound)
	Message string // A human-readable message
	Stage   string // The stage where the error occurred (e.g., "drafting", "execution")
	Cause   error  // The underlying error, if any
}

// Error implements the error interface.
func (e *QueryScaleError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error, allowing for error chaining.
func (e *QueryScaleError) Unwrap() error {
	return e.Cause
}

// NewError creates a new QueryScaleError.
func NewError(code, stage, message string, cause error) *QueryScaleError {
	return &QueryScaleError{
		Code:    code,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

// IsQueryScaleError reports whether err is a *QueryScaleError.
func IsQueryScaleError(err error) bool {
	_, ok := err.(*QueryScaleError)
	return ok
}

// CodeOf returns the machine-readable code of err, or ErrCodeInternal for foreign errors.
func CodeOf(err error) string {
	if qsErr, ok := err.(*QueryScaleError); ok {
		return qsErr.Code
	}
	return ErrCodeInternal
}

// Specific error constructors

func NewValidationError(stage, message string, cause error) *QueryScaleError {
	return NewError(ErrCodeValidation, stage, message, cause)
}

func NewToolNotFoundError(stage, toolName string) *QueryScaleError {
	return NewError(ErrCodeToolNotFound, stage, fmt.Sprintf("tool '%s' not found", toolName), nil)
}

func NewDuplicateToolError(toolName string) *QueryScaleError {
	return NewError(ErrCodeDuplicateTool, "registration", fmt.Sprintf("tool '%s' already registered", toolName), nil)
}

func NewToolExecutionError(stage, toolName string, cause error) *QueryScaleError {
	return NewError(ErrCodeToolExecution, stage, fmt.Sprintf("execution failed for tool '%s'", toolName), cause)
}

func NewArgResolutionError(stage, stepID, argName string, cause error) *QueryScaleError {
	msg := fmt.Sprintf("failed to resolve argument '%s' for step '%s'", argName, stepID)
	return NewError(ErrCodeArgResolution, stage, msg, cause)
}

func NewPlanGenerationError(cause error) *QueryScaleError {
	return NewError(ErrCodePlanGeneration, "drafting", "failed to generate execution plan", cause)
}

func NewPlanExecutionError(message string, cause error) *QueryScaleError {
	return NewError(ErrCodePlanExecution, "execution", message, cause)
}

func NewEvaluationError(message string, cause error) *QueryScaleError {
	return NewError(ErrCodeEvaluation, "evaluating", message, cause)
}

func NewTransportError(stage string, cause error) *QueryScaleError {
	return NewError(ErrCodeTransport, stage, "transport failure", cause)
}

func NewProtocolError(stage, message string, cause error) *QueryScaleError {
	return NewError(ErrCodeProtocol, stage, message, cause)
}

func NewUnauthorizedError(stage, message string) *QueryScaleError {
	return NewError(ErrCodeUnauthorized, stage, message, nil)
}

func NewConfigurationError(message string, cause error) *QueryScaleError {
	return NewError(ErrCodeConfiguration, "initialization", message, cause)
}

func NewCancelledError(stage string, cause error) *QueryScaleError {
	msg := "execution cancelled"
	if cause != nil && cause.Error() != "" && cause.Error() != "context canceled" {
		msg = fmt.Sprintf("execution cancelled: %v", cause)
	}
	return NewError(ErrCodeCancelled, stage, msg, cause)
}

func NewTimeoutError(stage string, cause error) *QueryScaleError {
	return NewError(ErrCodeTimeout, stage, "execution timed out", cause)
}

func NewRecordError(operation string, cause error) *QueryScaleError {
	return NewError(ErrCodeRecord, "recording", fmt.Sprintf("record operation '%s' failed", operation), cause)
}

func NewCacheError(stage, operation string, cause error) *QueryScaleError {
	return NewError(ErrCodeCache, stage, fmt.Sprintf("cache operation '%s' failed", operation), cause)
}

func NewInternalError(stage, message string, cause error) *QueryScaleError {
	return NewError(ErrCodeInternal, stage, message, cause)
}
