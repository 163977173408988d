package queryscale

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FeedbackType enumerates the fixed set of user feedback labels.
type FeedbackType string

const (
	FeedbackPositive         FeedbackType = "positive"
	FeedbackNegative         FeedbackType = "negative"
	FeedbackNeutral          FeedbackType = "neutral"
	FeedbackPartiallyCorrect FeedbackType = "partially_correct"
	FeedbackMissingData      FeedbackType = "missing_data"
	FeedbackFormattingIssue  FeedbackType = "formatting_issue"
)

// ValidFeedbackType reports whether f is one of the fixed feedback labels.
func ValidFeedbackType(f FeedbackType) bool {
	switch f {
	case FeedbackPositive, FeedbackNegative, FeedbackNeutral,
		FeedbackPartiallyCorrect, FeedbackMissingData, FeedbackFormattingIssue:
		return true
	}
	return false
}

// AnalyzerPerformance classifies evaluator performance from confidence score
// versus user feedback.
type AnalyzerPerformance string

const (
	// TruePositive: high confidence + positive feedback. Evaluator working well.
	TruePositive AnalyzerPerformance = "true_positive"
	// TrueNegative: low confidence + negative feedback. Evaluator correctly flagged issues.
	TrueNegative AnalyzerPerformance = "true_negative"
	// FalsePositive: high confidence + negative feedback. Over-confidence.
	FalsePositive AnalyzerPerformance = "false_positive"
	// FalseNegative: low confidence + positive feedback. Threshold may be too high.
	FalseNegative AnalyzerPerformance = "false_negative"
)

// ValidAnalyzerPerformance reports whether p is one of the fixed classification labels.
func ValidAnalyzerPerformance(p AnalyzerPerformance) bool {
	switch p {
	case TruePositive, TrueNegative, FalsePositive, FalseNegative:
		return true
	}
	return false
}

// ClassifyPerformance derives the analyzer-performance label from a
// confidence score, the acceptance threshold, and a user feedback label.
func ClassifyPerformance(confidence, threshold float64, feedback FeedbackType) AnalyzerPerformance {
	highConfidence := confidence >= threshold
	positiveFeedback := feedback == FeedbackPositive || feedback == FeedbackPartiallyCorrect

	switch {
	case highConfidence && positiveFeedback:
		return TruePositive
	case !highConfidence && !positiveFeedback:
		return TrueNegative
	case highConfidence && !positiveFeedback:
		return FalsePositive
	default:
		return FalseNegative
	}
}

// EvaluationRecord is the immutable audit entry capturing one completed
// question: inputs, scores, retry count, and final outcome. Records are
// never mutated after creation; corrections are written as new records so
// the audit history is preserved.
type EvaluationRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	UserID          string `json:"user_id"`
	Question        string `json:"question"`
	PrimaryArtifact string `json:"primary_artifact"` // Typically the generated query text

	ConfidenceScore   float64               `json:"confidence_score"`
	DimensionScores   map[Dimension]float64 `json:"dimension_scores,omitempty"`
	UserFeedback      FeedbackType          `json:"user_feedback,omitempty"`
	ExecutionSuccess  *bool                 `json:"execution_success,omitempty"`
	ExecutionTimeMS   *int64                `json:"execution_time_ms,omitempty"`
	ResultCount       *int                  `json:"result_count,omitempty"`
	RegenerationCount int                   `json:"regeneration_count"`
	FinalAccepted     bool                  `json:"final_accepted"`
	Performance       AnalyzerPerformance   `json:"analyzer_performance,omitempty"`
	Notes             string                `json:"notes,omitempty"`

	Issues      []Issue      `json:"issues,omitempty"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
}

// NewEvaluationRecord creates a record with a fresh identifier and timestamp.
func NewEvaluationRecord(userID, question, artifact string) *EvaluationRecord {
	return &EvaluationRecord{
		ID:              uuid.New().String(),
		Timestamp:       time.Now().UTC(),
		UserID:          userID,
		Question:        question,
		PrimaryArtifact: artifact,
	}
}

// Validate checks the record invariants before persistence. maxRegenerations
// is the configured bound on regeneration rounds.
func (r *EvaluationRecord) Validate(maxRegenerations int) error {
	if r.UserID == "" {
		return NewValidationError("recording", "user_id is required", nil)
	}
	if r.Question == "" {
		return NewValidationError("recording", "question is required", nil)
	}
	if r.PrimaryArtifact == "" {
		return NewValidationError("recording", "primary_artifact is required", nil)
	}
	if r.ConfidenceScore < 0 || r.ConfidenceScore > 100 {
		return NewValidationError("recording",
			fmt.Sprintf("confidence_score %.2f outside [0,100]", r.ConfidenceScore), nil)
	}
	for dim, score := range r.DimensionScores {
		if score < 0 || score > 100 {
			return NewValidationError("recording",
				fmt.Sprintf("%s score %.2f outside [0,100]", dim, score), nil)
		}
	}
	if r.RegenerationCount < 0 || r.RegenerationCount > maxRegenerations {
		return NewValidationError("recording",
			fmt.Sprintf("regeneration_count %d outside [0,%d]", r.RegenerationCount, maxRegenerations), nil)
	}
	if r.UserFeedback != "" && !ValidFeedbackType(r.UserFeedback) {
		return NewValidationError("recording",
			fmt.Sprintf("unknown user_feedback label '%s'", r.UserFeedback), nil)
	}
	if r.Performance != "" && !ValidAnalyzerPerformance(r.Performance) {
		return NewValidationError("recording",
			fmt.Sprintf("unknown analyzer_performance label '%s'", r.Performance), nil)
	}
	return nil
}
