package evaluator

import (
	"fmt"
	"strings"
	"time"

	queryscale "github.com/ZanzyTHEbar/queryscale"
)

// applyRules runs the deterministic checks and fills in the performance,
// completeness and data-quality dimensions. Correctness and relevance are
// the grader's territory; the rules only pull them down when the artifact
// demonstrably failed.
func (e *ConfidenceEvaluator) applyRules(question string, artifact *queryscale.Artifact, eval *queryscale.Evaluation) {
	e.checkExecution(artifact, eval)
	e.checkPerformance(artifact, eval)
	e.checkCompleteness(artifact, eval)
	e.checkDataQuality(artifact, eval)
}

// checkExecution handles artifacts whose own execution reported failure.
func (e *ConfidenceEvaluator) checkExecution(artifact *queryscale.Artifact, eval *queryscale.Evaluation) {
	if artifact.Success {
		return
	}
	description := "artifact reports execution failure"
	if artifact.Error != "" {
		description = fmt.Sprintf("artifact reports execution failure: %s", artifact.Error)
	}
	eval.Issues = append(eval.Issues, queryscale.Issue{
		Type:        queryscale.IssueLogic,
		Severity:    queryscale.SeverityCritical,
		Description: description,
	})
	eval.Dimensions[queryscale.DimensionCorrectness] = 0
}

// checkPerformance scores elapsed time against the configured bound.
func (e *ConfidenceEvaluator) checkPerformance(artifact *queryscale.Artifact, eval *queryscale.Evaluation) {
	maxMS := e.cfg.MaxQueryTime.Milliseconds()
	if maxMS <= 0 {
		maxMS = (10 * time.Second).Milliseconds()
	}

	score := 100.0
	if artifact.ElapsedMS > maxMS {
		// Degrade linearly: double the budget scores 50.
		score = clamp(100*float64(maxMS)/float64(artifact.ElapsedMS), 0, 100)
		eval.Issues = append(eval.Issues, queryscale.Issue{
			Type:     queryscale.IssuePerformance,
			Severity: queryscale.SeverityWarning,
			Description: fmt.Sprintf("execution took %dms, above the %dms budget",
				artifact.ElapsedMS, maxMS),
		})
		eval.Suggestions = append(eval.Suggestions, queryscale.Suggestion{
			Text:     "Narrow the query with additional filters or a smaller date range.",
			Priority: "medium",
		})
	}
	eval.Dimensions[queryscale.DimensionPerformance] = score
}

// checkCompleteness scores the result volume: empty results and oversized
// results both reduce confidence that the answer is what was asked for.
func (e *ConfidenceEvaluator) checkCompleteness(artifact *queryscale.Artifact, eval *queryscale.Evaluation) {
	score := 100.0

	switch {
	case artifact.RowCount == 0:
		score = 40
		eval.Issues = append(eval.Issues, queryscale.Issue{
			Type:        queryscale.IssueDataQuality,
			Severity:    queryscale.SeverityWarning,
			Description: "query returned no rows",
		})
		eval.Suggestions = append(eval.Suggestions, queryscale.Suggestion{
			Text:     "Verify the filter values; an empty result may mean the filters are too strict.",
			Priority: "high",
		})
	case e.cfg.HardResultRows > 0 && artifact.RowCount > e.cfg.HardResultRows:
		score = 20
		eval.Issues = append(eval.Issues, queryscale.Issue{
			Type:     queryscale.IssuePerformance,
			Severity: queryscale.SeverityCritical,
			Description: fmt.Sprintf("result has %d rows, above the hard limit of %d",
				artifact.RowCount, e.cfg.HardResultRows),
		})
	case e.cfg.MaxResultRows > 0 && artifact.RowCount > e.cfg.MaxResultRows:
		score = 70
		eval.Issues = append(eval.Issues, queryscale.Issue{
			Type:     queryscale.IssuePerformance,
			Severity: queryscale.SeverityWarning,
			Description: fmt.Sprintf("result has %d rows, above the recommended limit of %d",
				artifact.RowCount, e.cfg.MaxResultRows),
		})
		eval.Suggestions = append(eval.Suggestions, queryscale.Suggestion{
			Text:     "Add a LIMIT clause or aggregate the results.",
			Priority: "medium",
		})
	}
	eval.Dimensions[queryscale.DimensionCompleteness] = score
}

// checkDataQuality scores the density of the returned rows. A result where
// most cells are null usually means the query joined or selected the wrong
// columns.
func (e *ConfidenceEvaluator) checkDataQuality(artifact *queryscale.Artifact, eval *queryscale.Evaluation) {
	if len(artifact.Rows) == 0 {
		// Nothing to inspect; completeness already covers the empty case.
		eval.Dimensions[queryscale.DimensionDataQuality] = 100
		return
	}

	var totalCells, nullCells int
	for _, row := range artifact.Rows {
		for _, value := range row {
			totalCells++
			if value == nil {
				nullCells++
				continue
			}
			if s, ok := value.(string); ok && strings.TrimSpace(s) == "" {
				nullCells++
			}
		}
	}
	if totalCells == 0 {
		eval.Dimensions[queryscale.DimensionDataQuality] = 100
		return
	}

	nullRatio := float64(nullCells) / float64(totalCells)
	score := clamp(100*(1-nullRatio), 0, 100)
	if nullRatio > 0.5 {
		eval.Issues = append(eval.Issues, queryscale.Issue{
			Type:     queryscale.IssueDataQuality,
			Severity: queryscale.SeverityWarning,
			Description: fmt.Sprintf("%.0f%% of result cells are empty or null",
				nullRatio*100),
		})
		eval.Suggestions = append(eval.Suggestions, queryscale.Suggestion{
			Text:     "Check the join conditions; sparse results often indicate a mismatched join key.",
			Priority: "medium",
		})
	}
	eval.Dimensions[queryscale.DimensionDataQuality] = score
}
