package recorder

import (
	"context"

	queryscale "github.com/ZanzyTHEbar/queryscale"
)

// PerformanceMetrics summarizes how well the confidence evaluator tracks
// real user feedback, computed over all records carrying a performance label.
type PerformanceMetrics struct {
	TruePositives  int     `json:"true_positives"`
	TrueNegatives  int     `json:"true_negatives"`
	FalsePositives int     `json:"false_positives"`
	FalseNegatives int     `json:"false_negatives"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
}

// Metrics aggregates the analyzer-performance labels into precision and
// recall. Precision and recall are zero when undefined.
func (r *SQLiteRecorder) Metrics(ctx context.Context) (*PerformanceMetrics, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT analyzer_performance, COUNT(*) FROM query_evaluations
		WHERE analyzer_performance IS NOT NULL
		GROUP BY analyzer_performance`)
	if err != nil {
		return nil, queryscale.NewRecordError("metrics", err)
	}
	defer rows.Close()

	var m PerformanceMetrics
	for rows.Next() {
		var label string
		var count int
		if err := rows.Scan(&label, &count); err != nil {
			return nil, queryscale.NewRecordError("metrics", err)
		}
		switch queryscale.AnalyzerPerformance(label) {
		case queryscale.TruePositive:
			m.TruePositives = count
		case queryscale.TrueNegative:
			m.TrueNegatives = count
		case queryscale.FalsePositive:
			m.FalsePositives = count
		case queryscale.FalseNegative:
			m.FalseNegatives = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, queryscale.NewRecordError("metrics", err)
	}

	if m.TruePositives+m.FalsePositives > 0 {
		m.Precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	if m.TruePositives+m.FalseNegatives > 0 {
		m.Recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	return &m, nil
}
