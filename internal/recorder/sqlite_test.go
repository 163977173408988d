package recorder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	queryscale "github.com/ZanzyTHEbar/queryscale"
)

func openTestStore(t *testing.T) *SQLiteRecorder {
	t.Helper()
	store, err := Open(":memory:", queryscale.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRecord(userID string) *queryscale.EvaluationRecord {
	record := queryscale.NewEvaluationRecord(userID, "total sales by region",
		"SELECT region, SUM(total) FROM sales GROUP BY region")
	record.ConfidenceScore = 82.5
	record.DimensionScores = map[queryscale.Dimension]float64{
		queryscale.DimensionCorrectness: 85,
		queryscale.DimensionRelevance:   80,
	}
	record.RegenerationCount = 1
	record.FinalAccepted = true
	success := true
	record.ExecutionSuccess = &success
	elapsed := int64(120)
	record.ExecutionTimeMS = &elapsed
	count := 4
	record.ResultCount = &count
	record.Issues = []queryscale.Issue{
		{Type: queryscale.IssuePerformance, Severity: queryscale.SeverityWarning, Description: "slightly slow"},
	}
	record.Suggestions = []queryscale.Suggestion{
		{Text: "Add an index on region.", Priority: "low"},
	}
	return record
}

func TestRecordRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	record := sampleRecord("u1")
	require.NoError(t, store.Record(ctx, record))

	loaded, err := store.Get(ctx, record.ID)
	require.NoError(t, err)

	assert.Equal(t, record.ID, loaded.ID)
	assert.Equal(t, record.UserID, loaded.UserID)
	assert.Equal(t, record.Question, loaded.Question)
	assert.Equal(t, record.PrimaryArtifact, loaded.PrimaryArtifact)
	assert.Equal(t, record.ConfidenceScore, loaded.ConfidenceScore)
	assert.Equal(t, record.DimensionScores, loaded.DimensionScores)
	assert.Equal(t, record.RegenerationCount, loaded.RegenerationCount)
	assert.True(t, loaded.FinalAccepted)
	require.NotNil(t, loaded.ExecutionSuccess)
	assert.True(t, *loaded.ExecutionSuccess)
	require.NotNil(t, loaded.ExecutionTimeMS)
	assert.Equal(t, int64(120), *loaded.ExecutionTimeMS)
	require.NotNil(t, loaded.ResultCount)
	assert.Equal(t, 4, *loaded.ResultCount)

	require.Len(t, loaded.Issues, 1)
	assert.Equal(t, queryscale.IssuePerformance, loaded.Issues[0].Type)
	require.Len(t, loaded.Suggestions, 1)
	assert.Equal(t, "Add an index on region.", loaded.Suggestions[0].Text)
	assert.Equal(t, "low", loaded.Suggestions[0].Priority)
}

func TestRecordRejectsInvalidRecord(t *testing.T) {
	store := openTestStore(t)

	record := sampleRecord("u1")
	record.ConfidenceScore = 150
	err := store.Record(context.Background(), record)
	require.Error(t, err)
	assert.Equal(t, queryscale.ErrCodeValidation, queryscale.CodeOf(err))

	record = sampleRecord("u1")
	record.RegenerationCount = queryscale.DefaultConfig().MaxRegenerations + 1
	require.Error(t, store.Record(context.Background(), record))
}

func TestAttachFeedbackWritesCorrectionRecord(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	original := sampleRecord("u1")
	require.NoError(t, store.Record(ctx, original))

	correctionID, err := store.AttachFeedback(ctx, original.ID, queryscale.FeedbackNegative, "totals look wrong")
	require.NoError(t, err)
	require.NotEqual(t, original.ID, correctionID)

	correction, err := store.Get(ctx, correctionID)
	require.NoError(t, err)
	assert.Equal(t, queryscale.FeedbackNegative, correction.UserFeedback)
	assert.Equal(t, "totals look wrong", correction.Notes)
	assert.Equal(t, original.ConfidenceScore, correction.ConfidenceScore)
	// Score 82.5 cleared the threshold but the user disagreed.
	assert.Equal(t, queryscale.FalsePositive, correction.Performance)

	// The original row is untouched: no feedback, no label.
	reloaded, err := store.Get(ctx, original.ID)
	require.NoError(t, err)
	assert.Empty(t, reloaded.UserFeedback)
	assert.Empty(t, reloaded.Performance)
	assert.Equal(t, original.Question, reloaded.Question)
}

func TestAttachFeedbackRejectsUnknownLabel(t *testing.T) {
	store := openTestStore(t)
	_, err := store.AttachFeedback(context.Background(), "whatever", queryscale.FeedbackType("meh"), "")
	require.Error(t, err)
	assert.Equal(t, queryscale.ErrCodeValidation, queryscale.CodeOf(err))
}

func TestAttachFeedbackUnknownRecord(t *testing.T) {
	store := openTestStore(t)
	_, err := store.AttachFeedback(context.Background(), "missing-id", queryscale.FeedbackPositive, "")
	require.Error(t, err)
	assert.Equal(t, queryscale.ErrCodeRecord, queryscale.CodeOf(err))
}

func TestListRecent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Record(ctx, sampleRecord("u1")))
	}
	require.NoError(t, store.Record(ctx, sampleRecord("u2")))

	records, err := store.ListRecent(ctx, "u1", 2)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	for _, record := range records {
		assert.Equal(t, "u1", record.UserID)
	}

	all, err := store.ListRecent(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3, "a non-positive limit falls back to the default")
}

func TestGetUnknownRecord(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get(context.Background(), "missing-id")
	require.Error(t, err)
	assert.Equal(t, queryscale.ErrCodeRecord, queryscale.CodeOf(err))
}

func TestMetricsPrecisionRecall(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Two records the evaluator got right, one over-confident, one
	// under-confident.
	feedback := []struct {
		confidence float64
		label      queryscale.FeedbackType
	}{
		{90, queryscale.FeedbackPositive}, // TP
		{90, queryscale.FeedbackPositive}, // TP
		{90, queryscale.FeedbackNegative}, // FP
		{40, queryscale.FeedbackPositive}, // FN
		{40, queryscale.FeedbackNegative}, // TN
	}
	for _, f := range feedback {
		record := sampleRecord("u1")
		record.ConfidenceScore = f.confidence
		require.NoError(t, store.Record(ctx, record))
		_, err := store.AttachFeedback(ctx, record.ID, f.label, "")
		require.NoError(t, err)
	}

	metrics, err := store.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, metrics.TruePositives)
	assert.Equal(t, 1, metrics.TrueNegatives)
	assert.Equal(t, 1, metrics.FalsePositives)
	assert.Equal(t, 1, metrics.FalseNegatives)
	assert.InDelta(t, 2.0/3.0, metrics.Precision, 0.001)
	assert.InDelta(t, 2.0/3.0, metrics.Recall, 0.001)
}

func TestMetricsEmptyStore(t *testing.T) {
	store := openTestStore(t)
	metrics, err := store.Metrics(context.Background())
	require.NoError(t, err)
	assert.Zero(t, metrics.TruePositives)
	assert.Zero(t, metrics.Precision)
	assert.Zero(t, metrics.Recall)
}
