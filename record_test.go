package queryscale

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyPerformance(t *testing.T) {
	threshold := 75.0

	tests := []struct {
		name       string
		confidence float64
		feedback   FeedbackType
		want       AnalyzerPerformance
	}{
		{"high confidence, positive feedback", 90, FeedbackPositive, TruePositive},
		{"high confidence, partially correct", 80, FeedbackPartiallyCorrect, TruePositive},
		{"threshold exactly met counts as high", 75, FeedbackPositive, TruePositive},
		{"low confidence, negative feedback", 40, FeedbackNegative, TrueNegative},
		{"low confidence, missing data", 60, FeedbackMissingData, TrueNegative},
		{"high confidence, negative feedback", 90, FeedbackNegative, FalsePositive},
		{"high confidence, formatting issue", 85, FeedbackFormattingIssue, FalsePositive},
		{"low confidence, positive feedback", 50, FeedbackPositive, FalseNegative},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyPerformance(tt.confidence, threshold, tt.feedback))
		})
	}
}

func TestValidFeedbackType(t *testing.T) {
	assert.True(t, ValidFeedbackType(FeedbackPositive))
	assert.True(t, ValidFeedbackType(FeedbackPartiallyCorrect))
	assert.False(t, ValidFeedbackType(FeedbackType("thumbs_up")))
	assert.False(t, ValidFeedbackType(FeedbackType("")))
}

func TestEvaluationRecordValidate(t *testing.T) {
	valid := func() *EvaluationRecord {
		r := NewEvaluationRecord("u1", "total sales", "SELECT 1")
		r.ConfidenceScore = 80
		r.RegenerationCount = 1
		return r
	}

	t.Run("valid record passes", func(t *testing.T) {
		require.NoError(t, valid().Validate(3))
	})

	t.Run("missing user rejected", func(t *testing.T) {
		r := valid()
		r.UserID = ""
		assert.Error(t, r.Validate(3))
	})

	t.Run("missing artifact rejected", func(t *testing.T) {
		r := valid()
		r.PrimaryArtifact = ""
		assert.Error(t, r.Validate(3))
	})

	t.Run("confidence out of range rejected", func(t *testing.T) {
		r := valid()
		r.ConfidenceScore = 101
		assert.Error(t, r.Validate(3))
		r.ConfidenceScore = -1
		assert.Error(t, r.Validate(3))
	})

	t.Run("dimension score out of range rejected", func(t *testing.T) {
		r := valid()
		r.DimensionScores = map[Dimension]float64{DimensionCorrectness: 120}
		assert.Error(t, r.Validate(3))
	})

	t.Run("regeneration count above bound rejected", func(t *testing.T) {
		r := valid()
		r.RegenerationCount = 4
		assert.Error(t, r.Validate(3))
	})

	t.Run("unknown feedback label rejected", func(t *testing.T) {
		r := valid()
		r.UserFeedback = FeedbackType("meh")
		assert.Error(t, r.Validate(3))
	})

	t.Run("unknown performance label rejected", func(t *testing.T) {
		r := valid()
		r.Performance = AnalyzerPerformance("mixed")
		assert.Error(t, r.Validate(3))
	})
}

func TestNewEvaluationRecordAssignsIdentity(t *testing.T) {
	a := NewEvaluationRecord("u1", "q", "SELECT 1")
	b := NewEvaluationRecord("u1", "q", "SELECT 1")
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.Timestamp.IsZero())
}

func TestConfigValidate(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		require.NoError(t, DefaultConfig().Validate())
	})

	t.Run("threshold out of range", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.AcceptanceThreshold = 150
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative regenerations", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxRegenerations = -1
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero regenerations allowed", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxRegenerations = 0
		assert.NoError(t, cfg.Validate())
	})

	t.Run("concurrency floor", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.MaxConcurrentCalls = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative dimension weight", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.DimensionWeights[DimensionRelevance] = -5
		assert.Error(t, cfg.Validate())
	})
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := t.TempDir() + "/config.yaml"
	content := "acceptance_threshold: 60\nmax_regenerations: 1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 60.0, cfg.AcceptanceThreshold)
	assert.Equal(t, 1, cfg.MaxRegenerations)
	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultConfig().MaxConcurrentCalls, cfg.MaxConcurrentCalls)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	path := t.TempDir() + "/config.yaml"
	require.NoError(t, os.WriteFile(path, []byte("acceptance_threshold: 200\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Equal(t, ErrCodeConfiguration, CodeOf(err))
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(t.TempDir() + "/nope.yaml")
	require.Error(t, err)
	assert.Equal(t, ErrCodeConfiguration, CodeOf(err))
}
