package executor

import (
	"sync"
	"time"

	queryscale "github.com/ZanzyTHEbar/queryscale"
)

// Metrics aggregates per-run execution statistics.
type Metrics struct {
	mu sync.Mutex

	StepsExecuted   int
	StepsSuccessful int
	StepsFailed     int
	StepsSkipped    int
	TotalDuration   time.Duration
	LongestStepTime time.Duration
}

// Copy returns a snapshot without the lock.
func (m *Metrics) Copy() Metrics {
	return Metrics{
		StepsExecuted:   m.StepsExecuted,
		StepsSuccessful: m.StepsSuccessful,
		StepsFailed:     m.StepsFailed,
		StepsSkipped:    m.StepsSkipped,
		TotalDuration:   m.TotalDuration,
		LongestStepTime: m.LongestStepTime,
	}
}

func (m *Metrics) recordSkip() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StepsSkipped++
}

func (e *PlanExecutor) resetMetrics() {
	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()
	e.metrics.StepsExecuted = 0
	e.metrics.StepsSuccessful = 0
	e.metrics.StepsFailed = 0
	e.metrics.StepsSkipped = 0
	e.metrics.TotalDuration = 0
	e.metrics.LongestStepTime = 0
}

func (e *PlanExecutor) recordStepMetrics(step *queryscale.PlanStep) {
	duration := step.Duration()

	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()

	switch step.GetStatus() {
	case queryscale.StepStatusCompleted:
		e.metrics.StepsExecuted++
		e.metrics.StepsSuccessful++
	case queryscale.StepStatusFailed:
		e.metrics.StepsExecuted++
		e.metrics.StepsFailed++
	case queryscale.StepStatusCancelled:
		e.metrics.StepsExecuted++
	default:
		return
	}

	e.metrics.TotalDuration += duration
	if duration > e.metrics.LongestStepTime {
		e.metrics.LongestStepTime = duration
	}
}

// GetMetrics returns a copy of the current execution metrics.
func (e *PlanExecutor) GetMetrics() Metrics {
	e.metrics.mu.Lock()
	defer e.metrics.mu.Unlock()
	return e.metrics.Copy()
}
