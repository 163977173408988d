package queryscale

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// asyncFlow tracks one background question flow.
type asyncFlow struct {
	mu sync.RWMutex

	id        string
	tape      *RegenContext
	cancel    context.CancelFunc
	answer    *Answer
	err       error
	done      bool
	startTime time.Time
	endTime   time.Time
}

// AsyncFlowStatus represents the status information for a background flow.
type AsyncFlowStatus struct {
	FlowID       string        `json:"flow_id"`
	Question     string        `json:"question"`
	CurrentState RegenState    `json:"current_state"`
	Attempts     int           `json:"attempts"`
	StartTime    time.Time     `json:"start_time"`
	Duration     time.Duration `json:"duration"`
	IsComplete   bool          `json:"is_complete"`
	HasError     bool          `json:"has_error"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// ProcessAsync starts answering a question in the background and returns a
// flow ID for polling. The flow runs with its own cancellable context derived
// from ctx.
func (qs *QueryScale) ProcessAsync(ctx context.Context, call CallContext, question string) (string, error) {
	if question == "" {
		return "", NewValidationError("processing", "question cannot be empty", nil)
	}

	flowCtx, cancel := context.WithCancel(ctx)
	flow := &asyncFlow{
		id:        uuid.New().String(),
		tape:      NewRegenContext(question, call),
		cancel:    cancel,
		startTime: time.Now(),
	}

	qs.asyncFlowsMutex.Lock()
	qs.asyncFlows[flow.id] = flow
	qs.asyncFlowsMutex.Unlock()

	go func() {
		defer cancel()
		answer, err := qs.process(flowCtx, flow.tape)

		flow.mu.Lock()
		flow.answer = answer
		flow.err = err
		flow.done = true
		flow.endTime = time.Now()
		flow.mu.Unlock()
	}()

	return flow.id, nil
}

// GetAsyncStatus retrieves the current status of a background flow.
func (qs *QueryScale) GetAsyncStatus(flowID string) (*AsyncFlowStatus, error) {
	flow, err := qs.lookupFlow(flowID)
	if err != nil {
		return nil, err
	}

	flow.mu.RLock()
	defer flow.mu.RUnlock()

	state, attempts, elapsed := flow.tape.Snapshot()
	status := &AsyncFlowStatus{
		FlowID:       flowID,
		Question:     flow.tape.Question,
		CurrentState: state,
		Attempts:     attempts,
		StartTime:    flow.startTime,
		Duration:     elapsed,
		IsComplete:   flow.done,
		HasError:     flow.err != nil,
	}
	if flow.err != nil {
		status.ErrorMessage = flow.err.Error()
	}
	return status, nil
}

// GetAsyncResult retrieves the answer of a completed background flow.
// Returns an error while the flow is still in progress.
func (qs *QueryScale) GetAsyncResult(flowID string) (*Answer, error) {
	flow, err := qs.lookupFlow(flowID)
	if err != nil {
		return nil, err
	}

	flow.mu.RLock()
	defer flow.mu.RUnlock()

	if !flow.done {
		state, _, _ := flow.tape.Snapshot()
		return nil, NewInternalError("async",
			fmt.Sprintf("flow is still in progress (current state: %s)", state), nil)
	}
	if flow.err != nil {
		return nil, flow.err
	}
	return flow.answer, nil
}

// CancelAsyncProcess cancels an in-progress background flow. Returns true if
// a cancellation was issued, false if the flow had already completed.
func (qs *QueryScale) CancelAsyncProcess(flowID string) (bool, error) {
	flow, err := qs.lookupFlow(flowID)
	if err != nil {
		return false, err
	}

	flow.mu.RLock()
	done := flow.done
	flow.mu.RUnlock()
	if done {
		return false, nil
	}

	flow.cancel()
	return true, nil
}

// ListAsyncFlows returns the IDs of all tracked flows and their current states.
func (qs *QueryScale) ListAsyncFlows() map[string]string {
	qs.asyncFlowsMutex.RLock()
	defer qs.asyncFlowsMutex.RUnlock()

	result := make(map[string]string, len(qs.asyncFlows))
	for id, flow := range qs.asyncFlows {
		state, _, _ := flow.tape.Snapshot()
		result[id] = string(state)
	}
	return result
}

// CleanupCompletedFlows removes completed flows older than the given age and
// returns how many were dropped. Prevents the flow table from growing without
// bound on long-lived servers.
func (qs *QueryScale) CleanupCompletedFlows(olderThan time.Duration) int {
	qs.asyncFlowsMutex.Lock()
	defer qs.asyncFlowsMutex.Unlock()

	now := time.Now()
	count := 0
	for id, flow := range qs.asyncFlows {
		flow.mu.RLock()
		expired := flow.done && now.Sub(flow.endTime) > olderThan
		flow.mu.RUnlock()
		if expired {
			delete(qs.asyncFlows, id)
			count++
		}
	}
	return count
}

func (qs *QueryScale) lookupFlow(flowID string) (*asyncFlow, error) {
	qs.asyncFlowsMutex.RLock()
	defer qs.asyncFlowsMutex.RUnlock()

	flow, exists := qs.asyncFlows[flowID]
	if !exists {
		return nil, NewInternalError("async", fmt.Sprintf("flow with ID '%s' not found", flowID), nil)
	}
	return flow, nil
}
