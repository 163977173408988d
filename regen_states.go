package queryscale

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/queryscale/internal/eventbus"
)

// RegenState represents the current state of a regeneration flow.
type RegenState string

const (
	// StateDrafting requests one attempt (plan + execution) for the question.
	StateDrafting RegenState = "drafting"
	// StateEvaluating scores the attempt's primary artifact.
	StateEvaluating RegenState = "evaluating"
	// StateRetrying folds evaluation feedback into a new drafting round.
	StateRetrying RegenState = "retrying"
	// StateAccepted is terminal: the attempt cleared the threshold.
	StateAccepted RegenState = "accepted"
	// StateExhausted is terminal: the retry budget ran out; the best attempt
	// seen across all rounds is surfaced with a caveat.
	StateExhausted RegenState = "exhausted"
	// StateFailed is terminal: no attempt could be produced at all.
	StateFailed RegenState = "failed"
	// StateCancelled is terminal: the caller's context was cancelled.
	StateCancelled RegenState = "cancelled"
)

// RegenContext is the tape of the regeneration state machine: everything one
// in-flight question accumulates across drafting rounds. It lives only for
// the duration of that question and is discarded once a terminal state is
// reached.
type RegenContext struct {
	Question string
	Call     CallContext

	// Accumulated structured feedback from prior failed attempts, threaded
	// back into the generator on each new drafting round.
	Feedback []string

	// Every attempt is retained until the loop terminates so the best-of-N
	// selection can be made against the full history.
	Attempts []*Attempt
	Best     *Attempt

	Accepted bool

	// Error handling
	LastError  error
	ErrorStage string

	// State management. The machine goroutine owns all writes; observers on
	// other goroutines must go through Snapshot.
	CurrentState RegenState
	StateTrace   []RegenState
	mu           sync.RWMutex

	// Timestamp tracking
	StartTime       time.Time
	EndTime         time.Time
	StateStartTimes map[RegenState]time.Time
}

// NewRegenContext creates a fresh tape for one question.
func NewRegenContext(question string, call CallContext) *RegenContext {
	return &RegenContext{
		Question:        question,
		Call:            call,
		CurrentState:    StateDrafting,
		StartTime:       time.Now(),
		StateStartTimes: map[RegenState]time.Time{StateDrafting: time.Now()},
	}
}

// AttemptIndex returns the zero-based index the next attempt will get.
func (rc *RegenContext) AttemptIndex() int {
	return len(rc.Attempts)
}

// RegenerationCount returns the number of regeneration rounds performed so
// far (attempts beyond the first).
func (rc *RegenContext) RegenerationCount() int {
	if len(rc.Attempts) == 0 {
		return 0
	}
	return len(rc.Attempts) - 1
}

// LastAttempt returns the most recent attempt, or nil.
func (rc *RegenContext) LastAttempt() *Attempt {
	if len(rc.Attempts) == 0 {
		return nil
	}
	return rc.Attempts[len(rc.Attempts)-1]
}

// RecordAttempt appends an attempt and refreshes the best-of-N pointer.
// A strictly higher score is required to displace the current best, so the
// earliest of equally scored attempts wins.
func (rc *RegenContext) RecordAttempt(attempt *Attempt) {
	rc.mu.Lock()
	rc.Attempts = append(rc.Attempts, attempt)
	rc.mu.Unlock()
	if rc.Best == nil || attempt.Score() > rc.Best.Score() {
		rc.Best = attempt
	}
}

// Snapshot returns the state, attempt count and elapsed time for observers
// running outside the machine goroutine.
func (rc *RegenContext) Snapshot() (state RegenState, attempts int, elapsed time.Duration) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	state = rc.CurrentState
	attempts = len(rc.Attempts)
	if !rc.EndTime.IsZero() {
		elapsed = rc.EndTime.Sub(rc.StartTime)
	} else {
		elapsed = time.Since(rc.StartTime)
	}
	return state, attempts, elapsed
}

// IsTerminal checks if the current state is a terminal state.
func (rc *RegenContext) IsTerminal() bool {
	switch rc.CurrentState {
	case StateAccepted, StateExhausted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// SetError records the error and transitions to StateFailed.
func (rc *RegenContext) SetError(err error, stage string) {
	rc.LastError = err
	rc.ErrorStage = stage
	rc.enterState(StateFailed)
}

// SetCancelled records the cancellation and transitions to StateCancelled.
func (rc *RegenContext) SetCancelled(err error, stage string) {
	rc.LastError = err
	rc.ErrorStage = stage
	rc.enterState(StateCancelled)
}

func (rc *RegenContext) enterState(state RegenState) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.StateTrace = append(rc.StateTrace, rc.CurrentState)
	rc.CurrentState = state
	rc.StateStartTimes[state] = time.Now()
	if rc.IsTerminal() {
		rc.EndTime = time.Now()
	}
}

// TotalDuration returns the wall time of the flow so far.
func (rc *RegenContext) TotalDuration() time.Duration {
	if !rc.EndTime.IsZero() {
		return rc.EndTime.Sub(rc.StartTime)
	}
	return time.Since(rc.StartTime)
}

// RegenTransition defines a transition function for the state machine.
type RegenTransition func(ctx context.Context, bus eventbus.Bus, rc *RegenContext) (RegenState, error)

// RegenMachine is the state machine driving the regeneration loop.
type RegenMachine struct {
	transitions map[RegenState]RegenTransition
	bus         eventbus.Bus
}

// NewRegenMachine creates a state machine with no transitions registered.
func NewRegenMachine(bus eventbus.Bus) *RegenMachine {
	return &RegenMachine{
		transitions: make(map[RegenState]RegenTransition),
		bus:         bus,
	}
}

// RegisterTransition registers a state transition function.
func (sm *RegenMachine) RegisterTransition(state RegenState, transition RegenTransition) {
	sm.transitions[state] = transition
}

// Execute runs the state machine until a terminal state is reached. On
// Accepted it returns the accepted attempt; on Exhausted it returns the
// best-scoring attempt across all rounds. Cancellation stops the flow before
// the next round; in-flight work is not torn down abruptly.
func (sm *RegenMachine) Execute(ctx context.Context, rc *RegenContext) (*Attempt, error) {
	for !rc.IsTerminal() {
		select {
		case <-ctx.Done():
			rc.SetCancelled(ctx.Err(), string(rc.CurrentState))
			return nil, ctx.Err()
		default:
		}

		transition, exists := sm.transitions[rc.CurrentState]
		if !exists {
			err := NewInternalError(string(rc.CurrentState),
				fmt.Sprintf("no transition defined for state '%s'", rc.CurrentState), nil)
			rc.SetError(err, string(rc.CurrentState))
			return nil, err
		}

		nextState, err := transition(ctx, sm.bus, rc)
		if err != nil {
			stage := string(rc.CurrentState)
			if err == context.Canceled || err == context.DeadlineExceeded {
				rc.SetCancelled(err, stage)
			} else if !rc.IsTerminal() {
				rc.SetError(err, stage)
			}
			continue
		}

		if !rc.IsTerminal() {
			rc.enterState(nextState)
		}
	}

	switch rc.CurrentState {
	case StateAccepted:
		return rc.LastAttempt(), nil
	case StateExhausted:
		return rc.Best, nil
	case StateCancelled:
		return nil, rc.LastError
	default:
		return nil, rc.LastError
	}
}
