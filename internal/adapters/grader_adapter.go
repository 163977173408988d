package adapters

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/core"

	queryscale "github.com/ZanzyTHEbar/queryscale"
)

// GraderInput is the payload handed to the grader flow.
type GraderInput struct {
	Question string               `json:"question"`
	Artifact *queryscale.Artifact `json:"artifact"`
}

// GenkitGraderAdapter uses a Genkit flow to implement the Grader contract.
// The flow judges the artifact against the question and returns dimension
// scores, issues and suggestions; the confidence evaluator merges that
// verdict with its deterministic rules.
type GenkitGraderAdapter struct {
	graderFlow *core.Flow[*GraderInput, *queryscale.Evaluation, struct{}]
}

// NewGenkitGraderAdapter creates an adapter for the grader flow.
func NewGenkitGraderAdapter(graderFlow *core.Flow[*GraderInput, *queryscale.Evaluation, struct{}]) *GenkitGraderAdapter {
	return &GenkitGraderAdapter{graderFlow: graderFlow}
}

// Grade implements the Grader contract.
func (a *GenkitGraderAdapter) Grade(ctx context.Context, question string, artifact *queryscale.Artifact) (*queryscale.Evaluation, error) {
	verdict, err := a.graderFlow.Run(ctx, &GraderInput{Question: question, Artifact: artifact})
	if err != nil {
		return nil, fmt.Errorf("grader flow execution failed: %w", err)
	}
	if verdict == nil {
		return nil, fmt.Errorf("grader flow returned a nil verdict")
	}
	return verdict, nil
}
