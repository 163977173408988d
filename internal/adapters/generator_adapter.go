package adapters

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/core"

	queryscale "github.com/ZanzyTHEbar/queryscale"
)

// GenkitGeneratorAdapter uses a Genkit flow to implement the Generator
// contract. The flow prompts the model with the question, the tool schemas,
// and any feedback from earlier rejected attempts, and returns a plan.
type GenkitGeneratorAdapter struct {
	generatorFlow *core.Flow[*queryscale.GeneratorInput, *queryscale.ExecutionPlan, struct{}]
}

// NewGenkitGeneratorAdapter creates an adapter for the generator flow.
func NewGenkitGeneratorAdapter(generatorFlow *core.Flow[*queryscale.GeneratorInput, *queryscale.ExecutionPlan, struct{}]) *GenkitGeneratorAdapter {
	return &GenkitGeneratorAdapter{generatorFlow: generatorFlow}
}

// DraftPlan implements the Generator contract.
func (a *GenkitGeneratorAdapter) DraftPlan(ctx context.Context, input queryscale.GeneratorInput) (*queryscale.ExecutionPlan, error) {
	plan, err := a.generatorFlow.Run(ctx, &input)
	if err != nil {
		return nil, fmt.Errorf("generator flow execution failed: %w", err)
	}
	if plan == nil || len(plan.Steps) == 0 {
		return nil, fmt.Errorf("generator flow returned an empty or nil plan")
	}

	// Flow output arrives deserialized; rebuild the runtime-only state.
	return queryscale.NewExecutionPlan(plan.Steps), nil
}
