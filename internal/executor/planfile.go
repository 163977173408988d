package executor

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	queryscale "github.com/ZanzyTHEbar/queryscale"
)

// planFile is the YAML shape of a hand-authored plan. Used for canned plans
// in development and for generator output that arrives as YAML.
type planFile struct {
	Steps []planFileStep `yaml:"steps"`
}

type planFileStep struct {
	ID        string                 `yaml:"id"`
	Tool      string                 `yaml:"tool"`
	Args      map[string]interface{} `yaml:"args"`
	DependsOn []string               `yaml:"depends_on"`
	Fatal     bool                   `yaml:"fatal"`
	Primary   bool                   `yaml:"primary"`
}

var stepRefPattern = regexp.MustCompile(`^\$([a-zA-Z0-9_]+)(?:\.([a-zA-Z0-9_]+))?$`)

// LoadPlanFile reads and parses a YAML plan from disk.
func LoadPlanFile(path string) (*queryscale.ExecutionPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, queryscale.NewPlanExecutionError(
			fmt.Sprintf("failed to read plan file '%s'", path), err)
	}
	return ParsePlan(data)
}

// ParsePlan parses a YAML plan document into an executable plan. Argument
// values follow a small convention: "$step.field" references an earlier
// step's output, a leading "=" marks an expression, anything else is a
// literal.
func ParsePlan(data []byte) (*queryscale.ExecutionPlan, error) {
	var file planFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, queryscale.NewPlanExecutionError("failed to parse plan document", err)
	}
	if len(file.Steps) == 0 {
		return nil, queryscale.NewPlanExecutionError("plan document contains no steps", nil)
	}

	steps := make([]queryscale.PlanStep, 0, len(file.Steps))
	for _, fs := range file.Steps {
		if fs.ID == "" {
			return nil, queryscale.NewPlanExecutionError("plan step is missing an id", nil)
		}
		if fs.Tool == "" {
			return nil, queryscale.NewPlanExecutionError(
				fmt.Sprintf("plan step '%s' is missing a tool", fs.ID), nil)
		}

		args := make(map[string]queryscale.ArgumentSource, len(fs.Args))
		for name, raw := range fs.Args {
			args[name] = parseArgSource(raw)
		}
		steps = append(steps, queryscale.PlanStep{
			ID:        fs.ID,
			ToolName:  fs.Tool,
			Args:      args,
			DependsOn: fs.DependsOn,
			Fatal:     fs.Fatal,
			Primary:   fs.Primary,
		})
	}
	return queryscale.NewExecutionPlan(steps), nil
}

func parseArgSource(raw interface{}) queryscale.ArgumentSource {
	s, isString := raw.(string)
	if !isString {
		return queryscale.ArgumentSource{
			Type:     queryscale.ArgumentSourceLiteral,
			Value:    raw,
			Required: true,
		}
	}

	if matches := stepRefPattern.FindStringSubmatch(s); matches != nil {
		return queryscale.ArgumentSource{
			Type:        queryscale.ArgumentSourceStepOutput,
			StepID:      matches[1],
			OutputField: matches[2],
			Required:    true,
		}
	}
	if strings.HasPrefix(s, "=") {
		return queryscale.ArgumentSource{
			Type:       queryscale.ArgumentSourceExpression,
			Expression: strings.TrimPrefix(s, "="),
			Required:   true,
		}
	}
	return queryscale.ArgumentSource{
		Type:     queryscale.ArgumentSourceLiteral,
		Value:    s,
		Required: true,
	}
}
