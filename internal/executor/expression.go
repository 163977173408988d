package executor

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/Knetic/govaluate"

	queryscale "github.com/ZanzyTHEbar/queryscale"
)

// resolveArguments produces the concrete argument map for a step from its
// declared sources: literals pass through, step outputs are read from
// completed dependencies, expressions are evaluated over dependency results.
func resolveArguments(step *queryscale.PlanStep, plan *queryscale.ExecutionPlan) (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(step.Args))

	for argName, source := range step.Args {
		var value interface{}
		var err error

		switch source.Type {
		case queryscale.ArgumentSourceLiteral:
			value = source.Value

		case queryscale.ArgumentSourceStepOutput:
			value, err = resolveStepOutput(step, plan, argName, source)

		case queryscale.ArgumentSourceExpression:
			if source.Expression == "" {
				err = queryscale.NewArgResolutionError("execution", step.ID, argName,
					fmt.Errorf("empty expression"))
				break
			}
			value, err = evaluateExpression(source.Expression, plan)
			if err != nil {
				err = queryscale.NewArgResolutionError("execution", step.ID, argName, err)
			}

		default:
			err = queryscale.NewArgResolutionError("execution", step.ID, argName,
				fmt.Errorf("unknown argument source type '%s'", source.Type))
		}

		if err != nil {
			if !source.Required && source.DefaultValue != nil {
				resolved[argName] = source.DefaultValue
				continue
			}
			if source.Required {
				return nil, err
			}
			continue
		}
		resolved[argName] = value
	}
	return resolved, nil
}

// resolveStepOutput reads one field out of a completed dependency's result.
// An empty or "*" field selects the whole result map.
func resolveStepOutput(step *queryscale.PlanStep, plan *queryscale.ExecutionPlan, argName string, source queryscale.ArgumentSource) (interface{}, error) {
	depStep, exists := plan.GetStep(source.StepID)
	if !exists {
		return nil, queryscale.NewArgResolutionError("execution", step.ID, argName,
			fmt.Errorf("source step '%s' not found in plan", source.StepID))
	}
	if depStep.GetStatus() != queryscale.StepStatusCompleted {
		return nil, queryscale.NewArgResolutionError("execution", step.ID, argName,
			fmt.Errorf("source step '%s' has status '%s', expected completed",
				source.StepID, depStep.GetStatus()))
	}

	result, ok := plan.GetResult(source.StepID)
	if !ok {
		return nil, queryscale.NewArgResolutionError("execution", step.ID, argName,
			fmt.Errorf("no result recorded for completed step '%s'", source.StepID))
	}

	if source.OutputField == "" || source.OutputField == "*" {
		return result, nil
	}
	value, exists := result[source.OutputField]
	if !exists {
		return nil, queryscale.NewArgResolutionError("execution", step.ID, argName,
			fmt.Errorf("output field '%s' not found in result of step '%s'",
				source.OutputField, source.StepID))
	}
	return value, nil
}

var exprVarPattern = regexp.MustCompile(`\$([a-zA-Z0-9_]+)((?:\.[a-zA-Z0-9_]+|\[[0-9]+\])*)`)

// evaluateExpression evaluates an arithmetic/logical expression over
// dependency results. $step and $step.field references are substituted with
// the recorded result values; only whitelisted functions are callable.
func evaluateExpression(expr string, plan *queryscale.ExecutionPlan) (interface{}, error) {
	variables := map[string]interface{}{}
	replaced := exprVarPattern.ReplaceAllStringFunc(expr, func(matched string) string {
		matches := exprVarPattern.FindStringSubmatch(matched)
		stepID := matches[1]
		accessors := matches[2]

		result, ok := plan.GetResult(stepID)
		if !ok {
			return matched
		}

		var value interface{} = result
		accRe := regexp.MustCompile(`(\.[a-zA-Z0-9_]+|\[[0-9]+\])`)
		accMatches := accRe.FindAllString(accessors, -1)
		for _, acc := range accMatches {
			switch {
			case strings.HasPrefix(acc, "."):
				m, ok := value.(map[string]interface{})
				if !ok {
					return matched
				}
				v, exists := m[acc[1:]]
				if !exists {
					return matched
				}
				value = v
			case strings.HasPrefix(acc, "["):
				arr, ok := value.([]interface{})
				if !ok {
					return matched
				}
				idx, err := strconv.Atoi(acc[1 : len(acc)-1])
				if err != nil || idx < 0 || idx >= len(arr) {
					return matched
				}
				value = arr[idx]
			}
		}

		varName := stepID
		for _, acc := range accMatches {
			varName += strings.NewReplacer(".", "_", "[", "_", "]", "").Replace(acc)
		}
		variables[varName] = value
		return varName
	})

	evalExpr, err := govaluate.NewEvaluableExpressionWithFunctions(replaced, whitelistedFunctions())
	if err != nil {
		return nil, fmt.Errorf("failed to parse expression '%s': %w", expr, err)
	}
	result, err := evalExpr.Evaluate(variables)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression '%s': %w", expr, err)
	}
	return result, nil
}

// whitelistedFunctions returns the fixed set of functions expressions may
// call. Nothing here touches the filesystem, network, or process state.
func whitelistedFunctions() map[string]govaluate.ExpressionFunction {
	return map[string]govaluate.ExpressionFunction{
		"len": func(args ...interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("len expects exactly one argument")
			}
			switch v := args[0].(type) {
			case string:
				return float64(len(v)), nil
			case []interface{}:
				return float64(len(v)), nil
			case map[string]interface{}:
				return float64(len(v)), nil
			default:
				return nil, fmt.Errorf("len does not support type %T", v)
			}
		},
		"min": func(args ...interface{}) (interface{}, error) {
			return foldFloats("min", args, math.Min)
		},
		"max": func(args ...interface{}) (interface{}, error) {
			return foldFloats("max", args, math.Max)
		},
		"abs": func(args ...interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("abs expects exactly one argument")
			}
			f, ok := args[0].(float64)
			if !ok {
				return nil, fmt.Errorf("abs expects a number, got %T", args[0])
			}
			return math.Abs(f), nil
		},
		"round": func(args ...interface{}) (interface{}, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("round expects exactly one argument")
			}
			f, ok := args[0].(float64)
			if !ok {
				return nil, fmt.Errorf("round expects a number, got %T", args[0])
			}
			return math.Round(f), nil
		},
		"coalesce": func(args ...interface{}) (interface{}, error) {
			for _, arg := range args {
				if arg != nil {
					return arg, nil
				}
			}
			return nil, nil
		},
	}
}

func foldFloats(name string, args []interface{}, fold func(float64, float64) float64) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("%s expects at least two arguments", name)
	}
	acc, ok := args[0].(float64)
	if !ok {
		return nil, fmt.Errorf("%s expects numbers, got %T", name, args[0])
	}
	for _, arg := range args[1:] {
		f, ok := arg.(float64)
		if !ok {
			return nil, fmt.Errorf("%s expects numbers, got %T", name, arg)
		}
		acc = fold(acc, f)
	}
	return acc, nil
}
