package executor

import (
	"testing"

	queryscale "github.com/ZanzyTHEbar/queryscale"
)

// completedPlan builds a plan whose single "fetch" step has completed with
// the given result, ready for argument resolution against it.
func completedPlan(t *testing.T, result map[string]interface{}) *queryscale.ExecutionPlan {
	t.Helper()
	plan := queryscale.NewExecutionPlan([]queryscale.PlanStep{
		{ID: "fetch", ToolName: "data_query"},
	})
	step := plan.StepMap["fetch"]
	step.UpdateStatus(queryscale.StepStatusRunning, nil)
	step.Result = result
	plan.SetResult("fetch", result)
	step.UpdateStatus(queryscale.StepStatusCompleted, nil)
	return plan
}

func TestEvaluateExpressionFieldAccess(t *testing.T) {
	plan := completedPlan(t, map[string]interface{}{
		"row_count": 4.0,
		"rows": []interface{}{
			map[string]interface{}{"total": 1250.0},
			map[string]interface{}{"total": 2500.0},
		},
	})

	tests := []struct {
		expr string
		want interface{}
	}{
		{"$fetch.row_count * 2", 8.0},
		{"$fetch.row_count > 3", true},
		{"$fetch.rows[1].total", 2500.0},
		{"len($fetch.rows)", 2.0},
		{"min($fetch.row_count, 2)", 2.0},
		{"max($fetch.row_count, 10)", 10.0},
		{"abs(0 - $fetch.row_count)", 4.0},
		{"round(3.6)", 4.0},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := evaluateExpression(tt.expr, plan)
			if err != nil {
				t.Fatalf("evaluateExpression(%q) failed: %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("evaluateExpression(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvaluateExpressionErrors(t *testing.T) {
	plan := completedPlan(t, map[string]interface{}{"row_count": 4.0})

	for _, expr := range []string{
		"$fetch.row_count +",      // Unparseable
		"exec('rm -rf /')",        // Not a whitelisted function
		"len()",                   // Wrong arity
		"$missing.field * 2",      // Unknown step stays unresolved
		"min($fetch.row_count)",   // min needs two args
	} {
		if _, err := evaluateExpression(expr, plan); err == nil {
			t.Errorf("expected %q to fail", expr)
		}
	}
}

func TestResolveArgumentsDefaultValueFallback(t *testing.T) {
	plan := completedPlan(t, map[string]interface{}{"rows": []interface{}{}})
	step := &queryscale.PlanStep{
		ID: "chart", ToolName: "chart_spec",
		Args: map[string]queryscale.ArgumentSource{
			"title": {
				Type: queryscale.ArgumentSourceStepOutput, StepID: "fetch", OutputField: "title",
				Required: false, DefaultValue: "Untitled",
			},
			"rows": {
				Type: queryscale.ArgumentSourceStepOutput, StepID: "fetch", OutputField: "rows",
				Required: true,
			},
		},
	}

	resolved, err := resolveArguments(step, plan)
	if err != nil {
		t.Fatalf("resolveArguments failed: %v", err)
	}
	if resolved["title"] != "Untitled" {
		t.Errorf("title = %v, want the default value", resolved["title"])
	}
	if resolved["rows"] == nil {
		t.Error("rows missing")
	}
}

func TestResolveArgumentsRequiredFieldMissing(t *testing.T) {
	plan := completedPlan(t, map[string]interface{}{"rows": []interface{}{}})
	step := &queryscale.PlanStep{
		ID: "chart", ToolName: "chart_spec",
		Args: map[string]queryscale.ArgumentSource{
			"title": {
				Type: queryscale.ArgumentSourceStepOutput, StepID: "fetch", OutputField: "title",
				Required: true,
			},
		},
	}

	_, err := resolveArguments(step, plan)
	if err == nil {
		t.Fatal("expected a missing required field to fail resolution")
	}
	if code := queryscale.CodeOf(err); code != queryscale.ErrCodeArgResolution {
		t.Errorf("error code = %s, want %s", code, queryscale.ErrCodeArgResolution)
	}
}

func TestResolveArgumentsOptionalFailureOmitsArg(t *testing.T) {
	plan := completedPlan(t, map[string]interface{}{"rows": []interface{}{}})
	step := &queryscale.PlanStep{
		ID: "chart", ToolName: "chart_spec",
		Args: map[string]queryscale.ArgumentSource{
			"title": {
				Type: queryscale.ArgumentSourceStepOutput, StepID: "fetch", OutputField: "title",
				Required: false, // No default either
			},
		},
	}

	resolved, err := resolveArguments(step, plan)
	if err != nil {
		t.Fatalf("resolveArguments failed: %v", err)
	}
	if _, present := resolved["title"]; present {
		t.Error("an optional unresolvable arg with no default must be omitted")
	}
}

func TestResolveArgumentsWholeResult(t *testing.T) {
	result := map[string]interface{}{"rows": []interface{}{}, "row_count": 0.0}
	plan := completedPlan(t, result)
	step := &queryscale.PlanStep{
		ID: "chart", ToolName: "chart_spec",
		Args: map[string]queryscale.ArgumentSource{
			"input": {
				Type: queryscale.ArgumentSourceStepOutput, StepID: "fetch", Required: true,
			},
		},
	}

	resolved, err := resolveArguments(step, plan)
	if err != nil {
		t.Fatalf("resolveArguments failed: %v", err)
	}
	m, ok := resolved["input"].(map[string]interface{})
	if !ok {
		t.Fatalf("input = %T, want the whole result map", resolved["input"])
	}
	if len(m) != len(result) {
		t.Errorf("input has %d keys, want %d", len(m), len(result))
	}
}

func TestResolveArgumentsIncompleteDependency(t *testing.T) {
	plan := queryscale.NewExecutionPlan([]queryscale.PlanStep{
		{ID: "fetch", ToolName: "data_query"},
	})
	step := &queryscale.PlanStep{
		ID: "chart", ToolName: "chart_spec",
		Args: map[string]queryscale.ArgumentSource{
			"rows": {
				Type: queryscale.ArgumentSourceStepOutput, StepID: "fetch", OutputField: "rows",
				Required: true,
			},
		},
	}

	if _, err := resolveArguments(step, plan); err == nil {
		t.Fatal("expected resolution against a pending dependency to fail")
	}
}
