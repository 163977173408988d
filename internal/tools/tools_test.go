package tools

import (
	"context"
	"testing"

	queryscale "github.com/ZanzyTHEbar/queryscale"
	"github.com/ZanzyTHEbar/queryscale/internal/registry"
)

func TestRegisterAllSealsRegistry(t *testing.T) {
	reg := registry.New()
	if err := RegisterAll(reg); err != nil {
		t.Fatalf("RegisterAll failed: %v", err)
	}

	for _, name := range []string{"data_query", "chart_spec", "doc_lookup"} {
		if _, err := reg.Lookup(name); err != nil {
			t.Errorf("tool %q missing: %v", name, err)
		}
	}
	if err := reg.Register(NewDataQueryTool()); err == nil {
		t.Error("expected the registry to be sealed after RegisterAll")
	}
}

func TestDataQueryProducesArtifactShape(t *testing.T) {
	tool := NewDataQueryTool()
	result, err := tool.Invoke(context.Background(),
		map[string]interface{}{"query": "SELECT region, SUM(total) FROM sales GROUP BY region"},
		queryscale.CallContext{UserID: "u1"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	for _, key := range []string{"query", "columns", "rows", "row_count", "elapsed_ms", "success"} {
		if _, ok := result[key]; !ok {
			t.Errorf("result missing artifact key %q", key)
		}
	}
	if result["success"] != true {
		t.Error("success = false")
	}
	rows, ok := result["rows"].([]map[string]interface{})
	if !ok || len(rows) == 0 {
		t.Fatalf("rows = %T with %v", result["rows"], result["rows"])
	}
}

func TestDataQueryRejectsEmptyQuery(t *testing.T) {
	tool := NewDataQueryTool()
	if _, err := tool.Invoke(context.Background(),
		map[string]interface{}{"query": "   "}, queryscale.CallContext{}); err == nil {
		t.Fatal("expected an empty query to be rejected")
	}
}

func TestDataQueryHonorsLimit(t *testing.T) {
	tool := NewDataQueryTool()
	result, err := tool.Invoke(context.Background(),
		map[string]interface{}{"query": "SELECT *", "limit": float64(2)},
		queryscale.CallContext{})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if result["row_count"] != 2 {
		t.Errorf("row_count = %v, want 2", result["row_count"])
	}
}

func TestChartSpecDefaultsToBar(t *testing.T) {
	tool := NewChartSpecTool()
	result, err := tool.Invoke(context.Background(),
		map[string]interface{}{"rows": []interface{}{map[string]interface{}{"x": 1}}},
		queryscale.CallContext{})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	spec, ok := result["spec"].(map[string]interface{})
	if !ok {
		t.Fatalf("spec = %T", result["spec"])
	}
	if spec["type"] != "bar" {
		t.Errorf("chart type = %v, want bar", spec["type"])
	}
	if spec["series"] != 1 {
		t.Errorf("series = %v, want 1", spec["series"])
	}
}

func TestDocLookupMatchesTopics(t *testing.T) {
	tool := NewDocLookupTool()
	result, err := tool.Invoke(context.Background(),
		map[string]interface{}{"topic": "how are regions defined?"},
		queryscale.CallContext{})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	snippets, _ := result["snippets"].([]string)
	if len(snippets) != 1 {
		t.Errorf("snippets = %v, want one region snippet", result["snippets"])
	}

	if _, err := tool.Invoke(context.Background(),
		map[string]interface{}{"topic": ""}, queryscale.CallContext{}); err == nil {
		t.Error("expected an empty topic to be rejected")
	}
}
