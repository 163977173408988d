// Package tools provides the built-in tool set served by the default
// server: a simulated data query backend, a chart spec builder, and a
// documentation lookup. Real deployments replace data_query with a driver
// for their warehouse; the shapes stay the same.
package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	queryscale "github.com/ZanzyTHEbar/queryscale"
	"github.com/ZanzyTHEbar/queryscale/internal/adapters"
	"github.com/ZanzyTHEbar/queryscale/internal/registry"
)

// RegisterAll registers the built-in tools and seals the registry.
func RegisterAll(reg *registry.Registry) error {
	for _, tool := range []queryscale.Tool{
		NewDataQueryTool(),
		NewChartSpecTool(),
		NewDocLookupTool(),
	} {
		if err := reg.Register(tool); err != nil {
			return err
		}
	}
	reg.Seal()
	return nil
}

// NewDataQueryTool returns the simulated warehouse query tool. Its result
// uses the conventional artifact keys so it can serve as a primary step.
func NewDataQueryTool() queryscale.Tool {
	return adapters.NewFuncTool("data_query",
		func(ctx context.Context, args map[string]interface{}, call queryscale.CallContext) (map[string]interface{}, error) {
			query, _ := args["query"].(string)
			if strings.TrimSpace(query) == "" {
				return nil, fmt.Errorf("query cannot be empty")
			}

			limit := 10
			if v, ok := args["limit"].(float64); ok && v > 0 {
				limit = int(v)
			}

			start := time.Now()
			columns := []string{"region", "total"}
			rows := make([]map[string]interface{}, 0, limit)
			regions := []string{"north", "south", "east", "west"}
			for i := 0; i < limit && i < len(regions); i++ {
				rows = append(rows, map[string]interface{}{
					"region": regions[i],
					"total":  float64((i + 1) * 1250),
				})
			}

			return map[string]interface{}{
				"query":      query,
				"columns":    columns,
				"rows":       rows,
				"row_count":  len(rows),
				"elapsed_ms": time.Since(start).Milliseconds(),
				"success":    true,
			}, nil
		},
		adapters.WithDescription("Runs a read-only query against the data warehouse and returns tabular results."),
		adapters.WithInputSchema(map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "The query to execute.",
					"minLength":   1,
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of rows to return.",
					"minimum":     1,
				},
			},
			"required":             []interface{}{"query"},
			"additionalProperties": false,
		}),
	)
}

// NewChartSpecTool returns the chart spec builder. It consumes rows from an
// earlier data_query step and emits a renderable chart description.
func NewChartSpecTool() queryscale.Tool {
	return adapters.NewFuncTool("chart_spec",
		func(ctx context.Context, args map[string]interface{}, call queryscale.CallContext) (map[string]interface{}, error) {
			chartType, _ := args["chart_type"].(string)
			if chartType == "" {
				chartType = "bar"
			}
			rows, _ := args["rows"].([]interface{})

			return map[string]interface{}{
				"spec": map[string]interface{}{
					"type":   chartType,
					"series": len(rows),
					"title":  args["title"],
				},
				"success": true,
			}, nil
		},
		adapters.WithDescription("Builds a chart specification from tabular rows."),
		adapters.WithInputSchema(map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"rows": map[string]interface{}{
					"type":        "array",
					"description": "Rows to visualize, usually the output of data_query.",
				},
				"chart_type": map[string]interface{}{
					"type": "string",
					"enum": []interface{}{"bar", "line", "pie"},
				},
				"title": map[string]interface{}{
					"type": "string",
				},
			},
			"required":             []interface{}{"rows"},
			"additionalProperties": false,
		}),
	)
}

// NewDocLookupTool returns the documentation lookup tool.
func NewDocLookupTool() queryscale.Tool {
	snippets := map[string]string{
		"revenue":   "Revenue figures are reported net of refunds and aggregated nightly.",
		"regions":   "Regions follow the sales territory model: north, south, east, west.",
		"retention": "Retention is measured as the share of users active 30 days after signup.",
	}

	return adapters.NewFuncTool("doc_lookup",
		func(ctx context.Context, args map[string]interface{}, call queryscale.CallContext) (map[string]interface{}, error) {
			topic, _ := args["topic"].(string)
			if strings.TrimSpace(topic) == "" {
				return nil, fmt.Errorf("topic cannot be empty")
			}

			var found []string
			for key, snippet := range snippets {
				if strings.Contains(strings.ToLower(topic), key) {
					found = append(found, snippet)
				}
			}
			return map[string]interface{}{
				"topic":    topic,
				"snippets": found,
				"success":  true,
			}, nil
		},
		adapters.WithDescription("Looks up internal documentation snippets for a topic."),
		adapters.WithInputSchema(map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"topic": map[string]interface{}{
					"type":      "string",
					"minLength": 1,
				},
			},
			"required":             []interface{}{"topic"},
			"additionalProperties": false,
		}),
	)
}
