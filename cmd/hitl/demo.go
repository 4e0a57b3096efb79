package main

import (
	"context"
	"fmt"
	"strings"

	"goa.design/hitl/runtime/hitl/runner/scripted"
)

// orders is the table queried by the demo tools.
var (
	orderColumns = []string{"id", "customer", "total"}
	orders       = [][]any{
		{1, "acme", 120.5},
		{2, "globex", 75.0},
		{3, "initech", 310.25},
	}
)

// demoTools returns the tools of the demo backend: execute_sql runs on the
// server after approval, export_csv runs on the client after approval.
func demoTools() []scripted.Tool {
	return []scripted.Tool{
		{Name: "execute_sql", RequireApproval: true, Execute: executeSQL},
		{Name: "export_csv", RequireApproval: true, Client: true},
	}
}

// demoPlanner maps the user text to a plan with keyword matching.
func demoPlanner(_ context.Context, text string) (scripted.Plan, error) {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "export"):
		return scripted.Plan{
			Text: "I'll export the orders table as CSV.",
			Calls: []scripted.Call{{Tool: "export_csv", Input: map[string]any{
				"filename": "orders.csv",
				"columns":  orderColumns,
				"rows":     orders,
			}}},
		}, nil
	case strings.Contains(lower, "select"), strings.Contains(lower, "sql"),
		strings.Contains(lower, "query"), strings.Contains(lower, "how many"):
		sql := "SELECT COUNT(*) FROM orders"
		if i := strings.Index(lower, "select"); i >= 0 {
			sql = strings.TrimSpace(text[i:])
		}
		return scripted.Plan{
			Text:  "Let me query the database.",
			Calls: []scripted.Call{{Tool: "execute_sql", Input: map[string]any{"sql": sql}}},
		}, nil
	default:
		return scripted.Plan{
			Text: "I can query the orders table or export it as CSV. Ask me to run a query or to export the data.",
		}, nil
	}
}

func executeSQL(_ context.Context, input map[string]any) (any, error) {
	sql, _ := input["sql"].(string)
	if strings.TrimSpace(sql) == "" {
		return nil, fmt.Errorf("missing sql")
	}
	upper := strings.ToUpper(sql)
	if !strings.HasPrefix(upper, "SELECT") {
		return nil, fmt.Errorf("only SELECT statements are supported")
	}
	if strings.Contains(upper, "COUNT(") {
		return map[string]any{"sql": sql, "columns": []string{"count"}, "rows": [][]any{{len(orders)}}}, nil
	}
	return map[string]any{"sql": sql, "columns": orderColumns, "rows": orders}, nil
}
