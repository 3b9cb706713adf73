package workflow

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// TestRunResult is the full per-condition/per-action trace returned by the
// dry-run surface. Nothing is persisted and no external call is made.
type TestRunResult struct {
	Matched    bool         `json:"matched"`
	Operator   string       `json:"operator,omitempty"`
	Conditions []RuleTrace  `json:"conditions,omitempty"`
	Actions    []ActionPlan `json:"actions,omitempty"`
}

// ActionPlan describes what one action would do with the sample data.
type ActionPlan struct {
	Kind    string         `json:"kind"`
	Valid   bool           `json:"valid"`
	Summary string         `json:"summary"`
	Payload map[string]any `json:"payload,omitempty"`
}

// TestRun evaluates a workflow definition against ad hoc sample data. It is
// used by authoring tools to preview behaviour before saving the workflow.
func (e *Engine) TestRun(ctx context.Context, tenantID string, conditions *ConditionTree, actions []Action, sampleData map[string]any) (*TestRunResult, error) {
	matched, traces := evaluateWithTrace(conditions, sampleData)
	result := &TestRunResult{
		Matched:    matched,
		Conditions: traces,
	}
	if conditions != nil {
		result.Operator = conditions.Operator
	}
	if !matched {
		return result, nil
	}

	ev := Event{TenantID: tenantID, Data: sampleData}
	for _, action := range actions {
		result.Actions = append(result.Actions, planAction(action, ev))
	}
	return result, nil
}

func planAction(action Action, ev Event) ActionPlan {
	plan := ActionPlan{Kind: action.Kind, Valid: true}
	switch action.Kind {
	case ActionSendEmail:
		to := configString(action.Config, "to")
		if to == "" {
			return invalidPlan(action, "sendEmail action requires a recipient")
		}
		plan.Summary = fmt.Sprintf("would send email to %s", to)
		plan.Payload = map[string]any{
			"to":      to,
			"subject": renderTemplate(configString(action.Config, "subject"), ev.Data),
			"body":    renderTemplate(configString(action.Config, "body"), ev.Data),
		}
	case ActionNotification:
		recipient := configString(action.Config, "recipient")
		plan.Summary = fmt.Sprintf("would notify %s", recipient)
		plan.Payload = map[string]any{
			"recipient": recipient,
			"message":   renderTemplate(configString(action.Config, "message"), ev.Data),
		}
	case ActionUpdateRecord:
		fields, ok := action.Config["fields"].(map[string]any)
		if !ok || len(fields) == 0 {
			return invalidPlan(action, "updateRecord action requires fields")
		}
		plan.Summary = "would merge fields into the triggering record"
		plan.Payload = map[string]any{"fields": fields}
	case ActionCreateRecord:
		module := configString(action.Config, "module")
		data, _ := action.Config["data"].(map[string]any)
		if module == "" || len(data) == 0 {
			return invalidPlan(action, "createRecord action requires a module and data")
		}
		plan.Summary = fmt.Sprintf("would create a record in module %q", module)
		plan.Payload = map[string]any{"module": module, "data": data}
	case ActionWebhook:
		url := configString(action.Config, "url")
		if url == "" {
			return invalidPlan(action, "webhook action requires a url")
		}
		method := strings.ToUpper(configString(action.Config, "method"))
		if method == "" {
			method = http.MethodPost
		}
		plan.Summary = fmt.Sprintf("would call %s %s", method, url)
		plan.Payload = map[string]any{
			"url":    url,
			"method": method,
			"body":   renderTemplate(configString(action.Config, "body"), ev.Data),
		}
	default:
		return invalidPlan(action, fmt.Sprintf("unknown action kind %q", action.Kind))
	}
	return plan
}

func invalidPlan(action Action, reason string) ActionPlan {
	return ActionPlan{Kind: action.Kind, Valid: false, Summary: reason}
}
