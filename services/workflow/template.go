package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"recordplane/pkg/errutil"

	"gorm.io/gorm"
)

// templateDefinition is the reusable part of a workflow stored inside a
// WorkflowTemplate. String values may contain {{param}} placeholders.
type templateDefinition struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	TriggerType  string         `json:"triggerType"`
	TriggerField string         `json:"triggerField,omitempty"`
	Conditions   *ConditionTree `json:"conditions,omitempty"`
	Actions      []Action       `json:"actions"`
	Priority     int            `json:"priority,omitempty"`
}

// InstantiateTemplate creates a workflow for a tenant from a template,
// substituting {{param}} placeholders with the supplied values.
func (e *Engine) InstantiateTemplate(ctx context.Context, templateID, tenantID, moduleName string, params map[string]string, actorID string) (*Workflow, error) {
	tpl, err := e.repo.GetTemplate(ctx, templateID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound(fmt.Sprintf("workflow template %s not found", templateID))
	}
	if err != nil {
		return nil, errutil.Internal("failed to load workflow template", err)
	}

	raw := substituteParams(string(tpl.Definition), params)
	var def templateDefinition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return nil, errutil.ValidationFailed("template definition is not valid after substitution", errutil.WithErr(err))
	}

	return e.CreateWorkflow(ctx, CreateWorkflowRequest{
		TenantID:     tenantID,
		ModuleName:   moduleName,
		Name:         def.Name,
		Description:  def.Description,
		TriggerType:  def.TriggerType,
		TriggerField: def.TriggerField,
		Conditions:   def.Conditions,
		Actions:      def.Actions,
		Priority:     def.Priority,
		CreatedBy:    actorID,
	})
}

func (e *Engine) ListTemplates(ctx context.Context) ([]WorkflowTemplate, error) {
	return e.repo.ListTemplates(ctx)
}

func substituteParams(raw string, params map[string]string) string {
	out := raw
	for k, v := range params {
		// Values are spliced into JSON text; escape what json would escape.
		escaped, _ := json.Marshal(v)
		out = strings.ReplaceAll(out, "{{"+k+"}}", strings.Trim(string(escaped), `"`))
	}
	return out
}
