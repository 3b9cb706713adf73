package workflow

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Trigger types fired by the record store (and the scheduler collaborator).
const (
	TriggerOnCreate       = "onCreate"
	TriggerOnUpdate       = "onUpdate"
	TriggerOnDelete       = "onDelete"
	TriggerOnFieldChange  = "onFieldChange"
	TriggerOnStatusChange = "onStatusChange"
	TriggerOnSchedule     = "onSchedule"
)

// Action kinds executed by the engine.
const (
	ActionSendEmail    = "sendEmail"
	ActionUpdateRecord = "updateRecord"
	ActionCreateRecord = "createRecord"
	ActionNotification = "notification"
	ActionWebhook      = "webhook"
)

const (
	OperatorAnd = "AND"
	OperatorOr  = "OR"
)

// ConditionRule is one flat {field, operator, value} check.
type ConditionRule struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// ConditionTree is AND|OR over a flat rule list; no deeper nesting.
type ConditionTree struct {
	Operator string          `json:"operator"`
	Rules    []ConditionRule `json:"rules"`
}

// Action is one ordered workflow step. Config depends on the kind:
// sendEmail{to,subject,body}, updateRecord{fields}, createRecord{module,data},
// notification{recipient,message}, webhook{url,method,headers,body}.
type Action struct {
	Kind   string         `json:"kind"`
	Config map[string]any `json:"config"`
}

// Workflow is one automation rule bound to a module.
type Workflow struct {
	ID           string         `gorm:"column:id;primaryKey"`
	TenantID     string         `gorm:"column:tenant_id;index:idx_workflow_tenant_module"`
	ModuleName   string         `gorm:"column:module_name;index:idx_workflow_tenant_module"`
	Name         string         `gorm:"column:name"`
	Description  string         `gorm:"column:description"`
	TriggerType  string         `gorm:"column:trigger_type"`
	TriggerField string         `gorm:"column:trigger_field"`
	Schedule     string         `gorm:"column:schedule"`
	Conditions   datatypes.JSON `gorm:"column:conditions"`
	Actions      datatypes.JSON `gorm:"column:actions"`
	IsActive     bool           `gorm:"column:is_active;index:idx_workflow_tenant_module"`
	Priority     int            `gorm:"column:priority"`
	CreatedBy    string         `gorm:"column:created_by"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at"`
}

func (Workflow) TableName() string { return "workflows" }

func (w *Workflow) SetConditions(tree *ConditionTree) error {
	if tree == nil {
		w.Conditions = nil
		return nil
	}
	raw, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	w.Conditions = datatypes.JSON(raw)
	return nil
}

func (w *Workflow) ConditionTree() (*ConditionTree, error) {
	if len(w.Conditions) == 0 {
		return nil, nil
	}
	var tree ConditionTree
	if err := json.Unmarshal(w.Conditions, &tree); err != nil {
		return nil, err
	}
	return &tree, nil
}

func (w *Workflow) SetActions(actions []Action) error {
	raw, err := json.Marshal(actions)
	if err != nil {
		return err
	}
	w.Actions = datatypes.JSON(raw)
	return nil
}

func (w *Workflow) ActionList() ([]Action, error) {
	if len(w.Actions) == 0 {
		return nil, nil
	}
	var actions []Action
	if err := json.Unmarshal(w.Actions, &actions); err != nil {
		return nil, err
	}
	return actions, nil
}

// WorkflowTemplate is a reusable, parameterized workflow definition.
// Placeholders of the form {{param}} inside the definition are substituted
// when the template is instantiated.
type WorkflowTemplate struct {
	ID          string         `gorm:"column:id;primaryKey"`
	Name        string         `gorm:"column:name"`
	Description string         `gorm:"column:description"`
	Category    string         `gorm:"column:category"`
	Definition  datatypes.JSON `gorm:"column:definition"`
	Parameters  datatypes.JSON `gorm:"column:parameters"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
}

func (WorkflowTemplate) TableName() string { return "workflow_templates" }

type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// ActionResult is the audited outcome of a single action.
type ActionResult struct {
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// WorkflowExecution is the permanent audit record of one workflow firing.
// It is created running and finalized exactly once; never mutated after.
type WorkflowExecution struct {
	ID          string          `gorm:"column:id;primaryKey"`
	WorkflowID  string          `gorm:"column:workflow_id;index:idx_execution_workflow"`
	TenantID    string          `gorm:"column:tenant_id"`
	RecordID    string          `gorm:"column:record_id"`
	TriggerType string          `gorm:"column:trigger_type"`
	Status      ExecutionStatus `gorm:"column:status"`
	Input       datatypes.JSON  `gorm:"column:input"`
	Output      datatypes.JSON  `gorm:"column:output"`
	Error       string          `gorm:"column:error"`
	ExecutedAt  time.Time       `gorm:"column:executed_at;index:idx_execution_workflow"`
	CompletedAt *time.Time      `gorm:"column:completed_at"`
}

func (WorkflowExecution) TableName() string { return "workflow_executions" }

// Event is one record change delivered to the engine.
type Event struct {
	TenantID      string
	ModuleName    string
	TriggerType   string
	RecordID      string
	Data          map[string]any
	ChangedFields []string
	Actor         string
}
