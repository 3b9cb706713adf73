package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"recordplane/pkg/config"
	"recordplane/pkg/errutil"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type depthKey struct{}

func depthFrom(ctx context.Context) int {
	if d, ok := ctx.Value(depthKey{}).(int); ok {
		return d
	}
	return 0
}

// Engine matches triggers fired by the record store, evaluates condition
// trees, executes ordered actions and persists one execution audit row per
// workflow firing.
type Engine struct {
	repo     Repository
	runner   *actionRunner
	logger   *zap.Logger
	node     *snowflake.Node
	validate *validator.Validate
	maxDepth int
}

type EngineParams struct {
	fx.In

	Repository Repository
	Logger     *zap.Logger
	Node       *snowflake.Node
	Config     *config.Config
	Mailer     Mailer   `optional:"true"`
	Notifier   Notifier `optional:"true"`
}

func NewEngine(p EngineParams) *Engine {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mailer := p.Mailer
	if mailer == nil {
		mailer = LogMailer{}
	}
	notifier := p.Notifier
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Engine{
		repo:   p.Repository,
		logger: logger,
		node:   p.Node,
		runner: &actionRunner{
			mailer:         mailer,
			notifier:       notifier,
			httpClient:     &http.Client{},
			webhookTimeout: p.Config.Workflow.WebhookTimeout,
		},
		validate: validator.New(),
		maxDepth: p.Config.Workflow.MaxTriggerDepth,
	}
}

// BindRecords attaches the record store after both services exist; the store
// triggers the engine and the engine's record actions call back into the
// store.
func (e *Engine) BindRecords(records RecordMutator) {
	e.runner.records = records
}

// TriggerWorkflows loads the active workflows matching the event's trigger,
// orders them by priority descending and runs each one independently: a
// failing workflow never blocks a lower-priority one, and every firing gets
// its own audit row. Re-triggering from record actions is bounded by depth.
func (e *Engine) TriggerWorkflows(ctx context.Context, ev Event) error {
	depth := depthFrom(ctx)
	if depth >= e.maxDepth {
		e.logger.Warn("max workflow trigger depth reached, skipping",
			zap.String("tenant_id", ev.TenantID),
			zap.String("module", ev.ModuleName),
			zap.String("trigger", ev.TriggerType),
			zap.Int("depth", depth))
		return nil
	}
	ctx = context.WithValue(ctx, depthKey{}, depth+1)

	wfs, err := e.repo.ListActiveByTrigger(ctx, ev.TenantID, ev.ModuleName, ev.TriggerType)
	if err != nil {
		e.logger.Error("failed to load workflows", zap.Error(err))
		return errutil.Internal("failed to load workflows", err)
	}

	for _, wf := range wfs {
		if !e.triggerFieldMatches(wf, ev) {
			continue
		}

		tree, err := wf.ConditionTree()
		if err != nil {
			// Malformed conditions skip the workflow, never fail the write.
			e.logger.Warn("malformed workflow conditions, skipping",
				zap.String("workflow_id", wf.ID), zap.Error(err))
			continue
		}
		if !EvaluateConditions(tree, ev.Data) {
			continue
		}

		e.execute(ctx, wf, ev)
	}
	return nil
}

// triggerFieldMatches applies the optional per-field filter for
// onFieldChange workflows.
func (e *Engine) triggerFieldMatches(wf Workflow, ev Event) bool {
	if wf.TriggerField == "" {
		return true
	}
	for _, f := range ev.ChangedFields {
		if f == wf.TriggerField {
			return true
		}
	}
	return false
}

// execute runs one workflow's actions in declared order with the
// continue-on-error policy and writes the audit trail.
func (e *Engine) execute(ctx context.Context, wf Workflow, ev Event) {
	now := time.Now().UTC()
	input, _ := json.Marshal(ev.Data)
	exec := &WorkflowExecution{
		ID:          e.node.Generate().String(),
		WorkflowID:  wf.ID,
		TenantID:    wf.TenantID,
		RecordID:    ev.RecordID,
		TriggerType: ev.TriggerType,
		Status:      ExecutionRunning,
		Input:       datatypes.JSON(input),
		ExecutedAt:  now,
	}
	if err := e.repo.CreateExecution(ctx, exec); err != nil {
		e.logger.Error("failed to create execution record",
			zap.String("workflow_id", wf.ID), zap.Error(err))
		return
	}

	actions, err := wf.ActionList()
	results := make([]ActionResult, 0, len(actions))
	failed := false
	var firstErr string
	if err != nil {
		failed = true
		firstErr = fmt.Sprintf("malformed actions: %v", err)
	} else {
		for _, action := range actions {
			output, actionErr := e.runner.run(ctx, action, ev)
			result := ActionResult{Kind: action.Kind, Status: "success", Output: output}
			if actionErr != nil {
				result.Status = "failed"
				result.Error = actionErr.Error()
				failed = true
				if firstErr == "" {
					firstErr = actionErr.Error()
				}
				e.logger.Warn("workflow action failed",
					zap.String("workflow_id", wf.ID),
					zap.String("action", action.Kind),
					zap.Error(actionErr))
			}
			results = append(results, result)
		}
	}

	completed := time.Now().UTC()
	output, _ := json.Marshal(results)
	exec.Output = datatypes.JSON(output)
	exec.CompletedAt = &completed
	exec.Status = ExecutionSuccess
	if failed {
		exec.Status = ExecutionFailed
		exec.Error = firstErr
	}
	if err := e.repo.FinalizeExecution(ctx, exec); err != nil {
		e.logger.Error("failed to finalize execution record",
			zap.String("execution_id", exec.ID), zap.Error(err))
	}
}

// ListScheduled returns every active schedule-triggered workflow across
// tenants, for the cron runner to register.
func (e *Engine) ListScheduled(ctx context.Context) ([]Workflow, error) {
	return e.repo.ListActiveScheduled(ctx, TriggerOnSchedule)
}

// RunScheduled fires one schedule-triggered workflow. There is no record
// change involved, so conditions evaluate against an empty document.
func (e *Engine) RunScheduled(ctx context.Context, wf Workflow) {
	tree, err := wf.ConditionTree()
	if err != nil {
		e.logger.Warn("malformed workflow conditions, skipping",
			zap.String("workflow_id", wf.ID), zap.Error(err))
		return
	}
	ev := Event{
		TenantID:    wf.TenantID,
		ModuleName:  wf.ModuleName,
		TriggerType: TriggerOnSchedule,
		Data:        map[string]any{},
	}
	if !EvaluateConditions(tree, ev.Data) {
		return
	}
	e.execute(ctx, wf, ev)
}

type CreateWorkflowRequest struct {
	TenantID     string         `validate:"required"`
	ModuleName   string         `validate:"required"`
	Name         string         `validate:"required"`
	Description  string         ``
	TriggerType  string         `validate:"required"`
	TriggerField string         ``
	Schedule     string         ``
	Conditions   *ConditionTree ``
	Actions      []Action       `validate:"required,min=1"`
	Priority     int            ``
	CreatedBy    string         `validate:"required"`
}

var knownTriggers = map[string]struct{}{
	TriggerOnCreate: {}, TriggerOnUpdate: {}, TriggerOnDelete: {},
	TriggerOnFieldChange: {}, TriggerOnStatusChange: {}, TriggerOnSchedule: {},
}

var knownActions = map[string]struct{}{
	ActionSendEmail: {}, ActionUpdateRecord: {}, ActionCreateRecord: {},
	ActionNotification: {}, ActionWebhook: {},
}

// CreateWorkflow stores a new automation rule, active by default.
func (e *Engine) CreateWorkflow(ctx context.Context, req CreateWorkflowRequest) (*Workflow, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, errutil.ValidationFailed("invalid workflow request", errutil.WithErr(err))
	}
	if _, ok := knownTriggers[req.TriggerType]; !ok {
		return nil, errutil.ValidationFailed(fmt.Sprintf("unknown trigger type %q", req.TriggerType))
	}
	for _, action := range req.Actions {
		if _, ok := knownActions[action.Kind]; !ok {
			return nil, errutil.ValidationFailed(fmt.Sprintf("unknown action kind %q", action.Kind))
		}
	}
	if req.TriggerType == TriggerOnSchedule {
		if _, err := cron.ParseStandard(req.Schedule); err != nil {
			return nil, errutil.ValidationFailed(fmt.Sprintf("invalid cron schedule %q", req.Schedule), errutil.WithErr(err))
		}
	}
	if req.Conditions != nil && len(req.Conditions.Rules) > 0 {
		op := strings.ToUpper(req.Conditions.Operator)
		if op != OperatorAnd && op != OperatorOr {
			return nil, errutil.ValidationFailed(fmt.Sprintf("unknown condition operator %q", req.Conditions.Operator))
		}
	}

	now := time.Now().UTC()
	wf := &Workflow{
		ID:           e.node.Generate().String(),
		TenantID:     req.TenantID,
		ModuleName:   req.ModuleName,
		Name:         req.Name,
		Description:  req.Description,
		TriggerType:  req.TriggerType,
		TriggerField: req.TriggerField,
		Schedule:     req.Schedule,
		IsActive:     true,
		Priority:     req.Priority,
		CreatedBy:    req.CreatedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := wf.SetConditions(req.Conditions); err != nil {
		return nil, errutil.ValidationFailed("invalid conditions", errutil.WithErr(err))
	}
	if err := wf.SetActions(req.Actions); err != nil {
		return nil, errutil.ValidationFailed("invalid actions", errutil.WithErr(err))
	}

	if err := e.repo.Create(ctx, wf); err != nil {
		e.logger.Error("failed to create workflow", zap.Error(err))
		return nil, errutil.Internal("failed to create workflow", err)
	}
	return wf, nil
}

// Deactivate retires a workflow; workflows are never deleted.
func (e *Engine) Deactivate(ctx context.Context, tenantID, workflowID string) error {
	err := e.repo.SetActive(ctx, tenantID, workflowID, false)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errutil.NotFound(fmt.Sprintf("workflow %s not found", workflowID))
	}
	return err
}

func (e *Engine) Activate(ctx context.Context, tenantID, workflowID string) error {
	err := e.repo.SetActive(ctx, tenantID, workflowID, true)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errutil.NotFound(fmt.Sprintf("workflow %s not found", workflowID))
	}
	return err
}

func (e *Engine) Get(ctx context.Context, tenantID, workflowID string) (*Workflow, error) {
	wf, err := e.repo.GetByID(ctx, tenantID, workflowID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errutil.NotFound(fmt.Sprintf("workflow %s not found", workflowID))
	}
	if err != nil {
		return nil, errutil.Internal("failed to load workflow", err)
	}
	return wf, nil
}

func (e *Engine) List(ctx context.Context, tenantID, moduleName string, includeInactive bool) ([]Workflow, error) {
	return e.repo.List(ctx, tenantID, moduleName, includeInactive)
}

// ListExecutions exposes the audit trail for one workflow, newest first.
func (e *Engine) ListExecutions(ctx context.Context, workflowID string, limit int) ([]WorkflowExecution, error) {
	return e.repo.ListExecutions(ctx, workflowID, limit)
}
