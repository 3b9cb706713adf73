package workflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"recordplane/pkg/config"
	"recordplane/pkg/errutil"
	"recordplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestEngine(t *testing.T) (*Engine, Repository, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, &Workflow{}, &WorkflowTemplate{}, &WorkflowExecution{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Workflow.WebhookTimeout = 2 * time.Second
	cfg.Workflow.MaxTriggerDepth = 3

	repo := NewRepository(db)
	engine := NewEngine(EngineParams{
		Repository: repo,
		Node:       node,
		Config:     cfg,
	})
	return engine, repo, db
}

func notifyAction() []Action {
	return []Action{{Kind: ActionNotification, Config: map[string]any{
		"recipient": "ops",
		"message":   "record {{name}} changed",
	}}}
}

func TestCreateWorkflowValidation(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	base := CreateWorkflowRequest{
		TenantID:    "tenant-1",
		ModuleName:  "invoices",
		Name:        "notify",
		TriggerType: TriggerOnCreate,
		Actions:     notifyAction(),
		CreatedBy:   "user-1",
	}

	wf, err := engine.CreateWorkflow(ctx, base)
	require.NoError(t, err)
	require.True(t, wf.IsActive)

	bad := base
	bad.TriggerType = "onLogin"
	_, err = engine.CreateWorkflow(ctx, bad)
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	bad = base
	bad.Actions = []Action{{Kind: "teleport"}}
	_, err = engine.CreateWorkflow(ctx, bad)
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	bad = base
	bad.Actions = nil
	_, err = engine.CreateWorkflow(ctx, bad)
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	bad = base
	bad.Conditions = &ConditionTree{Operator: "XOR", Rules: []ConditionRule{{Field: "a", Operator: "equals", Value: 1}}}
	_, err = engine.CreateWorkflow(ctx, bad)
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	bad = base
	bad.TriggerType = TriggerOnSchedule
	bad.Schedule = "not a cron"
	_, err = engine.CreateWorkflow(ctx, bad)
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))
}

func TestTriggerRunsMatchingWorkflowsOnly(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	wf, err := engine.CreateWorkflow(ctx, CreateWorkflowRequest{
		TenantID:    "tenant-1",
		ModuleName:  "invoices",
		Name:        "large invoices",
		TriggerType: TriggerOnCreate,
		Conditions: &ConditionTree{
			Operator: OperatorAnd,
			Rules:    []ConditionRule{{Field: "amount", Operator: "greaterThan", Value: 1000}},
		},
		Actions:   notifyAction(),
		CreatedBy: "user-1",
	})
	require.NoError(t, err)

	require.NoError(t, engine.TriggerWorkflows(ctx, Event{
		TenantID: "tenant-1", ModuleName: "invoices", TriggerType: TriggerOnCreate,
		RecordID: "rec-1", Data: map[string]any{"name": "big", "amount": 5000},
	}))
	require.NoError(t, engine.TriggerWorkflows(ctx, Event{
		TenantID: "tenant-1", ModuleName: "invoices", TriggerType: TriggerOnCreate,
		RecordID: "rec-2", Data: map[string]any{"name": "small", "amount": 10},
	}))

	execs, err := engine.ListExecutions(ctx, wf.ID, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.Equal(t, ExecutionSuccess, execs[0].Status)
	require.Equal(t, "rec-1", execs[0].RecordID)
	require.NotNil(t, execs[0].CompletedAt)
}

func TestTriggerFieldFilter(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	wf, err := engine.CreateWorkflow(ctx, CreateWorkflowRequest{
		TenantID:     "tenant-1",
		ModuleName:   "invoices",
		Name:         "watch amount",
		TriggerType:  TriggerOnFieldChange,
		TriggerField: "amount",
		Actions:      notifyAction(),
		CreatedBy:    "user-1",
	})
	require.NoError(t, err)

	ev := Event{
		TenantID: "tenant-1", ModuleName: "invoices", TriggerType: TriggerOnFieldChange,
		RecordID: "rec-1", Data: map[string]any{"amount": 5},
	}

	ev.ChangedFields = []string{"name"}
	require.NoError(t, engine.TriggerWorkflows(ctx, ev))
	ev.ChangedFields = []string{"name", "amount"}
	require.NoError(t, engine.TriggerWorkflows(ctx, ev))

	execs, err := engine.ListExecutions(ctx, wf.ID, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
}

func TestActionFailureDoesNotStopLaterActions(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	wf, err := engine.CreateWorkflow(ctx, CreateWorkflowRequest{
		TenantID:    "tenant-1",
		ModuleName:  "invoices",
		Name:        "webhook then notify",
		TriggerType: TriggerOnCreate,
		Actions: []Action{
			{Kind: ActionWebhook, Config: map[string]any{"url": failing.URL}},
			{Kind: ActionNotification, Config: map[string]any{"recipient": "ops", "message": "still here"}},
		},
		CreatedBy: "user-1",
	})
	require.NoError(t, err)

	require.NoError(t, engine.TriggerWorkflows(ctx, Event{
		TenantID: "tenant-1", ModuleName: "invoices", TriggerType: TriggerOnCreate,
		RecordID: "rec-1", Data: map[string]any{},
	}))

	execs, err := engine.ListExecutions(ctx, wf.ID, 0)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	require.Equal(t, ExecutionFailed, execs[0].Status)
	require.Contains(t, execs[0].Error, "status 500")

	var results []ActionResult
	require.NoError(t, json.Unmarshal(execs[0].Output, &results))
	require.Len(t, results, 2)
	require.Equal(t, "failed", results[0].Status)
	require.Equal(t, "success", results[1].Status)
}

func TestHigherPriorityRunsFirstAndFailuresAreIsolated(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	var mu sync.Mutex
	var calls []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.URL.Path)
		mu.Unlock()
		if r.URL.Path == "/first" {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer server.Close()

	mk := func(name, path string, priority int) {
		_, err := engine.CreateWorkflow(ctx, CreateWorkflowRequest{
			TenantID:    "tenant-1",
			ModuleName:  "invoices",
			Name:        name,
			TriggerType: TriggerOnCreate,
			Actions:     []Action{{Kind: ActionWebhook, Config: map[string]any{"url": server.URL + path}}},
			Priority:    priority,
			CreatedBy:   "user-1",
		})
		require.NoError(t, err)
	}
	mk("low", "/second", 1)
	mk("high", "/first", 10)

	require.NoError(t, engine.TriggerWorkflows(ctx, Event{
		TenantID: "tenant-1", ModuleName: "invoices", TriggerType: TriggerOnCreate,
		RecordID: "rec-1", Data: map[string]any{},
	}))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"/first", "/second"}, calls)
}

type recursiveMutator struct {
	engine *Engine
	event  Event
	calls  int
}

func (m *recursiveMutator) ApplyFields(ctx context.Context, _, _, _ string, _ map[string]any, _ string) error {
	m.calls++
	return m.engine.TriggerWorkflows(ctx, m.event)
}

func (m *recursiveMutator) CreateRecord(context.Context, string, string, map[string]any, string) (string, error) {
	return "rec-new", nil
}

func TestTriggerDepthIsBounded(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	ev := Event{
		TenantID: "tenant-1", ModuleName: "invoices", TriggerType: TriggerOnCreate,
		RecordID: "rec-1", Data: map[string]any{},
	}
	mutator := &recursiveMutator{engine: engine, event: ev}
	engine.BindRecords(mutator)

	wf, err := engine.CreateWorkflow(ctx, CreateWorkflowRequest{
		TenantID:    "tenant-1",
		ModuleName:  "invoices",
		Name:        "self trigger",
		TriggerType: TriggerOnCreate,
		Actions:     []Action{{Kind: ActionUpdateRecord, Config: map[string]any{"fields": map[string]any{"x": 1}}}},
		CreatedBy:   "user-1",
	})
	require.NoError(t, err)

	require.NoError(t, engine.TriggerWorkflows(ctx, ev))

	execs, err := engine.ListExecutions(ctx, wf.ID, 0)
	require.NoError(t, err)
	// MaxTriggerDepth is 3: the initial firing plus two re-entries run, the
	// next re-entry is skipped.
	require.Len(t, execs, 3)
}

func TestDeactivateStopsTriggering(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	wf, err := engine.CreateWorkflow(ctx, CreateWorkflowRequest{
		TenantID:    "tenant-1",
		ModuleName:  "invoices",
		Name:        "notify",
		TriggerType: TriggerOnCreate,
		Actions:     notifyAction(),
		CreatedBy:   "user-1",
	})
	require.NoError(t, err)

	require.NoError(t, engine.Deactivate(ctx, "tenant-1", wf.ID))
	require.NoError(t, engine.TriggerWorkflows(ctx, Event{
		TenantID: "tenant-1", ModuleName: "invoices", TriggerType: TriggerOnCreate,
		RecordID: "rec-1", Data: map[string]any{"name": "x"},
	}))

	execs, err := engine.ListExecutions(ctx, wf.ID, 0)
	require.NoError(t, err)
	require.Empty(t, execs)

	err = engine.Deactivate(ctx, "tenant-1", "missing")
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))
}

func TestTestRunTracesWithoutSideEffects(t *testing.T) {
	engine, _, db := newTestEngine(t)
	ctx := context.Background()

	conditions := &ConditionTree{
		Operator: OperatorAnd,
		Rules:    []ConditionRule{{Field: "amount", Operator: "lessThan", Value: 10000}},
	}
	actions := []Action{
		{Kind: ActionSendEmail, Config: map[string]any{"to": "ops@example.com", "subject": "hi {{name}}"}},
		{Kind: ActionWebhook, Config: map[string]any{"url": "https://example.invalid/hook"}},
		{Kind: ActionSendEmail, Config: map[string]any{}},
	}

	result, err := engine.TestRun(ctx, "tenant-1", conditions, actions, map[string]any{"name": "Ann", "amount": 5000})
	require.NoError(t, err)
	require.True(t, result.Matched)
	require.Len(t, result.Conditions, 1)
	require.True(t, result.Conditions[0].Matched)
	require.Len(t, result.Actions, 3)
	require.True(t, result.Actions[0].Valid)
	require.Equal(t, "hi Ann", result.Actions[0].Payload["subject"])
	require.True(t, result.Actions[1].Valid)
	require.False(t, result.Actions[2].Valid)

	// A non-matching sample reports the trace and plans nothing.
	result, err = engine.TestRun(ctx, "tenant-1", conditions, actions, map[string]any{"amount": 20000})
	require.NoError(t, err)
	require.False(t, result.Matched)
	require.Empty(t, result.Actions)

	// Dry runs never touch the audit trail.
	var count int64
	require.NoError(t, db.Model(&WorkflowExecution{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestInstantiateTemplate(t *testing.T) {
	engine, repo, _ := newTestEngine(t)
	ctx := context.Background()

	def := map[string]any{
		"name":        "notify on big {{thing}}",
		"triggerType": TriggerOnCreate,
		"conditions": map[string]any{
			"operator": OperatorAnd,
			"rules":    []any{map[string]any{"field": "amount", "operator": "greaterThan", "value": 1000}},
		},
		"actions": []any{map[string]any{
			"kind":   ActionNotification,
			"config": map[string]any{"recipient": "{{recipient}}", "message": "big {{thing}}"},
		}},
	}
	raw, err := json.Marshal(def)
	require.NoError(t, err)

	require.NoError(t, repo.CreateTemplate(ctx, &WorkflowTemplate{
		ID:         "tpl-1",
		Name:       "big things",
		Category:   "alerts",
		Definition: datatypes.JSON(raw),
		CreatedAt:  time.Now().UTC(),
	}))

	wf, err := engine.InstantiateTemplate(ctx, "tpl-1", "tenant-1", "invoices",
		map[string]string{"thing": "invoice", "recipient": "sales"}, "user-1")
	require.NoError(t, err)
	require.Equal(t, "notify on big invoice", wf.Name)
	require.Equal(t, "invoices", wf.ModuleName)

	actions, err := wf.ActionList()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, "sales", actions[0].Config["recipient"])

	_, err = engine.InstantiateTemplate(ctx, "missing", "tenant-1", "invoices", nil, "user-1")
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))

	tpls, err := engine.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, tpls, 1)
}
