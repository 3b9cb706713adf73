package schema

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"recordplane/pkg/config"
	"recordplane/pkg/errutil"
	"recordplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestRegistry(t *testing.T) (*Registry, *gorm.DB, *MemoryCache) {
	t.Helper()
	db := testutil.NewTestDB(t, &ModuleSchema{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.SchemaCache.TTL = time.Minute

	cache := NewMemoryCache()
	registry := NewRegistry(RegistryParams{
		Repository: NewRepository(db),
		Cache:      cache,
		Node:       node,
		Config:     cfg,
	})
	return registry, db, cache
}

func invoiceDraft(tenantID string) CreateDraftRequest {
	return CreateDraftRequest{
		TenantID:    tenantID,
		ModuleName:  "invoices",
		DisplayName: "Invoices",
		Fields: []FieldDefinition{
			{Name: "name", Label: "Name", DataType: DataTypeText, Required: true},
			{Name: "email", Label: "Email", DataType: DataTypeEmail},
		},
		CreatedBy: "user-1",
	}
}

func TestSchemaLifecycle(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	draft, err := registry.CreateDraft(ctx, invoiceDraft("tenant-1"))
	require.NoError(t, err)
	require.Equal(t, 1, draft.Version)
	require.Equal(t, StatusDraft, draft.Status)

	reviewed, err := registry.SubmitForReview(ctx, draft.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReview, reviewed.Status)

	active, err := registry.Approve(ctx, draft.ID, "approver-1")
	require.NoError(t, err)
	require.Equal(t, StatusActive, active.Status)
	require.Equal(t, "approver-1", active.ApprovedBy)
	require.NotNil(t, active.ApprovedAt)

	got, err := registry.GetActive(ctx, "tenant-1", "invoices")
	require.NoError(t, err)
	require.Equal(t, draft.ID, got.ID)
}

func TestApproveArchivesPreviousActive(t *testing.T) {
	registry, db, _ := newTestRegistry(t)
	ctx := context.Background()

	v1, err := registry.CreateDraft(ctx, invoiceDraft("tenant-1"))
	require.NoError(t, err)
	_, err = registry.SubmitForReview(ctx, v1.ID)
	require.NoError(t, err)
	_, err = registry.Approve(ctx, v1.ID, "approver-1")
	require.NoError(t, err)

	req := invoiceDraft("tenant-1")
	req.Fields = req.Fields[:1] // v2 drops the email field
	v2, err := registry.CreateDraft(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 2, v2.Version)
	_, err = registry.SubmitForReview(ctx, v2.ID)
	require.NoError(t, err)
	_, err = registry.Approve(ctx, v2.ID, "approver-1")
	require.NoError(t, err)

	got, err := registry.GetActive(ctx, "tenant-1", "invoices")
	require.NoError(t, err)
	require.Equal(t, v2.ID, got.ID)

	var activeCount int64
	require.NoError(t, db.Model(&ModuleSchema{}).
		Where("tenant_id = ? AND module_name = ? AND status = ?", "tenant-1", "invoices", StatusActive).
		Count(&activeCount).Error)
	require.EqualValues(t, 1, activeCount)

	versions, err := registry.ListVersions(ctx, "tenant-1", "invoices")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	require.Equal(t, StatusArchived, versions[0].Status)
	require.Equal(t, StatusActive, versions[1].Status)
}

func TestApproveRequiresReview(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	draft, err := registry.CreateDraft(ctx, invoiceDraft("tenant-1"))
	require.NoError(t, err)

	_, err = registry.Approve(ctx, draft.ID, "approver-1")
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusInvalidState))

	_, err = registry.Approve(ctx, "missing", "approver-1")
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))
}

func TestRejectReturnsToDraft(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	draft, err := registry.CreateDraft(ctx, invoiceDraft("tenant-1"))
	require.NoError(t, err)
	_, err = registry.SubmitForReview(ctx, draft.ID)
	require.NoError(t, err)

	rejected, err := registry.Reject(ctx, draft.ID, "missing customer field")
	require.NoError(t, err)
	require.Equal(t, StatusDraft, rejected.Status)
	require.Equal(t, "missing customer field", rejected.RejectedFor)

	// Rejection does not block a later submission of the same version.
	_, err = registry.SubmitForReview(ctx, draft.ID)
	require.NoError(t, err)
	active, err := registry.Approve(ctx, draft.ID, "approver-1")
	require.NoError(t, err)
	require.Equal(t, 1, active.Version)
}

func TestCreateDraftConflictsWithOpenDraft(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := registry.CreateDraft(ctx, invoiceDraft("tenant-1"))
	require.NoError(t, err)

	_, err = registry.CreateDraft(ctx, invoiceDraft("tenant-1"))
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusConflict))

	// A different tenant is unaffected.
	_, err = registry.CreateDraft(ctx, invoiceDraft("tenant-2"))
	require.NoError(t, err)
}

func TestCreateDraftValidation(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	req := invoiceDraft("tenant-1")
	req.ModuleName = "9invalid"
	_, err := registry.CreateDraft(ctx, req)
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	req = invoiceDraft("tenant-1")
	req.Fields = []FieldDefinition{{Name: "x", Label: "X", DataType: "blob"}}
	_, err = registry.CreateDraft(ctx, req)
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	req = invoiceDraft("tenant-1")
	req.Fields = append(req.Fields, FieldDefinition{Name: "name", Label: "Dup", DataType: DataTypeText})
	_, err = registry.CreateDraft(ctx, req)
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))

	req = invoiceDraft("tenant-1")
	req.Fields = nil
	_, err = registry.CreateDraft(ctx, req)
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))
}

func TestCreateDraftRejectsUnknownCascadeDestination(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	ctx := context.Background()

	req := invoiceDraft("tenant-1")
	req.Fields = append(req.Fields, FieldDefinition{
		Name:     "customer_id",
		Label:    "Customer",
		DataType: DataTypeLookup,
		UIType:   "lookup",
		Lookup: &LookupConfig{
			TargetModule:  "customers",
			DisplayField:  "name",
			CascadeFields: map[string]string{"name": "ghost_field"},
		},
	})
	_, err := registry.CreateDraft(ctx, req)
	require.Error(t, err)
	require.True(t, errutil.HasStatus(err, errutil.StatusValidationFailed))
	require.Contains(t, err.Error(), "ghost_field")

	// Pointing the cascade at a declared field is accepted.
	req.Fields[2].Lookup.CascadeFields = map[string]string{"name": "name"}
	_, err = registry.CreateDraft(ctx, req)
	require.NoError(t, err)
}

func TestDuplicateVersionRowsRejected(t *testing.T) {
	registry, db, _ := newTestRegistry(t)
	ctx := context.Background()

	draft, err := registry.CreateDraft(ctx, invoiceDraft("tenant-1"))
	require.NoError(t, err)

	// Two racing drafts can both read the same max version; the unique index
	// on (tenant_id, module_name, version) makes the second insert fail.
	dup := *draft
	dup.ID = "other-id"
	err = db.Create(&dup).Error
	require.Error(t, err)
	require.ErrorIs(t, err, gorm.ErrDuplicatedKey)
}

func TestGetActiveUsesCacheAndInvalidation(t *testing.T) {
	registry, db, cache := newTestRegistry(t)
	ctx := context.Background()

	_, err := registry.GetActive(ctx, "tenant-1", "invoices")
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))

	v1, err := registry.CreateDraft(ctx, invoiceDraft("tenant-1"))
	require.NoError(t, err)
	_, err = registry.SubmitForReview(ctx, v1.ID)
	require.NoError(t, err)
	_, err = registry.Approve(ctx, v1.ID, "approver-1")
	require.NoError(t, err)

	got, err := registry.GetActive(ctx, "tenant-1", "invoices")
	require.NoError(t, err)
	require.Equal(t, v1.ID, got.ID)

	// The second read is served from the cache: deleting the row underneath
	// does not change the answer until the entry is invalidated.
	require.NoError(t, db.Where("id = ?", v1.ID).Delete(&ModuleSchema{}).Error)
	got, err = registry.GetActive(ctx, "tenant-1", "invoices")
	require.NoError(t, err)
	require.Equal(t, v1.ID, got.ID)

	cache.Invalidate(ctx, "tenant-1", "invoices")
	_, err = registry.GetActive(ctx, "tenant-1", "invoices")
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))
}

func TestMemoryCacheTTLAndSweep(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	cache.Put(ctx, "tenant-1", "invoices", &ModuleSchema{ID: "s1"}, 10*time.Millisecond)
	got, ok := cache.Get(ctx, "tenant-1", "invoices")
	require.True(t, ok)
	require.Equal(t, "s1", got.ID)

	time.Sleep(20 * time.Millisecond)
	_, ok = cache.Get(ctx, "tenant-1", "invoices")
	require.False(t, ok)

	cache.Put(ctx, "tenant-1", "invoices", &ModuleSchema{ID: "s1"}, time.Minute)
	cache.Put(ctx, "tenant-1", "orders", &ModuleSchema{ID: "s2"}, time.Minute)
	cache.Put(ctx, "tenant-2", "orders", &ModuleSchema{ID: "s3"}, time.Minute)
	cache.InvalidateTenant(ctx, "tenant-1")
	_, ok = cache.Get(ctx, "tenant-1", "orders")
	require.False(t, ok)
	_, ok = cache.Get(ctx, "tenant-2", "orders")
	require.True(t, ok)
}
