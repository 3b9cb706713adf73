package lookup

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"recordplane/pkg/config"
	"recordplane/pkg/errutil"
	"recordplane/services/record"
	"recordplane/services/schema"
	"recordplane/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestResolver(t *testing.T) (*Resolver, *schema.Registry, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, &schema.ModuleSchema{}, &record.DynamicRecord{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.SchemaCache.TTL = time.Minute

	registry := schema.NewRegistry(schema.RegistryParams{
		Repository: schema.NewRepository(db),
		Cache:      schema.NewMemoryCache(),
		Node:       node,
		Config:     cfg,
	})
	resolver := NewResolver(ResolverParams{DB: db, Registry: registry})
	return resolver, registry, db
}

func activateCustomers(t *testing.T, registry *schema.Registry) {
	t.Helper()
	ctx := context.Background()
	draft, err := registry.CreateDraft(ctx, schema.CreateDraftRequest{
		TenantID:    "tenant-1",
		ModuleName:  "customers",
		DisplayName: "Customers",
		Fields: []schema.FieldDefinition{
			{Name: "name", Label: "Name", DataType: schema.DataTypeText, Required: true},
			{Name: "city", Label: "City", DataType: schema.DataTypeText},
		},
		CreatedBy: "user-1",
	})
	require.NoError(t, err)
	_, err = registry.SubmitForReview(ctx, draft.ID)
	require.NoError(t, err)
	_, err = registry.Approve(ctx, draft.ID, "approver-1")
	require.NoError(t, err)
}

func seedCustomer(t *testing.T, db *gorm.DB, id, name, city string, status record.Status) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, db.Create(&record.DynamicRecord{
		ID:         id,
		TenantID:   "tenant-1",
		ModuleName: "customers",
		Data:       datatypes.JSONMap{"name": name, "city": city},
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}).Error)
}

func TestGetOptions(t *testing.T) {
	resolver, registry, db := newTestResolver(t)
	ctx := context.Background()
	activateCustomers(t, registry)

	seedCustomer(t, db, "c1", "Acme", "Berlin", record.StatusActive)
	seedCustomer(t, db, "c2", "Globex", "Munich", record.StatusActive)
	seedCustomer(t, db, "c3", "Initech", "Berlin", record.StatusArchived)

	options, err := resolver.GetOptions(ctx, "tenant-1", "customers", "name", []string{"name", "city"}, "", 0)
	require.NoError(t, err)
	require.Len(t, options, 2, "archived records are not offered")

	options, err = resolver.GetOptions(ctx, "tenant-1", "customers", "name", []string{"name", "city"}, "berl", 0)
	require.NoError(t, err)
	require.Len(t, options, 1)
	require.Equal(t, "c1", options[0].Value)
	require.Equal(t, "Acme", options[0].Label)
	require.Equal(t, "Berlin", options[0].Record["city"])

	options, err = resolver.GetOptions(ctx, "tenant-1", "customers", "name", []string{"name"}, "", 1)
	require.NoError(t, err)
	require.Len(t, options, 1)

	// A record without the display field is labelled by its id.
	now := time.Now().UTC()
	require.NoError(t, db.Create(&record.DynamicRecord{
		ID:         "c4",
		TenantID:   "tenant-1",
		ModuleName: "customers",
		Data:       datatypes.JSONMap{"city": "Hamburg"},
		Status:     record.StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}).Error)
	options, err = resolver.GetOptions(ctx, "tenant-1", "customers", "name", []string{"name", "city"}, "hamburg", 0)
	require.NoError(t, err)
	require.Len(t, options, 1)
	require.Equal(t, "c4", options[0].Label)

	_, err = resolver.GetOptions(ctx, "tenant-1", "unknown", "name", nil, "", 0)
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))
}

func TestValidateReference(t *testing.T) {
	resolver, registry, db := newTestResolver(t)
	ctx := context.Background()
	activateCustomers(t, registry)

	seedCustomer(t, db, "c1", "Acme", "Berlin", record.StatusActive)
	seedCustomer(t, db, "c2", "Globex", "Munich", record.StatusArchived)

	ok, err := resolver.ValidateReference(ctx, "tenant-1", "customers", "c1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = resolver.ValidateReference(ctx, "tenant-1", "customers", "c2")
	require.NoError(t, err)
	require.False(t, ok, "archived records are not referenceable")

	ok, err = resolver.ValidateReference(ctx, "tenant-2", "customers", "c1")
	require.NoError(t, err)
	require.False(t, ok, "references never cross tenants")
}

func TestSourceDataAndCascade(t *testing.T) {
	resolver, registry, db := newTestResolver(t)
	ctx := context.Background()
	activateCustomers(t, registry)

	seedCustomer(t, db, "c1", "Acme", "Berlin", record.StatusActive)

	source, err := resolver.SourceData(ctx, "tenant-1", "customers", "c1")
	require.NoError(t, err)
	require.Equal(t, "Acme", source["name"])

	_, err = resolver.SourceData(ctx, "tenant-1", "customers", "missing")
	require.True(t, errutil.HasStatus(err, errutil.StatusNotFound))

	out := resolver.Cascade(source, map[string]string{"name": "customer_name", "missing": "x"})
	require.Equal(t, map[string]any{"customer_name": "Acme"}, out)
}
