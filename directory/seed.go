package directory

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-directory/database"
	"github.com/saiset-co/sai-directory/preset"
	"github.com/saiset-co/sai-directory/types"
)

const DemoTenant = "demo"

// SeedData is the demo content loaded by the seed command.
type SeedData struct {
	Collections map[string][]map[string]interface{}
	Presets     []*types.FilterPreset
	Defaults    []string
}

func DemoData(tenant string) SeedData {
	if tenant == "" {
		tenant = DemoTenant
	}

	user := func(id, name, role, status string) map[string]interface{} {
		return map[string]interface{}{
			database.FieldInternalID: id,
			"tenant_id":              tenant,
			"name":                   name,
			"email":                  id + "@example.com",
			"role":                   role,
			"status":                 status,
			"image":                  "/avatars/" + id + ".png",
		}
	}
	client := func(id, name, country, status string) map[string]interface{} {
		return map[string]interface{}{
			database.FieldInternalID: id,
			"tenant_id":              tenant,
			"name":                   name,
			"country":                country,
			"status":                 status,
		}
	}
	member := func(id, name, department, position string) map[string]interface{} {
		return map[string]interface{}{
			database.FieldInternalID: id,
			"tenant_id":              tenant,
			"name":                   name,
			"department":             department,
			"position":               position,
		}
	}
	filters := `{"status":"active"}`

	return SeedData{
		Collections: map[string][]map[string]interface{}{
			types.ResourceUsers: {
				user("alice", "Alice Moreau", "admin", "active"),
				user("bob", "Bob Lindqvist", "member", "active"),
				user("carol", "Carol Ng", "member", "blocked"),
			},
			types.ResourceClients: {
				client("acme", "Acme Logistics", "DE", "active"),
				client("globex", "Globex Retail", "US", "active"),
				client("initech", "Initech Labs", "US", "archived"),
			},
			types.ResourceTeam: {
				member("dan", "Dan Okafor", "support", "lead"),
				member("eve", "Eve Santos", "sales", "manager"),
			},
		},
		Presets: []*types.FilterPreset{
			{ID: "preset-active-users", TenantID: tenant, EntityType: types.ResourceUsers, Name: "Active users", Filters: filters, CreatedBy: "alice"},
			{ID: "preset-blocked-users", TenantID: tenant, EntityType: types.ResourceUsers, Name: "Blocked users", Filters: `{"status":"blocked"}`, CreatedBy: "bob"},
			{ID: "preset-active-clients", TenantID: tenant, EntityType: types.ResourceClients, Name: "Active clients", Filters: filters, CreatedBy: "alice"},
		},
		Defaults: []string{"preset-active-users", "preset-active-clients"},
	}
}

// Seed replaces the records of data by id, so running it twice leaves the
// same content behind.
func Seed(ctx context.Context, db types.DatabaseManager, store preset.Store, data SeedData, logger types.Logger) error {
	for collection, docs := range data.Collections {
		ids := make([]interface{}, 0, len(docs))
		batch := make([]interface{}, 0, len(docs))
		for _, doc := range docs {
			ids = append(ids, doc[database.FieldInternalID])
			batch = append(batch, doc)
		}

		if _, err := db.DeleteDocuments(ctx, types.DeleteDocumentsRequest{
			Collection: collection,
			Filter:     map[string]interface{}{database.FieldInternalID: map[string]interface{}{"$in": ids}},
		}); err != nil {
			return types.WrapError(err, "failed to clear "+collection)
		}

		if _, err := db.CreateDocuments(ctx, types.CreateDocumentsRequest{Collection: collection, Data: batch}); err != nil {
			return types.WrapError(err, "failed to seed "+collection)
		}

		logger.Info("Collection seeded", zap.String("collection", collection), zap.Int("documents", len(docs)))
	}

	if store == nil {
		return nil
	}

	now := time.Now().UTC()
	byID := make(map[string]*types.FilterPreset, len(data.Presets))
	for _, p := range data.Presets {
		if _, err := store.Delete(ctx, p.ID); err != nil {
			return types.WrapError(err, "failed to clear preset "+p.ID)
		}

		seeded := *p
		seeded.IsDefault = false
		seeded.CreatedAt = now
		seeded.UpdatedAt = now
		if err := store.Create(ctx, &seeded); err != nil {
			return types.WrapError(err, "failed to seed preset "+p.ID)
		}
		byID[p.ID] = &seeded
	}

	for _, id := range data.Defaults {
		p, ok := byID[id]
		if !ok {
			continue
		}
		if _, err := store.ClearDefaults(ctx, p.GroupKey(), id, now); err != nil {
			return err
		}
		if _, err := store.MarkDefault(ctx, id, p.GroupKey(), now); err != nil {
			return err
		}
	}

	logger.Info("Presets seeded", zap.Int("presets", len(data.Presets)), zap.Int("defaults", len(data.Defaults)))
	return nil
}
