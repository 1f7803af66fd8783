package types

import (
	"time"
)

const (
	ResourceUsers         = "users"
	ResourceClients       = "clients"
	ResourceTeam          = "team"
	ResourceFilterPresets = "filter-presets"
)

// Caller is the authenticated principal of a request.
type Caller struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	TenantID string `json:"tenant_id"`
}

type Creator struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image"`
}

// GroupMember is a record that belongs to exactly one group and may be the
// group's single default.
type GroupMember struct {
	ID        string    `json:"id"`
	GroupKey  string    `json:"group_key"`
	OwnerID   string    `json:"owner_id"`
	IsDefault bool      `json:"is_default"`
	UpdatedAt time.Time `json:"updated_at"`
}

type FilterPreset struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	EntityType string    `json:"entity_type"`
	Name       string    `json:"name"`
	Filters    string    `json:"filters"`
	IsDefault  bool      `json:"is_default"`
	CreatedBy  string    `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func PresetGroupKey(tenantID, entityType string) string {
	return tenantID + ":" + entityType
}

func (p *FilterPreset) GroupKey() string {
	return PresetGroupKey(p.TenantID, p.EntityType)
}

func (p *FilterPreset) Member() GroupMember {
	return GroupMember{
		ID:        p.ID,
		GroupKey:  p.GroupKey(),
		OwnerID:   p.CreatedBy,
		IsDefault: p.IsDefault,
		UpdatedAt: p.UpdatedAt,
	}
}

// PresetView is the response form of a preset: filters decoded and the
// creator resolved.
type PresetView struct {
	ID         string                 `json:"id"`
	TenantID   string                 `json:"tenant_id"`
	EntityType string                 `json:"entity_type"`
	Name       string                 `json:"name"`
	Filters    map[string]interface{} `json:"filters"`
	IsDefault  bool                   `json:"is_default"`
	CreatedBy  string                 `json:"created_by"`
	Creator    *Creator               `json:"creator"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}
