package preset

import (
	"strings"

	"github.com/saiset-co/sai-directory/types"
)

// Authorizer decides whether a caller may change a group member.
type Authorizer interface {
	CanManage(caller *types.Caller, member types.GroupMember) bool
}

// RoleAuthorizer allows the member's owner and any caller holding one of the
// elevated roles.
type RoleAuthorizer struct {
	elevated map[string]struct{}
}

func NewRoleAuthorizer(elevatedRoles []string) *RoleAuthorizer {
	if len(elevatedRoles) == 0 {
		elevatedRoles = []string{"admin", "owner"}
	}

	elevated := make(map[string]struct{}, len(elevatedRoles))
	for _, role := range elevatedRoles {
		elevated[strings.ToLower(strings.TrimSpace(role))] = struct{}{}
	}
	return &RoleAuthorizer{elevated: elevated}
}

func (a *RoleAuthorizer) CanManage(caller *types.Caller, member types.GroupMember) bool {
	if caller == nil || caller.UserID == "" {
		return false
	}
	if member.OwnerID != "" && caller.UserID == member.OwnerID {
		return true
	}
	return a.IsElevated(caller)
}

func (a *RoleAuthorizer) IsElevated(caller *types.Caller) bool {
	if caller == nil {
		return false
	}
	_, ok := a.elevated[strings.ToLower(caller.Role)]
	return ok
}
