package policy

// CollectionAccess is everything known about one actor's standing in a collection.
type CollectionAccess struct {
	Role       Role
	SameTeam   bool
	Default    Permission
	UserGrant  Permission
	GroupGrant []Permission
}

// CollectionPermission resolves the collection layer: team admins hold
// read_write, everyone else gets the best of the team default and their
// explicit user or group memberships.
func CollectionPermission(access CollectionAccess) Permission {
	if !access.SameTeam {
		return PermissionNone
	}
	if access.Role == RoleAdmin {
		return PermissionReadWrite
	}
	permission := Max(access.Default, access.UserGrant)
	for _, grant := range access.GroupGrant {
		permission = Max(permission, grant)
	}
	return Cap(access.Role, permission)
}

// DocumentAccess describes an actor relative to a single document.
type DocumentAccess struct {
	Role          Role
	SameTeam      bool
	HasCollection bool
	Collection    Permission
	IsCreator     bool
	Published     bool
	Overrides     []Permission
}

// DocumentPermission layers per-document grants over the collection level.
// An override can only narrow what the collection already allows.
func DocumentPermission(access DocumentAccess) Permission {
	if !access.SameTeam {
		return PermissionNone
	}
	if !access.Published && !access.IsCreator {
		return PermissionNone
	}
	if !access.HasCollection {
		if access.IsCreator {
			return Cap(access.Role, PermissionReadWrite)
		}
		return PermissionNone
	}

	permission := access.Collection
	if len(access.Overrides) > 0 {
		override := PermissionNone
		for _, grant := range access.Overrides {
			override = Max(override, grant)
		}
		permission = Min(permission, override)
	}
	return Cap(access.Role, permission)
}
