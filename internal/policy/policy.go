package policy

import "time"

type Role string
type Permission string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

const (
	PermissionNone      Permission = ""
	PermissionRead      Permission = "read"
	PermissionReadWrite Permission = "read_write"
)

const (
	ActionRead            Action = "read"
	ActionUpdate          Action = "update"
	ActionPublish         Action = "publish"
	ActionUnpublish       Action = "unpublish"
	ActionArchive         Action = "archive"
	ActionUnarchive       Action = "unarchive"
	ActionRestore         Action = "restore"
	ActionDelete          Action = "delete"
	ActionPermanentDelete Action = "permanentDelete"
	ActionMove            Action = "move"
	ActionTemplatize      Action = "templatize"
	ActionShare           Action = "share"
	ActionExport          Action = "download"
)

// DocumentActions is the ability set reported for every document, in output order.
var DocumentActions = []Action{
	ActionRead,
	ActionUpdate,
	ActionPublish,
	ActionUnpublish,
	ActionArchive,
	ActionUnarchive,
	ActionRestore,
	ActionDelete,
	ActionPermanentDelete,
	ActionMove,
	ActionTemplatize,
	ActionShare,
	ActionExport,
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleMember, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

// ParsePermission accepts only the two grantable levels.
func ParsePermission(value string) (Permission, bool) {
	switch Permission(value) {
	case PermissionRead, PermissionReadWrite:
		return Permission(value), true
	default:
		return PermissionNone, false
	}
}

func (p Permission) rank() int {
	switch p {
	case PermissionReadWrite:
		return 2
	case PermissionRead:
		return 1
	default:
		return 0
	}
}

// Satisfies reports whether p is at least required.
func (p Permission) Satisfies(required Permission) bool {
	return p.rank() >= required.rank()
}

func Max(a, b Permission) Permission {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

func Min(a, b Permission) Permission {
	if b.rank() < a.rank() {
		return b
	}
	return a
}

// Required returns the permission level an action needs.
func Required(action Action) Permission {
	switch action {
	case ActionRead, ActionExport:
		return PermissionRead
	default:
		return PermissionReadWrite
	}
}

// Cap limits a permission by the actor's team role.
func Cap(role Role, permission Permission) Permission {
	if role == RoleViewer {
		return Min(permission, PermissionRead)
	}
	return permission
}

// State is the timestamp view of a document that lifecycle rules inspect.
type State struct {
	PublishedAt *time.Time
	ArchivedAt  *time.Time
	DeletedAt   *time.Time
	Template    bool
}

func (s State) Published() bool { return s.PublishedAt != nil }
func (s State) Archived() bool  { return s.ArchivedAt != nil }
func (s State) Deleted() bool   { return s.DeletedAt != nil }

// Allowed checks the lifecycle precondition of an action, ignoring permissions.
func Allowed(action Action, state State) bool {
	switch action {
	case ActionRead, ActionExport:
		return true
	case ActionUpdate, ActionShare:
		return !state.Deleted() && !state.Archived()
	case ActionPublish:
		return !state.Published() && !state.Deleted() && !state.Archived()
	case ActionUnpublish:
		return state.Published() && !state.Deleted() && !state.Archived()
	case ActionArchive:
		return state.Published() && !state.Archived() && !state.Deleted()
	case ActionUnarchive:
		return state.Archived() && !state.Deleted()
	case ActionRestore, ActionPermanentDelete:
		return state.Deleted()
	case ActionDelete:
		return !state.Deleted()
	case ActionMove:
		return state.Published() && !state.Archived() && !state.Deleted()
	case ActionTemplatize:
		return !state.Template && state.Published() && !state.Archived() && !state.Deleted()
	default:
		return false
	}
}

// Can combines the permission level and lifecycle precondition for action.
func Can(permission Permission, action Action, state State) bool {
	if permission == PermissionNone {
		return false
	}
	return permission.Satisfies(Required(action)) && Allowed(action, state)
}

// Abilities returns the full ability map for a document.
func Abilities(permission Permission, state State) map[string]bool {
	abilities := make(map[string]bool, len(DocumentActions))
	for _, action := range DocumentActions {
		abilities[string(action)] = Can(permission, action, state)
	}
	return abilities
}

// CollectionAbilities covers the collection-level checks used by move and create.
func CollectionAbilities(permission Permission) map[string]bool {
	return map[string]bool{
		"read":   permission.Satisfies(PermissionRead),
		"update": permission.Satisfies(PermissionReadWrite),
	}
}
