// Package rbac maps workspace roles to the actions they may perform.
package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	// ActionRead covers every query: pages, blocks, rows, trash and search.
	ActionRead Action = "read"
	// ActionWrite covers content and structure edits, including archive and restore.
	ActionWrite Action = "write"
	// ActionPurge covers permanent deletion.
	ActionPurge Action = "purge"
	// ActionAdmin covers index verification and repair.
	ActionAdmin Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionWrite || action == ActionPurge
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Normalize maps unknown roles to viewer.
func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
