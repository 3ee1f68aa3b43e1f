// Package rbac maps comment roles to the actions they may perform.
package rbac

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleCommenter Role = "commenter"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead     Action = "read"
	ActionComment  Action = "comment"
	ActionReact    Action = "react"
	ActionModerate Action = "moderate"
)

// Can reports whether role may perform action. Editing or deleting one's own
// comment needs only ActionComment; touching someone else's needs
// ActionModerate.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin, RoleModerator:
		return true
	case RoleCommenter:
		return action == ActionRead || action == ActionComment || action == ActionReact
	case RoleViewer:
		return action == ActionRead || action == ActionReact
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleCommenter, RoleModerator, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
