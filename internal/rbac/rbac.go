package rbac

type Role string
type Action string

const (
	RoleContributor Role = "contributor"
	RoleReviewer    Role = "reviewer"
	RoleAdmin       Role = "admin"
)

const (
	ActionRead      Action = "read"
	ActionSubmit    Action = "submit"
	ActionComment   Action = "comment"
	ActionReview    Action = "review"
	ActionReconcile Action = "reconcile"
)

// Can reports whether role may perform action. Workflow guards such as
// self-approval are enforced separately.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleReviewer:
		return action == ActionRead || action == ActionSubmit || action == ActionComment || action == ActionReview
	case RoleContributor:
		return action == ActionRead || action == ActionSubmit || action == ActionComment
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleContributor, RoleReviewer, RoleAdmin:
		return Role(role)
	default:
		return RoleContributor
	}
}
