package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleMember     = "member"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

// IsAdmin reports whether role may operate on other users' call state.
func IsAdmin(role string) bool { return role == RoleAdmin || role == RoleSuperAdmin }
