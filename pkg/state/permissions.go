package state

// a bitmap representing a set of capabilities inside a chat
type Permission uint64

const (
	PermCanRead  Permission = 1 << iota
	PermCanWrite            // 2
	PermManageMembers
	PermManageRoles
	PermRename
)

const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

var BuiltInRoles = map[string]Permission{
	RoleMember: PermCanRead | PermCanWrite,
	RoleAdmin:  PermCanRead | PermCanWrite | PermManageMembers | PermManageRoles | PermRename,
}

func (p Permission) Has(flag Permission) bool {
	return p&flag == flag
}

// RolePermissions returns the capabilities of a role; unknown roles get none.
func RolePermissions(role string) Permission {
	return BuiltInRoles[role]
}

// ValidRole reports whether role is assignable.
func ValidRole(role string) bool {
	_, ok := BuiltInRoles[role]
	return ok
}
