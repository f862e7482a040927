package auth

type Permission string

const (
	PermView    Permission = "view"
	PermOperate Permission = "operate"
)

var rolePermissions = map[string][]Permission{
	"viewer":   {PermView},
	"operator": {PermView, PermOperate},
}

// RoleToPermissions returns nil for unknown roles.
func RoleToPermissions(role string) []Permission {
	return rolePermissions[role]
}
