package auth

// Permission names checked by the HTTP surface.
const (
	PermGridRead       = "grid.read"
	PermNodesRead      = "nodes.read"
	PermAlarmsRead     = "alarms.read"
	PermAlarmsAck      = "alarms.ack"
	PermHistorianRead  = "historian.read"
	PermControlBreaker = "control.breaker"
	PermControlIsolate = "control.isolate"
	PermSecurityView   = "security.view"
	PermAdminUsers     = "admin.users"
	PermAdminSecurity  = "admin.security"
	PermAdminAudit     = "admin.audit"
)

// Roles in ascending order of privilege.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
	RoleEngineer = "engineer"
	RoleAdmin    = "admin"
)

var viewerPerms = []string{PermGridRead, PermNodesRead, PermAlarmsRead, PermHistorianRead}
var operatorPerms = append(append([]string{}, viewerPerms...), PermAlarmsAck, PermControlBreaker)
var engineerPerms = append(append([]string{}, operatorPerms...), PermControlIsolate, PermSecurityView)
var adminPerms = append(append([]string{}, engineerPerms...), PermAdminUsers, PermAdminSecurity, PermAdminAudit)

var rolePermissions = func() map[string]map[string]bool {
	out := make(map[string]map[string]bool, 4)
	for role, perms := range map[string][]string{
		RoleViewer:   viewerPerms,
		RoleOperator: operatorPerms,
		RoleEngineer: engineerPerms,
		RoleAdmin:    adminPerms,
	} {
		set := make(map[string]bool, len(perms))
		for _, p := range perms {
			set[p] = true
		}
		out[role] = set
	}
	return out
}()

// RoleHasPermission reports whether a role grants a permission.
func RoleHasPermission(role, permission string) bool {
	return rolePermissions[role][permission]
}

// KnownRole reports whether the role exists in the matrix.
func KnownRole(role string) bool {
	_, ok := rolePermissions[role]
	return ok
}

// Permissions lists a role's grants, for the login response.
func Permissions(role string) []string {
	switch role {
	case RoleViewer:
		return append([]string{}, viewerPerms...)
	case RoleOperator:
		return append([]string{}, operatorPerms...)
	case RoleEngineer:
		return append([]string{}, engineerPerms...)
	case RoleAdmin:
		return append([]string{}, adminPerms...)
	}
	return nil
}
