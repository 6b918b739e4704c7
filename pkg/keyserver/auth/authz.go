package auth

import "github.com/ransxm/keyserver/pkg/keyserver/models"

// Authorization is the result of an access check. When Allowed is false,
// Required names the role the caller would have needed.
type Authorization struct {
	Allowed  bool
	Required models.Role
}

// Authorize checks a role against a required role using the strict
// ordering user < admin < super_admin. All route-level access checks go
// through here rather than comparing role strings inline. The admin and
// super_admin thresholds delegate to the role's CanView/CanModify
// predicates so the access policy has a single definition.
func Authorize(role, required models.Role) Authorization {
	az := Authorization{Required: required}
	switch required {
	case models.RoleSuperAdmin:
		az.Allowed = role.CanModify()
	case models.RoleAdmin:
		az.Allowed = role.CanView()
	default:
		az.Allowed = role.Level() >= required.Level()
	}
	return az
}
