package identity

import "relicflow/fault"

// Role is the marketplace role carried by an authenticated actor.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

// Actor is a pre-authenticated identity. The engine never issues or stores
// credentials; it receives an actor id plus role and enforces ownership and
// role checks itself.
type Actor struct {
	ID   string
	Role Role
}

// Valid reports whether the role is one of the known marketplace roles.
func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleSeller, RoleAdmin:
		return true
	default:
		return false
	}
}

// RequireRole fails with Forbidden unless the actor holds the given role.
func (a Actor) RequireRole(role Role) error {
	if a.ID == "" {
		return fault.Forbidden("identity: missing actor")
	}
	if a.Role != role {
		return fault.Forbidden("identity: role %s required", role)
	}
	return nil
}
