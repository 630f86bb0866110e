package store

import "strings"

// Role is the closed set of requester roles. Representing it as a type with
// a parse function keeps the authorization predicate free of ad hoc string
// comparison.
type Role string

const (
	// RoleAdmin may access every key in the bucket.
	RoleAdmin Role = "admin"
	// RoleUser may only access keys under its own tenant prefix.
	RoleUser Role = "user"
)

// ParseRole maps an arbitrary role claim onto the closed set. Anything that
// is not exactly the admin role parses to the unprivileged role.
func ParseRole(s string) Role {
	if strings.EqualFold(strings.TrimSpace(s), string(RoleAdmin)) {
		return RoleAdmin
	}
	return RoleUser
}

// Admin reports whether the role carries bucket-wide access.
func (r Role) Admin() bool {
	return r == RoleAdmin
}

// Identity describes a requester as resolved by the boundary layer.
type Identity struct {
	ID    string
	Role  Role
	Name  string
	Email string
}

// Authorize is the single authorization gate for list filtering, reads and
// deletes: a requester may touch key iff it is an admin or the key lives
// under the requester's tenant prefix. Do not duplicate this predicate.
func Authorize(key, ownerID string, role Role) bool {
	if role.Admin() {
		return true
	}
	if ownerID == "" {
		return false
	}
	return strings.HasPrefix(key, ownerID+"/")
}
