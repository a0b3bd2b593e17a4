// Package identity resolves bearer credentials into tenant-scoped principals.
//
// The chat core trusts the resolver's output unconditionally: sender role and
// tenant are always taken from the resolved identity, never from client input.
package identity

import "strings"

// Role classifies a principal within a tenant.
type Role string

// Role constants (wire- and storage-stable).
const (
	RoleCustomer   Role = "customer"
	RoleStaff      Role = "staff"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// ParseRole maps a raw claim value onto a known Role.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.TrimSpace(s)) {
	case RoleCustomer:
		return RoleCustomer, true
	case RoleStaff:
		return RoleStaff, true
	case RoleAdmin:
		return RoleAdmin, true
	case RoleSuperAdmin:
		return RoleSuperAdmin, true
	default:
		return "", false
	}
}

// StaffSide reports whether the role belongs to the tenant side of a
// conversation (as opposed to the customer side).
func (r Role) StaffSide() bool {
	switch r {
	case RoleStaff, RoleAdmin, RoleSuperAdmin:
		return true
	default:
		return false
	}
}

// displayLabels maps each role to its UI label. A lookup table keeps the
// mapping a pure function instead of branching at every render site.
var displayLabels = map[Role]string{
	RoleCustomer:   "Customer",
	RoleStaff:      "Support",
	RoleAdmin:      "Store Admin",
	RoleSuperAdmin: "Platform Admin",
}

// DisplayLabel returns the UI label for a role.
// Unknown roles fall back to the raw value.
func (r Role) DisplayLabel() string {
	if l, ok := displayLabels[r]; ok {
		return l
	}
	return string(r)
}

// Identity is the resolved principal bound to a connection.
type Identity struct {
	UserID     string
	TenantSlug string
	Role       Role
}

// CanJoinTenant reports whether the identity may enter the staff room for
// the given tenant slug. Customers never join staff rooms; super admins may
// join any tenant; everyone else only their own.
func (id Identity) CanJoinTenant(slug string) bool {
	if !id.Role.StaffSide() {
		return false
	}
	if id.Role == RoleSuperAdmin {
		return true
	}
	return slug == id.TenantSlug
}

// CustomerProfile is the display-side projection of a customer, resolved
// through an external directory when available.
type CustomerProfile struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Avatar    string `json:"avatar,omitempty"`
}

// Directory resolves customer ids to profiles. It is an external
// collaborator; implementations may be backed by the platform's user tables.
type Directory interface {
	Lookup(customerID string) (CustomerProfile, bool)
}
