package models

// Role is an access level on a node. The ladder is totally ordered; a higher
// role implies every capability of the roles below it.
type Role string

const (
	RoleOwner        Role = "owner"
	RoleAdmin        Role = "admin"
	RoleEditor       Role = "editor"
	RoleCollaborator Role = "collaborator"
	RoleViewer       Role = "viewer"
)

var roleRank = map[Role]int{
	RoleViewer:       1,
	RoleCollaborator: 2,
	RoleEditor:       3,
	RoleAdmin:        4,
	RoleOwner:        5,
}

// Rank returns the position of r in the ladder, 0 for unknown roles.
func (r Role) Rank() int { return roleRank[r] }

// IsValid reports whether r is one of the known roles.
func (r Role) IsValid() bool { return roleRank[r] != 0 }

// AtLeast reports whether r grants everything min grants.
func (r Role) AtLeast(min Role) bool { return roleRank[r] >= roleRank[min] }

// HighestRole returns the higher-privilege of a and b.
func HighestRole(a, b Role) Role {
	if roleRank[b] > roleRank[a] {
		return b
	}
	return a
}

// NormalizeRole clamps unknown role strings to viewer so that a corrupted or
// future role value can never grant more than read access.
func NormalizeRole(s string) Role {
	if r := Role(s); r.IsValid() {
		return r
	}
	return RoleViewer
}
