package session

import "strings"

// Role is the closed set of roles a profile can resolve to.
type Role int

const (
	RoleAlumni Role = iota
	RoleEmployer
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleEmployer:
		return "employer"
	default:
		return "alumni"
	}
}

// RoleInputs are the loosely-typed profile fields role resolution reads.
type RoleInputs struct {
	Email      string
	UserType   string
	IsAdmin    bool
	IsEmployer bool
}

// ResolveRole maps profile fields to a Role once, at profile load.
// Precedence: admin requires both the institutional email domain and the
// admin flag; employer is either the employer user type or the employer
// flag; everything else is alumni.
func ResolveRole(in RoleInputs, adminDomain string) Role {
	if in.IsAdmin && strings.HasSuffix(strings.ToLower(in.Email), "@"+strings.ToLower(adminDomain)) {
		return RoleAdmin
	}
	if in.UserType == "employer" || in.IsEmployer {
		return RoleEmployer
	}
	return RoleAlumni
}
