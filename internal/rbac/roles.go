package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts and
// match calls.Role for the two call parties.
const (
	RoleUser      = "user"
	RoleTherapist = "therapist"
	RoleAdmin     = "admin"
)

func IsAdmin(role string) bool { return role == RoleAdmin }

// IsCallParty reports whether role can take part in a call.
func IsCallParty(role string) bool { return role == RoleUser || role == RoleTherapist }

// IsKnownRole reports whether role can be carried by a token.
func IsKnownRole(role string) bool { return IsCallParty(role) || IsAdmin(role) }
