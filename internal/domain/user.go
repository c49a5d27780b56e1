package domain

import "strings"

// TrustTier grades how much the identity provider vouches for a user.
type TrustTier int

const (
	TierUnverified TrustTier = iota
	TierVerified
	TierTrusted
)

func ParseTrustTier(raw string) TrustTier {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "verified":
		return TierVerified
	case "trusted":
		return TierTrusted
	}
	return TierUnverified
}

func (t TrustTier) String() string {
	switch t {
	case TierVerified:
		return "verified"
	case TierTrusted:
		return "trusted"
	}
	return "unverified"
}

const (
	RoleHost  = "host"
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// User is the engine's view of an identity; the identity provider owns the rest.
type User struct {
	ID        string
	TrustTier TrustTier
	Roles     []string
	Suspended bool
}

func (u User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// UserRestriction is the moderation state kept per user.
type UserRestriction struct {
	UserID    string `json:"user_id"`
	Suspended bool   `json:"suspended"`
	Reason    string `json:"reason,omitempty"`
}
