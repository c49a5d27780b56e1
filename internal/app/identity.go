package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/store"
)

// Identity merges the identity provider's view of a user with the moderation
// state this service owns.
type Identity struct {
	users store.UserRepository
}

func NewIdentity(users store.UserRepository) *Identity {
	return &Identity{users: users}
}

// Resolve returns user with its stored suspension applied. A suspension from
// either source wins.
func (i *Identity) Resolve(ctx context.Context, user domain.User) (domain.User, error) {
	user.ID = strings.TrimSpace(user.ID)
	if user.ID == "" {
		return domain.User{}, fmt.Errorf("%w: missing subject", ErrInvalidActivity)
	}
	restriction, err := i.users.GetRestriction(ctx, user.ID)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user restriction: %w", err)
	}
	user.Suspended = user.Suspended || restriction.Suspended
	return user, nil
}
