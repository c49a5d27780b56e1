package app

import (
	"context"
	"log"
	"strings"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/store"
)

// ModerationStore is the persistence behind the moderation tools.
type ModerationStore interface {
	store.ActivityRepository
	store.UserRepository
}

// Moderation serves the internal moderation routes that are not flag queue
// operations.
type Moderation struct {
	repo ModerationStore
}

func NewModeration(repo ModerationStore) *Moderation {
	return &Moderation{repo: repo}
}

func (m *Moderation) ListActivities(ctx context.Context, userID string, limit int) ([]domain.Activity, error) {
	return m.repo.ListActivities(ctx, strings.TrimSpace(userID), limit)
}

// SetSuspension records whether userID may earn, redeem or cash out.
func (m *Moderation) SetSuspension(ctx context.Context, userID string, suspended bool, reason string) (domain.UserRestriction, error) {
	restriction := domain.UserRestriction{
		UserID:    strings.TrimSpace(userID),
		Suspended: suspended,
		Reason:    strings.TrimSpace(reason),
	}
	if err := m.repo.SetRestriction(ctx, restriction); err != nil {
		return domain.UserRestriction{}, err
	}
	log.Printf("level=info component=moderation msg=\"user suspension updated\" user_id=%s suspended=%t", restriction.UserID, restriction.Suspended)
	return restriction, nil
}
