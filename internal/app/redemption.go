package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"strings"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/catalog"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/store"
	"github.com/google/uuid"
)

// RedemptionStore is the persistence the redemption flow needs.
type RedemptionStore interface {
	store.RedemptionRepository
	store.UserRepository
}

type RedemptionManager struct {
	repo      RedemptionStore
	catalog   catalog.Catalog
	ledger    *Ledger
	risk      RiskObserver
	events    EventBus
	hardBlock bool
	newCode   func() (string, error)
}

func NewRedemptionManager(repo RedemptionStore, cat catalog.Catalog, ledger *Ledger, risk RiskObserver, events EventBus, velocityHardBlock bool) *RedemptionManager {
	return &RedemptionManager{
		repo:      repo,
		catalog:   cat,
		ledger:    ledger,
		risk:      risk,
		events:    events,
		hardBlock: velocityHardBlock,
		newCode:   generateVoucherCode,
	}
}

// generateVoucherCode creates a code in the format TRND-XXXX-XXXX.
func generateVoucherCode() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	h := strings.ToUpper(hex.EncodeToString(b))
	return fmt.Sprintf("TRND-%s-%s", h[:4], h[4:]), nil
}

// Redeem debits the reward cost and issues a voucher in one store transaction.
func (m *RedemptionManager) Redeem(ctx context.Context, user domain.User, rewardID string) (domain.RedemptionClaim, error) {
	if user.Suspended {
		return domain.RedemptionClaim{}, ErrUserSuspended
	}
	restriction, err := m.repo.GetRestriction(ctx, user.ID)
	if err != nil {
		return domain.RedemptionClaim{}, fmt.Errorf("load user restriction: %w", err)
	}
	if restriction.Suspended {
		return domain.RedemptionClaim{}, ErrUserSuspended
	}

	reward, err := m.catalog.Reward(ctx, strings.TrimSpace(rewardID))
	if err != nil {
		return domain.RedemptionClaim{}, err
	}
	if m.hardBlock && m.risk != nil && !m.risk.Allow(ctx, user.ID, domain.EntryKindRedeemed) {
		return domain.RedemptionClaim{}, ErrVelocityLimited
	}

	code, err := m.newCode()
	if err != nil {
		return domain.RedemptionClaim{}, fmt.Errorf("generate voucher code: %w", err)
	}
	draft := domain.RedemptionClaim{
		ID:       uuid.New(),
		UserID:   user.ID,
		RewardID: reward.ID,
		Cost:     reward.Cost,
		Code:     code,
	}
	claim, err := withConflictRetry(ctx, "redeem", func() (domain.RedemptionClaim, error) {
		return m.repo.CreateRedemption(ctx, draft)
	})
	if err != nil {
		return domain.RedemptionClaim{}, err
	}

	m.ledger.Invalidate(ctx, user.ID)
	log.Printf("level=info component=redemption msg=\"reward redeemed\" redemption_id=%s user_id=%s reward_id=%s cost=%d", claim.ID, claim.UserID, claim.RewardID, claim.Cost)
	m.events.publish(ctx, EventRedemptionIssued, newRedemptionEvent(claim))
	if m.risk != nil {
		m.risk.ObserveEntry(ctx, domain.LedgerEntry{
			ID:         claim.EntryID,
			UserID:     claim.UserID,
			Amount:     -claim.Cost,
			Kind:       domain.EntryKindRedeemed,
			Status:     domain.EntryStatusCompleted,
			SourceType: domain.SourceRedemption,
			SourceRef:  claim.ID.String(),
			CreatedAt:  claim.CreatedAt,
		})
	}
	return claim, nil
}

// Fulfill marks a voucher as handed over by the venue.
func (m *RedemptionManager) Fulfill(ctx context.Context, id uuid.UUID) (domain.RedemptionClaim, error) {
	claim, err := m.repo.TransitionRedemption(ctx, id, domain.RedemptionFulfilled)
	if err != nil {
		return domain.RedemptionClaim{}, err
	}
	log.Printf("level=info component=redemption msg=\"redemption fulfilled\" redemption_id=%s", claim.ID)
	m.events.publish(ctx, EventRedemptionFulfilled, newRedemptionEvent(claim))
	return claim, nil
}

// Void cancels an unfulfilled voucher and refunds its cost.
func (m *RedemptionManager) Void(ctx context.Context, id uuid.UUID) (domain.RedemptionClaim, error) {
	claim, err := withConflictRetry(ctx, "void_redemption", func() (domain.RedemptionClaim, error) {
		return m.repo.TransitionRedemption(ctx, id, domain.RedemptionVoid)
	})
	if err != nil {
		return domain.RedemptionClaim{}, err
	}
	m.ledger.Invalidate(ctx, claim.UserID)
	log.Printf("level=info component=redemption msg=\"redemption voided\" redemption_id=%s user_id=%s", claim.ID, claim.UserID)
	m.events.publish(ctx, EventRedemptionVoided, newRedemptionEvent(claim))
	return claim, nil
}

func (m *RedemptionManager) List(ctx context.Context, userID string) ([]domain.RedemptionClaim, error) {
	return m.repo.ListRedemptions(ctx, userID)
}

func newRedemptionEvent(c domain.RedemptionClaim) RedemptionEvent {
	return RedemptionEvent{
		RedemptionID: c.ID,
		UserID:       c.UserID,
		RewardID:     c.RewardID,
		Cost:         c.Cost,
		Code:         c.Code,
		State:        c.State,
		OccurredAt:   c.UpdatedAt,
	}
}
