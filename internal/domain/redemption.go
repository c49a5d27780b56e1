package domain

import (
	"time"

	"github.com/google/uuid"
)

// RedemptionState tracks a reward claim after it is issued.
type RedemptionState string

const (
	RedemptionIssued    RedemptionState = "issued"
	RedemptionFulfilled RedemptionState = "fulfilled"
	RedemptionVoid      RedemptionState = "void"
)

func CanTransitionRedemption(from, to RedemptionState) bool {
	return from == RedemptionIssued && (to == RedemptionFulfilled || to == RedemptionVoid)
}

// RedemptionClaim is a reward bought with points.
type RedemptionClaim struct {
	ID        uuid.UUID       `json:"id"`
	UserID    string          `json:"user_id"`
	RewardID  string          `json:"reward_id"`
	Cost      int64           `json:"cost"`
	Code      string          `json:"code"`
	State     RedemptionState `json:"state"`
	EntryID   uuid.UUID       `json:"entry_id"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
