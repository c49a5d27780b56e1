package app

import (
	"context"
	"log"
	"time"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
	"github.com/bossboothsa-ai/trendle-app-sub001/pkg/rabbitmq"
	"github.com/google/uuid"
)

// Routing keys published on the rewards exchange.
const (
	EventActivityRewarded    = "activity.rewarded"
	EventCashoutPrefix       = "cashout."
	EventCashoutEscalated    = "cashout.escalated"
	EventRedemptionIssued    = "redemption.issued"
	EventRedemptionFulfilled = "redemption.fulfilled"
	EventRedemptionVoided    = "redemption.voided"
	EventRiskFlagRaised      = "risk.flag.raised"
	EventVenuePinRotated     = "venue.pin.rotated"
)

const publishTimeout = 5 * time.Second

type ActivityRewardedEvent struct {
	UserID     string                    `json:"user_id"`
	ActivityID uuid.UUID                 `json:"activity_id"`
	EntryID    uuid.UUID                 `json:"entry_id"`
	Type       domain.ActivityType       `json:"type"`
	RefID      string                    `json:"ref_id"`
	VenueID    string                    `json:"venue_id,omitempty"`
	EventID    string                    `json:"event_id,omitempty"`
	Points     int64                     `json:"points"`
	Method     domain.VerificationMethod `json:"method"`
	OccurredAt time.Time                 `json:"occurred_at"`
}

type CashoutEvent struct {
	CashoutID    uuid.UUID           `json:"cashout_id"`
	UserID       string              `json:"user_id"`
	State        domain.CashoutState `json:"state"`
	Amount       int64               `json:"amount"`
	PayoutAmount string              `json:"payout_amount"`
	Currency     string              `json:"currency"`
	Reference    string              `json:"reference,omitempty"`
	Note         string              `json:"note,omitempty"`
	OccurredAt   time.Time           `json:"occurred_at"`
}

func newCashoutEvent(c domain.CashoutRequest) CashoutEvent {
	return CashoutEvent{
		CashoutID:    c.ID,
		UserID:       c.UserID,
		State:        c.State,
		Amount:       c.Amount,
		PayoutAmount: c.PayoutAmount.StringFixed(2),
		Currency:     c.Currency,
		Reference:    c.PayoutReference,
		Note:         c.Note,
		OccurredAt:   time.Now().UTC(),
	}
}

type RedemptionEvent struct {
	RedemptionID uuid.UUID              `json:"redemption_id"`
	UserID       string                 `json:"user_id"`
	RewardID     string                 `json:"reward_id"`
	Cost         int64                  `json:"cost"`
	Code         string                 `json:"code"`
	State        domain.RedemptionState `json:"state"`
	OccurredAt   time.Time              `json:"occurred_at"`
}

// VenuePinRotatedEvent is consumed by the notification service, which shows
// the new PIN to the venue's staff.
type VenuePinRotatedEvent struct {
	VenueID   string    `json:"venue_id"`
	PIN       string    `json:"pin"`
	PinLength int       `json:"pin_length"`
	RotatedAt time.Time `json:"rotated_at"`
}

// EventBus publishes best-effort notifications. Delivery failures are logged
// and never undo the state change that triggered them.
type EventBus struct {
	publisher rabbitmq.Publisher
	exchange  string
}

func NewEventBus(publisher rabbitmq.Publisher, exchange string) EventBus {
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{}
	}
	if exchange == "" {
		exchange = "rewards.events"
	}
	return EventBus{publisher: publisher, exchange: exchange}
}

func (b EventBus) publish(ctx context.Context, routingKey string, body interface{}) {
	if b.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := b.publisher.Publish(pubCtx, b.exchange, routingKey, body); err != nil {
		log.Printf("level=warn component=events msg=\"publish failed\" exchange=%s routing_key=%s err=%v", b.exchange, routingKey, err)
	}
}
