package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/store"
)

// Routing keys the payout rail publishes on its events exchange.
const (
	PayoutPaidRoutingKey   = "payout.status.paid"
	PayoutFailedRoutingKey = "payout.status.failed"
)

// PayoutResultHandler applies a payout verdict.
type PayoutResultHandler interface {
	HandlePayoutResult(ctx context.Context, result PayoutResult) (domain.CashoutRequest, error)
}

type PayoutStatusConsumer struct {
	handler PayoutResultHandler
}

func NewPayoutStatusConsumer(handler PayoutResultHandler) *PayoutStatusConsumer {
	return &PayoutStatusConsumer{handler: handler}
}

// Bindings maps the rail's routing keys to handlers for the rabbitmq consumer.
func (c *PayoutStatusConsumer) Bindings() map[string]func([]byte) bool {
	return map[string]func([]byte) bool{
		PayoutPaidRoutingKey:   c.handlerFor("paid"),
		PayoutFailedRoutingKey: c.handlerFor("failed"),
	}
}

func (c *PayoutStatusConsumer) handlerFor(status string) func([]byte) bool {
	return func(body []byte) bool {
		return c.HandleMessage(body, status)
	}
}

// HandleMessage processes one delivery. It returns false only for failures a
// redelivery could fix.
func (c *PayoutStatusConsumer) HandleMessage(body []byte, defaultStatus string) bool {
	var result PayoutResult
	if err := json.Unmarshal(body, &result); err != nil {
		log.Printf("level=warn component=payout_consumer msg=\"failed to unmarshal payload; dropping\" err=%v", err)
		return true
	}
	if strings.TrimSpace(result.Status) == "" {
		result.Status = defaultStatus
	}
	if result.CashoutID == "" && result.Reference == "" {
		log.Printf("level=warn component=payout_consumer msg=\"payout event without cashout id or reference; dropping\"")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	updated, err := c.handler.HandlePayoutResult(ctx, result)
	switch {
	case err == nil:
		log.Printf("level=info component=payout_consumer msg=\"payout verdict applied\" cashout_id=%s state=%s", updated.ID, updated.State)
		return true
	case errors.Is(err, store.ErrCashoutNotFound):
		log.Printf("level=warn component=payout_consumer msg=\"no cashout for payout event; acknowledging\" cashout_id=%s reference=%s", result.CashoutID, result.Reference)
		return true
	case errors.Is(err, store.ErrInvalidTransition):
		log.Printf("level=warn component=payout_consumer msg=\"payout verdict not applicable; acknowledging\" cashout_id=%s reference=%s err=%v", result.CashoutID, result.Reference, err)
		return true
	default:
		log.Printf("level=error component=payout_consumer msg=\"processing error\" cashout_id=%s reference=%s err=%v", result.CashoutID, result.Reference, err)
		return false
	}
}
