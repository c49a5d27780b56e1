/**
 * @description
 * Scheduled job implementations: daily staff PIN rotation for every venue and
 * reconciliation of approved cashouts that have no payout verdict yet.
 */
package app

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/catalog"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/store"
	"golang.org/x/crypto/bcrypt"
)

const jobTimeout = 2 * time.Minute

type JobsConfig struct {
	DefaultPinLength    int
	PayoutEscalateAfter time.Duration
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	catalog  catalog.Catalog
	pins     store.VenuePinRepository
	cashouts *CashoutManager
	events   EventBus
	logger   *slog.Logger
	config   JobsConfig
	now      func() time.Time
}

func NewJobs(cat catalog.Catalog, pins store.VenuePinRepository, cashouts *CashoutManager, events EventBus, logger *slog.Logger, cfg JobsConfig) *Jobs {
	if cfg.DefaultPinLength <= 0 {
		cfg.DefaultPinLength = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Jobs{
		catalog:  cat,
		pins:     pins,
		cashouts: cashouts,
		events:   events,
		logger:   logger,
		config:   cfg,
		now:      time.Now,
	}
}

// RotateVenuePins is the cron entry point for PIN rotation.
func (j *Jobs) RotateVenuePins() {
	j.logger.Info("starting venue pin rotation job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	rotated, err := j.RotateAllVenuePins(ctx)
	if err != nil {
		j.logger.Error("venue pin rotation job failed", "error", err, "rotated", rotated)
		return
	}
	j.logger.Info("venue pin rotation job finished", "rotated", rotated)
}

// RotateAllVenuePins issues a fresh PIN to every catalog venue. A failure for
// one venue does not stop the others.
func (j *Jobs) RotateAllVenuePins(ctx context.Context) (int, error) {
	venues, err := j.catalog.Venues(ctx)
	if err != nil {
		return 0, fmt.Errorf("list venues: %w", err)
	}
	rotated := 0
	var failed []string
	for _, venue := range venues {
		if _, err := j.rotate(ctx, venue); err != nil {
			j.logger.Error("failed to rotate venue pin", "venue_id", venue.ID, "error", err)
			failed = append(failed, venue.ID)
			continue
		}
		rotated++
	}
	if len(failed) > 0 {
		return rotated, fmt.Errorf("pin rotation failed for %s", strings.Join(failed, ", "))
	}
	return rotated, nil
}

// RotateVenuePin issues a fresh PIN to one venue on demand.
func (j *Jobs) RotateVenuePin(ctx context.Context, venueID string) (VenuePinRotatedEvent, error) {
	venue, err := j.catalog.Venue(ctx, venueID)
	if err != nil {
		return VenuePinRotatedEvent{}, err
	}
	return j.rotate(ctx, venue)
}

func (j *Jobs) rotate(ctx context.Context, venue catalog.Venue) (VenuePinRotatedEvent, error) {
	length := venue.PinLength
	if length <= 0 {
		length = j.config.DefaultPinLength
	}
	pin, err := randomDigits(length)
	if err != nil {
		return VenuePinRotatedEvent{}, fmt.Errorf("generate pin: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return VenuePinRotatedEvent{}, fmt.Errorf("hash pin: %w", err)
	}
	rotatedAt := j.now().UTC()
	if err := j.pins.SaveVenuePin(ctx, store.VenuePin{
		VenueID:   venue.ID,
		PinHash:   string(hash),
		PinLength: length,
		RotatedAt: rotatedAt,
	}); err != nil {
		return VenuePinRotatedEvent{}, fmt.Errorf("save pin: %w", err)
	}

	event := VenuePinRotatedEvent{VenueID: venue.ID, PIN: pin, PinLength: length, RotatedAt: rotatedAt}
	j.events.publish(ctx, EventVenuePinRotated, event)
	j.logger.Info("venue pin rotated", "venue_id", venue.ID, "pin_length", length)
	return event, nil
}

func randomDigits(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

// ReconcilePayouts is the cron entry point for approved-cashout reconciliation.
func (j *Jobs) ReconcilePayouts() {
	j.logger.Info("starting payout reconciliation job")
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	retried, escalated, err := j.cashouts.ReconcileApproved(ctx, j.config.PayoutEscalateAfter)
	if err != nil {
		j.logger.Error("payout reconciliation job failed", "error", err)
		return
	}
	j.logger.Info("payout reconciliation job finished", "retried", retried, "escalated", escalated)
}
