/**
 * @description
 * The RiskEmitter watches ledger writes and verification attempts and raises
 * flags for human review. It never touches balances. Observations are queued
 * on a bounded channel and evaluated by a single worker so request latency is
 * not affected by rule evaluation.
 *
 * @dependencies
 * - internal/store: the risk store (attempt log + flags).
 * - SignalCounter: redis or in-memory fixed-window counters.
 */

package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/store"
	"github.com/google/uuid"
)

const (
	earnVelocityScope   = "velocity_earn"
	redeemVelocityScope = "velocity_redeem"
	geofenceMissScope   = "geofence_miss"
	riskDrainTimeout    = 5 * time.Second
	defaultRiskQueue    = 1024
)

type RiskPolicy struct {
	EarnVelocityMax          int
	EarnVelocityWindow       time.Duration
	RedeemVelocityMax        int
	RedeemVelocityWindow     time.Duration
	DuplicateDeviceThreshold int
	DuplicateDeviceLookback  time.Duration
	GeofenceMissThreshold    int
	GeofenceMissWindow       time.Duration
	MaxTravelSpeedKmh        float64
}

func DefaultRiskPolicy() RiskPolicy {
	return RiskPolicy{
		EarnVelocityMax:          10,
		EarnVelocityWindow:       time.Hour,
		RedeemVelocityMax:        1,
		RedeemVelocityWindow:     5 * time.Minute,
		DuplicateDeviceThreshold: 2,
		DuplicateDeviceLookback:  30 * 24 * time.Hour,
		GeofenceMissThreshold:    3,
		GeofenceMissWindow:       time.Hour,
		MaxTravelSpeedKmh:        900,
	}
}

type observation struct {
	entry   *domain.LedgerEntry
	attempt *domain.VerificationRecord
}

type RiskEmitter struct {
	store   store.RiskStore
	counter SignalCounter
	events  EventBus
	policy  RiskPolicy
	queue   chan observation
	now     func() time.Time
}

func NewRiskEmitter(riskStore store.RiskStore, counter SignalCounter, events EventBus, policy RiskPolicy, queueSize int) *RiskEmitter {
	if queueSize <= 0 {
		queueSize = defaultRiskQueue
	}
	if counter == nil {
		counter = NewMemorySignalCounter()
	}
	return &RiskEmitter{
		store:   riskStore,
		counter: counter,
		events:  events,
		policy:  policy,
		queue:   make(chan observation, queueSize),
		now:     time.Now,
	}
}

// Run drains the observation queue until ctx is cancelled, then evaluates
// whatever is still queued before returning.
func (r *RiskEmitter) Run(ctx context.Context) {
	log.Printf("level=info component=risk msg=\"risk worker started\" queue_capacity=%d", cap(r.queue))
	for {
		select {
		case obs := <-r.queue:
			r.process(ctx, obs)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), riskDrainTimeout)
			r.drain(drainCtx)
			cancel()
			log.Printf("level=info component=risk msg=\"risk worker stopped\"")
			return
		}
	}
}

func (r *RiskEmitter) drain(ctx context.Context) {
	for {
		select {
		case obs := <-r.queue:
			r.process(ctx, obs)
		default:
			return
		}
	}
}

// ObserveEntry queues a ledger write for velocity evaluation.
func (r *RiskEmitter) ObserveEntry(ctx context.Context, entry domain.LedgerEntry) {
	r.enqueue(observation{entry: &entry})
}

// ObserveAttempt appends rec to the attempt log and queues it for the device
// and geofence rules.
func (r *RiskEmitter) ObserveAttempt(ctx context.Context, rec domain.VerificationRecord) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), riskDrainTimeout)
	defer cancel()
	if err := r.store.RecordAttempt(writeCtx, rec); err != nil {
		log.Printf("level=error component=risk msg=\"failed to record verification attempt\" user_id=%s venue_id=%s err=%v", rec.UserID, rec.VenueID, err)
	}
	r.enqueue(observation{attempt: &rec})
}

func (r *RiskEmitter) enqueue(obs observation) {
	select {
	case r.queue <- obs:
	default:
		log.Printf("level=warn component=risk msg=\"risk queue full; observation dropped\"")
	}
}

// Allow reports whether userID is still under the velocity limit for kind.
// Counter failures allow the request; the flag path still records it.
func (r *RiskEmitter) Allow(ctx context.Context, userID string, kind domain.EntryKind) bool {
	scope, limit := r.velocityScope(kind)
	if scope == "" || limit <= 0 {
		return true
	}
	count, err := r.counter.Peek(ctx, scope, userID)
	if err != nil {
		log.Printf("level=warn component=risk msg=\"velocity counter unavailable\" user_id=%s err=%v", userID, err)
		return true
	}
	return count < limit
}

func (r *RiskEmitter) velocityScope(kind domain.EntryKind) (string, int) {
	switch kind {
	case domain.EntryKindEarned:
		return earnVelocityScope, r.policy.EarnVelocityMax
	case domain.EntryKindRedeemed:
		return redeemVelocityScope, r.policy.RedeemVelocityMax
	}
	return "", 0
}

func (r *RiskEmitter) process(ctx context.Context, obs observation) {
	if obs.entry != nil {
		r.checkVelocity(ctx, *obs.entry)
	}
	if obs.attempt != nil {
		r.checkDevice(ctx, *obs.attempt)
		r.checkGeofence(ctx, *obs.attempt)
	}
}

func (r *RiskEmitter) checkVelocity(ctx context.Context, entry domain.LedgerEntry) {
	scope, limit := r.velocityScope(entry.Kind)
	if scope == "" || limit <= 0 {
		return
	}
	window := r.policy.EarnVelocityWindow
	if entry.Kind == domain.EntryKindRedeemed {
		window = r.policy.RedeemVelocityWindow
	}
	count, err := r.counter.Incr(ctx, scope, entry.UserID, window)
	if err != nil {
		log.Printf("level=warn component=risk msg=\"velocity counter failed\" user_id=%s err=%v", entry.UserID, err)
		return
	}
	if count <= limit {
		return
	}
	severity := domain.SeverityMedium
	if count >= 2*limit+1 {
		severity = domain.SeverityHigh
	}
	r.raise(ctx, domain.RiskFlag{
		SubjectType: domain.SubjectUser,
		SubjectID:   entry.UserID,
		Type:        domain.FlagVelocity,
		Severity:    severity,
		Summary:     fmt.Sprintf("%d %s entries within %s (limit %d)", count, entry.Kind, window, limit),
	})
}

func (r *RiskEmitter) checkDevice(ctx context.Context, rec domain.VerificationRecord) {
	if rec.Fingerprint.DeviceID == "" || r.policy.DuplicateDeviceThreshold <= 0 {
		return
	}
	since := r.now().Add(-r.policy.DuplicateDeviceLookback)
	users, err := r.store.DistinctUsersForDevice(ctx, rec.Fingerprint.DeviceID, since)
	if err != nil {
		log.Printf("level=warn component=risk msg=\"device lookup failed\" user_id=%s err=%v", rec.UserID, err)
		return
	}
	if len(users) < r.policy.DuplicateDeviceThreshold {
		return
	}
	r.raise(ctx, domain.RiskFlag{
		SubjectType: domain.SubjectUser,
		SubjectID:   rec.UserID,
		Type:        domain.FlagDuplicateDevice,
		Severity:    domain.SeverityHigh,
		Summary:     fmt.Sprintf("device shared by %d accounts in the last %s", len(users), r.policy.DuplicateDeviceLookback),
	})
}

func (r *RiskEmitter) checkGeofence(ctx context.Context, rec domain.VerificationRecord) {
	if !rec.Accepted() && rec.Reason == domain.ReasonOutOfRange && r.policy.GeofenceMissThreshold > 0 {
		count, err := r.counter.Incr(ctx, geofenceMissScope, rec.UserID, r.policy.GeofenceMissWindow)
		if err != nil {
			log.Printf("level=warn component=risk msg=\"geofence counter failed\" user_id=%s err=%v", rec.UserID, err)
			return
		}
		if count >= r.policy.GeofenceMissThreshold {
			r.raise(ctx, domain.RiskFlag{
				SubjectType: domain.SubjectUser,
				SubjectID:   rec.UserID,
				Type:        domain.FlagGeofenceAnomaly,
				Severity:    domain.SeverityMedium,
				Summary:     fmt.Sprintf("%d out-of-range check-ins within %s", count, r.policy.GeofenceMissWindow),
			})
		}
		return
	}

	if !rec.Accepted() || !rec.Located() || r.policy.MaxTravelSpeedKmh <= 0 {
		return
	}
	recent, err := r.store.ListAttempts(ctx, store.AttemptFilter{
		UserID:      rec.UserID,
		Outcome:     domain.OutcomeAccepted,
		LocatedOnly: true,
		Limit:       2,
	})
	if err != nil {
		log.Printf("level=warn component=risk msg=\"attempt history lookup failed\" user_id=%s err=%v", rec.UserID, err)
		return
	}
	for _, prev := range recent {
		if prev.ID == rec.ID {
			continue
		}
		speed := travelSpeedKmh(prev, rec)
		if speed > r.policy.MaxTravelSpeedKmh {
			r.raise(ctx, domain.RiskFlag{
				SubjectType: domain.SubjectUser,
				SubjectID:   rec.UserID,
				Type:        domain.FlagGeofenceAnomaly,
				Severity:    domain.SeverityHigh,
				Summary:     fmt.Sprintf("impossible travel between %s and %s (%.0f km/h)", prev.VenueID, rec.VenueID, speed),
			})
		}
		return
	}
}

func travelSpeedKmh(from, to domain.VerificationRecord) float64 {
	km := haversineMeters(*from.Evidence.Lat, *from.Evidence.Lng, *to.Evidence.Lat, *to.Evidence.Lng) / 1000
	hours := to.CreatedAt.Sub(from.CreatedAt).Hours()
	if hours < 0 {
		hours = -hours
	}
	if hours < 1.0/3600 {
		hours = 1.0 / 3600
	}
	return km / hours
}

func (r *RiskEmitter) raise(ctx context.Context, flag domain.RiskFlag) {
	stored, created, err := r.store.RaiseFlag(ctx, flag)
	if err != nil {
		log.Printf("level=error component=risk msg=\"failed to raise flag\" subject_id=%s type=%s err=%v", flag.SubjectID, flag.Type, err)
		return
	}
	if !created {
		return
	}
	log.Printf("level=info component=risk msg=\"risk flag raised\" flag_id=%s subject_id=%s type=%s severity=%s", stored.ID, stored.SubjectID, stored.Type, stored.Severity)
	r.events.publish(ctx, EventRiskFlagRaised, stored)
}

// ListFlags returns flags for the moderation queue.
func (r *RiskEmitter) ListFlags(ctx context.Context, filter store.FlagFilter) ([]domain.RiskFlag, error) {
	return r.store.ListFlags(ctx, filter)
}

// TransitionFlag moves a flag through pending, investigating, resolved|escalated.
func (r *RiskEmitter) TransitionFlag(ctx context.Context, id uuid.UUID, to domain.FlagState, note string) (domain.RiskFlag, error) {
	flag, err := r.store.TransitionFlag(ctx, id, to, note)
	if err != nil {
		return domain.RiskFlag{}, err
	}
	log.Printf("level=info component=risk msg=\"risk flag transitioned\" flag_id=%s state=%s", flag.ID, flag.State)
	return flag, nil
}
