package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/store"
	"github.com/google/uuid"
)

type brokenCounter struct{}

func (brokenCounter) Incr(ctx context.Context, scope, subject string, window time.Duration) (int, error) {
	return 0, errors.New("redis down")
}

func (brokenCounter) Peek(ctx context.Context, scope, subject string) (int, error) {
	return 0, errors.New("redis down")
}

func locatedAttempt(userID, venueID string, lat, lng float64, at time.Time, outcome domain.VerificationOutcome, reason string) domain.VerificationRecord {
	return domain.VerificationRecord{
		ID:        uuid.New(),
		UserID:    userID,
		VenueID:   venueID,
		Method:    domain.MethodGPS,
		Evidence:  domain.RecordedEvidence{Lat: floatPtr(lat), Lng: floatPtr(lng), Accuracy: floatPtr(10)},
		Outcome:   outcome,
		Reason:    reason,
		CreatedAt: at,
	}
}

func flagsFor(t *testing.T, f *fixture, userID string) []domain.RiskFlag {
	t.Helper()
	flags, err := f.risk.ListFlags(context.Background(), store.FlagFilter{SubjectID: userID})
	if err != nil {
		t.Fatalf("list flags: %v", err)
	}
	return flags
}

func TestRiskRedeemVelocityRaisesOneFlag(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.risk.ObserveEntry(ctx, domain.LedgerEntry{UserID: "user-1", Amount: -300, Kind: domain.EntryKindRedeemed, Status: domain.EntryStatusCompleted})
	}
	f.risk.drain(ctx)

	flags := flagsFor(t, f, "user-1")
	if len(flags) != 1 {
		t.Fatalf("expected a single open velocity flag, got %d", len(flags))
	}
	if flags[0].Type != domain.FlagVelocity || flags[0].Severity != domain.SeverityMedium || flags[0].State != domain.FlagPending {
		t.Fatalf("unexpected flag %+v", flags[0])
	}
	if f.publisher.count(EventRiskFlagRaised) != 1 {
		t.Fatalf("expected one risk.flag.raised event, got %d", f.publisher.count(EventRiskFlagRaised))
	}
}

func TestRiskEarnVelocitySeverity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	policy := DefaultRiskPolicy()
	policy.EarnVelocityMax = 2
	risk := NewRiskEmitter(f.riskStore, NewMemorySignalCounter(), f.events, policy, 16)

	for i := 0; i < 5; i++ {
		risk.process(ctx, observation{entry: &domain.LedgerEntry{UserID: "user-1", Amount: 50, Kind: domain.EntryKindEarned}})
	}
	flags := flagsFor(t, f, "user-1")
	if len(flags) != 1 || flags[0].Severity != domain.SeverityMedium {
		t.Fatalf("expected the first breach to raise a medium flag, got %+v", flags)
	}

	// Once the flag is resolved a later breach raises a fresh one.
	if _, err := risk.TransitionFlag(ctx, flags[0].ID, domain.FlagInvestigating, ""); err != nil {
		t.Fatalf("investigate: %v", err)
	}
	if _, err := risk.TransitionFlag(ctx, flags[0].ID, domain.FlagResolved, "legit promo day"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	risk.process(ctx, observation{entry: &domain.LedgerEntry{UserID: "user-1", Amount: 50, Kind: domain.EntryKindEarned}})
	open, _ := f.risk.ListFlags(ctx, store.FlagFilter{SubjectID: "user-1", State: domain.FlagPending})
	if len(open) != 1 || open[0].Severity != domain.SeverityHigh {
		t.Fatalf("expected a high severity flag at 2x the limit, got %+v", open)
	}
}

func TestRiskDuplicateDevice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now().UTC()
	for _, user := range []string{"user-1", "user-2"} {
		rec := locatedAttempt(user, "venue-1", venue1Lat, venue1Lng, now, domain.OutcomeAccepted, "")
		rec.Fingerprint = domain.Fingerprint{DeviceID: "shared-phone", IP: "10.0.0.7"}
		f.risk.ObserveAttempt(ctx, rec)
	}
	f.risk.drain(ctx)

	flags := flagsFor(t, f, "user-2")
	if len(flags) != 1 || flags[0].Type != domain.FlagDuplicateDevice {
		t.Fatalf("expected duplicate device flag for user-2, got %+v", flags)
	}
	if len(flagsFor(t, f, "user-3")) != 0 {
		t.Fatal("unrelated users must not be flagged")
	}
}

func TestRiskGeofenceMisses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		f.risk.process(ctx, observation{attempt: ptrAttempt(locatedAttempt("user-1", "venue-1", venue1Lat+0.01, venue1Lng, now, domain.OutcomeRejected, domain.ReasonOutOfRange))})
	}
	if len(flagsFor(t, f, "user-1")) != 0 {
		t.Fatal("expected no flag below the miss threshold")
	}
	for i := 0; i < 2; i++ {
		f.risk.process(ctx, observation{attempt: ptrAttempt(locatedAttempt("user-1", "venue-1", venue1Lat+0.01, venue1Lng, now, domain.OutcomeRejected, domain.ReasonOutOfRange))})
	}
	flags := flagsFor(t, f, "user-1")
	if len(flags) != 1 || flags[0].Type != domain.FlagGeofenceAnomaly || flags[0].Severity != domain.SeverityMedium {
		t.Fatalf("expected one geofence anomaly flag, got %+v", flags)
	}
}

func TestRiskImpossibleTravel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	start := time.Now().UTC().Add(-time.Hour)

	f.risk.ObserveAttempt(ctx, locatedAttempt("user-1", "venue-1", venue1Lat, venue1Lng, start, domain.OutcomeAccepted, ""))
	f.risk.ObserveAttempt(ctx, locatedAttempt("user-1", "venue-2", venue2Lat, venue2Lng, start.Add(10*time.Minute), domain.OutcomeAccepted, ""))
	f.risk.drain(ctx)

	flags := flagsFor(t, f, "user-1")
	if len(flags) != 1 || flags[0].Type != domain.FlagGeofenceAnomaly || flags[0].Severity != domain.SeverityHigh {
		t.Fatalf("expected impossible travel flag, got %+v", flags)
	}

	g := newFixture(t)
	g.risk.ObserveAttempt(ctx, locatedAttempt("user-1", "venue-1", venue1Lat, venue1Lng, start, domain.OutcomeAccepted, ""))
	g.risk.ObserveAttempt(ctx, locatedAttempt("user-1", "venue-2", venue2Lat, venue2Lng, start.Add(3*time.Hour), domain.OutcomeAccepted, ""))
	g.risk.drain(ctx)
	if len(flagsFor(t, g, "user-1")) != 0 {
		t.Fatal("a flight-speed journey must not be flagged")
	}
}

func TestRiskRunDrainsOnShutdown(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.risk.ObserveEntry(context.Background(), domain.LedgerEntry{UserID: "user-1", Amount: -300, Kind: domain.EntryKindRedeemed})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		f.risk.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("risk worker did not stop")
	}
	if len(flagsFor(t, f, "user-1")) != 1 {
		t.Fatal("expected queued observations to be evaluated before stopping")
	}
}

func TestRiskAllowFailsOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	risk := NewRiskEmitter(f.riskStore, brokenCounter{}, f.events, DefaultRiskPolicy(), 4)
	if !risk.Allow(ctx, "user-1", domain.EntryKindRedeemed) {
		t.Fatal("expected counter outage to allow the request")
	}
	if !risk.Allow(ctx, "user-1", domain.EntryKindCashout) {
		t.Fatal("cashouts have no velocity scope")
	}
}

func TestRiskFlagTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	stored, _, err := f.riskStore.RaiseFlag(ctx, domain.RiskFlag{SubjectType: domain.SubjectUser, SubjectID: "user-1", Type: domain.FlagVelocity, Severity: domain.SeverityLow})
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if _, err := f.risk.TransitionFlag(ctx, stored.ID, domain.FlagResolved, ""); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected pending flags to require investigation first, got %v", err)
	}
	if _, err := f.risk.TransitionFlag(ctx, stored.ID, domain.FlagInvestigating, ""); err != nil {
		t.Fatalf("investigate: %v", err)
	}
	escalated, err := f.risk.TransitionFlag(ctx, stored.ID, domain.FlagEscalated, "suspend account")
	if err != nil || escalated.State != domain.FlagEscalated || escalated.Note != "suspend account" {
		t.Fatalf("escalate: %+v err=%v", escalated, err)
	}
	if _, err := f.risk.TransitionFlag(ctx, uuid.New(), domain.FlagInvestigating, ""); !errors.Is(err, store.ErrFlagNotFound) {
		t.Fatalf("expected ErrFlagNotFound, got %v", err)
	}
}

func ptrAttempt(rec domain.VerificationRecord) *domain.VerificationRecord {
	return &rec
}
