package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/catalog"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/store"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const testCatalog = `
conversion:
  points: 100
  amount: "10.00"
  currency: ZAR
venues:
  - id: venue-1
    name: Braamfontein Coffee
    lat: -26.1929
    lng: 28.0305
    radius_meters: 30
    qr_signing_key: venue-1-secret
    checkin_points: 50
    pin_length: 4
    timezone: Africa/Johannesburg
  - id: venue-2
    name: Bree Street Deli
    lat: -33.9249
    lng: 18.4241
    radius_meters: 50
    qr_signing_key: venue-2-secret
    checkin_points: 30
    pin_length: 6
events:
  - id: launch-night
    venue_id: venue-1
    points: 200
tasks:
  - id: follow-venue
    points: 20
  - id: taste-menu
    points: 60
    venue_id: venue-1
surveys:
  - id: onboarding
    points: 40
post:
  points: 10
rewards:
  - id: free-coffee
    name: Free coffee
    cost: 300
    venue_id: venue-1
    active: true
  - id: weekend-away
    name: Weekend away
    cost: 5000
    active: true
`

const (
	venue1Lat = -26.1929
	venue1Lng = 28.0305
	venue2Lat = -33.9249
	venue2Lng = 18.4241
)

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.routingKey == routingKey {
			n++
		}
	}
	return n
}

type fixture struct {
	repo        *store.MemoryRepository
	riskStore   *store.MemoryRiskStore
	catalog     *catalog.Static
	counter     *MemorySignalCounter
	publisher   *recordingPublisher
	events      EventBus
	ledger      *Ledger
	risk        *RiskEmitter
	verifier    *Verifier
	recorder    *ActivityRecorder
	cashouts    *CashoutManager
	redemptions *RedemptionManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := catalog.Parse([]byte(testCatalog))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	f := &fixture{
		repo:      store.NewMemoryRepository(),
		riskStore: store.NewMemoryRiskStore(),
		catalog:   cat,
		counter:   NewMemorySignalCounter(),
		publisher: &recordingPublisher{},
	}
	f.events = NewEventBus(f.publisher, "rewards.events")
	f.ledger = NewLedger(f.repo, nil)
	f.risk = NewRiskEmitter(f.riskStore, f.counter, f.events, DefaultRiskPolicy(), 256)
	f.verifier = NewVerifier(cat, f.repo, f.repo, f.counter, f.risk, VerifierConfig{
		PinMaxAttempts:            5,
		PinLockout:                10 * time.Minute,
		DefaultPinLength:          4,
		FallbackMaxAccuracyMeters: 150,
	})
	loc, err := time.LoadLocation("Africa/Johannesburg")
	if err != nil {
		loc = time.UTC
	}
	f.recorder = NewActivityRecorder(f.repo, cat, f.verifier, f.ledger, f.risk, f.events, RecorderOptions{DefaultLocation: loc})
	f.cashouts = NewCashoutManager(f.repo, cat, nil, f.ledger, f.events, 500)
	f.redemptions = NewRedemptionManager(f.repo, cat, f.ledger, f.risk, f.events, false)
	return f
}

func (f *fixture) seed(t *testing.T, userID string, points int64) {
	t.Helper()
	_, err := f.ledger.Post(context.Background(), domain.LedgerEntry{
		UserID:     userID,
		Amount:     points,
		Kind:       domain.EntryKindEarned,
		Status:     domain.EntryStatusCompleted,
		SourceType: domain.SourceAdjustment,
		SourceRef:  "seed",
	})
	if err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

func (f *fixture) assertBalance(t *testing.T, userID string, want int64) {
	t.Helper()
	ctx := context.Background()
	got, err := f.ledger.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	derived, err := f.ledger.DerivedBalance(ctx, userID)
	if err != nil {
		t.Fatalf("derived balance: %v", err)
	}
	if got != want || derived != want {
		t.Fatalf("expected balance %d, got materialized=%d derived=%d", want, got, derived)
	}
}

func (f *fixture) setPin(t *testing.T, venueID, pin string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash pin: %v", err)
	}
	if err := f.repo.SaveVenuePin(context.Background(), store.VenuePin{VenueID: venueID, PinHash: string(hash), PinLength: len(pin), RotatedAt: time.Now()}); err != nil {
		t.Fatalf("save pin: %v", err)
	}
}

func signQR(t *testing.T, key string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		t.Fatalf("sign qr token: %v", err)
	}
	return token
}

func venueToken(t *testing.T, venueID, key, jti string) string {
	return signQR(t, key, jwt.MapClaims{
		"venue_id": venueID,
		"jti":      jti,
		"exp":      time.Now().Add(5 * time.Minute).Unix(),
	})
}

func floatPtr(v float64) *float64 {
	return &v
}

func gpsEvidence(lat, lng, accuracy float64) domain.Evidence {
	return domain.Evidence{Lat: floatPtr(lat), Lng: floatPtr(lng), Accuracy: floatPtr(accuracy)}
}

func member(id string) domain.User {
	return domain.User{ID: id, TrustTier: domain.TierUnverified}
}
