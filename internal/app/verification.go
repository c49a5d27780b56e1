/**
 * @description
 * The Verifier proves that a user was present at a venue (or is allowed to
 * self-attest an online activity) before any points are awarded. Each attempt
 * produces a VerificationRecord whose evidence is redacted: raw PINs and raw
 * QR tokens never leave this file.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: HS256 venue QR tokens.
 * - golang.org/x/crypto/bcrypt: rotating staff PIN hashes.
 */

package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/catalog"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	pinFailureScope   = "pin_fail"
	earthRadiusMeters = 6371000.0
)

// AttemptObserver receives every verification attempt, accepted or not.
type AttemptObserver interface {
	ObserveAttempt(ctx context.Context, rec domain.VerificationRecord)
}

type VerifierConfig struct {
	PinMaxAttempts            int
	PinLockout                time.Duration
	DefaultPinLength          int
	FallbackMaxAccuracyMeters float64
}

// VerifyRequest is one proof attempt for a resolved catalog rule. Venue is nil
// for rules without a venue.
type VerifyRequest struct {
	User        domain.User
	Rule        catalog.Rule
	Venue       *catalog.Venue
	Method      domain.VerificationMethod
	Evidence    domain.Evidence
	Fingerprint domain.Fingerprint
	ConfirmedBy string
}

type Verifier struct {
	catalog  catalog.Catalog
	tokens   store.ActivityRepository
	pins     store.VenuePinRepository
	counter  SignalCounter
	observer AttemptObserver
	cfg      VerifierConfig
	now      func() time.Time
}

func NewVerifier(cat catalog.Catalog, tokens store.ActivityRepository, pins store.VenuePinRepository, counter SignalCounter, observer AttemptObserver, cfg VerifierConfig) *Verifier {
	if cfg.PinMaxAttempts <= 0 {
		cfg.PinMaxAttempts = 5
	}
	if cfg.PinLockout <= 0 {
		cfg.PinLockout = 10 * time.Minute
	}
	if cfg.DefaultPinLength <= 0 {
		cfg.DefaultPinLength = 4
	}
	if counter == nil {
		counter = NewMemorySignalCounter()
	}
	return &Verifier{
		catalog:  cat,
		tokens:   tokens,
		pins:     pins,
		counter:  counter,
		observer: observer,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Verify checks the evidence for req. A rejection returns the rejected record
// together with a *VerificationError; any other error means the attempt could
// not be evaluated and must be treated as a failure.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) (domain.VerificationRecord, error) {
	rec := domain.VerificationRecord{
		ID:          uuid.New(),
		UserID:      req.User.ID,
		EventID:     req.Rule.EventID,
		Method:      req.Method,
		Fingerprint: req.Fingerprint,
		CreatedAt:   v.now().UTC(),
	}
	if req.Venue != nil {
		rec.VenueID = req.Venue.ID
	}

	reason, err := v.check(ctx, req, &rec)
	if err != nil {
		log.Printf("level=error component=verifier msg=\"verification could not be evaluated\" user_id=%s venue_id=%s method=%s err=%v", req.User.ID, rec.VenueID, req.Method, err)
		rec.Outcome = domain.OutcomeRejected
		rec.Reason = domain.ReasonUnavailable
		if v.observer != nil {
			v.observer.ObserveAttempt(ctx, rec)
		}
		return rec, fmt.Errorf("verify %s: %w", req.Method, err)
	}

	rec.Outcome = domain.OutcomeAccepted
	if reason != "" {
		rec.Outcome = domain.OutcomeRejected
		rec.Reason = reason
	}
	if v.observer != nil {
		v.observer.ObserveAttempt(ctx, rec)
	}
	if reason != "" {
		log.Printf("level=info component=verifier msg=\"verification rejected\" user_id=%s venue_id=%s method=%s reason=%s", req.User.ID, rec.VenueID, req.Method, reason)
		return rec, rejected(reason)
	}
	return rec, nil
}

func (v *Verifier) check(ctx context.Context, req VerifyRequest, rec *domain.VerificationRecord) (string, error) {
	switch req.Method {
	case domain.MethodManualOverride:
		confirmer := strings.TrimSpace(req.ConfirmedBy)
		if confirmer == "" {
			return domain.ReasonOverrideNotAuthorized, nil
		}
		rec.Evidence.ConfirmedBy = confirmer
		return "", nil
	case domain.MethodAttested:
		if req.Rule.RequiresPresence() {
			return domain.ReasonAttestationNotAllowed, nil
		}
		return "", nil
	case domain.MethodQR, domain.MethodGPS, domain.MethodLocationFallback, domain.MethodStaffPIN:
		if req.Venue == nil {
			return domain.ReasonUnsupportedMethod, nil
		}
	default:
		return domain.ReasonUnsupportedMethod, nil
	}

	switch req.Method {
	case domain.MethodQR:
		return v.verifyQR(ctx, req, rec)
	case domain.MethodGPS:
		return verifyLocation(*req.Venue, req.Evidence, req.Venue.RadiusMeters, rec), nil
	case domain.MethodLocationFallback:
		if req.User.TrustTier < domain.TierVerified {
			return domain.ReasonInsufficientTrust, nil
		}
		limit := math.Max(req.Venue.RadiusMeters, v.cfg.FallbackMaxAccuracyMeters)
		return verifyLocation(*req.Venue, req.Evidence, limit, rec), nil
	default:
		return v.verifyPIN(ctx, req, rec)
	}
}

type qrTokenClaims struct {
	VenueID string `json:"venue_id"`
	EventID string `json:"event_id,omitempty"`
	jwt.RegisteredClaims
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (v *Verifier) verifyQR(ctx context.Context, req VerifyRequest, rec *domain.VerificationRecord) (string, error) {
	raw := strings.TrimSpace(req.Evidence.Token)
	if raw == "" {
		return domain.ReasonInvalidSignature, nil
	}
	rec.Evidence.TokenHash = hashToken(raw)

	claims := &qrTokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		c, ok := t.Claims.(*qrTokenClaims)
		if !ok || c.VenueID == "" {
			return nil, errors.New("qr token has no venue")
		}
		signer := *req.Venue
		if c.VenueID != signer.ID {
			other, err := v.catalog.Venue(ctx, c.VenueID)
			if err != nil {
				return nil, err
			}
			signer = other
		}
		if signer.QRSigningKey == "" {
			return nil, fmt.Errorf("venue %s has no qr signing key", signer.ID)
		}
		return []byte(signer.QRSigningKey), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.ReasonTokenExpired, nil
		}
		return domain.ReasonInvalidSignature, nil
	}
	rec.Evidence.TokenID = claims.ID

	if claims.VenueID != req.Venue.ID || claims.EventID != req.Rule.EventID {
		return domain.ReasonVenueMismatch, nil
	}

	err = v.tokens.ClaimQRToken(ctx, store.QRClaim{
		TokenHash: rec.Evidence.TokenHash,
		VenueID:   req.Venue.ID,
		UserID:    req.User.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	})
	if errors.Is(err, store.ErrTokenConsumed) {
		return domain.ReasonTokenConsumed, nil
	}
	if err != nil {
		return "", fmt.Errorf("claim qr token: %w", err)
	}
	return "", nil
}

// Release undoes the single-use claim of an accepted QR attempt whose award
// could not be posted, so the user can retry with the same code.
func (v *Verifier) Release(ctx context.Context, rec domain.VerificationRecord) {
	if rec.Method != domain.MethodQR || !rec.Accepted() || rec.Evidence.TokenHash == "" {
		return
	}
	if err := v.tokens.ReleaseQRToken(ctx, rec.Evidence.TokenHash); err != nil {
		log.Printf("level=error component=verifier msg=\"failed to release qr claim\" user_id=%s venue_id=%s err=%v", rec.UserID, rec.VenueID, err)
	}
}

func verifyLocation(venue catalog.Venue, ev domain.Evidence, maxAccuracy float64, rec *domain.VerificationRecord) string {
	if ev.Lat == nil || ev.Lng == nil || ev.Accuracy == nil {
		return domain.ReasonInsufficientPrecision
	}
	lat, lng, accuracy := *ev.Lat, *ev.Lng, *ev.Accuracy
	rec.Evidence.Lat = &lat
	rec.Evidence.Lng = &lng
	rec.Evidence.Accuracy = &accuracy

	if math.Abs(lat) > 90 || math.Abs(lng) > 180 {
		return domain.ReasonInsufficientPrecision
	}
	if accuracy <= 0 || accuracy > maxAccuracy {
		return domain.ReasonInsufficientPrecision
	}
	distance := haversineMeters(lat, lng, venue.Lat, venue.Lng)
	rec.Evidence.DistanceM = &distance
	if distance <= venue.RadiusMeters+accuracy {
		return ""
	}
	return domain.ReasonOutOfRange
}

func (v *Verifier) verifyPIN(ctx context.Context, req VerifyRequest, rec *domain.VerificationRecord) (string, error) {
	venue := *req.Venue
	rec.Evidence.StaffID = strings.TrimSpace(req.Evidence.StaffID)

	current, err := v.pins.GetVenuePin(ctx, venue.ID)
	if errors.Is(err, store.ErrPinNotFound) {
		return domain.ReasonPINUnavailable, nil
	}
	if err != nil {
		return "", fmt.Errorf("load venue pin: %w", err)
	}

	subject := venue.ID + ":" + req.User.ID
	failures, err := v.counter.Peek(ctx, pinFailureScope, subject)
	if err != nil {
		return "", fmt.Errorf("read pin failures: %w", err)
	}
	if failures >= v.cfg.PinMaxAttempts {
		return domain.ReasonPINLocked, nil
	}

	length := current.PinLength
	if length <= 0 {
		length = venue.PinLength
	}
	if length <= 0 {
		length = v.cfg.DefaultPinLength
	}

	candidate := strings.TrimSpace(req.Evidence.PIN)
	if len(candidate) != length || !allDigits(candidate) ||
		bcrypt.CompareHashAndPassword([]byte(current.PinHash), []byte(candidate)) != nil {
		if _, err := v.counter.Incr(ctx, pinFailureScope, subject, v.cfg.PinLockout); err != nil {
			log.Printf("level=warn component=verifier msg=\"failed to count pin failure\" venue_id=%s user_id=%s err=%v", venue.ID, req.User.ID, err)
		}
		return domain.ReasonWrongPIN, nil
	}
	return "", nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// haversineMeters is the great-circle distance between two coordinates.
func haversineMeters(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
