package domain

import (
	"time"

	"github.com/google/uuid"
)

// ActivityType is the kind of point-earning event a user claims.
type ActivityType string

const (
	ActivityCheckin ActivityType = "checkin"
	ActivityTask    ActivityType = "task"
	ActivitySurvey  ActivityType = "survey"
	ActivityPost    ActivityType = "post"
)

func (t ActivityType) Valid() bool {
	switch t {
	case ActivityCheckin, ActivityTask, ActivitySurvey, ActivityPost:
		return true
	}
	return false
}

// VerificationMethod is how presence (or completion) was proven.
type VerificationMethod string

const (
	MethodQR               VerificationMethod = "qr"
	MethodGPS              VerificationMethod = "gps"
	MethodStaffPIN         VerificationMethod = "staff_pin"
	MethodLocationFallback VerificationMethod = "location_fallback"
	MethodManualOverride   VerificationMethod = "manual_override"
	MethodAttested         VerificationMethod = "attested"
)

// VerificationOutcome is the result of a single verification attempt.
type VerificationOutcome string

const (
	OutcomeAccepted VerificationOutcome = "accepted"
	OutcomeRejected VerificationOutcome = "rejected"
)

// Rejection reasons reported by the verifier.
const (
	ReasonInvalidSignature      = "invalid_signature"
	ReasonTokenExpired          = "token_expired"
	ReasonVenueMismatch         = "venue_mismatch"
	ReasonTokenConsumed         = "token_consumed"
	ReasonOutOfRange            = "out_of_range"
	ReasonInsufficientPrecision = "insufficient_precision"
	ReasonInsufficientTrust     = "insufficient_trust"
	ReasonWrongPIN              = "wrong_pin"
	ReasonPINLocked             = "pin_locked"
	ReasonPINUnavailable        = "pin_unavailable"
	ReasonOverrideNotAuthorized = "override_not_authorized"
	ReasonAttestationNotAllowed = "attestation_not_allowed"
	ReasonUnsupportedMethod     = "unsupported_method"
	ReasonPostFailed            = "post_failed"
	ReasonUnavailable           = "unavailable"
)

// Evidence is the raw proof submitted with a verification attempt. Raw PINs
// and raw QR tokens are never persisted; see RecordedEvidence.
type Evidence struct {
	Token    string   `json:"token,omitempty"`
	Lat      *float64 `json:"lat,omitempty"`
	Lng      *float64 `json:"lng,omitempty"`
	Accuracy *float64 `json:"accuracy,omitempty"`
	PIN      string   `json:"pin,omitempty"`
	StaffID  string   `json:"staffId,omitempty"`
}

// RecordedEvidence is the persisted, redacted form of Evidence.
type RecordedEvidence struct {
	TokenHash   string   `json:"token_hash,omitempty"`
	TokenID     string   `json:"token_id,omitempty"`
	Lat         *float64 `json:"lat,omitempty"`
	Lng         *float64 `json:"lng,omitempty"`
	Accuracy    *float64 `json:"accuracy,omitempty"`
	DistanceM   *float64 `json:"distance_m,omitempty"`
	StaffID     string   `json:"staff_id,omitempty"`
	ConfirmedBy string   `json:"confirmed_by,omitempty"`
}

// Fingerprint identifies the device and network an attempt came from.
type Fingerprint struct {
	DeviceID string `json:"device_id"`
	IP       string `json:"ip"`
}

// VerificationRecord is the append-only log of one verification attempt.
type VerificationRecord struct {
	ID          uuid.UUID           `json:"id"`
	UserID      string              `json:"user_id"`
	VenueID     string              `json:"venue_id,omitempty"`
	EventID     string              `json:"event_id,omitempty"`
	Method      VerificationMethod  `json:"method"`
	Evidence    RecordedEvidence    `json:"evidence"`
	Outcome     VerificationOutcome `json:"outcome"`
	Reason      string              `json:"reason,omitempty"`
	Fingerprint Fingerprint         `json:"fingerprint"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Accepted reports whether the attempt succeeded.
func (r VerificationRecord) Accepted() bool {
	return r.Outcome == OutcomeAccepted
}

// Located reports whether the record carries a coordinate.
func (r VerificationRecord) Located() bool {
	return r.Evidence.Lat != nil && r.Evidence.Lng != nil
}

// Activity is a rewarded point-earning event.
type Activity struct {
	ID             uuid.UUID          `json:"id"`
	UserID         string             `json:"user_id"`
	Type           ActivityType       `json:"type"`
	RefID          string             `json:"ref_id"`
	VenueID        string             `json:"venue_id,omitempty"`
	EventID        string             `json:"event_id,omitempty"`
	Bucket         string             `json:"bucket"`
	IdempotencyKey string             `json:"-"`
	EntryID        uuid.UUID          `json:"entry_id"`
	Verification   VerificationRecord `json:"verification"`
	CreatedAt      time.Time          `json:"created_at"`
}
