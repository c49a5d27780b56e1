package domain

import (
	"time"

	"github.com/google/uuid"
)

type RiskFlagType string

const (
	FlagVelocity        RiskFlagType = "velocity"
	FlagDuplicateDevice RiskFlagType = "duplicate_device"
	FlagGeofenceAnomaly RiskFlagType = "geofence_anomaly"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type FlagState string

const (
	FlagPending       FlagState = "pending"
	FlagInvestigating FlagState = "investigating"
	FlagResolved      FlagState = "resolved"
	FlagEscalated     FlagState = "escalated"
)

// Open reports whether the flag still awaits a moderation decision.
func (s FlagState) Open() bool {
	return s == FlagPending || s == FlagInvestigating
}

func CanTransitionFlag(from, to FlagState) bool {
	switch from {
	case FlagPending:
		return to == FlagInvestigating
	case FlagInvestigating:
		return to == FlagResolved || to == FlagEscalated
	}
	return false
}

type SubjectType string

const (
	SubjectUser     SubjectType = "user"
	SubjectActivity SubjectType = "activity"
)

// RiskFlag is a signal for human review. It never alters balances.
type RiskFlag struct {
	ID          uuid.UUID    `json:"id"`
	SubjectType SubjectType  `json:"subject_type"`
	SubjectID   string       `json:"subject_id"`
	Type        RiskFlagType `json:"type"`
	Severity    Severity     `json:"severity"`
	Summary     string       `json:"summary"`
	State       FlagState    `json:"state"`
	Note        string       `json:"note,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}
