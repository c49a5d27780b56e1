/**
 * @description
 * This file defines the persistence contracts for the rewards engine. The ledger,
 * activity, cashout and redemption repositories all serialize balance-affecting
 * writes per user; implementations must run the entry write and the balance
 * update inside one atomic unit.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
	"github.com/google/uuid"
)

// Sentinel errors returned by repository implementations.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadyClaimed      = errors.New("activity already claimed")
	ErrReservationConflict = errors.New("concurrent balance update conflict")
	ErrTokenConsumed       = errors.New("qr token already consumed")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrEntryNotFound       = errors.New("ledger entry not found")
	ErrCashoutNotFound     = errors.New("cashout request not found")
	ErrRedemptionNotFound  = errors.New("redemption claim not found")
	ErrPinNotFound         = errors.New("venue pin not found")
	ErrFlagNotFound        = errors.New("risk flag not found")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// ReserveParams describes a hold placed against a user's available balance.
type ReserveParams struct {
	UserID     string
	Amount     int64
	Kind       domain.EntryKind
	SourceType domain.SourceType
	SourceRef  string
}

// QRClaim marks a single-use QR token as consumed.
type QRClaim struct {
	TokenHash string
	VenueID   string
	UserID    string
	ExpiresAt time.Time
}

// VenuePin is the current rotating staff PIN for a venue. Only the hash is kept.
type VenuePin struct {
	VenueID   string
	PinHash   string
	PinLength int
	RotatedAt time.Time
}

// LedgerRepository is the append-only per-user point log.
type LedgerRepository interface {
	PostEntry(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error)
	Reserve(ctx context.Context, params ReserveParams) (domain.LedgerEntry, error)
	FinalizeEntry(ctx context.Context, entryID uuid.UUID, outcome domain.EntryStatus) (domain.LedgerEntry, error)
	GetEntry(ctx context.Context, entryID uuid.UUID) (domain.LedgerEntry, error)
	Balance(ctx context.Context, userID string) (int64, error)
	DerivedBalance(ctx context.Context, userID string) (int64, error)
	PendingTotal(ctx context.Context, userID string) (int64, error)
	ListEntries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error)
}

// ActivityRepository persists rewarded activities and single-use token claims.
type ActivityRepository interface {
	FindAwardByKey(ctx context.Context, idempotencyKey string) (domain.LedgerEntry, error)
	// FindAwardByRef returns the entry of the earliest award for the user's
	// activity with this reference, or ErrEntryNotFound.
	FindAwardByRef(ctx context.Context, userID string, activityType domain.ActivityType, refID string) (domain.LedgerEntry, error)
	RecordAward(ctx context.Context, activity domain.Activity, entry domain.LedgerEntry) (domain.LedgerEntry, error)
	ListActivities(ctx context.Context, userID string, limit int) ([]domain.Activity, error)
	ClaimQRToken(ctx context.Context, claim QRClaim) error
	ReleaseQRToken(ctx context.Context, tokenHash string) error
}

// CashoutRepository persists cashout requests together with their reservations.
type CashoutRepository interface {
	CreateCashout(ctx context.Context, req domain.CashoutRequest) (domain.CashoutRequest, error)
	GetCashout(ctx context.Context, id uuid.UUID) (domain.CashoutRequest, error)
	ListCashouts(ctx context.Context, userID string) ([]domain.CashoutRequest, error)
	ListCashoutsInState(ctx context.Context, state domain.CashoutState, updatedBefore time.Time, limit int) ([]domain.CashoutRequest, error)
	FindCashoutByReference(ctx context.Context, reference string) (domain.CashoutRequest, error)
	TransitionCashout(ctx context.Context, transition domain.CashoutTransition) (domain.CashoutRequest, error)
	SetPayoutReference(ctx context.Context, id uuid.UUID, reference string) error
	MarkManualReview(ctx context.Context, id uuid.UUID, note string) error
}

// RedemptionRepository persists reward claims and their debits.
type RedemptionRepository interface {
	CreateRedemption(ctx context.Context, claim domain.RedemptionClaim) (domain.RedemptionClaim, error)
	GetRedemption(ctx context.Context, id uuid.UUID) (domain.RedemptionClaim, error)
	ListRedemptions(ctx context.Context, userID string) ([]domain.RedemptionClaim, error)
	TransitionRedemption(ctx context.Context, id uuid.UUID, to domain.RedemptionState) (domain.RedemptionClaim, error)
}

// UserRepository holds the moderation state the engine owns for a user.
type UserRepository interface {
	GetRestriction(ctx context.Context, userID string) (domain.UserRestriction, error)
	SetRestriction(ctx context.Context, restriction domain.UserRestriction) error
}

// VenuePinRepository stores rotating staff PIN hashes.
type VenuePinRepository interface {
	GetVenuePin(ctx context.Context, venueID string) (VenuePin, error)
	SaveVenuePin(ctx context.Context, pin VenuePin) error
}

// Repository is the full persistence surface used by the service.
type Repository interface {
	LedgerRepository
	ActivityRepository
	CashoutRepository
	RedemptionRepository
	UserRepository
	VenuePinRepository
}
