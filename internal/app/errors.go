package app

import (
	"errors"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/catalog"
)

var (
	ErrUserSuspended       = errors.New("account is not permitted to earn or spend points")
	ErrVerificationFailed  = errors.New("verification failed")
	ErrBelowMinimum        = errors.New("cashout amount is below the minimum")
	ErrInvalidPayoutMethod = errors.New("invalid payout method or details")
	ErrVelocityLimited     = errors.New("too many requests, try again later")
	ErrNotOwner            = errors.New("record belongs to another user")
	ErrInvalidActivity     = errors.New("invalid activity")

	ErrRewardNotFound = catalog.ErrRewardNotFound
	ErrVenueNotFound  = catalog.ErrVenueNotFound
	ErrRuleNotFound   = catalog.ErrRuleNotFound
)

// VerificationError is a rejected verification attempt. It matches
// ErrVerificationFailed with errors.Is.
type VerificationError struct {
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return "verification failed: " + e.Reason + ": " + e.Err.Error()
	}
	return "verification failed: " + e.Reason
}

func (e *VerificationError) Is(target error) bool {
	return target == ErrVerificationFailed
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

func rejected(reason string) error {
	return &VerificationError{Reason: reason}
}
