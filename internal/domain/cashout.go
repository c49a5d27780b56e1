package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CashoutState is a state of the payout approval workflow.
type CashoutState string

const (
	CashoutSubmitted   CashoutState = "submitted"
	CashoutUnderReview CashoutState = "under_review"
	CashoutApproved    CashoutState = "approved"
	CashoutRejected    CashoutState = "rejected"
	CashoutPaid        CashoutState = "paid"
	CashoutFailed      CashoutState = "failed"
	CashoutCancelled   CashoutState = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s CashoutState) Terminal() bool {
	switch s {
	case CashoutRejected, CashoutPaid, CashoutFailed, CashoutCancelled:
		return true
	}
	return false
}

var cashoutTransitions = map[CashoutState][]CashoutState{
	CashoutSubmitted:   {CashoutUnderReview, CashoutCancelled},
	CashoutUnderReview: {CashoutApproved, CashoutRejected, CashoutCancelled},
	CashoutApproved:    {CashoutPaid, CashoutFailed},
}

// CanTransitionCashout reports whether a cashout may move from one state to another.
func CanTransitionCashout(from, to CashoutState) bool {
	for _, next := range cashoutTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ReservationEffect returns what must happen to the reserved ledger entry when
// a cashout enters state s. An empty status means the reservation is untouched.
func ReservationEffect(s CashoutState) EntryStatus {
	switch s {
	case CashoutPaid:
		return EntryStatusCompleted
	case CashoutRejected, CashoutFailed, CashoutCancelled:
		return EntryStatusReversed
	}
	return ""
}

// PayoutMethod is the external rail a cashout is paid through.
type PayoutMethod string

const (
	PayoutBank        PayoutMethod = "bank"
	PayoutMobileMoney PayoutMethod = "mobile_money"
	PayoutAirtime     PayoutMethod = "airtime"
)

// RequiredDetails lists the detail fields each payout method needs.
func (m PayoutMethod) RequiredDetails() []string {
	switch m {
	case PayoutBank:
		return []string{"account_number", "bank_code", "account_name"}
	case PayoutMobileMoney:
		return []string{"phone_number", "provider"}
	case PayoutAirtime:
		return []string{"phone_number", "network"}
	}
	return nil
}

func (m PayoutMethod) Valid() bool {
	return m.RequiredDetails() != nil
}

// CashoutRequest is a user's request to convert points into a payout.
type CashoutRequest struct {
	ID              uuid.UUID         `json:"id"`
	UserID          string            `json:"user_id"`
	Amount          int64             `json:"amount"`
	Method          PayoutMethod      `json:"method"`
	Details         map[string]string `json:"details"`
	State           CashoutState      `json:"state"`
	ReservationID   uuid.UUID         `json:"reservation_id"`
	PayoutAmount    decimal.Decimal   `json:"payout_amount"`
	Currency        string            `json:"currency"`
	PayoutReference string            `json:"payout_reference,omitempty"`
	ReviewerID      string            `json:"reviewer_id,omitempty"`
	Note            string            `json:"note,omitempty"`
	ManualReview    bool              `json:"manual_review"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// CashoutTransition describes a state change applied atomically with its
// reservation effect.
type CashoutTransition struct {
	ID              uuid.UUID
	To              CashoutState
	ReviewerID      string
	Note            string
	PayoutReference string
	ManualReview    bool
}
