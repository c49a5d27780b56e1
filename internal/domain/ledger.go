/**
 * @description
 * This file defines the core ledger types. Every point movement is an immutable
 * LedgerEntry; finalization and reversal append a new entry that supersedes the
 * original instead of editing it.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// EntryKind classifies what a ledger entry was posted for.
type EntryKind string

const (
	EntryKindEarned   EntryKind = "earned"
	EntryKindRedeemed EntryKind = "redeemed"
	EntryKindCashout  EntryKind = "cashout"
)

// Valid reports whether k is a known entry kind.
func (k EntryKind) Valid() bool {
	switch k {
	case EntryKindEarned, EntryKindRedeemed, EntryKindCashout:
		return true
	}
	return false
}

// EntryStatus is the status carried by a single ledger entry.
type EntryStatus string

const (
	EntryStatusPending   EntryStatus = "pending"
	EntryStatusCompleted EntryStatus = "completed"
	EntryStatusReversed  EntryStatus = "reversed"
)

// SourceType names the record an entry was posted on behalf of.
type SourceType string

const (
	SourceActivity   SourceType = "activity"
	SourceCashout    SourceType = "cashout"
	SourceRedemption SourceType = "redemption"
	SourceAdjustment SourceType = "adjustment"
)

// LedgerEntry is an immutable signed point transaction.
type LedgerEntry struct {
	ID             uuid.UUID   `json:"id"`
	UserID         string      `json:"user_id"`
	Amount         int64       `json:"amount"`
	Kind           EntryKind   `json:"kind"`
	Status         EntryStatus `json:"status"`
	SourceType     SourceType  `json:"source_type"`
	SourceRef      string      `json:"source_ref"`
	SupersedesID   *uuid.UUID  `json:"supersedes_id,omitempty"`
	IdempotencyKey *string     `json:"-"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Counts reports whether the entry contributes to a balance once it is a head
// entry (not superseded by a later one).
func (e LedgerEntry) Counts() bool {
	return e.Status != EntryStatusReversed
}

// CanSupersede reports whether an entry in status from may be followed by an
// entry in status to.
func CanSupersede(from, to EntryStatus) bool {
	switch from {
	case EntryStatusPending:
		return to == EntryStatusCompleted || to == EntryStatusReversed
	case EntryStatusCompleted:
		return to == EntryStatusReversed
	}
	return false
}

// BalanceDelta returns how much the user's balance moves when an entry in
// status from is superseded by one in status to.
func BalanceDelta(amount int64, from, to EntryStatus) int64 {
	before := int64(0)
	if from != EntryStatusReversed {
		before = amount
	}
	after := int64(0)
	if to != EntryStatusReversed {
		after = amount
	}
	return after - before
}

// DeriveBalance recomputes a balance from a full entry log. Entries that have
// been superseded are skipped, as are reversed heads.
func DeriveBalance(entries []LedgerEntry) int64 {
	superseded := make(map[uuid.UUID]struct{}, len(entries))
	for _, e := range entries {
		if e.SupersedesID != nil {
			superseded[*e.SupersedesID] = struct{}{}
		}
	}
	var total int64
	for _, e := range entries {
		if _, ok := superseded[e.ID]; ok {
			continue
		}
		if e.Counts() {
			total += e.Amount
		}
	}
	return total
}

// Wallet is the read model served to the client.
type Wallet struct {
	UserID  string        `json:"user_id"`
	Balance int64         `json:"balance"`
	Pending int64         `json:"pending"`
	Entries []LedgerEntry `json:"entries"`
}
