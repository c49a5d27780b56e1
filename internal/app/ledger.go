/**
 * @description
 * Ledger fronts the ledger repository for the rest of the service. It retries
 * transient lock conflicts, keeps the wallet read cache coherent with writes and
 * serves the wallet view.
 *
 * @dependencies
 * - internal/store: the append-only ledger repository.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/store"
	"github.com/google/uuid"
)

const (
	conflictRetryAttempts = 3
	conflictRetryBackoff  = 40 * time.Millisecond
	walletEntryLimit      = 50
)

// withConflictRetry reruns fn while it fails with store.ErrReservationConflict.
func withConflictRetry[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	var (
		out T
		err error
	)
	for attempt := 1; attempt <= conflictRetryAttempts; attempt++ {
		out, err = fn()
		if !errors.Is(err, store.ErrReservationConflict) {
			return out, err
		}
		log.Printf("level=warn component=ledger op=%s attempt=%d msg=\"balance lock conflict; retrying\"", op, attempt)
		if attempt == conflictRetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(time.Duration(attempt) * conflictRetryBackoff):
		}
	}
	return out, fmt.Errorf("%s: %w", op, err)
}

type Ledger struct {
	repo  store.LedgerRepository
	cache WalletCache
}

func NewLedger(repo store.LedgerRepository, cache WalletCache) *Ledger {
	if cache == nil {
		cache = NoopWalletCache{}
	}
	return &Ledger{repo: repo, cache: cache}
}

// Post appends a completed or pending entry and moves the materialized balance.
func (l *Ledger) Post(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	if !entry.Kind.Valid() {
		return domain.LedgerEntry{}, fmt.Errorf("post entry: unknown kind %q", entry.Kind)
	}
	posted, err := withConflictRetry(ctx, "post_entry", func() (domain.LedgerEntry, error) {
		return l.repo.PostEntry(ctx, entry)
	})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	l.Invalidate(ctx, posted.UserID)
	return posted, nil
}

// Reserve places a pending negative hold, failing with store.ErrInsufficientBalance.
// Cashouts and redemptions hold inside their own repository transactions; this
// is the standalone hold for callers that settle later through Finalize.
func (l *Ledger) Reserve(ctx context.Context, params store.ReserveParams) (domain.LedgerEntry, error) {
	held, err := withConflictRetry(ctx, "reserve", func() (domain.LedgerEntry, error) {
		return l.repo.Reserve(ctx, params)
	})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	l.Invalidate(ctx, held.UserID)
	return held, nil
}

// Finalize supersedes entryID with an entry in the outcome status.
func (l *Ledger) Finalize(ctx context.Context, entryID uuid.UUID, outcome domain.EntryStatus) (domain.LedgerEntry, error) {
	if outcome != domain.EntryStatusCompleted && outcome != domain.EntryStatusReversed {
		return domain.LedgerEntry{}, fmt.Errorf("%w: cannot finalize to %q", store.ErrInvalidTransition, outcome)
	}
	next, err := withConflictRetry(ctx, "finalize", func() (domain.LedgerEntry, error) {
		return l.repo.FinalizeEntry(ctx, entryID, outcome)
	})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	l.Invalidate(ctx, next.UserID)
	return next, nil
}

// Adjustment is an operator correction to a user's balance. A negative amount
// claws points back.
type Adjustment struct {
	UserID    string `json:"user_id"`
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

// Adjust posts a completed adjustment entry. A clawback that would take the
// balance below zero fails with store.ErrInsufficientBalance.
func (l *Ledger) Adjust(ctx context.Context, adj Adjustment) (domain.LedgerEntry, error) {
	if adj.UserID == "" || adj.Amount == 0 {
		return domain.LedgerEntry{}, store.ErrInvalidAmount
	}
	entry, err := l.Post(ctx, domain.LedgerEntry{
		UserID:     adj.UserID,
		Amount:     adj.Amount,
		Kind:       domain.EntryKindEarned,
		Status:     domain.EntryStatusCompleted,
		SourceType: domain.SourceAdjustment,
		SourceRef:  adj.Reference,
	})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	log.Printf("level=info component=ledger msg=\"balance adjusted\" user_id=%s entry_id=%s amount=%d reference=%q", entry.UserID, entry.ID, entry.Amount, entry.SourceRef)
	return entry, nil
}

// Reverse claws back an earned entry by superseding it with a reversed one.
// Cashout and redemption entries are settled through their own workflows.
func (l *Ledger) Reverse(ctx context.Context, entryID uuid.UUID) (domain.LedgerEntry, error) {
	entry, err := l.repo.GetEntry(ctx, entryID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if entry.Kind != domain.EntryKindEarned {
		return domain.LedgerEntry{}, fmt.Errorf("%w: %s entries cannot be reversed directly", store.ErrInvalidTransition, entry.Kind)
	}
	reversed, err := l.Finalize(ctx, entryID, domain.EntryStatusReversed)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	log.Printf("level=info component=ledger msg=\"entry reversed\" user_id=%s entry_id=%s supersedes=%s", reversed.UserID, reversed.ID, entryID)
	return reversed, nil
}

func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	return l.repo.Balance(ctx, userID)
}

func (l *Ledger) DerivedBalance(ctx context.Context, userID string) (int64, error) {
	return l.repo.DerivedBalance(ctx, userID)
}

func (l *Ledger) Entries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	return l.repo.ListEntries(ctx, userID, limit)
}

// Wallet returns the balance view, served from the cache when possible.
func (l *Ledger) Wallet(ctx context.Context, userID string) (domain.Wallet, error) {
	if cached, ok := l.cache.Get(ctx, userID); ok {
		return cached, nil
	}
	balance, err := l.repo.Balance(ctx, userID)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("load balance: %w", err)
	}
	pending, err := l.repo.PendingTotal(ctx, userID)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("load pending total: %w", err)
	}
	entries, err := l.repo.ListEntries(ctx, userID, walletEntryLimit)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("load entries: %w", err)
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	wallet := domain.Wallet{UserID: userID, Balance: balance, Pending: pending, Entries: entries}
	l.cache.Set(ctx, wallet)
	return wallet, nil
}

// Invalidate drops the cached wallet after a write made outside Ledger.
func (l *Ledger) Invalidate(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	l.cache.Invalidate(ctx, userID)
}
