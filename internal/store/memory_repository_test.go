package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func seedBalance(t *testing.T, repo *MemoryRepository, userID string, amount int64) {
	t.Helper()
	_, err := repo.PostEntry(context.Background(), domain.LedgerEntry{
		UserID:     userID,
		Amount:     amount,
		Kind:       domain.EntryKindEarned,
		Status:     domain.EntryStatusCompleted,
		SourceType: domain.SourceAdjustment,
		SourceRef:  "seed",
	})
	if err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

func assertBalance(t *testing.T, repo *MemoryRepository, userID string, want int64) {
	t.Helper()
	ctx := context.Background()
	cached, err := repo.Balance(ctx, userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	derived, err := repo.DerivedBalance(ctx, userID)
	if err != nil {
		t.Fatalf("derived balance: %v", err)
	}
	if cached != want || derived != want {
		t.Fatalf("expected balance %d, got cached=%d derived=%d", want, cached, derived)
	}
}

func newCashout(userID string, amount int64) domain.CashoutRequest {
	return domain.CashoutRequest{
		UserID:       userID,
		Amount:       amount,
		Method:       domain.PayoutAirtime,
		Details:      map[string]string{"phone_number": "+27820000000", "network": "vodacom"},
		PayoutAmount: decimal.NewFromInt(amount).Div(decimal.NewFromInt(10)),
		Currency:     "ZAR",
	}
}

func TestMemoryRepository_PostEntryRejectsOverdraw(t *testing.T) {
	repo := NewMemoryRepository()
	seedBalance(t, repo, "user-1", 100)

	_, err := repo.PostEntry(context.Background(), domain.LedgerEntry{
		UserID: "user-1", Amount: -150, Kind: domain.EntryKindRedeemed, Status: domain.EntryStatusCompleted,
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	assertBalance(t, repo, "user-1", 100)
}

func TestMemoryRepository_ReserveAndFinalize(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedBalance(t, repo, "user-1", 1000)

	hold, err := repo.Reserve(ctx, ReserveParams{UserID: "user-1", Amount: 600, Kind: domain.EntryKindCashout, SourceType: domain.SourceCashout, SourceRef: "c-1"})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if hold.Status != domain.EntryStatusPending || hold.Amount != -600 {
		t.Fatalf("unexpected reservation %+v", hold)
	}
	assertBalance(t, repo, "user-1", 400)

	pending, _ := repo.PendingTotal(ctx, "user-1")
	if pending != 600 {
		t.Fatalf("expected 600 pending, got %d", pending)
	}

	reversal, err := repo.FinalizeEntry(ctx, hold.ID, domain.EntryStatusReversed)
	if err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if reversal.SupersedesID == nil || *reversal.SupersedesID != hold.ID {
		t.Fatalf("reversal must reference the reservation, got %+v", reversal)
	}
	assertBalance(t, repo, "user-1", 1000)

	if _, err := repo.FinalizeEntry(ctx, hold.ID, domain.EntryStatusCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition finalizing a superseded entry, got %v", err)
	}

	original, err := repo.GetEntry(ctx, hold.ID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if original.Status != domain.EntryStatusPending {
		t.Fatalf("history must not be edited, reservation now %s", original.Status)
	}
}

func TestMemoryRepository_ConcurrentCashoutsOnlyOneFits(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedBalance(t, repo, "user-1", 1000)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, amount := range []int64{600, 500} {
		wg.Add(1)
		go func(amount int64) {
			defer wg.Done()
			_, err := repo.CreateCashout(ctx, newCashout("user-1", amount))
			results <- err
		}(amount)
	}
	wg.Wait()
	close(results)

	var ok, insufficient int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || insufficient != 1 {
		t.Fatalf("expected one success and one insufficient balance, got ok=%d insufficient=%d", ok, insufficient)
	}

	cashouts, _ := repo.ListCashouts(ctx, "user-1")
	if len(cashouts) != 1 || cashouts[0].State != domain.CashoutSubmitted {
		t.Fatalf("expected exactly one submitted cashout, got %+v", cashouts)
	}
	assertBalance(t, repo, "user-1", 1000-cashouts[0].Amount)
}

func TestMemoryRepository_TransitionCashoutAppliesReservationEffect(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name        string
		path        []domain.CashoutState
		wantBalance int64
	}{
		{name: "rejected restores", path: []domain.CashoutState{domain.CashoutUnderReview, domain.CashoutRejected}, wantBalance: 1000},
		{name: "cancelled restores", path: []domain.CashoutState{domain.CashoutCancelled}, wantBalance: 1000},
		{name: "paid keeps debit", path: []domain.CashoutState{domain.CashoutUnderReview, domain.CashoutApproved, domain.CashoutPaid}, wantBalance: 400},
		{name: "failed restores", path: []domain.CashoutState{domain.CashoutUnderReview, domain.CashoutApproved, domain.CashoutFailed}, wantBalance: 1000},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := NewMemoryRepository()
			seedBalance(t, repo, "user-1", 1000)
			c, err := repo.CreateCashout(ctx, newCashout("user-1", 600))
			if err != nil {
				t.Fatalf("create cashout: %v", err)
			}
			for _, next := range tc.path {
				if c, err = repo.TransitionCashout(ctx, domain.CashoutTransition{ID: c.ID, To: next}); err != nil {
					t.Fatalf("transition to %s: %v", next, err)
				}
			}
			assertBalance(t, repo, "user-1", tc.wantBalance)
		})
	}
}

func TestMemoryRepository_TransitionCashoutRejectsInvalidMove(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedBalance(t, repo, "user-1", 1000)
	c, _ := repo.CreateCashout(ctx, newCashout("user-1", 600))

	_, err := repo.TransitionCashout(ctx, domain.CashoutTransition{ID: c.ID, To: domain.CashoutPaid})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	assertBalance(t, repo, "user-1", 400)
}

func TestMemoryRepository_RecordAwardIsIdempotentPerKey(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	award := func() error {
		_, err := repo.RecordAward(ctx, domain.Activity{
			ID:             uuid.New(),
			UserID:         "user-1",
			Type:           domain.ActivityCheckin,
			RefID:          "venue-1",
			IdempotencyKey: "key-1",
		}, domain.LedgerEntry{
			UserID: "user-1", Amount: 50, Kind: domain.EntryKindEarned, Status: domain.EntryStatusCompleted,
			SourceType: domain.SourceActivity,
		})
		return err
	}

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- award()
		}()
	}
	wg.Wait()
	close(errs)

	var ok int
	for err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, ErrAlreadyClaimed) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("expected exactly one award, got %d", ok)
	}
	assertBalance(t, repo, "user-1", 50)

	entry, err := repo.FindAwardByKey(ctx, "key-1")
	if err != nil || entry.Amount != 50 {
		t.Fatalf("expected award lookup by key, got %+v err=%v", entry, err)
	}

	byRef, err := repo.FindAwardByRef(ctx, "user-1", domain.ActivityCheckin, "venue-1")
	if err != nil || byRef.ID != entry.ID {
		t.Fatalf("expected award lookup by ref to return %s, got %+v err=%v", entry.ID, byRef, err)
	}
	if _, err := repo.FindAwardByRef(ctx, "user-2", domain.ActivityCheckin, "venue-1"); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound for another user, got %v", err)
	}
}

func TestMemoryRepository_QRTokenClaimIsSingleUse(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	claim := QRClaim{TokenHash: "abc", VenueID: "venue-1", UserID: "user-1"}

	if err := repo.ClaimQRToken(ctx, claim); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := repo.ClaimQRToken(ctx, claim); !errors.Is(err, ErrTokenConsumed) {
		t.Fatalf("expected ErrTokenConsumed, got %v", err)
	}
	_ = repo.ReleaseQRToken(ctx, "abc")
	if err := repo.ClaimQRToken(ctx, claim); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}

func TestMemoryRepository_RedemptionDebitAndVoid(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	seedBalance(t, repo, "user-1", 300)

	if _, err := repo.CreateRedemption(ctx, domain.RedemptionClaim{UserID: "user-1", RewardID: "coffee", Cost: 500, Code: "X"}); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if claims, _ := repo.ListRedemptions(ctx, "user-1"); len(claims) != 0 {
		t.Fatalf("failed redemption must not create a claim, got %d", len(claims))
	}
	assertBalance(t, repo, "user-1", 300)

	claim, err := repo.CreateRedemption(ctx, domain.RedemptionClaim{UserID: "user-1", RewardID: "coffee", Cost: 200, Code: "Y"})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	assertBalance(t, repo, "user-1", 100)

	if _, err := repo.TransitionRedemption(ctx, claim.ID, domain.RedemptionVoid); err != nil {
		t.Fatalf("void: %v", err)
	}
	assertBalance(t, repo, "user-1", 300)

	if _, err := repo.TransitionRedemption(ctx, claim.ID, domain.RedemptionFulfilled); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after void, got %v", err)
	}
}
