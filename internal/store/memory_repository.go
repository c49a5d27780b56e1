package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository used by tests and local runs
// without PostgreSQL. Balance mutations for a user are serialized by that
// user's mutex; the shared maps are guarded by mu.
type MemoryRepository struct {
	locksMu   sync.Mutex
	userLocks map[string]*sync.Mutex

	mu           sync.Mutex
	entries      []domain.LedgerEntry
	entryIndex   map[uuid.UUID]int
	superseded   map[uuid.UUID]uuid.UUID
	balances     map[string]int64
	awardKeys    map[string]uuid.UUID
	activities   []domain.Activity
	qrClaims     map[string]QRClaim
	cashouts     map[uuid.UUID]domain.CashoutRequest
	redemptions  map[uuid.UUID]domain.RedemptionClaim
	restrictions map[string]domain.UserRestriction
	pins         map[string]VenuePin

	now func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		userLocks:    make(map[string]*sync.Mutex),
		entryIndex:   make(map[uuid.UUID]int),
		superseded:   make(map[uuid.UUID]uuid.UUID),
		balances:     make(map[string]int64),
		awardKeys:    make(map[string]uuid.UUID),
		qrClaims:     make(map[string]QRClaim),
		cashouts:     make(map[uuid.UUID]domain.CashoutRequest),
		redemptions:  make(map[uuid.UUID]domain.RedemptionClaim),
		restrictions: make(map[string]domain.UserRestriction),
		pins:         make(map[string]VenuePin),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source. Tests only.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *MemoryRepository) lockUser(userID string) func() {
	r.locksMu.Lock()
	l, ok := r.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		r.userLocks[userID] = l
	}
	r.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

// appendLocked writes e as a new head entry. Caller holds the user lock and mu.
func (r *MemoryRepository) appendLocked(e domain.LedgerEntry) (domain.LedgerEntry, error) {
	delta := int64(0)
	if e.Counts() {
		delta = e.Amount
	}
	if r.balances[e.UserID]+delta < 0 {
		return domain.LedgerEntry{}, ErrInsufficientBalance
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	r.entryIndex[e.ID] = len(r.entries)
	r.entries = append(r.entries, e)
	r.balances[e.UserID] += delta
	return e, nil
}

// supersedeLocked appends the successor of entryID. Caller holds the owner's
// user lock and mu.
func (r *MemoryRepository) supersedeLocked(entryID uuid.UUID, outcome domain.EntryStatus) (domain.LedgerEntry, error) {
	idx, ok := r.entryIndex[entryID]
	if !ok {
		return domain.LedgerEntry{}, ErrEntryNotFound
	}
	orig := r.entries[idx]
	if _, done := r.superseded[entryID]; done || !domain.CanSupersede(orig.Status, outcome) {
		return domain.LedgerEntry{}, fmt.Errorf("%w: entry %s is %s", ErrInvalidTransition, orig.ID, orig.Status)
	}
	delta := domain.BalanceDelta(orig.Amount, orig.Status, outcome)
	if r.balances[orig.UserID]+delta < 0 {
		return domain.LedgerEntry{}, ErrInsufficientBalance
	}

	origID := orig.ID
	next := domain.LedgerEntry{
		ID:           uuid.New(),
		UserID:       orig.UserID,
		Amount:       orig.Amount,
		Kind:         orig.Kind,
		Status:       outcome,
		SourceType:   orig.SourceType,
		SourceRef:    orig.SourceRef,
		SupersedesID: &origID,
		CreatedAt:    r.now(),
	}
	r.entryIndex[next.ID] = len(r.entries)
	r.entries = append(r.entries, next)
	r.superseded[origID] = next.ID
	r.balances[orig.UserID] += delta
	return next, nil
}

func (r *MemoryRepository) entryOwner(entryID uuid.UUID) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.entryIndex[entryID]
	if !ok {
		return "", ErrEntryNotFound
	}
	return r.entries[idx].UserID, nil
}

func (r *MemoryRepository) PostEntry(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	unlock := r.lockUser(entry.UserID)
	defer unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appendLocked(entry)
}

func (r *MemoryRepository) Reserve(ctx context.Context, params ReserveParams) (domain.LedgerEntry, error) {
	if params.Amount <= 0 {
		return domain.LedgerEntry{}, ErrInvalidAmount
	}
	unlock := r.lockUser(params.UserID)
	defer unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appendLocked(domain.LedgerEntry{
		UserID:     params.UserID,
		Amount:     -params.Amount,
		Kind:       params.Kind,
		Status:     domain.EntryStatusPending,
		SourceType: params.SourceType,
		SourceRef:  params.SourceRef,
	})
}

func (r *MemoryRepository) FinalizeEntry(ctx context.Context, entryID uuid.UUID, outcome domain.EntryStatus) (domain.LedgerEntry, error) {
	owner, err := r.entryOwner(entryID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	unlock := r.lockUser(owner)
	defer unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.supersedeLocked(entryID, outcome)
}

func (r *MemoryRepository) GetEntry(ctx context.Context, entryID uuid.UUID) (domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.entryIndex[entryID]
	if !ok {
		return domain.LedgerEntry{}, ErrEntryNotFound
	}
	return r.entries[idx], nil
}

func (r *MemoryRepository) Balance(ctx context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances[userID], nil
}

func (r *MemoryRepository) DerivedBalance(ctx context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var mine []domain.LedgerEntry
	for _, e := range r.entries {
		if e.UserID == userID {
			mine = append(mine, e)
		}
	}
	return domain.DeriveBalance(mine), nil
}

func (r *MemoryRepository) PendingTotal(ctx context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var held int64
	for _, e := range r.entries {
		if e.UserID != userID || e.Status != domain.EntryStatusPending {
			continue
		}
		if _, done := r.superseded[e.ID]; done {
			continue
		}
		held -= e.Amount
	}
	return held, nil
}

func (r *MemoryRepository) ListEntries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.LedgerEntry
	for i := len(r.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if r.entries[i].UserID == userID {
			out = append(out, r.entries[i])
		}
	}
	return out, nil
}

func (r *MemoryRepository) FindAwardByKey(ctx context.Context, idempotencyKey string) (domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.awardKeys[idempotencyKey]
	if !ok {
		return domain.LedgerEntry{}, ErrEntryNotFound
	}
	return r.entries[r.entryIndex[id]], nil
}

func (r *MemoryRepository) FindAwardByRef(ctx context.Context, userID string, activityType domain.ActivityType, refID string) (domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.activities {
		if a.UserID == userID && a.Type == activityType && a.RefID == refID {
			return r.entries[r.entryIndex[a.EntryID]], nil
		}
	}
	return domain.LedgerEntry{}, ErrEntryNotFound
}

func (r *MemoryRepository) RecordAward(ctx context.Context, activity domain.Activity, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	unlock := r.lockUser(entry.UserID)
	defer unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.awardKeys[activity.IdempotencyKey]; exists {
		return domain.LedgerEntry{}, ErrAlreadyClaimed
	}
	key := activity.IdempotencyKey
	entry.IdempotencyKey = &key
	posted, err := r.appendLocked(entry)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	r.awardKeys[key] = posted.ID

	activity.EntryID = posted.ID
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = posted.CreatedAt
	}
	r.activities = append(r.activities, activity)
	return posted, nil
}

func (r *MemoryRepository) ListActivities(ctx context.Context, userID string, limit int) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Activity
	for i := len(r.activities) - 1; i >= 0 && len(out) < limit; i-- {
		if r.activities[i].UserID == userID {
			out = append(out, r.activities[i])
		}
	}
	return out, nil
}

func (r *MemoryRepository) ClaimQRToken(ctx context.Context, claim QRClaim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.qrClaims[claim.TokenHash]; taken {
		return ErrTokenConsumed
	}
	r.qrClaims[claim.TokenHash] = claim
	return nil
}

func (r *MemoryRepository) ReleaseQRToken(ctx context.Context, tokenHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.qrClaims, tokenHash)
	return nil
}

func (r *MemoryRepository) CreateCashout(ctx context.Context, req domain.CashoutRequest) (domain.CashoutRequest, error) {
	if req.Amount <= 0 {
		return domain.CashoutRequest{}, ErrInvalidAmount
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	unlock := r.lockUser(req.UserID)
	defer unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	reservation, err := r.appendLocked(domain.LedgerEntry{
		UserID:     req.UserID,
		Amount:     -req.Amount,
		Kind:       domain.EntryKindCashout,
		Status:     domain.EntryStatusPending,
		SourceType: domain.SourceCashout,
		SourceRef:  req.ID.String(),
	})
	if err != nil {
		return domain.CashoutRequest{}, err
	}
	now := r.now()
	req.State = domain.CashoutSubmitted
	req.ReservationID = reservation.ID
	req.CreatedAt = now
	req.UpdatedAt = now
	req.Details = copyDetails(req.Details)
	r.cashouts[req.ID] = req
	return req, nil
}

func copyDetails(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (r *MemoryRepository) GetCashout(ctx context.Context, id uuid.UUID) (domain.CashoutRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cashouts[id]
	if !ok {
		return domain.CashoutRequest{}, ErrCashoutNotFound
	}
	return c, nil
}

func (r *MemoryRepository) sortedCashouts(match func(domain.CashoutRequest) bool) []domain.CashoutRequest {
	var out []domain.CashoutRequest
	for _, c := range r.cashouts {
		if match(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *MemoryRepository) ListCashouts(ctx context.Context, userID string) ([]domain.CashoutRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sortedCashouts(func(c domain.CashoutRequest) bool { return c.UserID == userID }), nil
}

func (r *MemoryRepository) ListCashoutsInState(ctx context.Context, state domain.CashoutState, updatedBefore time.Time, limit int) ([]domain.CashoutRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sortedCashouts(func(c domain.CashoutRequest) bool {
		return c.State == state && c.UpdatedAt.Before(updatedBefore)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) FindCashoutByReference(ctx context.Context, reference string) (domain.CashoutRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.cashouts {
		if reference != "" && c.PayoutReference == reference {
			return c, nil
		}
	}
	return domain.CashoutRequest{}, ErrCashoutNotFound
}

func (r *MemoryRepository) TransitionCashout(ctx context.Context, t domain.CashoutTransition) (domain.CashoutRequest, error) {
	current, err := r.GetCashout(ctx, t.ID)
	if err != nil {
		return domain.CashoutRequest{}, err
	}
	unlock := r.lockUser(current.UserID)
	defer unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	current = r.cashouts[t.ID]
	if !domain.CanTransitionCashout(current.State, t.To) {
		return domain.CashoutRequest{}, fmt.Errorf("%w: cashout %s cannot move from %s to %s", ErrInvalidTransition, current.ID, current.State, t.To)
	}
	if effect := domain.ReservationEffect(t.To); effect != "" {
		if _, err := r.supersedeLocked(current.ReservationID, effect); err != nil {
			return domain.CashoutRequest{}, err
		}
	}

	current.State = t.To
	if t.ReviewerID != "" {
		current.ReviewerID = t.ReviewerID
	}
	if t.Note != "" {
		current.Note = t.Note
	}
	if t.PayoutReference != "" {
		current.PayoutReference = t.PayoutReference
	}
	current.ManualReview = current.ManualReview || t.ManualReview
	current.UpdatedAt = r.now()
	r.cashouts[t.ID] = current
	return current, nil
}

func (r *MemoryRepository) SetPayoutReference(ctx context.Context, id uuid.UUID, reference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cashouts[id]
	if !ok {
		return ErrCashoutNotFound
	}
	c.PayoutReference = reference
	c.UpdatedAt = r.now()
	r.cashouts[id] = c
	return nil
}

func (r *MemoryRepository) MarkManualReview(ctx context.Context, id uuid.UUID, note string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cashouts[id]
	if !ok {
		return ErrCashoutNotFound
	}
	c.ManualReview = true
	if note != "" {
		c.Note = note
	}
	c.UpdatedAt = r.now()
	r.cashouts[id] = c
	return nil
}

func (r *MemoryRepository) CreateRedemption(ctx context.Context, claim domain.RedemptionClaim) (domain.RedemptionClaim, error) {
	if claim.Cost <= 0 {
		return domain.RedemptionClaim{}, ErrInvalidAmount
	}
	if claim.ID == uuid.Nil {
		claim.ID = uuid.New()
	}
	unlock := r.lockUser(claim.UserID)
	defer unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	debit, err := r.appendLocked(domain.LedgerEntry{
		UserID:     claim.UserID,
		Amount:     -claim.Cost,
		Kind:       domain.EntryKindRedeemed,
		Status:     domain.EntryStatusCompleted,
		SourceType: domain.SourceRedemption,
		SourceRef:  claim.ID.String(),
	})
	if err != nil {
		return domain.RedemptionClaim{}, err
	}
	now := r.now()
	claim.State = domain.RedemptionIssued
	claim.EntryID = debit.ID
	claim.CreatedAt = now
	claim.UpdatedAt = now
	r.redemptions[claim.ID] = claim
	return claim, nil
}

func (r *MemoryRepository) GetRedemption(ctx context.Context, id uuid.UUID) (domain.RedemptionClaim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.redemptions[id]
	if !ok {
		return domain.RedemptionClaim{}, ErrRedemptionNotFound
	}
	return c, nil
}

func (r *MemoryRepository) ListRedemptions(ctx context.Context, userID string) ([]domain.RedemptionClaim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RedemptionClaim
	for _, c := range r.redemptions {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) TransitionRedemption(ctx context.Context, id uuid.UUID, to domain.RedemptionState) (domain.RedemptionClaim, error) {
	current, err := r.GetRedemption(ctx, id)
	if err != nil {
		return domain.RedemptionClaim{}, err
	}
	unlock := r.lockUser(current.UserID)
	defer unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	current = r.redemptions[id]
	if !domain.CanTransitionRedemption(current.State, to) {
		return domain.RedemptionClaim{}, fmt.Errorf("%w: redemption %s cannot move from %s to %s", ErrInvalidTransition, current.ID, current.State, to)
	}
	if to == domain.RedemptionVoid {
		if _, err := r.supersedeLocked(current.EntryID, domain.EntryStatusReversed); err != nil {
			return domain.RedemptionClaim{}, err
		}
	}
	current.State = to
	current.UpdatedAt = r.now()
	r.redemptions[id] = current
	return current, nil
}

func (r *MemoryRepository) GetRestriction(ctx context.Context, userID string) (domain.UserRestriction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if restriction, ok := r.restrictions[userID]; ok {
		return restriction, nil
	}
	return domain.UserRestriction{UserID: userID}, nil
}

func (r *MemoryRepository) SetRestriction(ctx context.Context, restriction domain.UserRestriction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restrictions[restriction.UserID] = restriction
	return nil
}

func (r *MemoryRepository) GetVenuePin(ctx context.Context, venueID string) (VenuePin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pin, ok := r.pins[venueID]
	if !ok {
		return VenuePin{}, ErrPinNotFound
	}
	return pin, nil
}

func (r *MemoryRepository) SaveVenuePin(ctx context.Context, pin VenuePin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pins[pin.VenueID] = pin
	return nil
}
