/**
 * @description
 * CashoutManager runs the payout approval workflow. Submitting a cashout
 * reserves the points atomically with the request row; every later transition
 * applies its reservation effect (finalize or reverse) in the same store
 * transaction. The payout rail is only ever called outside the ledger lock.
 *
 * Key features:
 * - submitted -> under_review -> approved|rejected, approved -> paid|failed.
 * - cancelled by the user while submitted or under review.
 * - reconciliation of approved cashouts whose rail call never returned.
 *
 * @dependencies
 * - pkg/payoutclient: the payout rail.
 * - github.com/shopspring/decimal (via catalog.Rate): payout amounts.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/catalog"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/store"
	"github.com/bossboothsa-ai/trendle-app-sub001/pkg/payoutclient"
	"github.com/google/uuid"
)

const (
	defaultMinCashoutPoints = 500
	reconcileBatchLimit     = 100
	reconcileMinAge         = time.Minute
)

// PayoutInitiator is the payout rail as seen by the manager.
type PayoutInitiator interface {
	Initiate(ctx context.Context, req payoutclient.InitiateRequest) (*payoutclient.InitiateResponse, error)
}

// CashoutStore is the persistence the cashout workflow needs.
type CashoutStore interface {
	store.CashoutRepository
	store.UserRepository
}

type SubmitCashoutRequest struct {
	Amount  int64               `json:"amount"`
	Method  domain.PayoutMethod `json:"method"`
	Details map[string]string   `json:"details"`
}

// PayoutResult is the rail's final word on a payout.
type PayoutResult struct {
	CashoutID string `json:"cashout_id"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

type CashoutManager struct {
	repo      CashoutStore
	catalog   catalog.Catalog
	payouts   PayoutInitiator
	ledger    *Ledger
	events    EventBus
	minPoints int64
	now       func() time.Time
}

func NewCashoutManager(repo CashoutStore, cat catalog.Catalog, payouts PayoutInitiator, ledger *Ledger, events EventBus, minPoints int64) *CashoutManager {
	if minPoints <= 0 {
		minPoints = defaultMinCashoutPoints
	}
	return &CashoutManager{
		repo:      repo,
		catalog:   cat,
		payouts:   payouts,
		ledger:    ledger,
		events:    events,
		minPoints: minPoints,
		now:       time.Now,
	}
}

// Submit validates the request and reserves the points.
func (m *CashoutManager) Submit(ctx context.Context, user domain.User, req SubmitCashoutRequest) (domain.CashoutRequest, error) {
	if user.Suspended {
		return domain.CashoutRequest{}, ErrUserSuspended
	}
	restriction, err := m.repo.GetRestriction(ctx, user.ID)
	if err != nil {
		return domain.CashoutRequest{}, fmt.Errorf("load user restriction: %w", err)
	}
	if restriction.Suspended {
		return domain.CashoutRequest{}, ErrUserSuspended
	}
	if req.Amount < m.minPoints {
		return domain.CashoutRequest{}, fmt.Errorf("%w: minimum is %d points", ErrBelowMinimum, m.minPoints)
	}
	details, err := validatePayoutDetails(req.Method, req.Details)
	if err != nil {
		return domain.CashoutRequest{}, err
	}

	rate, err := m.catalog.ConversionRate(ctx)
	if err != nil {
		return domain.CashoutRequest{}, fmt.Errorf("load conversion rate: %w", err)
	}

	draft := domain.CashoutRequest{
		ID:           uuid.New(),
		UserID:       user.ID,
		Amount:       req.Amount,
		Method:       req.Method,
		Details:      details,
		PayoutAmount: rate.Convert(req.Amount),
		Currency:     rate.Currency,
	}
	created, err := withConflictRetry(ctx, "submit_cashout", func() (domain.CashoutRequest, error) {
		return m.repo.CreateCashout(ctx, draft)
	})
	if err != nil {
		return domain.CashoutRequest{}, err
	}

	m.ledger.Invalidate(ctx, user.ID)
	log.Printf("level=info component=cashout msg=\"cashout submitted\" cashout_id=%s user_id=%s amount=%d payout=%s %s", created.ID, created.UserID, created.Amount, created.PayoutAmount.StringFixed(2), created.Currency)
	m.events.publish(ctx, EventCashoutPrefix+string(created.State), newCashoutEvent(created))
	return created, nil
}

func validatePayoutDetails(method domain.PayoutMethod, details map[string]string) (map[string]string, error) {
	if !method.Valid() {
		return nil, fmt.Errorf("%w: unknown method %q", ErrInvalidPayoutMethod, method)
	}
	clean := make(map[string]string, len(details))
	for k, v := range details {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			clean[strings.TrimSpace(k)] = trimmed
		}
	}
	var missing []string
	for _, field := range method.RequiredDetails() {
		if clean[field] == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidPayoutMethod, strings.Join(missing, ", "))
	}
	return clean, nil
}

func (m *CashoutManager) List(ctx context.Context, userID string) ([]domain.CashoutRequest, error) {
	return m.repo.ListCashouts(ctx, userID)
}

// Get returns a cashout owned by userID.
func (m *CashoutManager) Get(ctx context.Context, userID string, id uuid.UUID) (domain.CashoutRequest, error) {
	c, err := m.repo.GetCashout(ctx, id)
	if err != nil {
		return domain.CashoutRequest{}, err
	}
	if c.UserID != userID {
		return domain.CashoutRequest{}, ErrNotOwner
	}
	return c, nil
}

// Cancel withdraws a cashout that has not been approved yet.
func (m *CashoutManager) Cancel(ctx context.Context, userID string, id uuid.UUID) (domain.CashoutRequest, error) {
	if _, err := m.Get(ctx, userID, id); err != nil {
		return domain.CashoutRequest{}, err
	}
	return m.transition(ctx, domain.CashoutTransition{ID: id, To: domain.CashoutCancelled, Note: "cancelled by user"})
}

func (m *CashoutManager) BeginReview(ctx context.Context, id uuid.UUID, reviewerID string) (domain.CashoutRequest, error) {
	return m.transition(ctx, domain.CashoutTransition{ID: id, To: domain.CashoutUnderReview, ReviewerID: reviewerID})
}

// Reject returns the reserved points to the user.
func (m *CashoutManager) Reject(ctx context.Context, id uuid.UUID, reviewerID, note string) (domain.CashoutRequest, error) {
	return m.transition(ctx, domain.CashoutTransition{ID: id, To: domain.CashoutRejected, ReviewerID: reviewerID, Note: note})
}

// Approve commits the approval and then instructs the payout rail. A rail
// outage leaves the cashout approved for the reconcile job; an outright
// rejection by the rail fails the payout immediately.
func (m *CashoutManager) Approve(ctx context.Context, id uuid.UUID, reviewerID string) (domain.CashoutRequest, error) {
	approved, err := m.transition(ctx, domain.CashoutTransition{ID: id, To: domain.CashoutApproved, ReviewerID: reviewerID})
	if err != nil {
		return domain.CashoutRequest{}, err
	}
	return m.initiatePayout(ctx, approved)
}

func (m *CashoutManager) initiatePayout(ctx context.Context, c domain.CashoutRequest) (domain.CashoutRequest, error) {
	if m.payouts == nil {
		log.Printf("level=warn component=cashout msg=\"payout rail not configured; leaving approved\" cashout_id=%s", c.ID)
		return c, nil
	}
	resp, err := m.payouts.Initiate(ctx, payoutclient.InitiateRequest{
		CashoutID: c.ID.String(),
		UserID:    c.UserID,
		Method:    string(c.Method),
		Amount:    c.PayoutAmount,
		Currency:  c.Currency,
		Details:   c.Details,
	})
	if errors.Is(err, payoutclient.ErrPayoutRejected) {
		log.Printf("level=warn component=cashout msg=\"payout rejected by rail\" cashout_id=%s err=%v", c.ID, err)
		return m.HandlePayoutResult(ctx, PayoutResult{CashoutID: c.ID.String(), Status: "failed", Reason: err.Error()})
	}
	if err != nil {
		log.Printf("level=warn component=cashout msg=\"payout initiation failed; will reconcile\" cashout_id=%s err=%v", c.ID, err)
		return c, nil
	}
	if err := m.repo.SetPayoutReference(ctx, c.ID, resp.Reference); err != nil {
		return c, fmt.Errorf("store payout reference: %w", err)
	}
	c.PayoutReference = resp.Reference
	log.Printf("level=info component=cashout msg=\"payout initiated\" cashout_id=%s reference=%s", c.ID, resp.Reference)
	return c, nil
}

// HandlePayoutResult applies the rail's paid/failed verdict. Replays of a
// verdict for a cashout that is already terminal are acknowledged unchanged.
func (m *CashoutManager) HandlePayoutResult(ctx context.Context, result PayoutResult) (domain.CashoutRequest, error) {
	current, err := m.findForResult(ctx, result)
	if err != nil {
		return domain.CashoutRequest{}, err
	}

	target := normalizePayoutStatus(result.Status)
	if target == "" {
		log.Printf("level=info component=cashout msg=\"ignoring non-final payout status\" cashout_id=%s status=%q", current.ID, result.Status)
		return current, nil
	}
	if current.State.Terminal() {
		if current.State != target {
			log.Printf("level=warn component=cashout msg=\"conflicting payout verdict for settled cashout\" cashout_id=%s state=%s verdict=%s", current.ID, current.State, target)
		}
		return current, nil
	}

	t := domain.CashoutTransition{ID: current.ID, To: target, PayoutReference: result.Reference}
	if target == domain.CashoutFailed {
		t.ManualReview = true
		t.Note = strings.TrimSpace(result.Reason)
		if t.Note == "" {
			t.Note = "payout failed"
		}
	}
	updated, err := m.transition(ctx, t)
	if err != nil {
		return domain.CashoutRequest{}, err
	}
	if target == domain.CashoutFailed {
		log.Printf("level=warn component=cashout msg=\"payout failed; escalated for manual review\" cashout_id=%s user_id=%s", updated.ID, updated.UserID)
	}
	return updated, nil
}

func (m *CashoutManager) findForResult(ctx context.Context, result PayoutResult) (domain.CashoutRequest, error) {
	if id, err := uuid.Parse(strings.TrimSpace(result.CashoutID)); err == nil {
		return m.repo.GetCashout(ctx, id)
	}
	if ref := strings.TrimSpace(result.Reference); ref != "" {
		return m.repo.FindCashoutByReference(ctx, ref)
	}
	return domain.CashoutRequest{}, store.ErrCashoutNotFound
}

func normalizePayoutStatus(status string) domain.CashoutState {
	switch strings.TrimSpace(strings.ToLower(status)) {
	case "paid", "success", "successful", "completed":
		return domain.CashoutPaid
	case "failed", "failure", "rejected", "reversed":
		return domain.CashoutFailed
	}
	return ""
}

func (m *CashoutManager) transition(ctx context.Context, t domain.CashoutTransition) (domain.CashoutRequest, error) {
	updated, err := withConflictRetry(ctx, "cashout_"+string(t.To), func() (domain.CashoutRequest, error) {
		return m.repo.TransitionCashout(ctx, t)
	})
	if err != nil {
		return domain.CashoutRequest{}, err
	}
	if domain.ReservationEffect(t.To) != "" {
		m.ledger.Invalidate(ctx, updated.UserID)
	}
	log.Printf("level=info component=cashout msg=\"cashout transitioned\" cashout_id=%s state=%s reviewer_id=%s", updated.ID, updated.State, updated.ReviewerID)
	m.events.publish(ctx, EventCashoutPrefix+string(updated.State), newCashoutEvent(updated))
	return updated, nil
}

// ReconcileApproved retries rail calls for approved cashouts that never got a
// reference, and escalates those stuck longer than escalateAfter.
func (m *CashoutManager) ReconcileApproved(ctx context.Context, escalateAfter time.Duration) (retried int, escalated int, err error) {
	now := m.now()
	stuck, err := m.repo.ListCashoutsInState(ctx, domain.CashoutApproved, now.Add(-reconcileMinAge), reconcileBatchLimit)
	if err != nil {
		return 0, 0, fmt.Errorf("list approved cashouts: %w", err)
	}
	for _, c := range stuck {
		if c.PayoutReference == "" {
			updated, initErr := m.initiatePayout(ctx, c)
			if initErr != nil {
				log.Printf("level=warn component=cashout msg=\"reconcile initiation failed\" cashout_id=%s err=%v", c.ID, initErr)
				continue
			}
			if updated.PayoutReference != "" || updated.State != domain.CashoutApproved {
				retried++
				continue
			}
		}
		if c.ManualReview || escalateAfter <= 0 || now.Sub(c.UpdatedAt) < escalateAfter {
			continue
		}
		note := fmt.Sprintf("no payout verdict after %s", escalateAfter)
		if markErr := m.repo.MarkManualReview(ctx, c.ID, note); markErr != nil {
			log.Printf("level=error component=cashout msg=\"failed to escalate cashout\" cashout_id=%s err=%v", c.ID, markErr)
			continue
		}
		c.ManualReview = true
		c.Note = note
		escalated++
		log.Printf("level=warn component=cashout msg=\"cashout escalated for manual review\" cashout_id=%s", c.ID)
		m.events.publish(ctx, EventCashoutEscalated, newCashoutEvent(c))
	}
	return retried, escalated, nil
}
