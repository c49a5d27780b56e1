package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/app"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type overrideCheckinRequest struct {
	UserID      string `json:"userId"`
	PlaceID     string `json:"placeId"`
	EventID     string `json:"eventId"`
	ConfirmedBy string `json:"confirmedBy"`
}

type reviewRequest struct {
	ReviewerID string `json:"reviewerId"`
	Note       string `json:"note"`
}

type flagTransitionRequest struct {
	State domain.FlagState `json:"state"`
	Note  string           `json:"note"`
}

type adjustmentRequest struct {
	Amount    int64  `json:"amount"`
	Reference string `json:"reference"`
}

type suspensionRequest struct {
	Suspended bool   `json:"suspended"`
	Reason    string `json:"reason"`
}

func (h *Handler) handleOverrideCheckin(w http.ResponseWriter, r *http.Request) {
	var req overrideCheckinRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := h.svc.Identity.Resolve(r.Context(), domain.User{ID: req.UserID})
	if err != nil {
		writeServiceError(w, "override", err)
		return
	}
	result, err := h.svc.Recorder.Record(r.Context(), user, app.ActivityDraft{
		Type:        domain.ActivityCheckin,
		VenueID:     req.PlaceID,
		EventID:     req.EventID,
		Method:      domain.MethodManualOverride,
		ConfirmedBy: req.ConfirmedBy,
	})
	if err != nil {
		writeServiceError(w, "override", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleReviewCashout(w http.ResponseWriter, r *http.Request) {
	h.reviewCashout(w, r, func(id uuid.UUID, req reviewRequest) (domain.CashoutRequest, error) {
		return h.svc.Cashouts.BeginReview(r.Context(), id, req.ReviewerID)
	})
}

func (h *Handler) handleApproveCashout(w http.ResponseWriter, r *http.Request) {
	h.reviewCashout(w, r, func(id uuid.UUID, req reviewRequest) (domain.CashoutRequest, error) {
		return h.svc.Cashouts.Approve(r.Context(), id, req.ReviewerID)
	})
}

func (h *Handler) handleRejectCashout(w http.ResponseWriter, r *http.Request) {
	h.reviewCashout(w, r, func(id uuid.UUID, req reviewRequest) (domain.CashoutRequest, error) {
		return h.svc.Cashouts.Reject(r.Context(), id, req.ReviewerID, req.Note)
	})
}

func (h *Handler) reviewCashout(w http.ResponseWriter, r *http.Request, apply func(uuid.UUID, reviewRequest) (domain.CashoutRequest, error)) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	var req reviewRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ReviewerID) == "" {
		writeError(w, http.StatusBadRequest, "reviewerId is required")
		return
	}
	cashout, err := apply(id, req)
	if err != nil {
		writeServiceError(w, "cashout_review", err)
		return
	}
	writeJSON(w, http.StatusOK, cashout)
}

func (h *Handler) handlePayoutCallback(w http.ResponseWriter, r *http.Request) {
	var result app.PayoutResult
	if !decodeJSON(w, r, &result) {
		return
	}
	if strings.TrimSpace(result.CashoutID) == "" && strings.TrimSpace(result.Reference) == "" {
		writeError(w, http.StatusBadRequest, "cashout_id or reference is required")
		return
	}
	cashout, err := h.svc.Cashouts.HandlePayoutResult(r.Context(), result)
	if err != nil {
		writeServiceError(w, "payout_callback", err)
		return
	}
	writeJSON(w, http.StatusOK, cashout)
}

func (h *Handler) handleFulfillRedemption(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	claim, err := h.svc.Redemptions.Fulfill(r.Context(), id)
	if err != nil {
		writeServiceError(w, "redemption", err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (h *Handler) handleVoidRedemption(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	claim, err := h.svc.Redemptions.Void(r.Context(), id)
	if err != nil {
		writeServiceError(w, "redemption", err)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (h *Handler) handleListFlags(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	flags, err := h.svc.Risk.ListFlags(r.Context(), store.FlagFilter{
		State:     domain.FlagState(strings.TrimSpace(q.Get("state"))),
		SubjectID: strings.TrimSpace(q.Get("subject")),
		Limit:     queryLimit(r, 100),
	})
	if err != nil {
		writeServiceError(w, "risk", err)
		return
	}
	if flags == nil {
		flags = []domain.RiskFlag{}
	}
	writeJSON(w, http.StatusOK, flags)
}

func (h *Handler) handleTransitionFlag(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	var req flagTransitionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	flag, err := h.svc.Risk.TransitionFlag(r.Context(), id, req.State, req.Note)
	if err != nil {
		writeServiceError(w, "risk", err)
		return
	}
	writeJSON(w, http.StatusOK, flag)
}

func (h *Handler) handleListUserActivities(w http.ResponseWriter, r *http.Request) {
	activities, err := h.svc.Moderation.ListActivities(r.Context(), chi.URLParam(r, "id"), queryLimit(r, 50))
	if err != nil {
		writeServiceError(w, "moderation", err)
		return
	}
	if activities == nil {
		activities = []domain.Activity{}
	}
	writeJSON(w, http.StatusOK, activities)
}

func (h *Handler) handleSetSuspension(w http.ResponseWriter, r *http.Request) {
	var req suspensionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	restriction, err := h.svc.Moderation.SetSuspension(r.Context(), chi.URLParam(r, "id"), req.Suspended, req.Reason)
	if err != nil {
		writeServiceError(w, "moderation", err)
		return
	}
	writeJSON(w, http.StatusOK, restriction)
}

func (h *Handler) handleAdjustBalance(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Reference) == "" {
		writeError(w, http.StatusBadRequest, "reference is required")
		return
	}
	entry, err := h.svc.Ledger.Adjust(r.Context(), app.Adjustment{
		UserID:    chi.URLParam(r, "id"),
		Amount:    req.Amount,
		Reference: strings.TrimSpace(req.Reference),
	})
	if err != nil {
		writeServiceError(w, "ledger", err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleReverseEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	entry, err := h.svc.Ledger.Reverse(r.Context(), id)
	if err != nil {
		writeServiceError(w, "ledger", err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleRotateVenuePin(w http.ResponseWriter, r *http.Request) {
	rotated, err := h.svc.Jobs.RotateVenuePin(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "venue_pin", err)
		return
	}
	writeJSON(w, http.StatusOK, rotated)
}

func queryLimit(r *http.Request, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 500 {
		return fallback
	}
	return n
}
