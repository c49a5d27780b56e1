/**
 * @description
 * HTTP handlers for the member-facing rewards endpoints. Handlers decode the
 * request, resolve the caller, call the app layer and map its errors onto
 * status codes.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/app"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const maxRequestBody = 1 << 20

// Services groups the app layer the handlers call into.
type Services struct {
	Identity    *app.Identity
	Recorder    *app.ActivityRecorder
	Ledger      *app.Ledger
	Cashouts    *app.CashoutManager
	Redemptions *app.RedemptionManager
	Risk        *app.RiskEmitter
	Moderation  *app.Moderation
	Jobs        *app.Jobs
}

type Handler struct {
	svc Services
}

func NewHandler(svc Services) *Handler {
	return &Handler{svc: svc}
}

type checkinRequest struct {
	PlaceID  string                    `json:"placeId"`
	EventID  string                    `json:"eventId"`
	Method   domain.VerificationMethod `json:"method"`
	Evidence domain.Evidence           `json:"evidence"`
}

type activityRequest struct {
	Type     domain.ActivityType       `json:"type"`
	RefID    string                    `json:"refId"`
	PlaceID  string                    `json:"placeId"`
	EventID  string                    `json:"eventId"`
	Method   domain.VerificationMethod `json:"method"`
	Evidence domain.Evidence           `json:"evidence"`
}

type walletResponse struct {
	Balance int64                `json:"balance"`
	Pending int64                `json:"pending"`
	Entries []domain.LedgerEntry `json:"entries"`
}

// currentUser returns the authenticated caller with stored moderation state applied.
func (h *Handler) currentUser(w http.ResponseWriter, r *http.Request) (domain.User, bool) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Could not get user from context")
		return domain.User{}, false
	}
	user, err := h.svc.Identity.Resolve(r.Context(), principal)
	if err != nil {
		writeServiceError(w, "identity", err)
		return domain.User{}, false
	}
	return user, true
}

func fingerprint(r *http.Request) domain.Fingerprint {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return domain.Fingerprint{
		DeviceID: strings.TrimSpace(r.Header.Get("X-Device-ID")),
		IP:       ip,
	}
}

func (h *Handler) handleCheckin(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var req checkinRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := h.svc.Recorder.Record(r.Context(), user, app.ActivityDraft{
		Type:        domain.ActivityCheckin,
		VenueID:     req.PlaceID,
		EventID:     req.EventID,
		Method:      req.Method,
		Evidence:    req.Evidence,
		Fingerprint: fingerprint(r),
	})
	if err != nil {
		writeServiceError(w, "checkin", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleActivity(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var req activityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	result, err := h.svc.Recorder.Record(r.Context(), user, app.ActivityDraft{
		Type:        req.Type,
		RefID:       req.RefID,
		VenueID:     req.PlaceID,
		EventID:     req.EventID,
		Method:      req.Method,
		Evidence:    req.Evidence,
		Fingerprint: fingerprint(r),
	})
	if err != nil {
		writeServiceError(w, "activity", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	wallet, err := h.svc.Ledger.Wallet(r.Context(), user.ID)
	if err != nil {
		writeServiceError(w, "wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, walletResponse{Balance: wallet.Balance, Pending: wallet.Pending, Entries: wallet.Entries})
}

func (h *Handler) handleSubmitCashout(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	var req app.SubmitCashoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	cashout, err := h.svc.Cashouts.Submit(r.Context(), user, req)
	if err != nil {
		writeServiceError(w, "cashout", err)
		return
	}
	writeJSON(w, http.StatusCreated, cashout)
}

func (h *Handler) handleListCashouts(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	cashouts, err := h.svc.Cashouts.List(r.Context(), user.ID)
	if err != nil {
		writeServiceError(w, "cashout", err)
		return
	}
	if cashouts == nil {
		cashouts = []domain.CashoutRequest{}
	}
	writeJSON(w, http.StatusOK, cashouts)
}

func (h *Handler) handleGetCashout(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	cashout, err := h.svc.Cashouts.Get(r.Context(), user.ID, id)
	if err != nil {
		writeServiceError(w, "cashout", err)
		return
	}
	writeJSON(w, http.StatusOK, cashout)
}

func (h *Handler) handleCancelCashout(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r)
	if !ok {
		return
	}
	cashout, err := h.svc.Cashouts.Cancel(r.Context(), user.ID, id)
	if err != nil {
		writeServiceError(w, "cashout", err)
		return
	}
	writeJSON(w, http.StatusOK, cashout)
}

func (h *Handler) handleRedeem(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	claim, err := h.svc.Redemptions.Redeem(r.Context(), user, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, "redemption", err)
		return
	}
	writeJSON(w, http.StatusCreated, claim)
}

func (h *Handler) handleListRedemptions(w http.ResponseWriter, r *http.Request) {
	user, ok := h.currentUser(w, r)
	if !ok {
		return
	}
	claims, err := h.svc.Redemptions.List(r.Context(), user.ID)
	if err != nil {
		writeServiceError(w, "redemption", err)
		return
	}
	if claims == nil {
		claims = []domain.RedemptionClaim{}
	}
	writeJSON(w, http.StatusOK, claims)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid id")
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps app and store errors onto HTTP responses.
func writeServiceError(w http.ResponseWriter, component string, err error) {
	var verr *app.VerificationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "verification failed", "reason": verr.Reason})
	case errors.Is(err, store.ErrInsufficientBalance):
		writeError(w, http.StatusPaymentRequired, "insufficient balance")
	case errors.Is(err, app.ErrUserSuspended):
		writeError(w, http.StatusForbidden, "This account cannot perform that action")
	case errors.Is(err, app.ErrVelocityLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "Request is not allowed in its current state")
	case errors.Is(err, app.ErrNotOwner),
		errors.Is(err, store.ErrCashoutNotFound),
		errors.Is(err, store.ErrRedemptionNotFound),
		errors.Is(err, store.ErrFlagNotFound),
		errors.Is(err, store.ErrEntryNotFound),
		errors.Is(err, app.ErrRewardNotFound),
		errors.Is(err, app.ErrVenueNotFound),
		errors.Is(err, app.ErrRuleNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, app.ErrBelowMinimum),
		errors.Is(err, app.ErrInvalidPayoutMethod),
		errors.Is(err, app.ErrInvalidActivity),
		errors.Is(err, store.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrReservationConflict):
		writeError(w, http.StatusServiceUnavailable, "Please retry")
	default:
		log.Printf("level=error component=api endpoint=%s msg=\"request failed\" err=%v", component, err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
