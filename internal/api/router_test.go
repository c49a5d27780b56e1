package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/app"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/catalog"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
	"github.com/bossboothsa-ai/trendle-app-sub001/internal/store"
	"github.com/golang-jwt/jwt/v5"
)

const (
	testKid         = "test-key"
	testInternalKey = "internal-test-key"
)

const routerCatalog = `
venues:
  - id: venue-1
    name: Braamfontein Coffee
    lat: -26.1929
    lng: 28.0305
    radius_meters: 30
    qr_signing_key: venue-1-secret
    checkin_points: 50
    pin_length: 4
rewards:
  - id: free-coffee
    name: Free coffee
    cost: 300
    venue_id: venue-1
    active: true
`

type testAPI struct {
	router http.Handler
	key    *rsa.PrivateKey
	repo   *store.MemoryRepository
	ledger *app.Ledger
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kid": testKid,
				"kty": "RSA",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(jwks.Close)

	cat, err := catalog.Parse([]byte(routerCatalog))
	if err != nil {
		t.Fatalf("parse catalog: %v", err)
	}
	repo := store.NewMemoryRepository()
	events := app.NewEventBus(nil, "rewards.events")
	counter := app.NewMemorySignalCounter()
	ledger := app.NewLedger(repo, nil)
	risk := app.NewRiskEmitter(store.NewMemoryRiskStore(), counter, events, app.DefaultRiskPolicy(), 256)
	verifier := app.NewVerifier(cat, repo, repo, counter, risk, app.VerifierConfig{
		PinMaxAttempts:            5,
		PinLockout:                10 * time.Minute,
		DefaultPinLength:          4,
		FallbackMaxAccuracyMeters: 150,
	})
	cashouts := app.NewCashoutManager(repo, cat, nil, ledger, events, 500)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := NewHandler(Services{
		Identity:    app.NewIdentity(repo),
		Recorder:    app.NewActivityRecorder(repo, cat, verifier, ledger, risk, events, app.RecorderOptions{DefaultLocation: time.UTC}),
		Ledger:      ledger,
		Cashouts:    cashouts,
		Redemptions: app.NewRedemptionManager(repo, cat, ledger, risk, events, false),
		Risk:        risk,
		Moderation:  app.NewModeration(repo),
		Jobs:        app.NewJobs(cat, repo, cashouts, events, logger, app.JobsConfig{DefaultPinLength: 4}),
	})
	router := NewRouter(h, RouterConfig{
		Keys:           NewJWKSCache(jwks.URL),
		InternalAPIKey: testInternalKey,
	})
	return &testAPI{router: router, key: key, repo: repo, ledger: ledger}
}

func (a *testAPI) token(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": sub,
		"exp": exp.Unix(),
	})
	token.Header["kid"] = testKid
	signed, err := token.SignedString(a.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (a *testAPI) seed(t *testing.T, userID string, points int64) {
	t.Helper()
	_, err := a.ledger.Post(context.Background(), domain.LedgerEntry{
		UserID:     userID,
		Amount:     points,
		Kind:       domain.EntryKindEarned,
		Status:     domain.EntryStatusCompleted,
		SourceType: domain.SourceAdjustment,
		SourceRef:  "seed",
	})
	if err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

func (a *testAPI) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) internal(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Internal-API-Key", testInternalKey)
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)
	rec := a.do(t, http.MethodGet, "/health", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "healthy" {
		t.Fatalf("unexpected health body %q", rec.Body.String())
	}
}

func TestMemberRoutesRejectBadTokens(t *testing.T) {
	a := newTestAPI(t)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	forged := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "user-1", "exp": time.Now().Add(time.Hour).Unix()})
	forged.Header["kid"] = testKid
	forgedToken, err := forged.SignedString(otherKey)
	if err != nil {
		t.Fatalf("sign forged token: %v", err)
	}

	cases := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "wrong scheme", header: "Token abc"},
		{name: "expired", header: "Bearer " + a.token(t, "user-1", time.Now().Add(-time.Minute))},
		{name: "forged signature", header: "Bearer " + forgedToken},
		{name: "no subject", header: "Bearer " + a.token(t, "", time.Now().Add(time.Hour))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/wallet", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			a.router.ServeHTTP(rec, req)
			expectStatus(t, rec, http.StatusUnauthorized)
		})
	}
}

func TestInternalRoutesRequireKey(t *testing.T) {
	a := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/internal/risk/flags", nil)
	req.Header.Set("X-Internal-API-Key", "wrong")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusUnauthorized)

	closed := NewRouter(NewHandler(Services{}), RouterConfig{Keys: NewJWKSCache("")})
	req = httptest.NewRequest(http.MethodGet, "/internal/risk/flags", nil)
	rec = httptest.NewRecorder()
	closed.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusUnauthorized)

	rec = a.internal(t, http.MethodGet, "/internal/risk/flags", nil)
	expectStatus(t, rec, http.StatusOK)
	var flags []domain.RiskFlag
	decodeBody(t, rec, &flags)
	if len(flags) != 0 {
		t.Fatalf("expected no flags, got %d", len(flags))
	}
}

func TestCheckinRejectionCarriesReason(t *testing.T) {
	a := newTestAPI(t)
	lat, lng, accuracy := -26.1929, 28.0305, 50.0

	rec := a.do(t, http.MethodPost, "/checkins", a.token(t, "user-1", time.Now().Add(time.Hour)), map[string]interface{}{
		"placeId": "venue-1",
		"method":  "gps",
		"evidence": map[string]interface{}{
			"lat":      lat,
			"lng":      lng,
			"accuracy": accuracy,
		},
	})
	expectStatus(t, rec, http.StatusUnprocessableEntity)
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["reason"] != domain.ReasonInsufficientPrecision {
		t.Fatalf("expected reason %s, got %v", domain.ReasonInsufficientPrecision, body)
	}
}

func TestStaffPinCheckinCreditsWallet(t *testing.T) {
	a := newTestAPI(t)
	token := a.token(t, "user-1", time.Now().Add(time.Hour))

	rec := a.internal(t, http.MethodPost, "/internal/venues/venue-1/pin/rotate", nil)
	expectStatus(t, rec, http.StatusOK)
	var rotated app.VenuePinRotatedEvent
	decodeBody(t, rec, &rotated)
	if len(rotated.PIN) != 4 {
		t.Fatalf("expected a 4 digit pin, got %q", rotated.PIN)
	}

	rec = a.do(t, http.MethodPost, "/checkins", token, map[string]interface{}{
		"placeId":  "venue-1",
		"method":   "staff_pin",
		"evidence": map[string]string{"pin": rotated.PIN},
	})
	expectStatus(t, rec, http.StatusOK)
	var result app.RecordResult
	decodeBody(t, rec, &result)
	if result.Entry.Amount != 50 || result.AlreadyClaimed {
		t.Fatalf("unexpected award %+v", result)
	}

	rec = a.do(t, http.MethodGet, "/wallet", token, nil)
	expectStatus(t, rec, http.StatusOK)
	var wallet walletResponse
	decodeBody(t, rec, &wallet)
	if wallet.Balance != 50 || len(wallet.Entries) != 1 {
		t.Fatalf("expected balance 50 with one entry, got %+v", wallet)
	}
}

func TestOverrideCheckinRequiresConfirmer(t *testing.T) {
	a := newTestAPI(t)

	rec := a.internal(t, http.MethodPost, "/internal/checkins/override", map[string]string{"userId": "user-1", "placeId": "venue-1"})
	expectStatus(t, rec, http.StatusUnprocessableEntity)

	rec = a.internal(t, http.MethodPost, "/internal/checkins/override", map[string]string{"userId": "user-1", "placeId": "venue-1", "confirmedBy": "host-9"})
	expectStatus(t, rec, http.StatusOK)

	rec = a.internal(t, http.MethodGet, "/internal/users/user-1/activities", nil)
	expectStatus(t, rec, http.StatusOK)
	var activities []domain.Activity
	decodeBody(t, rec, &activities)
	if len(activities) != 1 {
		t.Fatalf("expected one activity, got %d", len(activities))
	}
}

func TestBalanceAdjustmentsOverHTTP(t *testing.T) {
	a := newTestAPI(t)

	rec := a.internal(t, http.MethodPost, "/internal/users/user-1/adjustments", map[string]interface{}{"amount": 120})
	expectStatus(t, rec, http.StatusBadRequest)
	rec = a.internal(t, http.MethodPost, "/internal/users/user-1/adjustments", map[string]interface{}{"amount": 0, "reference": "support-7"})
	expectStatus(t, rec, http.StatusBadRequest)

	rec = a.internal(t, http.MethodPost, "/internal/users/user-1/adjustments", map[string]interface{}{"amount": 120, "reference": "support-7"})
	expectStatus(t, rec, http.StatusCreated)
	var credit domain.LedgerEntry
	decodeBody(t, rec, &credit)
	if credit.Amount != 120 || credit.SourceType != domain.SourceAdjustment {
		t.Fatalf("unexpected adjustment %+v", credit)
	}

	rec = a.internal(t, http.MethodPost, "/internal/users/user-1/adjustments", map[string]interface{}{"amount": -500, "reference": "support-8"})
	expectStatus(t, rec, http.StatusPaymentRequired)

	rec = a.internal(t, http.MethodPost, "/internal/ledger/entries/"+credit.ID.String()+"/reverse", nil)
	expectStatus(t, rec, http.StatusOK)
	rec = a.internal(t, http.MethodPost, "/internal/ledger/entries/"+credit.ID.String()+"/reverse", nil)
	expectStatus(t, rec, http.StatusConflict)

	balance, err := a.ledger.Balance(context.Background(), "user-1")
	if err != nil || balance != 0 {
		t.Fatalf("expected balance 0 after reversal, got %d err=%v", balance, err)
	}
}

func TestCashoutLifecycleOverHTTP(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, "user-1", 1000)
	token := a.token(t, "user-1", time.Now().Add(time.Hour))
	bank := map[string]string{"account_number": "123456", "bank_code": "250655", "account_name": "Thandi M"}

	rec := a.do(t, http.MethodPost, "/cashouts", token, map[string]interface{}{"amount": 600, "method": "bank", "details": bank})
	expectStatus(t, rec, http.StatusCreated)
	var cashout domain.CashoutRequest
	decodeBody(t, rec, &cashout)
	if cashout.State != domain.CashoutSubmitted {
		t.Fatalf("expected submitted, got %s", cashout.State)
	}

	rec = a.do(t, http.MethodPost, "/cashouts", token, map[string]interface{}{"amount": 500, "method": "bank", "details": bank})
	expectStatus(t, rec, http.StatusPaymentRequired)

	rec = a.do(t, http.MethodPost, "/cashouts", token, map[string]interface{}{"amount": 100, "method": "bank", "details": bank})
	expectStatus(t, rec, http.StatusBadRequest)

	other := a.token(t, "user-2", time.Now().Add(time.Hour))
	rec = a.do(t, http.MethodGet, "/cashouts/"+cashout.ID.String(), other, nil)
	expectStatus(t, rec, http.StatusNotFound)

	rec = a.do(t, http.MethodGet, "/cashouts/not-a-uuid", token, nil)
	expectStatus(t, rec, http.StatusBadRequest)

	rec = a.internal(t, http.MethodPost, "/internal/cashouts/"+cashout.ID.String()+"/approve", map[string]string{"reviewerId": "ops-1"})
	expectStatus(t, rec, http.StatusConflict)

	rec = a.internal(t, http.MethodPost, "/internal/cashouts/"+cashout.ID.String()+"/review", map[string]string{"reviewerId": "ops-1"})
	expectStatus(t, rec, http.StatusOK)
	rec = a.internal(t, http.MethodPost, "/internal/cashouts/"+cashout.ID.String()+"/reject", map[string]string{"reviewerId": "ops-1", "note": "details mismatch"})
	expectStatus(t, rec, http.StatusOK)
	decodeBody(t, rec, &cashout)
	if cashout.State != domain.CashoutRejected {
		t.Fatalf("expected rejected, got %s", cashout.State)
	}

	rec = a.do(t, http.MethodGet, "/wallet", token, nil)
	var wallet walletResponse
	decodeBody(t, rec, &wallet)
	if wallet.Balance != 1000 || wallet.Pending != 0 {
		t.Fatalf("expected balance 1000 and nothing pending, got %+v", wallet)
	}

	rec = a.do(t, http.MethodGet, "/cashouts", token, nil)
	expectStatus(t, rec, http.StatusOK)
	var list []domain.CashoutRequest
	decodeBody(t, rec, &list)
	if len(list) != 1 {
		t.Fatalf("expected one cashout, got %d", len(list))
	}
}

func TestPayoutCallbackSettlesApprovedCashout(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, "user-1", 800)
	token := a.token(t, "user-1", time.Now().Add(time.Hour))

	rec := a.do(t, http.MethodPost, "/cashouts", token, map[string]interface{}{
		"amount":  800,
		"method":  "mobile_money",
		"details": map[string]string{"phone_number": "+27820000000", "provider": "mtn"},
	})
	expectStatus(t, rec, http.StatusCreated)
	var cashout domain.CashoutRequest
	decodeBody(t, rec, &cashout)
	id := cashout.ID.String()

	expectStatus(t, a.internal(t, http.MethodPost, "/internal/cashouts/"+id+"/review", map[string]string{"reviewerId": "ops-1"}), http.StatusOK)
	expectStatus(t, a.internal(t, http.MethodPost, "/internal/cashouts/"+id+"/approve", map[string]string{"reviewerId": "ops-1"}), http.StatusOK)

	expectStatus(t, a.internal(t, http.MethodPost, "/internal/payouts/callback", map[string]string{}), http.StatusBadRequest)

	for i := 0; i < 2; i++ {
		rec = a.internal(t, http.MethodPost, "/internal/payouts/callback", map[string]string{"cashout_id": id, "status": "paid"})
		expectStatus(t, rec, http.StatusOK)
		decodeBody(t, rec, &cashout)
		if cashout.State != domain.CashoutPaid {
			t.Fatalf("expected paid, got %s", cashout.State)
		}
	}

	rec = a.do(t, http.MethodGet, "/wallet", token, nil)
	var wallet walletResponse
	decodeBody(t, rec, &wallet)
	if wallet.Balance != 0 {
		t.Fatalf("expected balance 0 after payout, got %d", wallet.Balance)
	}
}

func TestRedeemAndFulfill(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, "user-1", 300)
	token := a.token(t, "user-1", time.Now().Add(time.Hour))

	rec := a.do(t, http.MethodPost, "/rewards/free-coffee/redeem", token, nil)
	expectStatus(t, rec, http.StatusCreated)
	var claim domain.RedemptionClaim
	decodeBody(t, rec, &claim)
	if claim.Code == "" || claim.Cost != 300 {
		t.Fatalf("unexpected claim %+v", claim)
	}

	expectStatus(t, a.do(t, http.MethodPost, "/rewards/free-coffee/redeem", token, nil), http.StatusPaymentRequired)
	expectStatus(t, a.do(t, http.MethodPost, "/rewards/no-such-reward/redeem", token, nil), http.StatusNotFound)

	rec = a.internal(t, http.MethodPost, "/internal/redemptions/"+claim.ID.String()+"/fulfill", nil)
	expectStatus(t, rec, http.StatusOK)
	expectStatus(t, a.internal(t, http.MethodPost, "/internal/redemptions/"+claim.ID.String()+"/void", nil), http.StatusConflict)

	rec = a.do(t, http.MethodGet, "/redemptions", token, nil)
	expectStatus(t, rec, http.StatusOK)
	var claims []domain.RedemptionClaim
	decodeBody(t, rec, &claims)
	if len(claims) != 1 || claims[0].State != domain.RedemptionFulfilled {
		t.Fatalf("expected one fulfilled claim, got %+v", claims)
	}
}

func TestSuspendedUserIsForbidden(t *testing.T) {
	a := newTestAPI(t)
	a.seed(t, "user-1", 1000)
	token := a.token(t, "user-1", time.Now().Add(time.Hour))

	rec := a.internal(t, http.MethodPut, "/internal/users/user-1/suspension", map[string]interface{}{"suspended": true, "reason": "device farm"})
	expectStatus(t, rec, http.StatusOK)

	rec = a.do(t, http.MethodPost, "/rewards/free-coffee/redeem", token, nil)
	expectStatus(t, rec, http.StatusForbidden)

	rec = a.do(t, http.MethodPost, "/cashouts", token, map[string]interface{}{
		"amount":  600,
		"method":  "airtime",
		"details": map[string]string{"phone_number": "+27820000000", "network": "vodacom"},
	})
	expectStatus(t, rec, http.StatusForbidden)

	expectStatus(t, a.internal(t, http.MethodPut, "/internal/users/user-1/suspension", map[string]interface{}{"suspended": false}), http.StatusOK)
	expectStatus(t, a.do(t, http.MethodPost, "/rewards/free-coffee/redeem", token, nil), http.StatusCreated)
}

func TestInvalidRequestBody(t *testing.T) {
	a := newTestAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/checkins", strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+a.token(t, "user-1", time.Now().Add(time.Hour)))
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestPrincipalFromClaimsReadsRoles(t *testing.T) {
	user, ok := principalFromClaims(jwt.MapClaims{"sub": "user-1", "trust_tier": "verified", "roles": "host, staff"})
	if !ok {
		t.Fatal("expected principal")
	}
	if user.TrustTier != domain.TierVerified || len(user.Roles) != 2 || user.Roles[1] != "staff" {
		t.Fatalf("unexpected principal %+v", user)
	}
	if _, ok := principalFromClaims(jwt.MapClaims{"roles": []interface{}{"host"}}); ok {
		t.Fatal("expected missing subject to be rejected")
	}
}
