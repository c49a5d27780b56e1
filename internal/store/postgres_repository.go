/**
 * @description
 * PostgreSQL implementation of the rewards repositories.
 *
 * Every balance-affecting write runs in a single transaction that first locks the
 * user's row in point_balances. The ledger_entries table is never updated or
 * deleted from; point_balances is a materialized total kept in step with it and
 * can always be rebuilt with DerivedBalance.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pool.
 */

package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bossboothsa-ai/trendle-app-sub001/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
	pgCheckViolation       = "23514"
)

// PostgresRepository implements Repository on top of a pgx pool.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new repository with a database connection pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the tables the service needs when they are missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// inTx runs fn inside a transaction and maps retryable PostgreSQL failures to
// ErrReservationConflict.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return mapPgError(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback(ctx) // Rollback is a no-op if the tx is committed.

	if err := fn(tx); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %s", ErrReservationConflict, pgErr.Message)
		case pgCheckViolation:
			if pgErr.ConstraintName == "point_balances_non_negative" {
				return ErrInsufficientBalance
			}
		}
	}
	return err
}

func isUniqueViolation(err error, constraints ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	if len(constraints) == 0 {
		return true
	}
	for _, c := range constraints {
		if pgErr.ConstraintName == c {
			return true
		}
	}
	return false
}

// lockBalance takes the per-user row lock that serializes every mutation of a
// user's balance and returns the current materialized total.
func lockBalance(ctx context.Context, tx pgx.Tx, userID string) (int64, error) {
	if _, err := tx.Exec(ctx,
		`INSERT INTO point_balances (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID,
	); err != nil {
		return 0, fmt.Errorf("ensure balance row: %w", err)
	}
	var balance int64
	if err := tx.QueryRow(ctx,
		`SELECT balance FROM point_balances WHERE user_id = $1 FOR UPDATE`,
		userID,
	).Scan(&balance); err != nil {
		return 0, fmt.Errorf("lock balance row: %w", err)
	}
	return balance, nil
}

func applyDelta(ctx context.Context, tx pgx.Tx, userID string, delta int64) error {
	if delta == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx,
		`UPDATE point_balances SET balance = balance + $2, updated_at = NOW() WHERE user_id = $1`,
		userID, delta,
	); err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return nil
}

const entryColumns = `id, user_id, amount, kind, status, source_type, source_ref, supersedes_id, idempotency_key, created_at`

func scanEntry(row pgx.Row) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var kind, status, sourceType string
	err := row.Scan(&e.ID, &e.UserID, &e.Amount, &kind, &status, &sourceType, &e.SourceRef, &e.SupersedesID, &e.IdempotencyKey, &e.CreatedAt)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	e.Kind = domain.EntryKind(kind)
	e.Status = domain.EntryStatus(status)
	e.SourceType = domain.SourceType(sourceType)
	return e, nil
}

func insertEntry(ctx context.Context, tx pgx.Tx, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, user_id, amount, kind, status, source_type, source_ref, supersedes_id, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, e.ID, e.UserID, e.Amount, string(e.Kind), string(e.Status), string(e.SourceType), e.SourceRef, e.SupersedesID, e.IdempotencyKey).Scan(&e.CreatedAt)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("insert ledger entry: %w", err)
	}
	return e, nil
}

// postLocked writes a new head entry for a user whose balance row is already locked.
func postLocked(ctx context.Context, tx pgx.Tx, balance int64, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	delta := int64(0)
	if e.Counts() {
		delta = e.Amount
	}
	if balance+delta < 0 {
		return domain.LedgerEntry{}, ErrInsufficientBalance
	}
	posted, err := insertEntry(ctx, tx, e)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	if err := applyDelta(ctx, tx, e.UserID, delta); err != nil {
		return domain.LedgerEntry{}, err
	}
	return posted, nil
}

// supersede appends the successor of entryID with the given status.
func supersede(ctx context.Context, tx pgx.Tx, entryID uuid.UUID, outcome domain.EntryStatus) (domain.LedgerEntry, error) {
	orig, err := scanEntry(tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, entryID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LedgerEntry{}, ErrEntryNotFound
		}
		return domain.LedgerEntry{}, fmt.Errorf("load ledger entry: %w", err)
	}

	balance, err := lockBalance(ctx, tx, orig.UserID)
	if err != nil {
		return domain.LedgerEntry{}, err
	}

	var superseded bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE supersedes_id = $1)`,
		entryID,
	).Scan(&superseded); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("check entry head: %w", err)
	}
	if superseded || !domain.CanSupersede(orig.Status, outcome) {
		return domain.LedgerEntry{}, fmt.Errorf("%w: entry %s is %s", ErrInvalidTransition, orig.ID, orig.Status)
	}

	delta := domain.BalanceDelta(orig.Amount, orig.Status, outcome)
	if balance+delta < 0 {
		return domain.LedgerEntry{}, ErrInsufficientBalance
	}

	next, err := insertEntry(ctx, tx, domain.LedgerEntry{
		UserID:       orig.UserID,
		Amount:       orig.Amount,
		Kind:         orig.Kind,
		Status:       outcome,
		SourceType:   orig.SourceType,
		SourceRef:    orig.SourceRef,
		SupersedesID: &orig.ID,
	})
	if err != nil {
		if isUniqueViolation(err, "ledger_entries_supersedes_once") {
			return domain.LedgerEntry{}, fmt.Errorf("%w: entry %s already superseded", ErrInvalidTransition, orig.ID)
		}
		return domain.LedgerEntry{}, err
	}
	if err := applyDelta(ctx, tx, orig.UserID, delta); err != nil {
		return domain.LedgerEntry{}, err
	}
	return next, nil
}

// PostEntry appends a single entry. Debits fail with ErrInsufficientBalance
// rather than driving the balance negative.
func (r *PostgresRepository) PostEntry(ctx context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	var posted domain.LedgerEntry
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		balance, err := lockBalance(ctx, tx, entry.UserID)
		if err != nil {
			return err
		}
		posted, err = postLocked(ctx, tx, balance, entry)
		return err
	})
	return posted, err
}

// Reserve places a pending hold of params.Amount against the user's balance.
func (r *PostgresRepository) Reserve(ctx context.Context, params ReserveParams) (domain.LedgerEntry, error) {
	if params.Amount <= 0 {
		return domain.LedgerEntry{}, ErrInvalidAmount
	}
	var entry domain.LedgerEntry
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		balance, err := lockBalance(ctx, tx, params.UserID)
		if err != nil {
			return err
		}
		entry, err = postLocked(ctx, tx, balance, domain.LedgerEntry{
			UserID:     params.UserID,
			Amount:     -params.Amount,
			Kind:       params.Kind,
			Status:     domain.EntryStatusPending,
			SourceType: params.SourceType,
			SourceRef:  params.SourceRef,
		})
		return err
	})
	return entry, err
}

// FinalizeEntry completes or reverses an entry by appending its successor.
func (r *PostgresRepository) FinalizeEntry(ctx context.Context, entryID uuid.UUID, outcome domain.EntryStatus) (domain.LedgerEntry, error) {
	var next domain.LedgerEntry
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		next, err = supersede(ctx, tx, entryID, outcome)
		return err
	})
	return next, err
}

func (r *PostgresRepository) GetEntry(ctx context.Context, entryID uuid.UUID) (domain.LedgerEntry, error) {
	e, err := scanEntry(r.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, entryID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LedgerEntry{}, ErrEntryNotFound
		}
		return domain.LedgerEntry{}, err
	}
	return e, nil
}

func (r *PostgresRepository) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, `SELECT balance FROM point_balances WHERE user_id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return balance, nil
}

// DerivedBalance recomputes the balance from the entry log alone.
func (r *PostgresRepository) DerivedBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(e.amount), 0)
		FROM ledger_entries e
		WHERE e.user_id = $1
		  AND e.status <> 'reversed'
		  AND NOT EXISTS (SELECT 1 FROM ledger_entries s WHERE s.supersedes_id = e.id)
	`, userID).Scan(&balance)
	return balance, err
}

// PendingTotal returns the points currently held by open reservations.
func (r *PostgresRepository) PendingTotal(ctx context.Context, userID string) (int64, error) {
	var held int64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(-SUM(e.amount), 0)
		FROM ledger_entries e
		WHERE e.user_id = $1
		  AND e.status = 'pending'
		  AND NOT EXISTS (SELECT 1 FROM ledger_entries s WHERE s.supersedes_id = e.id)
	`, userID).Scan(&held)
	return held, err
}

func (r *PostgresRepository) ListEntries(ctx context.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE user_id = $1 ORDER BY created_at DESC, id LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *PostgresRepository) FindAwardByKey(ctx context.Context, idempotencyKey string) (domain.LedgerEntry, error) {
	e, err := scanEntry(r.db.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE idempotency_key = $1`, idempotencyKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LedgerEntry{}, ErrEntryNotFound
		}
		return domain.LedgerEntry{}, err
	}
	return e, nil
}

func (r *PostgresRepository) FindAwardByRef(ctx context.Context, userID string, activityType domain.ActivityType, refID string) (domain.LedgerEntry, error) {
	e, err := scanEntry(r.db.QueryRow(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE id = (
			SELECT entry_id FROM activities
			WHERE user_id = $1 AND type = $2 AND ref_id = $3
			ORDER BY created_at
			LIMIT 1
		)
	`, userID, string(activityType), refID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LedgerEntry{}, ErrEntryNotFound
		}
		return domain.LedgerEntry{}, err
	}
	return e, nil
}

// RecordAward persists the activity, its verification record and the earned
// entry in one transaction. A duplicate idempotency key yields ErrAlreadyClaimed.
func (r *PostgresRepository) RecordAward(ctx context.Context, activity domain.Activity, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	evidence, err := json.Marshal(activity.Verification.Evidence)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("encode evidence: %w", err)
	}
	key := activity.IdempotencyKey
	entry.IdempotencyKey = &key

	var posted domain.LedgerEntry
	err = r.inTx(ctx, func(tx pgx.Tx) error {
		balance, err := lockBalance(ctx, tx, entry.UserID)
		if err != nil {
			return err
		}
		posted, err = postLocked(ctx, tx, balance, entry)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO activities (id, user_id, type, ref_id, venue_id, event_id, bucket, idempotency_key, entry_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, activity.ID, activity.UserID, string(activity.Type), activity.RefID, activity.VenueID, activity.EventID,
			activity.Bucket, activity.IdempotencyKey, posted.ID); err != nil {
			return fmt.Errorf("insert activity: %w", err)
		}

		rec := activity.Verification
		if _, err := tx.Exec(ctx, `
			INSERT INTO verification_records (id, activity_id, method, evidence, outcome, device_id, ip, created_at)
			VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8)
		`, rec.ID, activity.ID, string(rec.Method), string(evidence), string(rec.Outcome),
			rec.Fingerprint.DeviceID, rec.Fingerprint.IP, rec.CreatedAt); err != nil {
			return fmt.Errorf("insert verification record: %w", err)
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err, "activities_idempotency_key", "ledger_entries_award_key") {
			return domain.LedgerEntry{}, ErrAlreadyClaimed
		}
		return domain.LedgerEntry{}, err
	}
	return posted, nil
}

func (r *PostgresRepository) ListActivities(ctx context.Context, userID string, limit int) ([]domain.Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT a.id, a.user_id, a.type, a.ref_id, a.venue_id, a.event_id, a.bucket, a.entry_id, a.created_at,
		       v.id, v.method, v.evidence::text, v.outcome, v.device_id, v.ip, v.created_at
		FROM activities a
		JOIN verification_records v ON v.activity_id = a.id
		WHERE a.user_id = $1
		ORDER BY a.created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activities []domain.Activity
	for rows.Next() {
		var a domain.Activity
		var activityType, method, evidence, outcome string
		if err := rows.Scan(&a.ID, &a.UserID, &activityType, &a.RefID, &a.VenueID, &a.EventID, &a.Bucket, &a.EntryID, &a.CreatedAt,
			&a.Verification.ID, &method, &evidence, &outcome, &a.Verification.Fingerprint.DeviceID, &a.Verification.Fingerprint.IP, &a.Verification.CreatedAt); err != nil {
			return nil, err
		}
		a.Type = domain.ActivityType(activityType)
		a.Verification.UserID = a.UserID
		a.Verification.VenueID = a.VenueID
		a.Verification.EventID = a.EventID
		a.Verification.Method = domain.VerificationMethod(method)
		a.Verification.Outcome = domain.VerificationOutcome(outcome)
		if err := json.Unmarshal([]byte(evidence), &a.Verification.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence for activity %s: %w", a.ID, err)
		}
		activities = append(activities, a)
	}
	return activities, rows.Err()
}

// ClaimQRToken atomically consumes a token; a second claim returns ErrTokenConsumed.
func (r *PostgresRepository) ClaimQRToken(ctx context.Context, claim QRClaim) error {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO qr_token_claims (token_hash, venue_id, user_id, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token_hash) DO NOTHING
	`, claim.TokenHash, claim.VenueID, claim.UserID, claim.ExpiresAt)
	if err != nil {
		return fmt.Errorf("claim qr token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenConsumed
	}
	return nil
}

func (r *PostgresRepository) ReleaseQRToken(ctx context.Context, tokenHash string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM qr_token_claims WHERE token_hash = $1`, tokenHash)
	return err
}

const cashoutColumns = `id, user_id, amount, method, details::text, state, reservation_id, payout_amount::text, currency,
	payout_reference, reviewer_id, note, manual_review, created_at, updated_at`

func scanCashout(row pgx.Row) (domain.CashoutRequest, error) {
	var c domain.CashoutRequest
	var method, details, state, payoutAmount string
	if err := row.Scan(&c.ID, &c.UserID, &c.Amount, &method, &details, &state, &c.ReservationID, &payoutAmount, &c.Currency,
		&c.PayoutReference, &c.ReviewerID, &c.Note, &c.ManualReview, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return domain.CashoutRequest{}, err
	}
	c.Method = domain.PayoutMethod(method)
	c.State = domain.CashoutState(state)
	if err := json.Unmarshal([]byte(details), &c.Details); err != nil {
		return domain.CashoutRequest{}, fmt.Errorf("decode cashout details: %w", err)
	}
	amount, err := decimal.NewFromString(payoutAmount)
	if err != nil {
		return domain.CashoutRequest{}, fmt.Errorf("decode payout amount: %w", err)
	}
	c.PayoutAmount = amount
	return c, nil
}

func (r *PostgresRepository) queryCashouts(ctx context.Context, query string, args ...any) ([]domain.CashoutRequest, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CashoutRequest
	for rows.Next() {
		c, err := scanCashout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateCashout reserves the requested amount and stores the request in one transaction.
func (r *PostgresRepository) CreateCashout(ctx context.Context, req domain.CashoutRequest) (domain.CashoutRequest, error) {
	if req.Amount <= 0 {
		return domain.CashoutRequest{}, ErrInvalidAmount
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	details, err := json.Marshal(req.Details)
	if err != nil {
		return domain.CashoutRequest{}, fmt.Errorf("encode cashout details: %w", err)
	}

	var created domain.CashoutRequest
	err = r.inTx(ctx, func(tx pgx.Tx) error {
		balance, err := lockBalance(ctx, tx, req.UserID)
		if err != nil {
			return err
		}
		reservation, err := postLocked(ctx, tx, balance, domain.LedgerEntry{
			UserID:     req.UserID,
			Amount:     -req.Amount,
			Kind:       domain.EntryKindCashout,
			Status:     domain.EntryStatusPending,
			SourceType: domain.SourceCashout,
			SourceRef:  req.ID.String(),
		})
		if err != nil {
			return err
		}

		created, err = scanCashout(tx.QueryRow(ctx, `
			INSERT INTO cashout_requests (id, user_id, amount, method, details, state, reservation_id, payout_amount, currency)
			VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8::numeric, $9)
			RETURNING `+cashoutColumns,
			req.ID, req.UserID, req.Amount, string(req.Method), string(details), string(domain.CashoutSubmitted),
			reservation.ID, req.PayoutAmount.StringFixed(2), req.Currency,
		))
		if err != nil {
			return fmt.Errorf("insert cashout request: %w", err)
		}
		return nil
	})
	return created, err
}

func (r *PostgresRepository) GetCashout(ctx context.Context, id uuid.UUID) (domain.CashoutRequest, error) {
	c, err := scanCashout(r.db.QueryRow(ctx, `SELECT `+cashoutColumns+` FROM cashout_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CashoutRequest{}, ErrCashoutNotFound
		}
		return domain.CashoutRequest{}, err
	}
	return c, nil
}

func (r *PostgresRepository) ListCashouts(ctx context.Context, userID string) ([]domain.CashoutRequest, error) {
	return r.queryCashouts(ctx, `SELECT `+cashoutColumns+` FROM cashout_requests WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

func (r *PostgresRepository) ListCashoutsInState(ctx context.Context, state domain.CashoutState, updatedBefore time.Time, limit int) ([]domain.CashoutRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryCashouts(ctx, `
		SELECT `+cashoutColumns+` FROM cashout_requests
		WHERE state = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, string(state), updatedBefore, limit)
}

func (r *PostgresRepository) FindCashoutByReference(ctx context.Context, reference string) (domain.CashoutRequest, error) {
	c, err := scanCashout(r.db.QueryRow(ctx, `SELECT `+cashoutColumns+` FROM cashout_requests WHERE payout_reference = $1 AND payout_reference <> ''`, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CashoutRequest{}, ErrCashoutNotFound
		}
		return domain.CashoutRequest{}, err
	}
	return c, nil
}

// TransitionCashout moves a request to a new state and applies the matching
// reservation effect in the same transaction.
func (r *PostgresRepository) TransitionCashout(ctx context.Context, t domain.CashoutTransition) (domain.CashoutRequest, error) {
	var updated domain.CashoutRequest
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		current, err := scanCashout(tx.QueryRow(ctx, `SELECT `+cashoutColumns+` FROM cashout_requests WHERE id = $1 FOR UPDATE`, t.ID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrCashoutNotFound
			}
			return fmt.Errorf("lock cashout request: %w", err)
		}
		if !domain.CanTransitionCashout(current.State, t.To) {
			return fmt.Errorf("%w: cashout %s cannot move from %s to %s", ErrInvalidTransition, current.ID, current.State, t.To)
		}
		if effect := domain.ReservationEffect(t.To); effect != "" {
			if _, err := supersede(ctx, tx, current.ReservationID, effect); err != nil {
				return err
			}
		}

		updated, err = scanCashout(tx.QueryRow(ctx, `
			UPDATE cashout_requests
			SET state = $2,
			    reviewer_id = COALESCE(NULLIF($3, ''), reviewer_id),
			    note = COALESCE(NULLIF($4, ''), note),
			    payout_reference = COALESCE(NULLIF($5, ''), payout_reference),
			    manual_review = manual_review OR $6,
			    updated_at = NOW()
			WHERE id = $1
			RETURNING `+cashoutColumns,
			t.ID, string(t.To), t.ReviewerID, t.Note, t.PayoutReference, t.ManualReview,
		))
		if err != nil {
			return fmt.Errorf("update cashout request: %w", err)
		}
		return nil
	})
	return updated, err
}

func (r *PostgresRepository) SetPayoutReference(ctx context.Context, id uuid.UUID, reference string) error {
	tag, err := r.db.Exec(ctx, `UPDATE cashout_requests SET payout_reference = $2, updated_at = NOW() WHERE id = $1`, id, reference)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCashoutNotFound
	}
	return nil
}

func (r *PostgresRepository) MarkManualReview(ctx context.Context, id uuid.UUID, note string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE cashout_requests
		SET manual_review = TRUE, note = COALESCE(NULLIF($2, ''), note), updated_at = NOW()
		WHERE id = $1
	`, id, note)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCashoutNotFound
	}
	return nil
}

const redemptionColumns = `id, user_id, reward_id, cost, code, state, entry_id, created_at, updated_at`

func scanRedemption(row pgx.Row) (domain.RedemptionClaim, error) {
	var c domain.RedemptionClaim
	var state string
	if err := row.Scan(&c.ID, &c.UserID, &c.RewardID, &c.Cost, &c.Code, &state, &c.EntryID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return domain.RedemptionClaim{}, err
	}
	c.State = domain.RedemptionState(state)
	return c, nil
}

// CreateRedemption debits the cost and issues the claim atomically.
func (r *PostgresRepository) CreateRedemption(ctx context.Context, claim domain.RedemptionClaim) (domain.RedemptionClaim, error) {
	if claim.Cost <= 0 {
		return domain.RedemptionClaim{}, ErrInvalidAmount
	}
	if claim.ID == uuid.Nil {
		claim.ID = uuid.New()
	}

	var created domain.RedemptionClaim
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		balance, err := lockBalance(ctx, tx, claim.UserID)
		if err != nil {
			return err
		}
		debit, err := postLocked(ctx, tx, balance, domain.LedgerEntry{
			UserID:     claim.UserID,
			Amount:     -claim.Cost,
			Kind:       domain.EntryKindRedeemed,
			Status:     domain.EntryStatusCompleted,
			SourceType: domain.SourceRedemption,
			SourceRef:  claim.ID.String(),
		})
		if err != nil {
			return err
		}
		created, err = scanRedemption(tx.QueryRow(ctx, `
			INSERT INTO redemption_claims (id, user_id, reward_id, cost, code, state, entry_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+redemptionColumns,
			claim.ID, claim.UserID, claim.RewardID, claim.Cost, claim.Code, string(domain.RedemptionIssued), debit.ID,
		))
		if err != nil {
			return fmt.Errorf("insert redemption claim: %w", err)
		}
		return nil
	})
	return created, err
}

func (r *PostgresRepository) GetRedemption(ctx context.Context, id uuid.UUID) (domain.RedemptionClaim, error) {
	c, err := scanRedemption(r.db.QueryRow(ctx, `SELECT `+redemptionColumns+` FROM redemption_claims WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RedemptionClaim{}, ErrRedemptionNotFound
		}
		return domain.RedemptionClaim{}, err
	}
	return c, nil
}

func (r *PostgresRepository) ListRedemptions(ctx context.Context, userID string) ([]domain.RedemptionClaim, error) {
	rows, err := r.db.Query(ctx, `SELECT `+redemptionColumns+` FROM redemption_claims WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RedemptionClaim
	for rows.Next() {
		c, err := scanRedemption(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TransitionRedemption fulfils or voids an issued claim. Voiding reverses the debit.
func (r *PostgresRepository) TransitionRedemption(ctx context.Context, id uuid.UUID, to domain.RedemptionState) (domain.RedemptionClaim, error) {
	var updated domain.RedemptionClaim
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		current, err := scanRedemption(tx.QueryRow(ctx, `SELECT `+redemptionColumns+` FROM redemption_claims WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrRedemptionNotFound
			}
			return fmt.Errorf("lock redemption claim: %w", err)
		}
		if !domain.CanTransitionRedemption(current.State, to) {
			return fmt.Errorf("%w: redemption %s cannot move from %s to %s", ErrInvalidTransition, current.ID, current.State, to)
		}
		if to == domain.RedemptionVoid {
			if _, err := supersede(ctx, tx, current.EntryID, domain.EntryStatusReversed); err != nil {
				return err
			}
		}
		updated, err = scanRedemption(tx.QueryRow(ctx, `
			UPDATE redemption_claims SET state = $2, updated_at = NOW() WHERE id = $1
			RETURNING `+redemptionColumns, id, string(to)))
		return err
	})
	return updated, err
}

func (r *PostgresRepository) GetRestriction(ctx context.Context, userID string) (domain.UserRestriction, error) {
	restriction := domain.UserRestriction{UserID: userID}
	err := r.db.QueryRow(ctx, `SELECT suspended, reason FROM user_restrictions WHERE user_id = $1`, userID).
		Scan(&restriction.Suspended, &restriction.Reason)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return domain.UserRestriction{}, err
	}
	return restriction, nil
}

func (r *PostgresRepository) SetRestriction(ctx context.Context, restriction domain.UserRestriction) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO user_restrictions (user_id, suspended, reason, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET suspended = EXCLUDED.suspended, reason = EXCLUDED.reason, updated_at = NOW()
	`, restriction.UserID, restriction.Suspended, restriction.Reason)
	return err
}

func (r *PostgresRepository) GetVenuePin(ctx context.Context, venueID string) (VenuePin, error) {
	pin := VenuePin{VenueID: venueID}
	err := r.db.QueryRow(ctx, `SELECT pin_hash, pin_length, rotated_at FROM venue_pins WHERE venue_id = $1`, venueID).
		Scan(&pin.PinHash, &pin.PinLength, &pin.RotatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return VenuePin{}, ErrPinNotFound
		}
		return VenuePin{}, err
	}
	return pin, nil
}

func (r *PostgresRepository) SaveVenuePin(ctx context.Context, pin VenuePin) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO venue_pins (venue_id, pin_hash, pin_length, rotated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (venue_id) DO UPDATE
		SET pin_hash = EXCLUDED.pin_hash, pin_length = EXCLUDED.pin_length, rotated_at = EXCLUDED.rotated_at
	`, pin.VenueID, pin.PinHash, pin.PinLength, pin.RotatedAt)
	return err
}
