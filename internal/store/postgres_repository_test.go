package store

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapPgError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{name: "serialization failure", err: &pgconn.PgError{Code: pgSerializationFailure}, want: ErrReservationConflict},
		{name: "deadlock", err: fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: pgDeadlockDetected}), want: ErrReservationConflict},
		{name: "balance check", err: &pgconn.PgError{Code: pgCheckViolation, ConstraintName: "point_balances_non_negative"}, want: ErrInsufficientBalance},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := mapPgError(tc.err); !errors.Is(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}

	other := errors.New("boom")
	if got := mapPgError(other); got != other {
		t.Fatalf("expected unrelated errors to pass through, got %v", got)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert activity: %w", &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "activities_idempotency_key"})

	if !isUniqueViolation(err) {
		t.Fatal("expected any unique violation to match without constraint filter")
	}
	if !isUniqueViolation(err, "ledger_entries_award_key", "activities_idempotency_key") {
		t.Fatal("expected matching constraint to be detected")
	}
	if isUniqueViolation(err, "ledger_entries_supersedes_once") {
		t.Fatal("expected different constraint not to match")
	}
	if isUniqueViolation(&pgconn.PgError{Code: pgCheckViolation}) {
		t.Fatal("expected non-unique codes not to match")
	}
}

func TestSchemaDeclaresLedgerConstraints(t *testing.T) {
	for _, fragment := range []string{
		"CONSTRAINT ledger_entries_supersedes_once UNIQUE (supersedes_id)",
		"CREATE UNIQUE INDEX IF NOT EXISTS ledger_entries_award_key",
		"CONSTRAINT activities_idempotency_key UNIQUE (idempotency_key)",
		"activities_user_ref ON activities (user_id, type, ref_id)",
		"CONSTRAINT point_balances_non_negative CHECK (balance >= 0)",
		"token_hash TEXT PRIMARY KEY",
	} {
		if !strings.Contains(schemaSQL, fragment) {
			t.Fatalf("schema is missing %q", fragment)
		}
	}
}
