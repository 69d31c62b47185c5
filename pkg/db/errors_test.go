package db

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	pkgerrors "github.com/angelmondragon/cardkey-backend/pkg/errors"
)

func TestIsSchemaDrift(t *testing.T) {
	missingColumn := fmt.Errorf("reserve: %w", &pgconn.PgError{Code: "42703", Message: `column "reserved_at" does not exist`})
	if !IsSchemaDrift(missingColumn) {
		t.Fatal("expected undefined column to be schema drift")
	}
	if !IsSchemaDrift(&pq.Error{Code: "42P01"}) {
		t.Fatal("expected undefined table to be schema drift")
	}
	if IsSchemaDrift(errors.New(`column "reserved_at" does not exist`)) {
		t.Fatal("plain strings are not classified")
	}
	if IsSchemaDrift(nil) {
		t.Fatal("nil is not schema drift")
	}
	if !IsSchemaDrift(errors.New("no such column: reserved_at")) {
		t.Fatal("expected sqlite missing column to be schema drift")
	}
	if IsSchemaDrift(&pgconn.PgError{Code: "23505", Message: "no such table"}) {
		t.Fatal("a sql state other than undefined column or table wins over the message")
	}
}

func TestStoreErrorNamesMigrationsOnDrift(t *testing.T) {
	drift := StoreError(&pgconn.PgError{Code: "42703"}, "lock free card")
	if drift.Code() != pkgerrors.CodeDependency {
		t.Fatalf("expected dependency code, got %s", drift.Code())
	}
	if !strings.Contains(drift.Message(), "run migrations") {
		t.Fatalf("expected migration hint, got %q", drift.Message())
	}

	plain := StoreError(errors.New("connection reset"), "lock free card")
	if plain.Code() != pkgerrors.CodeDependency || plain.Message() != "lock free card" {
		t.Fatalf("unexpected wrap %s %q", plain.Code(), plain.Message())
	}
	if !errors.Is(plain, plain.Unwrap()) {
		t.Fatal("cause must stay in the chain")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	err := &pgconn.PgError{Code: "23505", ConstraintName: "refund_requests_open_idx", Message: "duplicate key value violates unique constraint \"refund_requests_open_idx\""}
	if !IsUniqueViolation(err, "") {
		t.Fatal("expected unique violation")
	}
	if !IsUniqueViolation(err, "refund_requests_open_idx") {
		t.Fatal("expected constraint match")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "42703", Message: "duplicate key value"}, "") {
		t.Fatal("other sql states must not match")
	}
	if !IsUniqueViolation(errors.New("UNIQUE constraint failed: duplicate key value"), "") {
		t.Fatal("expected message fallback for drivers without sql state")
	}
}
