package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestPurchaseReplayDetection(t *testing.T) {
	replay := &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: purchaseSourceConstraint}
	if !isPurchaseReplay(replay) {
		t.Fatal("expected purchase-source violation to count as a replay")
	}
	if !isPurchaseReplay(fmt.Errorf("insert ledger entry: %w", replay)) {
		t.Fatal("expected wrapped purchase-source violation to count as a replay")
	}

	// A unique violation on another constraint, like a primary-key collision
	// on a refund entry, must surface as an error instead of being absorbed
	// as a duplicate credit.
	pkClash := &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "ledger_entries_pkey"}
	if isPurchaseReplay(pkClash) {
		t.Fatal("primary-key violation misread as a replayed purchase")
	}

	otherCode := &pgconn.PgError{Code: "23503", ConstraintName: purchaseSourceConstraint}
	if isPurchaseReplay(otherCode) {
		t.Fatal("non-unique-violation misread as a replayed purchase")
	}
	if isPurchaseReplay(errors.New("connection reset")) {
		t.Fatal("plain error misread as a replayed purchase")
	}
}
