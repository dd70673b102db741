//go:build integration

package credits

import (
	"context"
	"errors"
	"testing"

	"github.com/mbd888/sagapay/internal/testutil"
)

func TestPostgresStore_AllocateAndDeduct(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ledger := New(NewPostgresStore(db))
	ctx := context.Background()

	if _, err := ledger.Allocate(ctx, "user_pg", "24.00", "saga_1:step_4"); err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	bal, err := ledger.GetBalance(ctx, "user_pg")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.Available != "24.00" || bal.TotalIn != "24.00" || bal.TotalOut != "0.00" {
		t.Errorf("unexpected balance after allocation: %+v", bal)
	}

	if _, err := ledger.Deduct(ctx, "user_pg", "24.00", "saga_1:step_4:reversal"); err != nil {
		t.Fatalf("Deduct: %v", err)
	}

	bal, _ = ledger.GetBalance(ctx, "user_pg")
	if bal.Available != "0.00" || bal.TotalOut != "24.00" {
		t.Errorf("unexpected balance after deduction: %+v", bal)
	}
}

func TestPostgresStore_IdempotentByReference(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ledger := New(NewPostgresStore(db))
	ctx := context.Background()

	first, err := ledger.Allocate(ctx, "user_pg", "10.00", "saga_2:step_4")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	replay, err := ledger.Allocate(ctx, "user_pg", "10.00", "saga_2:step_4")
	if err != nil {
		t.Fatalf("replay Allocate: %v", err)
	}
	if replay.ID != first.ID {
		t.Errorf("replay created a new transaction: %s vs %s", replay.ID, first.ID)
	}

	bal, _ := ledger.GetBalance(ctx, "user_pg")
	if bal.Available != "10.00" {
		t.Errorf("replay mutated balance: %s", bal.Available)
	}
}

func TestPostgresStore_DuplicateReferenceRollsBack(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	txn := &Transaction{ID: "ctx_pg_1", UserID: "user_pg", Type: "allocate",
		Amount: "10.00", Reference: "saga_5:step_4"}
	if err := store.Credit(ctx, txn); err != nil {
		t.Fatalf("Credit: %v", err)
	}

	// Writing the same reference again must fail as a duplicate and
	// leave the balance untouched: the unique violation rolls the whole
	// transaction back, balance mutation included.
	dup := &Transaction{ID: "ctx_pg_2", UserID: "user_pg", Type: "allocate",
		Amount: "10.00", Reference: "saga_5:step_4"}
	if err := store.Credit(ctx, dup); !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("duplicate Credit: expected ErrDuplicateReference, got %v", err)
	}

	bal, err := store.GetBalance(ctx, "user_pg")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.Available != "10.00" {
		t.Errorf("duplicate credit mutated balance: %s", bal.Available)
	}

	// The ledger treats the duplicate as a replay, not a failure.
	replay, err := New(store).Allocate(ctx, "user_pg", "10.00", "saga_5:step_4")
	if err != nil {
		t.Fatalf("Allocate replay: %v", err)
	}
	if replay.ID != "ctx_pg_1" {
		t.Errorf("replay returned %s, want the original ctx_pg_1", replay.ID)
	}
}

func TestPostgresStore_DebitGuardsBalance(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ledger := New(NewPostgresStore(db))
	ctx := context.Background()

	if _, err := ledger.Allocate(ctx, "user_pg", "5.00", "saga_3:step_4"); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if _, err := ledger.Deduct(ctx, "user_pg", "20.00", "saga_3:over"); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	bal, _ := ledger.GetBalance(ctx, "user_pg")
	if bal.Available != "5.00" {
		t.Errorf("failed debit mutated balance: %s", bal.Available)
	}
}

func TestPostgresStore_HistoryNewestFirst(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ledger := New(NewPostgresStore(db))
	ctx := context.Background()

	refs := []string{"saga_4:a", "saga_4:b", "saga_4:c"}
	for _, ref := range refs {
		if _, err := ledger.Allocate(ctx, "user_pg", "1.00", ref); err != nil {
			t.Fatalf("Allocate %s: %v", ref, err)
		}
	}

	history, err := ledger.History(ctx, "user_pg", 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(history))
	}
	if history[0].Reference != "saga_4:c" {
		t.Errorf("expected newest first, got %s", history[0].Reference)
	}
}
