package payments

import (
	"context"
	"path/filepath"
	"testing"

	"livkit-live/internal/observability/metrics"
	"livkit-live/internal/storage"
)

func newGateway(t *testing.T) (*WalletGateway, *storage.Storage, string) {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	user, err := store.CreateUser("buyer")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return NewWalletGateway(store, nil, metrics.New()), store, user.ID
}

func TestProcessPurchaseCreditsWallet(t *testing.T) {
	gateway, _, userID := newGateway(t)

	wallet, applied, err := gateway.ProcessPurchase(context.Background(), PurchaseEvent{
		Reference: "pi_123",
		UserID:    userID,
		Seconds:   1800,
	})
	if err != nil {
		t.Fatalf("ProcessPurchase: %v", err)
	}
	if !applied || wallet.SecondsBalance != 1800 {
		t.Fatalf("unexpected result applied=%v wallet=%+v", applied, wallet)
	}
}

func TestProcessPurchaseAcknowledgesReplays(t *testing.T) {
	gateway, store, userID := newGateway(t)

	event := PurchaseEvent{Reference: "pi_123", UserID: userID, Seconds: 1800}
	if _, _, err := gateway.ProcessPurchase(context.Background(), event); err != nil {
		t.Fatalf("first delivery: %v", err)
	}

	wallet, applied, err := gateway.ProcessPurchase(context.Background(), event)
	if err != nil {
		t.Fatalf("replay should not error: %v", err)
	}
	if applied {
		t.Fatal("replay must not re-credit")
	}
	if wallet.SecondsBalance != 1800 {
		t.Fatalf("replay changed balance to %d", wallet.SecondsBalance)
	}

	entries, err := store.ListLedgerEntries(userID, 0)
	if err != nil {
		t.Fatalf("ListLedgerEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(entries))
	}
}

func TestProcessPurchaseRejectsUnknownUser(t *testing.T) {
	gateway, _, _ := newGateway(t)

	if _, _, err := gateway.ProcessPurchase(context.Background(), PurchaseEvent{
		Reference: "pi_999",
		UserID:    "missing",
		Seconds:   60,
	}); err == nil {
		t.Fatal("expected error for unknown user")
	}
}
