package storage

import (
	"errors"
	"testing"

	"livkit-live/internal/models"
)

func TestCreditWalletIsIdempotentOnSource(t *testing.T) {
	store := newTestStorage(t)
	user := createTestUser(t, store, "alice")

	wallet, err := store.CreditWallet(CreditParams{UserID: user.ID, Seconds: 600, SourceID: "evt_1"})
	if err != nil {
		t.Fatalf("CreditWallet: %v", err)
	}
	if wallet.SecondsBalance != 600 {
		t.Fatalf("expected balance 600, got %d", wallet.SecondsBalance)
	}

	if _, err := store.CreditWallet(CreditParams{UserID: user.ID, Seconds: 600, SourceID: "evt_1"}); !errors.Is(err, ErrDuplicateCredit) {
		t.Fatalf("expected ErrDuplicateCredit on replay, got %v", err)
	}

	wallet, err = store.GetWallet(user.ID)
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if wallet.SecondsBalance != 600 {
		t.Fatalf("replayed credit changed balance to %d", wallet.SecondsBalance)
	}

	entries, err := store.ListLedgerEntries(user.ID, 0)
	if err != nil {
		t.Fatalf("ListLedgerEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected a single ledger entry, got %d", len(entries))
	}
	if entries[0].Action != models.LedgerActionPurchase || entries[0].SourceID != "evt_1" {
		t.Fatalf("unexpected ledger entry %+v", entries[0])
	}
}

func TestCreditWalletValidatesInput(t *testing.T) {
	store := newTestStorage(t)
	user := createTestUser(t, store, "alice")

	if _, err := store.CreditWallet(CreditParams{UserID: user.ID, SourceID: "evt_2"}); err == nil {
		t.Fatal("expected error for empty credit")
	}
	if _, err := store.CreditWallet(CreditParams{UserID: user.ID, Seconds: 60}); err == nil {
		t.Fatal("expected error for missing sourceId")
	}
	if _, err := store.CreditWallet(CreditParams{UserID: "missing", Seconds: 60, SourceID: "evt_3"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReserveSecondsNeverOverdraws(t *testing.T) {
	store := newTestStorage(t)
	user := createTestUser(t, store, "alice")
	creditTestWallet(t, store, user.ID, 60, "evt_1")

	wallet, err := store.ReserveSeconds(user.ID, 45)
	if err != nil {
		t.Fatalf("ReserveSeconds: %v", err)
	}
	if wallet.SecondsBalance != 15 {
		t.Fatalf("expected balance 15, got %d", wallet.SecondsBalance)
	}

	if _, err := store.ReserveSeconds(user.ID, 30); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	wallet, err = store.GetWallet(user.ID)
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if wallet.SecondsBalance != 15 {
		t.Fatalf("failed reserve changed balance to %d", wallet.SecondsBalance)
	}
}

func TestRefundSecondsAppendsLedgerEntry(t *testing.T) {
	store := newTestStorage(t)
	user := createTestUser(t, store, "alice")
	creditTestWallet(t, store, user.ID, 60, "evt_1")

	if _, err := store.ReserveSeconds(user.ID, 60); err != nil {
		t.Fatalf("ReserveSeconds: %v", err)
	}
	wallet, err := store.RefundSeconds(user.ID, 30)
	if err != nil {
		t.Fatalf("RefundSeconds: %v", err)
	}
	if wallet.SecondsBalance != 30 {
		t.Fatalf("expected balance 30, got %d", wallet.SecondsBalance)
	}

	entries, err := store.ListLedgerEntries(user.ID, 0)
	if err != nil {
		t.Fatalf("ListLedgerEntries: %v", err)
	}
	var actions []models.LedgerAction
	for _, entry := range entries {
		actions = append(actions, entry.Action)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 ledger entries, got %d (%v)", len(entries), actions)
	}
	if entries[0].Action != models.LedgerActionRefund || entries[0].Seconds != 30 {
		t.Fatalf("expected newest entry to be a 30s refund, got %+v", entries[0])
	}
}

func TestGiftCoinsMovesBalanceBetweenWallets(t *testing.T) {
	store := newTestStorage(t)
	alice := createTestUser(t, store, "alice")
	bob := createTestUser(t, store, "bob")

	if _, err := store.CreditWallet(CreditParams{UserID: alice.ID, Coins: 100, SourceID: "evt_coins"}); err != nil {
		t.Fatalf("CreditWallet: %v", err)
	}

	sender, err := store.GiftCoins(alice.ID, bob.ID, 40)
	if err != nil {
		t.Fatalf("GiftCoins: %v", err)
	}
	if sender.CoinBalance != 60 {
		t.Fatalf("expected sender coin balance 60, got %d", sender.CoinBalance)
	}

	recipient, err := store.GetWallet(bob.ID)
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if recipient.CoinBalance != 40 {
		t.Fatalf("expected recipient coin balance 40, got %d", recipient.CoinBalance)
	}

	if _, err := store.GiftCoins(alice.ID, bob.ID, 1000); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if _, err := store.GiftCoins(alice.ID, alice.ID, 5); err == nil {
		t.Fatal("expected error for self gift")
	}
}

func TestListLedgerEntriesHonorsLimit(t *testing.T) {
	store := newTestStorage(t)
	user := createTestUser(t, store, "alice")
	creditTestWallet(t, store, user.ID, 60, "evt_1")
	creditTestWallet(t, store, user.ID, 60, "evt_2")
	creditTestWallet(t, store, user.ID, 60, "evt_3")

	entries, err := store.ListLedgerEntries(user.ID, 2)
	if err != nil {
		t.Fatalf("ListLedgerEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}

	if _, err := store.ListLedgerEntries("missing", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
