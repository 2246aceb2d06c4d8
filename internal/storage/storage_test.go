package storage

import (
	"path/filepath"
	"testing"
	"time"

	"livkit-live/internal/models"
)

type fakeClock struct {
	current time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2025, time.March, 14, 12, 0, 0, 0, time.UTC)}
}

func newTestStorage(t *testing.T, opts ...Option) *Storage {
	t.Helper()
	store, err := NewStorage(filepath.Join(t.TempDir(), "store.json"), opts...)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	return store
}

func createTestUser(t *testing.T, store *Storage, name string) models.User {
	t.Helper()
	user, err := store.CreateUser(name)
	if err != nil {
		t.Fatalf("CreateUser(%q): %v", name, err)
	}
	return user
}

func creditTestWallet(t *testing.T, store *Storage, userID string, seconds int64, sourceID string) {
	t.Helper()
	if _, err := store.CreditWallet(CreditParams{UserID: userID, Seconds: seconds, SourceID: sourceID}); err != nil {
		t.Fatalf("CreditWallet: %v", err)
	}
}

func startTestStream(t *testing.T, store *Storage, hostID, title string) models.Stream {
	t.Helper()
	stream, err := store.CreateStream(hostID, title)
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	started, err := store.StartStream(stream.ID)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	return started
}

func TestStoragePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")

	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	user := createTestUser(t, store, "alice")
	creditTestWallet(t, store, user.ID, 600, "evt_reopen")

	reopened, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	wallet, err := reopened.GetWallet(user.ID)
	if err != nil {
		t.Fatalf("GetWallet after reopen: %v", err)
	}
	if wallet.SecondsBalance != 600 {
		t.Fatalf("expected balance 600 after reopen, got %d", wallet.SecondsBalance)
	}
}

func TestCreateUserProvisionsWallet(t *testing.T) {
	store := newTestStorage(t)

	user := createTestUser(t, store, "alice")
	wallet, err := store.GetWallet(user.ID)
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if wallet.SecondsBalance != 0 || wallet.CoinBalance != 0 {
		t.Fatalf("expected empty wallet, got %+v", wallet)
	}
}

func TestCreateUserRequiresDisplayName(t *testing.T) {
	store := newTestStorage(t)

	if _, err := store.CreateUser("   "); err == nil {
		t.Fatal("expected error for blank display name")
	}
}
