//go:build postgres

package storage_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"livkit-live/internal/storage"
)

// postgresTestRepository opens a Postgres-backed repository for integration
// scenarios. It requires LIVKIT_LIVE_TEST_POSTGRES_DSN to point at a database
// dedicated to automated runs; tables are truncated around every test.
func postgresTestRepository(t *testing.T, opts ...storage.PostgresOption) *storage.PostgresRepository {
	t.Helper()
	dsn := os.Getenv("LIVKIT_LIVE_TEST_POSTGRES_DSN")
	if strings.TrimSpace(dsn) == "" {
		t.Skip("LIVKIT_LIVE_TEST_POSTGRES_DSN not set")
	}

	repo, err := storage.NewPostgresRepository(context.Background(), dsn, opts...)
	if err != nil {
		t.Fatalf("open postgres repository: %v", err)
	}
	truncatePostgresTables(t, dsn)
	t.Cleanup(func() {
		truncatePostgresTables(t, dsn)
		if err := repo.Close(context.Background()); err != nil {
			t.Fatalf("close repository: %v", err)
		}
	})
	return repo
}

func truncatePostgresTables(t *testing.T, dsn string) {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	defer pool.Close()

	tables := []string{
		"minute_usage",
		"stream_earnings",
		"viewer_sessions",
		"ledger_entries",
		"streams",
		"wallets",
		"users",
	}
	query := fmt.Sprintf("TRUNCATE TABLE %s CASCADE", strings.Join(tables, ", "))
	if _, err := pool.Exec(ctx, query); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}

type mutableClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mutableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mutableClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// A leave followed by a rejoin inside the same wall minute produces two
// sessions whose completed minutes share a wall bucket. The session-scoped
// usage constraint must record one minute per session.
func TestPostgresRejoinWithinSameMinuteBillsBothSessions(t *testing.T) {
	clock := &mutableClock{now: time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)}
	repo := postgresTestRepository(t, storage.WithPostgresClock(clock.Now))

	host, err := repo.CreateUser("host")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	viewer, err := repo.CreateUser("viewer")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := repo.CreditWallet(storage.CreditParams{UserID: viewer.ID, Seconds: 600, SourceID: "txn-rejoin"}); err != nil {
		t.Fatalf("CreditWallet: %v", err)
	}
	stream, err := repo.CreateStream(host.ID, "rejoin scenario")
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if _, err := repo.StartStream(stream.ID); err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	if _, err := repo.JoinStream(viewer.ID, stream.ID); err != nil {
		t.Fatalf("first join: %v", err)
	}
	for i := 0; i < 2; i++ {
		clock.Advance(5 * time.Second)
		if _, err := repo.HeartbeatSession(viewer.ID, stream.ID); err != nil {
			t.Fatalf("heartbeat %d: %v", i+1, err)
		}
	}
	if _, err := repo.LeaveStream(viewer.ID, stream.ID); err != nil {
		t.Fatalf("LeaveStream: %v", err)
	}

	clock.Advance(5 * time.Second)
	if _, err := repo.JoinStream(viewer.ID, stream.ID); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	for i := 0; i < 2; i++ {
		clock.Advance(5 * time.Second)
		if _, err := repo.HeartbeatSession(viewer.ID, stream.ID); err != nil {
			t.Fatalf("heartbeat %d after rejoin: %v", i+1, err)
		}
	}

	if got := repo.CountUnbilledMinutes(stream.ID); got != 2 {
		t.Fatalf("expected a usage record per session minute, got %d", got)
	}
	wallet, err := repo.GetWallet(viewer.ID)
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if wallet.SecondsBalance != 480 {
		t.Fatalf("expected 480s left after two billed minutes, got %d", wallet.SecondsBalance)
	}

	result, err := repo.SettleStreamUsage(stream.ID, 200)
	if err != nil {
		t.Fatalf("SettleStreamUsage: %v", err)
	}
	if result.MinutesBilled != 2 || result.AddedCents != 400 {
		t.Fatalf("expected both sessions' minutes settled, got %+v", result)
	}
}

// Rejoins and ticks for the same viewer take their row locks in the shared
// stream, session, wallet order. Running both concurrently must make progress
// instead of timing out on a lock cycle.
func TestPostgresConcurrentRejoinAndHeartbeat(t *testing.T) {
	repo := postgresTestRepository(t)

	host, err := repo.CreateUser("host")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	viewer, err := repo.CreateUser("viewer")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := repo.CreditWallet(storage.CreditParams{UserID: viewer.ID, Seconds: 100000, SourceID: "txn-race"}); err != nil {
		t.Fatalf("CreditWallet: %v", err)
	}
	stream, err := repo.CreateStream(host.ID, "race scenario")
	if err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if _, err := repo.StartStream(stream.ID); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if _, err := repo.JoinStream(viewer.ID, stream.ID); err != nil {
		t.Fatalf("JoinStream: %v", err)
	}

	const iterations = 25
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			if _, err := repo.JoinStream(viewer.ID, stream.ID); err != nil {
				errs <- fmt.Errorf("join %d: %w", i, err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			_, err := repo.HeartbeatSession(viewer.ID, stream.ID)
			// A tick can land in the gap while a rejoin supersedes the
			// session it targeted.
			if err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
				errs <- fmt.Errorf("heartbeat %d: %w", i, err)
				return
			}
		}
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
