package storage

import (
	"context"
	"time"

	"livkit-live/internal/models"
)

// CreditParams captures an external purchase credit. SourceID is the payment
// provider's transaction id and is the idempotency key for webhook retries.
type CreditParams struct {
	UserID   string
	Seconds  int64
	Coins    int64
	SourceID string
}

// SettlementResult reports the outcome of one settlement transaction for a
// stream. Settled is false when there was nothing to bill.
type SettlementResult struct {
	StreamID      string
	HostID        string
	MinutesBilled int64
	AddedCents    int64
	TotalCents    int64
	Settled       bool
}

// HeartbeatResult carries the session state after a tick plus the minute
// buckets completed by that tick, so callers can publish usage downstream.
type HeartbeatResult struct {
	Session          models.ViewerSession
	CompletedBuckets []time.Time
}

// Repository exposes the datastore operations required by the API handlers,
// the settlement engine, and the lifecycle workers. Implementations must make
// every mutation atomic: a balance change and its ledger entry commit together
// or not at all, and operations on the same wallet or session serialize.
type Repository interface {
	Ping(ctx context.Context) error

	CreateUser(displayName string) (models.User, error)
	GetUser(id string) (models.User, bool)
	ListUsers() []models.User

	GetWallet(userID string) (models.Wallet, error)
	CreditWallet(params CreditParams) (models.Wallet, error)
	ReserveSeconds(userID string, seconds int64) (models.Wallet, error)
	RefundSeconds(userID string, seconds int64) (models.Wallet, error)
	GiftCoins(fromUserID, toUserID string, coins int64) (models.Wallet, error)
	ListLedgerEntries(userID string, limit int) ([]models.LedgerEntry, error)

	CreateStream(hostID, title string) (models.Stream, error)
	GetStream(id string) (models.Stream, bool)
	ListStreams(status models.StreamStatus) []models.Stream
	StartStream(id string) (models.Stream, error)
	StreamHeartbeat(id string) (models.Stream, error)
	EndStream(id string) (models.Stream, []models.ViewerSession, error)
	ListTimedOutStreams(timeout time.Duration) []models.Stream
	ListSettleableStreams(endedWithin time.Duration) []models.Stream

	JoinStream(viewerID, streamID string) (models.ViewerSession, error)
	HeartbeatSession(viewerID, streamID string) (HeartbeatResult, error)
	LeaveStream(viewerID, streamID string) (models.ViewerSession, error)
	ActiveSession(viewerID, streamID string) (models.ViewerSession, bool)
	ListViewerSessions(streamID string, activeOnly bool) []models.ViewerSession

	RecordMinuteUsage(sessionID string, bucket time.Time) (models.MinuteUsageRecord, bool, error)
	CountUnbilledMinutes(streamID string) int64
	SettleStreamUsage(streamID string, centsPerMinute int64) (SettlementResult, error)
	GetStreamEarnings(streamID string) (models.StreamEarnings, bool)
}

var _ Repository = (*Storage)(nil)
