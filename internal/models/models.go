package models

import (
	"strings"
	"time"
)

// LedgerAction enumerates the balance-changing operations recorded in the
// wallet ledger. Every mutation of a wallet balance appends exactly one entry.
type LedgerAction string

const (
	LedgerActionPurchase       LedgerAction = "purchase"
	LedgerActionWatchDeduction LedgerAction = "watch_deduction"
	LedgerActionRefund         LedgerAction = "refund"
	LedgerActionGift           LedgerAction = "gift"
)

// StreamStatus tracks the broadcast lifecycle. Ended is terminal; a new
// broadcast always gets a fresh Stream resource.
type StreamStatus string

const (
	StreamStatusScheduled StreamStatus = "scheduled"
	StreamStatusLive      StreamStatus = "live"
	StreamStatusEnded     StreamStatus = "ended"
)

// EndReason records why a viewer session stopped accruing watch time.
type EndReason string

const (
	EndReasonLeft             EndReason = "left"
	EndReasonSuperseded       EndReason = "superseded"
	EndReasonHeartbeatTimeout EndReason = "heartbeat_timeout"
	EndReasonStreamEnded      EndReason = "stream_ended"
	EndReasonMinutesExhausted EndReason = "minutes_exhausted"
)

type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Wallet holds a viewer's pre-paid watch-time and gift-coin balances. Balances
// are mutated exclusively through ledger operations; SecondsBalance never goes
// negative.
type Wallet struct {
	UserID         string    `json:"userId"`
	SecondsBalance int64     `json:"secondsBalance"`
	CoinBalance    int64     `json:"coinBalance"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// LedgerEntry is the immutable audit record for a wallet balance change. The
// optional SourceID carries the external event identifier used for purchase
// idempotency.
type LedgerEntry struct {
	ID        string       `json:"id"`
	UserID    string       `json:"userId"`
	Action    LedgerAction `json:"action"`
	Seconds   int64        `json:"seconds,omitempty"`
	Coins     int64        `json:"coins,omitempty"`
	SourceID  string       `json:"sourceId,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
}

// ViewerSession is the sole source of truth for a viewer's elapsed watch time
// on one stream. ActiveSeconds only grows while the session is active.
type ViewerSession struct {
	ID              string     `json:"id"`
	ViewerID        string     `json:"viewerId"`
	StreamID        string     `json:"streamId"`
	JoinedAt        time.Time  `json:"joinedAt"`
	LastHeartbeatAt time.Time  `json:"lastHeartbeatAt"`
	ActiveSeconds   int64      `json:"activeSeconds"`
	IsActive        bool       `json:"isActive"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	EndedReason     EndReason  `json:"endedReason,omitempty"`
}

// BilledMinutes returns the whole minutes of watch time accumulated so far.
func (s ViewerSession) BilledMinutes() int64 {
	return s.ActiveSeconds / 60
}

// MinuteUsageRecord marks one billable viewer-minute. The (session, bucket)
// pair is unique: retried ticks for a session are no-ops, while a session that
// rejoins inside the same wall minute bills its own minutes.
type MinuteUsageRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	StreamID  string    `json:"streamId"`
	ViewerID  string    `json:"viewerId"`
	Bucket    time.Time `json:"minuteBucket"`
	Billed    bool      `json:"billed"`
	CreatedAt time.Time `json:"createdAt"`
}

// StreamEarnings accumulates a host's settled earnings for one stream.
// TotalCents only increases and is written only by the settlement engine.
type StreamEarnings struct {
	StreamID         string    `json:"streamId"`
	HostID           string    `json:"hostId"`
	TotalCents       int64     `json:"totalCents"`
	MinutesBilled    int64     `json:"minutesBilled"`
	LastCalculatedAt time.Time `json:"lastCalculatedAt"`
}

type Stream struct {
	ID              string       `json:"id"`
	HostID          string       `json:"hostId"`
	Title           string       `json:"title"`
	Channel         string       `json:"channel"`
	Status          StreamStatus `json:"status"`
	CreatedAt       time.Time    `json:"createdAt"`
	StartedAt       *time.Time   `json:"startedAt,omitempty"`
	EndedAt         *time.Time   `json:"endedAt,omitempty"`
	LastHeartbeatAt *time.Time   `json:"lastHeartbeatAt,omitempty"`
}

// IsLive reports whether the stream currently accepts viewers.
func (s Stream) IsLive() bool {
	return s.Status == StreamStatusLive
}

// ParseEndReason normalizes a stored end reason, defaulting unknown values to
// "left" so legacy records stay readable.
func ParseEndReason(raw string) EndReason {
	switch EndReason(strings.ToLower(strings.TrimSpace(raw))) {
	case EndReasonSuperseded:
		return EndReasonSuperseded
	case EndReasonHeartbeatTimeout:
		return EndReasonHeartbeatTimeout
	case EndReasonStreamEnded:
		return EndReasonStreamEnded
	case EndReasonMinutesExhausted:
		return EndReasonMinutesExhausted
	default:
		return EndReasonLeft
	}
}
