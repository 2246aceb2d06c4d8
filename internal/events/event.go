package events

import "time"

// Type identifies a billing event published to downstream consumers such as
// notification fan-out and analytics.
type Type string

const (
	// TypeViewerJoined fires when a viewer session opens.
	TypeViewerJoined Type = "viewer_joined"
	// TypeSessionEnded fires when a viewer session finalizes for any reason.
	TypeSessionEnded Type = "session_ended"
	// TypeMinutesExhausted fires when a session ends because the wallet ran
	// dry. Clients use it to prompt the viewer to top up.
	TypeMinutesExhausted Type = "minutes_exhausted"
	// TypeStreamEnded fires when a broadcast transitions to ended.
	TypeStreamEnded Type = "stream_ended"
	// TypeSettlementCompleted fires after a settlement run bills minutes.
	TypeSettlementCompleted Type = "settlement_completed"
)

// Event is the wire format pushed onto the billing event queue.
type Event struct {
	Type       Type      `json:"type"`
	StreamID   string    `json:"streamId,omitempty"`
	ViewerID   string    `json:"viewerId,omitempty"`
	HostID     string    `json:"hostId,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Seconds    int64     `json:"seconds,omitempty"`
	Minutes    int64     `json:"minutes,omitempty"`
	Cents      int64     `json:"cents,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}
