package storage

import "errors"

// Sentinel errors for the metering core. Handlers map these onto HTTP status
// codes; background workers use them to distinguish expected conditions from
// faults.
var (
	// ErrInsufficientBalance is returned when a reserve would push the wallet
	// seconds balance below zero.
	ErrInsufficientBalance = errors.New("insufficient watch-time balance")

	// ErrDuplicateCredit is returned when a purchase credit re-uses an external
	// transaction id that is already recorded in the ledger.
	ErrDuplicateCredit = errors.New("credit already recorded for source")

	// ErrNoBalance is returned on join when the wallet has no watch time left.
	ErrNoBalance = errors.New("no watch-time balance")

	// ErrStreamNotLive is returned when a viewer operation targets a stream
	// that is not currently live.
	ErrStreamNotLive = errors.New("stream is not live")

	// ErrStreamEnded is returned when a lifecycle transition targets a stream
	// that has already ended. Ended is terminal.
	ErrStreamEnded = errors.New("stream has ended")

	// ErrSelfJoinForbidden is returned when a host attempts to join their own
	// broadcast as a viewer.
	ErrSelfJoinForbidden = errors.New("host cannot join own stream")

	// ErrAlreadyLive is returned when starting a stream that is not in the
	// scheduled state.
	ErrAlreadyLive = errors.New("stream already live")

	// ErrSessionExpired is returned by heartbeat when the gap since the last
	// heartbeat exceeded the timeout; the session has been force-ended.
	ErrSessionExpired = errors.New("viewer session expired")

	// ErrSessionNotFound is returned when no active session exists for the
	// (viewer, stream) pair.
	ErrSessionNotFound = errors.New("no active viewer session")

	// ErrNotFound is returned for missing users, wallets, and streams.
	ErrNotFound = errors.New("not found")
)
