package payments

import (
	"context"
	"errors"
	"log/slog"

	"livkit-live/internal/models"
	"livkit-live/internal/observability/metrics"
	"livkit-live/internal/storage"
)

// PurchaseEvent is a completed checkout reported by the payment provider's
// webhook. Reference is the provider transaction id and doubles as the
// idempotency key for retried deliveries.
type PurchaseEvent struct {
	Reference string
	UserID    string
	Seconds   int64
	Coins     int64
}

// Gateway converts provider purchase events into wallet credits.
type Gateway interface {
	ProcessPurchase(ctx context.Context, event PurchaseEvent) (models.Wallet, bool, error)
}

// WalletGateway credits wallets through the repository. Webhook replays are
// acknowledged without re-crediting, matching how payment providers expect
// duplicate deliveries to be handled.
type WalletGateway struct {
	repo     storage.Repository
	logger   *slog.Logger
	recorder *metrics.Recorder
}

// NewWalletGateway builds a gateway over the repository.
func NewWalletGateway(repo storage.Repository, logger *slog.Logger, recorder *metrics.Recorder) *WalletGateway {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &WalletGateway{repo: repo, logger: logger, recorder: recorder}
}

// ProcessPurchase applies the purchase to the user's wallet. The boolean
// reports whether the credit was applied; a replayed reference returns the
// current wallet with applied set to false and no error.
func (g *WalletGateway) ProcessPurchase(ctx context.Context, event PurchaseEvent) (models.Wallet, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Wallet{}, false, err
	}

	wallet, err := g.repo.CreditWallet(storage.CreditParams{
		UserID:   event.UserID,
		Seconds:  event.Seconds,
		Coins:    event.Coins,
		SourceID: event.Reference,
	})
	if errors.Is(err, storage.ErrDuplicateCredit) {
		g.logger.Info("purchase replay ignored",
			"reference", event.Reference,
			"user_id", event.UserID)
		current, lookupErr := g.repo.GetWallet(event.UserID)
		if lookupErr != nil {
			return models.Wallet{}, false, lookupErr
		}
		return current, false, nil
	}
	if err != nil {
		return models.Wallet{}, false, err
	}

	g.recorder.ObserveWalletEvent(string(models.LedgerActionPurchase), event.Seconds)
	g.logger.Info("purchase credited",
		"reference", event.Reference,
		"user_id", event.UserID,
		"seconds", event.Seconds,
		"coins", event.Coins)
	return wallet, true, nil
}
