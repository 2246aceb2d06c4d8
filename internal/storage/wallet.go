package storage

import (
	"errors"
	"sort"
	"time"

	"livkit-live/internal/models"
)

// GetWallet returns the wallet for userID.
func (s *Storage) GetWallet(userID string) (models.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wallet, ok := s.data.Wallets[userID]
	if !ok {
		return models.Wallet{}, ErrNotFound
	}
	return wallet, nil
}

// CreditWallet applies an external purchase to the wallet. The credit is
// idempotent on SourceID: replaying the same payment event returns
// ErrDuplicateCredit and leaves the balance untouched.
func (s *Storage) CreditWallet(params CreditParams) (models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if params.UserID == "" {
		return models.Wallet{}, errors.New("userId is required")
	}
	if params.SourceID == "" {
		return models.Wallet{}, errors.New("sourceId is required")
	}
	if params.Seconds < 0 || params.Coins < 0 {
		return models.Wallet{}, errors.New("credit amounts must be non-negative")
	}
	if params.Seconds == 0 && params.Coins == 0 {
		return models.Wallet{}, errors.New("credit must include seconds or coins")
	}

	wallet, ok := s.data.Wallets[params.UserID]
	if !ok {
		return models.Wallet{}, ErrNotFound
	}

	for _, entry := range s.data.LedgerEntries {
		if entry.Action == models.LedgerActionPurchase && entry.SourceID == params.SourceID {
			return models.Wallet{}, ErrDuplicateCredit
		}
	}

	entryID, err := generateID()
	if err != nil {
		return models.Wallet{}, err
	}

	now := s.now()
	wallet.SecondsBalance += params.Seconds
	wallet.CoinBalance += params.Coins
	wallet.UpdatedAt = now

	updated := cloneDataset(s.data)
	updated.Wallets[params.UserID] = wallet
	updated.LedgerEntries[entryID] = models.LedgerEntry{
		ID:        entryID,
		UserID:    params.UserID,
		Action:    models.LedgerActionPurchase,
		Seconds:   params.Seconds,
		Coins:     params.Coins,
		SourceID:  params.SourceID,
		CreatedAt: now,
	}

	if err := s.commit(updated); err != nil {
		return models.Wallet{}, err
	}
	return wallet, nil
}

// ReserveSeconds deducts watch time from the wallet ahead of consumption and
// records a watch_deduction ledger entry. The balance never goes negative.
func (s *Storage) ReserveSeconds(userID string, seconds int64) (models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := cloneDataset(s.data)
	if err := applyReserve(&updated, userID, seconds, s.now()); err != nil {
		return models.Wallet{}, err
	}
	if err := s.commit(updated); err != nil {
		return models.Wallet{}, err
	}
	return updated.Wallets[userID], nil
}

// applyReserve deducts seconds from the wallet in data and appends the
// matching watch_deduction ledger entry. Callers hold the write lock and are
// responsible for committing data.
func applyReserve(data *dataset, userID string, seconds int64, now time.Time) error {
	if seconds <= 0 {
		return errors.New("seconds must be positive")
	}
	wallet, ok := data.Wallets[userID]
	if !ok {
		return ErrNotFound
	}
	if wallet.SecondsBalance < seconds {
		return ErrInsufficientBalance
	}

	entryID, err := generateID()
	if err != nil {
		return err
	}

	wallet.SecondsBalance -= seconds
	wallet.UpdatedAt = now
	data.Wallets[userID] = wallet
	data.LedgerEntries[entryID] = models.LedgerEntry{
		ID:        entryID,
		UserID:    userID,
		Action:    models.LedgerActionWatchDeduction,
		Seconds:   seconds,
		CreatedAt: now,
	}
	return nil
}

// applyRefund returns seconds to the wallet in data with a refund ledger
// entry. Callers hold the write lock and commit data themselves.
func applyRefund(data *dataset, userID string, seconds int64, now time.Time) error {
	if seconds <= 0 {
		return errors.New("seconds must be positive")
	}
	wallet, ok := data.Wallets[userID]
	if !ok {
		return ErrNotFound
	}

	entryID, err := generateID()
	if err != nil {
		return err
	}

	wallet.SecondsBalance += seconds
	wallet.UpdatedAt = now
	data.Wallets[userID] = wallet
	data.LedgerEntries[entryID] = models.LedgerEntry{
		ID:        entryID,
		UserID:    userID,
		Action:    models.LedgerActionRefund,
		Seconds:   seconds,
		CreatedAt: now,
	}
	return nil
}

// RefundSeconds returns watch time to the wallet with a refund ledger entry.
func (s *Storage) RefundSeconds(userID string, seconds int64) (models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := cloneDataset(s.data)
	if err := applyRefund(&updated, userID, seconds, s.now()); err != nil {
		return models.Wallet{}, err
	}
	if err := s.commit(updated); err != nil {
		return models.Wallet{}, err
	}
	return updated.Wallets[userID], nil
}

// GiftCoins moves gift coins from one wallet to another, recording a gift
// ledger entry on each side. Returns the sender's wallet.
func (s *Storage) GiftCoins(fromUserID, toUserID string, coins int64) (models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if coins <= 0 {
		return models.Wallet{}, errors.New("coins must be positive")
	}
	if fromUserID == toUserID {
		return models.Wallet{}, errors.New("cannot gift coins to yourself")
	}

	sender, ok := s.data.Wallets[fromUserID]
	if !ok {
		return models.Wallet{}, ErrNotFound
	}
	recipient, ok := s.data.Wallets[toUserID]
	if !ok {
		return models.Wallet{}, ErrNotFound
	}
	if sender.CoinBalance < coins {
		return models.Wallet{}, ErrInsufficientBalance
	}

	sendEntryID, err := generateID()
	if err != nil {
		return models.Wallet{}, err
	}
	receiveEntryID, err := generateID()
	if err != nil {
		return models.Wallet{}, err
	}

	now := s.now()
	sender.CoinBalance -= coins
	sender.UpdatedAt = now
	recipient.CoinBalance += coins
	recipient.UpdatedAt = now

	updated := cloneDataset(s.data)
	updated.Wallets[fromUserID] = sender
	updated.Wallets[toUserID] = recipient
	updated.LedgerEntries[sendEntryID] = models.LedgerEntry{
		ID:        sendEntryID,
		UserID:    fromUserID,
		Action:    models.LedgerActionGift,
		Coins:     -coins,
		SourceID:  toUserID,
		CreatedAt: now,
	}
	updated.LedgerEntries[receiveEntryID] = models.LedgerEntry{
		ID:        receiveEntryID,
		UserID:    toUserID,
		Action:    models.LedgerActionGift,
		Coins:     coins,
		SourceID:  fromUserID,
		CreatedAt: now,
	}

	if err := s.commit(updated); err != nil {
		return models.Wallet{}, err
	}
	return sender, nil
}

// ListLedgerEntries returns the user's ledger newest first, capped at limit
// when limit is positive.
func (s *Storage) ListLedgerEntries(userID string, limit int) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.data.Wallets[userID]; !ok {
		return nil, ErrNotFound
	}

	entries := make([]models.LedgerEntry, 0)
	for _, entry := range s.data.LedgerEntries {
		if entry.UserID == userID {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID > entries[j].ID
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
