package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"livkit-live/internal/models"
)

const pgUniqueViolation = "23505"

// purchaseSourceConstraint is the partial unique index on purchase source ids.
// Only violations of this constraint mean a replayed credit; any other unique
// violation on the ledger is a real error.
const purchaseSourceConstraint = "ledger_entries_purchase_source"

func isPurchaseReplay(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == purchaseSourceConstraint
}

func (r *PostgresRepository) CreateUser(displayName string) (models.User, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return models.User{}, errors.New("displayName is required")
	}

	id, err := generateID()
	if err != nil {
		return models.User{}, err
	}

	ctx, cancel := r.opContext()
	defer cancel()

	now := r.now()
	err = r.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO users (id, display_name, created_at) VALUES ($1, $2, $3)`,
			id, displayName, now); err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO wallets (user_id, created_at, updated_at) VALUES ($1, $2, $2)`,
			id, now); err != nil {
			return fmt.Errorf("insert wallet: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.User{}, err
	}
	return models.User{ID: id, DisplayName: displayName, CreatedAt: now}, nil
}

func (r *PostgresRepository) GetUser(id string) (models.User, bool) {
	ctx, cancel := r.opContext()
	defer cancel()

	var user models.User
	err := r.pool.QueryRow(ctx,
		`SELECT id, display_name, created_at FROM users WHERE id = $1`, id).
		Scan(&user.ID, &user.DisplayName, &user.CreatedAt)
	if err != nil {
		return models.User{}, false
	}
	return user, true
}

func (r *PostgresRepository) ListUsers() []models.User {
	ctx, cancel := r.opContext()
	defer cancel()

	rows, err := r.pool.Query(ctx,
		`SELECT id, display_name, created_at FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.DisplayName, &user.CreatedAt); err != nil {
			return nil
		}
		users = append(users, user)
	}
	return users
}

func (r *PostgresRepository) GetWallet(userID string) (models.Wallet, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	var wallet models.Wallet
	err := r.pool.QueryRow(ctx,
		`SELECT user_id, seconds_balance, coin_balance, created_at, updated_at
		 FROM wallets WHERE user_id = $1`, userID).
		Scan(&wallet.UserID, &wallet.SecondsBalance, &wallet.CoinBalance, &wallet.CreatedAt, &wallet.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Wallet{}, ErrNotFound
	}
	if err != nil {
		return models.Wallet{}, fmt.Errorf("select wallet: %w", err)
	}
	return wallet, nil
}

// lockWallet loads a wallet row under FOR UPDATE so the surrounding
// transaction serializes with other balance mutations.
func lockWallet(ctx context.Context, tx pgx.Tx, userID string) (models.Wallet, error) {
	var wallet models.Wallet
	err := tx.QueryRow(ctx,
		`SELECT user_id, seconds_balance, coin_balance, created_at, updated_at
		 FROM wallets WHERE user_id = $1 FOR UPDATE`, userID).
		Scan(&wallet.UserID, &wallet.SecondsBalance, &wallet.CoinBalance, &wallet.CreatedAt, &wallet.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Wallet{}, ErrNotFound
	}
	if err != nil {
		return models.Wallet{}, fmt.Errorf("lock wallet: %w", err)
	}
	return wallet, nil
}

func insertLedgerEntry(ctx context.Context, tx pgx.Tx, entry models.LedgerEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, action, seconds, coins, source_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		entry.ID, entry.UserID, string(entry.Action), entry.Seconds, entry.Coins, entry.SourceID, entry.CreatedAt)
	if err != nil {
		if isPurchaseReplay(err) {
			return ErrDuplicateCredit
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CreditWallet(params CreditParams) (models.Wallet, error) {
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

	entryID, err := generateID()
	if err != nil {
		return models.Wallet{}, err
	}

	ctx, cancel := r.opContext()
	defer cancel()

	now := r.now()
	var wallet models.Wallet
	err = r.withTx(ctx, func(tx pgx.Tx) error {
		locked, err := lockWallet(ctx, tx, params.UserID)
		if err != nil {
			return err
		}
		// The partial unique index on purchase source ids turns webhook
		// replays into ErrDuplicateCredit here.
		if err := insertLedgerEntry(ctx, tx, models.LedgerEntry{
			ID:        entryID,
			UserID:    params.UserID,
			Action:    models.LedgerActionPurchase,
			Seconds:   params.Seconds,
			Coins:     params.Coins,
			SourceID:  params.SourceID,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		locked.SecondsBalance += params.Seconds
		locked.CoinBalance += params.Coins
		locked.UpdatedAt = now
		if _, err := tx.Exec(ctx,
			`UPDATE wallets SET seconds_balance = $2, coin_balance = $3, updated_at = $4 WHERE user_id = $1`,
			params.UserID, locked.SecondsBalance, locked.CoinBalance, now); err != nil {
			return fmt.Errorf("update wallet: %w", err)
		}
		wallet = locked
		return nil
	})
	if err != nil {
		return models.Wallet{}, err
	}
	return wallet, nil
}

// reserveSecondsTx deducts watch time inside an existing transaction.
func (r *PostgresRepository) reserveSecondsTx(ctx context.Context, tx pgx.Tx, userID string, seconds int64) (models.Wallet, error) {
	if seconds <= 0 {
		return models.Wallet{}, errors.New("seconds must be positive")
	}
	wallet, err := lockWallet(ctx, tx, userID)
	if err != nil {
		return models.Wallet{}, err
	}
	if wallet.SecondsBalance < seconds {
		return models.Wallet{}, ErrInsufficientBalance
	}

	entryID, err := generateID()
	if err != nil {
		return models.Wallet{}, err
	}

	now := r.now()
	wallet.SecondsBalance -= seconds
	wallet.UpdatedAt = now
	if _, err := tx.Exec(ctx,
		`UPDATE wallets SET seconds_balance = $2, updated_at = $3 WHERE user_id = $1`,
		userID, wallet.SecondsBalance, now); err != nil {
		return models.Wallet{}, fmt.Errorf("update wallet: %w", err)
	}
	if err := insertLedgerEntry(ctx, tx, models.LedgerEntry{
		ID:        entryID,
		UserID:    userID,
		Action:    models.LedgerActionWatchDeduction,
		Seconds:   seconds,
		CreatedAt: now,
	}); err != nil {
		return models.Wallet{}, err
	}
	return wallet, nil
}

// refundSecondsTx returns watch time inside an existing transaction.
func (r *PostgresRepository) refundSecondsTx(ctx context.Context, tx pgx.Tx, userID string, seconds int64) (models.Wallet, error) {
	if seconds <= 0 {
		return models.Wallet{}, errors.New("seconds must be positive")
	}
	wallet, err := lockWallet(ctx, tx, userID)
	if err != nil {
		return models.Wallet{}, err
	}

	entryID, err := generateID()
	if err != nil {
		return models.Wallet{}, err
	}

	now := r.now()
	wallet.SecondsBalance += seconds
	wallet.UpdatedAt = now
	if _, err := tx.Exec(ctx,
		`UPDATE wallets SET seconds_balance = $2, updated_at = $3 WHERE user_id = $1`,
		userID, wallet.SecondsBalance, now); err != nil {
		return models.Wallet{}, fmt.Errorf("update wallet: %w", err)
	}
	if err := insertLedgerEntry(ctx, tx, models.LedgerEntry{
		ID:        entryID,
		UserID:    userID,
		Action:    models.LedgerActionRefund,
		Seconds:   seconds,
		CreatedAt: now,
	}); err != nil {
		return models.Wallet{}, err
	}
	return wallet, nil
}

func (r *PostgresRepository) ReserveSeconds(userID string, seconds int64) (models.Wallet, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	var wallet models.Wallet
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		wallet, err = r.reserveSecondsTx(ctx, tx, userID, seconds)
		return err
	})
	if err != nil {
		return models.Wallet{}, err
	}
	return wallet, nil
}

func (r *PostgresRepository) RefundSeconds(userID string, seconds int64) (models.Wallet, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	var wallet models.Wallet
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		wallet, err = r.refundSecondsTx(ctx, tx, userID, seconds)
		return err
	})
	if err != nil {
		return models.Wallet{}, err
	}
	return wallet, nil
}

func (r *PostgresRepository) GiftCoins(fromUserID, toUserID string, coins int64) (models.Wallet, error) {
	if coins <= 0 {
		return models.Wallet{}, errors.New("coins must be positive")
	}
	if fromUserID == toUserID {
		return models.Wallet{}, errors.New("cannot gift coins to yourself")
	}

	ctx, cancel := r.opContext()
	defer cancel()

	now := r.now()
	var sender models.Wallet
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		// Lock both wallets in a stable order to avoid deadlocks between
		// concurrent gifts in opposite directions.
		first, second := fromUserID, toUserID
		if second < first {
			first, second = second, first
		}
		wallets := make(map[string]models.Wallet, 2)
		for _, userID := range []string{first, second} {
			wallet, err := lockWallet(ctx, tx, userID)
			if err != nil {
				return err
			}
			wallets[userID] = wallet
		}

		from := wallets[fromUserID]
		to := wallets[toUserID]
		if from.CoinBalance < coins {
			return ErrInsufficientBalance
		}
		from.CoinBalance -= coins
		to.CoinBalance += coins

		for _, update := range []models.Wallet{from, to} {
			if _, err := tx.Exec(ctx,
				`UPDATE wallets SET coin_balance = $2, updated_at = $3 WHERE user_id = $1`,
				update.UserID, update.CoinBalance, now); err != nil {
				return fmt.Errorf("update wallet: %w", err)
			}
		}

		for _, entry := range []models.LedgerEntry{
			{UserID: fromUserID, Action: models.LedgerActionGift, Coins: -coins, SourceID: toUserID, CreatedAt: now},
			{UserID: toUserID, Action: models.LedgerActionGift, Coins: coins, SourceID: fromUserID, CreatedAt: now},
		} {
			id, err := generateID()
			if err != nil {
				return err
			}
			entry.ID = id
			if err := insertLedgerEntry(ctx, tx, entry); err != nil {
				return err
			}
		}

		from.UpdatedAt = now
		sender = from
		return nil
	})
	if err != nil {
		return models.Wallet{}, err
	}
	return sender, nil
}

func (r *PostgresRepository) ListLedgerEntries(userID string, limit int) ([]models.LedgerEntry, error) {
	ctx, cancel := r.opContext()
	defer cancel()

	if _, err := r.GetWallet(userID); err != nil {
		return nil, err
	}

	query := `SELECT id, user_id, action, seconds, coins, COALESCE(source_id, ''), created_at
		FROM ledger_entries WHERE user_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var entry models.LedgerEntry
		var action string
		if err := rows.Scan(&entry.ID, &entry.UserID, &action, &entry.Seconds, &entry.Coins, &entry.SourceID, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entry.Action = models.LedgerAction(action)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return entries, nil
}
