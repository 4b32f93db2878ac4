package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/carbon-ledger/internal/apperror"
	"github.com/sakif/carbon-ledger/internal/model"
	"github.com/sakif/carbon-ledger/internal/repository"
)

var _ repository.AccountRepository = (*DB)(nil)

// Transaction list bounds.
const (
	DefaultTxListLimit = 50
	MaxTxListLimit     = 200
)

// UpsertAccount creates userID's account or refreshes its profile fields.
func (db *DB) UpsertAccount(ctx context.Context, userID, email, displayName string) (*model.UserAccount, error) {
	var out *model.UserAccount
	err := db.inTx(ctx, "upsert account", func(tx *sql.Tx) error {
		now := millis(db.now())
		_, err := tx.ExecContext(ctx,
			`INSERT INTO accounts (id, email, display_name, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
			     email = excluded.email,
			     display_name = excluded.display_name,
			     updated_at = excluded.updated_at`,
			userID, email, displayName, now, now,
		)
		if err != nil {
			return fmt.Errorf("sqlite: upserting account %s: %w", userID, err)
		}

		out, err = getAccount(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetAccount returns userID's account with its redemptions.
func (db *DB) GetAccount(ctx context.Context, userID string) (*model.UserAccount, error) {
	return getAccount(ctx, db.conn, userID)
}

// Increment adds amount to userID's balance.
//
// The balance is changed with `credit_balance = credit_balance + ?` inside the
// transaction: the store does the arithmetic, the service never writes back a
// balance it read earlier.
func (db *DB) Increment(ctx context.Context, userID string, amount int64, reason string) (*model.CreditTransaction, error) {
	if amount <= 0 {
		return nil, apperror.ValidationFailed("amount", "amount must be a positive number of credits")
	}

	var out *model.CreditTransaction
	err := db.inTx(ctx, "increment credits", func(tx *sql.Tx) error {
		now := db.now()
		if err := ensureAccount(ctx, tx, userID, now); err != nil {
			return err
		}

		balance, err := addBalance(ctx, tx, userID, amount, now)
		if err != nil {
			return err
		}

		out, err = insertTransaction(ctx, tx, userID, model.TxEarn, amount, balance, reason, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Debit subtracts amount from userID's balance. An account that does not
// exist yet has a balance of 0.
func (db *DB) Debit(ctx context.Context, userID string, amount int64, reason string) (*model.CreditTransaction, error) {
	if amount <= 0 {
		return nil, apperror.ValidationFailed("amount", "amount must be a positive number of credits")
	}

	var out *model.CreditTransaction
	err := db.inTx(ctx, "debit credits", func(tx *sql.Tx) error {
		now := db.now()

		have, _, err := readBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		if have < amount {
			return apperror.InsufficientBalance(have, amount)
		}

		balance, err := addBalance(ctx, tx, userID, -amount, now)
		if err != nil {
			return err
		}

		out, err = insertTransaction(ctx, tx, userID, model.TxSpend, amount, balance, reason, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Redeem grants reward to userID.
//
// THE FOUR STEPS, ONE TRANSACTION:
//
//  1. already redeemed?       → AlreadyRedeemed
//  2. balance < required?     → InsufficientBalance
//  3. debit the balance
//  4. insert the redemption and its spend transaction
//
// The write lock is held from BEGIN, so two concurrent redemptions of the same
// reward run one after the other and the second sees the first one's row in
// step 1. The (user_id, reward_id) primary key rejects a duplicate even if
// that check were bypassed; the violation is reported as AlreadyRedeemed.
func (db *DB) Redeem(ctx context.Context, userID string, reward model.RewardDefinition, token string) (*model.RedemptionReceipt, error) {
	var out *model.RedemptionReceipt
	err := db.inTx(ctx, "redeem reward", func(tx *sql.Tx) error {
		now := db.now()

		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM redemptions WHERE user_id = ? AND reward_id = ?`,
			userID, reward.ID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("sqlite: checking redemption: %w", err)
		}
		if exists > 0 {
			return apperror.AlreadyRedeemed(userID, reward.ID)
		}

		have, _, err := readBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		if have < reward.RequiredCredits {
			return apperror.InsufficientBalance(have, reward.RequiredCredits)
		}

		balance, err := addBalance(ctx, tx, userID, -reward.RequiredCredits, now)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO redemptions (user_id, reward_id, token, credits_spent, redeemed_at)
			 VALUES (?, ?, ?, ?, ?)`,
			userID, reward.ID, token, reward.RequiredCredits, millis(now),
		)
		if err != nil {
			if isConstraint(err) {
				return apperror.AlreadyRedeemed(userID, reward.ID)
			}
			return fmt.Errorf("sqlite: recording redemption: %w", err)
		}

		if _, err := insertTransaction(ctx, tx, userID, model.TxSpend, reward.RequiredCredits, balance, "redeem:"+reward.ID, now); err != nil {
			return err
		}

		out = &model.RedemptionReceipt{
			UserID:       userID,
			RewardID:     reward.ID,
			DisplayName:  reward.DisplayName,
			CreditsSpent: reward.RequiredCredits,
			Token:        token,
			RedeemedAt:   now,
			BalanceAfter: balance,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ConvertEarned moves contribution-derived credits into the balance.
//
// earned is evaluated on the owner's contributions as read inside this
// transaction. Only the part above the account's high-water mark
// (converted_credits) is credited, so converting twice credits once, and a
// later drop in earned credits (a deleted contribution) never takes credits
// back out of the balance.
func (db *DB) ConvertEarned(ctx context.Context, userID string, earned repository.EarnedFunc) (*model.Conversion, error) {
	var out *model.Conversion
	err := db.inTx(ctx, "convert credits", func(tx *sql.Tx) error {
		now := db.now()
		if err := ensureAccount(ctx, tx, userID, now); err != nil {
			return err
		}

		balance, converted, err := readBalance(ctx, tx, userID)
		if err != nil {
			return err
		}

		mine, err := listContributions(ctx, tx,
			`SELECT `+contributionColumns+` FROM contributions WHERE owner_id = ?`, userID)
		if err != nil {
			return err
		}
		total := earned(mine)

		conv := &model.Conversion{
			UserID:           userID,
			Earned:           total,
			ConvertedCredits: converted,
			Balance:          balance,
		}

		if delta := total - converted; delta > 0 {
			err := tx.QueryRowContext(ctx,
				`UPDATE accounts
				 SET credit_balance = credit_balance + ?, converted_credits = ?, updated_at = ?
				 WHERE id = ?
				 RETURNING credit_balance`,
				delta, total, millis(now), userID,
			).Scan(&conv.Balance)
			if err != nil {
				return fmt.Errorf("sqlite: crediting converted credits: %w", err)
			}
			if _, err := insertTransaction(ctx, tx, userID, model.TxConvert, delta, conv.Balance, "contribution credits", now); err != nil {
				return err
			}
			conv.Credited = delta
			conv.ConvertedCredits = total
		}

		out = conv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListTransactions returns userID's ledger entries, newest first.
func (db *DB) ListTransactions(ctx context.Context, userID string, opts repository.TxListOptions) ([]model.CreditTransaction, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultTxListLimit
	}
	if limit > MaxTxListLimit {
		limit = MaxTxListLimit
	}
	offset := max(opts.Offset, 0)

	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, user_id, kind, amount, balance_after, reason, created_at
		 FROM credit_transactions
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing transactions: %w", err)
	}
	defer rows.Close()

	out := make([]model.CreditTransaction, 0, limit)
	for rows.Next() {
		var (
			t       model.CreditTransaction
			kind    string
			created int64
		)
		if err := rows.Scan(&t.ID, &t.UserID, &kind, &t.Amount, &t.BalanceAfter, &t.Reason, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scanning transaction row: %w", err)
		}
		t.Kind = model.TransactionKind(kind)
		t.CreatedAt = fromMillis(created)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating transactions: %w", err)
	}
	return out, nil
}

// ensureAccount creates an empty account row for userID if there is none.
func ensureAccount(ctx context.Context, q querier, userID string, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO accounts (id, created_at, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		userID, millis(now), millis(now),
	)
	if err != nil {
		return fmt.Errorf("sqlite: ensuring account %s: %w", userID, err)
	}
	return nil
}

// readBalance returns the balance and the high-water mark. A missing
// account reads as zero.
func readBalance(ctx context.Context, q querier, userID string) (balance, converted int64, err error) {
	err = q.QueryRowContext(ctx,
		`SELECT credit_balance, converted_credits FROM accounts WHERE id = ?`, userID,
	).Scan(&balance, &converted)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("sqlite: reading balance of %s: %w", userID, err)
	}
	return balance, converted, nil
}

// addBalance applies delta in SQL and returns the new balance. A result
// below zero violates the CHECK constraint and is reported as
// InsufficientBalance.
func addBalance(ctx context.Context, q querier, userID string, delta int64, now time.Time) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctx,
		`UPDATE accounts SET credit_balance = credit_balance + ?, updated_at = ?
		 WHERE id = ?
		 RETURNING credit_balance`,
		delta, millis(now), userID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, apperror.NotFound("account", userID)
	}
	if err != nil {
		if isConstraint(err) {
			return 0, apperror.InsufficientBalance(0, -delta)
		}
		return 0, fmt.Errorf("sqlite: updating balance of %s: %w", userID, err)
	}
	return balance, nil
}

func insertTransaction(ctx context.Context, q querier, userID string, kind model.TransactionKind, amount, balanceAfter int64, reason string, now time.Time) (*model.CreditTransaction, error) {
	t := &model.CreditTransaction{
		ID:           xid.New().String(),
		UserID:       userID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Reason:       reason,
		CreatedAt:    now,
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, user_id, kind, amount, balance_after, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, string(t.Kind), t.Amount, t.BalanceAfter, t.Reason, millis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recording %s transaction: %w", kind, err)
	}
	return t, nil
}

// getAccount reads the account and its redemptions in one statement.
func getAccount(ctx context.Context, q querier, userID string) (*model.UserAccount, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT a.id, a.email, a.display_name, a.credit_balance, a.converted_credits,
		        a.created_at, a.updated_at,
		        r.reward_id, r.token, r.credits_spent, r.redeemed_at
		 FROM accounts a
		 LEFT JOIN redemptions r ON r.user_id = a.id
		 WHERE a.id = ?
		 ORDER BY r.redeemed_at, r.reward_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: getting account %s: %w", userID, err)
	}
	defer rows.Close()

	var acct *model.UserAccount
	for rows.Next() {
		var (
			a                model.UserAccount
			created, updated int64
			rewardID, token  sql.NullString
			spent, redeemed  sql.NullInt64
		)
		if err := rows.Scan(
			&a.ID, &a.Email, &a.DisplayName, &a.CreditBalance, &a.ConvertedCredits,
			&created, &updated,
			&rewardID, &token, &spent, &redeemed,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scanning account row: %w", err)
		}
		if acct == nil {
			a.CreatedAt = fromMillis(created)
			a.UpdatedAt = fromMillis(updated)
			a.RedeemedRewards = []model.Redemption{}
			acct = &a
		}
		if rewardID.Valid {
			acct.RedeemedRewards = append(acct.RedeemedRewards, model.Redemption{
				RewardID:     rewardID.String,
				Token:        token.String,
				CreditsSpent: spent.Int64,
				RedeemedAt:   fromMillis(redeemed.Int64),
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating account rows: %w", err)
	}
	if acct == nil {
		return nil, apperror.NotFound("account", userID)
	}
	return acct, nil
}
